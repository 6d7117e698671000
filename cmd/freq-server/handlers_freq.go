// handlers_freq.go implements the FREQ.* commands for frequent-items tracking.
//
// Each key holds a serialized frequent-items sketch with an "FQS1" magic
// header. Write operations (RESERVE, ADD, INCRBY, MERGE, RESET) use Mutate()
// for atomic read-modify-write; read operations (COUNT, RANGE, LIST, INFO)
// use View() so concurrent readers on the same shard don't block each other.
//
// Items are 64-bit signed integers on the wire, parsed with strconv.ParseInt.
// Estimates come back as RESP integers, so any Redis client can consume them
// without a custom codec.

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"freq.lopezb.com/internal/pds/freq"
)

// decodeSketch is the shared type-check-and-decode step for every handler
// that reads an existing key.
func decodeSketch(data []byte) (*freq.Sketch, bool) {
	if !freq.HasValidMagic(data) {
		return nil, false
	}
	s, err := freq.NewFromBytes(data)
	if err != nil {
		return nil, false
	}
	return s, true
}

// handleFreqReserve creates a new sketch with the given maximum map size.
// Syntax: FREQ.RESERVE key maxMapSize
//
// maxMapSize must be a power of two, at least 8. Returns an error if the key
// already exists.
func (app *application) handleFreqReserve(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "FREQ.RESERVE")
		return
	}

	key := args[0]

	maxMapSize, err := strconv.Atoi(args[1])
	if err != nil || maxMapSize <= 0 {
		_ = app.writeErrorResponse(w, "ERR maxMapSize must be a positive integer")
		return
	}

	sketch, err := freq.New(maxMapSize)
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR "+err.Error())
		return
	}

	var keyExists bool

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		if data != nil {
			keyExists = true
			return data, false
		}
		return sketch.Bytes(), true
	})

	if keyExists {
		_ = app.writeErrorResponse(w, "ERR key already exists")
		return
	}

	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleFreqAdd records each item once, auto-creating the sketch with the
// configured default size if the key doesn't exist.
// Syntax: FREQ.ADD key item [item ...]
//
// Returns the sketch's stream length after the updates.
func (app *application) handleFreqAdd(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "FREQ.ADD")
		return
	}

	items, err := parseItems(args[1:])
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR item is not an integer or out of range")
		return
	}

	counts := make([]int64, len(items))
	for i := range counts {
		counts[i] = 1
	}

	app.applyUpdates(w, args[0], items, counts)
}

// handleFreqIncrBy records items with explicit positive weights.
// Syntax: FREQ.INCRBY key item count [item count ...]
//
// Returns the sketch's stream length after the updates.
func (app *application) handleFreqIncrBy(w io.Writer, args []string) {
	// Args: key item1 count1 item2 count2 ...
	// Minimum 3 args (key + 1 pair)
	if len(args) < 3 || (len(args)-1)%2 != 0 {
		app.wrongNumberOfArgsResponse(w, "FREQ.INCRBY")
		return
	}

	numPairs := (len(args) - 1) / 2
	items := make([]int64, numPairs)
	counts := make([]int64, numPairs)

	for i := 0; i < numPairs; i++ {
		item, err := strconv.ParseInt(args[1+i*2], 10, 64)
		if err != nil {
			_ = app.writeErrorResponse(w, "ERR item is not an integer or out of range")
			return
		}
		items[i] = item

		count, err := strconv.ParseInt(args[2+i*2], 10, 64)
		if err != nil || count < 0 {
			_ = app.writeErrorResponse(w, "ERR count must be a non-negative integer")
			return
		}
		counts[i] = count
	}

	app.applyUpdates(w, args[0], items, counts)
}

// applyUpdates runs a batch of weighted updates against a key under a single
// Mutate, auto-creating the sketch when absent. The whole batch commits or
// none of it does.
func (app *application) applyUpdates(w io.Writer, key string, items, counts []int64) {
	var streamLength int64
	var typeError bool
	var updateErr error

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		var sketch *freq.Sketch
		var err error

		if data == nil {
			// Auto-create with the server's default size.
			sketch, err = freq.New(app.config.defaultMaxMapSize)
			if err != nil {
				updateErr = err
				return data, false
			}
		} else {
			var ok bool
			sketch, ok = decodeSketch(data)
			if !ok {
				typeError = true
				return data, false
			}
		}

		for i, item := range items {
			if err := sketch.UpdateMany(item, counts[i]); err != nil {
				updateErr = err
				return data, false
			}
		}

		streamLength = sketch.StreamLength()
		return sketch.Bytes(), true
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if updateErr != nil {
		_ = app.writeErrorResponse(w, "ERR "+updateErr.Error())
		return
	}

	_ = app.writeIntegerResponse64(w, streamLength)
}

// handleFreqCount returns the frequency estimate for each item, in input
// order. Items the sketch never saw (and missing keys) report 0.
// Syntax: FREQ.COUNT key item [item ...]
func (app *application) handleFreqCount(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "FREQ.COUNT")
		return
	}

	key := args[0]

	items, err := parseItems(args[1:])
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR item is not an integer or out of range")
		return
	}

	estimates := make([]int64, len(items))
	var typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			// Key doesn't exist - all items report 0
			return nil
		}

		sketch, ok := decodeSketch(data)
		if !ok {
			typeError = true
			return nil
		}

		for i, item := range items {
			estimates[i] = sketch.Estimate(item)
		}
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	_ = app.writeInteger64ArrayResponse(w, estimates)
}

// handleFreqRange returns the [estimate, lowerBound, upperBound] triple for
// one item. For a missing key the triple is [0, 0, 0].
// Syntax: FREQ.RANGE key item
func (app *application) handleFreqRange(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "FREQ.RANGE")
		return
	}

	key := args[0]

	item, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR item is not an integer or out of range")
		return
	}

	triple := make([]int64, 3)
	var typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			return nil
		}

		sketch, ok := decodeSketch(data)
		if !ok {
			typeError = true
			return nil
		}

		triple[0] = sketch.Estimate(item)
		triple[1] = sketch.LowerBound(item)
		triple[2] = sketch.UpperBound(item)
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	_ = app.writeInteger64ArrayResponse(w, triple)
}

// handleFreqList returns the frequent items as alternating item/estimate
// pairs, sorted by descending estimate. The default policy guarantees no
// false negatives; the NOFALSEPOSITIVES option switches to the stricter
// policy that only reports items provably above the error threshold.
// Syntax: FREQ.LIST key [NOFALSEPOSITIVES]
func (app *application) handleFreqList(w io.Writer, args []string) {
	if len(args) < 1 {
		app.wrongNumberOfArgsResponse(w, "FREQ.LIST")
		return
	}

	key := args[0]
	errType := freq.NoFalseNegatives

	if len(args) > 1 {
		if len(args) > 2 {
			app.wrongNumberOfArgsResponse(w, "FREQ.LIST")
			return
		}
		switch strings.ToUpper(args[1]) {
		case "NOFALSEPOSITIVES":
			errType = freq.NoFalsePositives
		default:
			_ = app.writeErrorResponse(w, "ERR syntax error")
			return
		}
	}

	var rows []freq.Row
	var typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			return nil
		}

		sketch, ok := decodeSketch(data)
		if !ok {
			typeError = true
			return nil
		}

		rows = sketch.FrequentItems(errType)
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}

	pairs := make([]int64, 0, len(rows)*2)
	for _, row := range rows {
		pairs = append(pairs, row.Item, row.Estimate)
	}
	_ = app.writeInteger64ArrayResponse(w, pairs)
}

// handleFreqMerge merges the src sketch into dest. Both keys must exist and
// hold sketches; dest absorbs src's counts and error offset, src is left
// untouched.
// Syntax: FREQ.MERGE dest src
func (app *application) handleFreqMerge(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "FREQ.MERGE")
		return
	}

	destKey, srcKey := args[0], args[1]

	// Decode src outside the dest mutation. The store's locks are per shard,
	// and dest and src may share one; nesting View inside Mutate could
	// self-deadlock on the same shard's RWMutex.
	var src *freq.Sketch
	var srcMissing, typeError bool

	_ = app.store.View(srcKey, func(data []byte) error {
		if data == nil {
			srcMissing = true
			return nil
		}
		var ok bool
		src, ok = decodeSketch(data)
		if !ok {
			typeError = true
		}
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if srcMissing {
		_ = app.writeErrorResponse(w, "ERR source key does not exist")
		return
	}

	var destMissing bool
	var mergeErr error

	app.store.Mutate(destKey, func(data []byte) ([]byte, bool) {
		if data == nil {
			destMissing = true
			return data, false
		}

		dest, ok := decodeSketch(data)
		if !ok {
			typeError = true
			return data, false
		}

		if _, err := dest.Merge(src); err != nil {
			mergeErr = err
			return data, false
		}
		return dest.Bytes(), true
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if destMissing {
		_ = app.writeErrorResponse(w, "ERR destination key does not exist")
		return
	}
	if mergeErr != nil {
		_ = app.writeErrorResponse(w, "ERR "+mergeErr.Error())
		return
	}

	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleFreqInfo reports a sketch's parameters and state in the key:value
// line format used by INFO.
// Syntax: FREQ.INFO key
func (app *application) handleFreqInfo(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "FREQ.INFO")
		return
	}

	key := args[0]

	var report string
	var missing, typeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			missing = true
			return nil
		}

		sketch, ok := decodeSketch(data)
		if !ok {
			typeError = true
			return nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "max_map_size:%d\r\n", sketch.MaxMapSize())
		fmt.Fprintf(&b, "current_map_capacity:%d\r\n", sketch.CurrentMapCapacity())
		fmt.Fprintf(&b, "active_items:%d\r\n", sketch.NumActive())
		fmt.Fprintf(&b, "stream_length:%d\r\n", sketch.StreamLength())
		fmt.Fprintf(&b, "maximum_error:%d\r\n", sketch.MaximumError())
		fmt.Fprintf(&b, "storage_bytes:%d\r\n", sketch.StorageBytes())
		report = b.String()
		return nil
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if missing {
		_ = app.writeErrorResponse(w, "ERR key does not exist")
		return
	}

	_ = app.writeBulkStringResponse(w, report)
}

// handleFreqReset empties a sketch in place, keeping its configured maximum
// map size.
// Syntax: FREQ.RESET key
func (app *application) handleFreqReset(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "FREQ.RESET")
		return
	}

	var missing, typeError bool

	app.store.Mutate(args[0], func(data []byte) ([]byte, bool) {
		if data == nil {
			missing = true
			return data, false
		}

		sketch, ok := decodeSketch(data)
		if !ok {
			typeError = true
			return data, false
		}

		sketch.Reset()
		return sketch.Bytes(), true
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if missing {
		_ = app.writeErrorResponse(w, "ERR key does not exist")
		return
	}

	_ = app.writeSimpleStringResponse(w, "OK")
}

// parseItems converts command arguments to int64 items.
func parseItems(args []string) ([]int64, error) {
	items := make([]int64, len(args))
	for i, arg := range args {
		item, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, errors.New("invalid item")
		}
		items[i] = item
	}
	return items, nil
}

// Package freq implements a frequent-items sketch for streams of weighted
// int64 items.
//
// The sketch keeps a fixed-capacity table of (item, counter) pairs. While
// the number of distinct items fits, every counter is exact. Once the table
// is full at its configured maximum size, the sketch runs a "reverse purge":
// it subtracts an approximate median of the live counters from every counter
// and evicts the ones that drop to zero or below. The total amount ever
// subtracted is tracked in a single accumulator, the offset, which turns the
// lossy table back into provable bounds:
//
//	LowerBound(x) = storedCount(x)            (0 if x was evicted or never seen)
//	UpperBound(x) = storedCount(x) + offset
//
// The true frequency of x is always inside [LowerBound, UpperBound], no
// matter how updates, purges, and merges interleave, because a counter can
// only lose mass through purges and every purge's decrement is added to the
// offset exactly once.
//
// A consequence worth calling out: UpperBound of an item the sketch has
// never seen is offset, not 0. The bound is deliberately loose for untracked
// items; an evicted item and a never-seen item are indistinguishable.
//
// Memory is bounded by the configured maximum map size and is independent of
// the number of distinct items in the stream. With maxMapSize physical slots
// the estimation error offset stays below about 3.5/maxMapSize times the
// total stream weight.
//
// Sketches are mergeable: Merge replays the other sketch's live entries and
// combines the offsets, yielding bounds governed by the looser of the two
// inputs. A Sketch is not safe for concurrent use; callers that ingest from
// multiple goroutines should keep one sketch per shard and merge afterwards.
package freq

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
)

const (
	// lgMinMapSize is the log2 of the smallest physical table (8 slots).
	lgMinMapSize = 3

	// maxSampleSize caps the number of counters sampled to pick the purge
	// median, bounding the cost of a purge regardless of table size.
	maxSampleSize = 256

	// epsilonFactor over maxMapSize gives the a-priori relative error.
	epsilonFactor = 3.5
)

var (
	// ErrNegativeCount is returned by UpdateMany for a negative count.
	ErrNegativeCount = errors.New("freq: count may not be negative")

	// ErrNotPowerOfTwo is returned when a requested maximum map size is not
	// a power of two of at least 8.
	ErrNotPowerOfTwo = errors.New("freq: maxMapSize must be a power of two, at least 8")

	// ErrPurgeIneffective reports that a purge failed to bring the table
	// back under its maximum capacity. This cannot happen unless the store
	// or the median selection is broken; treat it as unrecoverable.
	ErrPurgeIneffective = errors.New("freq: purge did not reduce active items")
)

// ErrorType selects which side of the error bound FrequentItems filters on.
type ErrorType int

const (
	// NoFalseNegatives includes every item whose upper bound reaches the
	// threshold. No truly frequent item is omitted; infrequent items may
	// appear.
	NoFalseNegatives ErrorType = iota

	// NoFalsePositives includes only items whose lower bound reaches the
	// threshold. Every reported item is truly frequent; some frequent
	// items may be omitted.
	NoFalsePositives
)

// Row is one entry of a FrequentItems result.
type Row struct {
	Item       int64
	Estimate   int64
	UpperBound int64
	LowerBound int64
}

// Sketch is a frequent-items sketch. The zero value is not usable; create
// instances with New or NewWithLgSizes.
type Sketch struct {
	// lgMaxMapSize bounds the physical table length at 2^lgMaxMapSize.
	lgMaxMapSize int
	// curMapCap is the live-entry threshold of the current table; crossing
	// it triggers a grow or a purge.
	curMapCap int
	// offset is the total mass removed by all purges ever applied, directly
	// or through merged-in sketches. Monotonically non-decreasing.
	offset int64
	// streamWeight is the sum of all weights ever passed to UpdateMany,
	// independent of eviction.
	streamWeight int64
	// sampleSize is fixed at construction: min(maxSampleSize, capacity at
	// the maximum table length).
	sampleSize int

	hashMap *hashMap
	rng     *xorshift
}

// New creates a sketch whose internal table may grow up to maxMapSize
// physical slots. maxMapSize must be a power of two and at least 8. The
// table starts at the minimum size and doubles on demand, so small streams
// pay only for what they use. Maximum capacity in live entries is
// 0.75*maxMapSize; both accuracy and memory are functions of maxMapSize.
func New(maxMapSize int) (*Sketch, error) {
	if maxMapSize < 1<<lgMinMapSize || maxMapSize&(maxMapSize-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	return NewWithLgSizes(bits.TrailingZeros(uint(maxMapSize)), lgMinMapSize), nil
}

// NewWithLgSizes creates a sketch with an explicit log2 maximum and log2
// starting table length. Both are clamped to the minimum (3). Used directly
// by the decoder, which knows the table length a sketch was serialized at.
func NewWithLgSizes(lgMaxMapSize, lgCurMapSize int) *Sketch {
	lgMaxMapSize = max(lgMaxMapSize, lgMinMapSize)
	lgCurMapSize = max(lgCurMapSize, lgMinMapSize)

	hm := newHashMap(1 << lgCurMapSize)
	maxMapCap := int(float64(int64(1)<<lgMaxMapSize) * loadFactor)
	return &Sketch{
		lgMaxMapSize: lgMaxMapSize,
		curMapCap:    hm.capacity(),
		sampleSize:   min(maxSampleSize, maxMapCap),
		hashMap:      hm,
		rng:          newRNG(),
	}
}

// Update records one occurrence of item.
func (s *Sketch) Update(item int64) error {
	return s.UpdateMany(item, 1)
}

// UpdateMany records count occurrences of item. A count of zero is a no-op;
// a negative count returns ErrNegativeCount and leaves the sketch untouched.
// The item value is opaque to the sketch and only used for identity.
func (s *Sketch) UpdateMany(item int64, count int64) error {
	if count == 0 {
		return nil
	}
	if count < 0 {
		return ErrNegativeCount
	}
	s.streamWeight += count
	s.hashMap.adjustOrPut(item, count)

	if s.hashMap.numActive > s.curMapCap {
		if s.hashMap.lgLength < s.lgMaxMapSize {
			// Below the configured maximum: double the table.
			s.hashMap.resize(2 * len(s.hashMap.keys))
			s.curMapCap = s.hashMap.capacity()
		} else {
			// At the maximum: evict via reverse purge and fold the
			// subtracted median into the error offset.
			s.offset += s.hashMap.purge(s.sampleSize, s.rng)
			if s.hashMap.numActive > s.MaximumMapCapacity() {
				return ErrPurgeIneffective
			}
		}
	}
	return nil
}

// Merge folds other into s and returns s. The merged bounds are within the
// guarantees of the looser of the two sketches. Other is left unchanged;
// merging an empty or nil sketch is a no-op.
func (s *Sketch) Merge(other *Sketch) (*Sketch, error) {
	if other == nil || other.IsEmpty() {
		return s, nil
	}
	// Replay re-adds other's live weights, so capture the correct combined
	// stream weight up front and restore it afterwards.
	streamWeight := s.streamWeight + other.streamWeight
	for it := other.hashMap.iterate(); it.next(); {
		if err := s.UpdateMany(it.key(), it.count()); err != nil {
			return nil, err
		}
	}
	s.offset += other.offset
	s.streamWeight = streamWeight
	return s, nil
}

// Estimate returns the estimated frequency of item: the stored counter plus
// the error offset, or 0 if the item is not currently tracked.
func (s *Sketch) Estimate(item int64) int64 {
	if c := s.hashMap.get(item); c > 0 {
		return c + s.offset
	}
	return 0
}

// LowerBound returns a frequency guaranteed to be no larger than the item's
// true frequency. It is 0 for untracked items.
func (s *Sketch) LowerBound(item int64) int64 {
	return s.hashMap.get(item)
}

// UpperBound returns a frequency guaranteed to be no smaller than the item's
// true frequency. For untracked items this is the offset itself, not 0: an
// evicted item may have lost up to offset mass.
func (s *Sketch) UpperBound(item int64) int64 {
	return s.hashMap.get(item) + s.offset
}

// MaximumError returns an upper bound on Estimate's error for any item,
// equal to the maximum distance between UpperBound and LowerBound.
func (s *Sketch) MaximumError() int64 {
	return s.offset
}

// FrequentItems returns the tracked items that may be frequent, filtered by
// errType at the default threshold MaximumError and sorted by descending
// estimate.
func (s *Sketch) FrequentItems(errType ErrorType) []Row {
	return s.sortItems(s.MaximumError(), errType)
}

// FrequentItemsOverThreshold is FrequentItems with an explicit threshold.
// Thresholds below MaximumError are raised to it, since no tighter claim
// can be made.
func (s *Sketch) FrequentItemsOverThreshold(threshold int64, errType ErrorType) []Row {
	if threshold < s.MaximumError() {
		threshold = s.MaximumError()
	}
	return s.sortItems(threshold, errType)
}

func (s *Sketch) sortItems(threshold int64, errType ErrorType) []Row {
	rows := make([]Row, 0)
	for it := s.hashMap.iterate(); it.next(); {
		cnt := it.count()
		row := Row{
			Item:       it.key(),
			Estimate:   cnt + s.offset,
			UpperBound: cnt + s.offset,
			LowerBound: cnt,
		}
		switch errType {
		case NoFalseNegatives:
			if row.UpperBound >= threshold {
				rows = append(rows, row)
			}
		case NoFalsePositives:
			if row.LowerBound >= threshold {
				rows = append(rows, row)
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Estimate > rows[j].Estimate
	})
	return rows
}

// IsEmpty reports whether the sketch tracks no items. Note that a sketch
// can become empty again through purging while StreamLength stays positive.
func (s *Sketch) IsEmpty() bool {
	return s.NumActive() == 0
}

// NumActive returns the number of items currently tracked.
func (s *Sketch) NumActive() int {
	return s.hashMap.numActive
}

// StreamLength returns the total weight of the stream seen so far.
func (s *Sketch) StreamLength() int64 {
	return s.streamWeight
}

// CurrentMapCapacity returns the number of live entries the current table
// tolerates before the sketch grows or purges.
func (s *Sketch) CurrentMapCapacity() int {
	return s.curMapCap
}

// MaximumMapCapacity returns the number of live entries tolerated at the
// configured maximum table length.
func (s *Sketch) MaximumMapCapacity() int {
	return int(float64(int64(1)<<s.lgMaxMapSize) * loadFactor)
}

// MaxMapSize returns the configured maximum physical table length.
func (s *Sketch) MaxMapSize() int {
	return 1 << s.lgMaxMapSize
}

// StorageBytes returns the size of the encoding Bytes would produce.
func (s *Sketch) StorageBytes() int {
	return headerSize + 16*s.NumActive()
}

// Reset returns the sketch to its virgin state: minimum table, zero offset,
// zero stream weight. The configured maximum size is retained.
func (s *Sketch) Reset() {
	s.hashMap = newHashMap(1 << lgMinMapSize)
	s.curMapCap = s.hashMap.capacity()
	s.offset = 0
	s.streamWeight = 0
}

// String returns a one-line summary for diagnostics.
func (s *Sketch) String() string {
	return fmt.Sprintf("freq.Sketch{maxMapSize:%d, active:%d, streamLength:%d, maxError:%d}",
		s.MaxMapSize(), s.NumActive(), s.streamWeight, s.offset)
}

// Epsilon returns the a-priori relative error bound for a sketch built with
// maxMapSize: the offset after processing a stream of total weight W is
// expected to stay below Epsilon*W.
func Epsilon(maxMapSize int) (float64, error) {
	if maxMapSize < 1<<lgMinMapSize || maxMapSize&(maxMapSize-1) != 0 {
		return 0, ErrNotPowerOfTwo
	}
	return epsilonFactor / float64(maxMapSize), nil
}

// AprioriError returns the estimated worst-case estimation error for a
// planned maxMapSize and an estimated total stream weight.
func AprioriError(maxMapSize int, estimatedTotalStreamWeight int64) (float64, error) {
	eps, err := Epsilon(maxMapSize)
	if err != nil {
		return 0, err
	}
	return eps * float64(estimatedTotalStreamWeight), nil
}

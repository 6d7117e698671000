// hashmap.go implements the counter store backing the frequent-items sketch:
// an open-addressed hash table from int64 items to positive int64 counters,
// with a bulk "reverse purge" eviction that subtracts an approximate median
// from every counter and discards the ones that drop to zero or below.
//
// Table Layout
// ============
//
// Three parallel slices of identical power-of-two length:
//
//	keys    []int64  item identifiers
//	counts  []int64  accumulated weights, always > 0 for live entries
//	states  []int16  probe drift + 1, or 0 for an empty slot
//
// The states slice doubles as the occupancy marker and as the record of how
// far each entry sits from its home slot. Storing the drift lets deletion
// shift displaced entries back toward their home slot instead of leaving
// tombstones, so probe chains never grow stale.
//
// Probing is linear with wraparound. The load threshold is fixed at 75% of
// the physical length, which keeps expected probe chains short; the sketch
// layer guarantees the table is grown or purged before the threshold is
// crossed, so an empty slot always exists and every probe loop terminates.
package freq

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// loadFactor is the fraction of physical slots allowed to hold live
	// entries before the sketch must grow or purge the table.
	loadFactor = 0.75

	// driftLimit bounds the probe chain length. At 75% load the expected
	// chain is a handful of slots; hitting this limit means the table is
	// corrupted.
	driftLimit = 1024
)

type hashMap struct {
	lgLength      int
	loadThreshold int
	keys          []int64
	counts        []int64
	states        []int16
	numActive     int
}

// newHashMap creates a table with mapSize physical slots. mapSize must be a
// power of two; callers in this package guarantee it by always passing 1<<lg.
func newHashMap(mapSize int) *hashMap {
	lg := 0
	for 1<<lg < mapSize {
		lg++
	}
	return &hashMap{
		lgLength:      lg,
		loadThreshold: int(float64(mapSize) * loadFactor),
		keys:          make([]int64, mapSize),
		counts:        make([]int64, mapSize),
		states:        make([]int16, mapSize),
	}
}

// capacity returns the maximum number of live entries the table tolerates
// at its current physical length.
func (m *hashMap) capacity() int {
	return m.loadThreshold
}

// hashIndex maps an item to its home slot.
func (m *hashMap) hashIndex(item int64) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(item))
	return int(xxhash.Sum64(b[:]) & uint64(len(m.keys)-1))
}

// get returns the stored counter for item, or 0 if the item is absent.
func (m *hashMap) get(item int64) int64 {
	mask := len(m.keys) - 1
	probe := m.hashIndex(item)
	for m.states[probe] != 0 && m.keys[probe] != item {
		probe = (probe + 1) & mask
	}
	if m.states[probe] != 0 {
		return m.counts[probe]
	}
	return 0
}

// adjustOrPut adds adjust to the item's counter, inserting the item if it is
// not present. The caller guarantees adjust > 0 and that the table is below
// its load threshold, so a free slot always exists.
func (m *hashMap) adjustOrPut(item int64, adjust int64) {
	mask := len(m.keys) - 1
	probe := m.hashIndex(item)
	drift := int16(1)
	for m.states[probe] != 0 && m.keys[probe] != item {
		probe = (probe + 1) & mask
		drift++
		if drift >= driftLimit {
			panic("freq: hash table drift limit exceeded")
		}
	}
	if m.states[probe] == 0 {
		m.keys[probe] = item
		m.counts[probe] = adjust
		m.states[probe] = drift
		m.numActive++
	} else {
		m.counts[probe] += adjust
	}
}

// resize reallocates the table at newSize slots (a larger power of two) and
// reinserts every live entry. Stored counters are unchanged.
func (m *hashMap) resize(newSize int) {
	oldKeys := m.keys
	oldCounts := m.counts
	oldStates := m.states

	lg := 0
	for 1<<lg < newSize {
		lg++
	}
	m.lgLength = lg
	m.loadThreshold = int(float64(newSize) * loadFactor)
	m.keys = make([]int64, newSize)
	m.counts = make([]int64, newSize)
	m.states = make([]int16, newSize)
	m.numActive = 0

	for i := range oldStates {
		if oldStates[i] > 0 {
			m.adjustOrPut(oldKeys[i], oldCounts[i])
		}
	}
}

// purge subtracts an approximate median of the live counters from every live
// counter and deletes the entries that drop to zero or below. The median is
// taken over a uniform random sample of at most sampleSize counters, so the
// cost of the selection step is bounded regardless of table size. Returns
// the subtracted amount, which the sketch folds into its error offset.
func (m *hashMap) purge(sampleSize int, rng *xorshift) int64 {
	limit := sampleSize
	if m.numActive < limit {
		limit = m.numActive
	}
	if limit == 0 {
		return 0
	}

	// Reservoir sampling over the live slots. Slot order is already
	// randomized by hashing, but the reservoir keeps the sample uniform
	// even for adversarial insertion orders.
	sample := make([]int64, 0, limit)
	seen := 0
	for i := range m.states {
		if m.states[i] <= 0 {
			continue
		}
		if len(sample) < limit {
			sample = append(sample, m.counts[i])
		} else if j := int(rng.next() % uint64(seen+1)); j < limit {
			sample[j] = m.counts[i]
		}
		seen++
	}

	median := selectValue(sample, len(sample)/2, rng)

	for i := range m.states {
		if m.states[i] > 0 {
			m.counts[i] -= median
		}
	}
	m.keepOnlyPositiveCounts()
	return median
}

// keepOnlyPositiveCounts deletes every live entry whose counter is <= 0.
//
// Deletion order matters: scanning backwards from the first empty slot keeps
// probe chains that wrap around the end of the table intact while entries
// are being shifted back toward their home slots.
func (m *hashMap) keepOnlyPositiveCounts() {
	length := len(m.keys)

	firstEmpty := length - 1
	for m.states[firstEmpty] > 0 {
		firstEmpty--
	}

	for probe := firstEmpty; probe > 0; {
		probe--
		if m.states[probe] > 0 && m.counts[probe] <= 0 {
			m.deleteSlot(probe)
			m.numActive--
		}
	}
	for probe := length - 1; probe > firstEmpty; probe-- {
		if m.states[probe] > 0 && m.counts[probe] <= 0 {
			m.deleteSlot(probe)
			m.numActive--
		}
	}
}

// deleteSlot empties the slot at probe and walks forward along the probe
// chain, moving any displaced entry whose drift reaches back to the freed
// slot. This is the standard backward-shift deletion for linear probing; it
// leaves no tombstones.
func (m *hashMap) deleteSlot(probe int) {
	mask := len(m.keys) - 1
	m.states[probe] = 0
	drift := int16(1)
	next := (probe + 1) & mask
	for m.states[next] != 0 {
		if m.states[next] > drift {
			m.keys[probe] = m.keys[next]
			m.counts[probe] = m.counts[next]
			m.states[probe] = m.states[next] - drift
			m.states[next] = 0
			probe = next
			drift = 1
		} else {
			drift++
		}
		next = (next + 1) & mask
	}
}

// iterator walks the live entries in unspecified order. The iterator is
// cheap to create and can be restarted by creating a new one; the table
// must not be mutated while an iterator is in use.
type hashMapIterator struct {
	m    *hashMap
	slot int
	item int64
	cnt  int64
}

func (m *hashMap) iterate() *hashMapIterator {
	return &hashMapIterator{m: m}
}

func (it *hashMapIterator) next() bool {
	for it.slot < len(it.m.states) {
		i := it.slot
		it.slot++
		if it.m.states[i] > 0 {
			it.item = it.m.keys[i]
			it.cnt = it.m.counts[i]
			return true
		}
	}
	return false
}

func (it *hashMapIterator) key() int64   { return it.item }
func (it *hashMapIterator) count() int64 { return it.cnt }

// activeKeys returns the live items in slot order. The order matches
// activeCounts taken from the same unmutated table.
func (m *hashMap) activeKeys() []int64 {
	out := make([]int64, 0, m.numActive)
	for i := range m.states {
		if m.states[i] > 0 {
			out = append(out, m.keys[i])
		}
	}
	return out
}

// activeCounts returns the live counters in slot order.
func (m *hashMap) activeCounts() []int64 {
	out := make([]int64, 0, m.numActive)
	for i := range m.states {
		if m.states[i] > 0 {
			out = append(out, m.counts[i])
		}
	}
	return out
}

// String renders the live entries for debug output.
func (m *hashMap) String() string {
	var sb strings.Builder
	sb.WriteString("  item:count\n")
	for it := m.iterate(); it.next(); {
		sb.WriteString("  ")
		sb.WriteString(strconv.FormatInt(it.key(), 10))
		sb.WriteString(":")
		sb.WriteString(strconv.FormatInt(it.count(), 10))
		sb.WriteString("\n")
	}
	return sb.String()
}

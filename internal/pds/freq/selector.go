// selector.go holds the randomized selection machinery used by the purge
// step: a tiny xorshift generator for sampling and pivot choice, and an
// in-place quickselect over the sampled counter values.
//
// The generator is deliberately not crypto-grade. It only has to decorrelate
// the purge median from the input order so that sorted or reverse-sorted
// streams cannot systematically bias the eviction. Each sketch owns its own
// generator state, seeded from an atomic counter; tests overwrite the state
// directly to replay an exact purge sequence.
package freq

import "sync/atomic"

// globalSeed is an atomic counter for RNG seeding, avoiding time.Now() syscall.
var globalSeed uint64 = 1

type xorshift struct {
	state uint64
}

// newRNG returns a generator with a process-unique nonzero seed.
func newRNG() *xorshift {
	return &xorshift{state: atomic.AddUint64(&globalSeed, 1)}
}

// next advances the Xorshift64 state. A nonzero state never reaches zero.
func (r *xorshift) next() uint64 {
	x := r.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	r.state = x
	return x
}

// selectValue returns the k-th smallest value of sample (0-based), partially
// reordering the slice in place. Pivots are drawn at random so adversarial
// value distributions cannot force quadratic behavior across repeated purges.
func selectValue(sample []int64, k int, rng *xorshift) int64 {
	lo, hi := 0, len(sample)-1
	for lo < hi {
		p := sample[lo+int(rng.next()%uint64(hi-lo+1))]
		i, j := lo, hi
		for i <= j {
			for sample[i] < p {
				i++
			}
			for sample[j] > p {
				j--
			}
			if i <= j {
				sample[i], sample[j] = sample[j], sample[i]
				i++
				j--
			}
		}
		switch {
		case k <= j:
			hi = j
		case k >= i:
			lo = i
		default:
			return sample[k]
		}
	}
	return sample[k]
}

package freq

import (
	"sort"
	"testing"
)

func TestSelectValue(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
		k      int
		want   int64
	}{
		{"single", []int64{7}, 0, 7},
		{"two ascending", []int64{1, 2}, 1, 2},
		{"two descending", []int64{9, 3}, 0, 3},
		{"sorted", []int64{1, 2, 3, 4, 5}, 2, 3},
		{"reverse sorted", []int64{5, 4, 3, 2, 1}, 2, 3},
		{"duplicates", []int64{4, 4, 4, 4, 4}, 2, 4},
		{"mixed", []int64{10, 1, 7, 3, 9, 2, 8}, 3, 7},
		{"all equal but one", []int64{1, 1, 1, 1, 100}, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := &xorshift{state: 42}
			vals := make([]int64, len(tt.values))
			copy(vals, tt.values)
			if got := selectValue(vals, tt.k, rng); got != tt.want {
				t.Errorf("selectValue(%v, %d): got %d, want %d", tt.values, tt.k, got, tt.want)
			}
		})
	}
}

func TestSelectValueMatchesSort(t *testing.T) {
	rng := &xorshift{state: 7}

	for trial := 0; trial < 50; trial++ {
		n := 1 + int(rng.next()%200)
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(rng.next() % 1000)
		}

		sorted := make([]int64, n)
		copy(sorted, vals)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		for _, k := range []int{0, n / 2, n - 1} {
			work := make([]int64, n)
			copy(work, vals)
			if got := selectValue(work, k, rng); got != sorted[k] {
				t.Fatalf("trial %d: selectValue(k=%d) over %d values: got %d, want %d",
					trial, k, n, got, sorted[k])
			}
		}
	}
}

func TestXorshiftDeterministic(t *testing.T) {
	a := &xorshift{state: 1234}
	b := &xorshift{state: 1234}
	for i := 0; i < 100; i++ {
		va, vb := a.next(), b.next()
		if va != vb {
			t.Fatalf("step %d: sequences diverged: %d vs %d", i, va, vb)
		}
		if va == 0 {
			t.Fatalf("step %d: xorshift produced zero, state would be stuck", i)
		}
	}
}

func TestNewRNGUniqueSeeds(t *testing.T) {
	a, b := newRNG(), newRNG()
	if a.state == b.state {
		t.Errorf("consecutive generators share seed %d", a.state)
	}
	if a.state == 0 || b.state == 0 {
		t.Error("generator seeded with zero")
	}
}

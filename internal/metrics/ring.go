package metrics

import (
	"sync/atomic"
)

// ring is a fixed-capacity FIFO window of samples. Appends are lock-free:
// a monotonic cursor claims a slot, then an atomic pointer store publishes
// the sample. Readers load the cursor and slots atomically and never block
// writers; a snapshot taken during concurrent writes is a consistent set of
// individually complete samples, not a frozen instant.
type ring struct {
	slots  []atomic.Pointer[Sample]
	cursor atomic.Uint64 // total samples ever appended
}

func newRing(capacity int) *ring {
	return &ring{slots: make([]atomic.Pointer[Sample], capacity)}
}

// append publishes a sample, overwriting the oldest slot once full.
func (r *ring) append(s *Sample) {
	idx := r.cursor.Add(1) - 1
	r.slots[idx%uint64(len(r.slots))].Store(s)
}

// snapshot copies the current window, oldest first.
func (r *ring) snapshot() []Sample {
	total := r.cursor.Load()
	capacity := uint64(len(r.slots))

	n := total
	if n > capacity {
		n = capacity
	}

	out := make([]Sample, 0, n)
	start := uint64(0)
	if total > capacity {
		start = total % capacity
	}
	for i := uint64(0); i < n; i++ {
		if s := r.slots[(start+i)%capacity].Load(); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// len returns the number of samples currently in the window.
func (r *ring) len() int {
	total := r.cursor.Load()
	if capacity := uint64(len(r.slots)); total > capacity {
		return int(capacity)
	}
	return int(total)
}

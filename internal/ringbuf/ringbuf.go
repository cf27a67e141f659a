// Package ringbuf provides a fixed-size overwrite ring of float64 samples,
// used as the per-instrument price history window.
package ringbuf

// Window keeps the most recent Cap() samples. Pushing into a full window
// overwrites the oldest sample. Size is rounded up to a power of two for fast
// bitwise modulo. Not safe for concurrent use; the owner serializes access.
type Window struct {
	buf   []float64
	mask  uint64
	head  uint64 // total pushes
	drops uint64 // samples overwritten
}

// New creates a window. capacity is rounded up to the next power of two.
// Minimum capacity is 2.
func New(capacity int) *Window {
	cap := nextPow2(capacity)
	if cap < 2 {
		cap = 2
	}
	return &Window{
		buf:  make([]float64, cap),
		mask: uint64(cap - 1),
	}
}

// Push appends v, overwriting the oldest sample when full.
func (w *Window) Push(v float64) {
	if w.head >= uint64(len(w.buf)) {
		w.drops++
	}
	w.buf[w.head&w.mask] = v
	w.head++
}

// Last returns the newest sample.
func (w *Window) Last() (float64, bool) {
	if w.head == 0 {
		return 0, false
	}
	return w.buf[(w.head-1)&w.mask], true
}

// At returns the i-th sample counting back from the newest (0 = newest).
func (w *Window) At(i int) (float64, bool) {
	if i < 0 || i >= w.Len() {
		return 0, false
	}
	return w.buf[(w.head-1-uint64(i))&w.mask], true
}

// Values copies the samples out oldest-first.
func (w *Window) Values() []float64 {
	n := w.Len()
	out := make([]float64, n)
	start := w.head - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+uint64(i))&w.mask]
	}
	return out
}

// Len returns the current number of samples held.
func (w *Window) Len() int {
	if w.head > uint64(len(w.buf)) {
		return len(w.buf)
	}
	return int(w.head)
}

// Cap returns the buffer capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Total returns the number of samples ever pushed.
func (w *Window) Total() uint64 {
	return w.head
}

// Overwritten returns how many samples were evicted by newer ones.
func (w *Window) Overwritten() uint64 {
	return w.drops
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

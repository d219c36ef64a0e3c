package analytics

import "math"

// SlidingWindow keeps the most recent samples, up to its capacity, in a
// ring.
type SlidingWindow struct {
	ring  []float64
	next  int
	count int
	total float64
}

func NewSlidingWindow(capacity int) *SlidingWindow {
	return &SlidingWindow{ring: make([]float64, capacity)}
}

// Push records sample. Once the window is full the oldest sample is
// overwritten and returned; until then Push returns 0.
func (w *SlidingWindow) Push(sample float64) float64 {
	var evicted float64
	if w.count == len(w.ring) {
		evicted = w.ring[w.next]
	} else {
		w.count++
	}
	w.ring[w.next] = sample
	w.next = (w.next + 1) % len(w.ring)
	w.total += sample - evicted
	return evicted
}

func (w *SlidingWindow) Len() int {
	return w.count
}

func (w *SlidingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.total / float64(w.count)
}

// Var returns the unbiased sample variance, 0 with fewer than two samples.
// Only the filled part of the ring takes part.
func (w *SlidingWindow) Var() float64 {
	if w.count < 2 {
		return 0
	}
	mean := w.Mean()
	var squares float64
	for _, x := range w.ring[:w.count] {
		d := x - mean
		squares += d * d
	}
	return squares / float64(w.count-1)
}

func (w *SlidingWindow) Stddev() float64 {
	return math.Sqrt(w.Var())
}

func (w *SlidingWindow) Reset() {
	w.ring = make([]float64, len(w.ring))
	w.next, w.count, w.total = 0, 0, 0
}

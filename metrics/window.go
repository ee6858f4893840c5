package metrics

import "golang.org/x/exp/constraints"

// Window is a bounded ring buffer of the most recent values: pushing to a full window evicts the oldest value.
type Window[T any] struct {
	values []T
	start  int
	size   int
}

// NewWindow creates a Window holding up to capacity values. Capacity must be > 0.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		panic("metrics.NewWindow requires capacity > 0")
	}
	return &Window[T]{values: make([]T, capacity)}
}

// Push appends v, evicting the oldest value if the window is full.
func (w *Window[T]) Push(v T) {
	capacity := len(w.values)
	if w.size < capacity {
		w.values[(w.start+w.size)%capacity] = v
		w.size++
		return
	}
	w.values[w.start] = v
	w.start = (w.start + 1) % capacity
}

// Len is the number of values in the window.
func (w *Window[T]) Len() int { return w.size }

// Cap is the maximum number of values the window holds.
func (w *Window[T]) Cap() int { return len(w.values) }

// Values returns a copy of the values, from oldest to newest.
func (w *Window[T]) Values() []T {
	values := make([]T, w.size)
	for ii := range w.size {
		values[ii] = w.values[(w.start+ii)%len(w.values)]
	}
	return values
}

// Last returns the newest value, and false if the window is empty.
func (w *Window[T]) Last() (v T, ok bool) {
	if w.size == 0 {
		return
	}
	return w.values[(w.start+w.size-1)%len(w.values)], true
}

// Clear removes all values.
func (w *Window[T]) Clear() {
	w.start, w.size = 0, 0
}

// Number is the constraint of the values that can be averaged.
type Number interface {
	constraints.Integer | constraints.Float
}

// Mean of the values in the window. It is NaN for an empty window.
func Mean[T Number](w *Window[T]) float64 {
	return mean(w.Values())
}

func mean[T Number](values []T) float64 {
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

package buffer

// Ring is a fixed-capacity append window: once full, the oldest entry
// is overwritten.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil || len(r.entries) == 0 {
		return
	}
	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = entry
		r.count++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// List returns the retained entries, oldest first.
func (r *Ring[T]) List() []T {
	return r.Last(0)
}

// Last returns the most recent n retained entries, oldest first.
// n <= 0 returns everything retained.
func (r *Ring[T]) Last(n int) []T {
	if r == nil || r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	first := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.start+first+i)%len(r.entries)]
	}
	return out
}

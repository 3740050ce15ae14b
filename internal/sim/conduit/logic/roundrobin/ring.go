package roundrobin

import "iter"

// Ring walks a shared slice cyclically from a persisted offset.
// It holds a pointer to the caller's slice so re-sorts and appends are seen
// on the next walk.
type Ring[T any] struct {
	items  *[]T
	offset int
}

func New[T any](items *[]T) *Ring[T] { return &Ring[T]{items: items} }

// All yields every element once, starting at the offset and wrapping.
// Each yielded element moves the offset just past it, so an early stop
// resumes at the following element on the next walk.
func (r *Ring[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if r == nil || r.items == nil {
			return
		}
		n := len(*r.items)
		if n == 0 {
			return
		}
		start := r.offset % n
		for i := 0; i < n; i++ {
			cur := *r.items
			if len(cur) == 0 {
				return
			}
			idx := (start + i) % len(cur)
			r.offset = (idx + 1) % len(cur)
			if !yield(cur[idx]) {
				return
			}
		}
	}
}

func (r *Ring[T]) Reset() { r.offset = 0 }

func (r *Ring[T]) Offset() int { return r.offset }

func (r *Ring[T]) SetOffset(off int) {
	if off < 0 {
		off = 0
	}
	r.offset = off
}

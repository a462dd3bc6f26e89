package util

import "sync"

// Ring keeps the newest items pushed to it, up to a fixed size. It is safe
// for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{items: make([]T, size)}
}

// Push stores v, evicting the oldest item once the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.items[r.next] = v
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Last returns up to n of the newest items accepted by keep, oldest first.
// n <= 0 means no limit; a nil keep accepts everything.
func (r *Ring[T]) Last(n int, keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.items)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	// Walk backwards from the newest item.
	for i := 0; i < size && len(out) < n; i++ {
		idx := (r.next - 1 - i + len(r.items)) % len(r.items)
		if keep == nil || keep(r.items[idx]) {
			out = append(out, r.items[idx])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

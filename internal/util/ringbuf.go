package util

import "sync"

// RingBuffer keeps the newest capacity items; Push over a full buffer drops
// the oldest. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer holding at most capacity items
// (at least one).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[(r.head+r.count)%len(r.buf)] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.count++
}

// Snapshot returns the items oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Tail(0)
}

// Tail returns the newest n items, oldest first. n <= 0 means all.
func (r *RingBuffer[T]) Tail(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.head + r.count - n
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Find returns the newest item matching match.
func (r *RingBuffer[T]) Find(match func(T) bool) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := r.count - 1; i >= 0; i-- {
		if v := r.buf[(r.head+i)%len(r.buf)]; match(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Reset drops every item and returns what was stored, oldest first.
func (r *RingBuffer[T]) Reset() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	clear(r.buf)
	r.head, r.count = 0, 0
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

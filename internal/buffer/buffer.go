// Package buffer provides a bounded drop-oldest ring used for subscriber
// catch-up queues and error history.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded FIFO. When full, Push drops the oldest
// item and counts the overflow.
type Ring[T any] struct {
	mu        sync.Mutex
	data      []T
	capacity  int
	overflows uint64
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends item, evicting the oldest entry when the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) >= r.capacity {
		r.data = r.data[1:]
		r.overflows++
	}
	r.data = append(r.data, item)
}

// Drain removes and returns every buffered item in FIFO order.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.data
	r.data = make([]T, 0, r.capacity)
	return out
}

// Snapshot copies the buffered items without consuming them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.data))
	copy(out, r.data)
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Overflows reports how many items were evicted because the ring was full.
func (r *Ring[T]) Overflows() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflows
}

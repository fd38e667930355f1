// Package ringbuf provides a bounded, thread-safe ring buffer with
// oldest-first eviction. It backs the log viewer buffer and the metrics
// history windows.
package ringbuf

import "sync"

// Ring is a fixed-capacity FIFO buffer. When full, Push evicts the oldest
// element and hands it back to the caller.
//
// All operations are O(1) except ToSlice, Last and Resize, which copy.
// A read never observes the buffer mid-eviction.
//
// Example:
//
//	r := ringbuf.New[string](3)
//	r.Push("a")
//	r.Push("b")
//	r.Push("c")
//	evicted, ok := r.Push("d") // evicted == "a", ok == true
//	r.ToSlice()                // ["b", "c", "d"]
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest element
	size  int
}

// New creates a ring with the given capacity.
// Panics if capacity < 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		panic("ringbuf: capacity must be at least 1")
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item. If the ring was full, the oldest element is evicted
// and returned with ok set to true.
func (r *Ring[T]) Push(item T) (evicted T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	if r.size == capacity {
		evicted = r.items[r.head]
		ok = true
		r.items[r.head] = item
		r.head = (r.head + 1) % capacity
		return evicted, ok
	}

	r.items[(r.head+r.size)%capacity] = item
	r.size++
	return evicted, false
}

// ToSlice returns the contents ordered oldest to newest.
func (r *Ring[T]) ToSlice() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked(r.size)
}

// Last returns up to n of the newest elements, oldest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	capacity := len(r.items)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%capacity]
	}
	return out
}

// Oldest returns the element that the next eviction would remove.
func (r *Ring[T]) Oldest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

// Newest returns the most recently pushed element.
func (r *Ring[T]) Newest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the current capacity.
func (r *Ring[T]) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Clear drops all elements. Capacity is unchanged.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}

// Reset replaces the contents with items in one step, keeping the newest
// elements that fit. Capacity is unchanged.
func (r *Ring[T]) Reset(items []T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	copy(r.items, items)
	r.head = 0
	r.size = len(items)
}

// Resize changes the capacity. When shrinking below the current length the
// oldest elements are dropped and returned, oldest first.
// Panics if capacity < 1.
func (r *Ring[T]) Resize(capacity int) (dropped []T) {
	if capacity < 1 {
		panic("ringbuf: capacity must be at least 1")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if capacity == len(r.items) {
		return nil
	}

	all := r.copyLocked(r.size)
	if len(all) > capacity {
		dropped = all[:len(all)-capacity]
		all = all[len(all)-capacity:]
	}

	items := make([]T, capacity)
	copy(items, all)
	r.items = items
	r.head = 0
	r.size = len(all)
	return dropped
}

// copyLocked copies the oldest n elements. Caller must hold r.mu.
func (r *Ring[T]) copyLocked(n int) []T {
	out := make([]T, n)
	capacity := len(r.items)
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.head+i)%capacity]
	}
	return out
}

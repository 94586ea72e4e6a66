// Package buffer provides the ring buffer used to replay recent session
// output to reconnecting clients.
package buffer

import (
	"sync"
)

// Entry is an item retained by a RingBuffer together with its sequence id.
type Entry[T any] struct {
	ID   int64
	Item T
}

// RingBuffer is a thread-safe circular buffer that keeps the most recent
// items up to a fixed capacity. Every pushed item gets the next id of a
// per-buffer sequence that starts at 0 and is never reset or reused.
//
// When the buffer is full, the oldest item is discarded to make room, so the
// ids currently retained always form the contiguous range
// [OldestID, LatestID].
type RingBuffer[T any] struct {
	items    []Entry[T]
	capacity int
	head     int // index of the oldest entry
	size     int
	nextID   int64
	mu       sync.RWMutex
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{
		items:    make([]Entry[T], capacity),
		capacity: capacity,
	}
}

// Push appends item and returns the id assigned to it. Once the buffer is
// full the oldest item is overwritten.
func (rb *RingBuffer[T]) Push(item T) int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	id := rb.nextID
	rb.nextID++

	tail := (rb.head + rb.size) % rb.capacity
	rb.items[tail] = Entry[T]{ID: id, Item: item}

	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}

	return id
}

// GetAll returns a copy of all retained entries, oldest first.
func (rb *RingBuffer[T]) GetAll() []Entry[T] {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.collect(0)
}

// GetSince returns the retained entries assigned after id, oldest first.
//
// If id is older than the oldest retained entry (the entries right after it
// were already evicted), GetSince returns the same as GetAll: a client that
// fell too far behind receives everything still available.
func (rb *RingBuffer[T]) GetSince(id int64) []Entry[T] {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	oldest := rb.items[rb.head].ID
	if id < oldest {
		return rb.collect(0)
	}

	skip := id - oldest + 1
	if skip >= int64(rb.size) {
		return nil
	}
	return rb.collect(int(skip))
}

// collect copies entries starting at the given offset from the oldest.
// Callers must hold the lock.
func (rb *RingBuffer[T]) collect(offset int) []Entry[T] {
	n := rb.size - offset
	if n <= 0 {
		return nil
	}

	result := make([]Entry[T], n)
	for i := 0; i < n; i++ {
		result[i] = rb.items[(rb.head+offset+i)%rb.capacity]
	}
	return result
}

// LatestID returns the id of the newest retained entry, or -1 if empty.
func (rb *RingBuffer[T]) LatestID() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return -1
	}
	return rb.nextID - 1
}

// OldestID returns the id of the oldest retained entry, or -1 if empty.
func (rb *RingBuffer[T]) OldestID() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return -1
	}
	return rb.items[rb.head].ID
}

// Clear removes all entries. The id sequence continues where it left off.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero Entry[T]
	for i := range rb.items {
		rb.items[i] = zero
	}
	rb.head = 0
	rb.size = 0
}

// Len returns the current number of retained entries.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}

package scheduler

import (
	"container/heap"
	"sync"
)

// Queue is the deadline-ordered set of pending timeouts.
//
// All methods are safe for concurrent use. The mutex is held only for the
// duration of a single heap operation, never across I/O.
type Queue struct {
	mu sync.Mutex
	h  timeoutHeap

	// wake is a buffered channel of capacity 1. Insert sends a signal when
	// the new timeout becomes the root, prompting the dispatcher to
	// re-evaluate its sleep.
	wake chan struct{}
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	h := make(timeoutHeap, 0, 64)
	heap.Init(&h)
	return &Queue{
		h:    h,
		wake: make(chan struct{}, 1),
	}
}

// Insert adds t to the queue. Identical timeouts are kept as independent
// entries; there is no deduplication.
func (q *Queue) Insert(t Timeout) {
	q.mu.Lock()
	earlier := len(q.h) == 0 || t.Deadline.Before(q.h[0].Deadline)
	heap.Push(&q.h, t)
	q.mu.Unlock()

	if !earlier {
		return
	}
	// Non-blocking: if a signal is already pending the dispatcher will wake
	// anyway.
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// reinsert puts back a timeout that could not be delivered, without waking
// the dispatcher.
func (q *Queue) reinsert(t Timeout) {
	q.mu.Lock()
	heap.Push(&q.h, t)
	q.mu.Unlock()
}

// PeekMin returns the timeout with the smallest deadline without removing it.
func (q *Queue) PeekMin() (Timeout, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Timeout{}, false
	}
	return q.h[0], true
}

// PopMin removes and returns the timeout with the smallest deadline.
func (q *Queue) PopMin() (Timeout, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Timeout{}, false
	}
	return heap.Pop(&q.h).(Timeout), true
}

// Len returns the number of pending timeouts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Wake returns the channel signalled when an insert moves the root earlier.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

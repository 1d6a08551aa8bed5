// Package scheduler implements the deadline queue and the dispatch loop that
// drains it.
//
// The Queue is a min-heap keyed by absolute deadline:
//   - peek  → O(1), the root is always the soonest-due timeout.
//   - insert → O(log N).
//
// The Dispatcher goroutine peeks at the root, sleeps until it is due (never
// longer than the poll interval), then pops it and hands the payload to a
// Sender. A buffered wake channel lets Insert interrupt the sleep whenever a
// new timeout is due sooner than the current root.
package scheduler

import "time"

// Timeout is one pending deferred delivery.
type Timeout struct {
	// Deadline is absolute and carries the monotonic clock reading taken at
	// admission, so wall-clock jumps do not affect ordering.
	Deadline time.Time
	Payload  []byte
}

// timeoutHeap is a slice of Timeout that satisfies heap.Interface.
// The smallest Deadline sits at index 0.
type timeoutHeap []Timeout

func (h timeoutHeap) Len() int { return len(h) }

func (h timeoutHeap) Less(i, j int) bool {
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h timeoutHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timeoutHeap) Push(x any) {
	*h = append(*h, x.(Timeout))
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = Timeout{} // allow GC of the payload
	*h = old[:n-1]
	return t
}

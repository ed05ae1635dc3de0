// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package opqueue implements the bounded FIFO queue-request protocol
// (spec.md §5: "Operation queue uses a mutex and condition variable for its
// consumer protocol"; C4).
package opqueue

import (
	"sync"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// Request is a single queued unit of work. Cancel and Canceled read and
// write the canceled flag without taking the owning Queue's mutex.
type Request struct {
	Value     interface{}
	canceled  bool
	completed bool
}

// Cancel marks the request canceled. A consumer that pops an already
// canceled request should treat it as already completed.
func (r *Request) Cancel() { r.canceled = true }

// Canceled reports whether Cancel was called before this request was popped.
func (r *Request) Canceled() bool { return r.canceled }

// Queue is a bounded FIFO of *Request, guarded by a mutex/condition-variable
// consumer protocol: Pop blocks until an item is available, the queue is
// closed, or it is drained.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []*Request
	capacity int
	closed   bool
}

// New returns an empty Queue. capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends req to the back of the queue. It fails with
// kverr.OperationQueueFull if the queue is at capacity, or
// kverr.OperationQueueClosed if the queue has been closed.
func (q *Queue) Push(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return kverr.OperationQueueClosed.New("queue is closed")
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return kverr.OperationQueueFull.New("queue at capacity %d", q.capacity)
	}
	q.items = append(q.items, req)
	q.notEmpty.Signal()
	return nil
}

// Pop blocks until an item is available or the queue is closed, returning
// (nil, false) in the closed-and-empty case.
func (q *Queue) Pop() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// TryPop returns immediately: an item if one is queued, or (nil, false).
func (q *Queue) TryPop() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// Drain removes and returns every currently-queued request, leaving the
// queue empty. Used to replay deferred commands once the cluster is
// configured (spec.md §4.6, "Deferred dispatch").
func (q *Queue) Drain() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes every blocked Pop; already-queued
// items remain available via Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}

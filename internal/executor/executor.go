// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package executor provides the single-strand task executor every component
// is bound to (spec.md §5, "single-threaded cooperative executor"): all
// posted work runs strictly one task at a time, in submission order, on one
// goroutine, so components sharing an Executor never need their own locks to
// protect state they only ever touch from a task.
package executor

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Executor runs posted tasks one at a time in FIFO order on a single
// goroutine, mirroring the teacher's sync2.Cycle/WorkGroup run-loop shape
// but generalized from a fixed interval to an arbitrary task queue.
type Executor struct {
	mu     sync.Mutex
	queue  *list.List
	wake   chan struct{}
	closed bool
	timers *timerHeap
}

// New returns an idle Executor. Call Run to start processing posted work.
func New() *Executor {
	return &Executor{
		queue:  list.New(),
		wake:   make(chan struct{}, 1),
		timers: newTimerHeap(),
	}
}

// Run processes posted tasks until ctx is canceled or Close is called. It is
// meant to be launched once, typically via errgroup.Group.Go, and returns
// ctx.Err() on cancellation.
func (e *Executor) Run(ctx context.Context) error {
	for {
		task, hasTask := e.pop()
		if hasTask {
			task()
			continue
		}

		nextFire, hasTimer := e.timers.peek()
		if e.isClosed() {
			return nil
		}

		var timerC <-chan time.Time
		var t *time.Timer
		if hasTimer {
			d := time.Until(nextFire)
			if d <= 0 {
				e.fireDueTimers()
				continue
			}
			t = time.NewTimer(d)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return ctx.Err()
		case <-e.wake:
			if t != nil {
				t.Stop()
			}
		case <-timerC:
			e.fireDueTimers()
		}
	}
}

func (e *Executor) pop() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	front := e.queue.Front()
	if front == nil {
		return nil, false
	}
	e.queue.Remove(front)
	return front.Value.(func()), true
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Executor) fireDueTimers() {
	now := time.Now()
	for {
		fn, ok := e.timers.popDue(now)
		if !ok {
			return
		}
		fn()
	}
}

// Post enqueues fn to run on the executor's goroutine. Safe to call from any
// goroutine, including from within a task already running on the executor.
// Posting to a closed Executor silently drops fn (the executor is shutting
// down and nothing will ever observe the effect).
func (e *Executor) Post(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue.PushBack(fn)
	e.mu.Unlock()
	e.notify()
}

// AfterFunc schedules fn to run on the executor's goroutine after d elapses.
// The returned cancel function prevents fn from running if it has not fired
// yet; it is safe to call more than once.
func (e *Executor) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	id := e.timers.add(time.Now().Add(d), fn)
	e.notify()
	return func() {
		e.timers.cancel(id)
	}
}

// Close stops accepting new work. Already-queued tasks still run; Run
// returns once the queue drains. Safe to call more than once.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.notify()
}

func (e *Executor) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

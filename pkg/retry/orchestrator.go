// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package retry

import (
	"time"

	"github.com/nitrokv/nitrokv-go/internal/executor"
)

// Request is the subset of a queued request the orchestrator needs: its
// accumulated retry count, its strategy, and its absolute deadline.
type Request interface {
	RetryCount() int
	Strategy() Strategy
	Deadline() time.Time
}

// Orchestrator schedules retries on an Executor, capping backoff so a
// scheduled wake never exceeds a request's deadline (spec.md §4.5,
// points 3-4).
type Orchestrator struct {
	exec *executor.Executor
	now  func() time.Time
}

// NewOrchestrator returns an Orchestrator whose timers run on exec.
func NewOrchestrator(exec *executor.Executor) *Orchestrator {
	return &Orchestrator{exec: exec, now: time.Now}
}

// Decide computes whether req should be retried for reason, and if so
// schedules requeue to run on the executor after the capped backoff.
// It returns false when the request should fail immediately instead
// (strategy declined, or the deadline has already passed).
func (o *Orchestrator) Decide(req Request, reason Reason, requeue func()) (scheduled bool) {
	now := o.now()
	if !req.Deadline().IsZero() && !now.Before(req.Deadline()) {
		return false
	}

	var d time.Duration
	if AlwaysRetry(reason) {
		d = ControlledBackoff(req.RetryCount())
	} else {
		strategy := req.Strategy()
		if strategy == nil {
			strategy = NewBestEffort()
		}
		backoffDuration, ok := strategy.NextBackoff(req.RetryCount())
		if !ok {
			return false
		}
		d = backoffDuration
	}

	if !req.Deadline().IsZero() {
		if remaining := req.Deadline().Sub(now); d > remaining {
			d = remaining
		}
	}
	if d < 0 {
		return false
	}

	o.exec.AfterFunc(d, requeue)
	return true
}

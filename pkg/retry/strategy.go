// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy decides how long to wait before retrying a request whose reason
// is not in the always-retry set. A zero ok return means "do not retry."
type Strategy interface {
	NextBackoff(attempt int) (d time.Duration, ok bool)
}

// BestEffort is the default strategy (spec.md §4.5, point 2): exponential
// backoff, min*factor^n capped between min and max, with jitter.
type BestEffort struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// NewBestEffort returns the default best-effort strategy with the spec's
// customary bounds.
func NewBestEffort() BestEffort {
	return BestEffort{Min: time.Millisecond, Max: time.Minute, Factor: 2}
}

func (s BestEffort) NextBackoff(attempt int) (time.Duration, bool) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.Min
	eb.MaxInterval = s.Max
	eb.Multiplier = s.Factor
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0 // bounded by the orchestrator's deadline cap instead

	for i := 0; i < attempt; i++ {
		eb.NextBackOff()
	}
	d := eb.NextBackOff()
	if d == backoff.Stop {
		return s.Max, true
	}
	return d, true
}

// controlledSchedule is the fixed schedule for always-retry reasons
// (spec.md §4.5, point 1), indexed by retry count and held at its last
// entry for any further attempt.
var controlledSchedule = []time.Duration{
	time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

// ControlledBackoff returns the fixed-schedule delay for the given retry
// count (0-based), saturating at the schedule's last entry.
func ControlledBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(controlledSchedule) {
		return controlledSchedule[len(controlledSchedule)-1]
	}
	return controlledSchedule[attempt]
}

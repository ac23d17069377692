// Copyright 2025 James Ross

// Package breaker implements a sliding-window circuit breaker used to guard
// calls to a dependency that can fail in bursts, such as the Redis store
// backing FluxGate's token buckets. It trips open once the observed failure
// rate over a recent window crosses a threshold, then admits a single
// half-open probe after a cooldown before deciding whether to close again
// or re-open.
package breaker

import (
	"sync"
	"time"
)

// State is one of Closed, HalfOpen, or Open.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

// String renders a State for logs and metric label values.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

type result struct {
	t  time.Time
	ok bool
}

// CircuitBreaker tracks pass/fail outcomes over a sliding window and opens
// once the failure rate reaches failureThresh, provided at least minSamples
// outcomes have landed in the window. While open, Allow rejects every call
// until cooldown elapses, then admits exactly one half-open probe.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []result
	halfOpenInFlight bool
}

// New builds a CircuitBreaker. window bounds how far back Record looks when
// computing the failure rate; cooldown is how long Allow keeps rejecting
// once open before admitting a probe.
func New(window time.Duration, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{state: Closed, window: window, cooldown: cooldown, failureThresh: failureThresh, minSamples: minSamples, lastTransition: time.Now()}
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether the caller should attempt the call. When Open it
// rejects every call until cooldown has elapsed, then transitions to
// HalfOpen and admits exactly one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a call that Allow admitted. A HalfOpen probe
// closes the breaker on success or re-opens it on failure.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, result{t: now, ok: ok})

	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == HalfOpen {
			if ok {
				cb.state = Closed
			} else {
				cb.state = Open
			}
			cb.lastTransition = now
		}
		return
	}
	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)
	switch cb.state {
	case Closed:
		if rate >= cb.failureThresh {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		if ok {
			cb.state = Closed
		} else {
			cb.state = Open
		}
		cb.halfOpenInFlight = false
		cb.lastTransition = now
	case Open:
		// handled in Allow()
	}
}

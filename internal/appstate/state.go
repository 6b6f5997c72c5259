// Package appstate holds the process-health state shared across
// transports, split out of package app so transport packages can use it
// without importing the wiring package.
package appstate

import (
	"sync/atomic"
	"time"
)

// State tracks process health shared across transports: the in-flight
// request counter used for graceful drain, the draining flag, and the
// background-panic flag with its cool-down.
type State struct {
	inflight atomic.Int64
	draining atomic.Bool

	// panicUntil holds a unix-nano deadline; readiness stays down until it
	// passes.
	panicUntil atomic.Int64
	cooldown   time.Duration
}

// NewState creates process state with the given panic cool-down.
func NewState(panicCooldown time.Duration) *State {
	if panicCooldown <= 0 {
		panicCooldown = 30 * time.Second
	}
	return &State{cooldown: panicCooldown}
}

// TrackRequest registers one in-flight request and returns its release.
func (s *State) TrackRequest() func() {
	s.inflight.Add(1)
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			s.inflight.Add(-1)
		}
	}
}

// InFlight returns the current in-flight request count.
func (s *State) InFlight() int64 { return s.inflight.Load() }

// StartDrain flips the process into draining; readiness goes down.
func (s *State) StartDrain() { s.draining.Store(true) }

// Draining reports whether shutdown has begun.
func (s *State) Draining() bool { return s.draining.Load() }

// RecordPanic trips the background-panic flag for the cool-down period.
func (s *State) RecordPanic() {
	s.panicUntil.Store(time.Now().Add(s.cooldown).UnixNano())
}

// PanicTripped reports whether the panic flag is still within cool-down.
func (s *State) PanicTripped() bool {
	return time.Now().UnixNano() < s.panicUntil.Load()
}

// DrainWait blocks until in-flight requests hit zero or the deadline
// passes, polling on a short interval. Returns the remaining count.
func (s *State) DrainWait(deadline time.Time) int64 {
	for {
		n := s.inflight.Load()
		if n == 0 || !time.Now().Before(deadline) {
			return n
		}
		time.Sleep(10 * time.Millisecond)
	}
}

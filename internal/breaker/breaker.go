/*
Copyright 2026 The Merlya Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package breaker implements the per-host Circuit Breaker (component C5):
// a three-state machine (closed/open/half_open) guarding network calls. See
// spec §4.5. The clock-injection idiom is grounded on the teacher's own
// api/breaker package, which drives its standby/tripped/recovering states
// off a jonboulle/clockwork.Clock so tests can assert timing boundaries
// without sleeping; this implementation keeps that idiom but uses the
// spec's own state names and per-host consecutive-failure trigger instead
// of the teacher's time-windowed trip function.
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// State is the breaker's current machine state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config configures a single breaker. Defaults match spec §6.
type Config struct {
	Name             string // host name, used only to annotate BreakerOpen errors
	FailureThreshold int           // default 5
	OpenDuration     time.Duration // config default 30s; New uses the value as given, so 0 means immediate half_open
	Clock            clockwork.Clock
}

// Breaker is the per-host state machine described in spec §4.5.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	openDuration     time.Duration
	clock            clockwork.Clock

	state               State
	openedAt            time.Time
	failureCause        error
	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	probeInFlight       bool
	stateEnteredAt      time.Time
}

// New constructs a Breaker starting in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	b := &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		openDuration:     cfg.OpenDuration,
		clock:            cfg.Clock,
		state:            Closed,
	}
	b.stateEnteredAt = b.clock.Now()
	return b
}

// Allow must be called before attempting the guarded network call. It
// returns BreakerOpen if the call must fail fast, and otherwise transitions
// open->half_open when open_duration has elapsed (spec §4.5), admitting
// exactly one probe at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.clock.Now().Sub(b.openedAt) >= b.openDuration {
			b.transition(HalfOpen)
			b.probeInFlight = true
			return nil
		}
		return merlyaerr.BreakerOpen(b.name)
	case HalfOpen:
		if b.probeInFlight {
			return merlyaerr.BreakerOpen(b.name)
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful guarded call. In half_open it closes
// the breaker and resets all counters; in closed it resets the consecutive
// failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		b.consecutiveFailures = 0
		b.transition(Closed)
	case Closed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure reports a failed guarded call. Only the failure classes
// enumerated in spec §4.5 (network errors, auth failures past the grace
// period, session timeouts) should be passed here; non-zero exit codes and
// permission-denied results must not call this.
func (b *Breaker) RecordFailure(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		b.trip(cause)
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip(cause)
		}
	case Open:
		// Already open; nothing to do until half-open admits a probe.
	}
}

func (b *Breaker) trip(cause error) {
	b.openedAt = b.clock.Now()
	b.failureCause = cause
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	b.state = to
	b.stateEnteredAt = b.clock.Now()
}

// Snapshot is the observability tuple exposed by spec §4.5.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	TotalFailures       int
	TotalSuccesses      int
	TimeInState         time.Duration
}

// Stats returns the current observability snapshot.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		TimeInState:         b.clock.Now().Sub(b.stateEnteredAt),
	}
}

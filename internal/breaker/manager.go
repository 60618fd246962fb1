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

package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Manager owns one Breaker per host name behind a single RWMutex, per the
// "Breaker map: one entry per host; mutation under a per-host lock or
// atomically" discipline of spec §5. It also implements the "grace of 1"
// rule for authentication failures (spec §4.5): the first auth failure for
// a host since its last success is not counted, to distinguish a transient
// wrong-password entry from a real network/auth fault.
type Manager struct {
	mu               sync.RWMutex
	breakers         map[string]*Breaker
	authGraceUsed    map[string]bool
	failureThreshold int
	openDuration     time.Duration
	clock            clockwork.Clock
}

// NewManager constructs a breaker Manager. failureThreshold and openDuration
// mirror the breaker.failure_threshold and breaker.open_duration config
// keys (spec §6).
func NewManager(failureThreshold int, openDuration time.Duration, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		breakers:         make(map[string]*Breaker),
		authGraceUsed:    make(map[string]bool),
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		clock:            clock,
	}
}

func (m *Manager) breakerFor(host string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[host]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[host]; ok {
		return b
	}
	b = New(Config{
		Name:             host,
		FailureThreshold: m.failureThreshold,
		OpenDuration:     m.openDuration,
		Clock:            m.clock,
	})
	m.breakers[host] = b
	return b
}

// Allow checks whether a network call to host may proceed.
func (m *Manager) Allow(host string) error {
	return m.breakerFor(host).Allow()
}

// RecordSuccess reports a successful network call to host and clears its
// auth-failure grace flag.
func (m *Manager) RecordSuccess(host string) {
	m.breakerFor(host).RecordSuccess()
	m.mu.Lock()
	delete(m.authGraceUsed, host)
	m.mu.Unlock()
}

// RecordNetworkFailure reports a network error or session-creation timeout
// against host. These always count, per spec §4.5.
func (m *Manager) RecordNetworkFailure(host string, cause error) {
	m.breakerFor(host).RecordFailure(cause)
}

// RecordAuthFailure reports an SSH authentication failure against host. The
// first such failure since the last success is granted a one-time grace and
// does not count, per spec §4.5; subsequent consecutive auth failures count
// normally.
func (m *Manager) RecordAuthFailure(host string, cause error) {
	m.mu.Lock()
	used := m.authGraceUsed[host]
	if !used {
		m.authGraceUsed[host] = true
	}
	m.mu.Unlock()
	if used {
		m.breakerFor(host).RecordFailure(cause)
	}
}

// Stats returns the observability snapshot for host (spec §4.5).
func (m *Manager) Stats(host string) Snapshot {
	return m.breakerFor(host).Stats()
}

// Reset discards all per-host breaker state. Intended for test teardown per
// spec §5's "global state must not leak across test cases" rule.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers = make(map[string]*Breaker)
	m.authGraceUsed = make(map[string]bool)
}

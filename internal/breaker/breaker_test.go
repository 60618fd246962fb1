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
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/m-kis/merlya/pkg/merlyaerr"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Name: "flaky-1", FailureThreshold: 5, OpenDuration: 30 * time.Second, Clock: clock})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure(errors.New("network error"))
	}

	err := b.Allow()
	require.Error(t, err)
	require.True(t, merlyaerr.Is(err, merlyaerr.KindBreakerOpen))
	require.Equal(t, Open, b.Stats().State)
}

func TestBreaker_HalfOpenAfterDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Name: "flaky-1", FailureThreshold: 5, OpenDuration: 30 * time.Second, Clock: clock})
	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	require.Equal(t, Open, b.Stats().State)

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow(), "a single probe must be admitted once open_duration elapses")
	require.Equal(t, HalfOpen, b.Stats().State)

	// A second concurrent probe must be rejected while one is in flight.
	err := b.Allow()
	require.Error(t, err)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Name: "flaky-1", FailureThreshold: 5, OpenDuration: 30 * time.Second, Clock: clock})
	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	stats := b.Stats()
	require.Equal(t, Closed, stats.State)
	require.Equal(t, 0, stats.ConsecutiveFailures)
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Name: "flaky-1", FailureThreshold: 5, OpenDuration: 30 * time.Second, Clock: clock})
	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure(errors.New("probe failed"))

	require.Equal(t, Open, b.Stats().State)
}

func TestBreaker_ZeroOpenDurationBehavesAsImmediateHalfOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Name: "x", FailureThreshold: 1, OpenDuration: 0, Clock: clock})
	b.RecordFailure(errors.New("boom"))
	require.Equal(t, Open, b.Stats().State)
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.Stats().State)
}

func TestBreaker_NonCountedFailuresNeverTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Config{Name: "x", FailureThreshold: 2, OpenDuration: 30 * time.Second, Clock: clock})
	// A non-zero exit code or permission-denied outcome must never be
	// reported via RecordFailure at all; simulate by simply not calling it.
	b.RecordSuccess()
	b.RecordSuccess()
	require.Equal(t, Closed, b.Stats().State)
}

func TestManager_AuthFailureGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(2, 30*time.Second, clock)

	m.RecordAuthFailure("box-1", errors.New("bad password"))
	require.Equal(t, Closed, m.Stats("box-1").State, "first auth failure is graced, not counted")

	m.RecordAuthFailure("box-1", errors.New("bad password"))
	require.Equal(t, Closed, m.Stats("box-1").State, "second consecutive auth failure is the first counted one, below threshold 2")

	m.RecordAuthFailure("box-1", errors.New("bad password"))
	require.Equal(t, Open, m.Stats("box-1").State, "third consecutive auth failure is the second counted one and trips at threshold 2")
}

func TestManager_SuccessClearsGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(2, 30*time.Second, clock)

	m.RecordAuthFailure("box-1", errors.New("bad password"))
	m.RecordSuccess("box-1")
	m.RecordAuthFailure("box-1", errors.New("bad password"))
	require.Equal(t, Closed, m.Stats("box-1").State, "grace is renewed after a success")
}

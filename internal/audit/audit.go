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

// Package audit implements the audit sink (component C9): it wraps the
// store's append-only audit table with the Prometheus counters and
// histograms a metrics reader consumes (spec §4.5's breaker observability,
// §4.8's per-execution outcome).
//
// The counter/vector construction style is grounded on the teacher's
// lib/cache package, which declares its metrics with
// prometheus.NewCounterVec/NewHistogramVec and a matching []prometheus.Collector
// slice for registration. Unlike the teacher, which registers against the
// process-wide default registerer once at package init, each Sink here owns
// its own *prometheus.Registry instance (spec §5's "re-initialization for
// tests... global state must not leak across test cases").
package audit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/m-kis/merlya/internal/domain"
)

// Writer is the subset of the store the sink needs. Implemented by
// *store.Store.
type Writer interface {
	AppendAudit(ctx context.Context, actor, action, target, commandHash, outcome string, durationMS int64, metadata map[string]string)
}

// Sink is the process-wide audit sink (spec §5). Construct one per process
// (or one per test) via New; never share the underlying collectors across
// Registry instances.
type Sink struct {
	store Writer

	executionsTotal   *prometheus.CounterVec
	breakerTripsTotal *prometheus.CounterVec
	secretAccesses    prometheus.Counter
	commandDuration   *prometheus.HistogramVec
}

// New constructs a Sink and registers its collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid cross-test collector reuse
// panics; pass prometheus.DefaultRegisterer in production via
// prometheus.WrapRegistererWithPrefix if a shared default registry is
// preferred.
func New(store Writer, reg prometheus.Registerer) *Sink {
	s := &Sink{
		store: store,
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merlya_executions_total",
			Help: "Number of run_on_host executions by outcome.",
		}, []string{"outcome"}),
		breakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merlya_breaker_trips_total",
			Help: "Number of times a host's circuit breaker tripped to open.",
		}, []string{"host"}),
		secretAccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merlya_secret_accesses_total",
			Help: "Number of secret reference resolutions.",
		}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "merlya_command_duration_seconds",
			Help:    "Duration of a run_on_host command execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(s.executionsTotal, s.breakerTripsTotal, s.secretAccesses, s.commandDuration)
	}
	return s
}

// RecordExecution records the outcome of a run_on_host call, per spec §4.8
// step 8/9. command is the resolved-but-redacted-for-log preimage; it must
// never contain a secret value.
func (s *Sink) RecordExecution(ctx context.Context, host, redactedCommand, outcome string, exitCode int, duration time.Duration, metadata map[string]string) {
	s.executionsTotal.WithLabelValues(outcome).Inc()
	s.commandDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	s.store.AppendAudit(ctx, "dispatcher", "run_on_host", host, redactedCommand, outcome, duration.Milliseconds(), metadata)
}

// RecordElevation records an elevation-wrapper audit entry (spec §4.7 step
// 5). The credential value must never reach this call; only
// credentialKeyUsed (the name, not the secret) and stdinUsed are recorded.
func (s *Sink) RecordElevation(ctx context.Context, host string, method domain.ElevationMethod, commandPreimageHash, credentialKeyUsed string, stdinUsed bool) {
	meta := map[string]string{
		"method":           string(method),
		"credential_key":   credentialKeyUsed,
		"stdin_used":       boolString(stdinUsed),
		"command_preimage": commandPreimageHash,
	}
	s.store.AppendAudit(ctx, "elevate", "wrap", host, commandPreimageHash, "ok", 0, meta)
}

// RecordBreakerTrip increments the per-host trip counter (spec §4.5
// observability).
func (s *Sink) RecordBreakerTrip(host string) {
	s.breakerTripsTotal.WithLabelValues(host).Inc()
}

// RecordSecretAccess increments the secret-resolution counter (component
// C2's share of the audit surface).
func (s *Sink) RecordSecretAccess() {
	s.secretAccesses.Inc()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

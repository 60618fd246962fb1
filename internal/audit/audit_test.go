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

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/m-kis/merlya/internal/domain"
)

type fakeWriter struct {
	calls []auditCall
}

type auditCall struct {
	actor, action, target, commandHash, outcome string
	durationMS                                  int64
	metadata                                     map[string]string
}

func (f *fakeWriter) AppendAudit(_ context.Context, actor, action, target, commandHash, outcome string, durationMS int64, metadata map[string]string) {
	f.calls = append(f.calls, auditCall{actor, action, target, commandHash, outcome, durationMS, metadata})
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return total
}

func TestSink_RecordExecutionWritesAuditAndMetric(t *testing.T) {
	w := &fakeWriter{}
	reg := prometheus.NewRegistry()
	s := New(w, reg)

	s.RecordExecution(context.Background(), "web-01", "uptime", "ok", 0, 250*time.Millisecond, map[string]string{"k": "v"})

	require.Len(t, w.calls, 1)
	require.Equal(t, "run_on_host", w.calls[0].action)
	require.Equal(t, "web-01", w.calls[0].target)
	require.Equal(t, "ok", w.calls[0].outcome)
	require.Equal(t, int64(250), w.calls[0].durationMS)
	require.InDelta(t, 1, counterValue(t, s.executionsTotal), 0.001)
}

func TestSink_RecordElevationOmitsCredentialValue(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, prometheus.NewRegistry())

	s.RecordElevation(context.Background(), "db-01", domain.ElevationSudoPassword, "deadbeef", "sudo:db-01:password", true)

	require.Len(t, w.calls, 1)
	meta := w.calls[0].metadata
	require.Equal(t, "sudo:db-01:password", meta["credential_key"])
	require.Equal(t, "true", meta["stdin_used"])
	for _, v := range meta {
		require.NotContains(t, v, "hunter2")
	}
}

func TestSink_RecordBreakerTripIncrementsPerHost(t *testing.T) {
	s := New(&fakeWriter{}, prometheus.NewRegistry())
	s.RecordBreakerTrip("web-01")
	s.RecordBreakerTrip("web-01")
	s.RecordBreakerTrip("web-02")

	require.InDelta(t, 2, counterValue(t, s.breakerTripsTotal.WithLabelValues("web-01")), 0.001)
}

func TestSink_RecordSecretAccessIncrements(t *testing.T) {
	s := New(&fakeWriter{}, prometheus.NewRegistry())
	s.RecordSecretAccess()
	s.RecordSecretAccess()
	require.InDelta(t, 2, counterValue(t, s.secretAccesses), 0.001)
}

func TestNew_NilRegistrySkipsRegistration(t *testing.T) {
	require.NotPanics(t, func() {
		s := New(&fakeWriter{}, nil)
		s.RecordSecretAccess()
	})
}

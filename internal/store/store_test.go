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

package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/m-kis/merlya/internal/domain"
	"github.com/m-kis/merlya/pkg/merlyaerr"
)

func newTestStore(t *testing.T) (*Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s, err := Open(":memory:", WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestAddHost_NameBoundary(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok := strings.Repeat("a", 253)
	_, err := s.AddHost(ctx, ok, HostAttrs{Hostname: strp("10.0.0.1")}, "tester")
	require.NoError(t, err)

	tooLong := strings.Repeat("a", 254)
	_, err = s.AddHost(ctx, tooLong, HostAttrs{Hostname: strp("10.0.0.2")}, "tester")
	require.Error(t, err)
	require.True(t, merlyaerr.Is(err, merlyaerr.KindValidation))
}

func TestAddHost_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	attrs := HostAttrs{Hostname: strp("10.0.0.1"), Port: intp(22)}
	id1, err := s.AddHost(ctx, "web-01", attrs, "tester")
	require.NoError(t, err)

	id2, err := s.AddHost(ctx, "web-01", attrs, "tester")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM host_versions WHERE host_id=?`, id1).Scan(&count))
	require.Equal(t, 1, count, "identical re-add must not create a new version record")
}

func TestAddHost_PreservesUnsetFields(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddHost(ctx, "box-1", HostAttrs{Hostname: strp("10.0.0.5"), Username: strp("ops")}, "tester")
	require.NoError(t, err)

	_, err = s.AddHost(ctx, "box-1", HostAttrs{Port: intp(2222)}, "tester")
	require.NoError(t, err)

	h, err := s.GetHost(ctx, "box-1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", h.Hostname)
	require.Equal(t, "ops", h.Username)
	require.Equal(t, 2222, h.Port)
}

func TestDeleteThenReAdd(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddHost(ctx, "web-01", HostAttrs{Hostname: strp("10.0.0.1")}, "tester")
	require.NoError(t, err)

	require.NoError(t, s.DeleteHost(ctx, "web-01", "decommissioned"))

	_, err = s.GetHost(ctx, "web-01")
	require.True(t, merlyaerr.Is(err, merlyaerr.KindNotFound))

	_, err = s.AddHost(ctx, "web-01", HostAttrs{Hostname: strp("10.0.0.9")}, "tester")
	require.NoError(t, err)

	h, err := s.GetHost(ctx, "web-01")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9", h.Hostname)

	var tombstones int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM host_deletions WHERE hostname='web-01'`).Scan(&tombstones))
	require.Equal(t, 1, tombstones)
}

func TestJumpHostChain_DepthBound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	names := []string{"h0", "h1", "h2", "h3", "h4"}
	for i, n := range names {
		attrs := HostAttrs{Hostname: strp("10.0.0." + string(rune('1'+i)))}
		if i > 0 {
			attrs.JumpHostName = strp(names[i-1])
		}
		_, err := s.AddHost(ctx, n, attrs, "tester")
		require.NoError(t, err, "depth %d should be accepted", i)
	}

	// h5 -> h4 -> h3 -> h2 -> h1 -> h0 is depth 5, must be rejected.
	_, err := s.AddHost(ctx, "h5", HostAttrs{Hostname: strp("10.0.0.9"), JumpHostName: strp("h4")}, "tester")
	require.Error(t, err)
	require.True(t, merlyaerr.Is(err, merlyaerr.KindValidation))
}

func TestJumpHostChain_Cycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddHost(ctx, "a", HostAttrs{Hostname: strp("10.0.0.1")}, "tester")
	require.NoError(t, err)
	_, err = s.AddHost(ctx, "b", HostAttrs{Hostname: strp("10.0.0.2"), JumpHostName: strp("a")}, "tester")
	require.NoError(t, err)

	_, err = s.AddHost(ctx, "a", HostAttrs{JumpHostName: strp("b")}, "tester")
	require.Error(t, err)
	require.True(t, merlyaerr.Is(err, merlyaerr.KindValidation))
}

func TestBulkAddHosts_AtomicRollback(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.BulkAddHosts(ctx, map[string]HostAttrs{
		"good-1": {Hostname: strp("10.0.0.1")},
		"bad host": {Hostname: strp("10.0.0.2")}, // invalid name: contains a space
	}, "import-1", "ssh_config", "tester")
	require.Error(t, err)

	_, err = s.GetHost(ctx, "good-1")
	require.True(t, merlyaerr.Is(err, merlyaerr.KindNotFound), "partial batch must not have committed")
}

func TestSecretTTL_Eviction(t *testing.T) {
	s, clock := newTestStore(t)
	s.secretTTL = func() int64 { return 10 }
	ctx := context.Background()

	require.NoError(t, s.SecretSet(ctx, "sudo:web-01:password", "s3cr3t"))

	val, ok, err := s.SecretGet(ctx, "sudo:web-01:password")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s3cr3t", val)

	clock.Advance(11 * time.Second)
	_, ok, err = s.SecretGet(ctx, "sudo:web-01:password")
	require.NoError(t, err)
	require.False(t, ok, "secret must be evicted once its TTL has elapsed")
}

func TestSecretTTL_Zero(t *testing.T) {
	s, _ := newTestStore(t)
	s.secretTTL = func() int64 { return 0 }
	ctx := context.Background()

	require.NoError(t, s.SecretSet(ctx, "db-password", "hunter2"))
	_, ok, err := s.SecretGet(ctx, "db-password")
	require.NoError(t, err)
	require.True(t, ok, "first read after set must still succeed")

	_, ok, err = s.SecretGet(ctx, "db-password")
	require.NoError(t, err)
	require.False(t, ok, "TTL=0 evicts on first read")
}

func TestElevationCredential_NonInteractiveMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.ElevationCredential(ctx, "box-1", domain.ElevationSudoPassword, nil)
	require.Error(t, err)
	require.True(t, merlyaerr.Is(err, merlyaerr.KindElevationMissing))
}

func TestSecretValueNeverPersisted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	const secretValue = "s3cr3t-value-should-not-persist"
	require.NoError(t, s.SecretSet(ctx, "sudo:web-01:password", secretValue))
	_, _, err := s.SecretGet(ctx, "sudo:web-01:password")
	require.NoError(t, err)

	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	var tables []string
	for rows.Next() {
		var table string
		require.NoError(t, rows.Scan(&table))
		tables = append(tables, table)
	}
	rows.Close()

	for _, table := range tables {
		dumpRows, err := s.db.Query(`SELECT * FROM ` + table)
		require.NoError(t, err)
		cols, _ := dumpRows.Columns()
		for dumpRows.Next() {
			vals := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			require.NoError(t, dumpRows.Scan(ptrs...))
			for _, v := range vals {
				if s, ok := v.(string); ok {
					require.NotContains(t, s, secretValue, "table %s leaked a secret value", table)
				}
			}
		}
		dumpRows.Close()
	}
}

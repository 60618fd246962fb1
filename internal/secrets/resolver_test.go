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

package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	secrets map[string]string
	configs map[string]string
}

func (f *fakeLookup) SecretGet(_ context.Context, key string) (string, bool, error) {
	v, ok := f.secrets[key]
	return v, ok, nil
}

func (f *fakeLookup) ConfigGet(_ context.Context, key string) (string, bool, error) {
	v, ok := f.configs[key]
	return v, ok, nil
}

func (f *fakeLookup) NearestSecretNames(prefix string, limit int) []string {
	var out []string
	for k := range f.secrets {
		if len(out) >= limit {
			break
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out
}

func (f *fakeLookup) IsSecretNamespace(_ context.Context, name string) bool {
	_, ok := f.secrets[name]
	return ok
}

func newFixture() *fakeLookup {
	return &fakeLookup{
		secrets: map[string]string{"db-password": "hunter2"},
		configs: map[string]string{"db-01": "db-01.internal"},
	}
}

func TestResolve_ResolvedMode(t *testing.T) {
	f := newFixture()
	out, err := Resolve(context.Background(), f, "connect to @db-01 using @db-password", Resolved)
	require.NoError(t, err)
	require.Equal(t, "connect to db-01.internal using hunter2", out)
}

func TestResolve_RedactedMode(t *testing.T) {
	f := newFixture()
	out, err := Resolve(context.Background(), f, "connect to @db-01 using @db-password", Redacted)
	require.NoError(t, err)
	require.Equal(t, "connect to db-01.internal using @db-password", out, "the end-to-end scenario from spec §8 #5")
}

func TestResolve_MissingReference(t *testing.T) {
	f := newFixture()
	_, err := Resolve(context.Background(), f, "use @does-not-exist", Resolved)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does-not-exist")
}

func TestResolve_EscapedAt(t *testing.T) {
	f := newFixture()
	out, err := Resolve(context.Background(), f, "email me @ noon", Resolved)
	require.NoError(t, err)
	require.Equal(t, "email me @ noon", out, "a bare @ not followed by the name grammar is left intact")
}

func TestResolve_NearestMatches(t *testing.T) {
	f := newFixture()
	f.secrets["db-password-prod"] = "x"
	f.secrets["db-password-staging"] = "y"
	delete(f.secrets, "db-password")
	_, err := Resolve(context.Background(), f, "use @db-password", Resolved)
	require.Error(t, err)
	require.Contains(t, err.Error(), "db-password-prod")
}

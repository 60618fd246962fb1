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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesDocumentedTable(t *testing.T) {
	cfg := Default()
	require.Equal(t, 30*time.Second, cfg.SSH.ConnectTimeout())
	require.Equal(t, 60*time.Second, cfg.SSH.CommandTimeout())
	require.Equal(t, 600*time.Second, cfg.SSH.IdleTTL())
	require.Equal(t, 60*time.Second, cfg.SSH.KeepaliveInterval())
	require.Equal(t, 1, cfg.SSH.MaxSessionsPerHost)
	require.Equal(t, 32, cfg.SSH.MaxInflightTotal)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Breaker.OpenDuration())
	require.Equal(t, 900*time.Second, cfg.Secrets.TTL())
	require.False(t, cfg.Exec.YesMode)
	require.False(t, cfg.Exec.AllowCritical)
	require.Equal(t, 20, cfg.Loop.Window)
	require.Equal(t, "en", cfg.I18n.Language)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := "exec:\n  yes_mode: true\nbreaker:\n  failure_threshold: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.True(t, cfg.Exec.YesMode)
	require.Equal(t, 9, cfg.Breaker.FailureThreshold)
	// Untouched keys keep their defaults.
	require.Equal(t, 30*time.Second, cfg.SSH.ConnectTimeout())
	require.Equal(t, 900*time.Second, cfg.Secrets.TTL())
}

func TestLoad_InvalidYAMLIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("not: [valid yaml"), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestHomeDir_CreatesDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir, err := HomeDir()
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

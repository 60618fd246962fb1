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

// Package config loads ~/.merlya/config.yaml into the typed configuration
// table enumerated in spec §6, applying the documented defaults before any
// file contents are merged in.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// SSH holds the ssh.* configuration keys from spec §6. Durations are stored
// as whole seconds in the YAML file, matching the units documented in the
// configuration table.
type SSH struct {
	ConnectTimeoutSeconds     int `yaml:"connect_timeout"`
	CommandTimeoutSeconds     int `yaml:"command_timeout"`
	IdleTTLSeconds            int `yaml:"idle_ttl"`
	KeepaliveIntervalSeconds  int `yaml:"keepalive_interval"`
	MaxSessionsPerHost        int `yaml:"max_sessions_per_host"`
	MaxInflightTotal          int `yaml:"max_inflight_total"`
}

func (s SSH) ConnectTimeout() time.Duration    { return time.Duration(s.ConnectTimeoutSeconds) * time.Second }
func (s SSH) CommandTimeout() time.Duration    { return time.Duration(s.CommandTimeoutSeconds) * time.Second }
func (s SSH) IdleTTL() time.Duration           { return time.Duration(s.IdleTTLSeconds) * time.Second }
func (s SSH) KeepaliveInterval() time.Duration { return time.Duration(s.KeepaliveIntervalSeconds) * time.Second }

// Breaker holds the breaker.* configuration keys.
type Breaker struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	OpenDurationSeconds    int `yaml:"open_duration"`
}

func (b Breaker) OpenDuration() time.Duration { return time.Duration(b.OpenDurationSeconds) * time.Second }

// Secrets holds the secrets.* configuration keys.
type Secrets struct {
	TTLSeconds int `yaml:"ttl"`
}

func (s Secrets) TTL() time.Duration { return time.Duration(s.TTLSeconds) * time.Second }

// Exec holds the exec.* configuration keys.
type Exec struct {
	YesMode      bool `yaml:"yes_mode"`
	AllowCritical bool `yaml:"allow_critical"`
}

// Loop holds the loop.* configuration keys.
type Loop struct {
	Window int `yaml:"window"`
}

// I18n holds the i18n.* configuration keys.
type I18n struct {
	Language string `yaml:"language"`
}

// Config is the full process configuration, built from defaults and
// overridden by whatever keys are present in config.yaml.
type Config struct {
	SSH     SSH     `yaml:"ssh"`
	Breaker Breaker `yaml:"breaker"`
	Secrets Secrets `yaml:"secrets"`
	Exec    Exec    `yaml:"exec"`
	Loop    Loop    `yaml:"loop"`
	I18n    I18n    `yaml:"i18n"`
}

// Default returns the configuration table of spec §6 before any file is
// consulted.
func Default() Config {
	return Config{
		SSH: SSH{
			ConnectTimeoutSeconds:    30,
			CommandTimeoutSeconds:    60,
			IdleTTLSeconds:           600,
			KeepaliveIntervalSeconds: 60,
			MaxSessionsPerHost:       1,
			MaxInflightTotal:         32,
		},
		Breaker: Breaker{
			FailureThreshold:    5,
			OpenDurationSeconds: 30,
		},
		Secrets: Secrets{TTLSeconds: 900},
		Exec:    Exec{YesMode: false, AllowCritical: false},
		Loop:    Loop{Window: 20},
		I18n:    I18n{Language: "en"},
	}
}

// HomeDir returns ~/.merlya, creating it if absent.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err)
	}
	dir := filepath.Join(home, ".merlya")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return dir, nil
}

// Load reads config.yaml from dir (as returned by HomeDir), merging it over
// Default(). A missing file is not an error: defaults apply untouched.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, trace.ConvertSystemError(err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, trace.Wrap(err, "parsing %s", path)
	}
	return cfg, nil
}

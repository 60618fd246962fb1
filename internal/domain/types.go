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

// Package domain holds the shared data model (§3 of the specification)
// consumed by every other package in this module. Keeping these types in one
// leaf package avoids import cycles between the store, the pool, and the
// dispatcher.
package domain

import "time"

// ElevationMethod is the host-declared way to obtain privileged execution.
// It is a tagged variant encoded as a string-backed enum rather than a
// subclass hierarchy, per the design notes in §9: it carries no behavior,
// only state.
type ElevationMethod string

const (
	ElevationNone          ElevationMethod = "none"
	ElevationSudo          ElevationMethod = "sudo"
	ElevationSudoPassword  ElevationMethod = "sudo_password"
	ElevationDoas          ElevationMethod = "doas"
	ElevationDoasPassword  ElevationMethod = "doas_password"
	ElevationSu            ElevationMethod = "su"
)

// RequiresCredential reports whether execution under this method needs a
// credential lookup before it can run.
func (m ElevationMethod) RequiresCredential() bool {
	switch m {
	case ElevationSudoPassword, ElevationDoasPassword, ElevationSu:
		return true
	default:
		return false
	}
}

// HealthStatus is the host's last-observed reachability.
type HealthStatus string

const (
	HealthUnknown     HealthStatus = "unknown"
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnreachable HealthStatus = "unreachable"
)

// Host is the immutable-keyed inventory row described in spec §3.
type Host struct {
	ID              int64
	Name            string // unique, lowercase, DNS-label grammar, <=253 bytes
	Hostname        string
	Port            int
	Username        string
	PrivateKeyPath  string
	JumpHostName    string
	Tags            []string
	Metadata        map[string]string
	ElevationMethod ElevationMethod
	HealthStatus    HealthStatus
	OSInfo          string // opaque observed snapshot, JSON-encoded; "" if unset
	LastSeen        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CredentialKind discriminates the Credential tagged union.
type CredentialKind string

const (
	CredentialKindHost   CredentialKind = "host"
	CredentialKindConfig CredentialKind = "config"
	CredentialKindSecret CredentialKind = "secret"
)

// HostCredential is a transient SSH password, not usually persisted.
type HostCredential struct {
	Name     string
	User     string
	Password string
}

// ConfigCredential is a persisted, non-sensitive user variable.
type ConfigCredential struct {
	Name  string
	Value string
}

// SecretCredential is sensitive and lives in memory only; it is never
// serialized to a persistent store.
type SecretCredential struct {
	Name         string
	Value        string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
}

// Credential is the tagged union described in spec §3. Exactly one of Host,
// Config, Secret is non-nil, selected by Kind.
type Credential struct {
	Kind   CredentialKind
	Host   *HostCredential
	Config *ConfigCredential
	Secret *SecretCredential
}

// RiskLevel is the output of the risk classifier (§4.3).
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskCritical RiskLevel = "critical"
)

// Classification is the classifier's full verdict: a level plus the human
// rationale that justified it.
type Classification struct {
	Level     RiskLevel
	Rationale string
}

// ResultKind is the outcome discriminant recorded on a ToolCall trace entry.
type ResultKind string

const (
	ResultOK      ResultKind = "ok"
	ResultError   ResultKind = "error"
	ResultBlocked ResultKind = "blocked"
)

// ToolCall is one trace entry consumed by the loop detector and the audit
// sink (spec §3, "ToolCall (trace entry)").
type ToolCall struct {
	Timestamp     time.Time
	ToolName      string
	ArgumentsHash string
	Result        ResultKind
	Duration      time.Duration
}

// VersionEntry is one row of the host_versions audit log.
type VersionEntry struct {
	HostID        int64
	Version       int
	ChangedFields []string
	ChangedBy     string
	CreatedAt     time.Time
}

// Deletion is one row of the append-only host_deletions tombstone table.
type Deletion struct {
	HostID     int64
	Hostname   string
	Attributes map[string]string
	Reason     string
	DeletedAt  time.Time
}

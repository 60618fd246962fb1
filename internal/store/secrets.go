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
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/m-kis/merlya/internal/domain"
	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// IsElevationKey reports whether key follows one of the canonical elevation
// credential formats from spec §3: sudo:<host>:password, doas:<host>:password,
// root:<host>:password. Elevation keys are never written to the OS keyring
// (spec §4.1: "if the key is not a known elevation key").
func IsElevationKey(key string) bool {
	for _, prefix := range []string{"sudo:", "doas:", "root:"} {
		if strings.HasPrefix(key, prefix) && strings.HasSuffix(key, ":password") {
			return true
		}
	}
	return false
}

// SudoPasswordKey, DoasPasswordKey, and RootPasswordKey build the canonical
// elevation credential key for a given host, per spec §3.
func SudoPasswordKey(host string) string { return fmt.Sprintf("sudo:%s:password", host) }
func DoasPasswordKey(host string) string { return fmt.Sprintf("doas:%s:password", host) }
func RootPasswordKey(host string) string { return fmt.Sprintf("root:%s:password", host) }

// SecretSet writes a secret to the in-memory cache and, unless it is a known
// elevation key, to the OS keyring too, per spec §4.1.
func (s *Store) SecretSet(ctx context.Context, key, value string) error {
	if !validSecretName(key) {
		return merlyaerr.Validation("secret name %q does not match the secret grammar", key)
	}
	now := s.clock.Now().UTC()

	s.secretsMu.Lock()
	s.secrets[key] = &domain.SecretCredential{Name: key, Value: value, CreatedAt: now, LastAccessed: now}
	s.secretsMu.Unlock()

	if !IsElevationKey(key) && s.keyring.Available() {
		if err := s.keyring.Set(key, value); err != nil {
			return merlyaerr.Persistence(err)
		}
	}
	s.appendAudit(ctx, "secret_set", key, "ok", nil)
	return nil
}

// SecretGet resolves key through the in-memory map, then the keyring (if the
// namespace is persistable), per spec §4.1. Every access bumps
// last_accessed/access_count and appends a redacted audit record. The
// returned bool is false when the secret is absent.
func (s *Store) SecretGet(ctx context.Context, key string) (string, bool, error) {
	s.secretsMu.Lock()
	if sec, ok := s.secrets[key]; ok {
		if s.secretExpired(sec) {
			zeroString(&sec.Value)
			delete(s.secrets, key)
		} else {
			sec.LastAccessed = s.clock.Now().UTC()
			sec.AccessCount++
			val := sec.Value
			s.secretsMu.Unlock()
			s.appendAudit(ctx, "secret_get", key, "ok", nil)
			return val, true, nil
		}
	}
	s.secretsMu.Unlock()

	if !IsElevationKey(key) && s.keyring.Available() {
		val, ok, err := s.keyring.Get(key)
		if err != nil {
			return "", false, merlyaerr.Persistence(err)
		}
		if ok {
			now := s.clock.Now().UTC()
			s.secretsMu.Lock()
			s.secrets[key] = &domain.SecretCredential{Name: key, Value: val, CreatedAt: now, LastAccessed: now, AccessCount: 1}
			s.secretsMu.Unlock()
			s.appendAudit(ctx, "secret_get", key, "ok", nil)
			return val, true, nil
		}
	}

	s.appendAudit(ctx, "secret_get", key, "not_found", nil)
	return "", false, nil
}

func (s *Store) secretExpired(sec *domain.SecretCredential) bool {
	ttl := s.secretTTL()
	if ttl <= 0 {
		// TTL=0 means "evicted on first read after set" (spec §8 boundary
		// behavior): only the very first access is ever permitted.
		return sec.AccessCount > 0
	}
	return s.clock.Now().UTC().Sub(sec.CreatedAt).Seconds() >= float64(ttl)
}

// SecretClear removes both copies; it never errors if the key is absent, per
// spec §4.1.
func (s *Store) SecretClear(ctx context.Context, key string) error {
	s.secretsMu.Lock()
	if sec, ok := s.secrets[key]; ok {
		zeroString(&sec.Value)
		delete(s.secrets, key)
	}
	s.secretsMu.Unlock()

	if !IsElevationKey(key) && s.keyring.Available() {
		if err := s.keyring.Delete(key); err != nil {
			return merlyaerr.Persistence(err)
		}
	}
	s.appendAudit(ctx, "secret_clear", key, "ok", nil)
	return nil
}

// NearestSecretNames returns up to limit known in-memory secret names whose
// lowercase form has the given lowercase prefix, sorted. Used by the secret
// resolver (C2) to build its "nearest matches" suggestion on a missing
// reference, per spec §4.2.
func (s *Store) NearestSecretNames(prefix string, limit int) []string {
	prefix = strings.ToLower(prefix)
	s.secretsMu.Lock()
	defer s.secretsMu.Unlock()
	var names []string
	for name := range s.secrets {
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > limit {
		names = names[:limit]
	}
	return names
}

// IsSecretNamespace reports whether name should be treated as a secret for
// redaction purposes: either it follows an elevation-key pattern, or a
// secret by that name is already known (in memory or in the keyring). A
// name the store has never seen and that is not an elevation key is treated
// as a potential config value, matching the "classifies by name namespace
// and by the variant returned" rule in spec §4.2.
func (s *Store) IsSecretNamespace(ctx context.Context, name string) bool {
	if IsElevationKey(name) {
		return true
	}
	s.secretsMu.Lock()
	_, known := s.secrets[name]
	s.secretsMu.Unlock()
	if known {
		return true
	}
	if s.keyring.Available() {
		if _, ok, _ := s.keyring.Get(name); ok {
			return true
		}
	}
	return false
}

// ConfigSet writes a persisted, non-sensitive Config credential (spec §3).
func (s *Store) ConfigSet(ctx context.Context, name, value string) error {
	if !validSecretName(name) {
		return merlyaerr.Validation("config name %q does not match the secret grammar", name)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO configs(name, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, value, s.clock.Now().UTC())
	if err != nil {
		return merlyaerr.Persistence(err)
	}
	return nil
}

// ConfigGet reads a persisted Config credential.
func (s *Store) ConfigGet(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM configs WHERE name=?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, merlyaerr.Persistence(err)
	}
	return value, true, nil
}

// ElevationCredential resolves the password required to elevate on host
// using method, per the lookup order in spec §4.1: in-memory secret, then
// keyring, then (if interactive) a confidential prompt supplied by promptFn.
// In non-interactive mode (promptFn == nil) absence is a fatal
// ElevationCredentialMissing naming the key.
func (s *Store) ElevationCredential(ctx context.Context, host string, method domain.ElevationMethod, promptFn func(host string, method domain.ElevationMethod) (string, error)) (string, error) {
	key := elevationKeyFor(host, method)
	if key == "" {
		return "", nil
	}
	if val, ok, err := s.SecretGet(ctx, key); err != nil {
		return "", err
	} else if ok {
		return val, nil
	}
	if promptFn == nil {
		return "", merlyaerr.ElevationCredentialMissing(key)
	}
	val, err := promptFn(host, method)
	if err != nil {
		return "", err
	}
	if err := s.SecretSet(ctx, key, val); err != nil {
		return "", err
	}
	return val, nil
}

func elevationKeyFor(host string, method domain.ElevationMethod) string {
	switch method {
	case domain.ElevationSudoPassword:
		return SudoPasswordKey(host)
	case domain.ElevationDoasPassword:
		return DoasPasswordKey(host)
	case domain.ElevationSu:
		return RootPasswordKey(host)
	default:
		return ""
	}
}

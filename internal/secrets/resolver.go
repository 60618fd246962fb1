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

// Package secrets implements the Secret Resolver (component C2): expansion
// of "@name" references in two modes, redacted (for the LLM) and resolved
// (for execution). See spec §4.2.
package secrets

import (
	"context"
	"regexp"
	"strings"

	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// Mode selects how a "@name" reference is expanded.
type Mode int

const (
	// Resolved replaces every reference with its retrieved value. Used only
	// for local execution; never forwarded to a model.
	Resolved Mode = iota
	// Redacted leaves secret references as literal "@name" text and expands
	// only non-secret config values. Every message bound for an external
	// LLM provider must pass through this mode.
	Redacted
)

// Lookup is the store capability the resolver needs. internal/store.Store
// satisfies it directly.
type Lookup interface {
	// SecretGet resolves a secret-namespaced key. ok is false if absent.
	SecretGet(ctx context.Context, key string) (value string, ok bool, err error)
	// ConfigGet resolves a non-sensitive, persisted config value.
	ConfigGet(ctx context.Context, key string) (value string, ok bool, err error)
	// NearestSecretNames returns up to limit known names with the given
	// case-insensitive prefix, for the "did you mean" error message.
	NearestSecretNames(prefix string, limit int) []string
	// IsSecretNamespace reports whether name should be treated as a secret
	// (vs. a config value) for redaction purposes.
	IsSecretNamespace(ctx context.Context, name string) bool
}

// referenceRE implements the grammar from spec §4.2: "@<name>" where <name>
// is greedy within [A-Za-z0-9_\-:./]+. A bare "@" not followed by such a
// character is left untouched (the "escaping" rule).
var referenceRE = regexp.MustCompile(`@([A-Za-z0-9_\-:./]+)`)

// MissingReferenceError is returned when a reference cannot be resolved in
// Resolved mode. It names the missing reference and lists near matches.
type MissingReferenceError struct {
	Name    string
	Nearest []string
}

func (e *MissingReferenceError) Error() string {
	msg := "unknown secret reference @" + e.Name
	if len(e.Nearest) > 0 {
		msg += " (did you mean: " + strings.Join(e.Nearest, ", ") + "?)"
	}
	return msg
}

// Resolve expands every "@name" reference in text according to mode.
func Resolve(ctx context.Context, lookup Lookup, text string, mode Mode) (string, error) {
	var firstErr error
	out := referenceRE.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := strings.TrimPrefix(match, "@")

		isSecret := lookup.IsSecretNamespace(ctx, name)

		if mode == Redacted {
			if isSecret {
				// Secret reference: kept textual, never expanded into an
				// LLM-bound message (spec §4.2's core contract).
				return match
			}
			if val, ok, err := lookup.ConfigGet(ctx, name); err != nil {
				firstErr = err
				return match
			} else if ok {
				return val
			}
			// Reference that resolves to nothing at all: leave it literal
			// rather than failing the whole message, since redacted mode
			// feeds a best-effort LLM prompt.
			return match
		}

		// Resolved mode: secrets and configs both expand in full.
		if isSecret {
			if val, ok, err := lookup.SecretGet(ctx, name); err != nil {
				firstErr = err
				return match
			} else if ok {
				return val
			}
		} else if val, ok, err := lookup.ConfigGet(ctx, name); err != nil {
			firstErr = err
			return match
		} else if ok {
			return val
		}

		nearest := lookup.NearestSecretNames(name, 5)
		firstErr = &MissingReferenceError{Name: name, Nearest: nearest}
		return match
	})

	if firstErr != nil {
		if _, ok := firstErr.(*MissingReferenceError); ok {
			return "", merlyaerr.Validation("%w", firstErr)
		}
		return "", firstErr
	}
	return out, nil
}

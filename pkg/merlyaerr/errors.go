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

// Package merlyaerr defines the closed taxonomy of errors the execution
// substrate returns to its callers. Every constructor wraps the underlying
// cause with gravitational/trace so CLI builds can render a one-line cause
// plus actionable guidance, while debug builds retain the stack trace.
package merlyaerr

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Kind discriminates the error taxonomy from spec §7. It is attached to every
// error this package produces so callers can type-switch without parsing
// messages.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindPersistence    Kind = "persistence_error"
	KindBreakerOpen    Kind = "breaker_open"
	KindAuthFailure    Kind = "auth_failure"
	KindNetwork        Kind = "network_error"
	KindElevationMissing Kind = "elevation_credential_missing"
	KindConfirmRequired  Kind = "confirmation_required"
	KindLoopRedirect     Kind = "loop_redirect"
	KindCancelled        Kind = "cancelled"
	KindPermissionDenied Kind = "permission_denied"
)

// Error is the concrete error type returned across the execution substrate.
// It carries a Kind for programmatic dispatch and an optional Guidance line
// for the CLI's second line of output.
type Error struct {
	Kind     Kind
	Guidance string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// UserMessage renders the one-line-cause-plus-guidance contract from spec
// §7. It never embeds a secret value because callers are required to pass
// already-redacted causes (see internal/secrets).
func (e *Error) UserMessage() string {
	if e.Guidance == "" {
		return e.Error()
	}
	return fmt.Sprintf("%s\n%s", e.Error(), e.Guidance)
}

func wrap(kind Kind, guidance string, cause error) error {
	return trace.Wrap(&Error{Kind: kind, Guidance: guidance, cause: cause})
}

func Validation(format string, args ...interface{}) error {
	return wrap(KindValidation, "check the value against the documented grammar", fmt.Errorf(format, args...))
}

func NotFound(format string, args ...interface{}) error {
	return wrap(KindNotFound, "", fmt.Errorf(format, args...))
}

func Conflict(format string, args ...interface{}) error {
	return wrap(KindConflict, "", fmt.Errorf(format, args...))
}

func Persistence(cause error) error {
	return wrap(KindPersistence, "retry; if this persists the inventory database may be corrupt", cause)
}

func BreakerOpen(host string) error {
	return wrap(KindBreakerOpen, fmt.Sprintf("host %q is failing fast; wait for the breaker to recover", host), fmt.Errorf("circuit open for host %q", host))
}

func AuthFailure(host string, cause error) error {
	return wrap(KindAuthFailure, fmt.Sprintf("verify credentials for host %q", host), cause)
}

func Network(cause error) error {
	return wrap(KindNetwork, "check connectivity to the target host", cause)
}

func ElevationCredentialMissing(key string) error {
	return wrap(KindElevationMissing, fmt.Sprintf("set the credential with `secret set %s` or run interactively", key), fmt.Errorf("missing elevation credential %q", key))
}

func ConfirmationRequired(rationale string) error {
	return wrap(KindConfirmRequired, rationale, fmt.Errorf("confirmation required: %s", rationale))
}

func LoopRedirect(advisory string) error {
	return wrap(KindLoopRedirect, advisory, fmt.Errorf("loop detected"))
}

func Cancelled() error {
	return wrap(KindCancelled, "", fmt.Errorf("operation cancelled"))
}

func PermissionDenied(cause error) error {
	return wrap(KindPermissionDenied, "", cause)
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return asError(err, &e) && e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

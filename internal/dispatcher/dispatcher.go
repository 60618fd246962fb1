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

// Package dispatcher implements the Tool Dispatcher (component C8): the
// single entry point that orchestrates a run_on_host call end to end,
// wiring together the secret resolver, risk classifier, loop detector,
// circuit breaker, session pool and elevation executor described across
// spec §4.1-§4.7. See spec §4.8 for the nine-step pipeline this package
// implements.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/m-kis/merlya/internal/domain"
	"github.com/m-kis/merlya/internal/elevate"
	"github.com/m-kis/merlya/internal/loopdetect"
	"github.com/m-kis/merlya/internal/risk"
	"github.com/m-kis/merlya/internal/secrets"
	"github.com/m-kis/merlya/internal/sshpool"
	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// ToolName identifies the run_on_host call for loop-detection signatures.
const ToolName = "run_on_host"

// HostResolver resolves a host reference. Implemented by *store.Store.
type HostResolver interface {
	GetHost(ctx context.Context, ref string) (*domain.Host, error)
}

// Session is the command-execution surface the dispatcher needs from an
// acquired pool session. *sshpool.Session satisfies this directly.
type Session interface {
	Run(ctx context.Context, command string, stdin []byte) (stdout, stderr []byte, exitCode int, err error)
}

// SessionPool is the subset of *sshpool.Pool the dispatcher drives. A thin
// adapter in the process wiring layer (internal/cli) satisfies this from the
// concrete *sshpool.Pool, whose Acquire/Release/Cancel operate on the
// concrete *sshpool.Session type; the interface boundary here exists so the
// dispatcher's own tests can fake session execution without a real
// SSH handshake.
type SessionPool interface {
	Acquire(ctx context.Context, hostName string, params sshpool.AcquireParams) (Session, error)
	Release(s Session)
	Cancel(s Session)
}

// BreakerGate is the subset of *breaker.Manager the dispatcher consults
// directly, for the timeout-increments-the-breaker rule of spec §5 that the
// pool itself has no visibility into (a timeout happens during Session.Run,
// after the pool has already recorded dial success).
type BreakerGate interface {
	RecordNetworkFailure(host string, cause error)
}

// AuditSink is the subset of *audit.Sink the dispatcher writes to.
type AuditSink interface {
	RecordExecution(ctx context.Context, host, redactedCommand, outcome string, exitCode int, duration time.Duration, metadata map[string]string)
	RecordElevation(ctx context.Context, host string, method domain.ElevationMethod, commandPreimageHash, credentialKeyUsed string, stdinUsed bool)
}

// Options carries the exec.* configuration keys (spec §6) that shape policy
// decisions, plus the command timeout.
type Options struct {
	CommandTimeout time.Duration
	YesMode        bool
	AllowCritical  bool
}

// Runtime is the process-wide singleton wiring every component the
// dispatcher orchestrates (spec §5's "process-wide state" list, minus the
// secret cache and store construction, which the caller owns). Construct
// exactly once per process.
type Runtime struct {
	Store    HostResolver
	Secrets  secrets.Lookup
	Pool     SessionPool
	Breaker  BreakerGate
	Detector *loopdetect.Detector
	Audit    AuditSink

	// ElevationCredential resolves the password required to elevate on a
	// host, satisfying elevate.CredentialFetcher directly. In production
	// this wraps *store.Store.ElevationCredential with an interactive
	// prompt callback; in non-interactive runs it is store.ElevationCredential
	// with a nil promptFn, which fails fast with ElevationCredentialMissing.
	ElevationCredential elevate.CredentialFetcher

	Options Options
}

// RunParams is one run_on_host invocation as the caller (the LLM tool-call
// surface) issues it.
type RunParams struct {
	HostRef     string
	Command     string
	Password    string // Host-credential password, used only on the final hop (spec §4.6)
	MFACallback sshpool.MFAChallenge
	Confirmed   bool // an interactive confirmation was already obtained for this call
	ConfirmAll  bool // force confirmation even for low risk (exec.confirm_all, if the caller sets it)
}

// Result is the structured outcome spec §4.8 step 9 returns.
type Result struct {
	Stdout          []byte
	Stderr          []byte
	ExitCode        int
	Duration        time.Duration
	RedactedCommand string
}

func argumentsHash(hostRef, command string) string {
	sum := sha256.Sum256([]byte(hostRef + "\x00" + command))
	return hex.EncodeToString(sum[:])
}

// Run executes the nine-step pipeline of spec §4.8 for a single
// run_on_host call.
func (r *Runtime) Run(ctx context.Context, p RunParams) (Result, error) {
	argHash := argumentsHash(p.HostRef, p.Command)

	redacted, err := secrets.Resolve(ctx, r.Secrets, p.Command, secrets.Redacted)
	if err != nil {
		redacted = p.Command
	}

	// Step 1: resolve the host reference.
	host, err := r.Store.GetHost(ctx, p.HostRef)
	if err != nil {
		r.observe(argHash, domain.ResultError, 0)
		return Result{}, err
	}

	// Step 2: resolve secret references for execution.
	resolvedCommand, err := secrets.Resolve(ctx, r.Secrets, p.Command, secrets.Resolved)
	if err != nil {
		r.observe(argHash, domain.ResultError, 0)
		var missing *secrets.MissingReferenceError
		if errors.As(err, &missing) {
			return Result{}, merlyaerr.NotFound("%s", missing.Error())
		}
		return Result{}, err
	}

	// Step 3: classify risk and apply policy.
	classification := risk.Classify(resolvedCommand)
	policy := risk.Decide(classification, risk.Options{
		ConfirmAll:    p.ConfirmAll,
		YesMode:       r.Options.YesMode,
		AllowCritical: r.Options.AllowCritical,
		Confirmed:     p.Confirmed,
	})
	if !policy.Permitted {
		r.observe(argHash, domain.ResultBlocked, 0)
		return Result{}, merlyaerr.ConfirmationRequired(classification.Rationale)
	}

	// Step 4: loop detector.
	if signal := r.Detector.Check(ToolName, argHash); signal != nil {
		r.observe(argHash, domain.ResultBlocked, 0)
		return Result{}, merlyaerr.LoopRedirect(signal.Advisory)
	}

	start := time.Now()

	// Steps 5-6: breaker gate + session acquisition. Pool.Acquire consults
	// the breaker itself (spec §4.6 step 1) and records dial outcomes
	// against it, so a BreakerOpen/AuthFailure/NetworkError surfaces
	// directly from Acquire.
	session, err := r.Pool.Acquire(ctx, host.Name, sshpool.AcquireParams{
		Password:    p.Password,
		MFACallback: p.MFACallback,
	})
	if err != nil {
		r.observe(argHash, domain.ResultError, time.Since(start))
		r.Audit.RecordExecution(ctx, host.Name, redacted, outcomeFor(err), -1, time.Since(start), nil)
		return Result{}, err
	}

	// Step 7: apply elevation.
	wrapped, auditEntry, err := elevate.Wrap(ctx, host, resolvedCommand, r.ElevationCredential)
	if err != nil {
		r.Pool.Release(session)
		r.observe(argHash, domain.ResultError, time.Since(start))
		r.Audit.RecordExecution(ctx, host.Name, redacted, "error", -1, time.Since(start), nil)
		return Result{}, err
	}
	if host.ElevationMethod != domain.ElevationNone && host.ElevationMethod != "" {
		r.Audit.RecordElevation(ctx, host.Name, auditEntry.Method, auditEntry.CommandPreimageHash, auditEntry.CredentialKeyUsed, auditEntry.StdinUsed)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Options.CommandTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Options.CommandTimeout)
		defer cancel()
	}

	stdout, stderr, exitCode, runErr := session.Run(runCtx, wrapped.Command, wrapped.Stdin)
	duration := time.Since(start)

	if runErr != nil {
		r.Pool.Cancel(session)
		outcome := "error"
		if ctx.Err() != nil || runCtx.Err() != nil {
			outcome = "cancelled"
		}
		r.Breaker.RecordNetworkFailure(host.Name, runErr)
		r.observe(argHash, domain.ResultError, duration)
		r.Audit.RecordExecution(ctx, host.Name, redacted, outcome, exitCode, duration, nil)
		return Result{}, merlyaerr.Network(runErr)
	}

	r.Pool.Release(session)
	r.observe(argHash, domain.ResultOK, duration)
	r.Audit.RecordExecution(ctx, host.Name, redacted, "ok", exitCode, duration, nil)

	return Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode, Duration: duration, RedactedCommand: redacted}, nil
}

func (r *Runtime) observe(argHash string, result domain.ResultKind, duration time.Duration) {
	r.Detector.Observe(domain.ToolCall{
		Timestamp:     time.Now(),
		ToolName:      ToolName,
		ArgumentsHash: argHash,
		Result:        result,
		Duration:      duration,
	})
}

func outcomeFor(err error) string {
	switch {
	case merlyaerr.Is(err, merlyaerr.KindCancelled):
		return "cancelled"
	case merlyaerr.Is(err, merlyaerr.KindBreakerOpen):
		return "breaker_open"
	case merlyaerr.Is(err, merlyaerr.KindAuthFailure):
		return "auth_failure"
	default:
		return "error"
	}
}

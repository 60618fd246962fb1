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

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/term"

	"github.com/m-kis/merlya/internal/dispatcher"
	"github.com/m-kis/merlya/internal/domain"
	"github.com/m-kis/merlya/internal/sshpool"
	"github.com/m-kis/merlya/internal/store"
	"github.com/m-kis/merlya/pkg/merlyaerr"
)

// poolAdapter narrows *sshpool.Pool to dispatcher.SessionPool. The
// dispatcher deals in its own Session interface so its tests can fake
// execution; *sshpool.Pool's Acquire/Release/Cancel operate on the concrete
// *sshpool.Session, so this adapter performs the one unavoidable type
// assertion at the boundary between the two packages.
type poolAdapter struct{ *sshpool.Pool }

func (p poolAdapter) Acquire(ctx context.Context, hostName string, params sshpool.AcquireParams) (dispatcher.Session, error) {
	s, err := p.Pool.Acquire(ctx, hostName, params)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p poolAdapter) Release(s dispatcher.Session) {
	if sess, ok := s.(*sshpool.Session); ok {
		p.Pool.Release(sess)
	}
}

func (p poolAdapter) Cancel(s dispatcher.Session) {
	if sess, ok := s.(*sshpool.Session); ok {
		p.Pool.Cancel(sess)
	}
}

// elevationCredentialFetcher builds the dispatcher's ElevationCredential
// callback: store.Store.ElevationCredential with an interactive, no-echo
// prompt on a terminal, wrapped in the spec §7 "three consecutive failed
// attempts" retry bound via a fixed-count backoff policy (no actual delay
// between attempts — the wait is on the operator retyping a password, not
// on network backoff, so a zero-interval constant policy is the correct
// shape here rather than exponential backoff).
func elevationCredentialFetcher(st *store.Store) func(ctx context.Context, host string, method domain.ElevationMethod) (string, error) {
	return func(ctx context.Context, host string, method domain.ElevationMethod) (string, error) {
		// Without a terminal there is nobody to prompt: a nil promptFn makes
		// store.ElevationCredential fail with ElevationCredentialMissing.
		var prompt func(host string, method domain.ElevationMethod) (string, error)
		if term.IsTerminal(int(os.Stdin.Fd())) {
			prompt = promptElevationCredential
		}
		return st.ElevationCredential(ctx, host, method, prompt)
	}
}

// promptElevationCredential reads a credential from the controlling terminal
// with echo disabled, retrying up to three times per spec §7. It returns an
// AuthFailure error once the retry budget is exhausted, and a plain error
// when stdin is not a terminal.
func promptElevationCredential(host string, method domain.ElevationMethod) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("not an interactive terminal; set the credential with `merlya secret set`")
	}

	var (
		value string
		attempt int
	)
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(2)) // 3 total attempts
	err := backoff.Retry(func() error {
		attempt++
		fmt.Fprintf(os.Stderr, "%s password for %s (attempt %d/3): ", method, host, attempt)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return fmt.Errorf("empty credential")
		}
		value = string(raw)
		return nil
	}, policy)
	if err != nil {
		return "", merlyaerr.AuthFailure(host, fmt.Errorf("no credential supplied after 3 attempts: %w", err))
	}
	return value, nil
}

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

// Package elevate implements the Elevation Executor (component C7):
// transforming a plain command into the form a host's declared privilege
// method requires, and recording the credential-free audit trail the
// wrapping produces. See spec §4.7.
//
// This is a pure transformation package in the same vein as internal/risk:
// no I/O beyond the CredentialFetcher callback the caller supplies.
package elevate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/m-kis/merlya/internal/domain"
	"github.com/m-kis/merlya/internal/store"
)

// CredentialFetcher resolves the elevation credential for host/method,
// implemented by *store.Store.ElevationCredential in production.
type CredentialFetcher func(ctx context.Context, host string, method domain.ElevationMethod) (string, error)

// Wrapped is the result of transforming a command, ready for
// sshpool.Session.Run.
type Wrapped struct {
	Command       string // the command to execute on the remote shell
	Stdin         []byte // piped to the session's stdin, nil if unused
	StdinUsed     bool
	CredentialKey string // canonical key used, "" if none
}

// AuditEntry is the credential-free record spec §4.7 step 5 requires.
type AuditEntry struct {
	Host              string
	Method            domain.ElevationMethod
	CommandPreimageHash string
	CredentialKeyUsed string
	StdinUsed         bool
}

var unwrapPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*sudo\s+-S\s+`),
	regexp.MustCompile(`^\s*sudo\s+`),
	regexp.MustCompile(`^\s*doas\s+`),
}

var suWrapperRE = regexp.MustCompile(`^\s*su\s+-c\s+'(.*)'\s*$`)

// Unwrap strips a single leading sudo/sudo -S/doas/su -c '...' wrapper the
// caller may have already added, per spec §4.7 step 1. A command with no such
// wrapper is returned unchanged. Only one level is stripped, so
// Unwrap(Unwrap(x)) == Unwrap(x) holds for commands carrying at most one
// wrapper; Unwrap("sudo sudo ls") is "sudo ls".
func Unwrap(command string) string {
	// su -c '...' must be checked first: its inner command must be
	// unquoted, not merely have its prefix trimmed. The inner capture is
	// greedy to the last quote on the line so an inner '"'"' escape
	// sequence (which itself contains single quotes) is not cut short.
	if m := suWrapperRE.FindStringSubmatch(command); m != nil {
		return unescapeSingleQuoted(m[1])
	}
	for _, re := range unwrapPatterns {
		if re.MatchString(command) {
			return re.ReplaceAllString(command, "")
		}
	}
	return command
}

func unescapeSingleQuoted(s string) string {
	return strings.ReplaceAll(s, `'"'"'`, `'`)
}

// escapeSingleQuoted applies the su -c '...' escaping rule of spec §4.7
// step 4: the inner command is single-quoted and embedded single quotes are
// rewritten as '"'"'. No other mutation is performed.
func escapeSingleQuoted(s string) string {
	return strings.ReplaceAll(s, `'`, `'"'"'`)
}

func preimageHash(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])
}

// Wrap transforms command for host, fetching an elevation credential via
// fetch when the method requires one. It always unwraps first, guaranteeing
// the "double-prefixing never occurs" invariant of spec §4.7.
func Wrap(ctx context.Context, host *domain.Host, command string, fetch CredentialFetcher) (Wrapped, AuditEntry, error) {
	clean := Unwrap(command)
	audit := AuditEntry{Host: host.Name, Method: host.ElevationMethod, CommandPreimageHash: preimageHash(clean)}

	switch host.ElevationMethod {
	case domain.ElevationNone, "":
		return Wrapped{Command: clean}, audit, nil

	case domain.ElevationSudo:
		return Wrapped{Command: "sudo -n " + clean}, audit, nil

	case domain.ElevationSudoPassword:
		cred, key, err := fetchCredential(ctx, host, domain.ElevationSudoPassword, fetch)
		if err != nil {
			return Wrapped{}, audit, err
		}
		audit.CredentialKeyUsed, audit.StdinUsed = key, true
		return Wrapped{Command: "sudo -S -p '' " + clean, Stdin: []byte(cred + "\n"), StdinUsed: true, CredentialKey: key}, audit, nil

	case domain.ElevationDoas:
		return Wrapped{Command: "doas " + clean}, audit, nil

	case domain.ElevationDoasPassword:
		cred, key, err := fetchCredential(ctx, host, domain.ElevationDoasPassword, fetch)
		if err != nil {
			return Wrapped{}, audit, err
		}
		audit.CredentialKeyUsed, audit.StdinUsed = key, true
		return Wrapped{Command: "doas " + clean, Stdin: []byte(cred + "\n"), StdinUsed: true, CredentialKey: key}, audit, nil

	case domain.ElevationSu:
		cred, key, err := fetchCredential(ctx, host, domain.ElevationSu, fetch)
		if err != nil {
			return Wrapped{}, audit, err
		}
		audit.CredentialKeyUsed, audit.StdinUsed = key, true
		wrapped := "su -c '" + escapeSingleQuoted(clean) + "'"
		return Wrapped{Command: wrapped, Stdin: []byte(cred + "\n"), StdinUsed: true, CredentialKey: key}, audit, nil

	default:
		return Wrapped{Command: clean}, audit, nil
	}
}

func fetchCredential(ctx context.Context, host *domain.Host, method domain.ElevationMethod, fetch CredentialFetcher) (cred, key string, err error) {
	cred, err = fetch(ctx, host.Name, method)
	if err != nil {
		return "", "", err
	}
	return cred, elevationKeyFor(host.Name, method), nil
}

func elevationKeyFor(host string, method domain.ElevationMethod) string {
	switch method {
	case domain.ElevationSudoPassword:
		return store.SudoPasswordKey(host)
	case domain.ElevationDoasPassword:
		return store.DoasPasswordKey(host)
	case domain.ElevationSu:
		return store.RootPasswordKey(host)
	default:
		return ""
	}
}

// MaskStdin renders stdin for logging, per spec §4.7's invariant that an
// elevation password is masked in all logs as "***".
func MaskStdin(used bool) string {
	if used {
		return "***"
	}
	return ""
}

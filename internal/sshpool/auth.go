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

package sshpool

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/m-kis/merlya/internal/domain"
)

// authMethods builds the ordered ssh.AuthMethod list for host, per spec
// §4.6 step 4: agent socket if available; explicit key path with passphrase
// from the secret store; password from a Host credential; keyboard-
// interactive for MFA.
func (p *Pool) authMethods(ctx context.Context, h *domain.Host, password string, mfa MFAChallenge) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if am := p.agentAuthMethod(); am != nil {
		methods = append(methods, am)
	}

	if h.PrivateKeyPath != "" {
		am, err := p.keyAuthMethod(ctx, h)
		if err != nil {
			return nil, err
		}
		methods = append(methods, am)
	}

	if password != "" {
		methods = append(methods, ssh.Password(password))
	}

	if mfa != nil {
		methods = append(methods, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			return mfa(name, instruction, questions, echos)
		}))
	}

	if len(methods) == 0 {
		return nil, trace.BadParameter("host %q has no usable authentication method configured", h.Name)
	}
	return methods, nil
}

// agentAuthMethod dials SSH_AUTH_SOCK (or Options.AgentSocket for tests) and
// returns nil, not an error, when no agent is reachable: the agent is only
// the first-preference method, never a hard requirement.
func (p *Pool) agentAuthMethod() ssh.AuthMethod {
	sock := p.opts.AgentSocket
	if sock == "" {
		sock = os.Getenv("SSH_AUTH_SOCK")
	}
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers)
}

// keyAuthMethod loads host.PrivateKeyPath, decrypting it with the passphrase
// stored under ssh-passphrase:<name> (spec §4.6 step 4) when the key is
// encrypted.
func (p *Pool) keyAuthMethod(ctx context.Context, h *domain.Host) (ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(h.PrivateKeyPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return ssh.PublicKeys(signer), nil
	}

	if _, ok := err.(*ssh.PassphraseMissingError); !ok {
		return nil, trace.Wrap(err, "parsing private key %s", h.PrivateKeyPath)
	}

	passphrase, found, err := p.secrets.SecretGet(ctx, fmt.Sprintf("ssh-passphrase:%s", h.Name))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !found {
		return nil, trace.BadParameter("private key %s is encrypted and no ssh-passphrase:%s secret is set", h.PrivateKeyPath, h.Name)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	if err != nil {
		return nil, trace.Wrap(err, "decrypting private key %s", h.PrivateKeyPath)
	}
	return ssh.PublicKeys(signer), nil
}

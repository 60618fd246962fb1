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
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"
)

// Session is the pool's handle to an authenticated connection, per the
// "Session" entity of spec §3.
type Session struct {
	Host string

	mu sync.Mutex

	client          *ssh.Client
	jumpChain       []string
	generation      int
	inUse           bool
	idleSince       time.Time
	lastKeepaliveOK time.Time
	dead            bool
	keepaliveFails  int

	clock          clockwork.Clock
	keepaliveEvery time.Duration
	stopKeepalive  chan struct{}

	// hostSlot is the per-host semaphore whose token this session occupies
	// while it is in use; Release and Cancel give the token back.
	hostSlot chan struct{}
}

// JumpChain returns the ordered list of host names traversed to reach this
// session's target, outermost first.
func (s *Session) JumpChain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jumpChain...)
}

// Generation returns the reconnect counter (spec §3).
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// startKeepalive launches the heartbeat goroutine described in spec §4.6
// step 5: three consecutive keep-alive failures mark the session dead.
func (s *Session) startKeepalive() {
	s.stopKeepalive = make(chan struct{})
	ticker := s.clock.NewTicker(s.keepaliveEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stopKeepalive:
				return
			case <-ticker.Chan():
				s.sendKeepalive()
			}
		}
	}()
}

func (s *Session) sendKeepalive() {
	_, _, err := s.client.SendRequest("keepalive@merlya", true, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.keepaliveFails++
		if s.keepaliveFails >= 3 {
			s.dead = true
		}
		return
	}
	s.keepaliveFails = 0
	s.lastKeepaliveOK = s.clock.Now()
}

// Run executes command on the session's underlying transport, honoring
// ctx's deadline. It does not apply elevation; see internal/elevate for the
// wrapping step that precedes this call in the dispatcher pipeline (spec
// §4.8 step 7).
func (s *Session) Run(ctx context.Context, command string, stdin []byte) (stdout, stderr []byte, exitCode int, err error) {
	sess, err := s.client.NewSession()
	if err != nil {
		s.markDead()
		return nil, nil, -1, trace.Wrap(err, "opening ssh session to %s", s.Host)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf
	if len(stdin) > 0 {
		sess.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case runErr := <-done:
		if runErr == nil {
			return outBuf.Bytes(), errBuf.Bytes(), 0, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
		}
		s.markDead()
		return outBuf.Bytes(), errBuf.Bytes(), -1, trace.Wrap(runErr, "running command on %s", s.Host)
	case <-ctx.Done():
		s.markDead()
		sess.Close()
		return nil, nil, -1, trace.Wrap(ctx.Err(), "command timed out on %s", s.Host)
	}
}

// Close tears down the keep-alive goroutine and the underlying SSH client.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.stopKeepalive != nil {
		select {
		case <-s.stopKeepalive:
		default:
			close(s.stopKeepalive)
		}
	}
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

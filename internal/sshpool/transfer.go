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
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
)

// Upload copies localPath to remotePath over s, per spec §4.6's file
// transfer contract: same authorization and timeout discipline as command
// execution, and no elevation is ever applied — the target path must be
// directly writable by the SSH user. Grounded on the pkg/sftp client usage
// the teacher's lib/sshutils/sftp package wraps, simplified to the single
// file-at-a-time transfer this module needs (no recursive directory walk,
// no progress bar).
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return trace.Wrap(err, "opening sftp subsystem to %s", s.Host)
	}
	defer client.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return trace.Wrap(err, "creating %s on %s", remotePath, s.Host)
	}
	defer remote.Close()

	if _, err := copyWithContext(ctx, remote, local); err != nil {
		return trace.Wrap(err, "uploading to %s on %s", remotePath, s.Host)
	}
	return nil
}

// Download copies remotePath from s to localPath.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return trace.Wrap(err, "opening sftp subsystem to %s", s.Host)
	}
	defer client.Close()

	remote, err := client.Open(remotePath)
	if err != nil {
		return trace.Wrap(err, "opening %s on %s", remotePath, s.Host)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer local.Close()

	if _, err := copyWithContext(ctx, local, remote); err != nil {
		return trace.Wrap(err, "downloading %s from %s", remotePath, s.Host)
	}
	return nil
}

// copyWithContext aborts an io.Copy promptly when ctx is cancelled, rather
// than waiting for the next full buffer read to notice.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	done := make(chan struct{})
	var (
		n   int64
		err error
	)
	go func() {
		n, err = io.Copy(dst, src)
		close(done)
	}()
	select {
	case <-done:
		return n, err
	case <-ctx.Done():
		return n, ctx.Err()
	}
}

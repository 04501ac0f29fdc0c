// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Result is the outcome of running one command against one host: captured
// output plus the remote process's exit status. A non-zero ExitStatus is a
// normal, successful Run — it's the worker's job to decide whether that
// counts as a command failure, not this package's.
type Result struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Session wraps one open SSH connection to a host. A Session may run
// multiple commands in sequence (one ssh.Session per command, multiplexed
// on the same connection), matching the coordinator's one-worker-per-host
// lifecycle.
type Session struct {
	client *ssh.Client
}

// Run executes command on the remote host and waits for it to finish or for
// ctx to be cancelled. A remote exit-status-error (the command ran but
// returned non-zero) is reported through Result.ExitStatus, not as a
// returned error; a returned error means the command's outcome is unknown
// (transport failure, timeout, or disconnect).
func (s *Session) Run(ctx context.Context, command string) (*Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshexec: opening session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return nil, ctx.Err()

	case runErr := <-done:
		if runErr == nil {
			return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitStatus: 0}, nil
		}

		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return &Result{
				Stdout:     stdout.Bytes(),
				Stderr:     stderr.Bytes(),
				ExitStatus: exitErr.ExitStatus(),
			}, nil
		}

		return nil, fmt.Errorf("sshexec: running command: %w", runErr)
	}
}

// Close tears down the underlying SSH connection.
func (s *Session) Close() error {
	return s.client.Close()
}

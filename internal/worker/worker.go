// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package worker drives one pool slot through the Wait -> Connecting ->
// Connected -> Disconnecting sub-state machine (SPEC_FULL §4.B), reading
// and writing framed messages on its coordinator-facing pipe pair and
// running commands through an SSH session adapter.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nbfleet/fleetexec/internal/logging"
	"github.com/nbfleet/fleetexec/internal/protocol"
)

// Session is the per-host capability a worker drives: run a command,
// capture its result, eventually close the connection. Satisfied in
// cmd/fleetexec by an adapter over *internal/sshexec.Session.
type Session interface {
	Run(ctx context.Context, command string) (Result, error)
	Close() error
}

// Result is the outcome of one remote command run.
type Result struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Opener opens a Session against one host's SSH address. Satisfied by an
// adapter over *internal/sshexec.Dialer.
type Opener interface {
	Open(ctx context.Context, addr string) (Session, error)
}

// Config holds the per-worker tunables.
type Config struct {
	// Port is the SSH port appended to each assigned host.
	Port int
	// BitsOfLen must match the frame codec width the coordinator writes
	// with.
	BitsOfLen int
	// HostLogDir, if set, gives every host connection its own log file
	// under HostLogDir/{host}/{runID}.log, in addition to the global log.
	HostLogDir string
	// RunID tags the log file written for each host under HostLogDir.
	RunID string
}

// Run drives one worker slot until ctx is cancelled or the coordinator pipe
// breaks. r is the worker's read end of the coordinator->worker pipe, w is
// its write end of the worker->coordinator pipe. A returned error means the
// channel is no longer usable; the pool's multiplexer is responsible for
// respawning a fresh worker in the same slot.
func Run(ctx context.Context, id int, r *protocol.Reader, w io.Writer, opener Opener, cfg Config, log *slog.Logger) error {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.BitsOfLen <= 0 {
		cfg.BitsOfLen = protocol.DefaultBitsOfLen
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		host, err := waitForAssignment(r, w, cfg.BitsOfLen)
		if err != nil {
			return err
		}

		log.Debug("worker connecting", "worker", id, "host", host)
		sess, err := opener.Open(ctx, fmt.Sprintf("%s:%d", host, cfg.Port))
		if err != nil {
			log.Error("ssh session open failed", "worker", id, "host", host, "error", err)
			return fmt.Errorf("worker: opening session to %s: %w", host, err)
		}

		hostLog, hostLogCloser, _, err := logging.NewHostLogger(log, cfg.HostLogDir, host, cfg.RunID)
		if err != nil {
			log.Warn("could not open host log file, continuing without it", "worker", id, "host", host, "error", err)
			hostLog, hostLogCloser = log, io.NopCloser(nil)
		}

		runErr := runConnected(ctx, id, host, r, w, sess, cfg.BitsOfLen, hostLog)
		hostLogCloser.Close()
		sess.Close()
		if runErr != nil {
			return runErr
		}
		logging.RemoveHostLog(cfg.HostLogDir, host, cfg.RunID)
	}
}

// waitForAssignment implements the Wait state: emit "wait" and block for
// "ack\r<host>", re-emitting "wait" on anything else.
func waitForAssignment(r *protocol.Reader, w io.Writer, bitsOfLen int) (string, error) {
	if err := writeFrame(w, "wait", bitsOfLen); err != nil {
		return "", err
	}
	for {
		frame, err := r.Read(-1)
		if err != nil {
			return "", err
		}
		head, rest, found := bytes.Cut(frame, []byte{'\r'})
		if found && string(head) == "ack" {
			return string(rest), nil
		}
		if err := writeFrame(w, "wait", bitsOfLen); err != nil {
			return "", err
		}
	}
}

// runConnected implements the Connected command loop, returning nil on a
// clean "end" (transitioning to Disconnecting) or an error on a broken
// pipe.
func runConnected(ctx context.Context, id int, host string, r *protocol.Reader, w io.Writer, sess Session, bitsOfLen int, log *slog.Logger) error {
	if err := writeFrame(w, "wait\r"+host, bitsOfLen); err != nil {
		return err
	}

	var lastCommand string
	for {
		frame, err := r.Read(-1)
		if err != nil {
			return err
		}
		head, _, _ := bytes.Cut(frame, []byte{'\r'})

		switch string(head) {
		case "cmd":
			cmdFrame, err := r.Read(-1)
			if err != nil {
				return err
			}
			lastCommand = string(cmdFrame)
			if err := execute(ctx, host, lastCommand, sess, w, bitsOfLen, log); err != nil {
				return err
			}

		case "okay", "ignore":
			if err := writeFrame(w, "wait\r"+host, bitsOfLen); err != nil {
				return err
			}

		case "retry":
			if err := execute(ctx, host, lastCommand, sess, w, bitsOfLen, log); err != nil {
				return err
			}

		case "end":
			log.Debug("worker disconnecting", "worker", id, "host", host)
			return nil

		default:
			log.Warn("unexpected frame in connected state", "worker", id, "head", string(head))
		}
	}
}

// execute runs one command remotely and reports the outcome. A command is
// classified as failed solely by a non-zero exit status (SPEC_FULL §4.B
// REDESIGN FLAG) — a transport error running the command is reported as a
// failure with the transport error text as output, since the coordinator
// has no other channel to learn about it.
func execute(ctx context.Context, host, command string, sess Session, w io.Writer, bitsOfLen int, log *slog.Logger) error {
	res, err := sess.Run(ctx, command)
	if err != nil {
		log.Warn("command transport error", "host", host, "command", command, "error", err)
		return writeFrame(w, fmt.Sprintf("fail\r%s\r%s", host, err.Error()), bitsOfLen)
	}
	if res.ExitStatus != 0 {
		return writeFrame(w, fmt.Sprintf("fail\r%s\r%s", host, res.Stderr), bitsOfLen)
	}
	return writeFrame(w, fmt.Sprintf("okay\r%s\r%s", host, res.Stdout), bitsOfLen)
}

// writeFrame wraps protocol.Write so call sites read as plain string sends.
func writeFrame(w io.Writer, payload string, bitsOfLen int) error {
	return protocol.Write(w, []byte(payload), bitsOfLen)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbfleet/fleetexec/internal/protocol"
)

type fakeSession struct {
	runs    []string
	results []Result
	errs    []error
	closed  bool
}

func (s *fakeSession) Run(ctx context.Context, command string) (Result, error) {
	s.runs = append(s.runs, command)
	i := len(s.runs) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return Result{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return Result{ExitStatus: 0}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	session *fakeSession
	err     error
	opened  []string
}

func (o *fakeOpener) Open(ctx context.Context, addr string) (Session, error) {
	o.opened = append(o.opened, addr)
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readFrame(t *testing.T, fr *protocol.Reader) string {
	t.Helper()
	payload, err := fr.Read(-1)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return string(payload)
}

func writeFrameT(t *testing.T, w io.Writer, payload string) {
	t.Helper()
	if err := protocol.Write(w, []byte(payload), protocol.DefaultBitsOfLen); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func TestWorker_HappyPath(t *testing.T) {
	// coordToWorker: coordinator writes, worker reads.
	// workerToCoord: worker writes, coordinator reads.
	coordWrite, workerRead := net.Pipe()
	workerWrite, coordRead := net.Pipe()

	session := &fakeSession{results: []Result{{Stdout: []byte("up 3 days"), ExitStatus: 0}}}
	opener := &fakeOpener{session: session}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, 0, protocol.NewReader(workerRead, protocol.DefaultBitsOfLen), workerWrite, opener, Config{}, discardLogger())
	}()

	coordFr := protocol.NewReader(coordRead, protocol.DefaultBitsOfLen)

	if got := readFrame(t, coordFr); got != "wait" {
		t.Fatalf("expected wait, got %q", got)
	}
	writeFrameT(t, coordWrite, "ack\rweb-01")

	if got := readFrame(t, coordFr); got != "wait\rweb-01" {
		t.Fatalf("expected wait\\rweb-01, got %q", got)
	}

	writeFrameT(t, coordWrite, "cmd")
	writeFrameT(t, coordWrite, "uptime")

	if got := readFrame(t, coordFr); got != "okay\rweb-01\rup 3 days" {
		t.Fatalf("expected okay frame, got %q", got)
	}
	if len(opener.opened) != 1 || opener.opened[0] != "web-01:22" {
		t.Fatalf("expected dial to web-01:22, got %v", opener.opened)
	}

	writeFrameT(t, coordWrite, "okay")
	if got := readFrame(t, coordFr); got != "wait\rweb-01" {
		t.Fatalf("expected wait\\rweb-01 after okay ack, got %q", got)
	}

	writeFrameT(t, coordWrite, "end")

	// Disconnecting -> back to Wait: worker should emit "wait" again.
	if got := readFrame(t, coordFr); got != "wait" {
		t.Fatalf("expected wait after disconnect, got %q", got)
	}
	if !session.closed {
		t.Error("expected session to be closed after end")
	}

	// Shutdown is signaled by closing the pipes (SPEC_FULL §5), not by
	// context cancellation alone — the worker is blocked in a frame read
	// that only a closed pipe or a fresh frame can unblock.
	workerRead.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected an error once the pipe is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after pipe close")
	}
}

func TestWorker_CommandFailure(t *testing.T) {
	coordWrite, workerRead := net.Pipe()
	workerWrite, coordRead := net.Pipe()

	session := &fakeSession{results: []Result{{Stderr: []byte("not found"), ExitStatus: 127}}}
	opener := &fakeOpener{session: session}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Run(ctx, 1, protocol.NewReader(workerRead, protocol.DefaultBitsOfLen), workerWrite, opener, Config{}, discardLogger())

	coordFr := protocol.NewReader(coordRead, protocol.DefaultBitsOfLen)
	readFrame(t, coordFr) // wait
	writeFrameT(t, coordWrite, "ack\rdb-02")
	readFrame(t, coordFr) // wait\rdb-02

	writeFrameT(t, coordWrite, "cmd")
	writeFrameT(t, coordWrite, "nope")

	if got := readFrame(t, coordFr); got != "fail\rdb-02\rnot found" {
		t.Fatalf("expected fail frame, got %q", got)
	}
}

func TestWorker_RetryReexecutesLastCommand(t *testing.T) {
	coordWrite, workerRead := net.Pipe()
	workerWrite, coordRead := net.Pipe()

	session := &fakeSession{results: []Result{
		{Stderr: []byte("flaky"), ExitStatus: 1},
		{Stdout: []byte("ok now"), ExitStatus: 0},
	}}
	opener := &fakeOpener{session: session}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Run(ctx, 2, protocol.NewReader(workerRead, protocol.DefaultBitsOfLen), workerWrite, opener, Config{}, discardLogger())

	coordFr := protocol.NewReader(coordRead, protocol.DefaultBitsOfLen)
	readFrame(t, coordFr)
	writeFrameT(t, coordWrite, "ack\rapp-1")
	readFrame(t, coordFr)

	writeFrameT(t, coordWrite, "cmd")
	writeFrameT(t, coordWrite, "flaky-cmd")
	readFrame(t, coordFr) // fail

	writeFrameT(t, coordWrite, "retry")
	if got := readFrame(t, coordFr); got != "okay\rapp-1\rok now" {
		t.Fatalf("expected okay on retry, got %q", got)
	}
	if len(session.runs) != 2 || session.runs[0] != session.runs[1] {
		t.Fatalf("expected the same command re-run twice, got %v", session.runs)
	}
}

func TestWorker_SSHOpenFailureTerminates(t *testing.T) {
	coordWrite, workerRead := net.Pipe()
	workerWrite, coordRead := net.Pipe()

	opener := &fakeOpener{err: errors.New("connection refused")}

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, 3, protocol.NewReader(workerRead, protocol.DefaultBitsOfLen), workerWrite, opener, Config{}, discardLogger())
	}()

	coordFr := protocol.NewReader(coordRead, protocol.DefaultBitsOfLen)
	readFrame(t, coordFr) // wait
	writeFrameT(t, coordWrite, "ack\runreachable")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error terminating the worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate on SSH open failure")
	}
}

func TestWorker_HostLogFileRemovedAfterCleanDisconnect(t *testing.T) {
	coordWrite, workerRead := net.Pipe()
	workerWrite, coordRead := net.Pipe()

	session := &fakeSession{results: []Result{{Stdout: []byte("ok"), ExitStatus: 0}}}
	opener := &fakeOpener{session: session}

	logDir := t.TempDir()
	cfg := Config{HostLogDir: logDir, RunID: "run-1"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Run(ctx, 4, protocol.NewReader(workerRead, protocol.DefaultBitsOfLen), workerWrite, opener, cfg, discardLogger())

	coordFr := protocol.NewReader(coordRead, protocol.DefaultBitsOfLen)
	readFrame(t, coordFr) // wait
	writeFrameT(t, coordWrite, "ack\rweb-09")
	readFrame(t, coordFr) // wait\rweb-09

	writeFrameT(t, coordWrite, "cmd")
	writeFrameT(t, coordWrite, "uptime")
	readFrame(t, coordFr) // okay

	logPath := filepath.Join(logDir, "web-09", "run-1.log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected host log file to exist while connected: %v", err)
	}

	writeFrameT(t, coordWrite, "okay")
	readFrame(t, coordFr) // wait\rweb-09
	writeFrameT(t, coordWrite, "end")
	readFrame(t, coordFr) // wait, back in Wait state

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("expected host log file to be removed after a clean disconnect, got err=%v", err)
	}
}

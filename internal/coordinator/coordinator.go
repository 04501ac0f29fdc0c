// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package coordinator is the publisher half of the dispatch engine: it owns
// the host queue, the command list, and the per-worker status matrix, and
// reacts to one inbound frame at a time from the worker pool's multiplexer.
// It never blocks on a worker itself — every Handle call is synchronous and
// returns once its replies have been written.
package coordinator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nbfleet/fleetexec/internal/protocol"
	"github.com/nbfleet/fleetexec/internal/statusmatrix"
)

// ResultStatus is the outcome recorded for one (host, command) pair.
type ResultStatus int

const (
	ResultOkay ResultStatus = iota
	ResultFail
)

func (s ResultStatus) String() string {
	if s == ResultOkay {
		return "okay"
	}
	return "fail"
}

// Store is the result-recording port the coordinator writes through. The
// reference implementation (internal/store) backs it with SQLite; tests use
// an in-memory fake.
type Store interface {
	PutHost(host string) error
	PutCommand(command string) error
	PutResult(host, command string, status ResultStatus, output string) error
	Commit() error
}

// ErrAborted is returned from the assign-host step when the operator
// declines a group confirmation prompt. The pool treats it identically to
// the termination predicate reporting true.
var ErrAborted = errors.New("coordinator: operator declined group confirmation")

// Config holds the coordinator's tunable policy knobs.
type Config struct {
	Workers    int
	MaxRetries int
	IgnoreFail bool
	// Group, when > 0, is the batch size at which the operator is
	// prompted to confirm before the next group of hosts starts. The
	// prompt fires before a host is popped off the queue, so it fires
	// before the very first host of the run and before the first host of
	// every subsequent group, never mid-group. Must be >= Workers when
	// set.
	Group int
	// BitsOfLen selects the frame codec width used for outbound replies;
	// must match what the worker pool configures on the paired pipes.
	BitsOfLen int
	// Confirm is invoked when Group confirmation is due. Required when
	// Group > 0. Returns false to decline (abort the run).
	Confirm func() bool
}

// Coordinator is the single-goroutine owner of fleet-run state. Not safe
// for concurrent use — callers (the pool's main loop) must serialize all
// Handle calls.
type Coordinator struct {
	hostQueue []string
	commands  []string
	matrix    *statusmatrix.Matrix
	reception []string // reception[workerID] = assigned host, "" if free

	retryCounter int
	groupCount   int

	cfg   Config
	store Store
	log   *slog.Logger
}

// New builds a Coordinator over hosts and commands for cfg.Workers workers.
func New(hosts, commands []string, cfg Config, store Store, log *slog.Logger) (*Coordinator, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("coordinator: workers must be positive, got %d", cfg.Workers)
	}
	if cfg.Group > 0 && cfg.Group < cfg.Workers {
		return nil, fmt.Errorf("coordinator: group (%d) must be >= workers (%d)", cfg.Group, cfg.Workers)
	}
	if cfg.Group > 0 && cfg.Confirm == nil {
		return nil, errors.New("coordinator: group confirmation requires a Confirm func")
	}
	if cfg.BitsOfLen <= 0 {
		cfg.BitsOfLen = protocol.DefaultBitsOfLen
	}

	hostsCopy := make([]string, len(hosts))
	copy(hostsCopy, hosts)
	commandsCopy := make([]string, len(commands))
	copy(commandsCopy, commands)

	for _, h := range hostsCopy {
		if err := store.PutHost(h); err != nil {
			return nil, fmt.Errorf("coordinator: registering host %q: %w", h, err)
		}
	}
	for _, c := range commandsCopy {
		if err := store.PutCommand(c); err != nil {
			return nil, fmt.Errorf("coordinator: registering command %q: %w", c, err)
		}
	}

	return &Coordinator{
		hostQueue: hostsCopy,
		commands:  commandsCopy,
		matrix:    statusmatrix.New(cfg.Workers, len(commandsCopy)),
		reception: make([]string, cfg.Workers),
		cfg:       cfg,
		store:     store,
		log:       log,
	}, nil
}

// Handle reacts to one inbound frame from workerID, writing zero or more
// reply frames to w. Returns ErrAborted if a group confirmation prompt was
// declined, or a non-nil error only for a failure writing a reply (a
// multiplexer-fatal condition); policy decisions never surface as errors.
func (c *Coordinator) Handle(workerID int, frame []byte, w io.Writer) error {
	// "wait" carries at most a host name, which never contains '\r'; "okay"
	// and "fail" carry captured command output as their last field, which
	// may contain arbitrary bytes including '\r', so that split is capped
	// at 3 fields to avoid truncating output at an embedded carriage
	// return.
	head, _, _ := bytes.Cut(frame, []byte{'\r'})

	switch string(head) {
	case "wait":
		fields := bytes.SplitN(frame, []byte{'\r'}, 2)
		if len(fields) == 1 {
			return c.handleAssign(workerID, w)
		}
		return c.handleDispatch(workerID, string(fields[1]), w)

	case "okay":
		fields := bytes.SplitN(frame, []byte{'\r'}, 3)
		if len(fields) < 3 {
			c.log.Warn("malformed okay frame", "worker", workerID, "fields", len(fields))
			return nil
		}
		return c.handleSuccess(workerID, string(fields[1]), string(fields[2]), w)

	case "fail":
		fields := bytes.SplitN(frame, []byte{'\r'}, 3)
		if len(fields) < 3 {
			c.log.Warn("malformed fail frame", "worker", workerID, "fields", len(fields))
			return nil
		}
		return c.handleFailure(workerID, string(fields[1]), string(fields[2]), w)

	default:
		c.log.Warn("unrecognized frame head", "worker", workerID, "head", string(head))
		return nil
	}
}

// handleAssign implements §4.C.1.
func (c *Coordinator) handleAssign(workerID int, w io.Writer) error {
	if len(c.commands) == 0 {
		return nil
	}
	if c.reception[workerID] != "" {
		// Worker's slot is already occupied; a bare "wait" here is
		// unexpected but tolerated.
		return nil
	}

	if c.cfg.Group > 0 {
		if c.groupCount >= c.cfg.Group {
			c.groupCount = 0
		}
		if c.groupCount == 0 {
			if !c.cfg.Confirm() {
				return ErrAborted
			}
		}
	}

	if len(c.hostQueue) == 0 {
		return nil
	}
	host := c.hostQueue[0]
	c.hostQueue = c.hostQueue[1:]
	if c.cfg.Group > 0 {
		c.groupCount++
	}

	c.reception[workerID] = host
	c.matrix.ResetWorker(workerID)
	c.retryCounter = 0

	c.log.Info("host assigned", "worker", workerID, "host", host, "remaining", len(c.hostQueue))
	return c.reply(w, "ack\r"+host)
}

// handleDispatch implements §4.C.2.
func (c *Coordinator) handleDispatch(workerID int, host string, w io.Writer) error {
	for i, cmd := range c.commands {
		switch c.matrix.Get(workerID, i) {
		case statusmatrix.Handling:
			// Previous dispatch still outstanding; should not happen
			// in normal flow. Tolerated, no-op.
			return nil
		case statusmatrix.Wait:
			if err := c.matrix.Dispatch(workerID, i); err != nil {
				return fmt.Errorf("coordinator: dispatch: %w", err)
			}
			c.log.Debug("command dispatched", "worker", workerID, "host", host, "command", cmd)
			if err := c.reply(w, "cmd"); err != nil {
				return err
			}
			return c.reply(w, cmd)
		}
	}

	// Every cell is Okay or Fail: this host is finished.
	c.reception[workerID] = ""
	c.log.Info("host finished", "worker", workerID, "host", host)
	return c.reply(w, "end")
}

// handleSuccess implements §4.C.3.
func (c *Coordinator) handleSuccess(workerID int, host, output string, w io.Writer) error {
	i, ok := c.currentCommand(workerID)
	if !ok {
		c.log.Warn("okay frame with no outstanding command", "worker", workerID, "host", host)
		return nil
	}
	if err := c.matrix.Complete(workerID, i, true); err != nil {
		return fmt.Errorf("coordinator: complete: %w", err)
	}
	if err := c.store.PutResult(host, c.commands[i], ResultOkay, output); err != nil {
		return fmt.Errorf("coordinator: recording result: %w", err)
	}
	c.log.Debug("command okay", "worker", workerID, "host", host, "command", c.commands[i])
	return c.reply(w, "okay")
}

// handleFailure implements §4.C.4.
func (c *Coordinator) handleFailure(workerID int, host, output string, w io.Writer) error {
	i, ok := c.currentCommand(workerID)
	if !ok {
		c.log.Warn("fail frame with no outstanding command", "worker", workerID, "host", host)
		return nil
	}

	if c.cfg.IgnoreFail {
		if err := c.matrix.Complete(workerID, i, false); err != nil {
			return fmt.Errorf("coordinator: complete: %w", err)
		}
		if err := c.store.PutResult(host, c.commands[i], ResultFail, output); err != nil {
			return fmt.Errorf("coordinator: recording result: %w", err)
		}
		c.retryCounter = 0
		c.log.Info("command failed, ignoring", "worker", workerID, "host", host, "command", c.commands[i])
		return c.reply(w, "ignore")
	}

	if c.retryCounter < c.cfg.MaxRetries {
		c.retryCounter++
		c.log.Info("command failed, retrying", "worker", workerID, "host", host,
			"command", c.commands[i], "attempt", c.retryCounter)
		return c.reply(w, "retry")
	}

	if err := c.matrix.Complete(workerID, i, false); err != nil {
		return fmt.Errorf("coordinator: complete: %w", err)
	}
	if err := c.store.PutResult(host, c.commands[i], ResultFail, output); err != nil {
		return fmt.Errorf("coordinator: recording result: %w", err)
	}
	c.reception[workerID] = ""
	c.log.Warn("command failed, retries exhausted, aborting host", "worker", workerID, "host", host)
	return c.reply(w, "end")
}

// currentCommand finds the single cell in Handling state for workerID, the
// command a "okay"/"fail" reply is reporting on.
func (c *Coordinator) currentCommand(workerID int) (int, bool) {
	for i := 0; i < c.matrix.Commands(); i++ {
		if c.matrix.Get(workerID, i) == statusmatrix.Handling {
			return i, true
		}
	}
	return -1, false
}

// ReleaseWorker clears workerID's reception slot and status-matrix row
// without recording a result, for use when the pool respawns a worker
// after a crash or broken pipe (SPEC_FULL §4.D, §9 Open Questions): the
// host it was handling is abandoned, not requeued, but the slot itself
// must free up so the fresh worker's first "wait" is assigned a new host
// instead of stalling forever on a host nobody will ever finish.
func (c *Coordinator) ReleaseWorker(workerID int) {
	if host := c.reception[workerID]; host != "" {
		c.log.Warn("worker respawned mid-host, abandoning host for this run", "worker", workerID, "host", host)
	}
	c.reception[workerID] = ""
	c.matrix.ResetWorker(workerID)
}

// Done is the termination predicate (§4.C.5): true iff the host queue is
// empty and every reception slot is unassigned.
func (c *Coordinator) Done() bool {
	if len(c.hostQueue) != 0 {
		return false
	}
	for _, host := range c.reception {
		if host != "" {
			return false
		}
	}
	return true
}

// Commit flushes the result store. Called once by the pool at shutdown.
func (c *Coordinator) Commit() error {
	return c.store.Commit()
}

// Matrix exposes the live status matrix for observability reporting.
func (c *Coordinator) Matrix() *statusmatrix.Matrix {
	return c.matrix
}

// Reception returns a copy of the reception pool (slot -> assigned host).
func (c *Coordinator) Reception() []string {
	r := make([]string, len(c.reception))
	copy(r, c.reception)
	return r
}

// HostsQueued returns the number of hosts not yet assigned to any worker.
func (c *Coordinator) HostsQueued() int {
	return len(c.hostQueue)
}

func (c *Coordinator) reply(w io.Writer, payload string) error {
	if err := protocol.Write(w, []byte(payload), c.cfg.BitsOfLen); err != nil {
		return fmt.Errorf("coordinator: writing reply: %w", err)
	}
	return nil
}

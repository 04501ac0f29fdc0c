// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pool is the worker pool and multiplexer (SPEC_FULL §4.D): it
// spawns one goroutine per worker slot over a pair of net.Pipe channels,
// runs a reader-pump goroutine per slot that posts ready events onto a
// shared channel, and drives the coordinator's single-threaded event loop.
// This is the Go-native replacement for forking N worker processes and
// polling their file descriptors with select(2)/poll(2).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/nbfleet/fleetexec/internal/coordinator"
	"github.com/nbfleet/fleetexec/internal/protocol"
	"github.com/nbfleet/fleetexec/internal/worker"
)

// MaxConcurrency is the hard ceiling on pool workers.
const MaxConcurrency = 32

// readyEvent is what a slot's reader-pump posts once a frame (or a broken
// channel) is ready for the coordinator to react to.
type readyEvent struct {
	workerID int
	frame    []byte
	err      error
}

// slot owns one worker's pipe pair and lifecycle handles. The worker side
// of each pipe is held by the worker goroutine exclusively; the pool keeps
// its own reference only to close it on respawn/shutdown.
type slot struct {
	id int

	coordReply  net.Conn // coordinator writes replies here (coord->worker)
	workerRead  net.Conn // worker's read end of coord->worker
	workerWrite net.Conn // worker's write end of worker->coord
	coordRead   net.Conn // coordinator (pump) reads frames here (worker->coord)

	reader *protocol.Reader
	cancel context.CancelFunc
}

func (s *slot) closeAll() {
	s.coordReply.Close()
	s.workerRead.Close()
	s.workerWrite.Close()
	s.coordRead.Close()
}

// Config holds the pool's construction parameters.
type Config struct {
	Workers    int
	BitsOfLen  int
	Port       int
	HostLogDir string
	RunID      string
}

// Pool drives N workers against one Coordinator.
type Pool struct {
	coord  *coordinator.Coordinator
	opener worker.Opener
	cfg    Config
	log    *slog.Logger

	slots   []*slot
	events  chan readyEvent
	stopped chan struct{}
}

// New builds a Pool. cfg.Workers must be between 1 and MaxConcurrency.
func New(coord *coordinator.Coordinator, opener worker.Opener, cfg Config, log *slog.Logger) (*Pool, error) {
	if cfg.Workers <= 0 || cfg.Workers > MaxConcurrency {
		return nil, fmt.Errorf("pool: workers must be in [1, %d], got %d", MaxConcurrency, cfg.Workers)
	}
	if cfg.BitsOfLen <= 0 {
		cfg.BitsOfLen = protocol.DefaultBitsOfLen
	}
	return &Pool{
		coord:   coord,
		opener:  opener,
		cfg:     cfg,
		log:     log,
		slots:   make([]*slot, cfg.Workers),
		events:  make(chan readyEvent, cfg.Workers*2),
		stopped: make(chan struct{}),
	}, nil
}

// Run spawns every worker and drives the multiplexer loop until the
// coordinator's termination predicate is true, the operator declines a
// group confirmation, or ctx is cancelled. On any of those it shuts every
// worker down, commits the result store, and returns.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Workers; i++ {
		p.spawn(ctx, i)
	}
	defer p.shutdown()

	for {
		if p.coord.Done() {
			p.log.Info("fleet run complete")
			return p.coord.Commit()
		}

		select {
		case <-ctx.Done():
			if err := p.coord.Commit(); err != nil {
				p.log.Error("committing result store failed", "error", err)
			}
			return ctx.Err()

		case ev := <-p.events:
			if ev.err != nil {
				p.respawn(ctx, ev.workerID, ev.err)
				continue
			}
			if err := p.coord.Handle(ev.workerID, ev.frame, p.slots[ev.workerID].coordReply); err != nil {
				if errors.Is(err, coordinator.ErrAborted) {
					p.log.Info("group confirmation declined, ending run")
					return p.coord.Commit()
				}
				p.log.Error("multiplexer fatal error", "error", err)
				if cerr := p.coord.Commit(); cerr != nil {
					p.log.Error("committing result store failed", "error", cerr)
				}
				return err
			}
		}
	}
}

// spawn creates a fresh pipe pair and worker goroutine for slot index id,
// plus its reader-pump goroutine. Worker identity (id) is stable across
// respawn; respawn releases the coordinator's slot for id (ReleaseWorker)
// before calling spawn again.
func (p *Pool) spawn(ctx context.Context, id int) {
	coordToWorkerCoord, coordToWorkerWorker := net.Pipe()
	workerToCoordWorker, workerToCoordCoord := net.Pipe()

	workerCtx, cancel := context.WithCancel(ctx)

	s := &slot{
		id:          id,
		coordReply:  coordToWorkerCoord,
		workerRead:  coordToWorkerWorker,
		workerWrite: workerToCoordWorker,
		coordRead:   workerToCoordCoord,
		reader:      protocol.NewReader(workerToCoordCoord, p.cfg.BitsOfLen),
		cancel:      cancel,
	}
	p.slots[id] = s

	go p.runWorker(workerCtx, s)
	go p.pump(s)
}

// runWorker wraps worker.Run with a recover() boundary: a worker panic is
// treated exactly like a broken pipe, triggering respawn rather than
// bringing down the pool. The write end is always closed on the way out,
// whether worker.Run returned an error, ran to ctx cancellation, or
// panicked — otherwise a worker that dies without closing its own pipe
// (e.g. an SSH dial failure) would leave the pump blocked forever with no
// respawn signal.
func (p *Pool) runWorker(ctx context.Context, s *slot) {
	defer s.workerWrite.Close()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panicked", "worker", s.id, "panic", r)
		}
	}()

	reader := protocol.NewReader(s.workerRead, p.cfg.BitsOfLen)
	cfg := worker.Config{
		Port:       p.cfg.Port,
		BitsOfLen:  p.cfg.BitsOfLen,
		HostLogDir: p.cfg.HostLogDir,
		RunID:      p.cfg.RunID,
	}
	if err := worker.Run(ctx, s.id, reader, s.workerWrite, p.opener, cfg, p.log); err != nil {
		p.log.Debug("worker exited", "worker", s.id, "error", err)
	}
}

// pump blocks reading frames off one slot's worker->coord pipe and posts
// each as a readyEvent. It stops after the first error, since that error
// already tells the main loop the channel needs replacing.
func (p *Pool) pump(s *slot) {
	for {
		frame, err := s.reader.Read(-1)
		select {
		case p.events <- readyEvent{workerID: s.id, frame: frame, err: err}:
		case <-p.stopped:
			return
		}
		if err != nil {
			return
		}
	}
}

// respawn tears a broken slot down and replaces it with a fresh worker
// goroutine and pipe pair under the same slot index (SPEC_FULL §4.D point
// 4). Recognized breakage: ErrPipeBroken, ErrFormat, or any pump error —
// a blocking Read(-1) never returns ErrWouldBlock/ErrTimeout, so every pump
// error observed here is one the pool knows how to recover from. The
// abandoned host, if any, is not requeued (§9 Open Questions); the slot
// itself is freed so the fresh worker is assigned a new host on its first
// "wait".
func (p *Pool) respawn(ctx context.Context, workerID int, cause error) {
	p.log.Warn("worker channel broken, respawning", "worker", workerID, "error", cause)
	old := p.slots[workerID]
	old.cancel()
	old.closeAll()
	p.coord.ReleaseWorker(workerID)
	p.spawn(ctx, workerID)
}

// shutdown cancels every worker's context and closes every pipe, the
// worker's only shutdown signal (SPEC_FULL §5).
func (p *Pool) shutdown() {
	close(p.stopped)
	for _, s := range p.slots {
		if s == nil {
			continue
		}
		s.cancel()
		s.closeAll()
	}
}

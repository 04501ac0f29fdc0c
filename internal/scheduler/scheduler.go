// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scheduler re-runs the whole fleet plan on a cron schedule
// (the --schedule flag) instead of once, with a running-guard so a slow
// run is never overlapped by its own next trigger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc executes one complete fleet run. It must build its own fresh
// coordinator/pool per call — a Coordinator's host queue is drained after
// one run and cannot be reused.
type RunFunc func(ctx context.Context) error

// Result is the outcome of the most recently triggered run.
type Result struct {
	Status          string // "completed" or "failed"
	DurationSeconds float64
	Timestamp       time.Time
	Error           string
}

// Scheduler drives one RunFunc on a cron expression.
type Scheduler struct {
	cron  *cron.Cron
	log   *slog.Logger
	runFn RunFunc

	mu      sync.Mutex
	running bool
	last    *Result
}

// New builds a Scheduler that invokes runFn on every tick of schedule (a
// standard 5-field cron expression).
func New(schedule string, log *slog.Logger, runFn RunFunc) (*Scheduler, error) {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelDebug))))

	s := &Scheduler{cron: c, log: log, runFn: runFn}
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, fmt.Errorf("scheduler: registering cron schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the cron dispatcher in its own goroutine.
func (s *Scheduler) Start() {
	s.log.Info("scheduler started")
	s.cron.Start()
}

// Stop stops the dispatcher and waits (bounded by ctx) for any in-flight
// run to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.log.Info("scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// LastResult returns the outcome of the most recently completed run, or
// nil if none has completed yet.
func (s *Scheduler) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("fleet run already in progress, skipping scheduled trigger")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.Info("scheduled fleet run triggered")
	start := time.Now()
	err := s.runFn(context.Background())
	duration := time.Since(start)

	result := &Result{DurationSeconds: duration.Seconds(), Timestamp: time.Now()}
	if err != nil {
		s.log.Error("scheduled fleet run failed", "error", err, "duration", duration)
		result.Status = "failed"
		result.Error = err.Error()
	} else {
		s.log.Info("scheduled fleet run completed", "duration", duration)
		result.Status = "completed"
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package monitor periodically samples local resource usage (CPU, memory,
// disk, load average) for the machine running fleetexec itself — relevant
// because a high worker concurrency drives both network fanout and local
// CPU (SSH handshakes, output buffering) on the box driving the fleet.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats holds one sampling round's metrics.
type Stats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// Monitor samples Stats on a fixed interval in the background.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	close    chan struct{}
	wg       sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New builds a Monitor sampling every interval (defaults to 15s if <= 0).
func New(logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		logger:   logger.With("component", "monitor"),
		interval: interval,
		close:    make(chan struct{}),
	}
}

// Start begins periodic sampling.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the most recently collected sample.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var s Stats

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		s.CPUPercent = percentages[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		s.DiskUsagePercent = d.UsedPercent
	} else {
		m.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}

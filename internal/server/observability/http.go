// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nbfleet/fleetexec/internal/monitor"
	"github.com/nbfleet/fleetexec/internal/statusmatrix"
)

var startTime = time.Now()

// Version is set via ldflags at build time (-X ...Version=x.y.z).
var Version = "dev"

// StatusSource is the read-only slice of the coordinator the status
// endpoint needs. Decouples this package from the coordinator package
// itself, and lets tests supply a fake.
type StatusSource interface {
	Matrix() *statusmatrix.Matrix
	Reception() []string
	Done() bool
	HostsQueued() int
}

// MonitorSource is the read-only slice of the local resource monitor the
// status endpoint optionally reports.
type MonitorSource interface {
	Stats() monitor.Stats
}

// NewRouter builds the observability HTTP API, wrapped in acl's middleware.
// commands is the ordered command list, used to label matrix columns.
// mon and store may be nil: the monitor_stats field and the events
// endpoint are omitted when so.
func NewRouter(status StatusSource, commands []string, mon MonitorSource, store *EventStore, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/status", makeStatusHandler(status, commands, mon))
	if store != nil {
		mux.HandleFunc("GET /api/v1/events", makeEventsHandler(store))
	}

	return acl.Middleware(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var lastPauseMs float64
	if mem.NumGC > 0 {
		lastPauseMs = float64(mem.PauseNs[(mem.NumGC+255)%256]) / 1e6
	}

	resp := HealthResponse{
		Status:  "ok",
		Uptime:  uptime.String(),
		Version: Version,
		Go:      runtime.Version(),
		Stats: &ServerStats{
			GoRoutines:  runtime.NumGoroutine(),
			HeapAllocMB: float64(mem.HeapAlloc) / (1024 * 1024),
			HeapSysMB:   float64(mem.HeapSys) / (1024 * 1024),
			GCPauseMs:   lastPauseMs,
			GCCycles:    mem.NumGC,
			CPUCores:    runtime.NumCPU(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func makeStatusHandler(status StatusSource, commands []string, mon MonitorSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := status.Matrix()
		reception := status.Reception()

		workers := make([]WorkerStatus, m.Workers())
		for id := 0; id < m.Workers(); id++ {
			row := m.Row(id)
			states := make([]string, len(row))
			for i, cell := range row {
				states[i] = cell.String()
			}
			workers[id] = WorkerStatus{
				ID:            id,
				Host:          reception[id],
				CommandStates: states,
			}
		}

		resp := StatusResponse{
			Done:        status.Done(),
			HostsQueued: status.HostsQueued(),
			Workers:     workers,
			Commands:    commands,
		}
		if mon != nil {
			s := mon.Stats()
			resp.MonitorStats = &MonitorDTO{
				CPUPercent:       s.CPUPercent,
				MemoryPercent:    s.MemoryPercent,
				DiskUsagePercent: s.DiskUsagePercent,
				LoadAverage:      s.LoadAverage,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func makeEventsHandler(store *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		writeJSON(w, http.StatusOK, store.Recent(limit))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultVal
	}
	return v
}

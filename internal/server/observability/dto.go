// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime"`
	Version string       `json:"version"`
	Go      string       `json:"go"`
	Stats   *ServerStats `json:"stats,omitempty"`
}

// ServerStats holds runtime metrics of the fleetexec process itself.
type ServerStats struct {
	GoRoutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	GCPauseMs   float64 `json:"gc_pause_ms"`
	GCCycles    uint32  `json:"gc_cycles"`
	CPUCores    int     `json:"cpu_cores"`
}

// StatusResponse is returned by GET /api/v1/status: a live snapshot of the
// dispatch engine's status matrix and reception pool.
type StatusResponse struct {
	Done         bool           `json:"done"`
	HostsQueued  int            `json:"hosts_queued"`
	Workers      []WorkerStatus `json:"workers"`
	Commands     []string       `json:"commands"`
	MonitorStats *MonitorDTO    `json:"monitor_stats,omitempty"`
}

// WorkerStatus is one row of the status matrix plus its reception slot.
type WorkerStatus struct {
	ID            int      `json:"id"`
	Host          string   `json:"host,omitempty"`
	CommandStates []string `json:"command_states"`
}

// MonitorDTO is a safe view of the local resource monitor's last sample.
type MonitorDTO struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

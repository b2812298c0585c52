package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aristath/factorrisk/internal/database"
	"github.com/aristath/factorrisk/internal/scheduler"
)

// JobLister reports the last-run state of scheduled jobs.
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// SystemHandlers serves process and database health endpoints
type SystemHandlers struct {
	db      *database.DB
	jobs    JobLister
	started time.Time
	log     zerolog.Logger
}

// NewSystemHandlers creates system handlers. db may be nil, in which case
// health reports only process liveness; jobs may be nil as well.
func NewSystemHandlers(db *database.DB, jobs JobLister, started time.Time, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		db:      db,
		jobs:    jobs,
		started: started,
		log:     log.With().Str("handler", "system").Logger(),
	}
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Database string `json:"database"`
	Error    string `json:"error,omitempty"`
}

// SystemStatusResponse is returned by GET /api/system/status
type SystemStatusResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	GoVersion     string                `json:"go_version"`
	Goroutines    int                   `json:"goroutines"`
	CPUPercent    float64               `json:"cpu_percent"`
	MemoryPercent float64               `json:"memory_percent"`
	ProcessRSSMB  float64               `json:"process_rss_mb"`
	Database      *database.Stats       `json:"database,omitempty"`
	Jobs          []scheduler.JobStatus `json:"jobs,omitempty"`
}

// HandleHealth reports liveness and a quick database integrity check.
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Service: "factorrisk", Database: "unconfigured"}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.db.HealthCheck(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Database health check failed")
			resp.Status = "unhealthy"
			resp.Database = "failed"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	h.writeJSON(w, status, resp)
}

// HandleSystemStatus returns process resource usage, database statistics and
// scheduled job state. A job whose last run failed marks the status degraded.
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	resp := SystemStatusResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		ProcessRSSMB:  h.processRSS(),
	}

	if h.db != nil {
		stats, err := h.db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to get database stats")
			resp.Status = "degraded"
		} else {
			resp.Database = stats
		}
	}

	if h.jobs != nil {
		resp.Jobs = h.jobs.Jobs()
		for _, job := range resp.Jobs {
			if job.LastError != "" {
				resp.Status = "degraded"
			}
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDatabaseStats returns database file statistics.
// GET /api/system/database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		http.Error(w, "database not configured", http.StatusServiceUnavailable)
		return
	}
	stats, err := h.db.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get database stats")
		http.Error(w, "failed to get database stats", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    h.db.Name(),
		"profile": string(h.db.Profile()),
		"stats":   stats,
	})
}

// getSystemStats samples host CPU and RAM usage percentages.
// The CPU sample window is short so the endpoint stays responsive.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) processRSS() float64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / 1024 / 1024
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

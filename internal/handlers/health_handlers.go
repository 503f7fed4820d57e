package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"mohierarchy/internal/services"

	"github.com/labstack/echo/v4"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// JobStatus reports background job state.
type JobStatus interface {
	GetJobStatus() map[string]any
}

// HealthHandlers handles health check and monitoring endpoints
type HealthHandlers struct {
	checks   map[string]Check
	counters *services.Counters
	jobs     JobStatus
	version  string
	started  time.Time
	timeout  time.Duration
}

// NewHealthHandlers creates a new health handlers instance. jobs may be nil.
func NewHealthHandlers(checks map[string]Check, counters *services.Counters, jobs JobStatus, version string) *HealthHandlers {
	return &HealthHandlers{
		checks:   checks,
		counters: counters,
		jobs:     jobs,
		version:  version,
		started:  time.Now(),
		timeout:  2 * time.Second,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Uptime    string            `json:"uptime"`
	Version   string            `json:"version"`
}

type checkResult struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func (h *HealthHandlers) runChecks(ctx context.Context) (map[string]checkResult, bool) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	results := make(map[string]checkResult, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		start := time.Now()
		err := h.checks[name](cctx)
		cancel()
		res := checkResult{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			res.Status = "unhealthy"
			res.Message = err.Error()
			healthy = false
		}
		results[name] = res
	}
	return results, healthy
}

// HealthCheck reports every dependency; a failing one degrades the status without failing the probe.
func (h *HealthHandlers) HealthCheck(c echo.Context) error {
	results, healthy := h.runChecks(c.Request().Context())
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]string, len(results)),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.version,
	}
	for name, res := range results {
		health.Services[name] = res.Status
	}

	statusCode := http.StatusOK
	if !healthy {
		health.Status = "degraded"
		statusCode = http.StatusPartialContent
	}
	return c.JSON(statusCode, health)
}

// ReadinessCheck determines if the application is ready to serve traffic
func (h *HealthHandlers) ReadinessCheck(c echo.Context) error {
	if _, healthy := h.runChecks(c.Request().Context()); !healthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"message": "Critical services unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ready",
		"message": "All systems operational",
	})
}

// DetailedHealthCheck adds latencies, operator counters and job state to the health report.
func (h *HealthHandlers) DetailedHealthCheck(c echo.Context) error {
	results, healthy := h.runChecks(c.Request().Context())

	detailed := map[string]any{
		"overall_status": "healthy",
		"checks":         results,
		"counters":       h.counters.Snapshot(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"version":        h.version,
		"goroutines":     runtime.NumGoroutine(),
	}
	if h.jobs != nil {
		detailed["jobs"] = h.jobs.GetJobStatus()
	}

	statusCode := http.StatusOK
	if !healthy {
		detailed["overall_status"] = "degraded"
		statusCode = http.StatusPartialContent
	}
	return c.JSON(statusCode, detailed)
}

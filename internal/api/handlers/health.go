package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/orchestrator"
)

// HealthHandler reports liveness and basic runtime state.
type HealthHandler struct {
	manager   *orchestrator.Manager
	version   string
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(manager *orchestrator.Manager, version string, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		manager:   manager,
		version:   version,
		logger:    logger.WithFields("handler", "health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Scans       map[string]int `json:"scans"`
	Goroutines  int            `json:"goroutines"`
	GoVersion   string         `json:"go_version"`
	HostsKnown  int            `json:"hosts_profiled"`
}

// Health handles GET /api/v1/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, s := range h.manager.List() {
		counts[string(s.Status)]++
	}

	writeJSON(w, r, h.logger, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Scans:      counts,
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
		HostsKnown: len(h.manager.Engine().Hosts()),
	})
}

package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/locolive/relay/pkg/response"
)

// Check tests one dependency
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints
type HealthHandler struct {
	version string
	checks  map[string]Check
	timeout time.Duration
}

// NewHealthHandler creates a health handler. Ready runs every check.
func NewHealthHandler(version string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		version: version,
		checks:  checks,
		timeout: 2 * time.Second,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health returns the health status
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, HealthResponse{
		Status:    "ok",
		Timestamp: now(),
		Version:   h.version,
	})
}

// Ready reports 503 while any dependency check fails (for Kubernetes)
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{
		Status:    "ready",
		Timestamp: now(),
		Checks:    make(map[string]string, len(names)),
	}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Status = "not_ready"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	if resp.Status != "ready" {
		response.ServiceUnavailable(w, resp)
		return
	}
	response.OK(w, resp)
}

// Live returns the liveness status (for Kubernetes)
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	response.OK(w, HealthResponse{
		Status:    "alive",
		Timestamp: now(),
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

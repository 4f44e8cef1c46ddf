package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/GigaElk/worrybox-sub001/pkg/logger"
	"github.com/GigaElk/worrybox-sub001/pkg/supervisor"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Jobs      int       `json:"jobs"`
	Unhealthy int       `json:"unhealthy"`
}

// Handler handles health check requests
type Handler struct {
	logger     *logger.Logger
	supervisor *supervisor.Supervisor
}

// NewHandler creates a new health handler
func NewHandler(log *logger.Logger, sup *supervisor.Supervisor) *Handler {
	return &Handler{
		logger:     log,
		supervisor: sup,
	}
}

// HealthCheck handles the /health endpoint. The verdict degrades when any
// supervised job is unhealthy.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	}

	if h.supervisor != nil {
		all := h.supervisor.AllHealth()
		response.Jobs = len(all)
		for _, jh := range all {
			if jh.Status == supervisor.StatusUnhealthy {
				response.Unhealthy++
			}
		}
		if response.Unhealthy > 0 {
			response.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error().
			Err(err).
			Str("action", "health_check_failed").
			Str("endpoint", "/health").
			Msg("Failed to encode health response")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	h.logger.Debug().
		Str("action", "health_check").
		Str("endpoint", "/health").
		Str("method", r.Method).
		Str("remote_addr", r.RemoteAddr).
		Int("status_code", 200).
		Dur("duration", time.Since(start)).
		Msg("Health check completed")
}

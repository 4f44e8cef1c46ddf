package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GigaElk/worrybox-sub001/internal/config"
	"github.com/GigaElk/worrybox-sub001/pkg/handlers/health"
	"github.com/GigaElk/worrybox-sub001/pkg/logger"
	"github.com/GigaElk/worrybox-sub001/pkg/memguard"
	"github.com/GigaElk/worrybox-sub001/pkg/middleware"
	"github.com/GigaElk/worrybox-sub001/pkg/supervisor"
)

// Server is the thin management HTTP surface in front of the supervisor
// and memory governor.
type Server struct {
	router     *http.ServeMux
	httpServer *http.Server
	port       string
	logger     *logger.Logger
	supervisor *supervisor.Supervisor
	governor   *memguard.Governor
	handlers   struct {
		health *health.Handler
	}
}

// New creates a new management server instance
func New(cfg *config.Config, log *logger.Logger, sup *supervisor.Supervisor, gov *memguard.Governor) *Server {
	server := &Server{
		router:     http.NewServeMux(),
		port:       cfg.Server.Port,
		logger:     log,
		supervisor: sup,
		governor:   gov,
	}

	server.handlers.health = health.NewHandler(log, sup)
	server.setupRoutes()

	return server
}

// setupRoutes configures the management API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", middleware.CORS(s.handlers.health.HealthCheck))

	s.router.HandleFunc("/", middleware.CORS(func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintf(w, "Worrybox Task Supervisor - OK"); err != nil {
			http.Error(w, "Failed to write response", http.StatusInternalServerError)
		}
	}))

	// Supervisor read model
	s.router.HandleFunc("/api/supervisor/status", middleware.CORS(s.status))
	s.router.HandleFunc("/api/supervisor/report", middleware.CORS(s.report))
	s.router.HandleFunc("/api/supervisor/memory", middleware.CORS(s.memory))

	// Lifecycle control: POST /api/supervisor/jobs/{name}/{start|stop|restart}
	s.router.HandleFunc("/api/supervisor/jobs/", middleware.CORS(s.jobControl))

	// Prometheus exposition
	s.router.Handle("/metrics", promhttp.Handler())
}

type statusResponse struct {
	Health  map[string]supervisor.JobHealth  `json:"health"`
	Metrics map[string]supervisor.JobMetrics `json:"metrics"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, statusResponse{
		Health:  s.supervisor.AllHealth(),
		Metrics: s.supervisor.AllMetrics(),
	})
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.supervisor.BuildReport())
}

func (s *Server) memory(w http.ResponseWriter, r *http.Request) {
	if s.governor == nil {
		http.Error(w, "memory governor not attached", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.governor.GetHealthReport())
}

func (s *Server) jobControl(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/supervisor/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	if len(parts) == 1 && r.Method == http.MethodGet {
		if h, ok := s.supervisor.Health(parts[0]); ok {
			s.writeJSON(w, h)
			return
		}
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "expected POST /api/supervisor/jobs/{name}/{start|stop|restart}", http.StatusBadRequest)
		return
	}

	name, verb := parts[0], parts[1]
	var err error
	switch verb {
	case "start":
		err = s.supervisor.Start(name)
	case "stop":
		err = s.supervisor.Stop(name)
	case "restart":
		err = s.supervisor.Restart(name)
	default:
		http.Error(w, "unknown action "+verb, http.StatusBadRequest)
		return
	}

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_name", name).
			Str("verb", verb).
			Str("action", "job_control_failed").
			Msg("Job lifecycle request failed")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.writeJSON(w, map[string]string{"job": name, "action": verb, "result": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().
			Err(err).
			Str("action", "encode_failed").
			Msg("Failed to encode response")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.logger.Info().
		Str("action", "server_start").
		Str("port", s.port).
		Msg("Starting management API server")

	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start on port %s: %w", s.port, err)
	}

	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().
			Err(err).
			Str("action", "server_shutdown_failed").
			Msg("Management server shutdown failed")
	}
}

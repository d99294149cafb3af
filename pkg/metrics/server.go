package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides HTTP endpoints for metrics and health/readiness checks.
type Server struct {
	server *http.Server
	logger *log.Logger
	health HealthChecker
}

// HealthChecker is the thin view the pipeline exports to the health/ready
// endpoints. Liveness (/health) reflects whether the process is running and
// its breaker isn't permanently open; readiness (/ready) reflects whether
// the source and log probes currently succeed.
type HealthChecker interface {
	GetStatus() HealthStatus
}

// HealthStatus is the JSON body served at /health.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	BreakerOpen     bool   `json:"breaker_open"`
	SourceConnected bool   `json:"source_connected"`
	LogConnected    bool   `json:"log_connected"`
	LastEventTime   string `json:"last_event_time,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// NewServer creates a new metrics/health HTTP server.
func NewServer(addr string, health HealthChecker, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
		health: health,
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readinessHandler)
	mux.HandleFunc("/", s.rootHandler)

	return s
}

// Start starts the HTTP server in the background, returning once it either
// fails to bind or has been up for a brief grace period.
func (s *Server) Start() error {
	s.logger.Printf("Starting metrics server on %s", s.server.Addr)

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Println("Shutting down metrics server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		http.Error(w, "Health checker not configured", http.StatusInternalServerError)
		return
	}

	status := s.health.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Printf("Error encoding health status: %v", err)
	}
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		http.Error(w, "Health checker not configured", http.StatusInternalServerError)
		return
	}

	status := s.health.GetStatus()

	if status.SourceConnected && status.LogConnected {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ready")); err != nil {
			s.logger.Printf("Error writing readiness response: %v", err)
		}
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			s.logger.Printf("Error writing readiness response: %v", err)
		}
	}
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `
<!DOCTYPE html>
<html>
<head>
    <title>CDC Pipeline Metrics</title>
</head>
<body>
    <h1>CDC Pipeline Metrics &amp; Monitoring</h1>
    <ul>
        <li><a href="/metrics">Metrics (Prometheus format)</a></li>
        <li><a href="/health">Health Check (JSON)</a></li>
        <li><a href="/ready">Readiness Probe</a></li>
    </ul>
</body>
</html>
`
	if _, err := w.Write([]byte(html)); err != nil {
		s.logger.Printf("Error writing root response: %v", err)
	}
}

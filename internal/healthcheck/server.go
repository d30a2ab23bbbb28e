package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

const checkTimeout = 2 * time.Second

// Checker reports whether a dependency is usable. A nil error means ready.
type Checker func(ctx context.Context) error

// Server represents a health check HTTP server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux // Expose mux for adding handlers
	logger     *zap.Logger
	version    string

	mu       sync.RWMutex
	checkers map[string]Checker
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates a new health check server
func NewServer(port int, version string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:      mux,
		logger:   logger.Named("healthcheck"),
		version:  version,
		checkers: make(map[string]Checker),
	}

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// RegisterChecker adds a named readiness check run on every /ready call.
func (s *Server) RegisterChecker(name string, check Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = check
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Handler exposes the mux, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting health check server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health check server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{
		Status:  "UP",
		Version: s.version,
	})
}

// handleReady runs every registered checker concurrently.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checkers))
	checkers := make(map[string]Checker, len(s.checkers))
	for name, check := range s.checkers {
		names = append(names, name)
		checkers[name] = check
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string, check Checker) {
			defer wg.Done()
			results[i] = utils.WrapWithContextRecovery("readiness."+name, check)(ctx)
		}(i, name, checkers[name])
	}
	wg.Wait()

	resp := HealthResponse{
		Status: "READY",
		Details: map[string]string{
			"timestamp": utils.FormatISO8601(utils.Now()),
		},
	}
	code := http.StatusOK
	for i, name := range names {
		if results[i] != nil {
			resp.Details[name] = results[i].Error()
			resp.Status = "NOT_READY"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Details[name] = "ok"
	}
	if code != http.StatusOK {
		s.logger.Warn("Readiness check failed", zap.Any("details", resp.Details))
	}

	utils.WriteJSONResponse(w, code, resp)
}

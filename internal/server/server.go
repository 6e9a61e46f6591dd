// Package server exposes the HTTP trigger surface for sync runs.
//
// Routes:
//
//	GET /run     → executes one sync run; responds with the run summary JSON
//	GET /healthz → liveness probe
//
// Runs are serialized: a trigger that arrives while a run is in flight
// waits for its own turn rather than overlapping warehouse writes.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"crmsync/internal/run"
)

// Runner executes one sync run. Satisfied by *run.Coordinator.
type Runner interface {
	Run(ctx context.Context) (*run.Result, error)
}

// Config controls server startup.
type Config struct {
	Addr string

	// RunTimeout bounds a single triggered run; zero means 30 minutes.
	RunTimeout time.Duration
}

// Server wraps http.Server for convenience.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	runner Runner

	mu sync.Mutex // serializes runs
}

// NewServer constructs a Server with routes.
func NewServer(cfg Config, r Runner) *Server {
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		runner: r,
	}
	s.routes()
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	log.Printf("server: listening addr=%s", s.cfg.Addr)
	return http.ListenAndServe(s.cfg.Addr, s.mux)
}

// Handler returns the route multiplexer, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/run", s.handleRun)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
}

func (s *Server) runTimeout() time.Duration {
	if s.cfg.RunTimeout > 0 {
		return s.cfg.RunTimeout
	}
	return 30 * time.Minute
}

// handleRun triggers one run and returns its summary. Fatal runs respond
// with 500; partial and successful runs with 200. The status field in the
// body distinguishes the latter two.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout())
	defer cancel()

	s.mu.Lock()
	res, err := s.runner.Run(ctx)
	s.mu.Unlock()
	if err != nil {
		log.Printf("server: run failed: %v", err)
	}

	code := http.StatusOK
	if res == nil || res.Fatal() {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

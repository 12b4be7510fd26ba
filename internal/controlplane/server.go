// Package controlplane provides the HTTP API over the planq scheduler.
//
// The API is a thin JSON layer: every endpoint maps onto one scheduler
// operation, bodies are flat JSON objects, and errors are returned as
// {"error": "..."} with a 4xx status for bad input. The server binds to
// loopback; there is no authentication.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"github.com/planq-io/planq/internal/models"
	"github.com/planq-io/planq/internal/plan"
	"github.com/planq-io/planq/internal/scheduler"
	"github.com/planq-io/planq/internal/store"
)

// Version is set at build time or defaults to "dev".
var Version = "dev"

// Server provides the HTTP API for planq.
type Server struct {
	sched  *scheduler.Scheduler
	store  *store.Store
	addr   string
	lease  time.Duration
	server *http.Server
	logger log.Logger
}

// NewServer creates a new HTTP server over the scheduler. The lease is
// the default claim window applied when /ready does not specify one.
func NewServer(sched *scheduler.Scheduler, s *store.Store, addr string, lease time.Duration, logger log.Logger) *Server {
	if lease <= 0 {
		lease = scheduler.DefaultLease
	}
	return &Server{
		sched:  sched,
		store:  s,
		addr:   addr,
		lease:  lease,
		logger: logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("planq server listening")
	return s.server.ListenAndServe()
}

// Handler returns the route mux without starting a listener. Used by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/enqueue", s.handleEnqueue)
	mux.HandleFunc("/done", s.handleDone)
	mux.HandleFunc("/fail", s.handleFail)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/expand", s.handleExpand)
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": models.Truncate(msg, 500)})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "not found")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	DB      string `json:"db"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Version: Version, DB: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("health check: database ping failed")
		resp.Status = "degraded"
		resp.DB = "unavailable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStats handles GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.sched.Stats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleReady handles GET /ready — claim the next batch of ready jobs.
// Query: holder, lane?, batch?, lease_ms?.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()

	holder := q.Get("holder")
	if holder == "" {
		holder = "anon"
	}

	var lane *int
	if v := q.Get("lane"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid lane: "+v)
			return
		}
		lane = &n
	}

	batch := 1
	if v := q.Get("batch"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid batch: "+v)
			return
		}
		batch = n
	}

	lease := s.lease
	if v := q.Get("lease_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid lease_ms: "+v)
			return
		}
		lease = time.Duration(n) * time.Millisecond
	}

	jobs, err := s.sched.Claim(holder, lane, batch, lease)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleJobs handles GET /jobs — list jobs (query: status?, limit?).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = n
	}

	jobs, err := s.sched.ListJobs(q.Get("status"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

type enqueueRequest struct {
	ID          string   `json:"id"`
	Lane        int      `json:"lane"`
	Payload     string   `json:"payload"`
	Deps        []string `json:"deps"`
	DedupeKey   string   `json:"dedupe_key"`
	MaxAttempts int      `json:"max_attempts"`
}

// handleEnqueue handles POST /enqueue.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := s.sched.Enqueue(req.ID, req.Lane, req.Payload, req.Deps, req.DedupeKey, req.MaxAttempts); err != nil {
		// Payload validation is the only enqueue-time rejection.
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": req.ID})
}

type completionRequest struct {
	ID     string `json:"id"`
	Holder string `json:"holder"`
	Error  string `json:"error"`
}

// handleDone handles POST /done.
func (s *Server) handleDone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := s.sched.MarkDone(req.ID, req.Holder); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleFail handles POST /fail.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := s.sched.MarkFailed(req.ID, req.Error, req.Holder); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type heartbeatRequest struct {
	ID      string `json:"id"`
	Holder  string `json:"holder"`
	LeaseMS int    `json:"lease_ms"`
}

// handleHeartbeat handles POST /heartbeat. ok=false means the lease was
// lost and the worker must abandon the job.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" || req.Holder == "" {
		s.writeError(w, http.StatusBadRequest, "id and holder required")
		return
	}
	lease := s.lease
	if req.LeaseMS > 0 {
		lease = time.Duration(req.LeaseMS) * time.Millisecond
	}
	ok, err := s.sched.Heartbeat(req.ID, req.Holder, lease)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": ok})
}

type expandRequest struct {
	Plan string `json:"plan"`
}

// handleExpand handles POST /expand — compile a plan file into jobs.
func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req expandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Plan == "" {
		s.writeError(w, http.StatusBadRequest, "plan required")
		return
	}

	compiled, err := plan.CompileFile(req.Plan)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := compiled.Apply(s.sched); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, plan.ErrUnknownDep) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.logger.Info().Str("plan", compiled.ID).Int("steps", len(compiled.Steps)).Msg("plan expanded")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"plan_id": compiled.ID,
		"steps":   len(compiled.Steps),
	})
}

package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/caseward/ecl/pkg/auth"
	"github.com/caseward/ecl/pkg/ingest"
	"github.com/caseward/ecl/pkg/ledger"
	"github.com/caseward/ecl/pkg/queue"
)

const (
	maxJSONBody   = 1 << 20  // 1MB for JSON requests
	maxChunkBytes = 64 << 20 // 64MB per uploaded chunk
)

// Server maps the HTTP surface onto the ingest, ledger and job services.
// It carries no business logic of its own.
type Server struct {
	coordinator *ingest.Coordinator
	chain       *ledger.Ledger
	jobs        *queue.Queue
	authz       *auth.Authorizer
	logger      *slog.Logger
}

// NewServer wires the boundary to its services.
func NewServer(coordinator *ingest.Coordinator, chain *ledger.Ledger, jobs *queue.Queue, authz *auth.Authorizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{coordinator: coordinator, chain: chain, jobs: jobs, authz: authz, logger: logger}
}

// Routes returns the route table. Auth and rate limiting are applied by
// Handler; Routes alone is what the tests exercise.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /ingest/open", s.handleIngestOpen)
	mux.HandleFunc("PUT /ingest/{session_id}/chunk/{index}", s.handlePutChunk)
	mux.HandleFunc("POST /ingest/{session_id}/commit", s.handleCommit)
	mux.HandleFunc("POST /ingest/{session_id}/abort", s.handleAbort)

	mux.HandleFunc("GET /artifacts/{artifact_id}/history", s.handleHistory)
	mux.HandleFunc("GET /artifacts/{artifact_id}/verify", s.handleVerify)
	mux.HandleFunc("POST /artifacts/{artifact_id}/events", s.handleAppendEvent)

	mux.HandleFunc("POST /jobs", s.handleEnqueue)
	mux.HandleFunc("POST /jobs/_lease", s.handleLease)
	mux.HandleFunc("GET /jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{job_id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /jobs/{job_id}/complete", s.handleComplete)
	mux.HandleFunc("POST /jobs/{job_id}/cancel", s.handleCancel)

	return mux
}

// Handler wraps the routes in the standard middleware chain:
// request ID, CORS, auth, per-actor rate limiting.
func (s *Server) Handler(validator *auth.JWTValidator, limiter auth.LimiterStore, policy auth.LimitPolicy) http.Handler {
	var h http.Handler = s.Routes()
	h = ActorRateLimitMiddleware(limiter, policy)(h)
	h = AuthMiddleware(validator)(h)
	h = auth.CORSMiddleware(nil)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// authorize enforces the permission for the operation; it writes the error
// response itself and reports whether the handler may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, perm string) bool {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return false
	}
	allowed, err := s.authz.Allow(p, perm)
	if err != nil {
		WriteInternal(w, err)
		return false
	}
	if !allowed {
		WriteForbidden(w, "actor lacks "+perm)
		return false
	}
	return true
}

func (s *Server) handleIngestOpen(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermIngestWrite) {
		return
	}
	var req struct {
		DeclaredTotalChunks int    `json:"declared_total_chunks"`
		DeclaredTotalBytes  int64  `json:"declared_total_bytes"`
		SourceDescriptor    string `json:"source_descriptor"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sessionID, err := s.coordinator.Open(r.Context(), req.DeclaredTotalChunks, req.DeclaredTotalBytes,
		auth.ActorID(r.Context()), req.SourceDescriptor)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID})
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermIngestWrite) {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		WriteBadRequest(w, "chunk index must be an integer")
		return
	}
	declaredHash := r.Header.Get("X-Chunk-SHA256")
	if declaredHash == "" {
		WriteBadRequest(w, "X-Chunk-SHA256 header is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxChunkBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "chunk body unreadable or too large")
		return
	}

	if err := s.coordinator.PutChunk(r.Context(), r.PathValue("session_id"), index, data, declaredHash); err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermIngestWrite) {
		return
	}
	result, err := s.coordinator.Commit(r.Context(), r.PathValue("session_id"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermIngestWrite) {
		return
	}
	if err := s.coordinator.Abort(r.Context(), r.PathValue("session_id")); err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aborted": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermLedgerRead) {
		return
	}
	artifactID := r.PathValue("artifact_id")
	if _, err := s.chain.GetArtifact(r.Context(), artifactID); err != nil {
		WriteProblem(w, r, err)
		return
	}
	events := []ledger.Event{}
	err := s.chain.History(r.Context(), artifactID, func(ev ledger.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermLedgerRead) {
		return
	}
	artifactID := r.PathValue("artifact_id")
	if _, err := s.chain.GetArtifact(r.Context(), artifactID); err != nil {
		WriteProblem(w, r, err)
		return
	}
	result, err := s.chain.Verify(r.Context(), artifactID)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermLedgerWrite) {
		return
	}
	var req struct {
		Kind            ledger.Kind    `json:"kind"`
		Payload         map[string]any `json:"payload"`
		ExpectedPrevSeq uint64         `json:"expected_prev_seq"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.chain.Append(r.Context(), r.PathValue("artifact_id"), req.Kind,
		auth.ActorID(r.Context()), req.Payload, req.ExpectedPrevSeq)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermJobsEnqueue) {
		return
	}
	var req struct {
		ArtifactID   string         `json:"artifact_id"`
		PipelineName string         `json:"pipeline_name"`
		Params       map[string]any `json:"params"`
		Priority     queue.Priority `json:"priority"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := s.jobs.Enqueue(r.Context(), req.ArtifactID, req.PipelineName, req.Params, req.Priority)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID})
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermJobsWork) {
		return
	}
	var req struct {
		WorkerID        string `json:"worker_id"`
		LeaseDurationMs int64  `json:"lease_duration_ms"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LeaseDurationMs <= 0 {
		req.LeaseDurationMs = 30000
	}
	job, err := s.jobs.Lease(r.Context(), req.WorkerID, time.Duration(req.LeaseDurationMs)*time.Millisecond)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	// A nil job serializes as JSON null: nothing to dispatch.
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermLedgerRead) {
		return
	}
	job, err := s.jobs.Job(r.Context(), r.PathValue("job_id"))
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermJobsWork) {
		return
	}
	var req struct {
		WorkerID        string `json:"worker_id"`
		LeaseDurationMs int64  `json:"lease_duration_ms"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LeaseDurationMs <= 0 {
		req.LeaseDurationMs = 30000
	}
	err := s.jobs.Heartbeat(r.Context(), r.PathValue("job_id"), req.WorkerID,
		time.Duration(req.LeaseDurationMs)*time.Millisecond)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermJobsWork) {
		return
	}
	var req struct {
		WorkerID string `json:"worker_id"`
		Outcome  string `json:"outcome"`
		Error    string `json:"error"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.jobs.Complete(r.Context(), r.PathValue("job_id"), req.WorkerID,
		queue.JobState(req.Outcome), req.Error)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermJobsCancel) {
		return
	}
	if err := s.jobs.RequestCancel(r.Context(), r.PathValue("job_id")); err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

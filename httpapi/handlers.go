package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/storage"
)

// apiError is the JSON error body.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

// writeStoreError maps storage sentinels to status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrRunNotFound),
		errors.Is(err, storage.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrSessionArchived),
		errors.Is(err, storage.ErrNoPendingApproval),
		errors.Is(err, storage.ErrRunFinalized),
		errors.Is(err, storage.ErrRunNotClaimable):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// pathID parses the {id} path parameter.
func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// decodeBody decodes a JSON request body into v. An empty body is allowed
// and leaves v zero-valued.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// Sessions
// =============================================================================

type createSessionRequest struct {
	UserID    string `json:"user_id"`
	AgentKind string `json:"agent_kind"`
	Title     string `json:"title"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.AgentKind == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "agent_kind is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	sess, err := s.store.CreateSession(r.Context(), &storage.CreateSessionParams{
		UserID:    req.UserID,
		AgentKind: req.AgentKind,
		Title:     req.Title,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type sessionResponse struct {
	*storage.Session
	Runs []*storage.Run `json:"runs,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid session id")
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := sessionResponse{Session: sess}
	if r.URL.Query().Get("include_runs") == "true" {
		runs, err := s.store.ListSessionRuns(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		resp.Runs = runs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid session id")
		return
	}
	if err := s.store.ArchiveSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessionRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid session id")
		return
	}
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	runs, err := s.store.ListSessionRuns(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// Runs
// =============================================================================

type createRunRequest struct {
	Task   string            `json:"task"`
	Config storage.RunConfig `json:"config"`
}

type createRunResponse struct {
	ID           uuid.UUID `json:"id"`
	RunNumber    int       `json:"run_number"`
	SubscribeURL string    `json:"subscribe_url"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid session id")
		return
	}

	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "task is required")
		return
	}

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	run, err := s.store.CreateRun(r.Context(), &storage.CreateRunParams{
		SessionID: sessionID,
		AgentKind: sess.AgentKind,
		Task:      req.Task,
		Config:    req.Config,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.startRun(run.ID)

	writeJSON(w, http.StatusCreated, createRunResponse{
		ID:           run.ID,
		RunNumber:    run.RunNumber,
		SubscribeURL: fmt.Sprintf("/runs/%s/subscribe", run.ID),
	})
}

// startRun drives a run on a detached goroutine. The run outlives the HTTP
// request that created it.
func (s *Server) startRun(runID uuid.UUID) {
	go func() {
		if err := s.runner.Run(s.baseCtx, runID); err != nil {
			s.logger.Warn("run worker returned error", "run_id", runID, "error", err)
		}
	}()
}

type runResponse struct {
	*storage.Run
	Entries []journal.Entry `json:"entries"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid run id")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	entries, err := s.store.ListEntries(r.Context(), id, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Entries: entries})
}

type resumeRequest struct {
	Decision storage.Decision `json:"decision"`
	Feedback string           `json:"feedback"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid run id")
		return
	}

	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if !req.Decision.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid_decision",
			"decision must be approved or rejected")
		return
	}

	approval, err := s.runner.ResolveApproval(r.Context(), id, req.Decision, req.Feedback)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.startRun(id)

	writeJSON(w, http.StatusAccepted, approval)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid run id")
		return
	}

	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	if err := s.runner.Cancel(r.Context(), id, req.Reason); err != nil {
		// Cancelling an already-terminal run is a no-op, not a conflict.
		if errors.Is(err, storage.ErrRunFinalized) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePendingApproval(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid run id")
		return
	}

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	approval, err := s.store.GetPendingApproval(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if approval == nil {
		writeError(w, http.StatusNotFound, "not_found", "no pending approval")
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/gate"
	"github.com/dominodatalab/sweeper/pkg/pipeline"
	"github.com/dominodatalab/sweeper/pkg/store"
)

// ActorHeader names the caller when a request body does not.
const ActorHeader = "X-Sweeper-Actor"

type TriggerRequest struct {
	Actor string `json:"actor"`
}

type DecisionRequest struct {
	Decision sweeperv1.Decision `json:"decision"`
	Actor    string             `json:"actor"`
	Comment  string             `json:"comment,omitempty"`
}

type CancelRequest struct {
	Actor string `json:"actor"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// Approval carries the earlier decision when a second one is refused.
	Approval *sweeperv1.ApprovalRecord `json:"approval,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !s.decode(w, r, &req) {
		return
	}

	run, err := s.orch.Trigger(r.Context(), pipeline.TriggerRequest{
		Actor:  actor(r, req.Actor),
		Origin: pipeline.OriginManual,
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleSourceHook(w http.ResponseWriter, r *http.Request) {
	_, err := s.orch.Trigger(r.Context(), pipeline.TriggerRequest{
		Actor:  r.Header.Get(ActorHeader),
		Origin: pipeline.OriginSourceChange,
	})
	if err == nil {
		// the orchestrator accepts manual triggers only
		err = pipeline.ErrAutomaticTrigger
	}

	s.writeError(w, r, err, nil)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if phase := r.URL.Query().Get("phase"); phase != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if string(run.Phase) == phase {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	if runs == nil {
		runs = []*sweeperv1.PipelineRun{}
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.runs.GetRun(r.Context(), runID); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	events, err := s.runs.ListAudit(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if events == nil {
		events = []sweeperv1.AuditEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

// handleAuditLog returns every recorded event, including those of runs removed from history.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	events, err := s.runs.ListAudit(r.Context(), "")
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if events == nil {
		events = []sweeperv1.AuditEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.approvals.Pending())
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec, err := s.orch.Decide(r.Context(), chi.URLParam(r, "runID"), req.Decision, actor(r, req.Actor), req.Comment)
	if err != nil {
		var prev *sweeperv1.ApprovalRecord
		if errors.Is(err, gate.ErrAlreadyDecided) && rec.Decision != "" {
			prev = &rec
		}
		s.writeError(w, r, err, prev)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !s.decode(w, r, &req) {
		return
	}

	who := actor(r, req.Actor)
	if who == "" {
		s.writeError(w, r, pipeline.ErrActorRequired, nil)
		return
	}

	run, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "runID"), who)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// decode reads an optional JSON body into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, prev *sweeperv1.ApprovalRecord) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(err, "Request failed", "method", r.Method, "path", r.URL.Path)
	}

	writeJSON(w, code, ErrorResponse{Error: err.Error(), Approval: prev})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrAutomaticTrigger):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gate.ErrAlreadyDecided),
		errors.Is(err, gate.ErrNoPendingApproval),
		errors.Is(err, pipeline.ErrTerminal),
		errors.Is(err, pipeline.ErrNotExecuting):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrActorRequired),
		errors.Is(err, gate.ErrActorRequired),
		errors.Is(err, gate.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

// actor is the authenticated caller when there is one, otherwise the actor the request names.
func actor(r *http.Request, fromBody string) string {
	if who, ok := authenticated(r.Context()); ok {
		return who
	}
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get(ActorHeader)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

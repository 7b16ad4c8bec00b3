package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/lexwire/internal/policy"
	"github.com/ent0n29/lexwire/internal/tasks"
)

// notifyRequest is a tool push for a session. cancel_pending_processing is
// accepted as an alias of urgent.
type notifyRequest struct {
	Message                 string          `json:"message"`
	UserID                  string          `json:"user_id"`
	TenantID                string          `json:"tenant_id"`
	Urgent                  bool            `json:"urgent"`
	CancelPendingProcessing bool            `json:"cancel_pending_processing"`
	Data                    json.RawMessage `json:"data,omitempty"`
	ForceAgent              string          `json:"force_agent"`
	ActionSuggestions       map[string]any  `json:"action_suggestions"`
}

type notifyResponse struct {
	SessionID string          `json:"session_id"`
	Class     policy.Class    `json:"class"`
	Decision  policy.Decision `json:"decision"`
	Task      *tasks.Task     `json:"task,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && len(req.ActionSuggestions) == 0 && len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "message, data or action_suggestions is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = sess.UserID
	}
	if strings.TrimSpace(req.TenantID) == "" {
		req.TenantID = sess.TenantID
	}

	class := policy.Classify(policy.SourceTool, req.Urgent || req.CancelPendingProcessing)
	task, decision, err := s.tasks.Dispatch(r.Context(), sessionID, tasks.Command{
		Class:             class,
		Source:            policy.SourceTool,
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		Query:             req.Message,
		Data:              req.Data,
		ForceAgent:        req.ForceAgent,
		ActionSuggestions: req.ActionSuggestions,
	})
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrRejected):
			respondError(w, http.StatusConflict, "task_in_progress", err.Error())
		case errors.Is(err, tasks.ErrShuttingDown):
			respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
		}
		return
	}
	s.metrics.ObserveWSMessage("inbound", string(class))

	out := notifyResponse{SessionID: sessionID, Class: class, Decision: decision}
	if task.ID != "" {
		out.Task = &task
	}
	respondJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleCancelSessionTask(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := tasks.ReasonAPI
	if v := strings.TrimSpace(req.Reason); v != "" {
		reason = v
	}

	task, err := s.tasks.CancelSession(sessionID, reason)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) || errors.Is(err, tasks.ErrAlreadyTerminal) {
			respondError(w, http.StatusNotFound, "no_active_task", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListSessionTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"tasks":      s.tasks.ListBySession(sessionID, limit),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, err := s.tasks.Get(taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

package rest

import (
	"net/http"
	"time"

	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/service"
)

// enforceRequest is the body of POST /api/v1/enforce.
type enforceRequest struct {
	ToolName  string         `json:"tool_name"`
	ToolArgs  map[string]any `json:"tool_args"`
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	UserID    string         `json:"user_id"`
	Metadata  map[string]any `json:"metadata"`
	Context   map[string]any `json:"context"`
}

// enforceResponse reports the decision for one tool call. Denials and
// approval requirements are normal responses, not errors.
type enforceResponse struct {
	SessionID     string    `json:"session_id"`
	Decision      string    `json:"decision"`
	RuleName      string    `json:"rule_name,omitempty"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	LogID         string    `json:"log_id"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	var req enforceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	entry, err := s.svcs.Enforcement.Enforce(r.Context(), service.EnforceRequest{
		ToolName:  req.ToolName,
		ToolArgs:  req.ToolArgs,
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		Metadata:  req.Metadata,
		Context:   req.Context,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.metrics.DecisionsTotal.WithLabelValues(entry.Decision).Inc()

	writeJSON(w, http.StatusOK, enforceResponse{
		SessionID:     entry.SessionID,
		Decision:      entry.Decision,
		RuleName:      entry.RuleName,
		Reason:        entry.Reason,
		PolicyVersion: entry.PolicyVersion,
		LogID:         entry.ID,
		Timestamp:     entry.Timestamp,
	})
}

// resultRequest is the body of POST /api/v1/enforce/{session_id}/result.
type resultRequest struct {
	Status       string         `json:"status"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
	DurationMS   int64          `json:"execution_duration_ms"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	logID := r.URL.Query().Get("log_id")
	if logID == "" {
		writeError(w, r, KindValidation, "log_id query parameter is required")
		return
	}

	var req resultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	_, err := s.svcs.Enforcement.UpdateResult(r.Context(), sessionID, logID, audit.Outcome{
		Status:       audit.Status(req.Status),
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
		DurationMS:   req.DurationMS,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "log_id": logID})
}

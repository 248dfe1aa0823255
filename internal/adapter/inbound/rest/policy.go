package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/runlok/runlok/internal/domain/policy"
)

func (s *Server) handlePolicyCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svcs.Policies.CurrentInfo())
}

// policyTestResponse echoes the dry-run inputs alongside the decision.
type policyTestResponse struct {
	ToolName       string          `json:"tool_name"`
	ToolArgs       map[string]any  `json:"tool_args"`
	SessionContext map[string]any  `json:"session_context"`
	Decision       policy.Decision `json:"decision"`
}

func (s *Server) handlePolicyTest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	toolName := q.Get("tool_name")
	if toolName == "" {
		writeError(w, r, KindValidation, "tool_name query parameter is required")
		return
	}

	toolArgs, err := parseJSONParam(q.Get("tool_args"))
	if err != nil {
		writeError(w, r, KindValidation, "invalid JSON in tool_args")
		return
	}
	sessionContext, err := parseJSONParam(q.Get("session_context"))
	if err != nil {
		writeError(w, r, KindValidation, "invalid JSON in session_context")
		return
	}

	decision := s.svcs.Policies.Test(policy.CallInput{
		ToolName: toolName,
		ToolArgs: toolArgs,
		Context:  sessionContext,
	})

	writeJSON(w, http.StatusOK, policyTestResponse{
		ToolName:       toolName,
		ToolArgs:       toolArgs,
		SessionContext: sessionContext,
		Decision:       decision,
	})
}

// parseJSONParam decodes an optional JSON-object query parameter.
func parseJSONParam(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// policyValidateRequest is the body of POST /api/v1/policy/validate.
type policyValidateRequest struct {
	PolicyContent string `json:"policy_content"`
	Description   string `json:"description"`
}

// policyValidateResponse reports validation findings without touching
// storage.
type policyValidateResponse struct {
	IsValid    bool     `json:"is_valid"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings,omitempty"`
	RulesCount int      `json:"rules_count"`
	Version    string   `json:"version,omitempty"`
}

func (s *Server) handlePolicyValidate(w http.ResponseWriter, r *http.Request) {
	var req policyValidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	res := s.svcs.Policies.Validate(req.PolicyContent)

	errs := res.Errors()
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, policyValidateResponse{
		IsValid:    res.OK,
		Errors:     errs,
		Warnings:   res.Warnings(),
		RulesCount: res.RulesCount,
		Version:    res.Version,
	})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.svcs.Policies.Reload(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "reloaded",
		"old_version": res.OldVersion,
		"new_version": res.NewVersion,
		"rules_count": res.RulesCount,
	})
}

// policyCreateRequest is the body of POST /api/v1/policy/create. Version
// overrides the document's own label when set.
type policyCreateRequest struct {
	PolicyContent string `json:"policy_content"`
	Version       string `json:"version"`
	Description   string `json:"description"`
	Activate      bool   `json:"activate"`
}

// policyCreateResponse reports a stored version. Validation failures do
// not reach this shape; they are 400 responses with the issue list in
// the error details.
type policyCreateResponse struct {
	Success          bool     `json:"success"`
	PolicyID         string   `json:"policy_id"`
	Version          string   `json:"version"`
	Activated        bool     `json:"activated"`
	Message          string   `json:"message"`
	ValidationErrors []string `json:"validation_errors"`
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req policyCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	res, err := s.svcs.Policies.Create(r.Context(), req.PolicyContent, req.Version, req.Description, req.Activate)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	message := "policy version created"
	if res.Activated {
		message = "policy version created and activated"
	}
	writeJSON(w, http.StatusOK, policyCreateResponse{
		Success:          true,
		PolicyID:         res.PolicyID,
		Version:          res.Label,
		Activated:        res.Activated,
		Message:          message,
		ValidationErrors: []string{},
	})
}

// policyVersionResponse is one stored version in the listing. Source is
// deliberately omitted; the listing is an inventory, not an export.
type policyVersionResponse struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	PolicyHash  string    `json:"policy_hash"`
}

func (s *Server) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svcs.Policies.Versions(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make([]policyVersionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, policyVersionResponse{
			ID:          v.ID,
			Version:     v.Label,
			CreatedAt:   v.CreatedAt,
			Description: v.Description,
			IsActive:    v.Active,
			PolicyHash:  v.Fingerprint,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

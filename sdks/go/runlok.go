// Package runlok provides the Go client for the Runlok enforcement API.
//
// Runlok is a policy decision point for AI agent tool calls: agents ask
// before running a tool, Runlok answers allow, deny, or approve, and
// appends the decision to a tamper-evident audit log. This client uses
// only the Go standard library with zero external dependencies.
//
// Quick start:
//
//	// Set TAME_API_URL and TAME_API_KEY env vars, then:
//	client := runlok.NewClient()
//
//	dec, err := client.Enforce(ctx, runlok.EnforceRequest{
//	    ToolName: "read_file",
//	    ToolArgs: map[string]any{"path": "/tmp/notes.txt"},
//	})
//	if err != nil {
//	    var denied *runlok.PolicyDeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("denied by rule %s: %s\n", denied.Decision.RuleName, denied.Decision.Reason)
//	    }
//	    return err
//	}
//
//	// ... run the tool ...
//
//	_ = client.UpdateResult(ctx, dec.SessionID, dec.LogID, runlok.Outcome{
//	    Status: runlok.StatusSuccess,
//	})
package runlok

import "time"

// Version is the SDK version reported in the User-Agent header.
const Version = "0.9.0"

// Action is the verdict of a policy decision.
type Action string

const (
	// ActionAllow indicates the tool call is permitted.
	ActionAllow Action = "allow"

	// ActionDeny indicates the tool call is denied by policy.
	ActionDeny Action = "deny"

	// ActionApprove indicates the tool call needs human approval before
	// it may run.
	ActionApprove Action = "approve"
)

// Outcome statuses accepted by UpdateResult.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// EnforceRequest describes one tool call to be checked against policy.
// SessionID, AgentID, and UserID fall back to the client defaults when
// empty.
type EnforceRequest struct {
	// ToolName is the tool the agent wants to run. Required.
	ToolName string `json:"tool_name"`

	// ToolArgs are the arguments the tool would be called with.
	ToolArgs map[string]any `json:"tool_args,omitempty"`

	// SessionID groups calls into one audit chain.
	SessionID string `json:"session_id,omitempty"`

	// AgentID identifies the calling agent.
	AgentID string `json:"agent_id,omitempty"`

	// UserID identifies the human principal the agent acts for.
	UserID string `json:"user_id,omitempty"`

	// Metadata is recorded alongside the audit entry.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Context is extra session context visible to policy conditions.
	Context map[string]any `json:"context,omitempty"`
}

// Decision is the server's answer for one enforced tool call.
type Decision struct {
	// SessionID is the session the decision was recorded under.
	SessionID string `json:"session_id"`

	// Action is the verdict: allow, deny, or approve.
	Action Action `json:"decision"`

	// RuleName names the policy rule that matched, empty when the
	// policy default applied.
	RuleName string `json:"rule_name,omitempty"`

	// Reason is the human-readable justification for the verdict.
	Reason string `json:"reason"`

	// PolicyVersion is the policy version evaluated against.
	PolicyVersion string `json:"policy_version"`

	// LogID identifies the audit entry; pass it to UpdateResult after
	// running the tool.
	LogID string `json:"log_id"`

	// Timestamp is when the decision was recorded.
	Timestamp time.Time `json:"timestamp"`

	// ToolName and ToolArgs echo the enforced call. They are filled by
	// the client, not sent by the server.
	ToolName string         `json:"-"`
	ToolArgs map[string]any `json:"-"`
}

// Allowed reports whether the call may run.
func (d *Decision) Allowed() bool { return d.Action == ActionAllow }

// Denied reports whether the call was denied.
func (d *Decision) Denied() bool { return d.Action == ActionDeny }

// RequiresApproval reports whether the call needs human approval.
func (d *Decision) RequiresApproval() bool { return d.Action == ActionApprove }

// Outcome seals an audit entry with the result of running the tool.
type Outcome struct {
	// Status is "success" or "error". Required.
	Status string `json:"status"`

	// Result is an optional structured result payload.
	Result map[string]any `json:"result,omitempty"`

	// ErrorMessage describes the failure when Status is "error".
	ErrorMessage string `json:"error_message,omitempty"`

	// DurationMS is how long the tool ran, in milliseconds.
	DurationMS int64 `json:"execution_duration_ms,omitempty"`
}

// ServerStatus is the server's health report.
type ServerStatus struct {
	// Status is "healthy" or "unhealthy".
	Status string `json:"status"`

	// Checks holds per-component detail keyed by component name.
	Checks map[string]string `json:"checks"`

	// Version is the server version.
	Version string `json:"version,omitempty"`
}

// Healthy reports whether every component check passed.
func (s *ServerStatus) Healthy() bool { return s.Status == "healthy" }

// PolicyInfo describes the policy version currently enforced.
type PolicyInfo struct {
	Version    string `json:"version"`
	Hash       string `json:"hash"`
	RulesCount int    `json:"rules_count"`
	Rules      []Rule `json:"rules"`
}

// Rule is one policy rule as reported by the server. Conditions stays
// schema-loose so new condition types don't break older clients.
type Rule struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tools       []string       `json:"tools"`
	Conditions  map[string]any `json:"conditions,omitempty"`
	Action      Action         `json:"action"`
	Reason      string         `json:"reason,omitempty"`
}

// TestResult is a dry-run policy check. Nothing is logged server-side.
type TestResult struct {
	ToolName       string         `json:"tool_name"`
	ToolArgs       map[string]any `json:"tool_args"`
	SessionContext map[string]any `json:"session_context"`
	Decision       TestDecision   `json:"decision"`
}

// TestDecision is the verdict part of a dry-run check.
type TestDecision struct {
	Action        Action `json:"action"`
	RuleName      string `json:"rule_name,omitempty"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
}

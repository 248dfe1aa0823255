// Package audit defines the append-only, hash-chained log of policy
// decisions and their outcomes.
package audit

import (
	"strings"
	"time"
)

// Decision values recorded on entries. They mirror the policy actions as
// stored strings so the log stays readable without the policy package.
const (
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
	DecisionApprove = "approve"
)

// Status is the outcome state of a log entry.
type Status string

const (
	// StatusPending marks an entry whose outcome has not been reported.
	StatusPending Status = "pending"
	// StatusSuccess marks an entry whose tool call completed.
	StatusSuccess Status = "success"
	// StatusError marks an entry whose tool call failed.
	StatusError Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusError:
		return true
	}
	return false
}

// Sealed reports whether s is a terminal status.
func (s Status) Sealed() bool {
	return s == StatusSuccess || s == StatusError
}

// Entry is one row of the audit trail: one enforce call and, eventually,
// its outcome. Decision-time fields are frozen at creation and committed
// to the hash chain; only the outcome fields (Status, Result,
// ErrorMessage, DurationMS) transition, exactly once, from their initial
// values.
type Entry struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Index         int64          `json:"index"`
	Timestamp     time.Time      `json:"timestamp"`
	ToolName      string         `json:"tool_name"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	PolicyVersion string         `json:"policy_version"`
	Decision      string         `json:"decision"`
	RuleName      string         `json:"rule_name,omitempty"`
	Reason        string         `json:"reason"`
	Status        Status         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	DurationMS    int64          `json:"execution_duration_ms,omitempty"`
	PrevHash      string         `json:"prev_hash"`
	OwnHash       string         `json:"own_hash"`
}

// Clone returns a deep-enough copy for handing entries across goroutine
// boundaries: the arg and result maps are copied one level deep.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.ToolArgs != nil {
		c.ToolArgs = make(map[string]any, len(e.ToolArgs))
		for k, v := range e.ToolArgs {
			c.ToolArgs[k] = v
		}
	}
	if e.Result != nil {
		c.Result = make(map[string]any, len(e.Result))
		for k, v := range e.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// Outcome is the caller-reported result sealed onto a pending entry.
type Outcome struct {
	Status       Status
	Result       map[string]any
	ErrorMessage string
	DurationMS   int64
}

// SessionSummary aggregates one session's decision counts for listings.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	TotalCalls    int64     `json:"total_calls"`
	AllowedCalls  int64     `json:"allowed_calls"`
	DeniedCalls   int64     `json:"denied_calls"`
	ApprovedCalls int64     `json:"approved_calls"`
	AgentID       string    `json:"agent_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Archived      bool      `json:"archived"`
}

// Filter selects entries for range queries, exports, and verification.
// Zero times mean unbounded; empty strings mean no restriction.
type Filter struct {
	SessionID       string
	AgentID         string
	UserID          string
	IncludeArchived bool
	Start           time.Time
	End             time.Time
}

// Page is 1-based pagination. A zero value means the first page with the
// default size.
type Page struct {
	Number int
	Size   int
}

// DefaultPageSize bounds queries that do not ask for an explicit size.
const DefaultPageSize = 50

// MaxPageSize caps caller-supplied page sizes.
const MaxPageSize = 500

// Limit returns the effective page size.
func (p Page) Limit() int {
	switch {
	case p.Size <= 0:
		return DefaultPageSize
	case p.Size > MaxPageSize:
		return MaxPageSize
	default:
		return p.Size
	}
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Limit()
}

// Violation kinds reported by chain verification.
const (
	ViolationHashMismatch = "hash_mismatch"
	ViolationChainBreak   = "chain_break"
	ViolationIndexGap     = "index_gap"
)

// Violation is one integrity failure found by Verify.
type Violation struct {
	SessionID string `json:"session_id"`
	EntryID   string `json:"log_id"`
	Index     int64  `json:"index"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}

// VerifyResult is the outcome of recomputing a chain slice.
type VerifyResult struct {
	EntriesChecked int64       `json:"total_entries_verified"`
	Violations     []Violation `json:"violations"`
	ChainIntact    bool        `json:"chain_intact"`
	VerifiedAt     time.Time   `json:"verification_timestamp"`
}

// Export formats accepted by the export endpoints.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// sensitiveKeywords lists substrings that mark an argument key as
// sensitive. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with sensitive values masked
// as "***REDACTED***". Nested maps are walked recursively. Redaction runs
// before hashing, so redacted entries still verify.
func RedactSensitiveArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]any, len(args))
	for k, v := range args {
		switch {
		case isSensitiveKey(k):
			redacted[k] = "***REDACTED***"
		default:
			if nested, ok := v.(map[string]any); ok {
				redacted[k] = RedactSensitiveArgs(nested)
			} else {
				redacted[k] = v
			}
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

package runlok

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrPolicyDenied is returned when enforcement results in a deny
	// decision and raise-on-deny is enabled.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrApprovalRequired is returned when enforcement requires human
	// approval and raise-on-approve is enabled.
	ErrApprovalRequired = errors.New("approval required")
)

// PolicyDeniedError is returned by Enforce when the call is denied. It
// carries the full decision so callers can report the rule and reason.
type PolicyDeniedError struct {
	Decision *Decision
}

// Error returns a human-readable description of the denial.
func (e *PolicyDeniedError) Error() string {
	if e.Decision == nil {
		return "policy denied"
	}
	if e.Decision.RuleName != "" {
		return fmt.Sprintf("policy denied by rule %q: %s", e.Decision.RuleName, e.Decision.Reason)
	}
	return "policy denied: " + e.Decision.Reason
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrPolicyDenied).
func (e *PolicyDeniedError) Is(target error) bool {
	return target == ErrPolicyDenied
}

// ApprovalRequiredError is returned by Enforce when the call needs
// human approval before it may run.
type ApprovalRequiredError struct {
	Decision *Decision
}

// Error returns a human-readable description of the approval requirement.
func (e *ApprovalRequiredError) Error() string {
	if e.Decision == nil {
		return "approval required"
	}
	if e.Decision.RuleName != "" {
		return fmt.Sprintf("approval required by rule %q: %s", e.Decision.RuleName, e.Decision.Reason)
	}
	return "approval required: " + e.Decision.Reason
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrApprovalRequired).
func (e *ApprovalRequiredError) Is(target error) bool {
	return target == ErrApprovalRequired
}

// APIError is a non-2xx response from the server, carrying the error
// envelope fields when the body had one.
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// Kind is the server's error kind: VALIDATION, UNAUTHENTICATED,
	// NOT_FOUND, CONFLICT, RATE_LIMITED, or SERVER. Empty when the
	// response was not a Runlok error envelope.
	Kind string

	// Message is the server's error message, or the raw body when the
	// response was not an envelope.
	Message string

	// RequestID correlates the failure with server logs.
	RequestID string
}

// Error returns a human-readable description of the API failure.
func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("runlok api [%s]: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("runlok api: %s (status %d)", e.Message, e.StatusCode)
}

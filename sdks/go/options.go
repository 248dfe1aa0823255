package runlok

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL sets the Runlok server base URL.
// If not set, defaults to the TAME_API_URL environment variable or
// "http://localhost:8463".
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithAPIKey sets the bearer token for authenticating with the server.
// If not set, defaults to the TAME_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithSessionID sets the default session for enforced calls.
// If not set, defaults to the TAME_SESSION_ID environment variable, or
// a freshly generated random id.
func WithSessionID(id string) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithAgentID sets the default agent identity for enforced calls.
// If not set, defaults to the TAME_AGENT_ID environment variable.
func WithAgentID(id string) Option {
	return func(c *Client) {
		c.agentID = id
	}
}

// WithUserID sets the default user identity for enforced calls.
// If not set, defaults to the TAME_USER_ID environment variable.
func WithUserID(id string) Option {
	return func(c *Client) {
		c.userID = id
	}
}

// WithTimeout sets the HTTP request timeout. Ignored when a custom
// http.Client is supplied. If not set, defaults to the TAME_TIMEOUT
// environment variable or 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// Useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBypassMode short-circuits Enforce to a local allow without
// contacting the server. Development escape hatch only; nothing is
// audited. If not set, defaults to the TAME_BYPASS_MODE environment
// variable.
func WithBypassMode(enabled bool) Option {
	return func(c *Client) {
		c.bypassMode = enabled
	}
}

// WithRaiseOnDeny controls whether Enforce returns a *PolicyDeniedError
// on deny decisions (default true). When off, denials are normal
// responses and the caller inspects Decision.Action.
func WithRaiseOnDeny(raise bool) Option {
	return func(c *Client) {
		c.raiseOnDeny = raise
	}
}

// WithRaiseOnApprove controls whether Enforce returns an
// *ApprovalRequiredError on approve decisions (default true).
func WithRaiseOnApprove(raise bool) Option {
	return func(c *Client) {
		c.raiseOnApprove = raise
	}
}

// WithLogger sets the logger for client diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

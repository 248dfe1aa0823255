package runlok

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const userAgent = "runlok-sdk-go/" + Version

// Client talks to the Runlok enforcement API. It is safe for concurrent
// use.
type Client struct {
	baseURL        string
	apiKey         string
	sessionID      string
	agentID        string
	userID         string
	timeout        time.Duration
	httpClient     *http.Client
	bypassMode     bool
	raiseOnDeny    bool
	raiseOnApprove bool
	logger         *slog.Logger
}

// NewClient creates a Runlok client. Configuration is read from TAME_*
// environment variables by default; options override the defaults. When
// no session id is configured a random one is generated, so all calls
// from one client land in one audit chain.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:        envOrDefault("TAME_API_URL", "http://localhost:8463"),
		apiKey:         os.Getenv("TAME_API_KEY"),
		sessionID:      os.Getenv("TAME_SESSION_ID"),
		agentID:        os.Getenv("TAME_AGENT_ID"),
		userID:         os.Getenv("TAME_USER_ID"),
		timeout:        parseDurationEnv("TAME_TIMEOUT", 30*time.Second),
		bypassMode:     parseBoolEnv("TAME_BYPASS_MODE", false),
		raiseOnDeny:    parseBoolEnv("TAME_RAISE_ON_DENY", true),
		raiseOnApprove: parseBoolEnv("TAME_RAISE_ON_APPROVE", true),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.baseURL = strings.TrimRight(c.baseURL, "/")
	if c.sessionID == "" {
		c.sessionID = newSessionID()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	return c
}

// SessionID returns the session id enforced calls default to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Enforce checks one tool call against policy and records the decision.
// Deny decisions return a *PolicyDeniedError and approve decisions an
// *ApprovalRequiredError unless the corresponding raise option is off,
// in which case the Decision is returned normally.
//
// In bypass mode the call never reaches the server: an allow decision
// with rule "bypass_mode" is fabricated locally.
func (c *Client) Enforce(ctx context.Context, req EnforceRequest) (*Decision, error) {
	if req.ToolName == "" {
		return nil, fmt.Errorf("tool_name is required")
	}
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}
	if req.UserID == "" {
		req.UserID = c.userID
	}

	if c.bypassMode {
		c.logger.Warn("bypass mode enabled, skipping policy enforcement",
			"tool_name", req.ToolName,
			"session_id", req.SessionID,
		)
		return &Decision{
			SessionID:     req.SessionID,
			Action:        ActionAllow,
			RuleName:      "bypass_mode",
			Reason:        "Policy enforcement bypassed",
			PolicyVersion: "bypass",
			LogID:         fmt.Sprintf("bypass-%d", time.Now().UnixMilli()),
			Timestamp:     time.Now(),
			ToolName:      req.ToolName,
			ToolArgs:      req.ToolArgs,
		}, nil
	}

	var dec Decision
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/enforce", nil, req, &dec); err != nil {
		return nil, err
	}
	dec.ToolName = req.ToolName
	dec.ToolArgs = req.ToolArgs

	switch {
	case dec.Action == ActionDeny && c.raiseOnDeny:
		return nil, &PolicyDeniedError{Decision: &dec}
	case dec.Action == ActionApprove && c.raiseOnApprove:
		return nil, &ApprovalRequiredError{Decision: &dec}
	}
	return &dec, nil
}

// UpdateResult seals the audit entry for an enforced call with its
// outcome. sessionID falls back to the client default when empty.
// Bypass-mode log ids were never sent to the server, so sealing them is
// a no-op.
func (c *Client) UpdateResult(ctx context.Context, sessionID, logID string, outcome Outcome) error {
	if logID == "" {
		return fmt.Errorf("log_id is required")
	}
	if strings.HasPrefix(logID, "bypass-") {
		return nil
	}
	if sessionID == "" {
		sessionID = c.sessionID
	}

	path := "/api/v1/enforce/" + url.PathEscape(sessionID) + "/result"
	query := url.Values{"log_id": {logID}}
	return c.doRequest(ctx, http.MethodPost, path, query, outcome, nil)
}

// Status fetches the server health report. An unhealthy server answers
// 503 with the same body shape, which is still a valid report, not an
// error.
func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, apiErrorFrom(status, body)
	}

	var st ServerStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &st, nil
}

// CurrentPolicy fetches the policy version currently enforced.
func (c *Client) CurrentPolicy(ctx context.Context) (*PolicyInfo, error) {
	var info PolicyInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/policy/current", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// TestPolicy dry-runs a tool call against the current policy. Nothing
// is audited and no session is touched.
func (c *Client) TestPolicy(ctx context.Context, toolName string, toolArgs, sessionContext map[string]any) (*TestResult, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool_name is required")
	}

	query := url.Values{"tool_name": {toolName}}
	if len(toolArgs) > 0 {
		raw, err := json.Marshal(toolArgs)
		if err != nil {
			return nil, fmt.Errorf("encode tool_args: %w", err)
		}
		query.Set("tool_args", string(raw))
	}
	if len(sessionContext) > 0 {
		raw, err := json.Marshal(sessionContext)
		if err != nil {
			return nil, fmt.Errorf("encode session_context: %w", err)
		}
		query.Set("session_context", string(raw))
	}

	var res TestResult
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/policy/test", query, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// doRequest performs a request and decodes a 2xx response into result.
// Non-2xx responses become *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, result any) error {
	status, data, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return apiErrorFrom(status, data)
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do performs an HTTP request and returns the status code and raw body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("contact runlok at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// errorEnvelope is the server's non-2xx body shape.
type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// apiErrorFrom builds an *APIError from a non-2xx response, falling
// back to the raw body when it isn't a Runlok error envelope.
func apiErrorFrom(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Kind != "" {
		return &APIError{
			StatusCode: status,
			Kind:       env.Error.Kind,
			Message:    env.Error.Message,
			RequestID:  env.RequestID,
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}

// newSessionID generates a 16-byte random hex session id, the same
// format the server generates when a request names no session.
func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// A broken platform RNG should not crash a client library;
		// fall back to a time-based id.
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseBoolEnv(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return defaultVal
}

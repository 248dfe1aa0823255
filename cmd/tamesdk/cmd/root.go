// Package cmd provides the CLI commands for the tamesdk client.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	runlok "github.com/runlok/sdk-go"
	"github.com/spf13/cobra"
)

// ANSI escape codes for human-readable output. JSON output never
// carries them.
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
)

// Process exit codes for policy decisions. Scripts can branch on the
// outcome of "tamesdk enforce" and "tamesdk test" without parsing output.
const (
	exitDeny    = 2
	exitApprove = 3
)

var (
	apiURL     string
	apiKey     string
	sessionID  string
	agentID    string
	userID     string
	reqTimeout time.Duration
	bypass     bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "tamesdk",
	Short: "Ask Runlok for policy decisions from the command line",
	Long: `tamesdk is the client CLI for a Runlok policy server.

It asks the server whether a tool call is allowed, records real
enforcement decisions in the audit log, and inspects the active policy.

Examples:
  tamesdk status
  tamesdk test read_file --args '{"path": "/tmp/notes.txt"}'
  tamesdk enforce --tool delete_file --args 'path=/etc/passwd'
  tamesdk policy
  tamesdk interactive

Exit codes: 0 allow, 1 error, 2 deny, 3 approval required.

Configuration:
  The server address and credentials come from flags or the TAME_API_URL,
  TAME_API_KEY, TAME_SESSION_ID, TAME_AGENT_ID, TAME_USER_ID and
  TAME_BYPASS_MODE environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError carries a non-default process exit code through cobra's
// error return. Execute unwraps it; the message is never printed.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", ansiRed, ansiReset, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&apiURL, "api-url", "", "Runlok server URL (default: TAME_API_URL or http://localhost:8463)")
	pf.StringVar(&apiKey, "api-key", "", "API token (default: TAME_API_KEY)")
	pf.StringVar(&sessionID, "session", "", "session ID (default: TAME_SESSION_ID or generated)")
	pf.StringVar(&agentID, "agent", "", "agent ID (default: TAME_AGENT_ID)")
	pf.StringVar(&userID, "user", "", "user ID (default: TAME_USER_ID)")
	pf.DurationVar(&reqTimeout, "timeout", 0, "request timeout (default: TAME_TIMEOUT or 30s)")
	pf.BoolVar(&bypass, "bypass", false, "client-side bypass: allow everything without contacting the server")
	pf.BoolVar(&jsonOut, "json", false, "print raw JSON instead of formatted output")
}

// newClient builds an SDK client from the persistent flags. Unset flags
// fall through to the TAME_* environment defaults the SDK reads on its
// own. Denials and approvals come back as decisions, not errors, so the
// commands can print them and pick the exit code.
func newClient() *runlok.Client {
	opts := []runlok.Option{
		runlok.WithRaiseOnDeny(false),
		runlok.WithRaiseOnApprove(false),
		runlok.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if apiURL != "" {
		opts = append(opts, runlok.WithBaseURL(apiURL))
	}
	if apiKey != "" {
		opts = append(opts, runlok.WithAPIKey(apiKey))
	}
	if sessionID != "" {
		opts = append(opts, runlok.WithSessionID(sessionID))
	}
	if agentID != "" {
		opts = append(opts, runlok.WithAgentID(agentID))
	}
	if userID != "" {
		opts = append(opts, runlok.WithUserID(userID))
	}
	if reqTimeout > 0 {
		opts = append(opts, runlok.WithTimeout(reqTimeout))
	}
	if bypass {
		opts = append(opts, runlok.WithBypassMode(true))
	}
	return runlok.NewClient(opts...)
}

// serverURL resolves the server base URL the same way the SDK does, for
// display and for the one endpoint the CLI calls directly.
func serverURL() string {
	if apiURL != "" {
		return strings.TrimRight(apiURL, "/")
	}
	if env := os.Getenv("TAME_API_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:8463"
}

// envAPIKey returns the API token from the environment when the flag is
// unset.
func envAPIKey() string {
	return os.Getenv("TAME_API_KEY")
}

// exitCodeFor maps a policy action to the process exit code contract:
// 0 allow, 2 deny, 3 approval required.
func exitCodeFor(action runlok.Action) int {
	switch action {
	case runlok.ActionDeny:
		return exitDeny
	case runlok.ActionApprove:
		return exitApprove
	default:
		return 0
	}
}

// colorAction renders a policy action in upper case with its color.
func colorAction(action runlok.Action) string {
	switch action {
	case runlok.ActionAllow:
		return ansiGreen + "ALLOW" + ansiReset
	case runlok.ActionDeny:
		return ansiRed + "DENY" + ansiReset
	case runlok.ActionApprove:
		return ansiYellow + "APPROVE" + ansiReset
	default:
		return strings.ToUpper(string(action))
	}
}

// parseToolArgs accepts tool arguments as a JSON object or as
// comma-separated key=value pairs.
func parseToolArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	if strings.HasPrefix(raw, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("invalid JSON in tool arguments: %w", err)
		}
		return m, nil
	}
	m := map[string]any{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid argument %q, want key=value or a JSON object", pair)
		}
		m[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return m, nil
}

// parseJSONObject parses an optional JSON object flag value.
func parseJSONObject(raw, flag string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON in --%s: %w", flag, err)
	}
	return m, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printDecision prints an enforcement decision in the aligned key/value
// layout shared by all human-readable commands.
func printDecision(dec *runlok.Decision) {
	fmt.Printf("  %-10s %s\n", "Decision:", colorAction(dec.Action))
	if dec.RuleName != "" {
		fmt.Printf("  %-10s %s\n", "Rule:", dec.RuleName)
	}
	fmt.Printf("  %-10s %s\n", "Reason:", dec.Reason)
	fmt.Printf("  %-10s %s\n", "Policy:", dec.PolicyVersion)
	fmt.Printf("  %-10s %s\n", "Log:", dec.LogID)
	fmt.Printf("  %-10s %s\n", "Session:", dec.SessionID)
}

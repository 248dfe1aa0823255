package rest

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/runlok/runlok/internal/domain/audit"
)

func TestHandleEnforce_Decisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		body         string
		wantDecision string
		wantRule     string
		wantReason   string
	}{
		{
			name:         "read of safe path allowed",
			body:         `{"tool_name":"read_file","tool_args":{"path":"/tmp/notes.txt"}}`,
			wantDecision: audit.DecisionAllow,
			wantRule:     "allow_reads",
		},
		{
			name:         "read of system path denied",
			body:         `{"tool_name":"read_file","tool_args":{"path":"/etc/passwd"}}`,
			wantDecision: audit.DecisionDeny,
			wantRule:     "block_system_paths",
			wantReason:   "System paths are off limits",
		},
		{
			name:         "push requires approval",
			body:         `{"tool_name":"git_push","tool_args":{"remote":"origin"}}`,
			wantDecision: audit.DecisionApprove,
			wantRule:     "approve_push",
			wantReason:   "Pushes require human approval",
		},
		{
			name:         "unmatched tool falls to default deny",
			body:         `{"tool_name":"launch_rocket"}`,
			wantDecision: audit.DecisionDeny,
			wantRule:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			got := env.enforceCall(tt.body)

			if got.Decision != tt.wantDecision {
				t.Errorf("decision = %q, want %q", got.Decision, tt.wantDecision)
			}
			if got.RuleName != tt.wantRule {
				t.Errorf("rule_name = %q, want %q", got.RuleName, tt.wantRule)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if got.SessionID == "" {
				t.Error("session_id should be minted when absent")
			}
			if got.LogID == "" {
				t.Error("log_id should not be empty")
			}
			if got.PolicyVersion != "1.0.0" {
				t.Errorf("policy_version = %q, want %q", got.PolicyVersion, "1.0.0")
			}
			if got.Timestamp.IsZero() {
				t.Error("timestamp should be set")
			}
		})
	}
}

func TestHandleEnforce_ReusesSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	first := env.enforceCall(`{"tool_name":"read_file","tool_args":{"path":"/tmp/a"}}`)
	second := env.enforceCall(fmt.Sprintf(
		`{"tool_name":"read_file","tool_args":{"path":"/tmp/b"},"session_id":%q}`, first.SessionID))

	if second.SessionID != first.SessionID {
		t.Fatalf("session_id = %q, want reuse of %q", second.SessionID, first.SessionID)
	}

	resp := env.do(http.MethodGet, "/api/v1/sessions/"+first.SessionID, "")
	wantStatus(t, resp, http.StatusOK)
	var entries []*audit.Entry
	decodeAs(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries in session, got %d", len(entries))
	}
	if entries[1].PrevHash != entries[0].OwnHash {
		t.Error("second entry should chain to the first")
	}
}

func TestHandleEnforce_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "missing tool_name", body: `{"tool_args":{"path":"/tmp/x"}}`},
		{name: "blank tool_name", body: `{"tool_name":"   "}`},
		{name: "invalid JSON", body: `{"tool_name":`},
		{name: "wrong field type", body: `{"tool_name":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			resp := env.do(http.MethodPost, "/api/v1/enforce", tt.body)
			wantErrorKind(t, resp, http.StatusBadRequest, KindValidation)
		})
	}
}

func TestHandleResult_SealsEntry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	dec := env.enforceCall(`{"tool_name":"read_file","tool_args":{"path":"/tmp/a"}}`)

	target := fmt.Sprintf("/api/v1/enforce/%s/result?log_id=%s", dec.SessionID, dec.LogID)
	resp := env.do(http.MethodPost, target,
		`{"status":"success","result":{"bytes":120},"execution_duration_ms":42}`)
	wantStatus(t, resp, http.StatusOK)

	var out map[string]string
	decodeAs(t, resp, &out)
	if out["status"] != "ok" {
		t.Errorf("status = %q, want %q", out["status"], "ok")
	}
	if out["log_id"] != dec.LogID {
		t.Errorf("log_id = %q, want %q", out["log_id"], dec.LogID)
	}

	sresp := env.do(http.MethodGet, "/api/v1/sessions/"+dec.SessionID, "")
	wantStatus(t, sresp, http.StatusOK)
	var entries []*audit.Entry
	decodeAs(t, sresp, &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Status != audit.StatusSuccess {
		t.Errorf("entry status = %q, want %q", entries[0].Status, audit.StatusSuccess)
	}
	if entries[0].DurationMS != 42 {
		t.Errorf("duration_ms = %d, want 42", entries[0].DurationMS)
	}
}

func TestHandleResult_Errors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	dec := env.enforceCall(`{"tool_name":"read_file","tool_args":{"path":"/tmp/a"}}`)
	sealed := fmt.Sprintf("/api/v1/enforce/%s/result?log_id=%s", dec.SessionID, dec.LogID)
	resp := env.do(http.MethodPost, sealed, `{"status":"success"}`)
	wantStatus(t, resp, http.StatusOK)

	tests := []struct {
		name       string
		target     string
		body       string
		wantStatus int
		wantKind   string
	}{
		{
			name:       "missing log_id parameter",
			target:     fmt.Sprintf("/api/v1/enforce/%s/result", dec.SessionID),
			body:       `{"status":"success"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   KindValidation,
		},
		{
			name:       "invalid outcome status",
			target:     sealed,
			body:       `{"status":"pending"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   KindValidation,
		},
		{
			name:       "unknown log id",
			target:     fmt.Sprintf("/api/v1/enforce/%s/result?log_id=log-ghost", dec.SessionID),
			body:       `{"status":"success"}`,
			wantStatus: http.StatusNotFound,
			wantKind:   KindNotFound,
		},
		{
			name:       "log id under another session",
			target:     fmt.Sprintf("/api/v1/enforce/other-session/result?log_id=%s", dec.LogID),
			body:       `{"status":"success"}`,
			wantStatus: http.StatusNotFound,
			wantKind:   KindNotFound,
		},
		{
			name:       "second seal conflicts",
			target:     sealed,
			body:       `{"status":"error","error_message":"late"}`,
			wantStatus: http.StatusConflict,
			wantKind:   KindConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := env.do(http.MethodPost, tt.target, tt.body)
			wantErrorKind(t, got, tt.wantStatus, tt.wantKind)
		})
	}
}

// Package integration provides end-to-end tests that run the full
// service stack: SQLite persistence, the policy, audit, enforcement,
// and compliance services, the REST server on a real listener, and the
// Go SDK client talking to it over HTTP.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/runlok/runlok/internal/adapter/inbound/rest"
	"github.com/runlok/runlok/internal/adapter/outbound/sqlite"
	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/service"

	runlok "github.com/runlok/sdk-go"
)

// timeLayout matches the fixed-width RFC3339 format the SQLite stores
// write, so tests can forge timestamps with raw SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// integrationPolicy is the policy every stack test starts from. The
// deny rule precedes the read allowance so sensitive paths lose even
// on read tools.
const integrationPolicy = `
version: "1.0.0"
description: "Integration test policy"
rules:
  - name: block_system_paths
    tools: ["*"]
    conditions:
      arg_contains:
        path: "/etc/|/sys/"
    action: deny
    reason: "System paths are off limits"
  - name: allow_reads
    tools: ["read_*"]
    action: allow
  - name: approve_push
    tools: ["git_push"]
    action: approve
    reason: "Pushes require human approval"
default_action: deny
`

// testLogger returns a logger that writes to stderr at error level
// (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stack is one fully wired deployment under test. db and policies are
// exposed for tests that tamper with storage or hold policy snapshots.
type stack struct {
	t  *testing.T
	ts *httptest.Server

	db       *sqlite.DB
	policies *service.PolicyService
}

// newStack boots the whole service stack against a throwaway SQLite
// database and serves it on a real HTTP listener.
func newStack(t *testing.T, opts ...rest.Option) *stack {
	t.Helper()
	logger := testLogger()
	ctx := context.Background()

	// 1. SQLite database in the test's temp dir.
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "runlok.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	entries := sqlite.NewAuditStore(db)
	sessions := sqlite.NewSessionStore(db)
	policyStore := sqlite.NewPolicyStore(db)

	// 2. Services over the SQLite stores, seeded with the test policy.
	policies, err := service.NewPolicyService(ctx, policyStore, logger)
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	t.Cleanup(policies.Stop)
	if _, err := policies.Create(ctx, integrationPolicy, "", "", true); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	audits := service.NewAuditService(entries, sessions, audit.NewSigner([]byte("integration-secret")), logger)
	notifier := service.NewNotifier(16, logger)
	enforce := service.NewEnforcementService(policies, audits, sessions, notifier, logger)
	compliance := service.NewComplianceService(audits, entries, sessions, logger)

	// 3. REST server on a live listener.
	srv := rest.NewServer(rest.Services{
		Enforcement: enforce,
		Policies:    policies,
		Audits:      audits,
		Compliance:  compliance,
		Notifier:    notifier,
	}, append([]rest.Option{
		rest.WithLogger(logger),
		rest.WithHealthChecker(rest.NewHealthChecker(policies, notifier, db, "")),
	}, opts...)...)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{
		t:        t,
		ts:       ts,
		db:       db,
		policies: policies,
	}
}

// client builds an SDK client against the stack's listener. Raise
// behavior is off so decisions come back as values; tests that need
// the raising path pass the options explicitly.
func (s *stack) client(opts ...runlok.Option) *runlok.Client {
	base := []runlok.Option{
		runlok.WithBaseURL(s.ts.URL),
		runlok.WithRaiseOnDeny(false),
		runlok.WithRaiseOnApprove(false),
		runlok.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return runlok.NewClient(append(base, opts...)...)
}

// get issues a GET against the stack and decodes the JSON body into
// out. Non-nil out with a non-2xx status fails the test.
func (s *stack) get(path string, out any) *http.Response {
	s.t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		s.t.Fatalf("GET %s: %v", path, err)
	}
	return s.decode(path, resp, out)
}

// post issues a POST with a JSON body and decodes the response.
func (s *stack) post(path string, body, out any) *http.Response {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body for %s: %v", path, err)
		}
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", &buf)
	if err != nil {
		s.t.Fatalf("POST %s: %v", path, err)
	}
	return s.decode(path, resp, out)
}

func (s *stack) decode(path string, resp *http.Response, out any) *http.Response {
	s.t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read %s response: %v", path, err)
	}
	if out != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			s.t.Fatalf("%s: status %d, body %s", path, resp.StatusCode, raw)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			s.t.Fatalf("decode %s response: %v (body %s)", path, err, raw)
		}
	}
	return resp
}

// errorEnvelope is the body every non-2xx API response carries.
type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// getError issues a GET expected to fail and returns the decoded
// error envelope.
func (s *stack) getError(path string, wantStatus int) errorEnvelope {
	s.t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		s.t.Fatalf("GET %s: %v", path, err)
	}
	return s.decodeError(path, resp, wantStatus)
}

// postError issues a POST expected to fail and returns the decoded
// error envelope.
func (s *stack) postError(path string, body any, wantStatus int) errorEnvelope {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body for %s: %v", path, err)
		}
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", &buf)
	if err != nil {
		s.t.Fatalf("POST %s: %v", path, err)
	}
	return s.decodeError(path, resp, wantStatus)
}

func (s *stack) decodeError(path string, resp *http.Response, wantStatus int) errorEnvelope {
	s.t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read %s response: %v", path, err)
	}
	if resp.StatusCode != wantStatus {
		s.t.Fatalf("%s: status %d, want %d (body %s)", path, resp.StatusCode, wantStatus, raw)
	}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.t.Fatalf("decode %s error envelope: %v (body %s)", path, err, raw)
	}
	if env.RequestID == "" {
		s.t.Errorf("%s: error envelope has no request_id", path)
	}
	return env
}

package integration

import (
	"testing"
	"time"

	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/service"
)

// backdateRetention rewrites a session's retention deadline with raw
// SQL so the sweep sees it as lapsed without waiting out the window.
func backdateRetention(t *testing.T, s *stack, sessionID string, ago time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-ago).Format(timeLayout)
	if _, err := s.db.Exec(`UPDATE sessions SET retention_until = ? WHERE id = ?`, past, sessionID); err != nil {
		t.Fatalf("backdate retention: %v", err)
	}
}

// TestRetention_ArchiveSweepDelete walks the whole retention path:
// archive a session over REST, watch it turn overdue, dry-run the
// sweep, then delete for real and confirm the session and its entries
// are gone while an unarchived session survives.
func TestRetention_ArchiveSweepDelete(t *testing.T) {
	s := newStack(t)

	seedSession(t, s, "sess-retire", "read_file", "read_dir")
	seedSession(t, s, "sess-keep", "read_file")

	// 1. Archive with a 30 day window.
	var archived struct {
		Status         string    `json:"status"`
		SessionID      string    `json:"session_id"`
		RetentionUntil time.Time `json:"retention_until"`
	}
	s.post("/api/v1/sessions/sess-retire/archive", map[string]any{
		"retention_days": 30,
		"archived_by":    "compliance-bot",
	}, &archived)
	if archived.Status != "archived" || archived.SessionID != "sess-retire" {
		t.Fatalf("archive response = %+v", archived)
	}
	if !archived.RetentionUntil.After(time.Now().Add(29 * 24 * time.Hour)) {
		t.Errorf("retention_until = %v, want about 30 days out", archived.RetentionUntil)
	}

	// 2. The schedule shows one upcoming deletion, nothing overdue.
	var status service.RetentionStatus
	s.get("/api/v1/compliance/retention/status", &status)
	if status.ArchivedSessions != 1 || status.UpcomingDeletions != 1 || status.OverdueDeletions != 0 {
		t.Fatalf("status = %+v, want 1 archived, 1 upcoming, 0 overdue", status)
	}
	if status.ComplianceStatus != "compliant" {
		t.Errorf("compliance_status = %q, want compliant", status.ComplianceStatus)
	}

	// 3. Let the window lapse.
	backdateRetention(t, s, "sess-retire", 48*time.Hour)

	s.get("/api/v1/compliance/retention/status", &status)
	if status.OverdueDeletions != 1 {
		t.Fatalf("overdue_deletions = %d after backdating, want 1", status.OverdueDeletions)
	}
	if status.ComplianceStatus != "non_compliant" {
		t.Errorf("compliance_status = %q, want non_compliant", status.ComplianceStatus)
	}

	// 4. The sweep defaults to a dry run and deletes nothing.
	var sweep service.SweepResult
	s.post("/api/v1/compliance/retention/cleanup", nil, &sweep)
	if !sweep.DryRun {
		t.Fatal("dry_run = false on the default sweep, want true")
	}
	if len(sweep.Candidates) != 1 || sweep.Candidates[0].SessionID != "sess-retire" {
		t.Fatalf("candidates = %+v, want just sess-retire", sweep.Candidates)
	}
	if sweep.SessionsDeleted != 0 {
		t.Errorf("sessions_deleted = %d on dry run, want 0", sweep.SessionsDeleted)
	}

	var entries []*audit.Entry
	s.get("/api/v1/sessions/sess-retire", &entries)
	if len(entries) != 2 {
		t.Fatalf("entries after dry run = %d, want 2", len(entries))
	}

	// 5. The real sweep deletes the session and its chain.
	s.post("/api/v1/compliance/retention/cleanup?dry_run=false", nil, &sweep)
	if sweep.DryRun {
		t.Fatal("dry_run = true, want false")
	}
	if sweep.SessionsDeleted != 1 || sweep.DeletedCount != 2 {
		t.Fatalf("sweep = %d sessions / %d entries, want 1/2", sweep.SessionsDeleted, sweep.DeletedCount)
	}

	env := s.getError("/api/v1/sessions/sess-retire", 404)
	if env.Error.Kind != "NOT_FOUND" {
		t.Errorf("kind = %q, want NOT_FOUND", env.Error.Kind)
	}

	// 6. The unarchived session is untouched.
	s.get("/api/v1/sessions/sess-keep", &entries)
	if len(entries) != 1 {
		t.Errorf("sess-keep entries = %d, want 1", len(entries))
	}
}

// TestRetention_BulkArchive verifies the batch endpoint archives what
// it can and reports per-session failures instead of aborting.
func TestRetention_BulkArchive(t *testing.T) {
	s := newStack(t)

	seedSession(t, s, "sess-b1", "read_file")
	seedSession(t, s, "sess-b2", "read_file")

	var res service.ArchivalResult
	s.post("/api/v1/sessions/bulk/archive", map[string]any{
		"session_ids":    []string{"sess-b1", "sess-b2", "sess-missing"},
		"retention_days": 7,
		"archived_by":    "ops",
	}, &res)

	if res.ArchivedCount != 2 {
		t.Errorf("archived_count = %d, want 2", res.ArchivedCount)
	}
	if len(res.Failures) != 1 || res.Failures[0].SessionID != "sess-missing" {
		t.Errorf("failures = %+v, want just sess-missing", res.Failures)
	}

	var status service.RetentionStatus
	s.get("/api/v1/compliance/retention/status", &status)
	if status.ArchivedSessions != 2 {
		t.Errorf("archived_sessions = %d, want 2", status.ArchivedSessions)
	}
}

// TestRetention_ValidationAndNotFound verifies the edge responses: a
// non-positive window is a 400 and an unknown session a 404.
func TestRetention_ValidationAndNotFound(t *testing.T) {
	s := newStack(t)

	seedSession(t, s, "sess-v", "read_file")

	env := s.postError("/api/v1/sessions/sess-v/archive", map[string]any{
		"retention_days": 0,
	}, 400)
	if env.Error.Kind != "VALIDATION" {
		t.Errorf("kind = %q, want VALIDATION", env.Error.Kind)
	}

	env = s.postError("/api/v1/sessions/sess-nope/archive", map[string]any{
		"retention_days": 30,
	}, 404)
	if env.Error.Kind != "NOT_FOUND" {
		t.Errorf("kind = %q, want NOT_FOUND", env.Error.Kind)
	}
}

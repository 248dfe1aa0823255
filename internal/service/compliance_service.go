package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/domain/session"
)

const (
	// retentionActionLimit caps the per-list preview in retention status
	// responses.
	retentionActionLimit = 10
	// retentionUpcomingWindow is how far ahead the status report looks
	// for scheduled deletions.
	retentionUpcomingWindow = 30 * 24 * time.Hour
	// sweepTimeout bounds one background sweep pass.
	sweepTimeout = time.Minute
)

// ErrInvalidRetentionDays rejects non-positive retention windows.
var ErrInvalidRetentionDays = errors.New("retention_days must be positive")

// ArchivalFailure records one session that could not be processed.
type ArchivalFailure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// ArchivalResult summarizes a ScheduleArchival call.
type ArchivalResult struct {
	ArchivedCount  int               `json:"archived_count"`
	RetentionUntil time.Time         `json:"retention_until"`
	Failures       []ArchivalFailure `json:"failures,omitempty"`
}

// SweepCandidate is one session whose retention window has lapsed.
type SweepCandidate struct {
	SessionID      string    `json:"session_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	RetentionUntil time.Time `json:"retention_until"`
	DaysOverdue    int       `json:"days_overdue"`
}

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	DryRun          bool              `json:"dry_run"`
	Candidates      []SweepCandidate  `json:"candidates"`
	SessionsDeleted int               `json:"sessions_deleted"`
	DeletedCount    int64             `json:"deleted_count"`
	Failures        []ArchivalFailure `json:"failures,omitempty"`
}

// RetentionAction is one scheduled or overdue deletion.
type RetentionAction struct {
	SessionID      string    `json:"session_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	RetentionUntil time.Time `json:"retention_until"`
	DaysRemaining  int       `json:"days_remaining,omitempty"`
	DaysOverdue    int       `json:"days_overdue,omitempty"`
}

// RetentionStatus reports where the deployment stands against its
// retention schedule. ComplianceStatus is "compliant" while nothing is
// overdue, "non_compliant" otherwise.
type RetentionStatus struct {
	UpcomingDeletions int               `json:"upcoming_deletions"`
	OverdueDeletions  int               `json:"overdue_deletions"`
	ArchivedSessions  int               `json:"archived_sessions"`
	ComplianceStatus  string            `json:"compliance_status"`
	NextReviewDate    time.Time         `json:"next_review_date"`
	UpcomingActions   []RetentionAction `json:"upcoming_actions"`
	OverdueActions    []RetentionAction `json:"overdue_actions"`
}

// ReportMetadata describes the report itself.
type ReportMetadata struct {
	GeneratedAt    time.Time `json:"generated_at"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	ReportType     string    `json:"report_type"`
	TotalDecisions int64     `json:"total_decisions"`
}

// UsageReport aggregates decision activity over the report period.
type UsageReport struct {
	TotalCalls       int64   `json:"total_tool_calls"`
	AllowedCalls     int64   `json:"allowed_calls"`
	DeniedCalls      int64   `json:"denied_calls"`
	ApprovalRequired int64   `json:"approval_required"`
	UniqueAgents     int     `json:"unique_agents"`
	UniqueUsers      int     `json:"unique_users"`
	ViolationRate    float64 `json:"violation_rate"`
}

// ReportEvent is one decision in a detailed report.
type ReportEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	Decision  string    `json:"decision"`
	RuleName  string    `json:"rule_name,omitempty"`
	Status    string    `json:"status"`
}

// Report is a point-in-time compliance report covering usage, chain
// integrity, and retention posture over a period.
type Report struct {
	Metadata  ReportMetadata      `json:"report_metadata"`
	Usage     UsageReport         `json:"usage"`
	Integrity *audit.VerifyResult `json:"integrity"`
	Retention *RetentionStatus    `json:"retention"`
	Events    []ReportEvent       `json:"detailed_events,omitempty"`
}

// ComplianceService owns retention and reporting: archival scheduling,
// expiry sweeps, integrity verification, and report assembly. It also
// runs the background sweeper.
type ComplianceService struct {
	audits   *AuditService
	entries  audit.Store
	sessions session.Store
	logger   *slog.Logger

	sweepInterval time.Duration
	abandonAfter  time.Duration
	now           func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ComplianceOption configures ComplianceService.
type ComplianceOption func(*ComplianceService)

// WithSweepInterval sets how often the background sweeper runs.
// Zero or negative disables it.
func WithSweepInterval(d time.Duration) ComplianceOption {
	return func(s *ComplianceService) {
		s.sweepInterval = d
	}
}

// WithAbandonAfter enables the abandoned-entry reaper: pending entries
// older than d are sealed as errors on each sweep pass. Zero disables.
func WithAbandonAfter(d time.Duration) ComplianceOption {
	return func(s *ComplianceService) {
		s.abandonAfter = d
	}
}

// NewComplianceService wires the retention and reporting service.
func NewComplianceService(audits *AuditService, entries audit.Store, sessions session.Store, logger *slog.Logger, opts ...ComplianceOption) *ComplianceService {
	s := &ComplianceService{
		audits:   audits,
		entries:  entries,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleArchival marks sessions archived and stamps their retention
// window. Failures are collected per session; one bad ID does not abort
// the batch. Re-archiving an archived session reschedules its window.
func (s *ComplianceService) ScheduleArchival(ctx context.Context, sessionIDs []string, retentionDays int, archivedBy string) (*ArchivalResult, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("%d: %w", retentionDays, ErrInvalidRetentionDays)
	}

	now := s.now().UTC()
	until := now.Add(time.Duration(retentionDays) * 24 * time.Hour)
	res := &ArchivalResult{RetentionUntil: until}

	for _, id := range sessionIDs {
		if err := s.archiveOne(ctx, id, now, until, archivedBy); err != nil {
			res.Failures = append(res.Failures, ArchivalFailure{SessionID: id, Error: err.Error()})
			continue
		}
		res.ArchivedCount++
	}

	s.logger.Info("sessions archived",
		"archived", res.ArchivedCount,
		"failed", len(res.Failures),
		"retention_until", until,
		"archived_by", archivedBy,
	)
	return res, nil
}

func (s *ComplianceService) archiveOne(ctx context.Context, id string, now, until time.Time, by string) error {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Archived = true
	sess.ArchivedAt = &now
	sess.ArchivedBy = by
	sess.RetentionUntil = &until
	return s.sessions.Update(ctx, sess)
}

// ArchiveSession archives a single session. Unlike the batch call it
// propagates the underlying error, so an unknown session surfaces as
// session.ErrSessionNotFound.
func (s *ComplianceService) ArchiveSession(ctx context.Context, sessionID string, retentionDays int, archivedBy string) (*ArchivalResult, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("%d: %w", retentionDays, ErrInvalidRetentionDays)
	}

	now := s.now().UTC()
	until := now.Add(time.Duration(retentionDays) * 24 * time.Hour)
	if err := s.archiveOne(ctx, sessionID, now, until, archivedBy); err != nil {
		return nil, err
	}

	s.logger.Info("session archived",
		"session_id", sessionID,
		"retention_until", until,
		"archived_by", archivedBy,
	)
	return &ArchivalResult{ArchivedCount: 1, RetentionUntil: until}, nil
}

// SweepExpired deletes sessions whose retention window has lapsed,
// entries first, then the session row. Each session is deleted in
// isolation; a failure there leaves the rest of the sweep intact. With
// dryRun set, only the candidate list is returned.
func (s *ComplianceService) SweepExpired(ctx context.Context, dryRun bool) (*SweepResult, error) {
	now := s.now().UTC()
	res := &SweepResult{DryRun: dryRun, Candidates: []SweepCandidate{}}

	all, err := s.sessions.List(ctx, session.Filter{IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var expired []*session.Session
	for _, sess := range all {
		if sess.RetentionUntil == nil || !sess.RetentionUntil.Before(now) {
			continue
		}
		expired = append(expired, sess)
		res.Candidates = append(res.Candidates, SweepCandidate{
			SessionID:      sess.ID,
			AgentID:        sess.AgentID,
			RetentionUntil: *sess.RetentionUntil,
			DaysOverdue:    int(now.Sub(*sess.RetentionUntil).Hours() / 24),
		})
	}

	if dryRun {
		return res, nil
	}

	for _, sess := range expired {
		deleted, err := s.audits.DeleteSession(ctx, sess.ID)
		if err != nil {
			res.Failures = append(res.Failures, ArchivalFailure{SessionID: sess.ID, Error: err.Error()})
			continue
		}
		res.SessionsDeleted++
		res.DeletedCount += deleted
	}

	if res.SessionsDeleted > 0 || len(res.Failures) > 0 {
		s.logger.Info("retention sweep completed",
			"sessions_deleted", res.SessionsDeleted,
			"entries_deleted", res.DeletedCount,
			"failures", len(res.Failures),
		)
	}
	return res, nil
}

// VerifyRange re-verifies the hash chains covering [start, end]. Zero
// bounds are open; an empty sessionID spans all sessions.
func (s *ComplianceService) VerifyRange(ctx context.Context, start, end time.Time, sessionID string) (*audit.VerifyResult, error) {
	return s.audits.Verify(ctx, audit.Filter{
		SessionID: sessionID,
		Start:     start,
		End:       end,
	})
}

// RetentionStatus reports upcoming and overdue deletions. Action lists
// are capped at retentionActionLimit entries each.
func (s *ComplianceService) RetentionStatus(ctx context.Context) (*RetentionStatus, error) {
	return s.retentionSnapshot(ctx, s.now().UTC())
}

func (s *ComplianceService) retentionSnapshot(ctx context.Context, now time.Time) (*RetentionStatus, error) {
	all, err := s.sessions.List(ctx, session.Filter{IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	st := &RetentionStatus{
		NextReviewDate:  now.Add(7 * 24 * time.Hour),
		UpcomingActions: []RetentionAction{},
		OverdueActions:  []RetentionAction{},
	}
	horizon := now.Add(retentionUpcomingWindow)

	for _, sess := range all {
		if sess.Archived {
			st.ArchivedSessions++
		}
		if sess.RetentionUntil == nil {
			continue
		}
		until := *sess.RetentionUntil
		switch {
		case until.Before(now):
			st.OverdueDeletions++
			if len(st.OverdueActions) < retentionActionLimit {
				st.OverdueActions = append(st.OverdueActions, RetentionAction{
					SessionID:      sess.ID,
					AgentID:        sess.AgentID,
					RetentionUntil: until,
					DaysOverdue:    int(now.Sub(until).Hours() / 24),
				})
			}
		case !until.After(horizon):
			st.UpcomingDeletions++
			if len(st.UpcomingActions) < retentionActionLimit {
				st.UpcomingActions = append(st.UpcomingActions, RetentionAction{
					SessionID:      sess.ID,
					AgentID:        sess.AgentID,
					RetentionUntil: until,
					DaysRemaining:  int(until.Sub(now).Hours() / 24),
				})
			}
		}
	}

	st.ComplianceStatus = "compliant"
	if st.OverdueDeletions > 0 {
		st.ComplianceStatus = "non_compliant"
	}
	return st, nil
}

// AssembleReport builds a compliance report for [start, end]. A zero end
// means now; a zero start means 30 days before end. With detail set,
// every decision in the period is listed.
func (s *ComplianceService) AssembleReport(ctx context.Context, start, end time.Time, detail bool) (*Report, error) {
	now := s.now().UTC()
	if end.IsZero() {
		end = now
	}
	if start.IsZero() {
		start = end.Add(-30 * 24 * time.Hour)
	}

	reportType := "summary"
	if detail {
		reportType = "detailed"
	}
	rep := &Report{
		Metadata: ReportMetadata{
			GeneratedAt: now,
			PeriodStart: start,
			PeriodEnd:   end,
			ReportType:  reportType,
		},
	}

	// Principals live on sessions, not entries; snapshot them up front so
	// the walk can resolve agent and user per entry.
	all, err := s.sessions.List(ctx, session.Filter{IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	principals := make(map[string]*session.Session, len(all))
	for _, sess := range all {
		principals[sess.ID] = sess
	}

	agents := make(map[string]struct{})
	users := make(map[string]struct{})
	err = s.entries.Walk(ctx, audit.Filter{Start: start, End: end, IncludeArchived: true}, func(e *audit.Entry) error {
		rep.Usage.TotalCalls++
		switch e.Decision {
		case audit.DecisionAllow:
			rep.Usage.AllowedCalls++
		case audit.DecisionDeny:
			rep.Usage.DeniedCalls++
		case audit.DecisionApprove:
			rep.Usage.ApprovalRequired++
		}
		if sess := principals[e.SessionID]; sess != nil {
			if sess.AgentID != "" {
				agents[sess.AgentID] = struct{}{}
			}
			if sess.UserID != "" {
				users[sess.UserID] = struct{}{}
			}
		}
		if detail {
			rep.Events = append(rep.Events, ReportEvent{
				Timestamp: e.Timestamp,
				SessionID: e.SessionID,
				ToolName:  e.ToolName,
				Decision:  e.Decision,
				RuleName:  e.RuleName,
				Status:    string(e.Status),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk entries: %w", err)
	}

	rep.Usage.UniqueAgents = len(agents)
	rep.Usage.UniqueUsers = len(users)
	if rep.Usage.TotalCalls > 0 {
		rep.Usage.ViolationRate = float64(rep.Usage.DeniedCalls) / float64(rep.Usage.TotalCalls)
	}
	rep.Metadata.TotalDecisions = rep.Usage.TotalCalls

	integrity, err := s.audits.Verify(ctx, audit.Filter{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("verify chains: %w", err)
	}
	rep.Integrity = integrity

	retention, err := s.retentionSnapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	rep.Retention = retention

	return rep, nil
}

// Start launches the background sweeper. A non-positive sweep interval
// disables it; the abandoned-entry reaper rides the same ticker.
func (s *ComplianceService) Start() {
	if s.sweepInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.sweepLoop()
	s.logger.Info("retention sweeper started",
		"interval", s.sweepInterval,
		"abandon_after", s.abandonAfter,
	)
}

// Stop halts the background sweeper and waits for an in-flight pass.
func (s *ComplianceService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *ComplianceService) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.stopChan:
			return
		}
	}
}

func (s *ComplianceService) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := s.SweepExpired(ctx, false); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	}
	if s.abandonAfter > 0 {
		if err := s.reapAbandoned(ctx); err != nil {
			s.logger.Error("abandon reaper failed", "error", err)
		}
	}
}

// reapAbandoned seals pending entries older than the abandon cutoff as
// errors so sessions do not accumulate dangling outcomes forever.
func (s *ComplianceService) reapAbandoned(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.abandonAfter)
	pending, err := s.entries.PendingBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list pending entries: %w", err)
	}

	var reaped int
	for _, e := range pending {
		_, err := s.audits.SealOutcome(ctx, e.SessionID, e.ID, audit.Outcome{
			Status:       audit.StatusError,
			ErrorMessage: "abandoned",
		})
		if err != nil {
			// Lost a race with a late caller reporting the real outcome.
			if errors.Is(err, audit.ErrAlreadySealed) {
				continue
			}
			return fmt.Errorf("seal abandoned entry %s: %w", e.ID, err)
		}
		reaped++
	}

	if reaped > 0 {
		s.logger.Info("abandoned entries sealed", "count", reaped, "cutoff", cutoff)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/domain/policy"
	"github.com/runlok/runlok/internal/domain/session"
	"github.com/runlok/runlok/internal/observability"
)

// Decision fields stamped on entries written in bypass mode. The client
// SDK uses the same markers for its client-side bypass, so bypassed
// calls are identifiable on both paths.
const (
	bypassRuleName      = "bypass_mode"
	bypassReason        = "Policy enforcement bypassed"
	bypassPolicyVersion = "bypass"
)

// Request validation errors surfaced to the transport layer.
var (
	ErrToolNameRequired = errors.New("tool_name is required")
	// ErrInvalidOutcomeStatus rejects outcome statuses other than the two
	// terminal ones; an entry cannot be sealed back to pending.
	ErrInvalidOutcomeStatus = errors.New("outcome status must be success or error")
)

// EnforceRequest is one tool call presented for a decision.
type EnforceRequest struct {
	ToolName  string
	ToolArgs  map[string]any
	SessionID string
	AgentID   string
	UserID    string
	Metadata  map[string]any
	Context   map[string]any
}

// EnforcementService is the outward-facing orchestrator: it resolves the
// session, evaluates the call against the current policy snapshot,
// appends the pending audit entry, and fans the decision out to
// subscribers.
type EnforcementService struct {
	policies *PolicyService
	audits   *AuditService
	sessions session.Store
	notifier *Notifier
	logger   *slog.Logger
	tracer   trace.Tracer

	bypass bool
	now    func() time.Time
}

// EnforcementOption configures EnforcementService.
type EnforcementOption func(*EnforcementService)

// WithBypassMode makes every enforce decision ALLOW without consulting
// the policy engine. Entries are still appended. Development only.
func WithBypassMode() EnforcementOption {
	return func(s *EnforcementService) {
		s.bypass = true
	}
}

// NewEnforcementService wires the enforcement orchestrator.
func NewEnforcementService(policies *PolicyService, audits *AuditService, sessions session.Store, notifier *Notifier, logger *slog.Logger, opts ...EnforcementOption) *EnforcementService {
	s := &EnforcementService{
		policies: policies,
		audits:   audits,
		sessions: sessions,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer(observability.ScopeName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BypassEnabled reports whether the process-wide bypass flag is set.
func (s *EnforcementService) BypassEnabled() bool { return s.bypass }

// Enforce runs the per-call decision pipeline and returns the appended
// entry. The entry carries everything the caller needs: decision fields,
// the (possibly freshly minted) session id, the log id to seal against,
// and the timestamp.
func (s *EnforcementService) Enforce(ctx context.Context, req EnforceRequest) (*audit.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "runlok.enforce")
	defer span.End()

	if strings.TrimSpace(req.ToolName) == "" {
		return nil, ErrToolNameRequired
	}

	sess, err := s.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	decision := s.decide(sess, req)

	entry, err := s.audits.Append(ctx, AppendInput{
		SessionID:     sess.ID,
		ToolName:      req.ToolName,
		ToolArgs:      req.ToolArgs,
		PolicyVersion: decision.PolicyVersion,
		Decision:      string(decision.Action),
		RuleName:      decision.RuleName,
		Reason:        decision.Reason,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tool_name", req.ToolName),
		attribute.String("session_id", sess.ID),
		attribute.String("decision", string(decision.Action)),
		attribute.String("policy_version", decision.PolicyVersion),
	)
	s.logger.Info("tool call enforced",
		"session_id", sess.ID,
		"tool", req.ToolName,
		"decision", decision.Action,
		"rule", decision.RuleName,
		"log_id", entry.ID,
	)

	s.notifier.Publish(StreamEvent{Type: EventDecision, Entry: entry.Clone()})
	return entry, nil
}

// decide evaluates the call, or short-circuits to ALLOW in bypass mode.
func (s *EnforcementService) decide(sess *session.Session, req EnforceRequest) policy.Decision {
	if s.bypass {
		return policy.Decision{
			Action:        policy.ActionAllow,
			RuleName:      bypassRuleName,
			Reason:        bypassReason,
			PolicyVersion: bypassPolicyVersion,
		}
	}
	return s.policies.Evaluate(policy.CallInput{
		ToolName: req.ToolName,
		ToolArgs: req.ToolArgs,
		Context:  s.buildContext(sess, req),
		Metadata: req.Metadata,
	})
}

// buildContext merges the evaluation context for one call. Later sources
// win: session metadata, then caller metadata, then caller context, then
// the principal identifiers, then the wall-clock sample. The sample uses
// local time; business-hours rules mean the operator's clock.
func (s *EnforcementService) buildContext(sess *session.Session, req EnforceRequest) map[string]any {
	merged := make(map[string]any, len(sess.Metadata)+len(req.Metadata)+len(req.Context)+5)
	for k, v := range sess.Metadata {
		merged[k] = v
	}
	for k, v := range req.Metadata {
		merged[k] = v
	}
	for k, v := range req.Context {
		merged[k] = v
	}

	merged["session_id"] = sess.ID
	if sess.AgentID != "" {
		merged["agent_id"] = sess.AgentID
	}
	if sess.UserID != "" {
		merged["user_id"] = sess.UserID
	}

	now := s.now()
	merged[policy.ContextKeyCurrentTime] = now.Format("15:04")
	merged[policy.ContextKeyDayOfWeek] = strings.ToLower(now.Weekday().String())
	return merged
}

// resolveSession returns the call's session, creating the row on first
// reference. Existing sessions are touched; principal fields reported by
// the caller fill blanks but never overwrite what the session already
// recorded.
func (s *EnforcementService) resolveSession(ctx context.Context, req EnforceRequest) (*session.Session, error) {
	id := req.SessionID
	if id == "" {
		var err error
		id, err = session.NewID()
		if err != nil {
			return nil, err
		}
	}

	sess, err := s.sessions.Get(ctx, id)
	switch {
	case err == nil:
		sess.Touch()
		if sess.AgentID == "" && req.AgentID != "" {
			sess.AgentID = req.AgentID
		}
		if sess.UserID == "" && req.UserID != "" {
			sess.UserID = req.UserID
		}
		if err := s.sessions.Update(ctx, sess); err != nil {
			return nil, fmt.Errorf("touch session %s: %w", id, err)
		}
		return sess, nil

	case errors.Is(err, session.ErrSessionNotFound):
		now := s.now().UTC()
		sess = &session.Session{
			ID:        id,
			CreatedAt: now,
			LastSeen:  now,
			AgentID:   req.AgentID,
			UserID:    req.UserID,
			Metadata:  req.Metadata,
		}
		createErr := s.sessions.Create(ctx, sess)
		if createErr == nil {
			s.logger.Debug("session created", "session_id", id, "agent_id", req.AgentID)
			return sess, nil
		}
		// Lost a create race; the winner's row is the session.
		if errors.Is(createErr, session.ErrSessionExists) {
			return s.sessions.Get(ctx, id)
		}
		return nil, fmt.Errorf("create session %s: %w", id, createErr)

	default:
		return nil, fmt.Errorf("resolve session %s: %w", id, err)
	}
}

// UpdateResult seals the outcome onto a pending entry and publishes the
// result event. A second seal surfaces audit.ErrAlreadySealed.
func (s *EnforcementService) UpdateResult(ctx context.Context, sessionID, logID string, o audit.Outcome) (*audit.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "runlok.update_result")
	defer span.End()

	if !o.Status.Sealed() {
		return nil, fmt.Errorf("status %q: %w", o.Status, ErrInvalidOutcomeStatus)
	}

	sealed, err := s.audits.SealOutcome(ctx, sessionID, logID, o)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("log_id", logID),
		attribute.String("status", string(sealed.Status)),
	)
	s.logger.Info("tool call outcome recorded",
		"session_id", sessionID,
		"log_id", logID,
		"status", sealed.Status,
		"duration_ms", sealed.DurationMS,
	)

	s.notifier.Publish(StreamEvent{Type: EventResult, Entry: sealed.Clone()})
	return sealed, nil
}

package service

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/domain/session"
)

// appendLockStripes is the size of the per-session append lock table.
// Sessions hash onto stripes; two sessions sharing a stripe serialize
// against each other, which costs latency but never correctness.
const appendLockStripes = 64

// AppendInput carries the decision-time fields of one enforced call.
// Index, timestamp, hashes, and status are assigned by Append.
type AppendInput struct {
	SessionID     string
	ToolName      string
	ToolArgs      map[string]any
	PolicyVersion string
	Decision      string
	RuleName      string
	Reason        string
}

// AuditService owns the hash-chained audit log: appends are serialized
// per session so indices stay contiguous and each entry links to its
// predecessor's hash.
type AuditService struct {
	entries  audit.Store
	sessions session.Store
	signer   *audit.Signer
	logger   *slog.Logger

	locks [appendLockStripes]sync.Mutex
}

// NewAuditService creates an AuditService over the given stores and
// chain signer.
func NewAuditService(entries audit.Store, sessions session.Store, signer *audit.Signer, logger *slog.Logger) *AuditService {
	return &AuditService{
		entries:  entries,
		sessions: sessions,
		signer:   signer,
		logger:   logger,
	}
}

func (s *AuditService) sessionLock(sessionID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(sessionID)%appendLockStripes]
}

// Append writes one pending entry to the session's chain. The
// per-session lock is held across reading the predecessor and inserting,
// so the entry's index and prev-hash cannot race another append. The
// UNIQUE(session_id, seq_index) constraint backstops the lock.
//
// Sensitive argument values are redacted before hashing, so stored
// entries verify as written.
func (s *AuditService) Append(ctx context.Context, in AppendInput) (*audit.Entry, error) {
	lock := s.sessionLock(in.SessionID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := s.entries.Last(ctx, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("read chain head for session %s: %w", in.SessionID, err)
	}

	e := &audit.Entry{
		ID:            uuid.New().String(),
		SessionID:     in.SessionID,
		Index:         1,
		Timestamp:     time.Now().UTC(),
		ToolName:      in.ToolName,
		ToolArgs:      audit.RedactSensitiveArgs(in.ToolArgs),
		PolicyVersion: in.PolicyVersion,
		Decision:      in.Decision,
		RuleName:      in.RuleName,
		Reason:        in.Reason,
		Status:        audit.StatusPending,
		PrevHash:      audit.GenesisHash,
	}
	if prev != nil {
		e.Index = prev.Index + 1
		e.PrevHash = prev.OwnHash
	}

	hash, err := s.signer.EntryHash(e)
	if err != nil {
		return nil, fmt.Errorf("hash entry: %w", err)
	}
	e.OwnHash = hash

	if err := s.entries.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("append entry %d to session %s: %w", e.Index, e.SessionID, err)
	}

	s.logger.Debug("audit entry appended",
		"session_id", e.SessionID,
		"log_id", e.ID,
		"index", e.Index,
		"tool", e.ToolName,
		"decision", e.Decision,
	)
	return e, nil
}

// SealOutcome transitions a pending entry to its terminal outcome. A
// log id that exists under a different session is reported as not found
// rather than revealing the entry's existence.
func (s *AuditService) SealOutcome(ctx context.Context, sessionID, logID string, o audit.Outcome) (*audit.Entry, error) {
	e, err := s.entries.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	if e.SessionID != sessionID {
		return nil, fmt.Errorf("log %s in session %s: %w", logID, sessionID, audit.ErrEntryNotFound)
	}

	sealed, err := s.entries.Seal(ctx, logID, o)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("audit entry sealed",
		"session_id", sessionID,
		"log_id", logID,
		"status", sealed.Status,
		"duration_ms", sealed.DurationMS,
	)
	return sealed, nil
}

// GetSession returns a session's entries ordered by index ascending.
// Unknown sessions are an error, distinguishing "no such session" from
// "session with no entries yet".
func (s *AuditService) GetSession(ctx context.Context, sessionID string, page audit.Page) ([]*audit.Entry, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.entries.BySession(ctx, sessionID, page)
}

// Summary returns one session's aggregated decision counts, decorated
// with the session's principal fields.
func (s *AuditService) Summary(ctx context.Context, sessionID string) (*audit.SessionSummary, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sum, err := s.entries.Summary(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	decorateSummary(sum, sess)
	return sum, nil
}

// ListSessions returns paged summaries of sessions matching the filter,
// most recently created first, plus the total match count before
// pagination.
func (s *AuditService) ListSessions(ctx context.Context, f session.Filter, page audit.Page) ([]*audit.SessionSummary, int, error) {
	sessions, err := s.sessions.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total := len(sessions)

	offset := page.Offset()
	if offset >= total {
		return []*audit.SessionSummary{}, total, nil
	}
	end := offset + page.Limit()
	if end > total {
		end = total
	}

	out := make([]*audit.SessionSummary, 0, end-offset)
	for _, sess := range sessions[offset:end] {
		sum, err := s.entries.Summary(ctx, sess.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("summarize session %s: %w", sess.ID, err)
		}
		decorateSummary(sum, sess)
		out = append(out, sum)
	}
	return out, total, nil
}

// decorateSummary fills the principal fields and substitutes session
// lifecycle times when the session has no entries to derive them from.
func decorateSummary(sum *audit.SessionSummary, sess *session.Session) {
	sum.AgentID = sess.AgentID
	sum.UserID = sess.UserID
	sum.Archived = sess.Archived
	if sum.TotalCalls == 0 {
		sum.StartTime = sess.CreatedAt
		sum.EndTime = sess.LastSeen
	}
}

// DeleteSession removes a session and all its entries, returning the
// entry count. The append lock is held so a concurrent enforce cannot
// interleave with the deletion.
func (s *AuditService) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return 0, err
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	deleted, err := s.entries.DeleteSession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete entries of session %s: %w", sessionID, err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return deleted, fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	s.logger.Info("session deleted",
		"session_id", sessionID,
		"logs_deleted", deleted,
	)
	return deleted, nil
}

// Verify recomputes hash chains over the filtered range and reports
// every violation found. When the range has no lower time bound, each
// session's chain is expected to start at index 1; a bounded range may
// legitimately begin mid-chain, so linkage is checked from the second
// entry onward. Archived sessions are always verified; archival is a
// retention state, not an integrity exemption.
func (s *AuditService) Verify(ctx context.Context, f audit.Filter) (*audit.VerifyResult, error) {
	f.IncludeArchived = true

	res := &audit.VerifyResult{
		Violations: []audit.Violation{},
		VerifiedAt: time.Now().UTC(),
	}

	var (
		current string
		chain   []*audit.Entry
	)
	flush := func() {
		if len(chain) == 0 {
			return
		}
		firstIndex := int64(1)
		if !f.Start.IsZero() {
			firstIndex = chain[0].Index
		}
		res.Violations = append(res.Violations, s.signer.VerifyChain(chain, firstIndex)...)
		res.EntriesChecked += int64(len(chain))
		chain = chain[:0]
	}

	walk := func(wf audit.Filter) error {
		return s.entries.Walk(ctx, wf, func(e *audit.Entry) error {
			if e.SessionID != current {
				flush()
				current = e.SessionID
			}
			chain = append(chain, e)
			return nil
		})
	}
	if err := s.walkResolved(ctx, f, walk); err != nil {
		return nil, err
	}
	flush()

	res.ChainIntact = len(res.Violations) == 0
	if !res.ChainIntact {
		s.logger.Warn("audit chain verification found violations",
			"entries_checked", res.EntriesChecked,
			"violations", len(res.Violations),
		)
	}
	return res, nil
}

// Export streams the filtered entries to w as a JSON array or CSV,
// ordered by session id then index. Entries are written as they are
// walked; large exports never buffer fully in memory.
func (s *AuditService) Export(ctx context.Context, f audit.Filter, format string, w io.Writer) error {
	switch format {
	case audit.FormatJSON:
		return s.exportJSON(ctx, f, w)
	case audit.FormatCSV:
		return s.exportCSV(ctx, f, w)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func (s *AuditService) exportJSON(ctx context.Context, f audit.Filter, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("[\n"); err != nil {
		return err
	}

	first := true
	walk := func(wf audit.Filter) error {
		return s.entries.Walk(ctx, wf, func(e *audit.Entry) error {
			b, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry %s: %w", e.ID, err)
			}
			if !first {
				if _, err := bw.WriteString(",\n"); err != nil {
					return err
				}
			}
			first = false
			_, err = bw.Write(b)
			return err
		})
	}
	if err := s.walkResolved(ctx, f, walk); err != nil {
		return err
	}

	closing := "\n]\n"
	if first {
		closing = "]\n"
	}
	if _, err := bw.WriteString(closing); err != nil {
		return err
	}
	return bw.Flush()
}

var csvHeader = []string{
	"id", "session_id", "index", "timestamp", "tool_name", "tool_args",
	"policy_version", "decision", "rule_name", "reason", "status",
	"result", "error_message", "execution_duration_ms", "prev_hash", "own_hash",
}

func (s *AuditService) exportCSV(ctx context.Context, f audit.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	walk := func(wf audit.Filter) error {
		return s.entries.Walk(ctx, wf, func(e *audit.Entry) error {
			args, err := csvJSONCell(e.ToolArgs)
			if err != nil {
				return fmt.Errorf("encode args of entry %s: %w", e.ID, err)
			}
			result, err := csvJSONCell(e.Result)
			if err != nil {
				return fmt.Errorf("encode result of entry %s: %w", e.ID, err)
			}
			return cw.Write([]string{
				e.ID,
				e.SessionID,
				strconv.FormatInt(e.Index, 10),
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.ToolName,
				args,
				e.PolicyVersion,
				e.Decision,
				e.RuleName,
				e.Reason,
				string(e.Status),
				result,
				e.ErrorMessage,
				strconv.FormatInt(e.DurationMS, 10),
				e.PrevHash,
				e.OwnHash,
			})
		})
	}
	if err := s.walkResolved(ctx, f, walk); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func csvJSONCell(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// walkResolved runs walk over the filter, resolving principal filters
// (agent, user, archived) to concrete session ids first; the store only
// understands session and time bounds. Resolved sessions are walked in
// id order, preserving the global (session_id, index) ordering.
func (s *AuditService) walkResolved(ctx context.Context, f audit.Filter, walk func(audit.Filter) error) error {
	if f.SessionID != "" {
		return walk(f)
	}
	if f.AgentID == "" && f.UserID == "" && f.IncludeArchived {
		return walk(f)
	}

	matched, err := s.sessions.List(ctx, session.Filter{
		AgentID:         f.AgentID,
		UserID:          f.UserID,
		IncludeArchived: f.IncludeArchived,
	})
	if err != nil {
		return fmt.Errorf("resolve session filter: %w", err)
	}

	ids := make([]string, 0, len(matched))
	for _, sess := range matched {
		ids = append(ids, sess.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sf := f
		sf.SessionID = id
		if err := walk(sf); err != nil {
			return err
		}
	}
	return nil
}

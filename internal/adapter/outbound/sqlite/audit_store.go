package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runlok/runlok/internal/domain/audit"
)

const logEntryColumns = `id, session_id, seq_index, timestamp, tool_name, tool_args,
	policy_version, decision, rule_name, reason, status, result,
	error_message, duration_ms, prev_hash, own_hash`

const (
	insertLogEntryQuery = `INSERT INTO log_entries (id, session_id, seq_index, timestamp,
		tool_name, tool_args, policy_version, decision, rule_name, reason,
		status, result, error_message, duration_ms, prev_hash, own_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectLogEntryQuery = `SELECT ` + logEntryColumns + ` FROM log_entries WHERE id = ?`

	selectLastLogEntryQuery = `SELECT ` + logEntryColumns + ` FROM log_entries
		WHERE session_id = ? ORDER BY seq_index DESC LIMIT 1`

	// The status guard makes the pending to sealed transition atomic; a
	// second seal matches zero rows.
	sealLogEntryQuery = `UPDATE log_entries
		SET status = ?, result = ?, error_message = ?, duration_ms = ?
		WHERE id = ? AND status = 'pending'`

	selectLogEntryStatusQuery = `SELECT status FROM log_entries WHERE id = ?`

	selectSessionEntriesQuery = `SELECT ` + logEntryColumns + ` FROM log_entries
		WHERE session_id = ? ORDER BY seq_index ASC LIMIT ? OFFSET ?`

	summarizeSessionQuery = `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN decision = 'allow' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN decision = 'deny' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN decision = 'approve' THEN 1 ELSE 0 END), 0),
		COALESCE(MIN(timestamp), ''),
		COALESCE(MAX(timestamp), '')
		FROM log_entries WHERE session_id = ?`

	deleteSessionEntriesQuery = `DELETE FROM log_entries WHERE session_id = ?`

	selectPendingBeforeQuery = `SELECT ` + logEntryColumns + ` FROM log_entries
		WHERE status = 'pending' AND timestamp < ?
		ORDER BY session_id ASC, seq_index ASC`
)

// SQLiteAuditStore is the durable audit.Store.
type SQLiteAuditStore struct {
	db *DB
}

// NewAuditStore creates an audit store on the shared handle.
func NewAuditStore(db *DB) *SQLiteAuditStore {
	return &SQLiteAuditStore{db: db}
}

// Insert writes a fully formed entry. The (session_id, seq_index) unique
// index is the backstop against concurrent appends racing past the
// per-session lock.
func (s *SQLiteAuditStore) Insert(ctx context.Context, e *audit.Entry) error {
	toolArgs, err := encodeJSONMap(e.ToolArgs)
	if err != nil {
		return fmt.Errorf("encode tool args: %w", err)
	}
	result, err := encodeJSONMap(e.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.db.execRetry(ctx, insertLogEntryQuery,
		e.ID, e.SessionID, e.Index, formatTime(e.Timestamp),
		e.ToolName, toolArgs, e.PolicyVersion, e.Decision, e.RuleName, e.Reason,
		string(e.Status), result, e.ErrorMessage, e.DurationMS,
		e.PrevHash, e.OwnHash)
	if err != nil {
		if isUniqueViolation(err, "log_entries.seq_index") {
			return fmt.Errorf("duplicate index %d for session %s", e.Index, e.SessionID)
		}
		if isUniqueViolation(err, "log_entries.id") {
			return fmt.Errorf("duplicate entry id %s", e.ID)
		}
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// Get returns an entry by id.
func (s *SQLiteAuditStore) Get(ctx context.Context, id string) (*audit.Entry, error) {
	e, err := scanLogEntry(s.db.QueryRowContext(ctx, selectLogEntryQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrEntryNotFound
	}
	return e, err
}

// Last returns the highest-index entry of a session, nil when empty.
func (s *SQLiteAuditStore) Last(ctx context.Context, sessionID string) (*audit.Entry, error) {
	e, err := scanLogEntry(s.db.QueryRowContext(ctx, selectLastLogEntryQuery, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Seal transitions a pending entry to its terminal outcome exactly once.
func (s *SQLiteAuditStore) Seal(ctx context.Context, id string, o audit.Outcome) (*audit.Entry, error) {
	result, err := encodeJSONMap(o.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	res, err := s.db.execRetry(ctx, sealLogEntryQuery,
		string(o.Status), result, o.ErrorMessage, o.DurationMS, id)
	if err != nil {
		return nil, fmt.Errorf("seal log entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("seal log entry: %w", err)
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, selectLogEntryStatusQuery, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, audit.ErrEntryNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("seal log entry: %w", err)
		}
		return nil, audit.ErrAlreadySealed
	}

	return s.Get(ctx, id)
}

// BySession returns a session's entries ordered by index ascending.
func (s *SQLiteAuditStore) BySession(ctx context.Context, sessionID string, page audit.Page) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectSessionEntriesQuery,
		sessionID, page.Limit(), page.Offset())
	if err != nil {
		return nil, fmt.Errorf("query session entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

// Summary aggregates a session's decision counts.
func (s *SQLiteAuditStore) Summary(ctx context.Context, sessionID string) (*audit.SessionSummary, error) {
	var (
		summary  audit.SessionSummary
		minStamp string
		maxStamp string
	)
	summary.SessionID = sessionID

	err := s.db.QueryRowContext(ctx, summarizeSessionQuery, sessionID).Scan(
		&summary.TotalCalls, &summary.AllowedCalls, &summary.DeniedCalls,
		&summary.ApprovedCalls, &minStamp, &maxStamp)
	if err != nil {
		return nil, fmt.Errorf("summarize session: %w", err)
	}

	if minStamp != "" {
		if summary.StartTime, err = parseTime(minStamp); err != nil {
			return nil, err
		}
	}
	if maxStamp != "" {
		if summary.EndTime, err = parseTime(maxStamp); err != nil {
			return nil, err
		}
	}
	return &summary, nil
}

// Walk invokes fn for every entry within f's session and time bounds,
// session id ascending then index ascending.
func (s *SQLiteAuditStore) Walk(ctx context.Context, f audit.Filter, fn func(*audit.Entry) error) error {
	query := `SELECT ` + logEntryColumns + ` FROM log_entries`

	var (
		conds []string
		args  []any
	)
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(f.Start))
	}
	if !f.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, formatTime(f.End))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY session_id ASC, seq_index ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("walk log entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := scanLogEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteSession removes all entries of a session, returning the count.
func (s *SQLiteAuditStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.execRetry(ctx, deleteSessionEntriesQuery, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session entries: %w", err)
	}
	return res.RowsAffected()
}

// PendingBefore returns pending entries older than cutoff.
func (s *SQLiteAuditStore) PendingBefore(ctx context.Context, cutoff time.Time) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectPendingBeforeQuery, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

func collectLogEntries(rows *sql.Rows) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanLogEntry(row rowScanner) (*audit.Entry, error) {
	var (
		e         audit.Entry
		timestamp string
		toolArgs  sql.NullString
		status    string
		result    sql.NullString
	)
	err := row.Scan(&e.ID, &e.SessionID, &e.Index, &timestamp,
		&e.ToolName, &toolArgs, &e.PolicyVersion, &e.Decision, &e.RuleName,
		&e.Reason, &status, &result, &e.ErrorMessage, &e.DurationMS,
		&e.PrevHash, &e.OwnHash)
	if err != nil {
		return nil, err
	}

	if e.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if e.ToolArgs, err = decodeJSONMap(toolArgs); err != nil {
		return nil, fmt.Errorf("decode tool args: %w", err)
	}
	e.Status = audit.Status(status)
	if e.Result, err = decodeJSONMap(result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &e, nil
}

var _ audit.Store = (*SQLiteAuditStore)(nil)

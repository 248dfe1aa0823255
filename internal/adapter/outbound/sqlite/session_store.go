package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/runlok/runlok/internal/domain/session"
)

const sessionColumns = `id, created_at, last_seen, agent_id, user_id, metadata,
	archived, archived_at, archived_by, retention_until`

const (
	insertSessionQuery = `INSERT INTO sessions (id, created_at, last_seen, agent_id, user_id,
		metadata, archived, archived_at, archived_by, retention_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSessionQuery = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	updateSessionQuery = `UPDATE sessions
		SET last_seen = ?, agent_id = ?, user_id = ?, metadata = ?,
			archived = ?, archived_at = ?, archived_by = ?, retention_until = ?
		WHERE id = ?`

	deleteSessionQuery = `DELETE FROM sessions WHERE id = ?`
)

// SQLiteSessionStore is the durable session.Store.
type SQLiteSessionStore struct {
	db *DB
}

// NewSessionStore creates a session store on the shared handle.
func NewSessionStore(db *DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

// Create stores a new session, failing when the ID is taken.
func (s *SQLiteSessionStore) Create(ctx context.Context, sess *session.Session) error {
	metadata, err := encodeJSONMap(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	_, err = s.db.execRetry(ctx, insertSessionQuery,
		sess.ID, formatTime(sess.CreatedAt), formatTime(sess.LastSeen),
		sess.AgentID, sess.UserID, metadata,
		boolToInt(sess.Archived), formatNullableTime(sess.ArchivedAt),
		sess.ArchivedBy, formatNullableTime(sess.RetentionUntil))
	if err != nil {
		if isUniqueViolation(err, "sessions.id") {
			return fmt.Errorf("session %s: %w", sess.ID, session.ErrSessionExists)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, selectSessionQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	return sess, err
}

// Update saves changes to an existing session.
func (s *SQLiteSessionStore) Update(ctx context.Context, sess *session.Session) error {
	metadata, err := encodeJSONMap(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	res, err := s.db.execRetry(ctx, updateSessionQuery,
		formatTime(sess.LastSeen), sess.AgentID, sess.UserID, metadata,
		boolToInt(sess.Archived), formatNullableTime(sess.ArchivedAt),
		sess.ArchivedBy, formatNullableTime(sess.RetentionUntil),
		sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// List returns sessions matching the filter, most recent first.
func (s *SQLiteSessionStore) List(ctx context.Context, f session.Filter) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`

	var (
		conds []string
		args  []any
	)
	if !f.IncludeArchived {
		conds = append(conds, "archived = 0")
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Delete removes a session record.
func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.execRetry(ctx, deleteSessionQuery, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess           session.Session
		createdAt      string
		lastSeen       string
		metadata       sql.NullString
		archived       int
		archivedAt     sql.NullString
		retentionUntil sql.NullString
	)
	err := row.Scan(&sess.ID, &createdAt, &lastSeen, &sess.AgentID, &sess.UserID,
		&metadata, &archived, &archivedAt, &sess.ArchivedBy, &retentionUntil)
	if err != nil {
		return nil, err
	}

	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if sess.Metadata, err = decodeJSONMap(metadata); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	sess.Archived = archived == 1
	if sess.ArchivedAt, err = parseNullableTime(archivedAt); err != nil {
		return nil, err
	}
	if sess.RetentionUntil, err = parseNullableTime(retentionUntil); err != nil {
		return nil, err
	}
	return &sess, nil
}

// encodeJSONMap renders a map for TEXT storage, NULL when nil.
func encodeJSONMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// decodeJSONMap reads a stored map back, nil for NULL or empty.
func decodeJSONMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ session.Store = (*SQLiteSessionStore)(nil)

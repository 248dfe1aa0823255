package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/runlok/runlok/internal/domain/policy"
)

const policyVersionColumns = `id, label, source, fingerprint, description, created_at, active`

const (
	insertPolicyVersionQuery = `INSERT INTO policy_versions (` + policyVersionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectPolicyVersionByIDQuery = `SELECT ` + policyVersionColumns + `
		FROM policy_versions WHERE id = ?`

	selectPolicyVersionByLabelQuery = `SELECT ` + policyVersionColumns + `
		FROM policy_versions WHERE label = ?`

	selectActivePolicyVersionQuery = `SELECT ` + policyVersionColumns + `
		FROM policy_versions WHERE active = 1`

	listPolicyVersionsQuery = `SELECT ` + policyVersionColumns + `
		FROM policy_versions ORDER BY created_at DESC, id DESC`

	clearActivePolicyVersionQuery = `UPDATE policy_versions SET active = 0 WHERE active = 1`

	setActivePolicyVersionQuery = `UPDATE policy_versions SET active = 1 WHERE id = ?`

	replacePolicyVersionQuery = `UPDATE policy_versions
		SET source = ?, fingerprint = ?, description = ?
		WHERE label = ?`
)

// SQLitePolicyStore is the durable policy.Store.
type SQLitePolicyStore struct {
	db *DB
}

// NewPolicyStore creates a policy store on the shared handle.
func NewPolicyStore(db *DB) *SQLitePolicyStore {
	return &SQLitePolicyStore{db: db}
}

// Create persists v, activating it in the same transaction when requested.
func (s *SQLitePolicyStore) Create(ctx context.Context, v *policy.Version, activate bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	active := 0
	if activate {
		active = 1
		// Clear first so the partial unique index never sees two rows.
		if _, err := tx.ExecContext(ctx, clearActivePolicyVersionQuery); err != nil {
			return fmt.Errorf("clear active version: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, insertPolicyVersionQuery,
		v.ID, v.Label, v.Source, v.Fingerprint, v.Description,
		formatTime(v.CreatedAt), active)
	if err != nil {
		if isUniqueViolation(err, "policy_versions.label") {
			return fmt.Errorf("label %q: %w", v.Label, policy.ErrVersionExists)
		}
		return fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create version: %w", err)
	}
	return nil
}

// Get returns a version by ID.
func (s *SQLitePolicyStore) Get(ctx context.Context, id string) (*policy.Version, error) {
	v, err := scanPolicyVersion(s.db.QueryRowContext(ctx, selectPolicyVersionByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrVersionNotFound
	}
	return v, err
}

// GetByLabel returns a version by its unique label.
func (s *SQLitePolicyStore) GetByLabel(ctx context.Context, label string) (*policy.Version, error) {
	v, err := scanPolicyVersion(s.db.QueryRowContext(ctx, selectPolicyVersionByLabelQuery, label))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrVersionNotFound
	}
	return v, err
}

// List returns all versions, newest first.
func (s *SQLitePolicyStore) List(ctx context.Context) ([]*policy.Version, error) {
	rows, err := s.db.QueryContext(ctx, listPolicyVersionsQuery)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*policy.Version
	for rows.Next() {
		v, err := scanPolicyVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Active returns the single active version.
func (s *SQLitePolicyStore) Active(ctx context.Context) (*policy.Version, error) {
	v, err := scanPolicyVersion(s.db.QueryRowContext(ctx, selectActivePolicyVersionQuery))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNoActiveVersion
	}
	return v, err
}

// Activate flips the active flag to id, returning the previously active
// version. Runs as one transaction so readers never observe zero or two
// active rows committed.
func (s *SQLitePolicyStore) Activate(ctx context.Context, id string) (*policy.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous *policy.Version
	prev, err := scanPolicyVersion(tx.QueryRowContext(ctx, selectActivePolicyVersionQuery))
	switch {
	case err == nil:
		previous = prev
	case errors.Is(err, sql.ErrNoRows):
		// first activation
	default:
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, clearActivePolicyVersionQuery); err != nil {
		return nil, fmt.Errorf("clear active version: %w", err)
	}

	res, err := tx.ExecContext(ctx, setActivePolicyVersionQuery, id)
	if err != nil {
		return nil, fmt.Errorf("set active version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("set active version: %w", err)
	}
	if affected == 0 {
		return nil, policy.ErrVersionNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activate: %w", err)
	}
	return previous, nil
}

// Replace updates the stored document for the version carrying v.Label.
func (s *SQLitePolicyStore) Replace(ctx context.Context, v *policy.Version) error {
	res, err := s.db.execRetry(ctx, replacePolicyVersionQuery,
		v.Source, v.Fingerprint, v.Description, v.Label)
	if err != nil {
		return fmt.Errorf("replace version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace version: %w", err)
	}
	if affected == 0 {
		return policy.ErrVersionNotFound
	}
	return nil
}

func scanPolicyVersion(row rowScanner) (*policy.Version, error) {
	var (
		v         policy.Version
		createdAt string
		active    int
	)
	err := row.Scan(&v.ID, &v.Label, &v.Source, &v.Fingerprint,
		&v.Description, &createdAt, &active)
	if err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	v.CreatedAt = t
	v.Active = active == 1
	return &v, nil
}

var _ policy.Store = (*SQLitePolicyStore)(nil)

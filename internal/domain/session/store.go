package session

import (
	"context"
	"errors"
)

// Sentinel errors shared by store implementations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Create when the ID is taken.
	ErrSessionExists = errors.New("session already exists")
)

// Store provides session persistence.
// Implementations: SQLite (prod), in-memory (test).
type Store interface {
	// Create stores a new session. It fails if the ID is taken.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// Update saves changes to an existing session.
	Update(ctx context.Context, s *Session) error

	// List returns sessions matching the filter, most recent first.
	List(ctx context.Context, f Filter) ([]*Session, error)

	// Delete removes a session record.
	Delete(ctx context.Context, id string) error
}

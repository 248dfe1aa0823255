package audit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	// ErrEntryNotFound is returned when no entry matches the given id.
	ErrEntryNotFound = errors.New("log entry not found")
	// ErrAlreadySealed is returned by Seal when the entry left pending before.
	ErrAlreadySealed = errors.New("log entry already sealed")
)

// Store persists log entries. Implementations provide row-level atomicity
// and the (session_id, index) uniqueness backstop; logical append ordering
// is serialized above the store by the per-session append lock.
type Store interface {
	// Insert writes a fully formed entry (index and hashes computed).
	Insert(ctx context.Context, e *Entry) error

	// Get returns an entry by id, or ErrEntryNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// Last returns the highest-index entry of a session, or nil when the
	// session has no entries.
	Last(ctx context.Context, sessionID string) (*Entry, error)

	// Seal transitions a pending entry to its terminal outcome exactly
	// once. Returns ErrEntryNotFound or ErrAlreadySealed.
	Seal(ctx context.Context, id string, o Outcome) (*Entry, error)

	// BySession returns a session's entries ordered by index ascending.
	BySession(ctx context.Context, sessionID string, page Page) ([]*Entry, error)

	// Summary aggregates a session's decision counts. Sessions without
	// entries yield a zero-count summary.
	Summary(ctx context.Context, sessionID string) (*SessionSummary, error)

	// Walk invokes fn for every entry within f's session and time bounds,
	// ordered by session id ascending then index ascending, stopping at
	// fn's first error. Principal filters (agent, user, archived) are
	// resolved to sessions by the caller.
	Walk(ctx context.Context, f Filter, fn func(*Entry) error) error

	// DeleteSession removes all entries of a session, returning the count.
	DeleteSession(ctx context.Context, sessionID string) (int64, error)

	// PendingBefore returns pending entries older than cutoff, for the
	// abandoned-entry reaper.
	PendingBefore(ctx context.Context, cutoff time.Time) ([]*Entry, error)
}

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/runlok/runlok/internal/domain/session"
)

// MemorySessionStore implements session.Store with an in-memory map.
// Thread-safe for concurrent access. Retention sweeps are driven by the
// compliance service, not by the store.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*session.Session),
	}
}

// Create stores a new session.
// Returns session.ErrSessionExists if the ID is taken.
func (s *MemorySessionStore) Create(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return session.ErrSessionExists
	}

	// Store a copy to prevent external mutation
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get retrieves a session by ID.
// Returns session.ErrSessionNotFound if the session doesn't exist.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}

	// Return a copy to prevent mutation
	return sess.Clone(), nil
}

// Update saves changes to an existing session.
func (s *MemorySessionStore) Update(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return session.ErrSessionNotFound
	}

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// List returns sessions matching the filter, most recently created first.
func (s *MemorySessionStore) List(ctx context.Context, f session.Filter) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Archived && !f.IncludeArchived {
			continue
		}
		if f.AgentID != "" && sess.AgentID != f.AgentID {
			continue
		}
		if f.UserID != "" && sess.UserID != f.UserID {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Delete removes a session record.
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Size returns the number of sessions currently stored.
// Useful for testing sweep behavior.
func (s *MemorySessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Compile-time interface verification.
var _ session.Store = (*MemorySessionStore)(nil)

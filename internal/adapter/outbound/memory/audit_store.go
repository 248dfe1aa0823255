package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/runlok/runlok/internal/domain/audit"
)

// MemoryAuditStore implements audit.Store with in-memory maps.
// Thread-safe for concurrent access. Entries are kept per session in
// index order.
type MemoryAuditStore struct {
	mu        sync.RWMutex
	entries   map[string]*audit.Entry   // by entry ID
	bySession map[string][]*audit.Entry // index-ordered
}

// NewAuditStore creates a new in-memory audit log store.
func NewAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		entries:   make(map[string]*audit.Entry),
		bySession: make(map[string][]*audit.Entry),
	}
}

// Insert writes a fully formed entry. The (session_id, index) uniqueness
// backstop mirrors the SQLite unique constraint.
func (s *MemoryAuditStore) Insert(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("duplicate entry id %s", e.ID)
	}
	chain := s.bySession[e.SessionID]
	if n := len(chain); n > 0 && chain[n-1].Index >= e.Index {
		return fmt.Errorf("duplicate index %d for session %s", e.Index, e.SessionID)
	}

	stored := e.Clone()
	s.entries[stored.ID] = stored
	s.bySession[stored.SessionID] = append(chain, stored)
	return nil
}

// Get returns an entry by ID.
// Returns audit.ErrEntryNotFound if the entry doesn't exist.
func (s *MemoryAuditStore) Get(ctx context.Context, id string) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, audit.ErrEntryNotFound
	}
	return e.Clone(), nil
}

// Last returns the highest-index entry of a session, or nil when the
// session has no entries.
func (s *MemoryAuditStore) Last(ctx context.Context, sessionID string) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.bySession[sessionID]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

// Seal transitions a pending entry to its terminal outcome exactly once.
func (s *MemoryAuditStore) Seal(ctx context.Context, id string, o audit.Outcome) (*audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, audit.ErrEntryNotFound
	}
	if e.Status.Sealed() {
		return nil, audit.ErrAlreadySealed
	}

	e.Status = o.Status
	e.ErrorMessage = o.ErrorMessage
	e.DurationMS = o.DurationMS
	if o.Result != nil {
		e.Result = make(map[string]any, len(o.Result))
		for k, v := range o.Result {
			e.Result[k] = v
		}
	}
	return e.Clone(), nil
}

// BySession returns a session's entries ordered by index ascending.
func (s *MemoryAuditStore) BySession(ctx context.Context, sessionID string, page audit.Page) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.bySession[sessionID]
	offset, limit := page.Offset(), page.Limit()
	if offset >= len(chain) {
		return []*audit.Entry{}, nil
	}
	end := offset + limit
	if end > len(chain) {
		end = len(chain)
	}

	out := make([]*audit.Entry, 0, end-offset)
	for _, e := range chain[offset:end] {
		out = append(out, e.Clone())
	}
	return out, nil
}

// Summary aggregates a session's decision counts. Sessions without
// entries yield a zero-count summary.
func (s *MemoryAuditStore) Summary(ctx context.Context, sessionID string) (*audit.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &audit.SessionSummary{SessionID: sessionID}
	chain := s.bySession[sessionID]
	if len(chain) == 0 {
		return sum, nil
	}

	sum.StartTime = chain[0].Timestamp
	sum.EndTime = chain[len(chain)-1].Timestamp
	sum.TotalCalls = int64(len(chain))
	for _, e := range chain {
		switch e.Decision {
		case audit.DecisionAllow:
			sum.AllowedCalls++
		case audit.DecisionDeny:
			sum.DeniedCalls++
		case audit.DecisionApprove:
			sum.ApprovedCalls++
		}
	}
	return sum, nil
}

// Walk invokes fn for every entry within the filter's session and time
// bounds, sessions in ascending ID order, entries in index order.
func (s *MemoryAuditStore) Walk(ctx context.Context, f audit.Filter, fn func(*audit.Entry) error) error {
	s.mu.RLock()
	sessionIDs := make([]string, 0, len(s.bySession))
	for id := range s.bySession {
		if f.SessionID != "" && id != f.SessionID {
			continue
		}
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	var matched []*audit.Entry
	for _, id := range sessionIDs {
		for _, e := range s.bySession[id] {
			if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
				continue
			}
			if !f.End.IsZero() && e.Timestamp.After(f.End) {
				continue
			}
			matched = append(matched, e.Clone())
		}
	}
	s.mu.RUnlock()

	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSession removes all entries of a session, returning the count.
func (s *MemoryAuditStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.bySession[sessionID]
	for _, e := range chain {
		delete(s.entries, e.ID)
	}
	delete(s.bySession, sessionID)
	return int64(len(chain)), nil
}

// PendingBefore returns pending entries older than cutoff, sessions in
// ascending ID order, entries in index order.
func (s *MemoryAuditStore) PendingBefore(ctx context.Context, cutoff time.Time) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionIDs := make([]string, 0, len(s.bySession))
	for id := range s.bySession {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	var out []*audit.Entry
	for _, id := range sessionIDs {
		for _, e := range s.bySession[id] {
			if e.Status == audit.StatusPending && e.Timestamp.Before(cutoff) {
				out = append(out, e.Clone())
			}
		}
	}
	return out, nil
}

// Compile-time interface verification.
var _ audit.Store = (*MemoryAuditStore)(nil)

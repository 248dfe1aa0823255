// Package memory provides in-memory implementations of the outbound
// stores. Used for --dev runs (store.path ":memory:") and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/runlok/runlok/internal/domain/policy"
)

// MemoryPolicyStore implements policy.Store with in-memory maps.
// Thread-safe for concurrent access.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	versions map[string]*policy.Version // by ID
	byLabel  map[string]string          // label -> ID
	activeID string
}

// NewPolicyStore creates a new in-memory policy version store.
func NewPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		versions: make(map[string]*policy.Version),
		byLabel:  make(map[string]string),
	}
}

// Create persists a new version, optionally activating it in the same
// critical section so no reader observes zero or two active versions.
func (s *MemoryPolicyStore) Create(ctx context.Context, v *policy.Version, activate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byLabel[v.Label]; taken {
		return policy.ErrVersionExists
	}

	stored := *v
	stored.Active = activate
	if activate {
		if prev, ok := s.versions[s.activeID]; ok {
			prev.Active = false
		}
		s.activeID = stored.ID
	}

	s.versions[stored.ID] = &stored
	s.byLabel[stored.Label] = stored.ID
	return nil
}

// Get returns a version by ID.
// Returns policy.ErrVersionNotFound if the version doesn't exist.
func (s *MemoryPolicyStore) Get(ctx context.Context, id string) (*policy.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[id]
	if !ok {
		return nil, policy.ErrVersionNotFound
	}

	// Return a copy to prevent mutation
	c := *v
	return &c, nil
}

// GetByLabel returns a version by its unique label.
func (s *MemoryPolicyStore) GetByLabel(ctx context.Context, label string) (*policy.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLabel[label]
	if !ok {
		return nil, policy.ErrVersionNotFound
	}
	c := *s.versions[id]
	return &c, nil
}

// List returns all versions, newest first.
func (s *MemoryPolicyStore) List(ctx context.Context) ([]*policy.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*policy.Version, 0, len(s.versions))
	for _, v := range s.versions {
		c := *v
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Active returns the single active version.
func (s *MemoryPolicyStore) Active(ctx context.Context) (*policy.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[s.activeID]
	if !ok {
		return nil, policy.ErrNoActiveVersion
	}
	c := *v
	return &c, nil
}

// Activate flips the active flag to id, returning the previously active
// version. Concurrent activations serialize on the store mutex.
func (s *MemoryPolicyStore) Activate(ctx context.Context, id string) (*policy.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.versions[id]
	if !ok {
		return nil, policy.ErrVersionNotFound
	}

	var previous *policy.Version
	if prev, ok := s.versions[s.activeID]; ok {
		c := *prev
		previous = &c
		prev.Active = false
	}

	target.Active = true
	s.activeID = id
	return previous, nil
}

// Replace updates the stored source of the version carrying v.Label,
// keeping its ID, creation time, and active flag.
func (s *MemoryPolicyStore) Replace(ctx context.Context, v *policy.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byLabel[v.Label]
	if !ok {
		return policy.ErrVersionNotFound
	}

	stored := s.versions[id]
	stored.Source = v.Source
	stored.Fingerprint = v.Fingerprint
	stored.Description = v.Description
	return nil
}

// Compile-time interface verification.
var _ policy.Store = (*MemoryPolicyStore)(nil)

package policy

import (
	"context"
	"errors"
)

// Sentinel errors shared by store implementations.
var (
	// ErrVersionNotFound is returned when no version matches the given id or label.
	ErrVersionNotFound = errors.New("policy version not found")
	// ErrVersionExists is returned by Create when the version label is already taken.
	ErrVersionExists = errors.New("policy version already exists")
	// ErrNoActiveVersion is returned by Active when no version is active.
	ErrNoActiveVersion = errors.New("no active policy version")
)

// Store persists policy versions. At most one version is active at any
// instant; Activate performs the flip as a single serialized transition.
type Store interface {
	// Create persists a new version. When activate is set, the activation
	// happens in the same transaction as the insert. Returns
	// ErrVersionExists when the label is taken.
	Create(ctx context.Context, v *Version, activate bool) error

	// Get returns a version by its stable ID.
	Get(ctx context.Context, id string) (*Version, error)

	// GetByLabel returns a version by its unique label.
	GetByLabel(ctx context.Context, label string) (*Version, error)

	// List returns all stored versions, newest first.
	List(ctx context.Context) ([]*Version, error)

	// Active returns the single active version, or ErrNoActiveVersion.
	Active(ctx context.Context) (*Version, error)

	// Activate clears the previous active flag and sets it on id,
	// returning the previously active version (nil when none was active).
	// Concurrent activations serialize; losers observe the winner.
	Activate(ctx context.Context, id string) (previous *Version, err error)

	// Replace updates source, fingerprint, and description of the version
	// carrying v.Label. Used by file-tracked reloads where the label stays
	// fixed while the on-disk document evolves.
	Replace(ctx context.Context, v *Version) error
}

// Package session tracks agent sessions across enforced tool calls.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Session groups the tool calls of one agent run. Callers may bring
// their own ID or let the service mint one.
type Session struct {
	// ID is either caller-chosen or generated via NewID.
	ID string `json:"session_id"`
	// CreatedAt is when the session was first seen (UTC).
	CreatedAt time.Time `json:"created_at"`
	// LastSeen is the timestamp of the most recent call (UTC).
	LastSeen time.Time `json:"last_seen"`
	// AgentID identifies the calling agent, if reported.
	AgentID string `json:"agent_id,omitempty"`
	// UserID identifies the human principal, if reported.
	UserID string `json:"user_id,omitempty"`
	// Metadata carries caller-supplied session attributes.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Archived marks the session as scheduled out of the active set.
	Archived bool `json:"archived"`
	// ArchivedAt is when archival was requested (UTC).
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	// ArchivedBy names the principal that requested archival.
	ArchivedBy string `json:"archived_by,omitempty"`
	// RetentionUntil is the instant after which the session's log
	// entries become eligible for expiry sweeps.
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.ArchivedAt != nil {
		at := *s.ArchivedAt
		c.ArchivedAt = &at
	}
	if s.RetentionUntil != nil {
		ru := *s.RetentionUntil
		c.RetentionUntil = &ru
	}
	return &c
}

// Touch updates LastSeen to now.
func (s *Session) Touch() {
	s.LastSeen = time.Now().UTC()
}

// Filter narrows session listings.
type Filter struct {
	AgentID         string
	UserID          string
	IncludeArchived bool
}

// NewID mints a cryptographically random session identifier:
// 16 bytes from crypto/rand, hex-encoded.
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

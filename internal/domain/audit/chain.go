package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// GenesisHash is the fixed predecessor hash of the first entry in every
// session chain.
const GenesisHash = "genesis"

// Signer computes and verifies the per-entry HMAC chain. The key is the
// server-side audit secret; rotating it invalidates verification of
// entries signed under the old key, so rotation happens out-of-band only.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer over the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{key: secret}
}

// EntryHash computes the hex HMAC-SHA256 of the entry's canonical
// decision-time payload. Outcome fields never participate: the chain
// commits the decision, and sealing an outcome later must not break
// previously written links.
func (s *Signer) EntryHash(e *Entry) (string, error) {
	payload, err := canonicalPayload(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the entry's hash and compares it to the stored
// OwnHash in constant time.
func (s *Signer) Verify(e *Entry) (bool, error) {
	want, err := s.EntryHash(e)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(e.OwnHash)), nil
}

// canonicalPayload renders the decision-time fields into the byte string
// the HMAC covers. Fields are joined with NUL separators; tool arguments
// are canonical JSON (object keys sorted at every depth); the timestamp
// is RFC3339Nano, which round-trips byte-identically through storage.
func canonicalPayload(e *Entry) ([]byte, error) {
	args, err := canonicalJSON(e.ToolArgs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize tool args: %w", err)
	}

	fields := []string{
		strconv.FormatInt(e.Index, 10),
		e.SessionID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ToolName,
		args,
		e.PolicyVersion,
		e.Decision,
		e.RuleName,
		e.Reason,
		e.PrevHash,
	}

	size := len(fields) - 1
	for _, f := range fields {
		size += len(f)
	}
	payload := make([]byte, 0, size)
	for i, f := range fields {
		if i > 0 {
			payload = append(payload, 0)
		}
		payload = append(payload, f...)
	}
	return payload, nil
}

// canonicalJSON marshals v with JSON's deterministic map-key ordering.
// An empty or nil map canonicalizes to "{}".
func canonicalJSON(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyChain checks a single session's ordered entry slice: index
// contiguity from firstIndex, prev-hash linkage, and per-entry HMAC
// recomputation. It reports every violation found rather than stopping at
// the first.
func (s *Signer) VerifyChain(entries []*Entry, firstIndex int64) []Violation {
	var violations []Violation

	prevHash := GenesisHash
	wantIndex := firstIndex
	for i, e := range entries {
		if e.Index != wantIndex {
			violations = append(violations, Violation{
				SessionID: e.SessionID,
				EntryID:   e.ID,
				Index:     e.Index,
				Kind:      ViolationIndexGap,
				Detail:    fmt.Sprintf("expected index %d, found %d", wantIndex, e.Index),
			})
			wantIndex = e.Index
		}

		// Linkage is only checkable from the second entry of the slice
		// when verification starts mid-chain.
		if i > 0 || firstIndex == 1 {
			if e.PrevHash != prevHash {
				violations = append(violations, Violation{
					SessionID: e.SessionID,
					EntryID:   e.ID,
					Index:     e.Index,
					Kind:      ViolationChainBreak,
					Detail:    "prev_hash does not match predecessor's own_hash",
				})
			}
		}

		ok, err := s.Verify(e)
		switch {
		case err != nil:
			violations = append(violations, Violation{
				SessionID: e.SessionID,
				EntryID:   e.ID,
				Index:     e.Index,
				Kind:      ViolationHashMismatch,
				Detail:    fmt.Sprintf("hash recomputation failed: %v", err),
			})
		case !ok:
			violations = append(violations, Violation{
				SessionID: e.SessionID,
				EntryID:   e.ID,
				Index:     e.Index,
				Kind:      ViolationHashMismatch,
				Detail:    "own_hash does not match recomputed HMAC",
			})
		}

		prevHash = e.OwnHash
		wantIndex++
	}

	return violations
}

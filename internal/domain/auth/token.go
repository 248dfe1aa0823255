// Package auth verifies the shared-secret bearer token that guards the
// HTTP API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidToken is returned when a presented token doesn't match the
// configured secret.
var ErrInvalidToken = errors.New("invalid token")

// Verifier checks presented bearer tokens against one configured value.
// An empty configured value disables authentication (dev mode).
type Verifier struct {
	stored string
}

// NewVerifier creates a Verifier for the configured token value, which
// may be plaintext, "sha256:<hex>", or an Argon2id PHC string.
func NewVerifier(stored string) *Verifier {
	return &Verifier{stored: stored}
}

// Enabled reports whether a token is configured at all.
func (v *Verifier) Enabled() bool {
	return v.stored != ""
}

// Verify checks a presented token. Returns nil on match,
// ErrInvalidToken on mismatch. When no token is configured every
// presentation passes.
func (v *Verifier) Verify(raw string) error {
	if !v.Enabled() {
		return nil
	}
	match, err := VerifyToken(raw, v.stored)
	if err != nil || !match {
		return ErrInvalidToken
	}
	return nil
}

// HashTokenSHA256 returns the prefixed SHA-256 form of a raw token,
// suitable for pasting into config.
func HashTokenSHA256(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(hash[:])
}

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashTokenArgon2id returns an Argon2id hash of the raw token in PHC
// format: $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>
func HashTokenArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// DetectHashType identifies how a configured token value is stored.
// Returns "argon2id" for PHC format, "sha256" for prefixed or bare
// 64-char hex, "plaintext" otherwise. Note that a plaintext token of
// exactly 64 hex characters is indistinguishable from a bare digest
// and is treated as one.
func DetectHashType(stored string) string {
	if strings.HasPrefix(stored, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(stored, "sha256:") {
		return "sha256"
	}
	if len(stored) == 64 && isHexString(stored) {
		return "sha256"
	}
	return "plaintext"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyToken verifies a raw token against a configured value,
// auto-detecting the storage format. Comparison is constant-time for
// the plaintext and sha256 forms.
func VerifyToken(raw, stored string) (bool, error) {
	switch DetectHashType(stored) {
	case "argon2id":
		return safeArgon2idCompare(raw, stored)

	case "sha256":
		expected := strings.TrimPrefix(stored, "sha256:")
		hash := sha256.Sum256([]byte(raw))
		computed := hex.EncodeToString(hash[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil

	default:
		return subtle.ConstantTimeCompare([]byte(raw), []byte(stored)) == 1, nil
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed PHC
// strings with invalid parameters (e.g. t=0 rounds), and a config typo
// must not crash the request path.
func safeArgon2idCompare(raw, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, stored)
}

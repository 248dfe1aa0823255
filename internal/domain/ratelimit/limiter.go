// Package ratelimit provides per-caller throttling types.
//
// Throttling is optional (config server.rate_limit); when enabled, the
// HTTP layer keys limits by bearer-token digest, falling back to client
// IP for unauthenticated development runs.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Limiter is the interface for rate limit checks.
//
// Implementations should use GCRA (Generic Cell Rate Algorithm) for
// smooth limiting without burst issues at window boundaries. The
// interface is storage-agnostic.
type Limiter interface {
	// Allow checks whether a request identified by key is allowed under
	// the given limit, atomically advancing the limiter state.
	// If the request is not allowed, RetryAfter in the result indicates
	// when the next request will be.
	Allow(ctx context.Context, key string, l Limit) (Result, error)
}

// Limit defines the throttling parameters.
type Limit struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Zero defaults to Rate.
	Burst int

	// Period is the time window for the limit.
	Period time.Duration
}

// PerMinute returns a limit of n requests per minute with burst n.
func PerMinute(n int) Limit {
	return Limit{Rate: n, Burst: n, Period: time.Minute}
}

// Result contains the outcome of a limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the limiter state fully resets.
	ResetAfter time.Duration
}

// KeyType identifies what a rate limit key is derived from.
type KeyType string

const (
	// KeyTypeIP keys limits by client IP (unauthenticated callers).
	KeyTypeIP KeyType = "ip"

	// KeyTypeToken keys limits by bearer-token digest.
	KeyTypeToken KeyType = "token"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

// TokenKey derives a limiter key from a raw bearer token without
// retaining the token itself: the first 8 bytes of its SHA-256.
func TokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return FormatKey(KeyTypeToken, hex.EncodeToString(sum[:8]))
}

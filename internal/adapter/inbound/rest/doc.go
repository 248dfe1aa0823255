// Package rest provides the HTTP/JSON API for the policy decision and
// audit service.
//
// # Usage
//
// Create and start a server over the wired services:
//
//	srv := rest.NewServer(rest.Services{
//	    Enforcement: enforcement,
//	    Policies:    policies,
//	    Audits:      audits,
//	    Compliance:  compliance,
//	    Notifier:    notifier,
//	},
//	    rest.WithAddr("127.0.0.1:8463"),
//	    rest.WithVerifier(verifier),
//	    rest.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// Start blocks until the context is cancelled or the listener fails,
// then shuts down gracefully within the configured timeout.
//
// # Endpoints
//
// All API routes live under /api/v1 and speak JSON:
//
//	POST   /api/v1/enforce                      - evaluate one tool call, append audit entry
//	POST   /api/v1/enforce/{session_id}/result  - seal the call's outcome (?log_id=)
//	GET    /api/v1/sessions                     - paged session summaries
//	GET    /api/v1/sessions/{id}                - one session's entries in chain order
//	GET    /api/v1/sessions/{id}/summary        - one session's summary
//	DELETE /api/v1/sessions/{id}                - delete a session and its entries
//	POST   /api/v1/sessions/{id}/archive        - schedule archival + retention window
//	POST   /api/v1/sessions/bulk/archive        - archive a batch of sessions
//	GET    /api/v1/sessions/export              - stream entries as JSON or CSV
//	GET    /api/v1/policy/current               - active policy snapshot
//	GET    /api/v1/policy/test                  - dry-run evaluation, no audit entry
//	POST   /api/v1/policy/validate              - validate policy source
//	POST   /api/v1/policy/reload                - re-read the policy file
//	POST   /api/v1/policy/create                - store (and optionally activate) a version
//	GET    /api/v1/policy/versions              - list stored versions
//	GET    /api/v1/compliance/report/generate   - usage/integrity/retention report
//	GET    /api/v1/compliance/retention/status  - upcoming and overdue deletions
//	POST   /api/v1/compliance/retention/cleanup - sweep expired sessions (?dry_run=)
//	GET    /api/v1/compliance/integrity/verify  - recompute hash chains
//
// Outside the API prefix:
//
//	GET /health   - component health, 503 when degraded
//	GET /metrics  - Prometheus metrics
//	GET /ws       - NDJSON stream of all decision/result events
//	GET /ws/{session_id} - NDJSON stream for one session
//
// # Errors
//
// Every non-2xx response carries the envelope
//
//	{"error": {"kind": "...", "message": "...", "details": ...}, "request_id": "..."}
//
// with kinds VALIDATION (400), UNAUTHENTICATED (401), NOT_FOUND (404),
// CONFLICT (409), RATE_LIMITED (429), and SERVER (500). Policy denials
// and approval requirements are not errors; they are normal 200
// responses with the decision in the body.
//
// # Authentication
//
// When a bearer token is configured, every request except /health and
// /metrics must carry "Authorization: Bearer <token>". The configured
// value may be plaintext, "sha256:<hex>", or an Argon2id PHC string.
// With no token configured the API is open (development mode).
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - request counter and duration histogram
//  2. RequestIDMiddleware - X-Request-ID extraction/generation, logger enrichment
//  3. RealIPMiddleware - client IP from proxy headers for rate limiting
//  4. AuthMiddleware - bearer token verification
//  5. RateLimitMiddleware - optional per-caller GCRA throttle
//  6. TimeoutMiddleware - request deadline (API routes only, streams exempt)
package rest

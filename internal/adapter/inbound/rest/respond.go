package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/domain/policy"
	"github.com/runlok/runlok/internal/domain/session"
	"github.com/runlok/runlok/internal/service"
)

// maxRequestBodySize caps JSON request bodies. Policy documents are the
// largest legitimate payload and stay well under a megabyte.
const maxRequestBodySize = 1 << 20

// Error kinds carried in the error envelope.
const (
	KindValidation      = "VALIDATION"
	KindUnauthenticated = "UNAUTHENTICATED"
	KindNotFound        = "NOT_FOUND"
	KindConflict        = "CONFLICT"
	KindRateLimited     = "RATE_LIMITED"
	KindServer          = "SERVER"
)

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the inner error object of the envelope.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorEnvelope is the body of every non-2xx response.
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope for kind with no details.
func writeError(w http.ResponseWriter, r *http.Request, kind, message string) {
	writeErrorDetails(w, r, kind, message, nil)
}

// writeErrorDetails writes the error envelope with an optional details
// payload (e.g. validation issue lists).
func writeErrorDetails(w http.ResponseWriter, r *http.Request, kind, message string, details any) {
	writeJSON(w, statusForKind(kind), errorEnvelope{
		Error:     errorBody{Kind: kind, Message: message, Details: details},
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeServiceError maps a service-layer error to its envelope. Errors
// without a mapped kind are logged with the request id and reported as
// an opaque SERVER failure.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeErrorDetails(w, r, KindValidation, vErr.Error(), vErr.Result.Errors())

	case errors.Is(err, service.ErrToolNameRequired),
		errors.Is(err, service.ErrInvalidOutcomeStatus),
		errors.Is(err, service.ErrInvalidRetentionDays):
		writeError(w, r, KindValidation, err.Error())

	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, audit.ErrEntryNotFound),
		errors.Is(err, policy.ErrVersionNotFound):
		writeError(w, r, KindNotFound, err.Error())

	case errors.Is(err, audit.ErrAlreadySealed),
		errors.Is(err, policy.ErrVersionExists):
		writeError(w, r, KindConflict, err.Error())

	default:
		LoggerFromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, KindServer, "internal server error")
	}
}

// decodeJSON reads the request body into dst, bounding its size. The
// returned error message is safe to echo to the caller.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

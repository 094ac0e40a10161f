// Package api is the HTTP surface of a warrant node. All failures are
// written as the error envelope:
// {status:"error", code, details:{field, error, recovery}, capability_id, timestamp}.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/executor"
)

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes e as an error envelope with the status its kind maps
// to. RateLimited and IsolationConflict errors carrying a retry hint
// also set Retry-After.
func WriteError(w http.ResponseWriter, e *errorir.Error) {
	writeEnvelope(w, e.HTTPStatus(), errorEnvelope(e, time.Now()))
}

// WriteBadRequest writes a ValidationError for a malformed request body.
func WriteBadRequest(w http.ResponseWriter, field, detail string) {
	WriteError(w, errorir.New(errorir.KindValidation, "%s", detail).
		WithCode(errorir.CodeInvalidRequest).WithField(field))
}

// WriteNotFound writes a NotFound envelope.
func WriteNotFound(w http.ResponseWriter, field, detail string) {
	WriteError(w, errorir.New(errorir.KindNotFound, "%s", detail).WithField(field))
}

// WriteInternal writes an InternalError envelope. err is logged but
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "component", "api", "path", r.URL.Path, "error", err)
	WriteError(w, errorir.New(errorir.KindInternal, "an unexpected error occurred"))
}

func errorEnvelope(e *errorir.Error, now time.Time) executor.Envelope {
	return (&executor.Response{Err: e}).Envelope(now)
}

func writeEnvelope(w http.ResponseWriter, status int, env executor.Envelope) {
	if env.Details != nil && env.Details.Recovery.RetryAfterMs > 0 {
		secs := (env.Details.Recovery.RetryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	WriteJSON(w, status, env)
}

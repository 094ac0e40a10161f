package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/api"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) errorir.Response {
	t.Helper()
	var r errorir.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&r))
	return r
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, errorir.New(errorir.KindPreconditionFailed, "file missing").
		WithField("/path").WithCapability("file:read"))

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("Retry-After"))

	r := decode(t, w)
	assert.Equal(t, "error", r.Status)
	assert.Equal(t, errorir.CodePreconditionFailed, r.Code)
	assert.Equal(t, "/path", r.Details.Field)
	assert.Equal(t, "file missing", r.Details.Error)
	assert.Equal(t, "file:read", r.CapabilityID)
	assert.WithinDuration(t, time.Now(), r.Timestamp, time.Minute)
}

func TestWriteError_RetryAfterRoundsUp(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, errorir.New(errorir.KindRateLimited, "slow down").WithRetryAfter(1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, int64(1500), decode(t, w).Details.Recovery.RetryAfterMs)
}

func TestWriteBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteBadRequest(w, "/votes", "votes are required")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	r := decode(t, w)
	assert.Equal(t, errorir.CodeInvalidRequest, r.Code)
	assert.Equal(t, errorir.KindValidation, r.Kind)
	assert.Equal(t, "/votes", r.Details.Field)
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteNotFound(w, "/id", "no receipt")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errorir.CodeNotFound, decode(t, w).Code)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/receipts", nil)
	api.WriteInternal(w, r, errors.New("pq: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode(t, w)
	assert.Equal(t, errorir.CodeInternal, resp.Code)
	assert.NotContains(t, resp.Details.Error, "10.0.0.1")
}

package tracing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Only one flight recorder may run at a time, so each test stops its own.

func TestRecorder_Snapshot(t *testing.T) {
	r, err := Start(0, 0)
	require.NoError(t, err)
	defer r.Stop()

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))
	assert.NotZero(t, buf.Len())
}

func TestRecorder_StopIsIdempotent(t *testing.T) {
	r, err := Start(DefaultBufferSize, 0)
	require.NoError(t, err)

	r.Stop()
	r.Stop()

	var buf bytes.Buffer
	assert.ErrorIs(t, r.Snapshot(&buf), ErrStopped)

	// A new recorder can start once the previous one is stopped.
	r2, err := Start(0, 0)
	require.NoError(t, err)
	r2.Stop()
}

func TestRecorder_Handler(t *testing.T) {
	r, err := Start(0, 0)
	require.NoError(t, err)

	h := r.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".trace")
	assert.NotZero(t, w.Body.Len())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/debug/trace", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	r.Stop()
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

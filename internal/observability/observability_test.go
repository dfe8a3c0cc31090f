package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf).With(map[string]any{"service": "portal-auth"})

	logger.Warn("weak_secret", map[string]any{"env": "development"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "weak_secret", entry["message"])
	assert.Equal(t, "development", entry["env"])
	assert.Equal(t, "portal-auth", entry["service"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestLoggerFieldsCannotOverrideReservedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf).With(map[string]any{"level": "debug"})

	logger.Info("in_memory_store", map[string]any{
		"message":   "overridden",
		"timestamp": "never",
		"detail":    "kept",
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "in_memory_store", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.NotEqual(t, "never", entry["timestamp"])
	assert.Equal(t, "kept", entry["detail"])
}

func TestRequestIDMiddlewareAssignsULID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, seen, 26)
	assert.Equal(t, seen, rr.Header().Get(RequestIDHeader))
}

func TestRequestIDMiddlewareReplacesGarbageHeader(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEqual(t, "<script>", seen)
	assert.Len(t, seen, 26)
}

func TestRecoverMiddlewareReturnsEnvelope(t *testing.T) {
	var buf bytes.Buffer
	handler := RecoverMiddleware(NewLoggerTo(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/explode", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), `"success":false`)
	assert.NotContains(t, rr.Body.String(), "boom")
	assert.True(t, strings.Contains(buf.String(), "panic_recovered"))
}

func TestRequestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLoggingMiddleware(NewLoggerTo(&buf), false, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "http_request", entry["message"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "127.0.0.1", entry["ip"])
}

func TestMetricsInstrumentAndExpose(t *testing.T) {
	metrics := NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := metrics.Instrument(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	metrics.LoginOutcome("success")
	metrics.RateLimited("auth")
	metrics.ActivityDropped()

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	assert.Contains(t, body, `http_requests_total{method="GET",route="GET /ping",status="204"} 1`)
	assert.Contains(t, body, `auth_login_attempts_total{outcome="success"} 1`)
	assert.Contains(t, body, `http_rate_limited_total{limiter="auth"} 1`)
	assert.Contains(t, body, `activity_events_dropped_total 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.LoginOutcome("failure")
		metrics.RateLimited("global")
		metrics.ActivityDropped()
	})
}

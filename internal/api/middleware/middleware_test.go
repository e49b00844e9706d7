package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/cloo-solutions/docrag/internal/telemetry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc", seen)
}

func TestAccessLog_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() { log.SetOutput(os.Stderr); log.SetFlags(log.LstdFlags) })

	h := RequestID(AccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello"))
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/documents", nil))

	var entry accessLogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, http.MethodGet, entry.Method)
	assert.Equal(t, "/documents", entry.Path)
	assert.Equal(t, http.StatusTeapot, entry.Status)
	assert.Equal(t, 5, entry.Bytes)
	assert.NotEmpty(t, entry.RequestID)
}

func TestRecorders_KeepFlushing(t *testing.T) {
	var flushErr error
	h := SentryMiddleware(AccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: x\n\n"))
		flushErr = http.NewResponseController(w).Flush()
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/query/stream", nil))

	assert.NoError(t, flushErr)
	assert.True(t, w.Flushed)
}

func TestMaxBodyBytes(t *testing.T) {
	h := MaxBodyBytes(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPStatusToSpanStatus(t *testing.T) {
	assert.Equal(t, sentry.SpanStatusOK, httpStatusToSpanStatus(http.StatusCreated))
	assert.Equal(t, sentry.SpanStatusNotFound, httpStatusToSpanStatus(http.StatusNotFound))
	assert.Equal(t, sentry.SpanStatusAlreadyExists, httpStatusToSpanStatus(http.StatusConflict))
	assert.Equal(t, sentry.SpanStatusUnavailable, httpStatusToSpanStatus(http.StatusServiceUnavailable))
}

func TestRequestID_RejectsUnusableHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	for _, bad := range []string{strings.Repeat("a", maxRequestIDLength+1), "has space", "tab\tid"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", bad)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.NotEqual(t, bad, seen)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	}
}

func TestMaxUploadBytes_AllowsMultipartOverhead(t *testing.T) {
	h := MaxUploadBytes(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("larger than four bytes")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 4+MultipartOverhead+1))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAccessLog_RecordsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() { log.SetOutput(os.Stderr); log.SetFlags(log.LstdFlags) })

	r := chi.NewRouter()
	r.Use(AccessLog)
	r.Get("/documents/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/documents/d-1/events", nil))

	var entry accessLogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "/documents/d-1/events", entry.Path)
	assert.Equal(t, "/documents/{id}/events", entry.Route)
	assert.True(t, entry.Stream)
}

func TestOpFor(t *testing.T) {
	assert.Equal(t, telemetry.OpStream, opFor(httptest.NewRequest(http.MethodPost, "/query/stream", nil)))
	assert.Equal(t, telemetry.OpStream, opFor(httptest.NewRequest(http.MethodGet, "/documents/d-1/events", nil)))

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	assert.Equal(t, "http.server", opFor(req))
	req.Header.Set("Accept", "text/event-stream")
	assert.Equal(t, telemetry.OpStream, opFor(req))
}

func TestSentryMiddleware_ClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := SentryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		_, _ = w.Write([]byte("data: x\n\n"))
	}))

	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/query/stream", nil).WithContext(ctx))
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sentry.SpanStatusCanceled, httpStatusToSpanStatus(statusClientClosed))
}

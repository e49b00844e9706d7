package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/cloo-solutions/docrag/internal/api/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter() http.Handler {
	return NewRouter(RouterConfig{
		DocumentHandler: handlers.NewDocumentHandler(nil, 1024),
		ChatHandler:     handlers.NewChatHandler(nil),
		QueryHandler:    handlers.NewQueryHandler(nil),
		AdminHandler:    handlers.NewAdminHandler(nil),
		MaxUploadBytes:  1024,
	})
}

func TestRouter_Health(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Data["status"])
}

func TestRouter_Routes(t *testing.T) {
	router, ok := testRouter().(chi.Routes)
	require.True(t, ok)

	var routes []string
	require.NoError(t, chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	}))
	sort.Strings(routes)

	for _, want := range []string{
		"GET /health",
		"GET /documents/",
		"POST /documents/",
		"GET /documents/{id}",
		"GET /documents/{id}/status",
		"GET /documents/{id}/events",
		"POST /documents/{id}/reprocess",
		"PATCH /documents/{id}/preferences",
		"DELETE /documents/{id}",
		"POST /chats/",
		"GET /chats/",
		"GET /chats/{id}",
		"DELETE /chats/{id}",
		"GET /chats/{id}/messages",
		"POST /query/stream",
		"POST /admin/reconcile",
	} {
		assert.Contains(t, routes, want)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_RejectsOversizedJSONBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/query/stream", nil)
	req.ContentLength = 2 * 1024 * 1024
	req.Body = http.NoBody

	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEWriter(t *testing.T) {
	w := httptest.NewRecorder()

	s, err := NewSSEWriter(w)
	require.NoError(t, err)
	require.NoError(t, s.Event("progress", map[string]any{"stage": "chunking"}))
	require.NoError(t, s.Data(map[string]string{"type": "chunk", "content": "hi"}))
	require.NoError(t, s.Heartbeat())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, w.Flushed)
	assert.Equal(t,
		"event: progress\ndata: {\"stage\":\"chunking\"}\n\n"+
			"data: {\"content\":\"hi\",\"type\":\"chunk\"}\n\n"+
			": ping\n\n",
		w.Body.String())
}

type plainWriter struct {
	header http.Header
	body   strings.Builder
}

func (p *plainWriter) Header() http.Header         { return p.header }
func (p *plainWriter) Write(b []byte) (int, error) { return p.body.Write(b) }
func (p *plainWriter) WriteHeader(int)             {}

func TestSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&plainWriter{header: http.Header{}})
	assert.Error(t, err)
}

type queryBody struct {
	ChatID string `json:"chat_id" validate:"omitempty,uuid"`
	Query  string `json:"query" validate:"required,max=4000"`
}

func TestValidate(t *testing.T) {
	assert.Nil(t, Validate(&queryBody{Query: "what is x"}))

	fields := Validate(&queryBody{ChatID: "not-a-uuid"})
	assert.Contains(t, fields, "query")
	assert.Contains(t, fields, "chat_id")
	assert.Equal(t, "failed on 'required' tag", fields["query"])
}

func TestDecodeJSON(t *testing.T) {
	var body queryBody
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"hello"}`))
	assert.True(t, DecodeJSON(httptest.NewRecorder(), r, &body))
	assert.Equal(t, "hello", body.Query)

	w := httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":`))
	assert.False(t, DecodeJSON(w, r, &body))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":""}`))
	assert.False(t, DecodeJSON(w, r, &queryBody{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"query"`)
}

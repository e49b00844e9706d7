package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("d1", 3), PointID("d1", 3))
	assert.NotEqual(t, PointID("d1", 3), PointID("d1", 4))
	assert.NotEqual(t, PointID("d1", 3), PointID("d2", 3))
}

func TestSearch_DecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/doc_d1/points/search", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(20), body["limit"])

		_, _ = w.Write([]byte(`{"result":[{"id":"x","score":0.83,"payload":{"document_id":"d1","parent_id":2,"chunk_index":7,"text":"hello","section":"Content","is_metadata":false}}]}`))
	}))
	defer srv.Close()

	store := NewStore(Config{URL: srv.URL, APIKey: "secret"})
	hits, err := store.Search(context.Background(), "doc_d1", []float32{0.1, 0.2}, 20)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, domain.ChunkHit{
		Collection: "doc_d1",
		DocumentID: "d1",
		ParentID:   2,
		ChunkIndex: 7,
		Text:       "hello",
		Section:    "Content",
		Score:      0.83,
	}, hits[0])
}

func TestSearch_MissingCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":{"error":"Not found: Collection doc_x doesn't exist!"}}`))
	}))
	defer srv.Close()

	store := NewStore(Config{URL: srv.URL})
	_, err := store.Search(context.Background(), "doc_x", []float32{1}, 5)
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	// dropping a missing collection is not an error
	assert.NoError(t, store.Drop(context.Background(), "doc_x"))
}

func TestList_FiltersForeignCollections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"collections":[{"name":"doc_a"},{"name":"other"},{"name":"doc_b"}]}}`))
	}))
	defer srv.Close()

	names, err := NewStore(Config{URL: srv.URL}).List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_a", "doc_b"}, names)
}

func TestCreate_SkipsExisting(t *testing.T) {
	var puts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts++
		}
		_, _ = w.Write([]byte(`{"result":{"exists":true}}`))
	}))
	defer srv.Close()

	require.NoError(t, NewStore(Config{URL: srv.URL}).Create(context.Background(), "doc_a", 3))
	assert.Equal(t, 0, puts)
}

func TestUpsert_SendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		var body struct {
			Points []struct {
				ID      string         `json:"id"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Points, 1)
		assert.Equal(t, PointID("d1", 0), body.Points[0].ID)
		assert.Equal(t, true, body.Points[0].Payload["is_metadata"])
		_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
	}))
	defer srv.Close()

	err := NewStore(Config{URL: srv.URL}).Upsert(context.Background(), "doc_d1", []domain.ChunkPoint{{
		Chunk:  domain.ChildChunk{DocumentID: "d1", Index: 0, Text: "meta", Section: domain.SectionMetadata, IsMetadata: true},
		Vector: []float32{1, 0},
	}})
	assert.NoError(t, err)
}

// Package qdrant is a minimal REST client that stores each document's chunks
// in its own Qdrant collection.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/google/uuid"
)

// pointNamespace seeds deterministic point ids. Qdrant only accepts UUIDs or
// unsigned integers as ids.
var pointNamespace = uuid.MustParse("6f1c7f2e-3b0a-4c59-9a53-0d6f1f3b9a41")

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Store implements the collection store on top of Qdrant.
type Store struct {
	url    string
	apiKey string
	client *http.Client
}

func NewStore(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

type statusError struct {
	method string
	path   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.path, e.status, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

// Create creates the collection if missing.
func (s *Store) Create(ctx context.Context, collection string, dimensions int) error {
	if dimensions <= 0 {
		return errors.New("invalid dimension")
	}
	exists, err := s.Exists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimensions,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+collection, body, nil); err != nil {
		return err
	}

	// Metadata lookups filter on this field.
	index := map[string]any{"field_name": "is_metadata", "field_schema": "bool"}
	return s.do(ctx, http.MethodPut, "/collections/"+collection+"/index?wait=true", index, nil)
}

// PointID derives the Qdrant id of a child chunk.
func PointID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s:%d", documentID, chunkIndex))).String()
}

func (s *Store) Upsert(ctx context.Context, collection string, points []domain.ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}
	out := make([]map[string]any, len(points))
	for i, p := range points {
		out[i] = map[string]any{
			"id":     PointID(p.Chunk.DocumentID, p.Chunk.Index),
			"vector": p.Vector,
			"payload": map[string]any{
				"document_id": p.Chunk.DocumentID,
				"parent_id":   p.Chunk.ParentID,
				"chunk_index": p.Chunk.Index,
				"text":        p.Chunk.Text,
				"section":     p.Chunk.Section,
				"is_metadata": p.Chunk.IsMetadata,
				"collection":  collection,
			},
		}
	}
	body := map[string]any{"points": out}
	err := s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
	if isNotFound(err) {
		return domain.ErrCollectionNotFound.Wrap(err)
	}
	return err
}

type pointPayload struct {
	DocumentID string `json:"document_id"`
	ParentID   int    `json:"parent_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Section    string `json:"section"`
	IsMetadata bool   `json:"is_metadata"`
}

type scoredPoint struct {
	Score   float64      `json:"score"`
	Payload pointPayload `json:"payload"`
}

func (p scoredPoint) hit(collection string) domain.ChunkHit {
	return domain.ChunkHit{
		Collection: collection,
		DocumentID: p.Payload.DocumentID,
		ParentID:   p.Payload.ParentID,
		ChunkIndex: p.Payload.ChunkIndex,
		Text:       p.Payload.Text,
		Section:    p.Payload.Section,
		IsMetadata: p.Payload.IsMetadata,
		Score:      p.Score,
	}
}

func (s *Store) Search(ctx context.Context, collection string, vector []float32, topK int) ([]domain.ChunkHit, error) {
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", req, &resp); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrCollectionNotFound.Wrap(err)
		}
		return nil, err
	}
	hits := make([]domain.ChunkHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, r.hit(collection))
	}
	return hits, nil
}

// MetadataChunks returns the metadata points of a collection.
func (s *Store) MetadataChunks(ctx context.Context, collection string) ([]domain.ChunkHit, error) {
	req := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "is_metadata", "match": map[string]any{"value": true}},
			},
		},
		"limit":        2,
		"with_payload": true,
		"with_vector":  false,
	}
	var resp struct {
		Result struct {
			Points []scoredPoint `json:"points"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", req, &resp); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrCollectionNotFound.Wrap(err)
		}
		return nil, err
	}
	hits := make([]domain.ChunkHit, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		hits = append(hits, p.hit(collection))
	}
	return hits, nil
}

func (s *Store) Exists(ctx context.Context, collection string) (bool, error) {
	var resp struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, "/collections/"+collection+"/exists", nil, &resp); err != nil {
		return false, err
	}
	return resp.Result.Exists, nil
}

// Drop deletes the collection. Dropping a missing collection succeeds.
func (s *Store) Drop(ctx context.Context, collection string) error {
	err := s.do(ctx, http.MethodDelete, "/collections/"+collection, nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// List returns the names of all document collections.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, err
	}
	var names []string
	for _, c := range resp.Result.Collections {
		if strings.HasPrefix(c.Name, domain.CollectionPrefix) {
			names = append(names, c.Name)
		}
	}
	return names, nil
}

func (s *Store) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.ErrStoreUnavailable.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{method: method, path: path, status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

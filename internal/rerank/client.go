// Package rerank scores (query, passage) pairs for relevance.
//
// Client talks to a cross-encoder served behind a text-embeddings-inference
// style /rerank endpoint. LLMReranker asks the chat model instead and is used
// when no cross-encoder is deployed. Both return scores in [0,1] aligned with
// the input order.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// Config configures the HTTP cross-encoder client
type Config struct {
	URL     string
	Model   string
	Timeout time.Duration
	// MaxBatch bounds the number of texts per request.
	MaxBatch int
}

// Client is an HTTP cross-encoder client
type Client struct {
	url      string
	model    string
	maxBatch int
	http     *http.Client
}

// NewClient creates a reranker client for the endpoint at cfg.URL
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 64
	}
	return &Client{
		url:      strings.TrimRight(cfg.URL, "/"),
		model:    cfg.Model,
		maxBatch: maxBatch,
		http:     &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score returns one relevance score per text, in input order
func (c *Client) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	scores := make([]float64, len(texts))
	for start := 0; start < len(texts); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		if err := c.scoreBatch(ctx, query, texts[start:end], scores[start:end]); err != nil {
			return nil, err
		}
	}
	return scores, nil
}

func (c *Client) scoreBatch(ctx context.Context, query string, texts []string, out []float64) error {
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/rerank", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("rerank canceled: %w", ctx.Err())
		}
		return domain.ErrRerankerUnavailable.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.ErrRerankerUnavailable.Wrap(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return domain.ErrRerankerUnavailable.Wrap(fmt.Errorf("decode response: %w", err))
	}
	if len(results) != len(texts) {
		return domain.ErrRerankerUnavailable.Wrap(fmt.Errorf("expected %d scores, got %d", len(texts), len(results)))
	}
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(out) {
			return domain.ErrRerankerUnavailable.Wrap(fmt.Errorf("score index %d out of range", r.Index))
		}
		out[r.Index] = clamp(r.Score)
	}
	return nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

package rerank

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// Completer is the chat model used for scoring
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

const llmScorePrompt = `You are a relevance judge. Rate how well each passage answers the question on a scale from 0 (irrelevant) to 10 (directly answers it).
Reply with one line per passage in the form "<number>: <score>" and nothing else.`

const llmPassageRunes = 800

var scoreLine = regexp.MustCompile(`^\s*\[?(\d+)\]?\s*[:=-]\s*(\d+(?:\.\d+)?)`)

// LLMReranker scores passages with the chat model
type LLMReranker struct {
	llm Completer
}

// NewLLMReranker creates a reranker backed by llm
func NewLLMReranker(llm Completer) *LLMReranker {
	return &LLMReranker{llm: llm}
}

// Score returns one relevance score per text, in input order. Passages the
// model does not mention score zero.
func (r *LLMReranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", query)
	for i, t := range texts {
		if runes := []rune(t); len(runes) > llmPassageRunes {
			t = string(runes[:llmPassageRunes])
		}
		fmt.Fprintf(&sb, "Passage %d:\n%s\n\n", i+1, t)
	}

	out, err := r.llm.Complete(ctx, domain.CompletionRequest{
		Turns: []domain.Turn{
			{Role: domain.RoleSystem, Content: llmScorePrompt},
			{Role: domain.RoleUser, Content: sb.String()},
		},
		Exact:     true,
		MaxTokens: 8 * len(texts),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rerank canceled: %w", ctx.Err())
		}
		return nil, domain.ErrRerankerUnavailable.Wrap(err)
	}

	return parseScores(out, len(texts)), nil
}

func parseScores(out string, n int) []float64 {
	scores := make([]float64, n)
	for _, line := range strings.Split(out, "\n") {
		m := scoreLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		scores[idx-1] = clamp(v / 10)
	}
	return scores
}

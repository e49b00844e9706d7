package service

import (
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/pkoukk/tiktoken-go"
)

const answerSystemPrompt = "You are a helpful assistant that answers questions based on the provided context. Use the context to answer the question accurately. If the context doesn't contain enough information to answer the question, say so."

// NoResultsAnswer is returned when retrieval finds nothing good enough.
const NoResultsAnswer = "I couldn't find relevant information in the documents to answer your question."

const (
	defaultContextTokens = 12000
	tokenEncoding        = "cl100k_base"
)

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// estimateCounter assumes four characters per token.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewTokenCounter loads the cl100k encoding, falling back to an estimate
// when the encoding files cannot be loaded.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		log.Printf("prompt: tiktoken unavailable, estimating tokens: %v", err)
		return estimateCounter{}
	}
	return tiktokenCounter{enc: enc}
}

// PromptBuilder assembles the generation prompt within a token budget.
type PromptBuilder struct {
	counter TokenCounter
	budget  int
}

func NewPromptBuilder(counter TokenCounter, budget int) *PromptBuilder {
	if counter == nil {
		counter = estimateCounter{}
	}
	if budget <= 0 {
		budget = defaultContextTokens
	}
	return &PromptBuilder{counter: counter, budget: budget}
}

// Build returns system prompt, history and the context question, in that
// order. Over budget, history goes first (oldest turn first), then the
// lowest ranked passages. The best passage is always kept.
func (b *PromptBuilder) Build(query string, passages []domain.Passage, history []domain.Turn) []domain.Turn {
	system := domain.Turn{Role: domain.RoleSystem, Content: answerSystemPrompt}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	used := b.counter.Count(system.Content)
	user := renderQuestion(query, texts)
	for b.tokens(used, user, history) > b.budget {
		if len(history) > 0 {
			history = history[1:]
			continue
		}
		if len(texts) > 1 {
			texts = texts[:len(texts)-1]
			user = renderQuestion(query, texts)
			continue
		}
		break
	}

	turns := make([]domain.Turn, 0, len(history)+2)
	turns = append(turns, system)
	turns = append(turns, history...)
	turns = append(turns, domain.Turn{Role: domain.RoleUser, Content: user})
	return turns
}

func (b *PromptBuilder) tokens(used int, user string, history []domain.Turn) int {
	total := used + b.counter.Count(user)
	for _, t := range history {
		total += b.counter.Count(t.Content)
	}
	return total
}

func renderQuestion(query string, contexts []string) string {
	blocks := make([]string, len(contexts))
	for i, c := range contexts {
		blocks[i] = fmt.Sprintf("Context %d:\n%s", i+1, c)
	}
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s", strings.Join(blocks, "\n\n"), query)
}

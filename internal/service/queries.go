package service

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	variantCacheSize = 1000
	variantCacheTTL  = time.Hour
	refinedExcerpt   = 500
)

const (
	directPrompt = "You are a query expansion assistant. Given a user question, generate exactly 3 different variations of the question that might help find relevant information. Each variation should approach the question from a different angle or use different keywords.\n\nReturn ONLY the 3 queries, one per line, without numbering or bullets."

	alternativePrompt = "The previous search did not find good results. Generate 3 COMPLETELY DIFFERENT formulations of the question. Try:\n1. Using synonyms and related terms\n2. Breaking down into sub-questions\n3. Asking from a different perspective\n\nReturn ONLY the 3 queries, one per line, without numbering or bullets."

	refinedPrompt = "Based on a partially relevant result, generate 3 more specific queries that might find better information. The queries should be related to what was found but more targeted.\n\nReturn ONLY the 3 queries, one per line, without numbering or bullets."
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "for": {}, "with": {}, "by": {},
	"in": {}, "on": {}, "at": {}, "from": {}, "as": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
	"been": {}, "it": {}, "this": {}, "that": {}, "these": {}, "those": {}, "we": {}, "our": {}, "you": {},
	"your": {}, "i": {}, "me": {}, "my": {}, "us": {}, "them": {}, "they": {}, "their": {}, "do": {},
	"does": {}, "did": {}, "what": {}, "how": {}, "why": {}, "when": {}, "where": {}, "which": {}, "can": {},
	"could": {}, "should": {}, "would": {}, "may": {}, "might": {}, "will": {}, "shall": {},
}

// QueryPlanner produces the query variants searched in one retrieval round.
// Without a model, or when the model fails, it falls back to splitting the
// question and stripping stopwords.
type QueryPlanner struct {
	llm   Completer
	cache *expirable.LRU[string, []string]
}

// NewQueryPlanner creates a QueryPlanner. llm may be nil.
func NewQueryPlanner(llm Completer) *QueryPlanner {
	return &QueryPlanner{
		llm:   llm,
		cache: expirable.NewLRU[string, []string](variantCacheSize, nil, variantCacheTTL),
	}
}

// Variants returns the distinct queries for round. The result is never empty.
// best is the text of the best candidate so far and only feeds refined rounds.
func (p *QueryPlanner) Variants(ctx context.Context, round config.RoundStrategy, query, best string) []string {
	query = strings.TrimSpace(query)

	var out []string
	seen := make(map[string]struct{})
	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		key := strings.ToLower(candidate)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, candidate)
	}

	if round.IncludeOriginal {
		add(query)
	}

	generated := p.generate(ctx, round, query, best)
	limit := len(out) + round.Variants
	for _, v := range generated {
		if len(out) >= limit {
			break
		}
		add(v)
	}
	// Pad short model answers with the heuristic variants.
	for _, v := range generateQueryVariants(query, round.Variants) {
		if len(out) >= limit {
			break
		}
		add(v)
	}

	if round.IncludeKeywords {
		add(keywordQuery(query))
	}
	if len(out) == 0 {
		out = append(out, query)
	}
	return out
}

func (p *QueryPlanner) generate(ctx context.Context, round config.RoundStrategy, query, best string) []string {
	if round.Variants == 0 || p.llm == nil {
		return nil
	}

	cacheable := round.Prompt == config.PromptDirect
	cacheKey := strings.ToLower(query)
	if cacheable {
		if cached, ok := p.cache.Get(cacheKey); ok {
			return cached
		}
	}

	system := directPrompt
	user := "Original question: " + query
	switch round.Prompt {
	case config.PromptAlternative:
		system = alternativePrompt
	case config.PromptRefined:
		system = refinedPrompt
		if best != "" {
			user += "\n\nPartially relevant content found:\n" + truncateRunes(best, refinedExcerpt)
		}
	}

	answer, err := p.llm.Complete(ctx, domain.CompletionRequest{
		Turns: []domain.Turn{
			{Role: domain.RoleSystem, Content: system},
			{Role: domain.RoleUser, Content: user},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		log.Printf("retrieval: query generation failed, using heuristics: %v", err)
		return nil
	}

	variants := parseVariantLines(answer)
	if cacheable && len(variants) > 0 {
		// Direct rounds always get three entries so a cached answer fills any
		// later request for the same question.
		for len(variants) < 3 {
			variants = append(variants, query)
		}
		p.cache.Add(cacheKey, variants)
	}
	return variants
}

// parseVariantLines strips list markers the model adds despite being told not to.
func parseVariantLines(answer string) []string {
	var out []string
	for _, line := range strings.Split(answer, "\n") {
		line = stripListMarker(strings.TrimSpace(line))
		line = strings.Trim(strings.TrimSpace(line), `"`)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stripListMarker(line string) string {
	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	if digits > 0 && digits < len(line) && (line[digits] == '.' || line[digits] == ')') {
		line = line[digits+1:]
	}
	return strings.TrimLeft(line, "-*• ")
}

func generateQueryVariants(query string, max int) []string {
	if max <= 0 {
		return nil
	}
	clean := strings.TrimSpace(query)
	if clean == "" {
		return nil
	}

	seen := map[string]struct{}{strings.ToLower(clean): {}}
	var variants []string

	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		key := strings.ToLower(candidate)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		variants = append(variants, candidate)
	}

	for _, part := range splitQueryParts(clean) {
		add(part)
		if len(variants) >= max {
			return variants[:max]
		}
	}

	add(keywordQuery(clean))

	if len(variants) > max {
		return variants[:max]
	}
	return variants
}

func splitQueryParts(query string) []string {
	parts := []string{}
	chunks := strings.FieldsFunc(query, func(r rune) bool {
		switch r {
		case ',', ';', '/', '|', ':', '?', '!', '(', ')', '[', ']', '{', '}':
			return true
		default:
			return false
		}
	})

	for _, chunk := range chunks {
		for _, sub := range strings.Split(chunk, " and ") {
			sub = strings.TrimSpace(sub)
			if sub != "" {
				parts = append(parts, sub)
			}
		}
	}

	return parts
}

func keywordQuery(query string) string {
	var tokens []string
	for _, token := range strings.FieldsFunc(query, unicode.IsSpace) {
		clean := strings.ToLower(strings.TrimFunc(token, unicode.IsPunct))
		if clean == "" {
			continue
		}
		if _, ok := stopwords[clean]; ok {
			continue
		}
		tokens = append(tokens, strings.TrimFunc(token, unicode.IsPunct))
	}
	return strings.Join(tokens, " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package service

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

// Retriever produces accepted context for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, onStep StepFunc) (*RetrievalResult, error)
}

// EmitFunc receives query stream events in order.
type EmitFunc func(domain.QueryEvent)

// Answer is a fully generated reply.
type Answer struct {
	Content string
	Sources []domain.Source
	// Fallback marks the fixed reply used when retrieval found nothing.
	Fallback bool
}

// GenerationService is the generation coordinator: it runs retrieval, feeds
// the accepted passages and chat history to the model and relays tokens.
type GenerationService struct {
	retriever Retriever
	generator Generator
	prompts   *PromptBuilder
}

func NewGenerationService(retriever Retriever, generator Generator, prompts *PromptBuilder) *GenerationService {
	if prompts == nil {
		prompts = NewPromptBuilder(nil, 0)
	}
	return &GenerationService{retriever: retriever, generator: generator, prompts: prompts}
}

// Answer emits thinking and chunk events and returns the complete answer.
// The terminal end or error event is left to the caller, which persists the
// answer first. When ctx is cancelled mid-stream the model stream is closed
// and the context error returned.
func (s *GenerationService) Answer(ctx context.Context, query string, history []domain.Turn, emit EmitFunc) (*Answer, error) {
	ctx, span := telemetry.StartSpan(ctx, "GenerationService.Answer", telemetry.SpanAttributes{
		Operation: "generate",
	})
	defer span.End()

	result, err := s.retriever.Retrieve(ctx, query, func(step domain.ThinkingStep) {
		emit(domain.QueryEvent{Type: domain.QueryEventThinking, Step: &step})
	})
	if errors.Is(err, domain.ErrNoSufficientResults) {
		return &Answer{Content: NoResultsAnswer, Sources: []domain.Source{}, Fallback: true}, nil
	}
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	turns := s.prompts.Build(query, result.Passages, history)
	stream, err := s.generator.Stream(ctx, turns)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.SetError(err)
		return nil, generationError(err)
	}
	defer stream.Close()

	var content strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			span.SetError(err)
			return nil, generationError(err)
		}
		if token == "" {
			continue
		}
		content.WriteString(token)
		emit(domain.QueryEvent{Type: domain.QueryEventChunk, Content: token})
	}

	return &Answer{Content: content.String(), Sources: result.Sources()}, nil
}

func generationError(err error) error {
	if errors.Is(err, domain.ErrGenerationUnavailable) {
		return err
	}
	return domain.ErrGenerationUnavailable.Wrap(err)
}

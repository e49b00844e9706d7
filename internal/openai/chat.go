package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultChatModel is used when no chat model is configured
const DefaultChatModel = openai.GPT4oMini

// ChatAPI is the subset of the go-openai client used for completions
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

type ChatConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	// Timeout bounds one-shot completions. Streams are bounded by the caller.
	Timeout time.Duration
}

// ChatClient is the generative model gateway
type ChatClient struct {
	api         ChatAPI
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

// NewChatClient creates a chat client backed by the OpenAI API
func NewChatClient(cfg ChatConfig) *ChatClient {
	return newChatClient(openai.NewClientWithConfig(clientConfig(cfg.APIKey, cfg.BaseURL)), cfg)
}

func newChatClient(api ChatAPI, cfg ChatConfig) *ChatClient {
	model := cfg.Model
	if model == "" {
		model = DefaultChatModel
	}
	return &ChatClient{
		api:         api,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}
}

// Complete returns the full model answer for req
func (c *ChatClient) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.api.CreateChatCompletion(ctx, c.request(req, false))
	if err != nil {
		return "", domain.ErrGenerationUnavailable.Wrap(fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", domain.ErrGenerationUnavailable.Wrap(errors.New("no choices returned"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Stream starts a streamed completion. The stream must be closed by the caller.
func (c *ChatClient) Stream(ctx context.Context, turns []domain.Turn) (domain.TokenStream, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, c.request(domain.CompletionRequest{Turns: turns}, true))
	if err != nil {
		return nil, domain.ErrGenerationUnavailable.Wrap(fmt.Errorf("chat stream: %w", err))
	}
	return &tokenStream{stream: stream}, nil
}

func (c *ChatClient) request(req domain.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	temperature := c.temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	// go-openai omits a zero temperature, so send the smallest positive value
	if req.Exact {
		temperature = math.SmallestNonzeroFloat32
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns))
	for _, t := range req.Turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

type tokenStream struct {
	stream *openai.ChatCompletionStream
}

func (s *tokenStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", domain.ErrGenerationUnavailable.Wrap(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *tokenStream) Close() error {
	return s.stream.Close()
}

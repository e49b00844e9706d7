package service

import (
	"context"
	"strings"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/pagination"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

const maxChatTitleRunes = 60

// AskInput is one question in a chat. An empty ChatID starts a new chat.
type AskInput struct {
	ChatID string
	Query  string
}

// ChatService manages chats and answers questions inside them.
type ChatService struct {
	chats     ChatRepositoryInterface
	txRunner  TxRunner
	generator *GenerationService
	policy    *PolicyHolder
	uuidGen   UUIDGenerator
	now       func() time.Time
}

func NewChatService(chats ChatRepositoryInterface, txRunner TxRunner, generator *GenerationService, policy *PolicyHolder) *ChatService {
	if policy == nil {
		policy = NewPolicyHolder(nil)
	}
	return &ChatService{
		chats:     chats,
		txRunner:  txRunner,
		generator: generator,
		policy:    policy,
		uuidGen:   &DefaultUUIDGenerator{},
		now:       time.Now,
	}
}

// Create starts an empty chat.
func (s *ChatService) Create(ctx context.Context, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	chat := domain.NewChat(s.uuidGen.NewString(), title, s.now().UTC())
	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *ChatService) Get(ctx context.Context, id string) (*domain.Chat, error) {
	return s.chats.GetByID(ctx, id)
}

func (s *ChatService) List(ctx context.Context) ([]*domain.Chat, error) {
	return s.chats.List(ctx)
}

func (s *ChatService) Delete(ctx context.Context, id string) error {
	return s.chats.Delete(ctx, id)
}

// Messages pages through a chat's history, oldest first.
func (s *ChatService) Messages(ctx context.Context, chatID, cursor string, limit int) (*pagination.PageResult[*domain.Message], error) {
	if _, err := s.chats.GetByID(ctx, chatID); err != nil {
		return nil, err
	}
	c, err := pagination.DecodeCursor(cursor)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid cursor", err)
	}
	return s.chats.ListMessages(ctx, chatID, c, pagination.ClampLimit(limit))
}

// Ask answers input.Query, relaying thinking and chunk events to emit. On
// success both messages are stored in one transaction and a terminal end
// event is emitted. On failure nothing is stored and the error is returned
// for the caller to report.
func (s *ChatService) Ask(ctx context.Context, input AskInput, emit EmitFunc) (*domain.Message, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}

	ctx, span := telemetry.StartSpan(ctx, "ChatService.Ask", telemetry.SpanAttributes{
		ChatID:    input.ChatID,
		Operation: "ask",
	})
	defer span.End()

	chat, history, err := s.chatContext(ctx, input.ChatID, query)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	answer, err := s.generator.Answer(ctx, query, history, emit)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	question := &domain.Message{
		ID:        s.uuidGen.NewString(),
		ChatID:    chat.ID,
		Role:      domain.RoleUser,
		Content:   query,
		CreatedAt: now,
	}
	reply := &domain.Message{
		ID:        s.uuidGen.NewString(),
		ChatID:    chat.ID,
		Role:      domain.RoleAssistant,
		Content:   answer.Content,
		Sources:   answer.Sources,
		CreatedAt: now.Add(time.Microsecond),
	}
	err = s.txRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Chats().AddMessage(ctx, question); err != nil {
			return err
		}
		return repos.Chats().AddMessage(ctx, reply)
	})
	if err != nil {
		span.SetError(err)
		telemetry.CaptureError(ctx, err)
		return nil, domain.ErrStorageOperationFail.Wrap(err)
	}

	emit(domain.QueryEvent{
		Type:      domain.QueryEventEnd,
		Content:   reply.Content,
		Sources:   reply.Sources,
		MessageID: reply.ID,
		ChatID:    chat.ID,
	})
	return reply, nil
}

func (s *ChatService) chatContext(ctx context.Context, chatID, query string) (*domain.Chat, []domain.Turn, error) {
	if chatID == "" {
		title := query
		if r := []rune(title); len(r) > maxChatTitleRunes {
			title = string(r[:maxChatTitleRunes]) + "..."
		}
		chat, err := s.Create(ctx, title)
		return chat, nil, err
	}

	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	limit := s.policy.Load().Retrieval.HistoryTurns
	if limit <= 0 {
		return chat, nil, nil
	}
	messages, err := s.chats.RecentMessages(ctx, chatID, limit)
	if err != nil {
		return nil, nil, err
	}
	return chat, domain.TurnsFromMessages(messages, limit), nil
}

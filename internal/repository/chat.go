package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/pagination"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	db dbtx
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: pool}
}

func NewChatRepositoryWithTx(tx pgx.Tx) *ChatRepository {
	return &ChatRepository{db: tx}
}

func (r *ChatRepository) Create(ctx context.Context, c *domain.Chat) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	var c domain.Chat
	err := r.db.QueryRow(ctx,
		`SELECT id, title, created_at, updated_at FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if isMissing(err) {
		return nil, domain.ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChatRepository) List(ctx context.Context) ([]*domain.Chat, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*domain.Chat
	for rows.Next() {
		var c domain.Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

func (r *ChatRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if isMissing(err) {
		return domain.ErrChatNotFound
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChatNotFound
	}
	return nil
}

// AddMessage stores m and bumps the chat's updated_at.
func (r *ChatRepository) AddMessage(ctx context.Context, m *domain.Message) error {
	sources := m.Sources
	if sources == nil {
		sources = []domain.Source{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO messages (id, chat_id, role, content, sources, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ChatID, m.Role, m.Content, raw, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `UPDATE chats SET updated_at = $2 WHERE id = $1`, m.ChatID, m.CreatedAt)
	return err
}

// RecentMessages returns the newest limit messages, oldest first.
func (r *ChatRepository) RecentMessages(ctx context.Context, chatID string, limit int) ([]*domain.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, chat_id, role, content, sources, created_at FROM (
			SELECT id, chat_id, role, content, sources, created_at
			FROM messages WHERE chat_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		 ) recent ORDER BY created_at ASC, id ASC`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

// ListMessages pages through a chat's history in chronological order.
func (r *ChatRepository) ListMessages(ctx context.Context, chatID string, cursor *pagination.Cursor, limit int) (*pagination.PageResult[*domain.Message], error) {
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if cursor != nil {
		rows, err = r.db.Query(ctx,
			`SELECT id, chat_id, role, content, sources, created_at
			 FROM messages
			 WHERE chat_id = $1 AND (created_at, id) > ($2, $3)
			 ORDER BY created_at ASC, id ASC
			 LIMIT $4`,
			chatID, cursor.Timestamp, cursor.LastID, limit+1,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT id, chat_id, role, content, sources, created_at
			 FROM messages
			 WHERE chat_id = $1
			 ORDER BY created_at ASC, id ASC
			 LIMIT $2`,
			chatID, limit+1,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}

	page := pagination.Paginate(items, limit,
		func(m *domain.Message) string { return m.ID },
		func(m *domain.Message) time.Time { return m.CreatedAt },
	)
	return &page, nil
}

func scanMessageRows(rows pgx.Rows) ([]*domain.Message, error) {
	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var raw []byte
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Sources); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

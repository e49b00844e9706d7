package domain

import (
	"fmt"
	"time"
)

// Role is the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Chat is a conversation
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted chat turn
type Message struct {
	ID        string
	ChatID    string
	Role      Role
	Content   string
	Sources   []Source
	CreatedAt time.Time
}

// Turn is a (role, content) pair fed to the generative model
type Turn struct {
	Role    Role
	Content string
}

// NewChat creates a new Chat instance
func NewChat(id, title string, now time.Time) *Chat {
	return &Chat{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
}

// ValidateMessage validates a Message instance
func ValidateMessage(m *Message) error {
	if m == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if m.ID == "" || m.ChatID == "" {
		return fmt.Errorf("message ID and ChatID are required")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("message Role is invalid: %s", m.Role)
	}
	return nil
}

// TurnsFromMessages converts the newest limit messages to turns, oldest first.
func TurnsFromMessages(messages []*Message, limit int) []Turn {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// CompletionRequest is a one-shot call to the generative model. Zero values
// select the model defaults; Exact forces temperature zero.
type CompletionRequest struct {
	Turns       []Turn
	Temperature float32
	MaxTokens   int
	Exact       bool
}

package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageRequired = errors.New("message is required")
)

const (
	titleLimit   = 40
	defaultTitle = "New Chat"
)

// Summary is the sidebar entry for one chat.
type Summary struct {
	ChatID       string `json:"chat_id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

// Store is the durable mapping from chat id to its turns.
type Store interface {
	Create(ctx context.Context) (string, error)
	Exists(ctx context.Context, chatID string) (bool, error)
	Turns(ctx context.Context, chatID string) ([]Turn, error)
	Append(ctx context.Context, chatID string, turns ...Turn) error
	Delete(ctx context.Context, chatID string) error
	// Summaries lists non-empty chats, newest first.
	Summaries(ctx context.Context) ([]Summary, error)
	Close() error
}

// NewID returns a fresh 32 character hex chat identifier.
func NewID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// Summarize derives the sidebar entry for a chat. Empty chats are not listed.
func Summarize(chatID string, turns []Turn) (Summary, bool) {
	if len(turns) == 0 {
		return Summary{}, false
	}

	title := defaultTitle
	for _, turn := range turns {
		if turn.Role == RoleUser {
			title = turn.Content()
			break
		}
	}

	return Summary{
		ChatID:       chatID,
		Title:        Truncate(title, titleLimit),
		MessageCount: len(turns),
	}, true
}

// Truncate cuts s to limit runes and appends "..." when it was longer.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
)

// Generator produces the assistant reply for a message given the prior turns.
type Generator interface {
	Generate(ctx context.Context, history []chat.Turn, message string) (string, error)
	Stream(ctx context.Context, history []chat.Turn, message string, onChunk func(string)) (string, error)
}

// Reply is the outcome of one exchange.
type Reply struct {
	ChatID string
	Text   string
	// Fallback is set when the model failed and Text is the placeholder.
	Fallback bool
}

// Service owns the conversation flow on top of a chat.Store.
type Service struct {
	store     chat.Store
	generator Generator
	fallback  string
	log       *zerolog.Logger
}

// NewService wires the store and generator together. fallback is stored as the
// assistant turn whenever the generator fails.
func NewService(store chat.Store, generator Generator, fallback string, logger *zerolog.Logger) *Service {
	return &Service{
		store:     store,
		generator: generator,
		fallback:  fallback,
		log:       logger,
	}
}

// Send appends message to chatID (creating a chat when chatID is empty or
// unknown), asks the model for a reply and persists the exchange. When ctx
// is canceled while the model is running nothing is stored and the context
// error is returned.
func (s *Service) Send(ctx context.Context, chatID, message string) (Reply, error) {
	return s.exchange(ctx, chatID, message, nil, func(history []chat.Turn) (string, error) {
		return s.generator.Generate(ctx, history, message)
	})
}

// Stream is Send with the reply delivered chunk by chunk through onChunk.
// onStart is called with the resolved chat id before the model is invoked.
func (s *Service) Stream(ctx context.Context, chatID, message string, onStart func(chatID string), onChunk func(string)) (Reply, error) {
	return s.exchange(ctx, chatID, message, onStart, func(history []chat.Turn) (string, error) {
		return s.generator.Stream(ctx, history, message, onChunk)
	})
}

func (s *Service) exchange(ctx context.Context, chatID, message string, onStart func(string), generate func([]chat.Turn) (string, error)) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, chat.ErrMessageRequired
	}

	chatID, err := s.resolve(ctx, chatID)
	if err != nil {
		return Reply{}, err
	}
	if onStart != nil {
		onStart(chatID)
	}

	history, err := s.store.Turns(ctx, chatID)
	if err != nil {
		return Reply{}, fmt.Errorf("load chat %s: %w", chatID, err)
	}

	text, genErr := generate(history)

	// 写入与请求生命周期解耦，两种存储后端在客户端断开时行为一致。
	persistCtx := context.WithoutCancel(ctx)

	if genErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// 客户端已断开：不是模型故障，什么都不记录。
			s.log.Info().Err(genErr).Str("chat_id", chatID).Msg("request canceled during model call, nothing stored")
			return Reply{}, fmt.Errorf("chat %s: %w", chatID, ctxErr)
		}

		s.log.Error().Err(genErr).Str("chat_id", chatID).Msg("model call failed, storing fallback reply")

		// 失败的用户消息不保留，只记录占位回复。
		if err := s.store.Append(persistCtx, chatID, chat.NewTurn(chat.RoleAssistant, s.fallback)); err != nil {
			return Reply{}, fmt.Errorf("append fallback to chat %s: %w", chatID, err)
		}
		return Reply{ChatID: chatID, Text: s.fallback, Fallback: true}, nil
	}

	if err := s.store.Append(persistCtx, chatID,
		chat.NewTurn(chat.RoleUser, message),
		chat.NewTurn(chat.RoleAssistant, text),
	); err != nil {
		return Reply{}, fmt.Errorf("append exchange to chat %s: %w", chatID, err)
	}
	return Reply{ChatID: chatID, Text: text}, nil
}

// resolve returns chatID when it is known, otherwise a freshly created chat.
func (s *Service) resolve(ctx context.Context, chatID string) (string, error) {
	if chatID != "" {
		ok, err := s.store.Exists(ctx, chatID)
		if err != nil {
			return "", fmt.Errorf("lookup chat %s: %w", chatID, err)
		}
		if ok {
			return chatID, nil
		}
	}

	created, err := s.store.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	s.log.Info().Str("chat_id", created).Msg("chat created")
	return created, nil
}

// Exists reports whether chatID is a known chat.
func (s *Service) Exists(ctx context.Context, chatID string) (bool, error) {
	if chatID == "" {
		return false, nil
	}
	return s.store.Exists(ctx, chatID)
}

// Transcript returns the turns of chatID or chat.ErrChatNotFound.
func (s *Service) Transcript(ctx context.Context, chatID string) ([]chat.Turn, error) {
	return s.store.Turns(ctx, chatID)
}

// Summaries lists non-empty chats, newest first.
func (s *Service) Summaries(ctx context.Context) ([]chat.Summary, error) {
	return s.store.Summaries(ctx)
}

// Delete removes chatID or returns chat.ErrChatNotFound.
func (s *Service) Delete(ctx context.Context, chatID string) error {
	if err := s.store.Delete(ctx, chatID); err != nil {
		return err
	}
	s.log.Info().Str("chat_id", chatID).Msg("chat deleted")
	return nil
}

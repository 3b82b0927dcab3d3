package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/gemini-chat/backend/internal/config"
	"github.com/zhouzirui/gemini-chat/backend/internal/metrics"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
)

// ErrEmptyReply is returned when the model answers with no text, which
// happens when a response is blocked.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Service replays a chat's history to the configured chat model.
type Service struct {
	provider  string
	modelName string
	chain     compose.Runnable[map[string]any, *schema.Message]
	log       *zerolog.Logger
}

// NewService creates the chat model described by cfg and wraps it.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zerolog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.Provider, cfg.ModelName(), logger)
}

// NewServiceWithModel builds the prompt chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, provider, modelName string, logger *zerolog.Logger) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		provider:  provider,
		modelName: modelName,
		chain:     runnable,
		log:       logger,
	}, nil
}

// Provider names the backing provider.
func (s *Service) Provider() string { return s.provider }

// Generate returns the model's reply to message given the prior turns.
func (s *Service) Generate(ctx context.Context, history []chat.Turn, message string) (string, error) {
	start := time.Now()

	response, err := s.chain.Invoke(ctx, s.buildChainInput(history, message))
	if err == nil && (response == nil || response.Content == "") {
		err = ErrEmptyReply
	}
	s.observe(start, err)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.observeUsage(response.ResponseMeta)
	s.log.Debug().
		Str("provider", s.provider).
		Int("history", len(history)).
		Int("length", len(response.Content)).
		Msg("generated response")
	return response.Content, nil
}

// Stream is Generate delivering the reply in chunks through onChunk. The
// returned string is the full reply.
func (s *Service) Stream(ctx context.Context, history []chat.Turn, message string, onChunk func(string)) (string, error) {
	start := time.Now()

	reply, meta, err := s.collect(ctx, history, message, onChunk)
	if err == nil && reply == "" {
		err = ErrEmptyReply
	}
	s.observe(start, err)
	if err != nil {
		return "", fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	s.observeUsage(meta)
	return reply, nil
}

func (s *Service) collect(ctx context.Context, history []chat.Turn, message string, onChunk func(string)) (string, *schema.ResponseMeta, error) {
	stream, err := s.chain.Stream(ctx, s.buildChainInput(history, message))
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var (
		b    strings.Builder
		meta *schema.ResponseMeta
	)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", nil, recvErr
		}
		if chunk == nil {
			continue
		}
		if chunk.ResponseMeta != nil {
			meta = chunk.ResponseMeta
		}
		if chunk.Content != "" {
			b.WriteString(chunk.Content)
			if onChunk != nil {
				onChunk(chunk.Content)
			}
		}
	}
	return b.String(), meta, nil
}

func (s *Service) buildChainInput(history []chat.Turn, message string) map[string]any {
	return map[string]any{
		"history": buildHistoryMessages(history),
		"query":   message,
	}
}

func (s *Service) observe(start time.Time, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	metrics.ObserveModelCall(s.provider, s.modelName, time.Since(start).Milliseconds(), err == nil)
}

func (s *Service) observeUsage(meta *schema.ResponseMeta) {
	if meta == nil || meta.Usage == nil {
		return
	}
	metrics.ObserveTokens(s.provider, s.modelName, meta.Usage.PromptTokens, meta.Usage.CompletionTokens)
}

func buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content()))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content(), nil))
		}
	}
	return history
}

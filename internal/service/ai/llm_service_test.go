package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/gemini-chat/backend/internal/logging"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
)

// fakeChatModel records the messages it was given and replies with reply,
// split into chunks when streamed.
type fakeChatModel struct {
	reply  string
	chunks []string
	err    error
	input  []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	msg := schema.AssistantMessage(f.reply, nil)
	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}}
	return msg, nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func newTestService(t *testing.T, m *fakeChatModel) *Service {
	t.Helper()
	svc, err := NewServiceWithModel(context.Background(), m, "fake", "fake-1", logging.Nop())
	require.NoError(t, err)
	return svc
}

func TestGenerateReplaysHistoryThenMessage(t *testing.T) {
	m := &fakeChatModel{reply: "4"}
	svc := newTestService(t, m)

	history := []chat.Turn{
		chat.NewTurn(chat.RoleUser, "hi {name}"),
		chat.NewTurn(chat.RoleAssistant, "hello"),
	}
	got, err := svc.Generate(context.Background(), history, "what is 2+2")
	require.NoError(t, err)
	assert.Equal(t, "4", got)

	require.Len(t, m.input, 3)
	assert.Equal(t, schema.User, m.input[0].Role)
	assert.Equal(t, "hi {name}", m.input[0].Content)
	assert.Equal(t, schema.Assistant, m.input[1].Role)
	assert.Equal(t, schema.User, m.input[2].Role)
	assert.Equal(t, "what is 2+2", m.input[2].Content)
}

func TestGenerateWithoutHistory(t *testing.T) {
	m := &fakeChatModel{reply: "hey"}
	svc := newTestService(t, m)

	got, err := svc.Generate(context.Background(), nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hey", got)
	require.Len(t, m.input, 1)
}

func TestGenerateErrors(t *testing.T) {
	t.Run("model failure", func(t *testing.T) {
		svc := newTestService(t, &fakeChatModel{err: errors.New("quota exceeded")})
		_, err := svc.Generate(context.Background(), nil, "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota exceeded")
	})

	t.Run("empty reply", func(t *testing.T) {
		svc := newTestService(t, &fakeChatModel{reply: ""})
		_, err := svc.Generate(context.Background(), nil, "hi")
		assert.ErrorIs(t, err, ErrEmptyReply)
	})
}

func TestStreamDeliversChunks(t *testing.T) {
	m := &fakeChatModel{chunks: []string{"Hel", "", "lo"}}
	svc := newTestService(t, m)

	var seen []string
	got, err := svc.Stream(context.Background(), []chat.Turn{chat.NewTurn(chat.RoleUser, "a")}, "b", func(c string) {
		seen = append(seen, c)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
	assert.Equal(t, []string{"Hel", "lo"}, seen)
	assert.Len(t, m.input, 2)
}

func TestStreamErrors(t *testing.T) {
	svc := newTestService(t, &fakeChatModel{err: errors.New("unavailable")})
	_, err := svc.Stream(context.Background(), nil, "hi", nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unavailable"))
}

func TestBuildHistoryMessagesSkipsUnknownRoles(t *testing.T) {
	got := buildHistoryMessages([]chat.Turn{
		chat.NewTurn(chat.RoleUser, "a"),
		{Role: "system", Parts: []string{"x"}},
		chat.NewTurn(chat.RoleAssistant, "b"),
	})
	require.Len(t, got, 2)
	assert.Equal(t, schema.Assistant, got[1].Role)
}

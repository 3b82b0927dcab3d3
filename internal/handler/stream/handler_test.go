package stream_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/gemini-chat/backend/internal/handler/activechat"
	"github.com/zhouzirui/gemini-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/gemini-chat/backend/internal/logging"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/gemini-chat/backend/internal/service/chat"
	"github.com/zhouzirui/gemini-chat/backend/internal/store"
)

const fallbackReply = "⚠️ Error connecting to Gemini API."

type fakeGenerator struct {
	err error
}

func (f *fakeGenerator) Generate(_ context.Context, _ []chat.Turn, message string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "reply to " + message, nil
}

func (f *fakeGenerator) Stream(_ context.Context, _ []chat.Turn, message string, onChunk func(string)) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	chunks := []string{"reply ", "to ", message}
	for _, c := range chunks {
		onChunk(c)
	}
	return strings.Join(chunks, ""), nil
}

func setupServer(t *testing.T, gen *fakeGenerator) (*httptest.Server, chat.Store) {
	t.Helper()
	logger := logging.Nop()

	st, err := store.OpenFile(filepath.Join(t.TempDir(), "chat_history.json"), logger)
	require.NoError(t, err)

	svc := chatService.NewService(st, gen, fallbackReply, logger)
	r := chi.NewRouter()
	stream.New(svc, activechat.New("test-secret", false, time.Hour), logger).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

type sseEvent struct {
	name string
	data map[string]any
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		name   string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var data map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
			events = append(events, sseEvent{name: name, data: data})
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, []sseEvent) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/chat/stream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, readEvents(t, resp.Body)
}

func TestStreamChat(t *testing.T) {
	srv, st := setupServer(t, &fakeGenerator{})

	resp, events := post(t, srv, `{"message":"hi"}`)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Len(t, events, 5)

	assert.Equal(t, stream.EventStart, events[0].name)
	chatID, _ := events[0].data["chat_id"].(string)
	assert.Len(t, chatID, 32)

	var deltas []string
	for _, e := range events[1:4] {
		assert.Equal(t, stream.EventDelta, e.name)
		deltas = append(deltas, e.data["content"].(string))
	}
	assert.Equal(t, "reply to hi", strings.Join(deltas, ""))

	assert.Equal(t, stream.EventEnd, events[4].name)
	assert.Equal(t, "reply to hi", events[4].data["response"])
	assert.Equal(t, chatID, events[4].data["chat_id"])
	assert.Equal(t, false, events[4].data["fallback"])

	var cookieSet bool
	for _, c := range resp.Cookies() {
		cookieSet = cookieSet || (c.Name == "active_chat" && c.Value != "")
	}
	assert.True(t, cookieSet, "stream should point the browser at the chat")

	turns, err := st.Turns(context.Background(), chatID)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestStreamFallback(t *testing.T) {
	srv, st := setupServer(t, &fakeGenerator{err: errors.New("boom")})

	_, events := post(t, srv, `{"message":"hi"}`)
	require.Len(t, events, 3)
	assert.Equal(t, stream.EventStart, events[0].name)
	assert.Equal(t, stream.EventError, events[1].name)
	assert.Equal(t, fallbackReply, events[1].data["error"])
	assert.Equal(t, stream.EventEnd, events[2].name)
	assert.Equal(t, true, events[2].data["fallback"])

	turns, err := st.Turns(context.Background(), events[0].data["chat_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, []chat.Turn{chat.NewTurn(chat.RoleAssistant, fallbackReply)}, turns)
}

func TestStreamRejectsEmptyMessage(t *testing.T) {
	srv, _ := setupServer(t, &fakeGenerator{})

	for _, body := range []string{`{"message":" "}`, `{}`, `nope`} {
		resp, err := http.Post(srv.URL+"/chat/stream", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.JSONEq(t, `{"error":"No message provided"}`, string(data))
	}
}

package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/gemini-chat/backend/internal/handler/activechat"
	chatHandler "github.com/zhouzirui/gemini-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/gemini-chat/backend/internal/logging"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/gemini-chat/backend/internal/service/chat"
	"github.com/zhouzirui/gemini-chat/backend/internal/store"
)

const fallbackReply = "⚠️ Error connecting to Gemini API."

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

type fakeGenerator struct {
	err error
}

func (f *fakeGenerator) Generate(_ context.Context, _ []chat.Turn, message string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "reply to " + message, nil
}

func (f *fakeGenerator) Stream(ctx context.Context, history []chat.Turn, message string, _ func(string)) (string, error) {
	return f.Generate(ctx, history, message)
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func setupClient(t *testing.T, gen *fakeGenerator) *client {
	t.Helper()
	logger := logging.Nop()

	st, err := store.OpenFile(filepath.Join(t.TempDir(), "chat_history.json"), logger)
	require.NoError(t, err)

	svc := chatService.NewService(st, gen, fallbackReply, logger)
	tracker := activechat.New("test-secret", false, time.Hour)

	r := chi.NewRouter()
	chatHandler.New(svc, tracker, logger).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &client{t: t, base: srv.URL, http: &http.Client{Jar: jar}}
}

func (c *client) do(method, path, body string) (int, []byte) {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

type sendResult struct {
	Response string `json:"response"`
	ChatID   string `json:"chat_id"`
	Fallback bool   `json:"fallback"`
}

func (c *client) send(message string) sendResult {
	c.t.Helper()
	payload, err := json.Marshal(map[string]string{"message": message})
	require.NoError(c.t, err)

	status, body := c.do(http.MethodPost, "/chat", string(payload))
	require.Equal(c.t, http.StatusOK, status, string(body))

	var out sendResult
	require.NoError(c.t, json.Unmarshal(body, &out))
	return out
}

func TestSendThenFetch(t *testing.T) {
	c := setupClient(t, &fakeGenerator{})

	first := c.send("hi")
	assert.Regexp(t, hexID, first.ChatID)
	assert.NotEmpty(t, first.Response)
	assert.False(t, first.Fallback)

	status, body := c.do(http.MethodGet, "/get_chat_session/"+first.ChatID, "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[{"role":"user","content":"hi"},{"role":"bot","content":"reply to hi"}]`, string(body))
}

func TestSendContinuesActiveChat(t *testing.T) {
	c := setupClient(t, &fakeGenerator{})

	first := c.send("one")
	second := c.send("two")
	assert.Equal(t, first.ChatID, second.ChatID)

	status, body := c.do(http.MethodGet, "/get_chat_history_summary", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[{"chat_id":"`+first.ChatID+`","title":"one","message_count":4}]`, string(body))
}

func TestNewChatStartsFreshSession(t *testing.T) {
	c := setupClient(t, &fakeGenerator{})

	first := c.send("one")
	status, body := c.do(http.MethodPost, "/new_chat", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"message":"New chat started"}`, string(body))

	second := c.send("two")
	assert.NotEqual(t, first.ChatID, second.ChatID)

	_, body = c.do(http.MethodGet, "/get_chat_history_summary", "")
	var summaries []chat.Summary
	require.NoError(t, json.Unmarshal(body, &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, second.ChatID, summaries[0].ChatID)
	assert.Equal(t, first.ChatID, summaries[1].ChatID)
}

func TestFetchSwitchesActiveChat(t *testing.T) {
	c := setupClient(t, &fakeGenerator{})

	first := c.send("one")
	c.do(http.MethodPost, "/new_chat", "")
	c.send("two")

	status, _ := c.do(http.MethodGet, "/get_chat_session/"+first.ChatID, "")
	require.Equal(t, http.StatusOK, status)

	third := c.send("three")
	assert.Equal(t, first.ChatID, third.ChatID)
}

func TestSendValidation(t *testing.T) {
	c := setupClient(t, &fakeGenerator{})

	for _, body := range []string{`{}`, `{"message":""}`, `{"message":"   "}`, `not json`} {
		status, resp := c.do(http.MethodPost, "/chat", body)
		assert.Equal(t, http.StatusBadRequest, status, body)
		assert.JSONEq(t, `{"error":"No message provided"}`, string(resp))
	}

	_, resp := c.do(http.MethodGet, "/get_chat_history_summary", "")
	assert.JSONEq(t, `[]`, string(resp))
}

func TestSendFallbackOnModelFailure(t *testing.T) {
	gen := &fakeGenerator{}
	c := setupClient(t, gen)

	first := c.send("hi")
	gen.err = errors.New("upstream unavailable")
	failed := c.send("again")

	assert.True(t, failed.Fallback)
	assert.Equal(t, fallbackReply, failed.Response)
	assert.Equal(t, first.ChatID, failed.ChatID)

	_, body := c.do(http.MethodGet, "/get_chat_session/"+first.ChatID, "")
	var entries []map[string]string
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, map[string]string{"role": "bot", "content": fallbackReply}, entries[2])
}

func TestDeleteActiveChat(t *testing.T) {
	c := setupClient(t, &fakeGenerator{})
	first := c.send("hi")

	status, body := c.do(http.MethodDelete, "/delete_chat_session/"+first.ChatID, "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"message":"Chat `+first.ChatID+` deleted"}`, string(body))

	status, body = c.do(http.MethodGet, "/get_chat_session/"+first.ChatID, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"Chat session not found"}`, string(body))

	status, body = c.do(http.MethodDelete, "/delete_chat_session/"+first.ChatID, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"Chat not found"}`, string(body))

	_, body = c.do(http.MethodGet, "/get_chat_history_summary", "")
	assert.JSONEq(t, `[]`, string(body))

	// The active pointer was cleared, so the next message opens a new chat.
	next := c.send("again")
	assert.NotEqual(t, first.ChatID, next.ChatID)
}

func TestDeleteInactiveChatKeepsActive(t *testing.T) {
	c := setupClient(t, &fakeGenerator{})

	old := c.send("old")
	c.do(http.MethodPost, "/new_chat", "")
	active := c.send("current")
	require.NotEqual(t, old.ChatID, active.ChatID)

	status, _ := c.do(http.MethodDelete, "/delete_chat_session/"+old.ChatID, "")
	require.Equal(t, http.StatusOK, status)

	next := c.send("still here")
	assert.Equal(t, active.ChatID, next.ChatID)

	_, body := c.do(http.MethodGet, "/get_chat_history_summary", "")
	assert.JSONEq(t, `[{"chat_id":"`+active.ChatID+`","title":"current","message_count":4}]`, string(body))
}

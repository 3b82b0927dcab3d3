package stream

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/gemini-chat/backend/internal/handler/activechat"
	chatHandler "github.com/zhouzirui/gemini-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/gemini-chat/backend/internal/service/chat"
	"github.com/zhouzirui/gemini-chat/backend/pkg/utils"
)

// SSE event names.
const (
	EventStart = "start"
	EventDelta = "delta"
	EventError = "error"
	EventEnd   = "end"
)

// Handler streams model replies via Server-Sent Events.
type Handler struct {
	chatSvc *chatService.Service
	tracker *activechat.Tracker
	log     *zerolog.Logger
}

// New creates a new stream handler
func New(chatSvc *chatService.Service, tracker *activechat.Tracker, logger *zerolog.Logger) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		tracker: tracker,
		log:     logger,
	}
}

// RegisterRoutes 注册流式接口
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleStream)
}

type startEvent struct {
	ChatID string `json:"chat_id"`
}

type deltaEvent struct {
	Content string `json:"content"`
}

type errorEvent struct {
	Error string `json:"error"`
}

type endEvent struct {
	Response string `json:"response"`
	ChatID   string `json:"chat_id"`
	Fallback bool   `json:"fallback"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	message, ok := chatHandler.DecodeMessage(r)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "No message provided")
		return
	}

	started := false
	onStart := func(chatID string) {
		// cookie 必须在首个事件写出之前设置。
		if err := h.tracker.Set(w, chatID); err != nil {
			h.log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to set active chat")
		}
		utils.SetupSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		started = true
		utils.SendSSEEvent(w, flusher, EventStart, startEvent{ChatID: chatID})
	}
	onChunk := func(content string) {
		utils.SendSSEEvent(w, flusher, EventDelta, deltaEvent{Content: content})
	}

	reply, err := h.chatSvc.Stream(r.Context(), h.tracker.Current(r), message, onStart, onChunk)
	if err != nil {
		h.fail(w, flusher, started, err)
		return
	}

	if reply.Fallback {
		utils.SendSSEEvent(w, flusher, EventError, errorEvent{Error: reply.Text})
	}
	utils.SendSSEEvent(w, flusher, EventEnd, endEvent{
		Response: reply.Text,
		ChatID:   reply.ChatID,
		Fallback: reply.Fallback,
	})
	h.log.Debug().Str("chat_id", reply.ChatID).Bool("fallback", reply.Fallback).Msg("stream completed")
}

// fail reports err as JSON before the stream opened, as an SSE error after.
func (h *Handler) fail(w http.ResponseWriter, flusher http.Flusher, started bool, err error) {
	if errors.Is(err, chat.ErrMessageRequired) {
		utils.RespondError(w, http.StatusBadRequest, "No message provided")
		return
	}

	if errors.Is(err, context.Canceled) {
		h.log.Debug().Err(err).Msg("client left before reply")
		return
	}

	h.log.Error().Err(err).Msg("stream message failed")
	if !started {
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	utils.SendSSEEvent(w, flusher, EventError, errorEvent{Error: "internal server error"})
}

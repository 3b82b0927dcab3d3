package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/gemini-chat/backend/internal/handler/activechat"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/gemini-chat/backend/internal/service/chat"
	"github.com/zhouzirui/gemini-chat/backend/pkg/utils"
)

const (
	msgNoMessage       = "No message provided"
	msgSessionNotFound = "Chat session not found"
	msgChatNotFound    = "Chat not found"
	msgInternal        = "internal server error"

	roleBot = "bot"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	tracker *activechat.Tracker
	log     *zerolog.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, tracker *activechat.Tracker, logger *zerolog.Logger) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		tracker: tracker,
		log:     logger,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/new_chat", h.handleNewChat)
	r.Post("/chat", h.handleSend)
	r.Get("/get_chat_history_summary", h.handleSummaries)
	r.Get("/get_chat_session/{chatID}", h.handleFetch)
	r.Delete("/delete_chat_session/{chatID}", h.handleDelete)
}

type sendResponse struct {
	Response string `json:"response"`
	ChatID   string `json:"chat_id"`
	Fallback bool   `json:"fallback,omitempty"`
}

type transcriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DecodeMessage reads the {"message": ...} body shared by /chat and /chat/stream.
func DecodeMessage(r *http.Request) (string, bool) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return "", false
	}
	return payload.Message, true
}

// handleNewChat 清除当前会话指针
func (h *Handler) handleNewChat(w http.ResponseWriter, _ *http.Request) {
	h.tracker.Clear(w)
	utils.RespondMessage(w, http.StatusOK, "New chat started")
}

// handleSend 发送消息并返回模型回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	message, ok := DecodeMessage(r)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, msgNoMessage)
		return
	}

	reply, err := h.chatSvc.Send(r.Context(), h.tracker.Current(r), message)
	if err != nil {
		if errors.Is(err, chat.ErrMessageRequired) {
			utils.RespondError(w, http.StatusBadRequest, msgNoMessage)
			return
		}
		if errors.Is(err, context.Canceled) {
			h.log.Debug().Err(err).Msg("client left before reply")
			return
		}
		h.log.Error().Err(err).Msg("send message failed")
		utils.RespondError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if err := h.tracker.Set(w, reply.ChatID); err != nil {
		h.log.Warn().Err(err).Str("chat_id", reply.ChatID).Msg("failed to set active chat")
	}

	utils.RespondJSON(w, http.StatusOK, sendResponse{
		Response: reply.Text,
		ChatID:   reply.ChatID,
		Fallback: reply.Fallback,
	})
}

// handleSummaries 列出全部非空会话
func (h *Handler) handleSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.chatSvc.Summaries(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list chats failed")
		utils.RespondError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if summaries == nil {
		summaries = []chat.Summary{}
	}
	utils.RespondJSON(w, http.StatusOK, summaries)
}

// handleFetch 返回指定会话并设为当前会话
func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	turns, err := h.chatSvc.Transcript(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			utils.RespondError(w, http.StatusNotFound, msgSessionNotFound)
			return
		}
		h.log.Error().Err(err).Str("chat_id", chatID).Msg("load chat failed")
		utils.RespondError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if err := h.tracker.Set(w, chatID); err != nil {
		h.log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to set active chat")
	}

	entries := make([]transcriptEntry, 0, len(turns))
	for _, turn := range turns {
		role := string(turn.Role)
		if turn.Role != chat.RoleUser {
			role = roleBot
		}
		entries = append(entries, transcriptEntry{Role: role, Content: turn.Content()})
	}
	utils.RespondJSON(w, http.StatusOK, entries)
}

// handleDelete 删除会话
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if err := h.chatSvc.Delete(r.Context(), chatID); err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			utils.RespondError(w, http.StatusNotFound, msgChatNotFound)
			return
		}
		h.log.Error().Err(err).Str("chat_id", chatID).Msg("delete chat failed")
		utils.RespondError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if h.tracker.Current(r) == chatID {
		h.tracker.Clear(w)
	}
	utils.RespondMessage(w, http.StatusOK, fmt.Sprintf("Chat %s deleted", chatID))
}

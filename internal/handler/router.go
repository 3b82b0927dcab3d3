package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/gemini-chat/backend/internal/handler/activechat"
	"github.com/zhouzirui/gemini-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/gemini-chat/backend/internal/handler/page"
	"github.com/zhouzirui/gemini-chat/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/gemini-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/gemini-chat/backend/internal/service/chat"
	"github.com/zhouzirui/gemini-chat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
// allowedOrigins lists the cross-origin callers CORS admits.
func NewRouter(chatSvc *chatService.Service, tracker *activechat.Tracker, pageHandler *page.Handler, allowedOrigins []string, logger *zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))

	if pageHandler != nil {
		pageHandler.RegisterRoutes(r)
	}
	chat.New(chatSvc, tracker, logger).RegisterRoutes(r)
	stream.New(chatSvc, tracker, logger).RegisterRoutes(r)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

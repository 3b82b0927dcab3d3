package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/gemini-chat/backend/internal/config"
	"github.com/zhouzirui/gemini-chat/backend/internal/handler"
	"github.com/zhouzirui/gemini-chat/backend/internal/handler/activechat"
	"github.com/zhouzirui/gemini-chat/backend/internal/handler/page"
	"github.com/zhouzirui/gemini-chat/backend/internal/logging"
	"github.com/zhouzirui/gemini-chat/backend/internal/metrics"
	"github.com/zhouzirui/gemini-chat/backend/internal/service/ai"
	"github.com/zhouzirui/gemini-chat/backend/internal/service/chat"
	"github.com/zhouzirui/gemini-chat/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded, using system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Log)
	log.Logger = *logger
	metrics.MustRegister()

	if cfg.Session.DevSecret {
		logger.Warn().Msg("SESSION_SECRET not set, signing active chat cookies with the development key")
	}

	router, closeStore, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("failed to close chat store")
		}
	}()

	startServer(ctx, cfg.Server, router, logger)
}

// buildApp wires services and routes. The store is opened last, so a
// failure never leaves it open; the returned func closes it.
func buildApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (http.Handler, func() error, error) {
	aiService, err := ai.NewService(ctx, cfg.AI, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize %s AI service: %w", cfg.AI.Provider, err)
	}
	logger.Info().
		Str("provider", cfg.AI.Provider).
		Str("model", cfg.AI.ModelName()).
		Msg("AI service initialized")

	pageHandler, err := page.New(page.Data{
		Title:    cfg.AI.DisplayName() + " Chat",
		Provider: cfg.AI.DisplayName(),
		Model:    cfg.AI.ModelName(),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load page template: %w", err)
	}

	chatStore, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s chat store: %w", cfg.Store.Backend, err)
	}

	chatService := chat.NewService(chatStore, aiService, cfg.AI.FallbackReply, logger)
	tracker := activechat.New(cfg.Session.Secret, cfg.Session.SecureCookie, cfg.Session.TTL)

	router := handler.NewRouter(chatService, tracker, pageHandler, cfg.Server.AllowedOrigins, logger)
	return router, chatStore.Close, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("chat server listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Error().Err(err).Msg("server error")
		return
	}
	logger.Info().Msg("server stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

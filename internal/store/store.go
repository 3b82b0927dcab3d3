// Package store persists chat sessions.
package store

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/gemini-chat/backend/internal/config"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
)

// Open returns the backend selected by cfg.
func Open(cfg config.StoreConfig, logger *zerolog.Logger) (chat.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := OpenSQLite(cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendJSON, "":
		s, err := OpenFile(cfg.FilePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/zhouzirui/gemini-chat/backend/internal/metrics"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
)

var _ chat.Store = (*FileStore)(nil)

type history = orderedmap.OrderedMap[string, []chat.Turn]

// FileStore keeps every chat in memory and mirrors the whole mapping to a
// single JSON file after each mutation. Keys keep their insertion order on
// disk so the sidebar order survives restarts.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	chats *history
	log   *zerolog.Logger
}

// OpenFile loads the store at path. A missing file starts an empty store.
// A file that does not decode is copied aside and also starts empty.
func OpenFile(path string, logger *zerolog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		chats: orderedmap.New[string, []chat.Turn](),
		log:   logger,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}

	loaded := orderedmap.New[string, []chat.Turn]()
	if err := json.Unmarshal(data, loaded); err != nil {
		s.quarantine(data, err)
		return s, nil
	}
	s.chats = loaded
	s.log.Info().Str("path", path).Int("chats", s.chats.Len()).Msg("chat history loaded")
	return s, nil
}

func (s *FileStore) quarantine(data []byte, decodeErr error) {
	event := s.log.Warn().Err(decodeErr).Str("path", s.path)
	if len(bytes.TrimSpace(data)) == 0 {
		event.Msg("chat history empty, starting fresh")
		return
	}

	backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		event.AnErr("backup_err", err).Msg("chat history corrupt, starting fresh without backup")
		return
	}
	event.Str("backup", backup).Msg("chat history corrupt, starting fresh")
}

// Create inserts an empty chat under a fresh identifier. The chat reaches
// disk with its first Append; empty chats are never written.
func (s *FileStore) Create(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := chat.NewID()
	for _, taken := s.chats.Get(id); taken; _, taken = s.chats.Get(id) {
		id = chat.NewID()
	}
	s.chats.Set(id, []chat.Turn{})

	metrics.IncChatsCreated()
	return id, nil
}

// Exists reports whether chatID is known.
func (s *FileStore) Exists(_ context.Context, chatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.chats.Get(chatID)
	return ok, nil
}

// Turns returns a copy of the chat's turns.
func (s *FileStore) Turns(_ context.Context, chatID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.chats.Get(chatID)
	if !ok {
		return nil, chat.ErrChatNotFound
	}

	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

// Append adds turns to the end of a chat and persists the store.
func (s *FileStore) Append(_ context.Context, chatID string, turns ...chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.chats.Get(chatID)
	if !ok {
		return chat.ErrChatNotFound
	}

	next := make([]chat.Turn, 0, len(existing)+len(turns))
	next = append(next, existing...)
	next = append(next, turns...)
	s.chats.Set(chatID, next)

	return s.save()
}

// Delete removes a chat and persists the store.
func (s *FileStore) Delete(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats.Delete(chatID); !ok {
		return chat.ErrChatNotFound
	}

	if err := s.save(); err != nil {
		return err
	}
	metrics.IncChatsDeleted()
	return nil
}

// Summaries lists non-empty chats, most recently created first.
func (s *FileStore) Summaries(_ context.Context) ([]chat.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Summary, 0, s.chats.Len())
	for pair := s.chats.Newest(); pair != nil; pair = pair.Prev() {
		if summary, ok := chat.Summarize(pair.Key, pair.Value); ok {
			out = append(out, summary)
		}
	}
	return out, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error { return nil }

// save writes the whole mapping to a temp file and renames it over the
// target. Callers hold s.mu.
func (s *FileStore) save() (err error) {
	defer func() { metrics.ObserveStoreWrite("json", err) }()

	persisted := orderedmap.New[string, []chat.Turn](s.chats.Len())
	for pair := s.chats.Oldest(); pair != nil; pair = pair.Next() {
		if len(pair.Value) > 0 {
			persisted.Set(pair.Key, pair.Value)
		}
	}

	data, err := json.MarshalIndent(persisted, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal chat history: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directories: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

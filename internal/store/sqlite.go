package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/gemini-chat/backend/internal/metrics"
	"github.com/zhouzirui/gemini-chat/backend/internal/model/chat"
)

var _ chat.Store = (*SQLiteStore)(nil)

// SQLiteStore keeps chats in an embedded SQLite database. Each mutation is
// a single transaction, so a crash never leaves a half-written chat.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *zerolog.Logger
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string, logger *zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, log: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// 与 JSON 存储保持一致：空会话不跨进程保留。
	if _, err := db.Exec(`DELETE FROM chats WHERE id NOT IN (SELECT DISTINCT chat_id FROM turns)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("prune empty chats: %w", err)
	}

	logger.Info().Str("path", path).Msg("chat database opened")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		chat_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		role TEXT NOT NULL,
		parts_json TEXT NOT NULL,
		PRIMARY KEY (chat_id, position),
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts an empty chat under a fresh identifier.
func (s *SQLiteStore) Create(ctx context.Context) (id string, err error) {
	defer func() { metrics.ObserveStoreWrite("sqlite", err) }()

	for attempt := 0; attempt < 3; attempt++ {
		id = chat.NewID()
		var res sql.Result
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO chats (id, created_at) VALUES (?, ?)`,
			id, time.Now().UTC(),
		)
		if err != nil {
			return "", fmt.Errorf("insert chat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			metrics.IncChatsCreated()
			return id, nil
		}
	}
	return "", errors.New("insert chat: could not allocate a unique id")
}

// Exists reports whether chatID is known.
func (s *SQLiteStore) Exists(ctx context.Context, chatID string) (bool, error) {
	return exists(ctx, s.db, chatID)
}

// Turns returns the chat's turns in order.
func (s *SQLiteStore) Turns(ctx context.Context, chatID string) ([]chat.Turn, error) {
	ok, err := exists(ctx, s.db, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chat.ErrChatNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, parts_json FROM turns WHERE chat_id = ? ORDER BY position`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]chat.Turn, 0, 8)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Append adds turns to the end of a chat in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, chatID string, turns ...chat.Turn) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
		if !errors.Is(err, chat.ErrChatNotFound) {
			metrics.ObserveStoreWrite("sqlite", err)
		}
	}()

	ok, err := exists(ctx, tx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return chat.ErrChatNotFound
	}

	var next int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM turns WHERE chat_id = ?`, chatID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	for i, turn := range turns {
		parts, err := json.Marshal(turn.Parts)
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO turns (chat_id, position, role, parts_json) VALUES (?, ?, ?, ?)`,
			chatID, next+i, string(turn.Role), string(parts),
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes a chat and its turns.
func (s *SQLiteStore) Delete(ctx context.Context, chatID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
		if !errors.Is(err, chat.ErrChatNotFound) {
			metrics.ObserveStoreWrite("sqlite", err)
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrChatNotFound
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	metrics.IncChatsDeleted()
	return nil
}

// Summaries lists non-empty chats, most recently created first.
func (s *SQLiteStore) Summaries(ctx context.Context) ([]chat.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, t.role, t.parts_json
		FROM chats c
		JOIN turns t ON t.chat_id = c.id
		ORDER BY c.seq DESC, t.position`)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Summary, 0, 16)
	var (
		current string
		turns   []chat.Turn
	)
	flush := func() {
		if summary, ok := chat.Summarize(current, turns); ok {
			out = append(out, summary)
		}
	}

	for rows.Next() {
		var (
			id    string
			role  string
			parts string
		)
		if err := rows.Scan(&id, &role, &parts); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if id != current {
			flush()
			current, turns = id, turns[:0]
		}
		turn, err := decodeTurn(role, parts)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q querier, chatID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup chat: %w", err)
	}
	return true, nil
}

func scanTurn(rows *sql.Rows) (chat.Turn, error) {
	var role, parts string
	if err := rows.Scan(&role, &parts); err != nil {
		return chat.Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	return decodeTurn(role, parts)
}

func decodeTurn(role, parts string) (chat.Turn, error) {
	turn := chat.Turn{Role: chat.Role(role)}
	if err := json.Unmarshal([]byte(parts), &turn.Parts); err != nil {
		return chat.Turn{}, fmt.Errorf("decode parts: %w", err)
	}
	return turn, nil
}

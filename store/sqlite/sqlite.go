// Package sqlite persists conversations and thread checkpoints in a local
// SQLite file. Pure Go, zero CGO; the fallback when no PostgreSQL state
// database is configured.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	tradewind "github.com/tradewindhq/tradewind"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite StateStore.
type StoreOption func(*StateStore)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *StateStore) { s.logger = l }
}

// StateStore implements tradewind.CheckpointStore and
// tradewind.ConversationStore backed by a local SQLite file.
type StateStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ tradewind.CheckpointStore   = (*StateStore)(nil)
	_ tradewind.ConversationStore = (*StateStore)(nil)
)

// nopLogger discards all records.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a StateStore at dbPath. All goroutines serialize through one
// connection (SetMaxOpenConns(1)), eliminating SQLITE_BUSY errors from
// concurrent writers.
func New(dbPath string, opts ...StoreOption) (*StateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	s := &StateStore{db: db, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the tables. Safe to call multiple times.
func (s *StateStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			thread_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_session_idx ON conversations(session_id, updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *StateStore) Close() error { return s.db.Close() }

// --- Checkpoints ---

func (s *StateStore) Put(ctx context.Context, threadID string, st *tradewind.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite: marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, state, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		threadID, string(raw), tradewind.NowUnix())
	if err != nil {
		return fmt.Errorf("sqlite: put checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint written", "thread", threadID, "bytes", len(raw))
	return nil
}

func (s *StateStore) GetLatest(ctx context.Context, threadID string) (*tradewind.State, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: get checkpoint: %w", err)
	}
	var st tradewind.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, false, fmt.Errorf("sqlite: unmarshal checkpoint: %w", err)
	}
	return &st, true, nil
}

func (s *StateStore) Delete(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("sqlite: delete checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("sqlite: delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete: %w", err)
	}
	return nil
}

// --- Conversations ---

func (s *StateStore) Create(ctx context.Context, c tradewind.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (thread_id, session_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   title = excluded.title,
		   updated_at = excluded.updated_at`,
		c.ThreadID, c.SessionID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create conversation: %w", err)
	}
	return nil
}

func (s *StateStore) Get(ctx context.Context, threadID string) (tradewind.Conversation, bool, error) {
	var c tradewind.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, session_id, title, created_at, updated_at
		 FROM conversations WHERE thread_id = ?`, threadID).
		Scan(&c.ThreadID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tradewind.Conversation{}, false, nil
	}
	if err != nil {
		return tradewind.Conversation{}, false, fmt.Errorf("sqlite: get conversation: %w", err)
	}
	return c, true, nil
}

func (s *StateStore) GetBySession(ctx context.Context, sessionID string) ([]tradewind.Conversation, error) {
	if sessionID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, session_id, title, created_at, updated_at
		 FROM conversations
		 WHERE session_id = ?
		 ORDER BY updated_at DESC, thread_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var out []tradewind.Conversation
	for rows.Next() {
		var c tradewind.Conversation
		if err := rows.Scan(&c.ThreadID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *StateStore) Touch(ctx context.Context, threadID, title string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET updated_at = ?,
		     title = CASE WHEN title = '' THEN ? ELSE title END
		 WHERE thread_id = ?`,
		at, title, threadID)
	if err != nil {
		return fmt.Errorf("sqlite: touch conversation: %w", err)
	}
	return nil
}

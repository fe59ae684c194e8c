package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tradewind "github.com/tradewindhq/tradewind"
)

// StateStore persists conversations and thread checkpoints. Checkpoints are
// stored as one JSON snapshot per thread; the latest write wins.
type StateStore struct {
	pool *pgxpool.Pool
}

var (
	_ tradewind.CheckpointStore   = (*StateStore)(nil)
	_ tradewind.ConversationStore = (*StateStore)(nil)
)

// NewStateStore creates a StateStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// Init creates the conversation and checkpoint tables. Safe to call
// multiple times (all statements are idempotent).
func (s *StateStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			thread_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_session_idx ON conversations(session_id, updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init state store: %w", err)
		}
	}
	return nil
}

// --- Checkpoints ---

func (s *StateStore) Put(ctx context.Context, threadID string, st *tradewind.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: marshal checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, state, updated_at)
		 VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   updated_at = EXCLUDED.updated_at`,
		threadID, raw, tradewind.NowUnix())
	if err != nil {
		return fmt.Errorf("postgres: put checkpoint: %w", err)
	}
	return nil
}

func (s *StateStore) GetLatest(ctx context.Context, threadID string) (*tradewind.State, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = $1`, threadID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: get checkpoint: %w", err)
	}
	var st tradewind.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("postgres: unmarshal checkpoint: %w", err)
	}
	return &st, true, nil
}

func (s *StateStore) Delete(ctx context.Context, threadID string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	batch.Queue(`DELETE FROM conversations WHERE thread_id = $1`, threadID)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	return nil
}

// --- Conversations ---

func (s *StateStore) Create(ctx context.Context, c tradewind.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (thread_id, session_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   session_id = EXCLUDED.session_id,
		   title = EXCLUDED.title,
		   updated_at = EXCLUDED.updated_at`,
		c.ThreadID, c.SessionID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create conversation: %w", err)
	}
	return nil
}

func (s *StateStore) Get(ctx context.Context, threadID string) (tradewind.Conversation, bool, error) {
	var c tradewind.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, session_id, title, created_at, updated_at
		 FROM conversations WHERE thread_id = $1`, threadID).
		Scan(&c.ThreadID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tradewind.Conversation{}, false, nil
	}
	if err != nil {
		return tradewind.Conversation{}, false, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return c, true, nil
}

func (s *StateStore) GetBySession(ctx context.Context, sessionID string) ([]tradewind.Conversation, error) {
	if sessionID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, session_id, title, created_at, updated_at
		 FROM conversations
		 WHERE session_id = $1
		 ORDER BY updated_at DESC, thread_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	var out []tradewind.Conversation
	for rows.Next() {
		var c tradewind.Conversation
		if err := rows.Scan(&c.ThreadID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate conversations: %w", err)
	}
	return out, nil
}

func (s *StateStore) Touch(ctx context.Context, threadID, title string, at int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET updated_at = $2,
		     title = CASE WHEN title = '' THEN $3 ELSE title END
		 WHERE thread_id = $1`,
		threadID, at, title)
	if err != nil {
		return fmt.Errorf("postgres: touch conversation: %w", err)
	}
	return nil
}

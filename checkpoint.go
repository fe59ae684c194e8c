package tradewind

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// CheckpointStore persists per-thread State between invocations. Writes
// happen at step boundaries; the latest write wins. Overlapping writes for
// the same thread are a client error, not something the store arbitrates.
type CheckpointStore interface {
	// Put stores the state snapshot for a thread, replacing any previous one.
	Put(ctx context.Context, threadID string, s *State) error
	// GetLatest returns the most recent snapshot, or ok=false when the
	// thread has never been checkpointed.
	GetLatest(ctx context.Context, threadID string) (*State, bool, error)
	// Delete removes the thread's snapshot. Deleting an unknown thread is
	// a no-op.
	Delete(ctx context.Context, threadID string) error
}

// ConversationStore is the registry of chat threads. Threads created without
// a session id exist but are not listed.
type ConversationStore interface {
	Create(ctx context.Context, c Conversation) error
	Get(ctx context.Context, threadID string) (Conversation, bool, error)
	// GetBySession lists the session's conversations, most recently
	// updated first.
	GetBySession(ctx context.Context, sessionID string) ([]Conversation, error)
	// Touch updates updated_at, and the title when the conversation has
	// none yet. Unknown threads are a no-op.
	Touch(ctx context.Context, threadID, title string, at int64) error
	// Delete removes a conversation. Idempotent.
	Delete(ctx context.Context, threadID string) error
}

// MemoryCheckpointStore keeps checkpoints in process memory. It is the
// bootstrap fallback when no database is configured, and the test double.
// Snapshots are stored as JSON so the round-trip discipline matches the
// durable implementations.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{data: map[string][]byte{}}
}

func (m *MemoryCheckpointStore) Put(_ context.Context, threadID string, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("memory: marshal checkpoint: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[threadID] = raw
	return nil
}

func (m *MemoryCheckpointStore) GetLatest(_ context.Context, threadID string) (*State, bool, error) {
	m.mu.RLock()
	raw, ok := m.data[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("memory: unmarshal checkpoint: %w", err)
	}
	return &s, true, nil
}

func (m *MemoryCheckpointStore) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, threadID)
	return nil
}

// MemoryConversationStore keeps the conversation registry in process memory.
type MemoryConversationStore struct {
	mu   sync.RWMutex
	data map[string]Conversation
}

// NewMemoryConversationStore creates an empty in-memory conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{data: map[string]Conversation{}}
}

func (m *MemoryConversationStore) Create(_ context.Context, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[c.ThreadID] = c
	return nil
}

func (m *MemoryConversationStore) Get(_ context.Context, threadID string) (Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data[threadID]
	return c, ok, nil
}

func (m *MemoryConversationStore) GetBySession(_ context.Context, sessionID string) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Conversation
	for _, c := range m.data {
		if c.SessionID == sessionID && sessionID != "" {
			out = append(out, c)
		}
	}
	// Most recently updated first; thread id breaks ties for stable output.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if b.UpdatedAt > a.UpdatedAt || (b.UpdatedAt == a.UpdatedAt && b.ThreadID < a.ThreadID) {
				out[j-1], out[j] = b, a
			}
		}
	}
	return out, nil
}

func (m *MemoryConversationStore) Touch(_ context.Context, threadID, title string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[threadID]
	if !ok {
		return nil
	}
	if c.Title == "" && title != "" {
		c.Title = title
	}
	c.UpdatedAt = at
	m.data[threadID] = c
	return nil
}

func (m *MemoryConversationStore) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, threadID)
	return nil
}

var (
	_ CheckpointStore   = (*MemoryCheckpointStore)(nil)
	_ ConversationStore = (*MemoryConversationStore)(nil)
)

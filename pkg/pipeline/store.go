package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions. Soft-deleted sessions are returned by Get but
// excluded from ListByOwner.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Session, error)
	SoftDelete(ctx context.Context, id string) error
	Close() error
}

// InMemoryStore is the default store for tests and single-process runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// cloneSession deep-copies through JSON so callers never alias stored state.
func cloneSession(s *Session) *Session {
	data, _ := json.Marshal(s)
	var out Session
	_ = json.Unmarshal(data, &out)
	return &out
}

func (m *InMemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	m.order = append(m.order, s.ID)
	return nil
}

func (m *InMemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *InMemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *InMemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.OwnerID == ownerID && !s.Deleted() {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *InMemoryStore) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now().UTC()
	s.DeletedAt = &now
	s.UpdatedAt = now
	return nil
}

func (m *InMemoryStore) Close() error {
	return nil
}

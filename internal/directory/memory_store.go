package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"canvas-backend/internal/model"
)

// memoryStore keeps session records in a map. Used in tests and when no
// database is configured.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewMemoryStore creates an in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]model.Session)}
}

func (m *memoryStore) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := s
	return &out, nil
}

func (m *memoryStore) ListActiveSince(_ context.Context, cutoff time.Time) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Session
	for _, s := range m.sessions {
		if !s.LastActivityAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	sortByActivity(out)
	return out, nil
}

func (m *memoryStore) ListByIDs(_ context.Context, ids []string) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Session
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	sortByActivity(out)
	return out, nil
}

func (m *memoryStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivityAt = at
	s.IsActive = true
	m.sessions[id] = s
	return nil
}

func (m *memoryStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.IsActive = active
	m.sessions[id] = s
	return nil
}

func sortByActivity(sessions []model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
}

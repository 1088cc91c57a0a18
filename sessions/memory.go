package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Every operation runs under a single
// mutex, which makes Extend trivially linearizable.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) Extend(_ context.Context, id string, by time.Duration, opts ExtendOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.ExpiredAt(opts.Now) {
		return nil, nil
	}
	next := s.ExpiresAt.Add(by)
	if opts.MaxLifetime > 0 && next.After(s.CreatedAt.Add(opts.MaxLifetime)) {
		return nil, ErrLifetimeExceeded
	}
	s.ExpiresAt = next
	return s.Clone(), nil
}

func (m *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && at.After(s.LastAccessedAt) {
		s.LastAccessedAt = at
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.ExpiredAt(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored sessions, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// mirror installs s as the local copy of a session read from the shared
// store. It never moves ExpiresAt or LastAccessedAt backwards, so a stale
// shared read cannot undo a newer local write.
func (m *MemoryStore) mirror(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		m.sessions[s.ID] = s.Clone()
		return s
	}
	next := s.Clone()
	if cur.ExpiresAt.After(next.ExpiresAt) {
		next.ExpiresAt = cur.ExpiresAt
	}
	if cur.LastAccessedAt.After(next.LastAccessedAt) {
		next.LastAccessedAt = cur.LastAccessedAt
	}
	m.sessions[s.ID] = next
	return next.Clone()
}

var _ Store = (*MemoryStore)(nil)

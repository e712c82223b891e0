package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]PracticeSession
	audits   []AuditEvent
}

func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]PracticeSession)}
}

// AddSession seeds one practice session record.
func (s *MemoryStore) AddSession(ps PracticeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[ps.ID] = ps
}

func (s *MemoryStore) FindSession(ctx context.Context, id, userID string) (*PracticeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.sessions[id]
	if !ok || ps.UserID != userID {
		return nil, ErrSessionNotFound
	}
	out := ps
	return &out, nil
}

func (s *MemoryStore) RecordAuditEvent(ctx context.Context, ev AuditEvent) error {
	ev = ev.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, ev)
	return nil
}

// AuditEvents returns a copy of the recorded events, oldest first.
func (s *MemoryStore) AuditEvents() []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEvent, len(s.audits))
	copy(out, s.audits)
	return out
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

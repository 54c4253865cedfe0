package chatsession

import (
	"context"
	"sync"
	"time"
)

type memSession struct {
	history      []Turn
	lastActivity time.Time
}

// MemoryStore is the in-process Store. The lock is only held for the duration
// of a single Get or Commit, never across a relay.
type MemoryStore struct {
	mu       sync.Mutex
	limit    int
	sessions map[string]*memSession
	now      func() time.Time
}

var _ Store = &MemoryStore{}

func NewMemoryStore(historyCap int) *MemoryStore {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &MemoryStore{
		limit:    historyCap,
		sessions: map[string]*memSession{},
		now:      time.Now,
	}
}

func (s *MemoryStore) HistoryCap() int { return s.limit }

func (s *MemoryStore) Get(_ context.Context, id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return []Turn{}, nil
	}
	sess.lastActivity = s.now()
	return cloneTurns(sess.history), nil
}

func (s *MemoryStore) Commit(_ context.Context, id string, turn Turn) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memSession{}
		s.sessions[id] = sess
	}
	sess.history = appendAndTrim(sess.history, turn, s.limit)
	sess.lastActivity = s.now()
	return cloneTurns(sess.history), nil
}

// Len reports how many sessions are currently held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

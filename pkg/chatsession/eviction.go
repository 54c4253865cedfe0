package chatsession

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// EvictionPolicy drops memory sessions that saw no Get or Commit for Idle.
// The zero policy never evicts.
type EvictionPolicy struct {
	Idle     time.Duration
	Interval time.Duration
	// Busy reports sessions with a relay in flight; they are kept regardless of age.
	Busy func(id string) bool
}

func (p EvictionPolicy) Enabled() bool { return p.Idle > 0 && p.Interval > 0 }

// RunEviction sweeps idle sessions every p.Interval until ctx ends. It returns
// immediately when the policy is disabled.
func (s *MemoryStore) RunEviction(ctx context.Context, p EvictionPolicy) error {
	if !p.Enabled() {
		return nil
	}
	log.Info().Str("component", "chatsession").Dur("idle", p.Idle).Dur("interval", p.Interval).Msg("session eviction enabled")

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ids := s.evictIdle(p, s.now()); len(ids) > 0 {
				log.Debug().Str("component", "chatsession").Strs("sessions", ids).Msg("evicted idle sessions")
			}
		}
	}
}

// evictIdle removes every non-busy session idle since before now-p.Idle and
// returns their ids.
func (s *MemoryStore) evictIdle(p EvictionPolicy, now time.Time) []string {
	if p.Idle <= 0 {
		return nil
	}
	cutoff := now.Add(-p.Idle)

	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, sess := range s.sessions {
		if sess.lastActivity.After(cutoff) {
			continue
		}
		if p.Busy != nil && p.Busy(id) {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// Package chatsession keeps the bounded per-session conversation history used
// to answer each new message in context.
//
// Ownership model:
//   - The Store exclusively owns session history.
//   - Callers borrow snapshots via Get and hand back exactly one Turn via Commit.
//   - Sessions are created implicitly on first reference and are never destroyed,
//     unless idle eviction is configured on the MemoryStore.
package chatsession

import "context"

// DefaultHistoryCap is the number of most recent turns kept per session.
const DefaultHistoryCap = 10

// Turn is one completed exchange. It is never modified after Commit.
type Turn struct {
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
}

// Store maps session ids to bounded, ordered histories (oldest first).
//
// Get and Commit must be safe for concurrent use across different session ids.
// Concurrent use for the same id only has to leave the store uncorrupted.
type Store interface {
	// Get returns a copy of the session history; an unknown id yields an empty history.
	Get(ctx context.Context, id string) ([]Turn, error)
	// Commit appends turn, drops the oldest turns beyond the cap and returns the result.
	Commit(ctx context.Context, id string, turn Turn) ([]Turn, error)
}

// appendAndTrim appends turn to history and keeps only the newest limit entries.
// The returned slice never aliases history.
func appendAndTrim(history []Turn, turn Turn, limit int) []Turn {
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	out := make([]Turn, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, turn)
	if len(out) > limit {
		drop := len(out) - limit
		out = append([]Turn(nil), out[drop:]...)
	}
	return out
}

func cloneTurns(in []Turn) []Turn {
	if len(in) == 0 {
		return []Turn{}
	}
	out := make([]Turn, len(in))
	copy(out, in)
	return out
}

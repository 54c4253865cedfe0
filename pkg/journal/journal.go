// Package journal keeps an append-only SQLite record of relay lifecycle events.
// Entries carry counts and outcomes only; message text is never stored.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/lifecycle"
)

const defaultListLimit = 100

// Entry is one recorded lifecycle event.
type Entry struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	RelayID      string `json:"relay_id"`
	SessionID    string `json:"session_id"`
	Generator    string `json:"generator,omitempty"`
	Fragments    int    `json:"fragments"`
	ReplyBytes   int    `json:"reply_bytes"`
	HistoryLen   int    `json:"history_len"`
	PromptTokens int    `json:"prompt_tokens"`
	DurationMs   int64  `json:"duration_ms"`
	Reason       string `json:"reason,omitempty"`
	AtMs         int64  `json:"at_ms"`
}

// Query describes filters for loading journal entries.
type Query struct {
	SessionID string
	RelayID   string
	Type      string
	SinceMs   int64
	Limit     int
}

type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("journal: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			relay_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			generator TEXT NOT NULL DEFAULT '',
			fragments INTEGER NOT NULL DEFAULT 0,
			reply_bytes INTEGER NOT NULL DEFAULT 0,
			history_len INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS relay_events_by_session ON relay_events(session_id, at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS relay_events_by_relay ON relay_events(relay_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "journal: migrate")
		}
	}
	return nil
}

// Record stores e. Re-recording the same event id is a no-op.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("journal: db is nil")
	}
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("journal: event id is empty")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("journal: event type is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_events(event_id, event_type, relay_id, session_id, generator, fragments, reply_bytes, history_len, prompt_tokens, duration_ms, reason, at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.EventID, e.Type, e.RelayID, e.SessionID, e.Generator, e.Fragments, e.ReplyBytes, e.HistoryLen, e.PromptTokens, e.DurationMs, e.Reason, e.AtMs)
	if err != nil {
		return errors.Wrap(err, "journal: insert")
	}
	return nil
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal: db is nil")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	clauses := []string{}
	args := []any{}
	if q.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.RelayID != "" {
		clauses = append(clauses, "relay_id = ?")
		args = append(args, q.RelayID)
	}
	if q.Type != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, q.Type)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT event_id, event_type, relay_id, session_id, generator, fragments, reply_bytes, history_len, prompt_tokens, duration_ms, reason, at_ms
		FROM relay_events
		%s
		ORDER BY at_ms DESC, rowid DESC
		LIMIT ?
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "journal: query")
	}
	defer func() { _ = rows.Close() }()

	items := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.Type, &e.RelayID, &e.SessionID, &e.Generator, &e.Fragments, &e.ReplyBytes, &e.HistoryLen, &e.PromptTokens, &e.DurationMs, &e.Reason, &e.AtMs); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// EntryFromEvent maps a lifecycle event onto a journal row.
func EntryFromEvent(ev lifecycle.Event) Entry {
	return Entry{
		EventID:      ev.ID,
		Type:         string(ev.Type),
		RelayID:      ev.RelayID,
		SessionID:    ev.SessionID,
		Generator:    ev.Generator,
		Fragments:    ev.Fragments,
		ReplyBytes:   ev.ReplyBytes,
		HistoryLen:   ev.HistoryLen,
		PromptTokens: ev.PromptTokens,
		DurationMs:   ev.DurationMs,
		Reason:       ev.Reason,
		AtMs:         ev.At.UnixMilli(),
	}
}

// Handler returns a lifecycle.Handler that records every event.
func (s *Store) Handler() lifecycle.Handler {
	return func(ctx context.Context, ev lifecycle.Event) error {
		return s.Record(ctx, EntryFromEvent(ev))
	}
}

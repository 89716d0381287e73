// Package presence tracks when a client was last seen in each session.
// The injection guard reads it to decide whether a session is live.
package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mind-attention/internal/db"
	"mind-attention/pkg/session"
	"mind-attention/pkg/writer"
)

// TypeHeartbeat is the ledger event a client appends while it is attached
// to a session.
const TypeHeartbeat = "session.heartbeat"

// IsSighting reports whether a ledger event of this type shows a client
// in its session.
func IsSighting(eventType string) bool {
	return eventType == TypeHeartbeat || eventType == session.TypeUserMessageRequested
}

// Heartbeat is the latest sighting of a session.
type Heartbeat struct {
	SessionID  string    `json:"session_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Source     string    `json:"source"` // "web", "voice", "cli"
}

// Store persists heartbeats.
type Store struct {
	db  *db.DB
	w   *writer.Serializer
	Now func() time.Time
}

// NewStore creates a Store.
func NewStore(w *writer.Serializer) *Store {
	return &Store{db: w.DB(), w: w, Now: time.Now}
}

// Touch records a sighting now. Older sightings never overwrite newer ones.
func (s *Store) Touch(ctx context.Context, sessionID, source string) error {
	return s.TouchAt(ctx, sessionID, source, s.Now())
}

// TouchAt records a sighting at a given time.
func (s *Store) TouchAt(ctx context.Context, sessionID, source string, at time.Time) error {
	return s.w.Submit(ctx, "presence.touch", func(ctx context.Context, tx *db.Tx) error {
		return s.TouchTx(ctx, tx, sessionID, source, at)
	})
}

// TouchTx is TouchAt inside the caller's transaction.
func (s *Store) TouchTx(ctx context.Context, q db.Querier, sessionID, source string, at time.Time) error {
	if sessionID == "" {
		return fmt.Errorf("presence: session id is required")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO session_presence (session_id, last_seen_at, source)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			last_seen_at = CASE WHEN excluded.last_seen_at > session_presence.last_seen_at
				THEN excluded.last_seen_at ELSE session_presence.last_seen_at END,
			source = CASE WHEN excluded.last_seen_at > session_presence.last_seen_at
				THEN excluded.source ELSE session_presence.source END`,
		sessionID, db.FormatTime(at), source)
	if err != nil {
		return fmt.Errorf("touch %s: %w", sessionID, err)
	}
	return nil
}

// LastSeen returns the latest sighting of a session. ok is false when the
// session was never seen.
func (s *Store) LastSeen(ctx context.Context, sessionID string) (at time.Time, ok bool, err error) {
	var seen string
	err = s.db.QueryRowContext(ctx,
		`SELECT last_seen_at FROM session_presence WHERE session_id = ?`, sessionID).Scan(&seen)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last seen %s: %w", sessionID, err)
	}
	at, err = db.ParseTime(seen)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// Get returns the full heartbeat of a session.
func (s *Store) Get(ctx context.Context, sessionID string) (*Heartbeat, error) {
	var h Heartbeat
	var seen string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, last_seen_at, source FROM session_presence WHERE session_id = ?`, sessionID).
		Scan(&h.SessionID, &seen, &h.Source)
	if err != nil {
		return nil, fmt.Errorf("get presence %s: %w", sessionID, err)
	}
	if h.LastSeenAt, err = db.ParseTime(seen); err != nil {
		return nil, err
	}
	return &h, nil
}

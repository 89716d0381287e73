package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mind-attention/internal/db"
)

// RecoverPendingForSession re-applies every pending or failed event of the
// session in ordering_key order. It stops at the first event that fails
// again, so nothing is applied ahead of an earlier event still in doubt.
// Running it repeatedly is safe.
func (s *Writer) RecoverPendingForSession(ctx context.Context, sessionID string) (RecoveryReport, error) {
	report := RecoveryReport{SessionID: sessionID}
	events, err := s.ledger.ListRecoverable(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("recover %s: %w", sessionID, err)
	}
	for i := range events {
		ev := &events[i]
		if _, err := s.applyEvent(ctx, ev); err != nil {
			report.FailedEventID = ev.ID
			report.Error = err.Error()
			s.log.Warn("recovery stopped", "session_id", sessionID, "event_id", ev.ID,
				"applied", report.Applied, "remaining", len(events)-i, "err", err)
			return report, fmt.Errorf("recover %s: event %s: %w", sessionID, ev.ID, err)
		}
		report.Applied++
	}
	if report.Applied > 0 {
		s.log.Info("session recovered", "session_id", sessionID, "applied", report.Applied)
	}
	return report, nil
}

// RecoverAll recovers every session holding unfinished events. A session
// that fails does not stop the sweep; its report carries the error.
func (s *Writer) RecoverAll(ctx context.Context) ([]RecoveryReport, error) {
	sessions, err := s.ledger.SessionsWithRecoverable(ctx)
	if err != nil {
		return nil, err
	}
	var reports []RecoveryReport
	for _, id := range sessions {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, _ := s.RecoverPendingForSession(ctx, id)
		reports = append(reports, report)
	}
	return reports, nil
}

// Messages returns up to limit projected messages in ordering_key order.
func (s *Writer) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, event_id, ordering_key, role, content, metadata, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY ordering_key LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			role      string
			meta      string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.EventID, &m.OrderingKey, &role, &m.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			m.Metadata = map[string]any{}
		}
		if m.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Session returns the projected summary of a session.
func (s *Writer) Session(ctx context.Context, sessionID string) (*Session, error) {
	var (
		sess                         Session
		createdAt, updatedAt         string
		lastMessage, lastUserMessage sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, updated_at, message_count, last_message_at, last_user_message_at
		FROM chat_sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &createdAt, &updatedAt, &sess.MessageCount, &lastMessage, &lastUserMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if sess.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if sess.LastMessageAt, err = db.TimePtr(lastMessage); err != nil {
		return nil, err
	}
	if sess.LastUserMessageAt, err = db.TimePtr(lastUserMessage); err != nil {
		return nil, err
	}
	return &sess, nil
}

// LastUserMessageAt reports when the user last wrote in the session.
func (s *Writer) LastUserMessageAt(ctx context.Context, sessionID string) (time.Time, bool, error) {
	sess, err := s.Session(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if sess.LastUserMessageAt == nil {
		return time.Time{}, false, nil
	}
	return *sess.LastUserMessageAt, true, nil
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mind-attention/internal/db"
	"mind-attention/pkg/ledger"
	"mind-attention/pkg/writer"
)

// Writer runs the three-phase durable write:
//
//  1. append a pending ledger event (idempotent on the session key)
//  2. project it into chat_sessions/chat_messages (idempotent on event id)
//  3. mark it applied
//
// Each phase is its own serializer op. A crash between phases leaves the
// event pending and RecoverPendingForSession finishes it.
type Writer struct {
	ledger *ledger.Store
	w      *writer.Serializer
	db     *db.DB
	log    *slog.Logger
}

// NewWriter creates a Writer on top of the ledger store.
func NewWriter(store *ledger.Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		ledger: store,
		w:      store.Writer(),
		db:     store.Writer().DB(),
		log:    logger.With("component", "session"),
	}
}

// ApplyUserMessageRequested durably records a user message.
func (s *Writer) ApplyUserMessageRequested(ctx context.Context, req UserMessageRequest) (Result, error) {
	return s.apply(ctx, TypeUserMessageRequested, RoleUser, message{
		sessionID: req.SessionID, content: req.Content, key: req.IdempotencyKey, source: req.Source,
		causation: req.CausationID, correlation: req.CorrelationID, metadata: req.Metadata,
	})
}

// ApplySystemMessage durably records a system message.
func (s *Writer) ApplySystemMessage(ctx context.Context, req SystemMessageRequest) (Result, error) {
	return s.apply(ctx, TypeSystemMessageRequested, RoleSystem, message{
		sessionID: req.SessionID, content: req.Content, key: req.IdempotencyKey, source: req.Source,
		causation: req.CausationID, correlation: req.CorrelationID, metadata: req.Metadata,
	})
}

type message struct {
	sessionID, content, key, source string
	causation, correlation          string
	metadata                        map[string]any
}

func (s *Writer) apply(ctx context.Context, eventType string, role Role, m message) (Result, error) {
	if strings.TrimSpace(m.sessionID) == "" {
		return Result{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.content) == "" {
		return Result{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.key) == "" {
		return Result{}, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(MessagePayload{
		SchemaVersion: PayloadVersion,
		MessageID:     uuid.Must(uuid.NewV7()).String(),
		Role:          role,
		Content:       m.content,
		Metadata:      m.metadata,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal message payload: %w", err)
	}

	var (
		ev      *ledger.Event
		created bool
	)
	err = s.w.Submit(ctx, "session.append_pending", func(ctx context.Context, tx *db.Tx) error {
		var err error
		ev, created, err = s.ledger.AppendPendingTx(ctx, tx, ledger.Pending{
			SessionID:      m.sessionID,
			Type:           eventType,
			Source:         m.source,
			IdempotencyKey: m.key,
			CausationID:    m.causation,
			CorrelationID:  m.correlation,
			Payload:        payload,
		})
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("append pending: %w", err)
	}
	if created {
		s.ledger.Publish(ev)
	}

	switch ev.ApplyStatus {
	case ledger.StatusApplied:
		res, err := resultFor(ev)
		res.Replayed = true
		return res, err
	case ledger.StatusPending, ledger.StatusFailed:
		// a replay of an unfinished key completes the original event
		return s.applyEvent(ctx, ev)
	default:
		return Result{}, fmt.Errorf("%w: idempotency key %q is held by a %s event", ErrInvalidState, m.key, ev.ApplyStatus)
	}
}

// applyEvent runs phases two and three for ev. Any failure is recorded on
// the event before it is returned.
func (s *Writer) applyEvent(ctx context.Context, ev *ledger.Event) (Result, error) {
	err := s.w.Submit(ctx, "session.apply_projection", func(ctx context.Context, tx *db.Tx) error {
		current, err := s.ledger.GetTx(ctx, tx, ev.ID)
		if err != nil {
			return err
		}
		if current.ApplyStatus == ledger.StatusApplied {
			return nil
		}
		return project(ctx, tx, current, s.ledger.Now().UTC())
	})
	if err != nil {
		return Result{}, s.fail(ctx, ev, fmt.Errorf("apply projection: %w", err))
	}

	err = s.w.Submit(ctx, "session.mark_applied", func(ctx context.Context, tx *db.Tx) error {
		return s.ledger.MarkAppliedTx(ctx, tx, ev.ID)
	})
	if err != nil {
		return Result{}, s.fail(ctx, ev, fmt.Errorf("mark applied: %w", err))
	}
	return resultFor(ev)
}

func (s *Writer) fail(ctx context.Context, ev *ledger.Event, cause error) error {
	err := s.w.Submit(ctx, "session.mark_failed", func(ctx context.Context, tx *db.Tx) error {
		return s.ledger.MarkFailedTx(ctx, tx, ev.ID, cause)
	})
	if err != nil {
		s.log.Error("could not record apply failure", "event_id", ev.ID, "cause", cause, "err", err)
		return errors.Join(cause, err)
	}
	s.log.Warn("event apply failed", "event_id", ev.ID, "session_id", ev.SessionID, "err", cause)
	s.ledger.Publish(ev)
	return cause
}

func resultFor(ev *ledger.Event) (Result, error) {
	var p MessagePayload
	if err := ev.DecodePayload(&p); err != nil {
		return Result{}, err
	}
	res := Result{MessageID: p.MessageID, EventID: ev.ID}
	if ev.OrderingKey != nil {
		res.OrderingKey = *ev.OrderingKey
	}
	return res, nil
}

// project materializes ev, stamping the session with now. Repeating it for
// the same event changes nothing.
func project(ctx context.Context, tx db.Querier, ev *ledger.Event, now time.Time) error {
	var p MessagePayload
	if err := ev.DecodePayload(&p); err != nil {
		return err
	}
	if p.SchemaVersion != PayloadVersion {
		return fmt.Errorf("unsupported message payload version %d", p.SchemaVersion)
	}
	if p.MessageID == "" || p.Content == "" {
		return fmt.Errorf("message payload missing message_id or content")
	}
	if p.Role != RoleUser && p.Role != RoleSystem {
		return fmt.Errorf("unknown message role %q", p.Role)
	}
	if ev.OrderingKey == nil {
		return fmt.Errorf("event %s has no ordering key", ev.ID)
	}

	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	at := db.FormatTime(ev.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, created_at, updated_at, message_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (session_id) DO NOTHING`, ev.SessionID, at, at); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (message_id, session_id, event_id, ordering_key, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		p.MessageID, ev.SessionID, ev.ID, *ev.OrderingKey, string(p.Role), p.Content, string(metaJSON), at)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	userAt := ""
	if p.Role == RoleUser {
		userAt = at
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE chat_sessions SET
			message_count = message_count + 1,
			updated_at = ?,
			last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at < ? THEN ? ELSE last_message_at END,
			last_user_message_at = CASE WHEN ? = '' THEN last_user_message_at
				WHEN last_user_message_at IS NULL OR last_user_message_at < ? THEN ?
				ELSE last_user_message_at END
		WHERE session_id = ?`,
		db.FormatTime(now), at, at, userAt, userAt, userAt, ev.SessionID)
	if err != nil {
		return fmt.Errorf("update session counters: %w", err)
	}
	return nil
}

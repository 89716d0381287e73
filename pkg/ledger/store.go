package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mind-attention/internal/db"
	"mind-attention/pkg/writer"
)

const eventColumns = `event_id, session_id, ordering_key, event_type, source, idempotency_key,
	causation_id, correlation_id, payload, created_at, apply_status, applied_at, apply_error`

// Store persists ledger events. Reads go straight to the pool; writes are
// submitted to the serializer or run inside a caller's transaction.
type Store struct {
	db  *db.DB
	w   *writer.Serializer
	bus *Bus

	// Now is the clock used for created_at and applied_at.
	Now func() time.Time
}

// NewStore creates a Store. bus may be nil.
func NewStore(w *writer.Serializer, bus *Bus) *Store {
	return &Store{db: w.DB(), w: w, bus: bus, Now: time.Now}
}

// Writer returns the serializer the store submits to.
func (s *Store) Writer() *writer.Serializer { return s.w }

// Bus returns the wake-up bus, if any.
func (s *Store) Bus() *Bus { return s.bus }

// Publish tells subscribers that ev was committed.
func (s *Store) Publish(ev *Event) {
	if s.bus != nil && ev != nil {
		s.bus.Publish(ev)
	}
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

// AppendObserved appends an observational event in its own write. A repeat
// of an idempotency key returns the event already stored.
func (s *Store) AppendObserved(ctx context.Context, o Observed) (*Event, error) {
	var ev *Event
	var created bool
	err := s.w.Submit(ctx, "ledger.append_observed", func(ctx context.Context, tx *db.Tx) error {
		var err error
		ev, created, err = s.AppendObservedTx(ctx, tx, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.Publish(ev)
	}
	return ev, nil
}

// AppendObservedTx appends inside tx. created is false when the idempotency
// key was already taken.
func (s *Store) AppendObservedTx(ctx context.Context, tx db.Querier, o Observed) (ev *Event, created bool, err error) {
	if o.SessionID == "" || o.Type == "" {
		return nil, false, fmt.Errorf("append observed: session id and type are required")
	}
	payload, err := marshalPayload(o.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("append observed %s: %w", o.Type, err)
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	ev = &Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SessionID:      o.SessionID,
		Type:           o.Type,
		Source:         o.Source,
		IdempotencyKey: o.IdempotencyKey,
		CausationID:    o.CausationID,
		CorrelationID:  o.CorrelationID,
		Payload:        payload,
		CreatedAt:      createdAt.UTC(),
		ApplyStatus:    StatusObserved,
	}
	inserted, err := insertEvent(ctx, tx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("append observed %s: %w", o.Type, err)
	}
	if !inserted {
		existing, err := s.ByIdempotencyKeyTx(ctx, tx, o.SessionID, o.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("append observed %s: re-read: %w", o.Type, err)
		}
		return existing, false, nil
	}
	return ev, true, nil
}

// AppendPendingTx assigns the next ordering key for the session and inserts
// a pending event. If the idempotency key already exists the stored event
// is returned with created=false.
func (s *Store) AppendPendingTx(ctx context.Context, tx db.Querier, p Pending) (ev *Event, created bool, err error) {
	if p.SessionID == "" || p.Type == "" || p.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("append pending: session id, type and idempotency key are required")
	}
	existing, err := s.ByIdempotencyKeyTx(ctx, tx, p.SessionID, p.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("append pending: lookup: %w", err)
	}

	next, err := nextOrderingKey(ctx, tx, p.SessionID)
	if err != nil {
		return nil, false, fmt.Errorf("append pending: ordering key: %w", err)
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	ev = &Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SessionID:      p.SessionID,
		OrderingKey:    &next,
		Type:           p.Type,
		Source:         p.Source,
		IdempotencyKey: p.IdempotencyKey,
		CausationID:    p.CausationID,
		CorrelationID:  p.CorrelationID,
		Payload:        payload,
		CreatedAt:      s.now(),
		ApplyStatus:    StatusPending,
	}
	inserted, err := insertEvent(ctx, tx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("append pending: %w", err)
	}
	if !inserted {
		// lost a race on the idempotency key; the first committed row wins
		winner, err := s.ByIdempotencyKeyTx(ctx, tx, p.SessionID, p.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("append pending: re-read: %w", err)
		}
		return winner, false, nil
	}
	return ev, true, nil
}

// MarkAppliedTx moves a pending or failed event to applied. Marking an
// already applied event is a no-op.
func (s *Store) MarkAppliedTx(ctx context.Context, tx db.Querier, eventID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE session_event_ledger
		SET apply_status = ?, applied_at = ?, apply_error = ''
		WHERE event_id = ? AND apply_status IN (?, ?)`,
		string(StatusApplied), db.FormatTime(s.now()), eventID, string(StatusPending), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("mark applied %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	ev, err := s.GetTx(ctx, tx, eventID)
	if err != nil {
		return fmt.Errorf("mark applied %s: %w", eventID, err)
	}
	if ev.ApplyStatus == StatusApplied {
		return nil
	}
	return fmt.Errorf("mark applied %s from %s: %w", eventID, ev.ApplyStatus, ErrInvalidState)
}

// MarkFailedTx records cause on a pending or failed event and appends a
// TypeApplyFailed observation so consumers past the original event still
// see the failure. The observation is keyed by the event, so repeated
// failures of one event append it once.
func (s *Store) MarkFailedTx(ctx context.Context, tx db.Querier, eventID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE session_event_ledger
		SET apply_status = ?, apply_error = ?
		WHERE event_id = ? AND apply_status IN (?, ?)`,
		string(StatusFailed), msg, eventID, string(StatusPending), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", eventID, err)
	}
	ev, err := s.GetTx(ctx, tx, eventID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed %s from %s: %w", eventID, ev.ApplyStatus, ErrInvalidState)
	}

	var ordering int64
	if ev.OrderingKey != nil {
		ordering = *ev.OrderingKey
	}
	_, _, err = s.AppendObservedTx(ctx, tx, Observed{
		SessionID:      ev.SessionID,
		Type:           TypeApplyFailed,
		Source:         "ledger",
		IdempotencyKey: ApplyFailedKey(ev.ID),
		CausationID:    ev.ID,
		CorrelationID:  ev.CorrelationID,
		Payload: ApplyFailedPayload{
			SchemaVersion: 1,
			EventID:       ev.ID,
			EventType:     ev.Type,
			OrderingKey:   ordering,
			Error:         msg,
		},
	})
	return err
}

// Get returns one event.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	return s.GetTx(ctx, s.db, id)
}

// GetTx returns one event using q.
func (s *Store) GetTx(ctx context.Context, q db.Querier, id string) (*Event, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM session_event_ledger WHERE event_id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// ByIdempotencyKey returns the event holding key in session.
func (s *Store) ByIdempotencyKey(ctx context.Context, sessionID, key string) (*Event, error) {
	return s.ByIdempotencyKeyTx(ctx, s.db, sessionID, key)
}

// ByIdempotencyKeyTx is ByIdempotencyKey using q.
func (s *Store) ByIdempotencyKeyTx(ctx context.Context, q db.Querier, sessionID, key string) (*Event, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	return scanEvent(q.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM session_event_ledger
		WHERE session_id = ? AND idempotency_key = ?`, sessionID, key))
}

// ListGlobal returns up to limit events strictly after cur in
// (created_at, event_id) order across all sessions.
func (s *Store) ListGlobal(ctx context.Context, cur Cursor, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if cur.IsZero() {
		return s.scanMany(ctx, `
			SELECT `+eventColumns+` FROM session_event_ledger
			ORDER BY created_at, event_id LIMIT ?`, limit)
	}
	at := db.FormatTime(cur.CreatedAt)
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM session_event_ledger
		WHERE created_at > ? OR (created_at = ? AND event_id > ?)
		ORDER BY created_at, event_id LIMIT ?`, at, at, cur.EventID, limit)
}

// ListRecoverable returns pending and failed events of a session in
// ordering_key order.
func (s *Store) ListRecoverable(ctx context.Context, sessionID string) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM session_event_ledger
		WHERE session_id = ? AND apply_status IN (?, ?) AND ordering_key IS NOT NULL
		ORDER BY ordering_key`, sessionID, string(StatusPending), string(StatusFailed))
}

// SessionsWithRecoverable lists sessions holding pending or failed events.
func (s *Store) SessionsWithRecoverable(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM session_event_ledger
		WHERE apply_status IN (?, ?) AND ordering_key IS NOT NULL
		ORDER BY session_id`, string(StatusPending), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("recoverable sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BySession returns the newest limit events of a session, oldest first.
func (s *Store) BySession(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	events, err := s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM session_event_ledger
		WHERE session_id = ?
		ORDER BY created_at DESC, event_id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LinkedToCard returns injection and delivery events that belong to a card:
// the injected chat message itself and every observation correlated to it.
func (s *Store) LinkedToCard(ctx context.Context, cardID string) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM session_event_ledger
		WHERE idempotency_key = ? OR correlation_id = ?
		ORDER BY created_at, event_id`, "inject:"+cardID, cardID)
}

func nextOrderingKey(ctx context.Context, q db.Querier, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT MAX(ordering_key) FROM session_event_ledger WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

func insertEvent(ctx context.Context, q db.Querier, ev *Event) (bool, error) {
	var ordering sql.NullInt64
	if ev.OrderingKey != nil {
		ordering = sql.NullInt64{Int64: *ev.OrderingKey, Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO session_event_ledger (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ev.ID, ev.SessionID, ordering, ev.Type, ev.Source, db.NullString(ev.IdempotencyKey),
		ev.CausationID, ev.CorrelationID, string(ev.Payload), db.FormatTime(ev.CreatedAt),
		string(ev.ApplyStatus), db.NullTime(ev.AppliedAt), ev.ApplyError)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev        Event
		ordering  sql.NullInt64
		idem      sql.NullString
		payload   string
		createdAt string
		status    string
		appliedAt sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.SessionID, &ordering, &ev.Type, &ev.Source, &idem,
		&ev.CausationID, &ev.CorrelationID, &payload, &createdAt, &status, &appliedAt, &ev.ApplyError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ordering.Valid {
		k := ordering.Int64
		ev.OrderingKey = &k
	}
	ev.IdempotencyKey = idem.String
	ev.Payload = json.RawMessage(payload)
	ev.ApplyStatus = Status(status)
	if ev.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if ev.AppliedAt, err = db.TimePtr(appliedAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

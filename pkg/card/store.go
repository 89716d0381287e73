package card

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mind-attention/internal/db"
	"mind-attention/pkg/ledger"
	"mind-attention/pkg/signal"
	"mind-attention/pkg/task"
	"mind-attention/pkg/writer"
)

const cardColumns = `card_id, scope_type, scope_id, card_type, severity, status, title, summary,
	first_seen_at, last_seen_at, last_event_id, merge_key, cooldown_until, snoozed_until,
	resolution_status, resolved_by, linked_task_id, closed_at, updated_at`

// Store owns every card transition.
type Store struct {
	db     *db.DB
	w      *writer.Serializer
	ledger *ledger.Store
	tasks  task.Repository

	// DeferFor returns how far a deferred resolution pushes the cooldown.
	// It is asked on every resolution so settings changes apply.
	DeferFor func(context.Context) time.Duration
	Now      func() time.Time
}

// NewStore creates a Store. ledger and tasks feed the transparency view.
func NewStore(w *writer.Serializer, events *ledger.Store, tasks task.Repository) *Store {
	return &Store{
		db:       w.DB(),
		w:        w,
		ledger:   events,
		tasks:    tasks,
		DeferFor: func(context.Context) time.Duration { return time.Hour },
		Now:      time.Now,
	}
}

// UpsertOpen folds one observation into the non-closed card for its merge
// key, creating the card when none exists. created reports a new card.
func (s *Store) UpsertOpen(ctx context.Context, in Input) (c *Card, created bool, err error) {
	err = s.w.Submit(ctx, "card.upsert_open", func(ctx context.Context, tx *db.Tx) error {
		var err error
		c, created, err = s.UpsertOpenTx(ctx, tx, in)
		return err
	})
	return c, created, err
}

// UpsertOpenTx is UpsertOpen inside the caller's transaction.
func (s *Store) UpsertOpenTx(ctx context.Context, tx db.Querier, in Input) (*Card, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}
	if in.SeenAt.IsZero() {
		in.SeenAt = s.Now()
	}
	in.SeenAt = in.SeenAt.UTC()

	c, created, err := s.upsert(ctx, tx, in)
	if err != nil {
		return nil, false, fmt.Errorf("upsert card %s: %w", in.MergeKey, err)
	}
	if in.EventID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_card_events (card_id, event_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`, c.ID, in.EventID, db.FormatTime(s.Now())); err != nil {
			return nil, false, fmt.Errorf("link event %s to card %s: %w", in.EventID, c.ID, err)
		}
	}
	return c, created, nil
}

func (s *Store) upsert(ctx context.Context, tx db.Querier, in Input) (*Card, bool, error) {
	existing, err := s.openByMergeKey(ctx, tx, in.MergeKey)
	if err == nil {
		c, err := s.merge(ctx, tx, existing, in)
		return c, false, err
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	c, inserted, err := s.insert(ctx, tx, in)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return c, true, nil
	}

	// another writer opened the key first; fold into theirs
	existing, err = s.openByMergeKey(ctx, tx, in.MergeKey)
	if err != nil {
		return nil, false, fmt.Errorf("re-read after conflict: %w", err)
	}
	c, err = s.merge(ctx, tx, existing, in)
	return c, false, err
}

func (s *Store) insert(ctx context.Context, tx db.Querier, in Input) (*Card, bool, error) {
	now := s.Now().UTC()
	c := &Card{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ScopeType:        in.ScopeType,
		ScopeID:          in.ScopeID,
		CardType:         in.CardType,
		Severity:         in.Severity,
		Status:           StatusOpen,
		Title:            in.Title,
		Summary:          in.Summary,
		FirstSeenAt:      in.SeenAt,
		LastSeenAt:       in.SeenAt,
		LastEventID:      in.EventID,
		MergeKey:         in.MergeKey,
		CooldownUntil:    in.CooldownUntil,
		ResolutionStatus: ResolutionOpen,
		UpdatedAt:        now,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO state_cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, '', '', NULL, ?)
		ON CONFLICT DO NOTHING`,
		c.ID, string(c.ScopeType), c.ScopeID, c.CardType, string(c.Severity), string(c.Status),
		c.Title, c.Summary, db.FormatTime(c.FirstSeenAt), db.FormatTime(c.LastSeenAt), c.LastEventID,
		c.MergeKey, db.NullTime(c.CooldownUntil), string(c.ResolutionStatus), db.FormatTime(c.UpdatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	return c, n == 1, nil
}

// merge applies in to an existing card: severity by max, timestamps by
// max, and the newest observation wins the descriptive fields. The
// cooldown is left alone; only delivery and deferral move it.
func (s *Store) merge(ctx context.Context, tx db.Querier, c *Card, in Input) (*Card, error) {
	now := s.Now().UTC()

	c.Severity = signal.MaxSeverity(c.Severity, in.Severity)
	if !in.SeenAt.Before(c.LastSeenAt) {
		c.LastSeenAt = in.SeenAt
		if in.EventID != "" {
			c.LastEventID = in.EventID
		}
		if in.Title != "" {
			c.Title = in.Title
		}
		if in.Summary != "" {
			c.Summary = in.Summary
		}
	}
	if in.SeenAt.Before(c.FirstSeenAt) {
		c.FirstSeenAt = in.SeenAt
	}
	if c.Status == StatusSnoozed && (c.SnoozedUntil == nil || !now.Before(*c.SnoozedUntil)) {
		c.Status = StatusOpen
		c.SnoozedUntil = nil
	}
	c.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		UPDATE state_cards SET
			severity = ?, status = ?, title = ?, summary = ?, first_seen_at = ?, last_seen_at = ?,
			last_event_id = ?, cooldown_until = ?, snoozed_until = ?, updated_at = ?
		WHERE card_id = ?`,
		string(c.Severity), string(c.Status), c.Title, c.Summary, db.FormatTime(c.FirstSeenAt),
		db.FormatTime(c.LastSeenAt), c.LastEventID, db.NullTime(c.CooldownUntil), db.NullTime(c.SnoozedUntil),
		db.FormatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return nil, fmt.Errorf("update card %s: %w", c.ID, err)
	}
	return c, nil
}

// SetResolution records a user-facing resolution. Resolved and dismissed
// close the card; deferred pushes its cooldown out by DeferFor.
func (s *Store) SetResolution(ctx context.Context, cardID string, res Resolution, by string) (*Card, error) {
	if !res.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidInput, res)
	}
	var out *Card
	err := s.w.Submit(ctx, "card.set_resolution", func(ctx context.Context, tx *db.Tx) error {
		c, err := s.GetTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if c.Status == StatusClosed {
			return fmt.Errorf("%w: card %s is closed", ErrInvalidState, cardID)
		}
		now := s.Now().UTC()
		c.ResolutionStatus = res
		c.ResolvedBy = by
		c.UpdatedAt = now
		switch {
		case res.Closes():
			c.Status = StatusClosed
			c.ClosedAt = &now
		case res == ResolutionDeferred:
			extendCooldown(c, now.Add(s.DeferFor(ctx)))
		}
		out = c
		return s.saveLifecycle(ctx, tx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("set resolution %s: %w", cardID, err)
	}
	return out, nil
}

// Snooze hides a card from delivery until the given time. The card keeps
// its merge key, so matching signals still fold into it.
func (s *Store) Snooze(ctx context.Context, cardID string, until time.Time) (*Card, error) {
	var out *Card
	err := s.w.Submit(ctx, "card.snooze", func(ctx context.Context, tx *db.Tx) error {
		c, err := s.GetTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if c.Status == StatusClosed {
			return fmt.Errorf("%w: card %s is closed", ErrInvalidState, cardID)
		}
		u := until.UTC()
		c.Status = StatusSnoozed
		c.SnoozedUntil = &u
		c.UpdatedAt = s.Now().UTC()
		out = c
		return s.saveLifecycle(ctx, tx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("snooze %s: %w", cardID, err)
	}
	return out, nil
}

// Close closes a card without changing its resolution. Closing twice is a
// no-op.
func (s *Store) Close(ctx context.Context, cardID, by string) (*Card, error) {
	var out *Card
	err := s.w.Submit(ctx, "card.close", func(ctx context.Context, tx *db.Tx) error {
		c, err := s.GetTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		out = c
		if c.Status == StatusClosed {
			return nil
		}
		now := s.Now().UTC()
		c.Status = StatusClosed
		c.ClosedAt = &now
		c.ResolvedBy = by
		c.UpdatedAt = now
		return s.saveLifecycle(ctx, tx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", cardID, err)
	}
	return out, nil
}

// LinkTask records the work item opened for a card.
func (s *Store) LinkTask(ctx context.Context, cardID, taskID string) error {
	err := s.w.Submit(ctx, "card.link_task", func(ctx context.Context, tx *db.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE state_cards SET linked_task_id = ?, updated_at = ? WHERE card_id = ?`,
			taskID, db.FormatTime(s.Now()), cardID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("link task to %s: %w", cardID, err)
	}
	return nil
}

// StartCooldownTx holds back further deliveries of a card until the given
// time. A cooldown already running longer is kept.
func (s *Store) StartCooldownTx(ctx context.Context, tx db.Querier, c *Card, until time.Time) error {
	if !extendCooldown(c, until.UTC()) {
		return nil
	}
	c.UpdatedAt = s.Now().UTC()
	if err := s.saveLifecycle(ctx, tx, c); err != nil {
		return fmt.Errorf("start cooldown %s: %w", c.ID, err)
	}
	return nil
}

func extendCooldown(c *Card, until time.Time) bool {
	if c.CooldownUntil != nil && !until.After(*c.CooldownUntil) {
		return false
	}
	c.CooldownUntil = &until
	return true
}

func (s *Store) saveLifecycle(ctx context.Context, tx db.Querier, c *Card) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE state_cards SET
			status = ?, cooldown_until = ?, snoozed_until = ?, resolution_status = ?,
			resolved_by = ?, closed_at = ?, updated_at = ?
		WHERE card_id = ?`,
		string(c.Status), db.NullTime(c.CooldownUntil), db.NullTime(c.SnoozedUntil), string(c.ResolutionStatus),
		c.ResolvedBy, db.NullTime(c.ClosedAt), db.FormatTime(c.UpdatedAt), c.ID)
	return err
}

// Get returns a card by id.
func (s *Store) Get(ctx context.Context, cardID string) (*Card, error) {
	return s.GetTx(ctx, s.db, cardID)
}

// GetTx returns a card by id using q.
func (s *Store) GetTx(ctx context.Context, q db.Querier, cardID string) (*Card, error) {
	return scanCard(q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM state_cards WHERE card_id = ?`, cardID))
}

func (s *Store) openByMergeKey(ctx context.Context, q db.Querier, mergeKey string) (*Card, error) {
	return scanCard(q.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM state_cards WHERE merge_key = ? AND status <> ?`, mergeKey, string(StatusClosed)))
}

// ListOpen returns open cards, most recently seen first. Empty scope
// arguments match everything.
func (s *Store) ListOpen(ctx context.Context, scopeType signal.ScopeType, scopeID string, limit int) ([]Card, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cardColumns + ` FROM state_cards WHERE status = ?`
	args := []any{string(StatusOpen)}
	if scopeType != "" {
		query += ` AND scope_type = ?`
		args = append(args, string(scopeType))
	}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY last_seen_at DESC, card_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open cards: %w", err)
	}
	defer rows.Close()

	var cards []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}

// Transparency gathers a card with its linked events, tasks, and the
// ledger trail of its injections.
func (s *Store) Transparency(ctx context.Context, cardID string) (*View, error) {
	c, err := s.Get(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("transparency %s: %w", cardID, err)
	}
	view := &View{Card: c}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id FROM state_card_events WHERE card_id = ? ORDER BY created_at, event_id`, cardID)
	if err != nil {
		return nil, fmt.Errorf("linked events %s: %w", cardID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		ev, err := s.ledger.Get(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		view.Events = append(view.Events, *ev)
	}

	if view.Tasks, err = s.tasks.ByCard(ctx, cardID); err != nil {
		return nil, err
	}
	if view.InjectionEvents, err = s.ledger.LinkedToCard(ctx, cardID); err != nil {
		return nil, err
	}
	return view, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*Card, error) {
	var (
		c                                       Card
		scopeType, severity, status, resolution string
		firstSeen, lastSeen, updatedAt          string
		cooldownUntil, snoozedUntil, closedAt   sql.NullString
	)
	err := row.Scan(&c.ID, &scopeType, &c.ScopeID, &c.CardType, &severity, &status, &c.Title, &c.Summary,
		&firstSeen, &lastSeen, &c.LastEventID, &c.MergeKey, &cooldownUntil, &snoozedUntil,
		&resolution, &c.ResolvedBy, &c.LinkedTaskID, &closedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ScopeType = signal.ScopeType(scopeType)
	c.Severity = signal.Severity(severity)
	c.Status = Status(status)
	c.ResolutionStatus = Resolution(resolution)
	if c.FirstSeenAt, err = db.ParseTime(firstSeen); err != nil {
		return nil, err
	}
	if c.LastSeenAt, err = db.ParseTime(lastSeen); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if c.CooldownUntil, err = db.TimePtr(cooldownUntil); err != nil {
		return nil, err
	}
	if c.SnoozedUntil, err = db.TimePtr(snoozedUntil); err != nil {
		return nil, err
	}
	if c.ClosedAt, err = db.TimePtr(closedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

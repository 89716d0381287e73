package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mind-attention/internal/db"
	"mind-attention/pkg/card"
	"mind-attention/pkg/ledger"
	"mind-attention/pkg/session"
	"mind-attention/pkg/writer"
)

// Status of a queued injection.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Ledger event types recording drain outcomes.
const (
	TypeInjectionApplied   = "attention.injection.applied"
	TypeInjectionFailed    = "attention.injection.failed"
	TypeInjectionCancelled = "attention.injection.cancelled"
)

// MaxDrainBatch caps one Drain call.
const MaxDrainBatch = 50

// Item is one row of the injection queue.
type Item struct {
	ID             string    `json:"injection_id"`
	CardID         string    `json:"card_id"`
	SessionID      string    `json:"session_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         Status    `json:"status"`
	MessageID      string    `json:"message_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DrainResult counts outcomes of one Drain call.
type DrainResult struct {
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// OutcomePayload is the payload of the drain outcome events.
type OutcomePayload struct {
	InjectionID string `json:"injection_id"`
	CardID      string `json:"card_id"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SystemWriter is the part of the session writer the injector uses.
type SystemWriter interface {
	ApplySystemMessage(ctx context.Context, req session.SystemMessageRequest) (session.Result, error)
}

// IdempotencyKey is the queue key for a card.
func IdempotencyKey(cardID string) string { return "inject:" + cardID }

const itemColumns = `injection_id, card_id, session_id, idempotency_key, status, message_id, error, created_at, updated_at`

// Injector queues approved injections and drains them into chat.
type Injector struct {
	db       *db.DB
	w        *writer.Serializer
	cards    *card.Store
	sessions SystemWriter
	observer *ledger.Observer
	catalog  *Catalog
	log      *slog.Logger
	Now      func() time.Time
}

// NewInjector creates an Injector. observer records drain outcomes.
func NewInjector(w *writer.Serializer, cards *card.Store, sessions SystemWriter, observer *ledger.Observer, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		db:       w.DB(),
		w:        w,
		cards:    cards,
		sessions: sessions,
		observer: observer,
		catalog:  DefaultCatalog(),
		log:      logger.With("component", "inject.injector"),
		Now:      time.Now,
	}
}

// Catalog returns the template catalog used by Drain.
func (j *Injector) Catalog() *Catalog { return j.catalog }

// Enqueue queues a session card for injection. A card already queued for
// its session returns the existing id with created false.
func (j *Injector) Enqueue(ctx context.Context, c *card.Card) (id string, created bool, err error) {
	err = j.w.Submit(ctx, "inject.enqueue", func(ctx context.Context, tx *db.Tx) error {
		var err error
		id, created, err = j.EnqueueTx(ctx, tx, c)
		return err
	})
	return id, created, err
}

// EnqueueTx is Enqueue inside the caller's transaction.
func (j *Injector) EnqueueTx(ctx context.Context, tx db.Querier, c *card.Card) (string, bool, error) {
	key := IdempotencyKey(c.ID)
	now := db.FormatTime(j.Now())
	id := uuid.Must(uuid.NewV7()).String()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_injection_queue (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, '', '', ?, ?)
		ON CONFLICT (session_id, idempotency_key) DO NOTHING`,
		id, c.ID, c.ScopeID, key, string(StatusQueued), now, now)
	if err != nil {
		return "", false, fmt.Errorf("enqueue injection for %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT injection_id FROM chat_injection_queue WHERE session_id = ? AND idempotency_key = ?`,
		c.ScopeID, key).Scan(&id); err != nil {
		return "", false, fmt.Errorf("re-read injection for %s: %w", c.ID, err)
	}
	return id, false, nil
}

// Drain delivers up to limit queued injections, oldest first.
func (j *Injector) Drain(ctx context.Context, limit int) (DrainResult, error) {
	var res DrainResult
	if limit <= 0 || limit > MaxDrainBatch {
		limit = MaxDrainBatch
	}
	items, err := j.List(ctx, StatusQueued, limit)
	if err != nil {
		return res, err
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		status, err := j.drainOne(ctx, &items[i])
		if err != nil {
			return res, err
		}
		switch status {
		case StatusApplied:
			res.Applied++
		case StatusFailed:
			res.Failed++
		case StatusCancelled:
			res.Cancelled++
		}
	}
	if len(items) > 0 {
		j.log.InfoContext(ctx, "drained injections",
			"applied", res.Applied, "failed", res.Failed, "cancelled", res.Cancelled)
	}
	return res, nil
}

func (j *Injector) drainOne(ctx context.Context, it *Item) (Status, error) {
	c, err := j.cards.Get(ctx, it.CardID)
	if errors.Is(err, card.ErrNotFound) {
		if err := j.finish(ctx, it, StatusCancelled, "", "card not found"); err != nil {
			return "", err
		}
		j.record(ctx, it, TypeInjectionCancelled, "", "card not found")
		return StatusCancelled, nil
	}
	if err != nil {
		return "", fmt.Errorf("load card %s: %w", it.CardID, err)
	}

	result, applyErr := j.sessions.ApplySystemMessage(ctx, session.SystemMessageRequest{
		SessionID:      it.SessionID,
		Content:        j.catalog.Render(c),
		IdempotencyKey: it.IdempotencyKey,
		Source:         "attention.injector",
		CausationID:    c.LastEventID,
		CorrelationID:  c.ID,
		Metadata: map[string]any{
			"card_id":      c.ID,
			"card_type":    c.CardType,
			"severity":     string(c.Severity),
			"injection_id": it.ID,
		},
	})
	if applyErr != nil {
		j.log.WarnContext(ctx, "injection failed", "injection_id", it.ID, "card_id", c.ID, "err", applyErr)
		if err := j.finish(ctx, it, StatusFailed, "", applyErr.Error()); err != nil {
			return "", err
		}
		j.record(ctx, it, TypeInjectionFailed, "", applyErr.Error())
		return StatusFailed, nil
	}
	if err := j.finish(ctx, it, StatusApplied, result.MessageID, ""); err != nil {
		return "", err
	}
	j.record(ctx, it, TypeInjectionApplied, result.MessageID, "")
	return StatusApplied, nil
}

func (j *Injector) finish(ctx context.Context, it *Item, status Status, messageID, errText string) error {
	now := db.FormatTime(j.Now())
	return j.w.Submit(ctx, "inject.finish", func(ctx context.Context, tx *db.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE chat_injection_queue SET status = ?, message_id = ?, error = ?, updated_at = ?
			WHERE injection_id = ? AND status = ?`,
			string(status), messageID, errText, now, it.ID, string(StatusQueued))
		return err
	})
}

func (j *Injector) record(ctx context.Context, it *Item, eventType, messageID, errText string) {
	if j.observer == nil {
		return
	}
	j.observer.AppendObserved(ctx, ledger.Observed{
		SessionID:      it.SessionID,
		Type:           eventType,
		Source:         "attention.injector",
		IdempotencyKey: eventType + ":" + it.ID,
		CorrelationID:  it.CardID,
		Payload: OutcomePayload{
			InjectionID: it.ID,
			CardID:      it.CardID,
			MessageID:   messageID,
			Error:       errText,
		},
	})
}

// Get returns one queue item.
func (j *Injector) Get(ctx context.Context, id string) (*Item, error) {
	items, err := j.query(ctx, `SELECT `+itemColumns+` FROM chat_injection_queue WHERE injection_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("injection %s: not found", id)
	}
	return &items[0], nil
}

// List returns queue items with a status, oldest first.
func (j *Injector) List(ctx context.Context, status Status, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = MaxDrainBatch
	}
	return j.query(ctx, `SELECT `+itemColumns+` FROM chat_injection_queue
		WHERE status = ? ORDER BY created_at, injection_id LIMIT ?`, string(status), limit)
}

func (j *Injector) query(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query injections: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var status, createdAt, updatedAt string
		if err := rows.Scan(&it.ID, &it.CardID, &it.SessionID, &it.IdempotencyKey, &status,
			&it.MessageID, &it.Error, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan injection: %w", err)
		}
		it.Status = Status(status)
		if it.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if it.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

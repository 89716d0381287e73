// Package inbox is the passive delivery channel: one item per card and
// delivery type, refreshed as the card changes.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mind-attention/internal/db"
	"mind-attention/pkg/card"
	"mind-attention/pkg/signal"
	"mind-attention/pkg/writer"
)

// Status of an inbox item.
type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusArchived Status = "archived"
)

// DeliveryType is how loudly an item was delivered.
type DeliveryType string

const (
	DeliveryInboxOnly DeliveryType = "inbox_only"
	DeliveryNotify    DeliveryType = "notify"
	DeliveryConfirm   DeliveryType = "confirm"
)

// Valid reports whether d is a known delivery type.
func (d DeliveryType) Valid() bool {
	switch d {
	case DeliveryInboxOnly, DeliveryNotify, DeliveryConfirm:
		return true
	}
	return false
}

var (
	ErrNotFound     = errors.New("inbox: item not found")
	ErrInvalidInput = errors.New("inbox: invalid input")
)

// Item is one inbox entry.
type Item struct {
	ID           string           `json:"inbox_item_id"`
	CardID       string           `json:"card_id"`
	ScopeType    signal.ScopeType `json:"scope_type"`
	ScopeID      string           `json:"scope_id"`
	DeliveryType DeliveryType     `json:"delivery_type"`
	Status       Status           `json:"status"`
	Title        string           `json:"title"`
	Summary      string           `json:"summary"`
	Severity     signal.Severity  `json:"severity"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	ReadAt       *time.Time       `json:"read_at,omitempty"`
	ArchivedAt   *time.Time       `json:"archived_at,omitempty"`
}

// Filter narrows List. Zero fields match everything; archived items are
// only returned when asked for by Status.
type Filter struct {
	ScopeType signal.ScopeType
	ScopeID   string
	Status    Status
	Limit     int
}

const itemColumns = `inbox_item_id, card_id, scope_type, scope_id, delivery_type, status,
	title, summary, severity, created_at, updated_at, read_at, archived_at`

// Service reads and writes inbox items.
type Service struct {
	db  *db.DB
	w   *writer.Serializer
	Now func() time.Time
}

// NewService creates a Service.
func NewService(w *writer.Serializer) *Service {
	return &Service{db: w.DB(), w: w, Now: time.Now}
}

// EnqueueFromCard delivers c to the inbox. The first delivery inserts an
// unread item; later ones refresh its text and updated_at.
func (s *Service) EnqueueFromCard(ctx context.Context, c *card.Card, deliveryType DeliveryType) (id string, created bool, err error) {
	err = s.w.Submit(ctx, "inbox.enqueue", func(ctx context.Context, tx *db.Tx) error {
		var err error
		id, created, err = s.EnqueueFromCardTx(ctx, tx, c, deliveryType)
		return err
	})
	return id, created, err
}

// EnqueueFromCardTx is EnqueueFromCard inside the caller's transaction.
func (s *Service) EnqueueFromCardTx(ctx context.Context, tx db.Querier, c *card.Card, deliveryType DeliveryType) (string, bool, error) {
	if !deliveryType.Valid() {
		return "", false, fmt.Errorf("%w: delivery type %q", ErrInvalidInput, deliveryType)
	}
	now := db.FormatTime(s.Now())
	id := uuid.Must(uuid.NewV7()).String()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inbox_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT (card_id, delivery_type) DO NOTHING`,
		id, c.ID, string(c.ScopeType), c.ScopeID, string(deliveryType), string(StatusUnread),
		c.Title, c.Summary, string(c.Severity), now, now)
	if err != nil {
		return "", false, fmt.Errorf("insert inbox item for %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT inbox_item_id FROM inbox_items WHERE card_id = ? AND delivery_type = ?`,
		c.ID, string(deliveryType)).Scan(&id); err != nil {
		return "", false, fmt.Errorf("re-read inbox item for %s: %w", c.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE inbox_items SET title = ?, summary = ?, severity = ?, updated_at = ?
		WHERE inbox_item_id = ?`,
		c.Title, c.Summary, string(c.Severity), now, id); err != nil {
		return "", false, fmt.Errorf("refresh inbox item %s: %w", id, err)
	}
	return id, false, nil
}

// HasDelivery reports whether any inbox item exists for the card.
func (s *Service) HasDelivery(ctx context.Context, cardID string) (bool, error) {
	return s.HasDeliveryTx(ctx, s.db, cardID)
}

// HasDeliveryTx is HasDelivery using q.
func (s *Service) HasDeliveryTx(ctx context.Context, q db.Querier, cardID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox_items WHERE card_id = ?`, cardID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has delivery %s: %w", cardID, err)
	}
	return n > 0, nil
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inbox_items WHERE inbox_item_id = ?`, id))
}

// List returns items newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Item, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + itemColumns + ` FROM inbox_items WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	} else {
		query += ` AND status <> ?`
		args = append(args, string(StatusArchived))
	}
	if f.ScopeType != "" {
		query += ` AND scope_type = ?`
		args = append(args, string(f.ScopeType))
	}
	if f.ScopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, f.ScopeID)
	}
	query += ` ORDER BY updated_at DESC, inbox_item_id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// UnreadCount counts unread items in a scope. Empty arguments count all.
func (s *Service) UnreadCount(ctx context.Context, scopeType signal.ScopeType, scopeID string) (int, error) {
	query := `SELECT COUNT(*) FROM inbox_items WHERE status = ?`
	args := []any{string(StatusUnread)}
	if scopeType != "" {
		query += ` AND scope_type = ?`
		args = append(args, string(scopeType))
	}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// MarkRead moves an unread item to read. Read and archived items are left
// alone.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	now := db.FormatTime(s.Now())
	return s.w.Submit(ctx, "inbox.mark_read", func(ctx context.Context, tx *db.Tx) error {
		if err := exists(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE inbox_items SET status = ?, read_at = ?, updated_at = ?
			WHERE inbox_item_id = ? AND status = ?`,
			string(StatusRead), now, now, id, string(StatusUnread))
		return err
	})
}

// Archive hides an item from default listings.
func (s *Service) Archive(ctx context.Context, id string) error {
	now := db.FormatTime(s.Now())
	return s.w.Submit(ctx, "inbox.archive", func(ctx context.Context, tx *db.Tx) error {
		if err := exists(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE inbox_items SET status = ?, archived_at = ?, updated_at = ?
			WHERE inbox_item_id = ? AND status <> ?`,
			string(StatusArchived), now, now, id, string(StatusArchived))
		return err
	})
}

func exists(ctx context.Context, q db.Querier, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM inbox_items WHERE inbox_item_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it                          Item
		scopeType, status, severity string
		deliveryType                string
		createdAt, updatedAt        string
		readAt, archivedAt          sql.NullString
	)
	err := row.Scan(&it.ID, &it.CardID, &scopeType, &it.ScopeID, &deliveryType, &status,
		&it.Title, &it.Summary, &severity, &createdAt, &updatedAt, &readAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.ScopeType = signal.ScopeType(scopeType)
	it.DeliveryType = DeliveryType(deliveryType)
	it.Status = Status(status)
	it.Severity = signal.Severity(severity)
	if it.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if it.ReadAt, err = db.TimePtr(readAt); err != nil {
		return nil, err
	}
	if it.ArchivedAt, err = db.TimePtr(archivedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

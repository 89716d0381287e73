package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mind-attention/internal/db"
	"mind-attention/pkg/ledger"
)

// DefaultCheckpoint is the checkpoint name used when none is configured.
const DefaultCheckpoint = "attention"

// LoadCheckpoint returns the saved cursor for name, or the zero cursor.
func LoadCheckpoint(ctx context.Context, q db.Querier, name string) (ledger.Cursor, error) {
	var at, eventID string
	err := q.QueryRowContext(ctx,
		`SELECT last_created_at, last_event_id FROM attention_checkpoints WHERE name = ?`, name).
		Scan(&at, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Cursor{}, nil
	}
	if err != nil {
		return ledger.Cursor{}, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	cur := ledger.Cursor{EventID: eventID}
	if at != "" {
		if cur.CreatedAt, err = db.ParseTime(at); err != nil {
			return ledger.Cursor{}, fmt.Errorf("load checkpoint %s: %w", name, err)
		}
	}
	return cur, nil
}

// SaveCheckpoint stores cur under name. A cursor behind the stored one is
// ignored.
func SaveCheckpoint(ctx context.Context, q db.Querier, name string, cur ledger.Cursor, now time.Time) error {
	stored, err := LoadCheckpoint(ctx, q, name)
	if err != nil {
		return err
	}
	if !stored.IsZero() && !cur.After(stored) {
		return nil
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO attention_checkpoints (name, last_created_at, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			last_created_at = excluded.last_created_at,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		name, db.FormatTime(cur.CreatedAt), cur.EventID, db.FormatTime(now))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}

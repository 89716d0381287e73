package task

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

const taskColumns = `id, subject, description, status, card_id, source, metadata, created_at, updated_at, completed_at`

var _ Repository = (*Store)(nil)

// Store persists tasks.
type Store struct {
	db  *db.DB
	w   *writer.Serializer
	Now func() time.Time
}

// NewStore creates a Store.
func NewStore(w *writer.Serializer) *Store {
	return &Store{db: w.DB(), w: w, Now: time.Now}
}

// Create inserts a new task.
func (s *Store) Create(ctx context.Context, t *Task) (*Task, error) {
	t.ID = uuid.Must(uuid.NewV7()).String()
	now := s.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	err = s.w.Submit(ctx, "task.create", func(ctx context.Context, tx *db.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			t.ID, t.Subject, t.Description, t.Status, t.CardID, t.Source, string(metaJSON),
			db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// SetStatus moves a task to status. Completing stamps completed_at.
func (s *Store) SetStatus(ctx context.Context, id, status string) (*Task, error) {
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
	default:
		return nil, fmt.Errorf("set task %s: unknown status %q", id, status)
	}
	now := db.FormatTime(s.Now())
	err := s.w.Submit(ctx, "task.set_status", func(ctx context.Context, tx *db.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?,
				completed_at = CASE WHEN ? = 'completed' THEN ? ELSE completed_at END
			WHERE id = ?`, status, now, status, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set task %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Complete marks a task as completed.
func (s *Store) Complete(ctx context.Context, id string) (*Task, error) {
	return s.SetStatus(ctx, id, StatusCompleted)
}

// List returns tasks filtered by status (empty = all), oldest first.
func (s *Store) List(ctx context.Context, status string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	if status != "" {
		return s.scanMany(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at LIMIT ?`, status, limit)
	}
	return s.scanMany(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at LIMIT ?`, limit)
}

// ByCard returns the tasks opened for a card.
func (s *Store) ByCard(ctx context.Context, cardID string) ([]Task, error) {
	return s.scanMany(ctx, `SELECT `+taskColumns+` FROM tasks WHERE card_id = ? ORDER BY created_at`, cardID)
}

// PendingCount returns count of pending tasks.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, StatusPending).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                    Task
		metaJSON             string
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	err := row.Scan(&t.ID, &t.Subject, &t.Description, &t.Status, &t.CardID, &t.Source, &metaJSON, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		t.Metadata = map[string]any{}
	}
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = db.TimePtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) scanMany(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

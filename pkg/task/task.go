package task

import (
	"context"
	"errors"
	"time"
)

// Status values of a work item.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

var ErrNotFound = errors.New("task: not found")

// Task is a unit of follow-up work, usually opened for a card by the
// external scheduler.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      string         `json:"status"`  // pending, in_progress, completed, blocked
	CardID      string         `json:"card_id"` // card this work addresses, if any
	Source      string         `json:"source"`  // who created it
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Repository is the contract for task persistence.
type Repository interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	SetStatus(ctx context.Context, id, status string) (*Task, error)
	Complete(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, status string, limit int) ([]Task, error)
	ByCard(ctx context.Context, cardID string) ([]Task, error)
	PendingCount(ctx context.Context) (int, error)
}

// Package ledger is the append-only, per-session ordered event log.
//
// Observational events are appended best effort by any collaborator.
// Conversational writes go through the session writer, which appends a
// pending event and walks it through the apply-status machine:
//
//	pending -> applied
//	pending -> failed -> applied
//
// Rows are never deleted.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the apply state of an event.
type Status string

const (
	StatusObserved Status = "observed"
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

// TypeApplyFailed is appended alongside every transition to failed.
const TypeApplyFailed = "ledger.apply_failed"

// ApplyFailedKey is the idempotency key of the TypeApplyFailed event for
// eventID.
func ApplyFailedKey(eventID string) string { return "apply_failed:" + eventID }

var (
	ErrNotFound     = errors.New("ledger: event not found")
	ErrInvalidState = errors.New("ledger: invalid apply-status transition")
)

// Event is one ledger row.
type Event struct {
	ID             string          `json:"event_id"`     // UUID v7, sorts by creation
	SessionID      string          `json:"session_id"`
	OrderingKey    *int64          `json:"ordering_key"` // nil for observational events
	Type           string          `json:"event_type"`
	Source         string          `json:"source"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	ApplyStatus    Status          `json:"apply_status"`
	AppliedAt      *time.Time      `json:"applied_at,omitempty"`
	ApplyError     string          `json:"apply_error,omitempty"`
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: decode payload: %w", e.ID, err)
	}
	return nil
}

// Recoverable reports whether recovery should (re)apply the event.
func (e *Event) Recoverable() bool {
	return e.ApplyStatus == StatusPending || e.ApplyStatus == StatusFailed
}

// Cursor returns the global position of the event.
func (e *Event) Cursor() Cursor {
	return Cursor{CreatedAt: e.CreatedAt, EventID: e.ID}
}

// Cursor is a position in the global (created_at, event_id) order.
type Cursor struct {
	CreatedAt time.Time
	EventID   string
}

// IsZero reports whether the cursor points before the first event.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.EventID == "" }

// After reports whether c is strictly past other.
func (c Cursor) After(other Cursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.After(other.CreatedAt)
	}
	return c.EventID > other.EventID
}

// Observed describes an observational append. Payload is marshalled as
// JSON unless it already is a json.RawMessage.
type Observed struct {
	SessionID      string
	Type           string
	Source         string
	Payload        any
	IdempotencyKey string
	CausationID    string
	CorrelationID  string
	CreatedAt      time.Time // zero means now
}

// Pending describes an event entering the durable pipeline.
type Pending struct {
	SessionID      string
	Type           string
	Source         string
	IdempotencyKey string
	CausationID    string
	CorrelationID  string
	Payload        json.RawMessage
}

// ApplyFailedPayload is the payload of a TypeApplyFailed event.
type ApplyFailedPayload struct {
	SchemaVersion int    `json:"schema_version"`
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	OrderingKey   int64  `json:"ordering_key"`
	Error         string `json:"error"`
}

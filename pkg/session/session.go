// Package session turns chat requests into durable ledger events and
// projects them into the chat_sessions and chat_messages read model.
package session

import (
	"errors"
	"time"
)

// Event types written by the session writer.
const (
	TypeUserMessageRequested   = "chat.user_message.requested"
	TypeSystemMessageRequested = "chat.system_message.requested"
)

// PayloadVersion is the only MessagePayload schema version understood.
const PayloadVersion = 1

var (
	ErrInvalidInput = errors.New("session: invalid input")
	ErrInvalidState = errors.New("session: invalid state")
	ErrNotFound     = errors.New("session: not found")
)

// Role of a projected message.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// MessagePayload is the ledger payload of both message event types.
type MessagePayload struct {
	SchemaVersion int            `json:"schema_version"`
	MessageID     string         `json:"message_id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// UserMessageRequest asks for a user message to be written.
type UserMessageRequest struct {
	SessionID      string
	Content        string
	IdempotencyKey string
	Source         string
	CausationID    string
	CorrelationID  string
	Metadata       map[string]any
}

// SystemMessageRequest asks for a system message to be written.
type SystemMessageRequest struct {
	SessionID      string
	Content        string
	IdempotencyKey string
	Source         string
	CausationID    string
	CorrelationID  string
	Metadata       map[string]any
}

// Result describes the outcome of a durable write. Replayed is true when
// the idempotency key had already been applied.
type Result struct {
	MessageID   string `json:"message_id"`
	EventID     string `json:"event_id"`
	OrderingKey int64  `json:"ordering_key"`
	Replayed    bool   `json:"replayed"`
}

// Message is a projected chat message.
type Message struct {
	ID          string         `json:"message_id"`
	SessionID   string         `json:"session_id"`
	EventID     string         `json:"event_id"`
	OrderingKey int64          `json:"ordering_key"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Session is the projected per-session summary.
type Session struct {
	ID                string     `json:"session_id"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	MessageCount      int64      `json:"message_count"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	LastUserMessageAt *time.Time `json:"last_user_message_at,omitempty"`
}

// RecoveryReport summarizes one recovery pass over a session.
type RecoveryReport struct {
	SessionID     string `json:"session_id"`
	Applied       int    `json:"applied"`
	FailedEventID string `json:"failed_event_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

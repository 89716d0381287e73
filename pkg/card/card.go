// Package card is the deduplication and escalation engine. Repeated
// signals that share a merge key collapse into one open card whose
// severity only goes up while it stays open.
package card

import (
	"errors"
	"time"

	"mind-attention/pkg/ledger"
	"mind-attention/pkg/signal"
	"mind-attention/pkg/task"
)

// Status governs dedup eligibility. Only closed cards release their key.
type Status string

const (
	StatusOpen    Status = "open"
	StatusSnoozed Status = "snoozed"
	StatusClosed  Status = "closed"
)

// Resolution is the user-facing lifecycle, independent of Status.
type Resolution string

const (
	ResolutionOpen         Resolution = "open"
	ResolutionAcknowledged Resolution = "acknowledged"
	ResolutionResolved     Resolution = "resolved"
	ResolutionDismissed    Resolution = "dismissed"
	ResolutionDeferred     Resolution = "deferred"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionOpen, ResolutionAcknowledged, ResolutionResolved, ResolutionDismissed, ResolutionDeferred:
		return true
	}
	return false
}

// Closes reports whether r forces the card closed.
func (r Resolution) Closes() bool {
	return r == ResolutionResolved || r == ResolutionDismissed
}

var (
	ErrNotFound     = errors.New("card: not found")
	ErrInvalidInput = errors.New("card: invalid input")
	ErrInvalidState = errors.New("card: invalid state")
)

// Card is one deduplicated issue.
type Card struct {
	ID               string           `json:"card_id"`
	ScopeType        signal.ScopeType `json:"scope_type"`
	ScopeID          string           `json:"scope_id"`
	CardType         string           `json:"card_type"`
	Severity         signal.Severity  `json:"severity"`
	Status           Status           `json:"status"`
	Title            string           `json:"title"`
	Summary          string           `json:"summary"`
	FirstSeenAt      time.Time        `json:"first_seen_at"`
	LastSeenAt       time.Time        `json:"last_seen_at"`
	LastEventID      string           `json:"last_event_id"`
	MergeKey         string           `json:"merge_key"`
	CooldownUntil    *time.Time       `json:"cooldown_until,omitempty"`
	SnoozedUntil     *time.Time       `json:"snoozed_until,omitempty"`
	ResolutionStatus Resolution       `json:"resolution_status"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	LinkedTaskID     string           `json:"linked_task_id,omitempty"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// InCooldown reports whether the card's cooldown is still running at now.
func (c *Card) InCooldown(now time.Time) bool {
	return c.CooldownUntil != nil && now.Before(*c.CooldownUntil)
}

// Input is one signal observation to fold into a card.
type Input struct {
	MergeKey      string
	ScopeType     signal.ScopeType
	ScopeID       string
	CardType      string
	Severity      signal.Severity
	Title         string
	Summary       string
	EventID       string
	SeenAt        time.Time
	CooldownUntil *time.Time
}

// FromSignal builds an Input. Only a cooldown the signal declares is
// carried; the delivery cooldown starts when the card is delivered.
func FromSignal(sig signal.Signal) Input {
	in := Input{
		MergeKey:  sig.MergeKey,
		ScopeType: sig.ScopeType,
		ScopeID:   sig.ScopeID,
		CardType:  sig.CardType,
		Severity:  sig.Severity,
		Title:     sig.Title,
		Summary:   sig.Summary,
		EventID:   sig.EventID,
		SeenAt:    sig.OccurredAt,
	}
	if sig.Cooldown > 0 {
		until := sig.OccurredAt.Add(sig.Cooldown)
		in.CooldownUntil = &until
	}
	return in
}

func (in Input) validate() error {
	switch {
	case in.MergeKey == "":
		return errors.Join(ErrInvalidInput, errors.New("merge key is required"))
	case in.CardType == "":
		return errors.Join(ErrInvalidInput, errors.New("card type is required"))
	case !in.ScopeType.Valid() || in.ScopeID == "":
		return errors.Join(ErrInvalidInput, errors.New("scope is required"))
	case !in.Severity.Valid():
		return errors.Join(ErrInvalidInput, errors.New("unknown severity"))
	}
	return nil
}

// View is everything known about one card, for operators and the UI.
type View struct {
	Card            *Card          `json:"card"`
	Events          []ledger.Event `json:"events"`
	Tasks           []task.Task    `json:"tasks"`
	InjectionEvents []ledger.Event `json:"injection_events"`
}

package attention

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"mind-attention/pkg/card"
)

// Action is what to do with a card update.
type Action string

const (
	ActionSuppress  Action = "suppress"
	ActionInboxOnly Action = "inbox_only"
)

// Reasons attached to decisions.
const (
	ReasonSilent           = "mode:silent"
	ReasonSnoozed          = "card:snoozed"
	ReasonQuietHours       = "quiet_hours"
	ReasonCooldown         = "card:cooldown_until"
	ReasonAlreadyDelivered = "update:already_delivered"
	ReasonReactive         = "mode:reactive"
	ReasonProactive        = "mode:proactive"
)

// Decision is the outcome of DecideDelivery.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Delivers reports whether the decision routes the card somewhere.
func (d Decision) Delivers() bool { return d.Action != ActionSuppress }

// DecideDelivery picks the passive delivery for one card update. isNew is
// true for the first sighting of the card; hasExistingDelivery is true once
// an inbox item exists for it.
func DecideDelivery(c *card.Card, now time.Time, isNew, hasExistingDelivery bool, s Settings) Decision {
	if s.Mode == ModeSilent {
		return Decision{ActionSuppress, ReasonSilent}
	}
	if c.Status == card.StatusSnoozed {
		return Decision{ActionSuppress, ReasonSnoozed}
	}
	// a first sighting still surfaces once during quiet hours
	if !isNew && s.QuietHours.Active(now) {
		return Decision{ActionSuppress, ReasonQuietHours}
	}
	if hasExistingDelivery && c.InCooldown(now) {
		return Decision{ActionSuppress, ReasonCooldown}
	}
	if hasExistingDelivery {
		return Decision{ActionSuppress, ReasonAlreadyDelivered}
	}
	if s.Mode == ModeProactive {
		return Decision{ActionInboxOnly, ReasonProactive}
	}
	return Decision{ActionInboxOnly, ReasonReactive}
}

var (
	instrumentsOnce sync.Once
	decisions       metric.Int64Counter
	verdicts        metric.Int64Counter
)

func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("mind-attention/attention")
		decisions, _ = meter.Int64Counter("attention.delivery.decisions",
			metric.WithDescription("Delivery decisions by action and reason"))
		verdicts, _ = meter.Int64Counter("attention.injection.verdicts",
			metric.WithDescription("Injection guard verdicts by reason"))
	})
}

// RecordDecision counts a delivery decision.
func RecordDecision(ctx context.Context, d Decision) {
	instruments()
	if decisions == nil {
		return
	}
	decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(d.Action)),
		attribute.String("reason", d.Reason),
	))
}

// RecordVerdict counts an injection guard verdict.
func RecordVerdict(ctx context.Context, allowed bool, reason string) {
	instruments()
	if verdicts == nil {
		return
	}
	verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	))
}

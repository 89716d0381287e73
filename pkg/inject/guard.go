// Package inject gates and performs live chat injection of cards. The
// guard decides; the injector queues and drains through the session
// writer.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mind-attention/internal/db"
	"mind-attention/pkg/attention"
	"mind-attention/pkg/card"
	"mind-attention/pkg/signal"
)

// Verdict reasons, in evaluation order.
const (
	ReasonNotSessionScope = "card:not_session_scope"
	ReasonNotProactive    = "mode:not_proactive"
	ReasonDisabled        = "injection:disabled"
	ReasonBelowThreshold  = "severity:below_threshold"
	ReasonSessionMismatch = "session:mismatch"
	ReasonActivityStale   = "activity:stale"
	ReasonIdleTooRecent   = "idle:too_recent"
	ReasonRateSession     = "rate_limit:session"
	ReasonRateGlobal      = "rate_limit:global"
	ReasonAllowed         = "allowed"
)

// RateWindow is the sliding window the rate limits count over.
const RateWindow = 60 * time.Second

// Verdict is the guard's answer for one card.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func deny(reason string) Verdict { return Verdict{Reason: reason} }

// ActivitySource reports when a client last showed up in a session.
type ActivitySource interface {
	LastSeen(ctx context.Context, sessionID string) (time.Time, bool, error)
}

// MessageActivity reports when the user last wrote in a session.
type MessageActivity interface {
	LastUserMessageAt(ctx context.Context, sessionID string) (time.Time, bool, error)
}

// Guard evaluates injection gates.
type Guard struct {
	db       *db.DB
	presence ActivitySource
	messages MessageActivity
	log      *slog.Logger
}

// NewGuard creates a Guard reading rate windows from store.
func NewGuard(store *db.DB, presence ActivitySource, messages MessageActivity, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{db: store, presence: presence, messages: messages, log: logger.With("component", "inject.guard")}
}

// Evaluate runs every gate against c.
func (g *Guard) Evaluate(ctx context.Context, c *card.Card, now time.Time, s attention.Settings) (Verdict, error) {
	return g.EvaluateTx(ctx, g.db, c, now, s)
}

// EvaluateTx is Evaluate with rate windows counted through q, so a caller
// holding the write transaction sees its own queued rows.
func (g *Guard) EvaluateTx(ctx context.Context, q db.Querier, c *card.Card, now time.Time, s attention.Settings) (Verdict, error) {
	v, err := g.evaluate(ctx, q, c, now, s)
	if err != nil {
		return Verdict{}, err
	}
	attention.RecordVerdict(ctx, v.Allowed, v.Reason)
	g.log.DebugContext(ctx, "injection verdict", "card_id", c.ID, "allowed", v.Allowed, "reason", v.Reason)
	return v, nil
}

func (g *Guard) evaluate(ctx context.Context, q db.Querier, c *card.Card, now time.Time, s attention.Settings) (Verdict, error) {
	inj := s.Injection
	switch {
	case c.ScopeType != signal.ScopeSession:
		return deny(ReasonNotSessionScope), nil
	case s.Mode != attention.ModeProactive:
		return deny(ReasonNotProactive), nil
	case !inj.Enabled:
		return deny(ReasonDisabled), nil
	case !c.Severity.AtLeast(inj.MinSeverity):
		return deny(ReasonBelowThreshold), nil
	case inj.TargetSession != "" && inj.TargetSession != c.ScopeID:
		return deny(ReasonSessionMismatch), nil
	}

	sessionID := c.ScopeID
	if g.presence == nil {
		return deny(ReasonActivityStale), nil
	}
	seen, ok, err := g.presence.LastSeen(ctx, sessionID)
	if err != nil {
		return Verdict{}, fmt.Errorf("activity gate %s: %w", sessionID, err)
	}
	if !ok || now.Sub(seen) > inj.ActivityWindow {
		return deny(ReasonActivityStale), nil
	}

	if g.messages != nil {
		last, ok, err := g.messages.LastUserMessageAt(ctx, sessionID)
		if err != nil {
			return Verdict{}, fmt.Errorf("idle gate %s: %w", sessionID, err)
		}
		if ok && now.Sub(last) < inj.MinIdle {
			return deny(ReasonIdleTooRecent), nil
		}
	}

	since := now.Add(-RateWindow)
	perSession, err := countRecent(ctx, q, since, sessionID)
	if err != nil {
		return Verdict{}, err
	}
	if perSession >= inj.MaxPerSessionPerMinute {
		return deny(ReasonRateSession), nil
	}
	global, err := countRecent(ctx, q, since, "")
	if err != nil {
		return Verdict{}, err
	}
	if global >= inj.MaxGlobalPerMinute {
		return deny(ReasonRateGlobal), nil
	}
	return Verdict{Allowed: true, Reason: ReasonAllowed}, nil
}

// countRecent counts queued or applied injections created after since,
// in one session or, with an empty session, everywhere.
func countRecent(ctx context.Context, q db.Querier, since time.Time, sessionID string) (int, error) {
	query := `SELECT COUNT(*) FROM chat_injection_queue
		WHERE status IN (?, ?) AND created_at > ?`
	args := []any{string(StatusQueued), string(StatusApplied), db.FormatTime(since)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent injections: %w", err)
	}
	return n, nil
}

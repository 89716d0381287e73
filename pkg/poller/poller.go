// Package poller scans the ledger from a durable checkpoint and turns
// qualifying events into cards, inbox items and queued injections.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mind-attention/internal/db"
	"mind-attention/pkg/attention"
	"mind-attention/pkg/card"
	"mind-attention/pkg/inbox"
	"mind-attention/pkg/inject"
	"mind-attention/pkg/ledger"
	"mind-attention/pkg/presence"
	"mind-attention/pkg/signal"
	"mind-attention/pkg/writer"
)

// Result counts the work done by one batch.
type Result struct {
	ProcessedEvents    int `json:"processed_events"`
	CreatedCards       int `json:"created_cards"`
	EnqueuedInbox      int `json:"enqueued_inbox"`
	EnqueuedInjections int `json:"enqueued_injections"`
}

// Config wires a Poller. Guard and Injector may be nil, which disables
// live injection. Presence, when set, is fed from heartbeat and user
// message events so the guard sees live sessions.
type Config struct {
	Name      string
	Ledger    *ledger.Store
	Cards     *card.Store
	Inbox     *inbox.Service
	Presence  *presence.Store
	Guard     *inject.Guard
	Injector  *inject.Injector
	Shaper    *signal.Shaper
	Settings  *attention.Source
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
}

// Poller is the checkpointed ledger scanner.
type Poller struct {
	name      string
	ledger    *ledger.Store
	w         *writer.Serializer
	cards     *card.Store
	inbox     *inbox.Service
	presence  *presence.Store
	guard     *inject.Guard
	injector  *inject.Injector
	shaper    *signal.Shaper
	settings  *attention.Source
	interval  time.Duration
	batchSize int
	log       *slog.Logger

	Now func() time.Time
}

// New creates a Poller.
func New(cfg Config) *Poller {
	if cfg.Name == "" {
		cfg.Name = DefaultCheckpoint
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Shaper == nil {
		cfg.Shaper = signal.NewShaper()
	}
	if cfg.Settings == nil {
		cfg.Settings = attention.NewSource(nil, 0, cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		name:      cfg.Name,
		ledger:    cfg.Ledger,
		w:         cfg.Ledger.Writer(),
		cards:     cfg.Cards,
		inbox:     cfg.Inbox,
		presence:  cfg.Presence,
		guard:     cfg.Guard,
		injector:  cfg.Injector,
		shaper:    cfg.Shaper,
		settings:  cfg.Settings,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		log:       cfg.Logger.With("component", "poller", "checkpoint", cfg.Name),
		Now:       time.Now,
	}
}

// Checkpoint returns the persisted cursor.
func (p *Poller) Checkpoint(ctx context.Context) (ledger.Cursor, error) {
	return LoadCheckpoint(ctx, p.w.DB(), p.name)
}

// PollAndShapeOnce processes one batch of up to limit events after the
// checkpoint. The checkpoint only moves when the whole batch succeeded;
// a failed batch is replayed from the start next time.
func (p *Poller) PollAndShapeOnce(ctx context.Context, limit int) (Result, error) {
	var res Result
	if limit <= 0 {
		limit = p.batchSize
	}
	cur, err := p.Checkpoint(ctx)
	if err != nil {
		return res, err
	}
	events, err := p.ledger.ListGlobal(ctx, cur, limit)
	if err != nil {
		return res, fmt.Errorf("poll after %s: %w", cur.EventID, err)
	}
	if len(events) == 0 {
		return res, nil
	}

	settings := p.settings.Snapshot(ctx)
	high := cur
	for i := range events {
		ev := &events[i]
		if err := p.touch(ctx, ev); err != nil {
			return res, fmt.Errorf("process event %s: %w", ev.ID, err)
		}
		if sig, ok := p.shaper.Shape(*ev); ok {
			if err := p.route(ctx, sig, settings, &res); err != nil {
				return res, fmt.Errorf("process event %s: %w", ev.ID, err)
			}
		}
		res.ProcessedEvents++
		if c := ev.Cursor(); c.After(high) {
			high = c
		}
	}

	err = p.w.Submit(ctx, "poller.save_checkpoint", func(ctx context.Context, tx *db.Tx) error {
		return SaveCheckpoint(ctx, tx, p.name, high, p.Now())
	})
	if err != nil {
		return res, err
	}
	p.log.DebugContext(ctx, "batch processed",
		"events", res.ProcessedEvents, "cards", res.CreatedCards,
		"inbox", res.EnqueuedInbox, "injections", res.EnqueuedInjections)
	return res, nil
}

// touch records a client sighting carried by ev.
func (p *Poller) touch(ctx context.Context, ev *ledger.Event) error {
	if p.presence == nil || ev.SessionID == "" || !presence.IsSighting(ev.Type) {
		return nil
	}
	source := ev.Source
	if source == "" {
		source = "ledger"
	}
	return p.w.Submit(ctx, "poller.touch_presence", func(ctx context.Context, tx *db.Tx) error {
		return p.presence.TouchTx(ctx, tx, ev.SessionID, source, ev.CreatedAt)
	})
}

// deliveryType maps a delivering action to the inbox delivery it produces.
func deliveryType(a attention.Action) (inbox.DeliveryType, error) {
	switch a {
	case attention.ActionInboxOnly:
		return inbox.DeliveryInboxOnly, nil
	}
	return "", fmt.Errorf("%w: no inbox delivery for action %q", inbox.ErrInvalidInput, a)
}

// route folds one signal into its card and delivers it, all in one write.
// Delivery starts the card cooldown.
func (p *Poller) route(ctx context.Context, sig signal.Signal, s attention.Settings, res *Result) error {
	var (
		created, inboxCreated, injected bool
		decision                        attention.Decision
		verdict                         inject.Verdict
	)
	err := p.w.Submit(ctx, "poller.route_signal", func(ctx context.Context, tx *db.Tx) error {
		created, inboxCreated, injected = false, false, false
		verdict = inject.Verdict{}

		c, isNew, err := p.cards.UpsertOpenTx(ctx, tx, card.FromSignal(sig))
		if err != nil {
			return err
		}
		created = isNew

		delivered, err := p.inbox.HasDeliveryTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		decision = attention.DecideDelivery(c, p.Now(), isNew, delivered, s)
		if !decision.Delivers() {
			return nil
		}
		dt, err := deliveryType(decision.Action)
		if err != nil {
			return err
		}
		if _, inboxCreated, err = p.inbox.EnqueueFromCardTx(ctx, tx, c, dt); err != nil {
			return err
		}
		if s.CardCooldown > 0 {
			if err := p.cards.StartCooldownTx(ctx, tx, c, p.Now().Add(s.CardCooldown)); err != nil {
				return err
			}
		}

		if p.guard == nil || p.injector == nil || c.ScopeType != signal.ScopeSession {
			return nil
		}
		if verdict, err = p.guard.EvaluateTx(ctx, tx, c, p.Now(), s); err != nil {
			return err
		}
		if verdict.Allowed {
			_, injected, err = p.injector.EnqueueTx(ctx, tx, c)
		}
		return err
	})
	if err != nil {
		return err
	}

	attention.RecordDecision(ctx, decision)
	p.log.DebugContext(ctx, "signal routed",
		"merge_key", sig.MergeKey, "event_id", sig.EventID, "new_card", created,
		"action", decision.Action, "reason", decision.Reason, "injection", verdict.Reason)
	if created {
		res.CreatedCards++
	}
	if inboxCreated {
		res.EnqueuedInbox++
	}
	if injected {
		res.EnqueuedInjections++
	}
	return nil
}

// Run polls immediately, then on every tick and whenever the ledger
// publishes a new event, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("poller running", "interval", p.interval, "batch", p.batchSize)

	var wake chan *ledger.Event
	if bus := p.ledger.Bus(); bus != nil {
		wake = bus.Subscribe()
		defer bus.Unsubscribe(wake)
	}

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller shutting down")
			return
		case <-ticker.C:
		case <-wake:
			drain(wake)
		}
		p.tick(ctx)
	}
}

// tick runs batches until the backlog is empty or a batch fails.
func (p *Poller) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in poll", "panic", fmt.Sprint(r))
		}
	}()
	for ctx.Err() == nil {
		res, err := p.PollAndShapeOnce(ctx, p.batchSize)
		if err != nil {
			p.log.Error("poll failed", "err", err)
			return
		}
		if res.ProcessedEvents < p.batchSize {
			return
		}
	}
}

func drain(ch chan *ledger.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

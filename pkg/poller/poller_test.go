package poller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mind-attention/internal/db"
	"mind-attention/internal/db/dbtest"
	"mind-attention/pkg/attention"
	"mind-attention/pkg/card"
	"mind-attention/pkg/inbox"
	"mind-attention/pkg/inject"
	"mind-attention/pkg/ledger"
	"mind-attention/pkg/poller"
	"mind-attention/pkg/presence"
	"mind-attention/pkg/session"
	"mind-attention/pkg/signal"
	"mind-attention/pkg/task"
)

type env struct {
	store    *db.DB
	ledger   *ledger.Store
	cards    *card.Store
	inbox    *inbox.Service
	injector *inject.Injector
	presence *presence.Store
	settings attention.MapResolver
	source   *attention.Source
	poller   *poller.Poller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, w := dbtest.Open(t)
	l := ledger.NewStore(w, ledger.NewBus())
	sessions := session.NewWriter(l, nil)
	cards := card.NewStore(w, l, task.NewStore(w))
	p := presence.NewStore(w)
	in := inbox.NewService(w)
	inj := inject.NewInjector(w, cards, sessions, ledger.NewObserver(l, nil), nil)

	settings := attention.MapResolver{}
	source := attention.NewSource(settings, time.Hour, nil)
	return &env{
		store:    store,
		ledger:   l,
		cards:    cards,
		inbox:    in,
		injector: inj,
		presence: p,
		settings: settings,
		source:   source,
		poller: poller.New(poller.Config{
			Ledger:   l,
			Cards:    cards,
			Inbox:    in,
			Presence: p,
			Guard:    inject.NewGuard(store, p, sessions, nil),
			Injector: inj,
			Settings: source,
		}),
	}
}

func (e *env) set(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		e.settings[k] = v
	}
	e.source.Invalidate()
}

func (e *env) emit(t *testing.T, sessionID, eventType string, payload map[string]any) *ledger.Event {
	t.Helper()
	ev, err := e.ledger.AppendObserved(context.Background(), ledger.Observed{
		SessionID: sessionID, Type: eventType, Source: "test", Payload: payload,
	})
	require.NoError(t, err)
	return ev
}

func TestReactiveInboxOnceThenAlreadyDelivered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.emit(t, "s1", "chat.user_message.requested", nil)
	e.emit(t, "s1", "task.failed", map[string]any{"task_id": "t1", "error": "exit 1"})

	res, err := e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, poller.Result{ProcessedEvents: 2, CreatedCards: 1, EnqueuedInbox: 1}, res)

	open, err := e.cards.ListOpen(ctx, signal.ScopeSession, "s1", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, signal.SeverityWarn, open[0].Severity)
	assert.Equal(t, "task_failed", open[0].CardType)

	e.emit(t, "s1", "task.failed", map[string]any{"task_id": "t1", "error": "exit 2"})
	res, err = e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, poller.Result{ProcessedEvents: 1}, res)

	items, err := e.inbox.List(ctx, inbox.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, inbox.DeliveryInboxOnly, items[0].DeliveryType)
	assert.Equal(t, "exit 1", items[0].Summary, "a suppressed update leaves the inbox item alone")

	var stored string
	require.NoError(t, e.store.QueryRowContext(ctx,
		`SELECT delivery_type FROM inbox_items WHERE inbox_item_id = ?`, items[0].ID).Scan(&stored))
	assert.Equal(t, "inbox_only", stored)

	c, err := e.cards.Get(ctx, items[0].CardID)
	require.NoError(t, err)
	assert.Equal(t, "exit 2", c.Summary)
}

func TestCheckpointResumeDoesNotDuplicate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.emit(t, "s1", "system.error", map[string]any{"message": "db down"})
	e.emit(t, "s1", "system.error", map[string]any{"message": "db still down"})
	_, err := e.poller.PollAndShapeOnce(ctx, 1)
	require.NoError(t, err)
	_, err = e.poller.PollAndShapeOnce(ctx, 1)
	require.NoError(t, err)

	res, err := e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, res.ProcessedEvents)

	// losing the checkpoint replays every event without new rows
	_, err = e.store.ExecContext(ctx, `DELETE FROM attention_checkpoints`)
	require.NoError(t, err)
	res, err = e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, poller.Result{ProcessedEvents: 2}, res)

	open, err := e.cards.ListOpen(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	view, err := e.cards.Transparency(ctx, open[0].ID)
	require.NoError(t, err)
	assert.Len(t, view.Events, 2)

	n, err := e.inbox.UnreadCount(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := e.poller.Checkpoint(ctx)
	require.NoError(t, err)
	assert.False(t, cur.IsZero())
}

func TestQuietHoursHoldUpdatesButNotNewCards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 23, 0, 0, 0, time.UTC)
	e.poller.Now = func() time.Time { return now }

	// first sighting while silent: card exists, nothing delivered
	e.set(t, map[string]string{attention.KeyMode: "silent"})
	e.emit(t, "s1", "tool.denied", map[string]any{"tool": "shell"})
	res, err := e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, poller.Result{ProcessedEvents: 1, CreatedCards: 1}, res)

	e.set(t, map[string]string{
		attention.KeyMode:       "reactive",
		attention.KeyQuietStart: "22:00",
		attention.KeyQuietEnd:   "07:00",
	})
	e.emit(t, "s1", "tool.denied", map[string]any{"tool": "shell"})
	e.emit(t, "s2", "budget.exceeded", map[string]any{"message": "monthly cap"})
	res, err = e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, poller.Result{ProcessedEvents: 2, CreatedCards: 1, EnqueuedInbox: 1}, res)

	items, err := e.inbox.List(ctx, inbox.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, signal.ScopeGlobal, items[0].ScopeType)
}

func TestProactiveSessionCardIsQueuedForInjection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.set(t, map[string]string{
		attention.KeyMode:             "proactive",
		attention.KeyInjectionEnabled: "true",
	})
	// only s1 has a client attached
	e.emit(t, "s1", presence.TypeHeartbeat, nil)

	e.emit(t, "s1", "system.error", map[string]any{"title": "Planner crashed"})
	e.emit(t, "s2", "system.error", map[string]any{"title": "Planner crashed"})
	res, err := e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, poller.Result{ProcessedEvents: 3, CreatedCards: 2, EnqueuedInbox: 2, EnqueuedInjections: 1}, res)

	_, seen, err := e.presence.LastSeen(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, seen)
	_, seen, err = e.presence.LastSeen(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, seen)

	queued, err := e.injector.List(ctx, inject.StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "s1", queued[0].SessionID)

	drained, err := e.injector.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Applied)

	// the injected message and its outcome event are not signals
	res, err = e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, poller.Result{ProcessedEvents: 2}, res)
}

func TestCooldownStartsAtDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.set(t, map[string]string{attention.KeyCardCooldown: "1m"})

	var logs bytes.Buffer
	p := poller.New(poller.Config{
		Name:     "cooldown",
		Ledger:   e.ledger,
		Cards:    e.cards,
		Inbox:    e.inbox,
		Settings: e.source,
		Logger:   slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	t0 := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	var cardID string
	for _, at := range []time.Time{t0, t0.Add(10 * time.Second), t0.Add(2 * time.Minute)} {
		_, err := e.ledger.AppendObserved(ctx, ledger.Observed{
			SessionID: "s1", Type: "task.failed", Source: "test", CreatedAt: at,
			Payload: map[string]any{"task_id": "t1", "error": "exit 1"},
		})
		require.NoError(t, err)
		p.Now = func() time.Time { return at }
		_, err = p.PollAndShapeOnce(ctx, 10)
		require.NoError(t, err)

		if cardID == "" {
			open, err := e.cards.ListOpen(ctx, signal.ScopeSession, "s1", 10)
			require.NoError(t, err)
			require.Len(t, open, 1)
			cardID = open[0].ID
			require.NotNil(t, open[0].CooldownUntil)
			assert.True(t, open[0].CooldownUntil.Equal(t0.Add(time.Minute)), "cooldown_until %s", open[0].CooldownUntil)
		}
	}

	assert.Equal(t, []string{
		attention.ReasonReactive,
		attention.ReasonCooldown,
		attention.ReasonAlreadyDelivered,
	}, routedReasons(t, &logs))

	// later signals did not push the cooldown out
	c, err := e.cards.Get(ctx, cardID)
	require.NoError(t, err)
	assert.True(t, c.CooldownUntil.Equal(t0.Add(time.Minute)), "cooldown_until %s", c.CooldownUntil)

	items, err := e.inbox.List(ctx, inbox.Filter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func routedReasons(t *testing.T, logs *bytes.Buffer) []string {
	t.Helper()
	var reasons []string
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "signal routed" {
			reasons = append(reasons, rec["reason"].(string))
		}
	}
	return reasons
}

func TestApplyFailureSurfacesAsCard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.ledger.Writer()

	var ev *ledger.Event
	require.NoError(t, w.Submit(ctx, "test.pending", func(ctx context.Context, tx *db.Tx) error {
		var err error
		ev, _, err = e.ledger.AppendPendingTx(ctx, tx, ledger.Pending{
			SessionID: "s1", Type: session.TypeUserMessageRequested, IdempotencyKey: "k1",
			Payload: []byte(`{"schema_version":1}`),
		})
		return err
	}))
	res, err := e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, res.CreatedCards)

	require.NoError(t, w.Submit(ctx, "test.fail", func(ctx context.Context, tx *db.Tx) error {
		return e.ledger.MarkFailedTx(ctx, tx, ev.ID, assert.AnError)
	}))
	res, err = e.poller.PollAndShapeOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedCards)

	open, err := e.cards.ListOpen(ctx, signal.ScopeSession, "s1", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "apply_failed", open[0].CardType)
	assert.Equal(t, signal.SeverityHigh, open[0].Severity)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.poller.Run(ctx)
		close(done)
	}()

	e.emit(t, "s1", "system.error", map[string]any{"message": "boom"})
	assert.Eventually(t, func() bool {
		open, err := e.cards.ListOpen(context.Background(), "", "", 10)
		return err == nil && len(open) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}

package inject_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mind-attention/internal/db/dbtest"
	"mind-attention/pkg/attention"
	"mind-attention/pkg/card"
	"mind-attention/pkg/inject"
	"mind-attention/pkg/ledger"
	"mind-attention/pkg/presence"
	"mind-attention/pkg/session"
	"mind-attention/pkg/signal"
	"mind-attention/pkg/task"
)

var now = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

type env struct {
	ledger   *ledger.Store
	sessions *session.Writer
	cards    *card.Store
	presence *presence.Store
	guard    *inject.Guard
	injector *inject.Injector
}

func newEnv(t *testing.T, messages inject.MessageActivity) env {
	t.Helper()
	store, w := dbtest.Open(t)
	l := ledger.NewStore(w, nil)
	sessions := session.NewWriter(l, nil)
	cards := card.NewStore(w, l, task.NewStore(w))
	p := presence.NewStore(w)
	if messages == nil {
		messages = sessions
	}
	inj := inject.NewInjector(w, cards, sessions, ledger.NewObserver(l, nil), nil)
	inj.Now = func() time.Time { return now }
	return env{
		ledger:   l,
		sessions: sessions,
		cards:    cards,
		presence: p,
		guard:    inject.NewGuard(store, p, messages, nil),
		injector: inj,
	}
}

func proactive() attention.Settings {
	s := attention.Defaults()
	s.Mode = attention.ModeProactive
	s.Injection.Enabled = true
	s.Injection.MaxPerSessionPerMinute = 2
	s.Injection.MaxGlobalPerMinute = 3
	return s
}

func sessionCard(id, sessionID string, sev signal.Severity) *card.Card {
	return &card.Card{ID: id, ScopeType: signal.ScopeSession, ScopeID: sessionID, CardType: "system_error", Severity: sev, Title: "Boom"}
}

type fixedMessages struct{ at time.Time }

func (f fixedMessages) LastUserMessageAt(context.Context, string) (time.Time, bool, error) {
	return f.at, true, nil
}

func TestGateOrder(t *testing.T) {
	e := newEnv(t, fixedMessages{at: now.Add(-5 * time.Second)})
	ctx := context.Background()
	require.NoError(t, e.presence.TouchAt(ctx, "s1", "web", now.Add(-10*time.Second)))

	reactive := proactive()
	reactive.Mode = attention.ModeReactive
	disabled := proactive()
	disabled.Injection.Enabled = false
	targeted := proactive()
	targeted.Injection.TargetSession = "other"

	global := sessionCard("c1", "s1", signal.SeverityCritical)
	global.ScopeType = signal.ScopeGlobal

	tests := []struct {
		name     string
		card     *card.Card
		settings attention.Settings
		want     string
	}{
		{"scope", global, proactive(), inject.ReasonNotSessionScope},
		{"mode", sessionCard("c1", "s1", signal.SeverityCritical), reactive, inject.ReasonNotProactive},
		{"disabled", sessionCard("c1", "s1", signal.SeverityCritical), disabled, inject.ReasonDisabled},
		{"severity", sessionCard("c1", "s1", signal.SeverityWarn), proactive(), inject.ReasonBelowThreshold},
		{"target", sessionCard("c1", "s1", signal.SeverityCritical), targeted, inject.ReasonSessionMismatch},
		{"never seen", sessionCard("c1", "s9", signal.SeverityCritical), proactive(), inject.ReasonActivityStale},
		{"user typing", sessionCard("c1", "s1", signal.SeverityCritical), proactive(), inject.ReasonIdleTooRecent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := e.guard.Evaluate(ctx, tt.card, now, tt.settings)
			require.NoError(t, err)
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.want, v.Reason)
		})
	}

	v, err := e.guard.Evaluate(ctx, sessionCard("c1", "s1", signal.SeverityCritical), now.Add(3*time.Minute), proactive())
	require.NoError(t, err)
	assert.Equal(t, inject.ReasonActivityStale, v.Reason, "presence older than the activity window")
}

func TestRateLimitsSessionAndGlobal(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	for _, s := range []string{"s1", "s2", "s3"} {
		require.NoError(t, e.presence.TouchAt(ctx, s, "web", now))
	}
	s := proactive()
	eval := func(c *card.Card, at time.Time) string {
		v, err := e.guard.Evaluate(ctx, c, at, s)
		require.NoError(t, err)
		return v.Reason
	}

	for _, id := range []string{"a", "b"} {
		c := sessionCard(id, "s1", signal.SeverityHigh)
		require.Equal(t, inject.ReasonAllowed, eval(c, now))
		_, created, err := e.injector.Enqueue(ctx, c)
		require.NoError(t, err)
		require.True(t, created)
	}
	assert.Equal(t, inject.ReasonRateSession, eval(sessionCard("c", "s1", signal.SeverityHigh), now))
	assert.Equal(t, inject.ReasonAllowed, eval(sessionCard("d", "s2", signal.SeverityHigh), now))

	_, _, err := e.injector.Enqueue(ctx, sessionCard("d", "s2", signal.SeverityHigh))
	require.NoError(t, err)
	assert.Equal(t, inject.ReasonRateGlobal, eval(sessionCard("e", "s3", signal.SeverityHigh), now))

	// the window slides; presence is refreshed so only the counters matter
	later := now.Add(inject.RateWindow + time.Second)
	for _, s := range []string{"s1", "s3"} {
		require.NoError(t, e.presence.TouchAt(ctx, s, "web", later))
	}
	assert.Equal(t, inject.ReasonAllowed, eval(sessionCard("c", "s1", signal.SeverityHigh), later))
	assert.Equal(t, inject.ReasonAllowed, eval(sessionCard("e", "s3", signal.SeverityHigh), later))
}

func TestEnqueueIsIdempotentPerCard(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := sessionCard("c1", "s1", signal.SeverityHigh)

	id, created, err := e.injector.Enqueue(ctx, c)
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := e.injector.Enqueue(ctx, c)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	it, err := e.injector.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "inject:c1", it.IdempotencyKey)
	assert.Equal(t, inject.StatusQueued, it.Status)
}

func TestDrainAppliesAndCancels(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	c, _, err := e.cards.UpsertOpen(ctx, card.Input{
		MergeKey:  "session:s1:task_failed",
		ScopeType: signal.ScopeSession,
		ScopeID:   "s1",
		CardType:  "task_failed",
		Severity:  signal.SeverityHigh,
		Title:     "deploy",
		Summary:   "exit status 1",
		SeenAt:    now,
	})
	require.NoError(t, err)
	appliedID, _, err := e.injector.Enqueue(ctx, c)
	require.NoError(t, err)
	goneID, _, err := e.injector.Enqueue(ctx, sessionCard("gone", "s1", signal.SeverityHigh))
	require.NoError(t, err)

	res, err := e.injector.Drain(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, inject.DrainResult{Applied: 1, Cancelled: 1}, res)

	applied, err := e.injector.Get(ctx, appliedID)
	require.NoError(t, err)
	assert.Equal(t, inject.StatusApplied, applied.Status)
	require.NotEmpty(t, applied.MessageID)

	msgs, err := e.sessions.Messages(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, applied.MessageID, msgs[0].ID)
	assert.Equal(t, session.RoleSystem, msgs[0].Role)
	assert.Equal(t, "A task failed: deploy. exit status 1", msgs[0].Content)

	gone, err := e.injector.Get(ctx, goneID)
	require.NoError(t, err)
	assert.Equal(t, inject.StatusCancelled, gone.Status)

	trail, err := e.ledger.LinkedToCard(ctx, c.ID)
	require.NoError(t, err)
	var types []string
	for _, ev := range trail {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, session.TypeSystemMessageRequested)
	assert.Contains(t, types, inject.TypeInjectionApplied)

	res, err = e.injector.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, inject.DrainResult{}, res)
}

type failingWriter struct{}

func (failingWriter) ApplySystemMessage(context.Context, session.SystemMessageRequest) (session.Result, error) {
	return session.Result{}, errors.New("session store offline")
}

func TestDrainRecordsFailures(t *testing.T) {
	_, w := dbtest.Open(t)
	l := ledger.NewStore(w, nil)
	cards := card.NewStore(w, l, task.NewStore(w))
	inj := inject.NewInjector(w, cards, failingWriter{}, ledger.NewObserver(l, nil), nil)
	ctx := context.Background()

	c, _, err := cards.UpsertOpen(ctx, card.Input{
		MergeKey: "k", ScopeType: signal.ScopeSession, ScopeID: "s1",
		CardType: "system_error", Severity: signal.SeverityCritical, Title: "x",
	})
	require.NoError(t, err)
	id, _, err := inj.Enqueue(ctx, c)
	require.NoError(t, err)

	res, err := inj.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, inject.DrainResult{Failed: 1}, res)

	it, err := inj.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, inject.StatusFailed, it.Status)
	assert.Equal(t, "session store offline", it.Error)

	trail, err := l.LinkedToCard(ctx, c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, inject.TypeInjectionFailed, trail[len(trail)-1].Type)
}

func TestCatalogRendering(t *testing.T) {
	cat := inject.DefaultCatalog()
	c := &card.Card{CardType: "unknown", Severity: signal.SeverityWarn, Title: "Disk", Summary: "90% full"}
	assert.Equal(t, "[warn] Disk: 90% full", cat.Render(c))

	require.NoError(t, cat.Register("unknown", `{{.Title}} needs a look`))
	assert.Equal(t, "Disk needs a look", cat.Render(c))

	require.NoError(t, cat.Register("broken", `{{.Nope}}`))
	c.CardType = "broken"
	assert.Equal(t, "[warn] Disk: 90% full", cat.Render(c))

	assert.Error(t, cat.Register("bad", `{{`))
}

package attention_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mind-attention/pkg/attention"
	"mind-attention/pkg/card"
	"mind-attention/pkg/signal"
)

var noon = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func openCard() *card.Card {
	return &card.Card{ID: "c1", Status: card.StatusOpen, Severity: signal.SeverityWarn, ScopeType: signal.ScopeSession, ScopeID: "s1"}
}

func TestDecideDelivery(t *testing.T) {
	reactive := attention.Defaults()
	silent := attention.Defaults()
	silent.Mode = attention.ModeSilent
	proactive := attention.Defaults()
	proactive.Mode = attention.ModeProactive
	quiet := attention.Defaults()
	quiet.QuietHours = attention.QuietHours{Start: "11:00", End: "13:00", Location: time.UTC}

	cooling := openCard()
	until := noon.Add(time.Minute)
	cooling.CooldownUntil = &until

	snoozed := openCard()
	snoozed.Status = card.StatusSnoozed

	tests := []struct {
		name     string
		card     *card.Card
		isNew    bool
		existing bool
		settings attention.Settings
		want     attention.Decision
	}{
		{"silent wins", openCard(), true, false, silent, attention.Decision{Action: attention.ActionSuppress, Reason: "mode:silent"}},
		{"new card reactive", openCard(), true, false, reactive, attention.Decision{Action: attention.ActionInboxOnly, Reason: "mode:reactive"}},
		{"new card proactive", openCard(), true, false, proactive, attention.Decision{Action: attention.ActionInboxOnly, Reason: "mode:proactive"}},
		{"quiet hours let a first sighting through", openCard(), true, false, quiet, attention.Decision{Action: attention.ActionInboxOnly, Reason: "mode:reactive"}},
		{"quiet hours hold updates", openCard(), false, false, quiet, attention.Decision{Action: attention.ActionSuppress, Reason: "quiet_hours"}},
		{"cooldown", cooling, false, true, reactive, attention.Decision{Action: attention.ActionSuppress, Reason: "card:cooldown_until"}},
		{"already delivered", openCard(), false, true, reactive, attention.Decision{Action: attention.ActionSuppress, Reason: "update:already_delivered"}},
		{"undelivered update surfaces", openCard(), false, false, reactive, attention.Decision{Action: attention.ActionInboxOnly, Reason: "mode:reactive"}},
		{"snoozed", snoozed, false, false, reactive, attention.Decision{Action: attention.ActionSuppress, Reason: "card:snoozed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attention.DecideDelivery(tt.card, noon, tt.isNew, tt.existing, tt.settings)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCooldownExpiryFallsBackToAlreadyDelivered(t *testing.T) {
	c := openCard()
	until := noon.Add(time.Minute)
	c.CooldownUntil = &until

	during := attention.DecideDelivery(c, noon, false, true, attention.Defaults())
	assert.Equal(t, "card:cooldown_until", during.Reason)
	after := attention.DecideDelivery(c, noon.Add(2*time.Minute), false, true, attention.Defaults())
	assert.Equal(t, "update:already_delivered", after.Reason)
}

func TestQuietHoursWrapMidnight(t *testing.T) {
	q := attention.QuietHours{Start: "22:00", End: "07:00", Location: time.UTC}
	assert.True(t, q.Active(time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)))
	assert.True(t, q.Active(time.Date(2026, 1, 1, 6, 59, 0, 0, time.UTC)))
	assert.False(t, q.Active(time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)))
	assert.False(t, q.Active(noon))

	assert.False(t, attention.QuietHours{}.Active(noon))

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	local := attention.QuietHours{Start: "20:00", End: "23:00", Location: tokyo}
	assert.True(t, local.Active(noon), "12:00 UTC is 21:00 in Tokyo")
}

func TestResolveFallsBackPerField(t *testing.T) {
	s := attention.Resolve(attention.MapResolver{
		attention.KeyMode:                 "Proactive",
		attention.KeyInjectionEnabled:     "true",
		attention.KeyInjectionPerSession:  "not-a-number",
		attention.KeyInjectionGlobal:      "10",
		attention.KeyInjectionMinSeverity: "warn",
		attention.KeyCardCooldown:         "-5m",
		attention.KeyDeferCooldown:        "30m",
		attention.KeyQuietStart:           "25:00",
		attention.KeyQuietEnd:             "06:00",
		attention.KeyInjectionTarget:      "sess-9",
	}, nil)

	d := attention.Defaults()
	assert.Equal(t, attention.ModeProactive, s.Mode)
	assert.True(t, s.Injection.Enabled)
	assert.Equal(t, d.Injection.MaxPerSessionPerMinute, s.Injection.MaxPerSessionPerMinute)
	assert.Equal(t, 10, s.Injection.MaxGlobalPerMinute)
	assert.Equal(t, signal.SeverityWarn, s.Injection.MinSeverity)
	assert.Equal(t, d.CardCooldown, s.CardCooldown)
	assert.Equal(t, 30*time.Minute, s.DeferCooldown)
	assert.False(t, s.QuietHours.Enabled())
	assert.Equal(t, "sess-9", s.Injection.TargetSession)
}

type brokenResolver struct{}

func (brokenResolver) Get(string) (string, error) { return "", errors.New("backend down") }

func TestResolveBrokenResolverGivesDefaults(t *testing.T) {
	assert.Equal(t, attention.Defaults(), attention.Resolve(brokenResolver{}, nil))
	assert.Equal(t, attention.Defaults(), attention.Resolve(nil, nil))
}

func TestYAMLFileAndSourceRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attention.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write(`
attention:
  mode: silent
  quiet_hours:
    start: "22:00"
    end: "07:00"
    timezone: UTC
  injection:
    enabled: true
    max_global_per_minute: 4
`)
	file, err := attention.LoadYAMLFile(path)
	require.NoError(t, err)
	v, err := file.Get("attention.injection.max_global_per_minute")
	require.NoError(t, err)
	assert.Equal(t, "4", v)
	_, err = file.Get("attention.nope")
	assert.ErrorIs(t, err, attention.ErrKeyNotFound)

	now := noon
	src := attention.NewSource(file, time.Minute, nil)
	src.Now = func() time.Time { return now }

	s := src.Snapshot(context.Background())
	assert.Equal(t, attention.ModeSilent, s.Mode)
	assert.True(t, s.Injection.Enabled)
	assert.Equal(t, "22:00", s.QuietHours.Start)

	write("attention:\n  mode: proactive\n")
	assert.Equal(t, attention.ModeSilent, src.Snapshot(context.Background()).Mode, "cached within interval")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, attention.ModeProactive, src.Snapshot(context.Background()).Mode)

	write("attention: [broken")
	src.Invalidate()
	assert.Equal(t, attention.ModeProactive, src.Snapshot(context.Background()).Mode, "bad reload keeps previous values")
}

func TestParseYAML(t *testing.T) {
	r, err := attention.ParseYAML([]byte("attention:\n  card_cooldown: 10m\n"))
	require.NoError(t, err)
	s := attention.Resolve(r, nil)
	assert.Equal(t, 10*time.Minute, s.CardCooldown)
}

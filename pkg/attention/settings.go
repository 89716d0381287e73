// Package attention decides how a card update reaches a person: not at
// all, through the inbox, or (via package inject) live in chat.
package attention

import (
	"fmt"
	"strings"
	"time"

	"mind-attention/pkg/signal"
)

// Mode is the global attention mode.
type Mode string

const (
	ModeSilent    Mode = "silent"
	ModeReactive  Mode = "reactive"
	ModeProactive Mode = "proactive"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSilent || m == ModeReactive || m == ModeProactive
}

// QuietHours is a daily window in Location, given as "HH:MM" bounds. A
// window whose end is before its start wraps past midnight. Empty bounds
// disable it.
type QuietHours struct {
	Start    string
	End      string
	Location *time.Location
}

// Enabled reports whether both bounds are set and distinct.
func (q QuietHours) Enabled() bool {
	return q.Start != "" && q.End != "" && q.Start != q.End
}

// Active reports whether now falls inside the window.
func (q QuietHours) Active(now time.Time) bool {
	if !q.Enabled() {
		return false
	}
	start, err1 := parseClock(q.Start)
	end, err2 := parseClock(q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InjectionSettings gates live chat injection.
type InjectionSettings struct {
	Enabled                bool
	MinSeverity            signal.Severity
	TargetSession          string // empty allows any session
	ActivityWindow         time.Duration
	MinIdle                time.Duration
	MaxPerSessionPerMinute int
	MaxGlobalPerMinute     int
}

// Settings is one consistent snapshot of attention configuration.
type Settings struct {
	Mode          Mode
	QuietHours    QuietHours
	CardCooldown  time.Duration
	DeferCooldown time.Duration
	Injection     InjectionSettings
}

// Defaults are the fail-safe values used for any key that is missing or
// cannot be parsed. Injection is off unless explicitly enabled.
func Defaults() Settings {
	return Settings{
		Mode:          ModeReactive,
		QuietHours:    QuietHours{Location: time.UTC},
		CardCooldown:  0,
		DeferCooldown: time.Hour,
		Injection: InjectionSettings{
			Enabled:                false,
			MinSeverity:            signal.SeverityHigh,
			ActivityWindow:         2 * time.Minute,
			MinIdle:                20 * time.Second,
			MaxPerSessionPerMinute: 2,
			MaxGlobalPerMinute:     6,
		},
	}
}

// Setting keys understood by Resolve.
const (
	KeyMode                 = "attention.mode"
	KeyQuietStart           = "attention.quiet_hours.start"
	KeyQuietEnd             = "attention.quiet_hours.end"
	KeyQuietTimezone        = "attention.quiet_hours.timezone"
	KeyCardCooldown         = "attention.card_cooldown"
	KeyDeferCooldown        = "attention.defer_cooldown"
	KeyInjectionEnabled     = "attention.injection.enabled"
	KeyInjectionMinSeverity = "attention.injection.min_severity"
	KeyInjectionTarget      = "attention.injection.target_session"
	KeyInjectionActivity    = "attention.injection.activity_window"
	KeyInjectionMinIdle     = "attention.injection.min_idle"
	KeyInjectionPerSession  = "attention.injection.max_per_session_per_minute"
	KeyInjectionGlobal      = "attention.injection.max_global_per_minute"
)

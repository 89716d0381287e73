// Package signal classifies raw ledger events into canonical signals.
package signal

import (
	"fmt"
	"strings"
	"time"
)

// Severity is totally ordered: info < warn < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the position of s in the order, or -1 if s is unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarn:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// AtLeast reports whether s ranks at or above min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity accepts the canonical names case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// ScopeType says what a card is about.
type ScopeType string

const (
	ScopeGlobal   ScopeType = "global"
	ScopeProject  ScopeType = "project"
	ScopeSession  ScopeType = "session"
	ScopeResource ScopeType = "resource"
)

// Valid reports whether t is a known scope type.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeGlobal, ScopeProject, ScopeSession, ScopeResource:
		return true
	}
	return false
}

// Signal is the normalized reading of one event.
type Signal struct {
	CardType   string
	Severity   Severity
	ScopeType  ScopeType
	ScopeID    string
	Title      string
	Summary    string
	MergeKey   string
	EventID    string
	SessionID  string
	OccurredAt time.Time
	Cooldown   time.Duration
}

// DefaultMergeKey is scope_type:scope_id:card_type.
func DefaultMergeKey(s Signal) string {
	return string(s.ScopeType) + ":" + s.ScopeID + ":" + s.CardType
}

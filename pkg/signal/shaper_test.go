package signal_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mind-attention/pkg/ledger"
	"mind-attention/pkg/signal"
)

func event(t *testing.T, typ string, payload any) ledger.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return ledger.Event{
		ID:          "ev-1",
		SessionID:   "sess-1",
		Type:        typ,
		Payload:     raw,
		CreatedAt:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		ApplyStatus: ledger.StatusObserved,
	}
}

func TestShapeAllowlist(t *testing.T) {
	shaper := signal.NewShaper()

	tests := []struct {
		name     string
		ev       ledger.Event
		ok       bool
		cardType string
		severity signal.Severity
		scope    signal.ScopeType
		scopeID  string
		mergeKey string
	}{
		{
			name: "system error defaults to session scope",
			ev:   event(t, "system.error", map[string]any{"message": "disk full"}),
			ok:   true, cardType: "system_error", severity: signal.SeverityHigh,
			scope: signal.ScopeSession, scopeID: "sess-1", mergeKey: "session:sess-1:system_error",
		},
		{
			name: "task failure with project",
			ev:   event(t, "task.failed", map[string]any{"project_id": "p9", "task_id": "t1"}),
			ok:   true, cardType: "task_failed", severity: signal.SeverityWarn,
			scope: signal.ScopeProject, scopeID: "p9", mergeKey: "project:p9:task_failed:t1",
		},
		{
			name: "tool denied",
			ev:   event(t, "tool.denied", map[string]any{"tool": "shell"}),
			ok:   true, cardType: "tool_denied", severity: signal.SeverityInfo,
			scope: signal.ScopeSession, scopeID: "sess-1", mergeKey: "session:sess-1:tool_denied:shell",
		},
		{
			name: "budget exceeded is global",
			ev:   event(t, "budget.exceeded", map[string]any{}),
			ok:   true, cardType: "budget_exceeded", severity: signal.SeverityCritical,
			scope: signal.ScopeGlobal, scopeID: "global", mergeKey: "global:global:budget_exceeded",
		},
		{
			name: "apply failure observation",
			ev:   event(t, ledger.TypeApplyFailed, ledger.ApplyFailedPayload{SchemaVersion: 1, Error: "boom"}),
			ok:   true, cardType: "apply_failed", severity: signal.SeverityHigh,
			scope: signal.ScopeSession, scopeID: "sess-1", mergeKey: "session:sess-1:apply_failed",
		},
		{
			name: "ordinary chat event is ignored",
			ev:   event(t, "chat.user_message.requested", map[string]any{"content": "hi"}),
		},
		{
			name: "project scope without project id is dropped",
			ev:   event(t, "system.error", map[string]any{"scope_type": "project"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := shaper.Shape(tt.ev)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.cardType, sig.CardType)
			assert.Equal(t, tt.severity, sig.Severity)
			assert.Equal(t, tt.scope, sig.ScopeType)
			assert.Equal(t, tt.scopeID, sig.ScopeID)
			assert.Equal(t, tt.mergeKey, sig.MergeKey)
			assert.Equal(t, "ev-1", sig.EventID)
			assert.NotEmpty(t, sig.Title)
		})
	}
}

func TestShapeFailedApplyStatus(t *testing.T) {
	ev := event(t, "chat.user_message.requested", map[string]any{})
	ev.ApplyStatus = ledger.StatusFailed
	ev.ApplyError = "projection broke"

	sig, ok := signal.NewShaper().Shape(ev)
	require.True(t, ok)
	assert.Equal(t, "apply_failed", sig.CardType)
	assert.Equal(t, "projection broke", sig.Summary)
}

func TestShapeDeclaration(t *testing.T) {
	shaper := signal.NewShaper()

	ev := event(t, "custom.thing", map[string]any{
		"signal": map[string]any{
			"schema_version":   1,
			"card_type":        "deploy_stuck",
			"severity":         "warn",
			"scope_type":       "resource",
			"scope_id":         "svc-api",
			"title":            "Deploy is stuck",
			"cooldown_seconds": 300,
		},
	})
	sig, ok := shaper.Shape(ev)
	require.True(t, ok)
	assert.Equal(t, "deploy_stuck", sig.CardType)
	assert.Equal(t, signal.ScopeResource, sig.ScopeType)
	assert.Equal(t, "resource:svc-api:deploy_stuck", sig.MergeKey)
	assert.Equal(t, 5*time.Minute, sig.Cooldown)
	assert.Equal(t, "Deploy is stuck", sig.Title)
}

func TestShapeRejectsInvalidDeclarations(t *testing.T) {
	shaper := signal.NewShaper()
	bad := []map[string]any{
		{"schema_version": 2, "card_type": "x", "severity": "warn"},
		{"schema_version": 1, "card_type": "x", "severity": "apocalyptic"},
		{"schema_version": 1, "severity": "warn"},
		{"schema_version": 1, "card_type": "x", "severity": "warn", "surprise": true},
		{"schema_version": 1, "card_type": "x", "severity": "warn", "cooldown_seconds": -5},
	}
	for i, decl := range bad {
		_, ok := shaper.Shape(event(t, "system.error", map[string]any{"signal": decl}))
		assert.False(t, ok, "declaration %d should be dropped", i)
	}
}

func TestRegisterMergeKey(t *testing.T) {
	shaper := signal.NewShaper()
	shaper.RegisterMergeKey("system_error", func(s signal.Signal, payload map[string]any) string {
		return "errors:" + s.ScopeID
	})
	sig, ok := shaper.Shape(event(t, "system.error", map[string]any{}))
	require.True(t, ok)
	assert.Equal(t, "errors:sess-1", sig.MergeKey)
}

func TestSeverityOrder(t *testing.T) {
	assert.Equal(t, signal.SeverityHigh, signal.MaxSeverity(signal.SeverityWarn, signal.SeverityHigh))
	assert.Equal(t, signal.SeverityCritical, signal.MaxSeverity(signal.SeverityCritical, signal.SeverityInfo))
	assert.True(t, signal.SeverityWarn.AtLeast(signal.SeverityInfo))
	assert.False(t, signal.SeverityInfo.AtLeast(signal.SeverityWarn))

	sev, err := signal.ParseSeverity(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, signal.SeverityHigh, sev)
	_, err = signal.ParseSeverity("meh")
	assert.Error(t, err)
}

package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mind-attention/pkg/ledger"
)

// DeclarationVersion is the declaration schema version understood.
const DeclarationVersion = 1

// Declaration is an explicit signal carried under the "signal" payload key.
type Declaration struct {
	SchemaVersion   int       `json:"schema_version"`
	CardType        string    `json:"card_type"`
	Severity        Severity  `json:"severity"`
	ScopeType       ScopeType `json:"scope_type,omitempty"`
	ScopeID         string    `json:"scope_id,omitempty"`
	Title           string    `json:"title,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	CooldownSeconds int       `json:"cooldown_seconds,omitempty"`
}

const declarationSchemaURL = "https://mind-attention.local/schemas/signal-declaration.v1.json"

const declarationSchema = `{
	"type": "object",
	"required": ["schema_version", "card_type", "severity"],
	"additionalProperties": false,
	"properties": {
		"schema_version": {"const": 1},
		"card_type": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_.:-]*$"},
		"severity": {"enum": ["info", "warn", "high", "critical"]},
		"scope_type": {"enum": ["global", "project", "session", "resource"]},
		"scope_id": {"type": "string"},
		"title": {"type": "string", "maxLength": 200},
		"summary": {"type": "string", "maxLength": 2000},
		"cooldown_seconds": {"type": "integer", "minimum": 0, "maximum": 604800}
	}
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func declarationValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(declarationSchemaURL, strings.NewReader(declarationSchema)); err != nil {
			compileErr = fmt.Errorf("load declaration schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(declarationSchemaURL)
	})
	return compiledSchema, compileErr
}

// ValidateDeclaration checks a decoded declaration against the schema.
func ValidateDeclaration(v any) error {
	sch, err := declarationValidator()
	if err != nil {
		return err
	}
	return sch.Validate(v)
}

// MergeKeyFunc computes the dedup identity of a signal. payload is the
// decoded event payload and may be empty.
type MergeKeyFunc func(s Signal, payload map[string]any) string

// Shaper maps events to signals. It holds no state besides the merge key
// registry, which is fixed after setup.
type Shaper struct {
	mu        sync.RWMutex
	mergeKeys map[string]MergeKeyFunc
}

// NewShaper returns a Shaper with the built-in merge keys registered.
func NewShaper() *Shaper {
	s := &Shaper{mergeKeys: make(map[string]MergeKeyFunc)}
	s.RegisterMergeKey("task_failed", keyedBy("task_id"))
	s.RegisterMergeKey("tool_denied", keyedBy("tool"))
	return s
}

// RegisterMergeKey overrides the merge key for one card type.
func (s *Shaper) RegisterMergeKey(cardType string, fn MergeKeyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeKeys[cardType] = fn
}

// keyedBy narrows the default key with one payload field when present.
func keyedBy(field string) MergeKeyFunc {
	return func(sig Signal, payload map[string]any) string {
		if v := stringField(payload, field); v != "" {
			return DefaultMergeKey(sig) + ":" + v
		}
		return DefaultMergeKey(sig)
	}
}

// Shape classifies ev. ok is false when the event carries no signal, its
// declaration is invalid, or its scope cannot be resolved.
func (s *Shaper) Shape(ev ledger.Event) (Signal, bool) {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			payload = map[string]any{}
		}
	}

	var (
		sig Signal
		ok  bool
	)
	if raw, declared := payload["signal"]; declared {
		sig, ok = fromDeclaration(raw)
	} else {
		sig, ok = fromAllowlist(ev, payload)
	}
	if !ok {
		return Signal{}, false
	}

	sig.EventID = ev.ID
	sig.SessionID = ev.SessionID
	sig.OccurredAt = ev.CreatedAt
	if sig.ScopeID = resolveScopeID(sig, ev, payload); sig.ScopeID == "" {
		return Signal{}, false
	}
	if sig.Title == "" {
		sig.Title = defaultTitle(sig.CardType)
	}

	s.mu.RLock()
	fn := s.mergeKeys[sig.CardType]
	s.mu.RUnlock()
	if fn != nil {
		sig.MergeKey = fn(sig, payload)
	} else {
		sig.MergeKey = DefaultMergeKey(sig)
	}
	return sig, true
}

func fromDeclaration(raw any) (Signal, bool) {
	if err := ValidateDeclaration(raw); err != nil {
		return Signal{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Signal{}, false
	}
	var d Declaration
	if err := json.Unmarshal(b, &d); err != nil {
		return Signal{}, false
	}
	scope := d.ScopeType
	if scope == "" {
		scope = ScopeSession
	}
	return Signal{
		CardType:  d.CardType,
		Severity:  d.Severity,
		ScopeType: scope,
		ScopeID:   d.ScopeID,
		Title:     d.Title,
		Summary:   d.Summary,
		Cooldown:  time.Duration(d.CooldownSeconds) * time.Second,
	}, true
}

// fromAllowlist synthesizes signals for the few event kinds that always
// deserve attention.
func fromAllowlist(ev ledger.Event, payload map[string]any) (Signal, bool) {
	if ev.ApplyStatus == ledger.StatusFailed {
		return Signal{
			CardType:  "apply_failed",
			Severity:  SeverityHigh,
			ScopeType: ScopeSession,
			Title:     "A message could not be saved",
			Summary:   ev.ApplyError,
		}, true
	}

	switch ev.Type {
	case ledger.TypeApplyFailed:
		return Signal{
			CardType:  "apply_failed",
			Severity:  SeverityHigh,
			ScopeType: ScopeSession,
			Title:     "A message could not be saved",
			Summary:   stringField(payload, "error"),
		}, true
	case "system.error":
		return Signal{
			CardType:  "system_error",
			Severity:  SeverityHigh,
			ScopeType: scopeFromPayload(payload, ScopeSession),
			Title:     stringField(payload, "title"),
			Summary:   firstNonEmpty(stringField(payload, "message"), stringField(payload, "error")),
		}, true
	case "task.failed":
		return Signal{
			CardType:  "task_failed",
			Severity:  SeverityWarn,
			ScopeType: scopeFromPayload(payload, ScopeSession),
			Title:     firstNonEmpty(stringField(payload, "title"), stringField(payload, "subject")),
			Summary:   stringField(payload, "error"),
		}, true
	case "tool.denied":
		return Signal{
			CardType:  "tool_denied",
			Severity:  SeverityInfo,
			ScopeType: ScopeSession,
			Summary:   firstNonEmpty(stringField(payload, "reason"), stringField(payload, "tool")),
		}, true
	case "budget.exceeded":
		return Signal{
			CardType:  "budget_exceeded",
			Severity:  SeverityCritical,
			ScopeType: scopeFromPayload(payload, ScopeGlobal),
			Summary:   stringField(payload, "message"),
		}, true
	}
	return Signal{}, false
}

// scopeFromPayload honours an explicit scope_type, then infers project or
// resource scope from the ids present.
func scopeFromPayload(payload map[string]any, fallback ScopeType) ScopeType {
	if st := ScopeType(stringField(payload, "scope_type")); st.Valid() {
		return st
	}
	if stringField(payload, "project_id") != "" {
		return ScopeProject
	}
	if stringField(payload, "resource_id") != "" {
		return ScopeResource
	}
	return fallback
}

func resolveScopeID(sig Signal, ev ledger.Event, payload map[string]any) string {
	if sig.ScopeID != "" {
		return sig.ScopeID
	}
	if id := stringField(payload, "scope_id"); id != "" {
		return id
	}
	switch sig.ScopeType {
	case ScopeProject:
		return stringField(payload, "project_id")
	case ScopeResource:
		return stringField(payload, "resource_id")
	case ScopeGlobal:
		return "global"
	}
	return ev.SessionID
}

var titles = map[string]string{
	"system_error":    "System error",
	"task_failed":     "A task failed",
	"tool_denied":     "A tool call was denied",
	"budget_exceeded": "Budget exceeded",
}

func defaultTitle(cardType string) string {
	if t, ok := titles[cardType]; ok {
		return t
	}
	return strings.ReplaceAll(cardType, "_", " ")
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

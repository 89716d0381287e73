package attention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"mind-attention/pkg/signal"
)

// ErrKeyNotFound is returned by resolvers for unset keys.
var ErrKeyNotFound = errors.New("attention: setting not found")

// Resolver looks up one setting by dotted key.
type Resolver interface {
	Get(key string) (string, error)
}

// Reloader is implemented by resolvers backed by something that can
// change underneath them.
type Reloader interface {
	Reload() error
}

// MapResolver serves settings from a map.
type MapResolver map[string]string

func (m MapResolver) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

// YAMLFile serves settings from a YAML document. Nested mappings are
// addressed with dotted keys, so
//
//	attention:
//	  injection:
//	    enabled: true
//
// answers "attention.injection.enabled".
type YAMLFile struct {
	Path string

	mu     sync.RWMutex
	values map[string]string
}

// LoadYAMLFile reads path once.
func LoadYAMLFile(path string) (*YAMLFile, error) {
	f := &YAMLFile{Path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseYAML builds a resolver from an in-memory document.
func ParseYAML(data []byte) (*YAMLFile, error) {
	values, err := flattenYAML(data)
	if err != nil {
		return nil, err
	}
	return &YAMLFile{values: values}, nil
}

// Reload re-reads the file. On error the previous values stay in place.
func (f *YAMLFile) Reload() error {
	if f.Path == "" {
		return nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read settings %s: %w", f.Path, err)
	}
	values, err := flattenYAML(data)
	if err != nil {
		return fmt.Errorf("parse settings %s: %w", f.Path, err)
	}
	f.mu.Lock()
	f.values = values
	f.mu.Unlock()
	return nil
}

func (f *YAMLFile) Get(key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func flattenYAML(data []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, v any, out map[string]string) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case nil:
	default:
		out[prefix] = fmt.Sprint(node)
	}
}

// Resolve builds a snapshot from r. Every field that is missing or
// malformed keeps its default, so a broken resolver yields Defaults().
func Resolve(r Resolver, logger *slog.Logger) Settings {
	s := Defaults()
	if r == nil {
		return s
	}
	if logger == nil {
		logger = slog.Default()
	}
	get := func(key string) (string, bool) {
		v, err := r.Get(key)
		if err != nil {
			if !errors.Is(err, ErrKeyNotFound) {
				logger.Warn("setting lookup failed, using default", "key", key, "err", err)
			}
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	bad := func(key, value string, err error) {
		logger.Warn("invalid setting, using default", "key", key, "value", value, "err", err)
	}

	if v, ok := get(KeyMode); ok {
		if m := Mode(strings.ToLower(v)); m.Valid() {
			s.Mode = m
		} else {
			bad(KeyMode, v, errors.New("unknown mode"))
		}
	}

	start, okStart := get(KeyQuietStart)
	end, okEnd := get(KeyQuietEnd)
	if okStart && okEnd {
		_, err1 := parseClock(start)
		_, err2 := parseClock(end)
		if err := errors.Join(err1, err2); err != nil {
			bad(KeyQuietStart, start+"-"+end, err)
		} else {
			s.QuietHours.Start, s.QuietHours.End = start, end
		}
	}
	if v, ok := get(KeyQuietTimezone); ok {
		if loc, err := time.LoadLocation(v); err == nil {
			s.QuietHours.Location = loc
		} else {
			bad(KeyQuietTimezone, v, err)
		}
	}

	duration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = errors.New("negative duration")
			}
			if err != nil {
				bad(key, v, err)
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < 0 {
				err = errors.New("negative limit")
			}
			if err != nil {
				bad(key, v, err)
				return
			}
			*dst = n
		}
	}

	duration(KeyCardCooldown, &s.CardCooldown)
	duration(KeyDeferCooldown, &s.DeferCooldown)
	duration(KeyInjectionActivity, &s.Injection.ActivityWindow)
	duration(KeyInjectionMinIdle, &s.Injection.MinIdle)
	integer(KeyInjectionPerSession, &s.Injection.MaxPerSessionPerMinute)
	integer(KeyInjectionGlobal, &s.Injection.MaxGlobalPerMinute)

	if v, ok := get(KeyInjectionEnabled); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Injection.Enabled = b
		} else {
			bad(KeyInjectionEnabled, v, err)
		}
	}
	if v, ok := get(KeyInjectionMinSeverity); ok {
		if sev, err := signal.ParseSeverity(v); err == nil {
			s.Injection.MinSeverity = sev
		} else {
			bad(KeyInjectionMinSeverity, v, err)
		}
	}
	if v, ok := get(KeyInjectionTarget); ok {
		s.Injection.TargetSession = v
	}
	return s
}

// Source caches the resolved snapshot and refreshes it at most once per
// Interval.
type Source struct {
	Resolver Resolver
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time

	mu       sync.Mutex
	cached   Settings
	loadedAt time.Time
	loaded   bool
}

// NewSource returns a Source refreshing every interval (default 30s).
func NewSource(r Resolver, interval time.Duration, logger *slog.Logger) *Source {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		Resolver: r,
		Interval: interval,
		Logger:   logger.With("component", "attention.settings"),
		Now:      time.Now,
	}
}

// Snapshot returns the current settings, refreshing when stale.
func (s *Source) Snapshot(ctx context.Context) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if s.loaded && now.Sub(s.loadedAt) < s.Interval {
		return s.cached
	}
	if rl, ok := s.Resolver.(Reloader); ok {
		if err := rl.Reload(); err != nil {
			s.Logger.WarnContext(ctx, "settings reload failed, keeping previous values", "err", err)
		}
	}
	s.cached = Resolve(s.Resolver, s.Logger)
	s.loadedAt = now
	s.loaded = true
	return s.cached
}

// Invalidate forces the next Snapshot to resolve again.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

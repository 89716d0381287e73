// Package config reads daemon configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the daemon configuration.
type Config struct {
	DBDriver        string
	DBDSN           string
	SettingsPath    string // YAML attention settings; empty means defaults
	PollInterval    time.Duration
	PollBatch       int
	DrainSchedule   string // cron expression with seconds
	RecoverSchedule string
	DrainBatch      int
	WriteTimeout    time.Duration
	LogLevel        slog.Level
}

// Defaults used for unset variables.
const (
	DefaultDBDriver        = "sqlite"
	DefaultDBDSN           = "data/attention.db"
	DefaultPollInterval    = 2 * time.Second
	DefaultPollBatch       = 200
	DefaultDrainSchedule   = "*/5 * * * * *"
	DefaultRecoverSchedule = "0 * * * * *"
	DefaultDrainBatch      = 20
	DefaultWriteTimeout    = 5 * time.Second
)

// Load reads the ATTENTION_* variables and LOG_LEVEL. Malformed values
// are reported together.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DBDriver:        DefaultDBDriver,
		DBDSN:           DefaultDBDSN,
		PollInterval:    DefaultPollInterval,
		PollBatch:       DefaultPollBatch,
		DrainSchedule:   DefaultDrainSchedule,
		RecoverSchedule: DefaultRecoverSchedule,
		DrainBatch:      DefaultDrainBatch,
		WriteTimeout:    DefaultWriteTimeout,
		LogLevel:        slog.LevelInfo,
	}
	var errs []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid positive integer %q", key, v))
			return
		}
		*dst = n
	}

	str("ATTENTION_DB_DRIVER", &cfg.DBDriver)
	str("ATTENTION_DB_DSN", &cfg.DBDSN)
	str("ATTENTION_SETTINGS", &cfg.SettingsPath)
	str("ATTENTION_DRAIN_SCHEDULE", &cfg.DrainSchedule)
	str("ATTENTION_RECOVER_SCHEDULE", &cfg.RecoverSchedule)
	dur("ATTENTION_POLL_INTERVAL", &cfg.PollInterval)
	dur("ATTENTION_WRITE_TIMEOUT", &cfg.WriteTimeout)
	num("ATTENTION_POLL_BATCH", &cfg.PollBatch)
	num("ATTENTION_DRAIN_BATCH", &cfg.DrainBatch)

	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

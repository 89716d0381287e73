package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// Mode declares what a call site wants done with a failure.
type Mode int

const (
	// Strict returns failures to the caller.
	Strict Mode = iota
	// Observational logs failures (and panics) and reports success.
	Observational
)

func (m Mode) String() string {
	if m == Observational {
		return "observational"
	}
	return "strict"
}

// Boundary is the one place where a failure is either propagated or
// logged and dropped.
type Boundary struct {
	Mode   Mode
	Logger *slog.Logger
}

// Do runs fn under the boundary's mode.
func (b Boundary) Do(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	if b.Mode == Observational {
		defer func() {
			if r := recover(); r != nil {
				b.logger().Error("observational op panicked", "op", op, "panic", fmt.Sprint(r))
				err = nil
			}
		}()
	}
	err = fn(ctx)
	if err == nil || b.Mode == Strict {
		return err
	}
	b.logger().Warn("observational op failed", "op", op, "err", err)
	return nil
}

func (b Boundary) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default().With("component", "ledger")
}

// Observer appends observational events for collaborators. It never
// returns an error.
type Observer struct {
	store    *Store
	boundary Boundary
}

// NewObserver wraps store in an observational boundary.
func NewObserver(store *Store, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		store:    store,
		boundary: Boundary{Mode: Observational, Logger: logger.With("component", "ledger.observer")},
	}
}

// AppendObserved records o. Failures are logged and swallowed; a repeated
// idempotency key is ignored.
func (o *Observer) AppendObserved(ctx context.Context, obs Observed) {
	_ = o.boundary.Do(ctx, "append_observed:"+obs.Type, func(ctx context.Context) error {
		_, err := o.store.AppendObserved(ctx, obs)
		return err
	})
}

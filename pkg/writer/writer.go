// Package writer owns every write transaction against the shared store.
//
// The store accepts many readers but only one writer, so mutations are
// submitted as closures to a Serializer and executed one at a time by a
// single goroutine. Callers block until their op commits, fails, or the
// wait times out.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"mind-attention/internal/db"
)

var (
	// ErrTimeout is returned when the caller stopped waiting. The op may
	// still complete if the worker had already picked it up.
	ErrTimeout = errors.New("writer: timed out waiting for write")
	// ErrClosed is returned once the serializer has shut down.
	ErrClosed = errors.New("writer: closed")
	// ErrPanic wraps a panic raised inside an op.
	ErrPanic = errors.New("writer: op panicked")
)

// Op is one atomic unit of work. It may run more than once when the store
// reports a transient lock, so it must not hold state between attempts.
type Op func(ctx context.Context, tx *db.Tx) error

// Options tunes a Serializer. Zero values pick defaults.
type Options struct {
	Timeout    time.Duration // caller wait bound, default 5s
	QueueDepth int           // pending ops buffered before Submit blocks, default 256
	MaxRetries int           // retries on SQLITE_BUSY, default 5
	Logger     *slog.Logger
}

const (
	stateWaiting int32 = iota
	stateClaimed
	stateAbandoned
)

type request struct {
	ctx    context.Context
	name   string
	op     Op
	state  atomic.Int32
	result chan error
}

// Serializer runs submitted ops strictly one at a time.
type Serializer struct {
	db   *db.DB
	opts Options
	log  *slog.Logger

	reqs chan *request
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once

	ops metric.Int64Counter
}

// New starts the worker goroutine.
func New(store *db.DB, opts Options) *Serializer {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ops, _ := otel.Meter("mind-attention/writer").Int64Counter("attention.writer.ops",
		metric.WithDescription("Write operations executed by the serializer"))

	s := &Serializer{
		db:   store,
		opts: opts,
		log:  logger.With("component", "writer"),
		reqs: make(chan *request, opts.QueueDepth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		ops:  ops,
	}
	go s.loop()
	return s
}

// DB returns the store the serializer writes to, for reads.
func (s *Serializer) DB() *db.DB { return s.db }

// Submit runs op in its own transaction and waits for the outcome.
func (s *Serializer) Submit(ctx context.Context, name string, op Op) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req := &request{ctx: ctx, name: name, op: op, result: make(chan error, 1)}

	select {
	case s.reqs <- req:
	case <-waitCtx.Done():
		return s.waitErr(ctx, name)
	case <-s.quit:
		return ErrClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-waitCtx.Done():
		if !req.state.CompareAndSwap(stateWaiting, stateAbandoned) {
			s.log.Warn("caller stopped waiting on running op", "op", name)
		}
		return s.waitErr(ctx, name)
	case <-s.quit:
		if req.state.CompareAndSwap(stateWaiting, stateAbandoned) {
			return ErrClosed
		}
		return <-req.result
	}
}

func (s *Serializer) waitErr(ctx context.Context, name string) error {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %w", name, ErrTimeout)
}

// Close stops accepting ops, fails the ones still queued with ErrClosed,
// and waits for the op in flight to finish.
func (s *Serializer) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Serializer) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.failQueued()
			return
		case req := <-s.reqs:
			s.handle(req)
		}
	}
}

func (s *Serializer) failQueued() {
	for {
		select {
		case req := <-s.reqs:
			if req.state.CompareAndSwap(stateWaiting, stateClaimed) {
				req.result <- ErrClosed
			}
		default:
			return
		}
	}
}

func (s *Serializer) handle(req *request) {
	if !req.state.CompareAndSwap(stateWaiting, stateClaimed) {
		s.log.Debug("skipping abandoned op", "op", req.name)
		s.count(req.name, "skipped")
		return
	}
	// once claimed the op runs to completion regardless of the caller
	ctx := context.WithoutCancel(req.ctx)

	var err error
	for attempt := 0; ; attempt++ {
		err = s.runOnce(ctx, req)
		if err == nil || !db.IsBusy(err) || attempt >= s.opts.MaxRetries {
			break
		}
		backoff := time.Duration(10<<attempt) * time.Millisecond
		s.log.Debug("store busy, retrying", "op", req.name, "attempt", attempt+1, "backoff", backoff)
		time.Sleep(backoff)
	}

	if err != nil {
		s.count(req.name, "error")
	} else {
		s.count(req.name, "ok")
	}
	req.result <- err
}

func (s *Serializer) runOnce(ctx context.Context, req *request) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", req.name, err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			s.log.Error("op panicked", "op", req.name, "panic", r)
			err = fmt.Errorf("%s: %w: %v", req.name, ErrPanic, r)
		}
	}()

	if opErr := req.op(ctx, tx); opErr != nil {
		_ = tx.Rollback()
		return opErr
	}
	if cErr := tx.Commit(); cErr != nil {
		return fmt.Errorf("%s: commit: %w", req.name, cErr)
	}
	return nil
}

func (s *Serializer) count(name, outcome string) {
	if s.ops == nil {
		return
	}
	s.ops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", name),
		attribute.String("outcome", outcome),
	))
}

package writer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mind-attention/internal/db"
	"mind-attention/internal/db/dbtest"
	"mind-attention/pkg/writer"
)

func countPresence(t *testing.T, store *db.DB) int {
	t.Helper()
	var n int
	require.NoError(t, store.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM session_presence`).Scan(&n))
	return n
}

func insertPresence(id string) writer.Op {
	return func(ctx context.Context, tx *db.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO session_presence (session_id, last_seen_at) VALUES (?, ?)`, id, db.FormatTime(time.Now()))
		return err
	}
}

func TestSubmitCommitsAndRollsBack(t *testing.T) {
	store, w := dbtest.Open(t)
	ctx := context.Background()

	require.NoError(t, w.Submit(ctx, "ok", insertPresence("a")))
	assert.Equal(t, 1, countPresence(t, store))

	boom := errors.New("boom")
	err := w.Submit(ctx, "fails", func(ctx context.Context, tx *db.Tx) error {
		if err := insertPresence("b")(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, countPresence(t, store))
}

func TestSubmitRecoversPanic(t *testing.T) {
	store, w := dbtest.Open(t)
	ctx := context.Background()

	err := w.Submit(ctx, "panics", func(ctx context.Context, tx *db.Tx) error {
		_ = insertPresence("p")(ctx, tx)
		panic("kaboom")
	})
	require.ErrorIs(t, err, writer.ErrPanic)
	assert.Equal(t, 0, countPresence(t, store))

	// worker survives
	require.NoError(t, w.Submit(ctx, "after", insertPresence("q")))
	assert.Equal(t, 1, countPresence(t, store))
}

func TestOpsNeverOverlap(t *testing.T) {
	_, w := dbtest.Open(t)
	ctx := context.Background()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Submit(ctx, "overlap", func(ctx context.Context, tx *db.Tx) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestTimedOutOpIsSkipped(t *testing.T) {
	store, w := dbtest.Open(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- w.Submit(ctx, "blocker", func(ctx context.Context, tx *db.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := w.Submit(waitCtx, "late", insertPresence("late"))
	require.ErrorIs(t, err, writer.ErrTimeout)

	close(release)
	require.NoError(t, <-firstDone)

	// a later op proves the queue moved past the abandoned one
	require.NoError(t, w.Submit(ctx, "sync", func(context.Context, *db.Tx) error { return nil }))
	assert.Equal(t, 0, countPresence(t, store))
}

func TestSubmitAfterClose(t *testing.T) {
	_, w := dbtest.Open(t)
	w.Close()
	err := w.Submit(context.Background(), "closed", func(context.Context, *db.Tx) error { return nil })
	assert.ErrorIs(t, err, writer.ErrClosed)
	w.Close() // idempotent
}

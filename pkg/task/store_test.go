package task_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mind-attention/internal/db/dbtest"
	"mind-attention/pkg/task"
)

func TestTaskLifecycle(t *testing.T) {
	_, w := dbtest.Open(t)
	s := task.NewStore(w)
	ctx := context.Background()

	created, err := s.Create(ctx, &task.Task{Subject: "look at disk", CardID: "card-1", Source: "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	_, err = s.Create(ctx, &task.Task{Subject: "unrelated"})
	require.NoError(t, err)

	byCard, err := s.ByCard(ctx, "card-1")
	require.NoError(t, err)
	require.Len(t, byCard, 1)
	assert.Equal(t, created.ID, byCard[0].ID)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done, err := s.Complete(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	pending, err := s.List(ctx, task.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = s.Complete(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
	_, err = s.SetStatus(ctx, created.ID, "exploded")
	assert.Error(t, err)
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_ReceiveReturnsPendingInOrder(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, mustJob(t, id, "k", "p", nil)))
	}

	ds, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, ds[i].Job.ID)
		assert.Equal(t, 0, ds[i].Job.Attempt)
	}
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_NackRequeuesWithAttempt(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, mustJob(t, "a", "k", "p", nil)))
	ds, err := q.Receive(ctx)
	require.NoError(t, err)

	// Fill the queue so the retry has to bypass capacity.
	require.NoError(t, q.Enqueue(ctx, mustJob(t, "b", "k", "p", nil)))
	require.NoError(t, ds[0].Nack(ctx))

	ds, err = q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "b", ds[0].Job.ID)
	assert.Equal(t, "a", ds[1].Job.ID)
	assert.Equal(t, 1, ds[1].Job.Attempt)
}

func TestMemoryQueue_EnqueueWaitsForCapacity(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, mustJob(t, "a", "k", "p", nil)))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(short, mustJob(t, "b", "k", "p", nil)), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, mustJob(t, "c", "k", "p", nil)) }()
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after receive")
	}
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_ReceiveHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, mustJob(t, "a", "k", "p", nil)))

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(ctx, mustJob(t, "b", "k", "p", nil)) }()

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue was not released")
	}
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(ctx, mustJob(t, "c", "k", "p", nil)), ErrClosed)
}

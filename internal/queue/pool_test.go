package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type seqPayload struct {
	Seq int `json:"seq"`
}

func mustJob(t *testing.T, id, kind, partition string, payload any) Job {
	t.Helper()
	job, err := NewJob(id, kind, partition, payload)
	require.NoError(t, err)
	return job
}

// startPool runs p in the background and returns a stop function that
// cancels it and waits for Run to return.
func startPool(t *testing.T, p *Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPool_PreservesPartitionOrder(t *testing.T) {
	q := NewMemoryQueue(512)
	p := NewPool(q, PoolConfig{Workers: 4}, zap.NewNop(), nil)

	var mu sync.Mutex
	seen := make(map[string][]int)
	var total sync.WaitGroup
	p.Handle("seq", func(ctx context.Context, job Job) error {
		defer total.Done()
		var pl seqPayload
		if err := job.Decode(&pl); err != nil {
			return err
		}
		mu.Lock()
		seen[job.Partition] = append(seen[job.Partition], pl.Seq)
		mu.Unlock()
		return nil
	})

	partitions := []string{"2024-05-10|ep1|promo_code", "2024-05-10|ep2|utm", "campaign-7"}
	const perPartition = 50
	total.Add(len(partitions) * perPartition)
	for i := 0; i < perPartition; i++ {
		for _, part := range partitions {
			require.NoError(t, q.Enqueue(context.Background(), mustJob(t, fmt.Sprintf("%s-%d", part, i), "seq", part, seqPayload{Seq: i})))
		}
	}

	stop := startPool(t, p)
	total.Wait()
	stop()

	for _, part := range partitions {
		got := seen[part]
		require.Len(t, got, perPartition, part)
		for i, s := range got {
			assert.Equal(t, i, s, "partition %s out of order", part)
		}
	}
}

func TestPool_RetriesFailedJob(t *testing.T) {
	q := NewMemoryQueue(8)
	p := NewPool(q, PoolConfig{Workers: 2, MaxAttempts: 3}, zap.NewNop(), nil)

	attempts := make(chan int, 4)
	p.Handle("flaky", func(ctx context.Context, job Job) error {
		attempts <- job.Attempt
		if job.Attempt == 0 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "j1", "flaky", "p", nil)))

	stop := startPool(t, p)
	defer stop()

	assert.Equal(t, 0, <-attempts)
	assert.Equal(t, 1, <-attempts)
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPool_DropsAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(8)
	p := NewPool(q, PoolConfig{Workers: 1, MaxAttempts: 3}, zap.NewNop(), nil)

	var mu sync.Mutex
	calls := 0
	p.Handle("broken", func(ctx context.Context, job Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("always")
	})
	require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "j1", "broken", "p", nil)))

	stop := startPool(t, p)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, time.Second, 5*time.Millisecond)
	// Give a fourth delivery the chance to show up.
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, q.Len())
}

func TestPool_PermanentErrorIsNotRetried(t *testing.T) {
	q := NewMemoryQueue(8)
	p := NewPool(q, PoolConfig{Workers: 1, MaxAttempts: 5}, zap.NewNop(), nil)

	calls := make(chan struct{}, 5)
	p.Handle("bad", func(ctx context.Context, job Job) error {
		calls <- struct{}{}
		return Permanent(errors.New("bad payload"))
	})
	require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "j1", "bad", "p", nil)))

	stop := startPool(t, p)
	<-calls
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Len(t, calls, 0)
	assert.Equal(t, 0, q.Len())
}

func TestPool_UnknownKindIsDropped(t *testing.T) {
	q := NewMemoryQueue(8)
	p := NewPool(q, PoolConfig{Workers: 1}, zap.NewNop(), nil)
	handled := make(chan string, 2)
	p.Handle("known", func(ctx context.Context, job Job) error {
		handled <- job.ID
		return nil
	})
	require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "j1", "mystery", "p", nil)))
	require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "j2", "known", "p", nil)))

	stop := startPool(t, p)
	defer stop()
	assert.Equal(t, "j2", <-handled)
	assert.Equal(t, 0, q.Len())
}

func TestPool_ShutdownReleasesInFlightJobs(t *testing.T) {
	q := NewMemoryQueue(8)
	p := NewPool(q, PoolConfig{Workers: 1, MaxAttempts: 5}, zap.NewNop(), nil)

	started := make(chan struct{})
	p.Handle("slow", func(ctx context.Context, job Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "j1", "slow", "p", nil)))

	stop := startPool(t, p)
	<-started
	stop()

	assert.Equal(t, 1, q.Len())
}

func TestPool_StopsWhenQueueCloses(t *testing.T) {
	q := NewMemoryQueue(8)
	p := NewPool(q, PoolConfig{Workers: 3}, zap.NewNop(), nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after close")
	}
}

func TestShard_IsStable(t *testing.T) {
	for _, part := range []string{"", "a", "2024-05-10|ep1|promo_code"} {
		first := Shard(part, 7)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 7)
		assert.Equal(t, first, Shard(part, 7))
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("handle: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

//go:build integration

package storage

import (
	"context"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("VECTOR_ATTR_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisDedupIndex(t *testing.T) {
	ctx := context.Background()
	d := NewRedisDedupIndex(redisClient(t), time.Minute)
	source := "promo:" + uuid.NewString()

	_, found, err := d.Lookup(ctx, "touchpoint", source)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.Mark(ctx, "touchpoint", source, "tp-1"))
	id, found, err := d.Lookup(ctx, "touchpoint", source)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tp-1", id)
}

func TestRedisOutcomeStore(t *testing.T) {
	ctx := context.Background()
	s := NewRedisOutcomeStore(redisClient(t), time.Minute)

	// A random past minute keeps runs from reading each other's buckets.
	base := time.Unix(rand.Int63n(1<<30), 0).UTC().Truncate(time.Minute)
	for _, o := range []models.RequestOutcome{
		{At: base, Category: models.CategoryIngest, Status: 200},
		{At: base.Add(5 * time.Second), Category: models.CategoryIngest, Status: 502},
		{At: base.Add(time.Minute), Category: models.CategoryAttribution, Status: 500},
	} {
		require.NoError(t, s.Record(ctx, o))
	}

	totals, err := s.Totals(ctx, base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Total)
	assert.Equal(t, int64(2), totals.Failed)
	assert.Equal(t, int64(1), totals.FailedByCategory[models.CategoryIngest])
	assert.Equal(t, int64(1), totals.FailedByCategory[models.CategoryAttribution])
}

package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/redis/go-redis/v9"
)

const failedFieldPrefix = "failed:"

// RedisOutcomeStore implements RequestOutcomeStore with one Redis hash per
// minute, so every API instance feeds the same error rate.
type RedisOutcomeStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisOutcomeStore creates a store whose buckets expire after ttl.
func NewRedisOutcomeStore(client *redis.Client, ttl time.Duration) *RedisOutcomeStore {
	return &RedisOutcomeStore{client: client, ttl: ttl}
}

func outcomeKey(minute int64) string {
	return fmt.Sprintf("health:outcomes:%d", minute)
}

// Record increments the bucket of o.At.
func (s *RedisOutcomeStore) Record(ctx context.Context, o models.RequestOutcome) error {
	key := outcomeKey(o.At.UTC().Truncate(time.Minute).Unix())

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	if o.Failed() {
		pipe.HIncrBy(ctx, key, "failed", 1)
		pipe.HIncrBy(ctx, key, failedFieldPrefix+string(o.Category), 1)
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record request outcome: %w", err)
	}
	return nil
}

// Totals sums every minute bucket overlapping [from, to).
func (s *RedisOutcomeStore) Totals(ctx context.Context, from, to time.Time) (*models.OutcomeTotals, error) {
	minutes := minuteBuckets(from, to)
	out := &models.OutcomeTotals{FailedByCategory: make(map[models.RequestCategory]int64)}
	if len(minutes) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(minutes))
	for i, m := range minutes {
		cmds[i] = pipe.HGetAll(ctx, outcomeKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read request outcomes: %w", err)
	}

	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			continue
		}
		for field, raw := range fields {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			switch {
			case field == "total":
				out.Total += n
			case field == "failed":
				out.Failed += n
			case strings.HasPrefix(field, failedFieldPrefix):
				out.FailedByCategory[models.RequestCategory(strings.TrimPrefix(field, failedFieldPrefix))] += n
			}
		}
	}
	return out, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStreamConfig configures a RedisQueue.
type RedisStreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds one XREADGROUP wait.
	Block time.Duration
	// ClaimMinIdle is how long a delivered but unacknowledged entry stays with
	// its consumer before another consumer may claim it.
	ClaimMinIdle time.Duration
	Count        int64
}

// RedisQueue is a Queue on a Redis stream read through a consumer group.
// Nack leaves the entry pending; it is redelivered by XAUTOCLAIM once idle
// for ClaimMinIdle, to this or any other consumer.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisStreamConfig
	logger *zap.Logger
}

// NewRedisQueue creates the consumer group if it does not exist yet.
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg RedisStreamConfig, logger *zap.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	if cfg.Count <= 0 {
		cfg.Count = 64
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.Group, err)
	}

	logger.Info("redis job queue ready",
		zap.String("stream", cfg.Stream),
		zap.String("group", cfg.Group),
		zap.String("consumer", cfg.Consumer),
	)
	return &RedisQueue{client: client, cfg: cfg, logger: logger}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Receive first reclaims entries other consumers left idle, then reads new ones.
func (q *RedisQueue) Receive(ctx context.Context) ([]Delivery, error) {
	claimed, err := q.claim(ctx)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    q.cfg.Count,
		Block:    q.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stream %s: %w", q.cfg.Stream, err)
	}

	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			if d, ok := q.delivery(ctx, msg, 0); ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (q *RedisQueue) claim(ctx context.Context) ([]Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    q.cfg.Count,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("claim idle entries: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)) * 2,
		Consumer: q.cfg.Consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending entries: %w", err)
	}
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		retries[p.ID] = p.RetryCount
	}

	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		attempt := 1
		if n, ok := retries[msg.ID]; ok && n > 1 {
			attempt = int(n - 1)
		}
		if d, ok := q.delivery(ctx, msg, attempt); ok {
			out = append(out, d)
		}
	}
	q.logger.Info("reclaimed idle jobs", zap.Int("count", len(out)))
	return out, nil
}

// delivery decodes one entry. Undecodable entries are acknowledged and dropped.
func (q *RedisQueue) delivery(ctx context.Context, msg redis.XMessage, attempt int) (Delivery, bool) {
	ack := func(ctx context.Context) error {
		pipe := q.client.TxPipeline()
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID)
		pipe.XDel(ctx, q.cfg.Stream, msg.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("ack entry %s: %w", msg.ID, err)
		}
		return nil
	}

	data, _ := msg.Values["data"].(string)
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.logger.Warn("dropping malformed job entry", zap.String("entry_id", msg.ID), zap.Error(err))
		if err := ack(ctx); err != nil {
			q.logger.Error("failed to ack malformed entry", zap.String("entry_id", msg.ID), zap.Error(err))
		}
		return Delivery{}, false
	}
	job.Attempt = attempt
	return Delivery{
		Job:  job,
		Ack:  ack,
		Nack: func(context.Context) error { return nil },
	}, true
}

// Close does not close the shared client.
func (q *RedisQueue) Close() error {
	return nil
}

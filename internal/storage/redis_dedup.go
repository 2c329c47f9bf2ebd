package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupIndex remembers accepted source_system_ids so repeats skip the
// database round trip. The database unique key stays authoritative.
type RedisDedupIndex struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDedupIndex(client *redis.Client, ttl time.Duration) *RedisDedupIndex {
	return &RedisDedupIndex{client: client, ttl: ttl}
}

func dedupKey(kind, sourceSystemID string) string {
	return fmt.Sprintf("dedup:%s:%s", kind, sourceSystemID)
}

func (d *RedisDedupIndex) Lookup(ctx context.Context, kind, sourceSystemID string) (string, bool, error) {
	id, err := d.client.Get(ctx, dedupKey(kind, sourceSystemID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return id, true, nil
}

// Mark records id for the source_system_id. An existing entry is kept.
func (d *RedisDedupIndex) Mark(ctx context.Context, kind, sourceSystemID, id string) error {
	if err := d.client.SetNX(ctx, dedupKey(kind, sourceSystemID), id, d.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

package rollup

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// RecomputeReport summarizes a backfill run.
type RecomputeReport struct {
	Day        string `json:"day,omitempty"`
	Partitions int    `json:"partitions"`
	Recomputed int64  `json:"recomputed"`
}

// RecomputeDay refolds every partition of day from its ledger.
func (a *Aggregator) RecomputeDay(ctx context.Context, day string, concurrency int) (*RecomputeReport, error) {
	if _, err := models.ParseDay(day); err != nil {
		return nil, err
	}
	keys, err := a.store.ListPartitions(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", day, err)
	}
	report, err := a.RecomputePartitions(ctx, keys, concurrency)
	if report != nil {
		report.Day = day
	}
	return report, err
}

// RecomputePartitions refolds keys with at most concurrency partitions in
// flight. Cancellation stops it between partitions; a partition is either
// fully rewritten or left as it was.
func (a *Aggregator) RecomputePartitions(ctx context.Context, keys []models.MetricKey, concurrency int) (*RecomputeReport, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	report := &RecomputeReport{Partitions: len(keys)}
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		key := key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := a.store.UpdatePartition(gctx, key, func(p storage.PartitionTx) error {
				return refold(gctx, key, p)
			})
			if err != nil {
				a.metrics.RecordRecompute("error")
				return fmt.Errorf("recompute %s: %w", key, err)
			}
			a.metrics.RecordRecompute("ok")
			done.Add(1)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	report.Recomputed = done.Load()

	a.logger.Info("rollup recompute finished",
		zap.Int("partitions", report.Partitions),
		zap.Int64("recomputed", report.Recomputed),
		zap.Error(err),
	)
	return report, err
}

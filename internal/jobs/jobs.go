// Package jobs defines the background job kinds of the attribution pipeline
// and binds them to the resolver and the rollup aggregator.
//
// An accepted conversion enqueues an attribute job on its campaign's
// partition. The attribute handler resolves the conversion and enqueues one
// rollup job per affected (day, episode, source) partition. A rollup job
// carries no amounts: it rebuilds the conversion's contributions to its
// partition from the attribution stored at the time it runs, so rollup jobs
// may run late, twice or out of order and still converge.
package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/queue"
)

// Job kinds.
const (
	KindAttribute = "attribute"
	KindRollup    = "rollup"
)

// AttributePayload asks for one conversion to be resolved.
type AttributePayload struct {
	ConversionID string `json:"conversion_id"`
}

// RollupPayload asks for one conversion's contributions to one partition to
// be rebuilt.
type RollupPayload struct {
	Key          models.MetricKey `json:"key"`
	ConversionID string           `json:"conversion_id"`
}

// Dispatcher turns pipeline events into queued jobs. It schedules
// attribution for ingested conversions and rollups for resolutions.
type Dispatcher struct {
	queue  queue.Queue
	logger *zap.Logger
}

func NewDispatcher(q queue.Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: q, logger: logger}
}

// DispatchAttribution enqueues an attribute job on the conversion's campaign.
func (d *Dispatcher) DispatchAttribution(ctx context.Context, c *models.ConversionEvent) error {
	job, err := queue.NewJob(uuid.NewString(), KindAttribute, c.CampaignID, AttributePayload{ConversionID: c.ID})
	if err != nil {
		return err
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue attribution of %s: %w", c.ID, err)
	}
	return nil
}

// Resolved enqueues a rollup job for every partition the resolution touched,
// including partitions only the replaced result set contributed to.
func (d *Dispatcher) Resolved(ctx context.Context, res *attribution.Resolution) error {
	for _, key := range res.AffectedPartitions() {
		job, err := queue.NewJob(uuid.NewString(), KindRollup, key.PartitionKey(), RollupPayload{
			Key:          key,
			ConversionID: res.Conversion.ID,
		})
		if err != nil {
			return err
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue rollup of %s into %s: %w", res.Conversion.ID, key, err)
		}
	}
	d.logger.Debug("rollups scheduled",
		zap.String("conversion_id", res.Conversion.ID),
		zap.Int("partitions", len(res.AffectedPartitions())),
	)
	return nil
}

// ContributionWriter applies one conversion's contributions to the rollup.
type ContributionWriter interface {
	ReplaceContributions(ctx context.Context, key models.MetricKey, prefix string, incs []models.MetricIncrement) (bool, error)
	ReplaceConversionContributions(ctx context.Context, prefix string, keys []models.MetricKey, byKey map[models.MetricKey][]models.MetricIncrement) error
}

// InlineSink applies resolutions to the rollup synchronously. The backfill
// command uses it where no worker pool runs.
type InlineSink struct {
	rollup ContributionWriter
}

func NewInlineSink(rollup ContributionWriter) *InlineSink {
	return &InlineSink{rollup: rollup}
}

func (s *InlineSink) Resolved(ctx context.Context, res *attribution.Resolution) error {
	return s.rollup.ReplaceConversionContributions(ctx,
		attribution.ContributionPrefix(res.Conversion.ID),
		res.AffectedPartitions(),
		res.Contributions(),
	)
}

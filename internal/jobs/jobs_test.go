package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/lock"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/queue"
	"github.com/radiusdt/vector-attribution/internal/rollup"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var convertedAt = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

var (
	ep1Key = models.MetricKey{Day: "2024-05-10", EpisodeID: "ep1", Source: "promo_code"}
	ep2Key = models.MetricKey{Day: "2024-05-10", EpisodeID: "ep2", Source: "utm"}
)

type pipeline struct {
	stores     *storage.Stores
	queue      *queue.MemoryQueue
	resolver   *attribution.Resolver
	dispatcher *Dispatcher
	handlers   *Handlers
	rollup     *rollup.Aggregator
	service    *attribution.Service
}

func newPipeline(t *testing.T, method models.AttributionMethod) *pipeline {
	t.Helper()
	ctx := context.Background()
	stores := storage.NewInMemoryStores()
	require.NoError(t, stores.Campaigns.Create(ctx, &models.Campaign{
		ID:                 "c1",
		PodcastID:          "p1",
		SponsorID:          "s1",
		StartDate:          convertedAt.AddDate(0, -1, 0),
		CampaignValueCents: 5000,
		RevenueBasis:       models.RevenueGross,
		AttributionConfig: models.AttributionConfig{
			Method:         method,
			LookbackWindow: models.Duration(7 * 24 * time.Hour),
		},
	}))

	touch := func(id, episode string, ch models.Channel, at time.Time) {
		_, err := stores.Events.SaveTouchpoint(ctx, &models.TouchpointEvent{
			ID:             id,
			CampaignID:     "c1",
			EpisodeID:      episode,
			Channel:        ch,
			AttributionKey: "listener-1",
			OccurredAt:     at,
			SourceSystemID: "src-" + id,
		})
		require.NoError(t, err)
	}
	touch("t1", "ep1", models.ChannelPromoCode, convertedAt.Add(-2*time.Hour))
	touch("t2", "ep2", models.ChannelUTM, convertedAt.Add(-time.Hour))

	_, err := stores.Events.SaveConversion(ctx, &models.ConversionEvent{
		ID:             "cv1",
		CampaignID:     "c1",
		AttributionKey: "listener-1",
		OccurredAt:     convertedAt,
		ValueCents:     1000,
		SourceSystemID: "order-1",
	})
	require.NoError(t, err)

	q := queue.NewMemoryQueue(64)
	resolver := attribution.NewResolver(stores, lock.NewMemoryLocker(), time.Second, zap.NewNop(), nil)
	agg := rollup.NewAggregator(stores.Metrics, zap.NewNop(), nil)
	dispatcher := NewDispatcher(q, zap.NewNop())
	return &pipeline{
		stores:     stores,
		queue:      q,
		resolver:   resolver,
		dispatcher: dispatcher,
		handlers:   NewHandlers(stores, resolver, dispatcher, agg, zap.NewNop()),
		rollup:     agg,
		service:    attribution.NewService(stores, resolver, dispatcher, zap.NewNop()),
	}
}

func (p *pipeline) run(t *testing.T) func() {
	t.Helper()
	pool := queue.NewPool(p.queue, queue.PoolConfig{Workers: 3, MaxAttempts: 3}, zap.NewNop(), nil)
	p.handlers.Register(pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func (p *pipeline) row(key models.MetricKey) (revenue, conversions int64, ok bool) {
	m, err := p.stores.Metrics.GetDailyMetric(context.Background(), key)
	if err != nil {
		return 0, 0, false
	}
	return m.RevenueCents, m.Conversions, true
}

func (p *pipeline) eventuallyRow(t *testing.T, key models.MetricKey, revenue, conversions int64) {
	t.Helper()
	assert.Eventually(t, func() bool {
		r, c, ok := p.row(key)
		return ok && r == revenue && c == conversions
	}, 2*time.Second, 5*time.Millisecond, "partition %s", key)
}

func TestPipeline_ConversionReachesRollup(t *testing.T) {
	p := newPipeline(t, models.AttributionLastTouch)
	stop := p.run(t)
	defer stop()

	conv, err := p.stores.Events.GetConversion(context.Background(), "cv1")
	require.NoError(t, err)
	require.NoError(t, p.dispatcher.DispatchAttribution(context.Background(), conv))

	p.eventuallyRow(t, ep2Key, 1000, 1)
	_, _, ok := p.row(ep1Key)
	assert.False(t, ok)

	set, err := p.stores.Attribution.GetAttribution(context.Background(), "cv1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAttributed, set.Status)
}

func TestPipeline_RecomputeMovesContributions(t *testing.T) {
	p := newPipeline(t, models.AttributionLastTouch)
	stop := p.run(t)
	defer stop()
	ctx := context.Background()

	conv, err := p.stores.Events.GetConversion(ctx, "cv1")
	require.NoError(t, err)
	require.NoError(t, p.dispatcher.DispatchAttribution(ctx, conv))
	p.eventuallyRow(t, ep2Key, 1000, 1)

	summary, err := p.service.UpdateAttributionConfig(ctx, "c1", models.AttributionConfig{
		Method:         models.AttributionLinear,
		LookbackWindow: models.Duration(7 * 24 * time.Hour),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attributed)

	p.eventuallyRow(t, ep1Key, 500, 1)
	p.eventuallyRow(t, ep2Key, 500, 0)
}

func TestRollup_ConvergesRegardlessOfJobOrder(t *testing.T) {
	p := newPipeline(t, models.AttributionLastTouch)
	ctx := context.Background()

	first, err := p.resolver.Resolve(ctx, "cv1")
	require.NoError(t, err)
	require.NoError(t, p.stores.Campaigns.UpdateAttributionConfig(ctx, "c1", models.AttributionConfig{
		Method:         models.AttributionFirstTouch,
		LookbackWindow: models.Duration(7 * 24 * time.Hour),
	}, convertedAt))
	second, err := p.resolver.Resolve(ctx, "cv1")
	require.NoError(t, err)

	assert.Equal(t, []models.MetricKey{ep2Key}, first.AffectedPartitions())
	assert.ElementsMatch(t, []models.MetricKey{ep1Key, ep2Key}, second.AffectedPartitions())

	rollupJob := func(key models.MetricKey) queue.Job {
		job, err := queue.NewJob("j-"+key.EpisodeID, KindRollup, key.PartitionKey(), RollupPayload{Key: key, ConversionID: "cv1"})
		require.NoError(t, err)
		return job
	}

	// The second resolution's jobs run before the first one's stale job.
	require.NoError(t, p.handlers.Rollup(ctx, rollupJob(ep1Key)))
	require.NoError(t, p.handlers.Rollup(ctx, rollupJob(ep2Key)))
	require.NoError(t, p.handlers.Rollup(ctx, rollupJob(ep2Key)))

	r, c, ok := p.row(ep1Key)
	require.True(t, ok)
	assert.Equal(t, int64(1000), r)
	assert.Equal(t, int64(1), c)
	_, _, ok = p.row(ep2Key)
	assert.False(t, ok)
}

func TestRollup_WithoutAttributionContributesNothing(t *testing.T) {
	p := newPipeline(t, models.AttributionLastTouch)
	job, err := queue.NewJob("j1", KindRollup, ep2Key.PartitionKey(), RollupPayload{Key: ep2Key, ConversionID: "cv1"})
	require.NoError(t, err)

	require.NoError(t, p.handlers.Rollup(context.Background(), job))
	_, _, ok := p.row(ep2Key)
	assert.False(t, ok)
}

func TestHandlers_PermanentFailures(t *testing.T) {
	p := newPipeline(t, models.AttributionLastTouch)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(context.Context, queue.Job) error
		job  queue.Job
	}{
		{
			name: "attribute unknown conversion",
			run:  p.handlers.Attribute,
			job:  mustJob(t, KindAttribute, "c1", AttributePayload{ConversionID: "missing"}),
		},
		{
			name: "attribute empty payload",
			run:  p.handlers.Attribute,
			job:  mustJob(t, KindAttribute, "c1", map[string]string{}),
		},
		{
			name: "rollup invalid key",
			run:  p.handlers.Rollup,
			job:  mustJob(t, KindRollup, "x", RollupPayload{Key: models.MetricKey{Day: "10/05/2024", EpisodeID: "ep1", Source: "utm"}, ConversionID: "cv1"}),
		},
		{
			name: "rollup unknown conversion",
			run:  p.handlers.Rollup,
			job:  mustJob(t, KindRollup, "x", RollupPayload{Key: ep1Key, ConversionID: "missing"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(ctx, tt.job)
			require.Error(t, err)
			assert.True(t, queue.IsPermanent(err), "got %v", err)
		})
	}
}

func TestHandlers_BrokenConfigIsPermanent(t *testing.T) {
	p := newPipeline(t, models.AttributionTimeDecay)
	err := p.handlers.Attribute(context.Background(), mustJob(t, KindAttribute, "c1", AttributePayload{ConversionID: "cv1"}))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	var ce *models.ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestDispatcher_PartitionsJobs(t *testing.T) {
	p := newPipeline(t, models.AttributionLinear)
	ctx := context.Background()

	conv, err := p.stores.Events.GetConversion(ctx, "cv1")
	require.NoError(t, err)
	require.NoError(t, p.dispatcher.DispatchAttribution(ctx, conv))

	res, err := p.resolver.Resolve(ctx, "cv1")
	require.NoError(t, err)
	require.NoError(t, p.dispatcher.Resolved(ctx, res))

	ds, err := p.queue.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 3)
	assert.Equal(t, KindAttribute, ds[0].Job.Kind)
	assert.Equal(t, "c1", ds[0].Job.Partition)

	parts := []string{ds[1].Job.Partition, ds[2].Job.Partition}
	assert.ElementsMatch(t, []string{ep1Key.PartitionKey(), ep2Key.PartitionKey()}, parts)
	for _, d := range ds[1:] {
		var pl RollupPayload
		require.NoError(t, d.Job.Decode(&pl))
		assert.Equal(t, "cv1", pl.ConversionID)
		assert.Equal(t, d.Job.Partition, pl.Key.PartitionKey())
	}
	assert.NotEqual(t, ds[1].Job.ID, ds[2].Job.ID)
}

func TestInlineSink_AppliesResolution(t *testing.T) {
	p := newPipeline(t, models.AttributionPositionBased)
	ctx := context.Background()

	res, err := p.resolver.Resolve(ctx, "cv1")
	require.NoError(t, err)
	require.NoError(t, NewInlineSink(p.rollup).Resolved(ctx, res))

	r1, c1, ok := p.row(ep1Key)
	require.True(t, ok)
	r2, c2, ok := p.row(ep2Key)
	require.True(t, ok)
	assert.Equal(t, int64(1000), r1+r2)
	assert.Equal(t, int64(1), c1+c2)
}

func mustJob(t *testing.T, kind, partition string, payload any) queue.Job {
	t.Helper()
	job, err := queue.NewJob("job-1", kind, partition, payload)
	require.NoError(t, err)
	return job
}

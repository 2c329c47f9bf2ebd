package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/jobs"
	"github.com/radiusdt/vector-attribution/internal/lock"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/rollup"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

const exportCSV = "day,episode_id,source,downloads,listeners,completion_rate,ctr,conversions,revenue_cents\n" +
	"2024-05-10,ep1,rss,100,80,0.5,,0,0\n" +
	"2024-05-10,,rss,1,1,,,0,0\n"

func TestImportCSVThenRecomputeDay(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewInMemoryStores()
	agg := rollup.NewAggregator(stores.Metrics, zap.NewNop(), nil)
	svc := ingest.NewService(ingest.Deps{Events: stores.Events, Rollup: agg})

	var out bytes.Buffer
	require.NoError(t, runImportCSV(ctx, svc, strings.NewReader(exportCSV), &out))
	assert.Contains(t, out.String(), "applied 1, unchanged 0, rejected 1")
	assert.Contains(t, out.String(), "episode_id")

	out.Reset()
	require.NoError(t, runImportCSV(ctx, svc, strings.NewReader(exportCSV), &out))
	assert.Contains(t, out.String(), "applied 0, unchanged 1, rejected 1")

	before, err := agg.Get(ctx, models.MetricKey{Day: "2024-05-10", EpisodeID: "ep1", Source: "rss"})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, runRecomputeDay(ctx, agg, "2024-05-10", 2, &out))
	assert.Equal(t, "2024-05-10: 1 of 1 partitions rewritten\n", out.String())

	after, err := agg.Get(ctx, models.MetricKey{Day: "2024-05-10", EpisodeID: "ep1", Source: "rss"})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Error(t, runRecomputeDay(ctx, agg, "10/05/2024", 2, &out))
}

func TestImportCSVBadHeader(t *testing.T) {
	stores := storage.NewInMemoryStores()
	agg := rollup.NewAggregator(stores.Metrics, zap.NewNop(), nil)
	svc := ingest.NewService(ingest.Deps{Events: stores.Events, Rollup: agg})

	var out bytes.Buffer
	err := runImportCSV(context.Background(), svc, strings.NewReader("a,b\n1,2\n"), &out)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Empty(t, out.String())
}

func TestRecomputeCampaign(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewInMemoryStores()
	agg := rollup.NewAggregator(stores.Metrics, zap.NewNop(), nil)
	resolver := attribution.NewResolver(stores, lock.NewMemoryLocker(), time.Second, zap.NewNop(), nil)
	svc := attribution.NewService(stores, resolver, jobs.NewInlineSink(agg), zap.NewNop())

	at := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, svc.CreateCampaign(ctx, &models.Campaign{
		ID: "c1", PodcastID: "p1", SponsorID: "s1",
		StartDate:          at.AddDate(0, -1, 0),
		CampaignValueCents: 100,
		AttributionConfig: models.AttributionConfig{
			Method:         models.AttributionFirstTouch,
			LookbackWindow: models.Duration(24 * time.Hour),
		},
	}))
	_, err := stores.Events.SaveTouchpoint(ctx, &models.TouchpointEvent{
		ID: "t1", CampaignID: "c1", EpisodeID: "ep1", Channel: models.ChannelPixel,
		AttributionKey: "v1", OccurredAt: at.Add(-time.Hour), SourceSystemID: "pixel:t1",
	})
	require.NoError(t, err)
	_, err = stores.Events.SaveConversion(ctx, &models.ConversionEvent{
		ID: "cv1", CampaignID: "c1", AttributionKey: "v1", OccurredAt: at,
		ValueCents: 700, SourceSystemID: "order-1",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runRecomputeCampaign(ctx, svc, "c1", &out))
	assert.Equal(t, "c1: 1 conversions, 1 attributed, 0 unattributed\n", out.String())

	row, err := agg.Get(ctx, models.MetricKey{Day: "2024-05-10", EpisodeID: "ep1", Source: "pixel"})
	require.NoError(t, err)
	assert.Equal(t, int64(700), row.RevenueCents)
	assert.Equal(t, int64(1), row.Conversions)

	assert.Error(t, runRecomputeCampaign(ctx, svc, "missing", &out))
}

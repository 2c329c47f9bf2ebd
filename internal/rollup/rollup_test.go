package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

func rate(v float64) *float64 { return &v }

var key = models.MetricKey{Day: "2024-02-01", EpisodeID: "ep1", Source: "spotify"}

func TestMerge_WeightedRates(t *testing.T) {
	row := Fold(key, []models.MetricIncrement{
		{ContributionID: "a", Downloads: 100, Listeners: 80, CompletionRate: rate(0.5), CompletionWeight: 80},
		{ContributionID: "b", Downloads: 50, Listeners: 20, CompletionRate: rate(1.0), CompletionWeight: 20, CTR: rate(0.1), CTRWeight: 50},
		{ContributionID: "c", Conversions: 2, RevenueCents: 900},
	})
	assert.Equal(t, int64(150), row.Downloads)
	assert.Equal(t, int64(100), row.Listeners)
	assert.Equal(t, int64(2), row.Conversions)
	assert.Equal(t, int64(900), row.RevenueCents)
	assert.InDelta(t, 0.6, row.CompletionRate, 1e-12)
	assert.Equal(t, int64(100), row.CompletionWeight)
	assert.InDelta(t, 0.1, row.CTR, 1e-12)
	assert.Equal(t, int64(50), row.CTRWeight)
	assert.Equal(t, 3, row.Contributions)
}

func TestMerge_RateWithoutWeightCountsOnce(t *testing.T) {
	row := Fold(key, []models.MetricIncrement{
		{ContributionID: "a", CTR: rate(0.2)},
		{ContributionID: "b", CTR: rate(0.4)},
	})
	assert.InDelta(t, 0.3, row.CTR, 1e-12)
	assert.Equal(t, int64(2), row.CTRWeight)
}

func TestUpsert_RepeatIsNoOp(t *testing.T) {
	store := storage.NewInMemoryMetricStore()
	agg := NewAggregator(store, nil, nil)
	ctx := context.Background()
	inc := models.MetricIncrement{ContributionID: "csv:1", Downloads: 10, Listeners: 7, CompletionRate: rate(0.9), CompletionWeight: 7}

	changed, err := agg.Upsert(ctx, key, inc)
	require.NoError(t, err)
	assert.True(t, changed)
	before, err := agg.Get(ctx, key)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		changed, err = agg.Upsert(ctx, key, inc)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	after, err := agg.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(10), after.Downloads)
}

func TestUpsert_CorrectedContributionReplaces(t *testing.T) {
	agg := NewAggregator(storage.NewInMemoryMetricStore(), nil, nil)
	ctx := context.Background()

	_, err := agg.Upsert(ctx, key, models.MetricIncrement{ContributionID: "csv:1", Downloads: 10})
	require.NoError(t, err)
	_, err = agg.Upsert(ctx, key, models.MetricIncrement{ContributionID: "csv:2", Downloads: 5})
	require.NoError(t, err)
	changed, err := agg.Upsert(ctx, key, models.MetricIncrement{ContributionID: "csv:1", Downloads: 12})
	require.NoError(t, err)
	assert.True(t, changed)

	row, err := agg.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(17), row.Downloads)
	assert.Equal(t, 2, row.Contributions)
}

func TestUpsert_Validation(t *testing.T) {
	agg := NewAggregator(storage.NewInMemoryMetricStore(), nil, nil)
	_, err := agg.Upsert(context.Background(), models.MetricKey{Day: "02/01/2024", EpisodeID: "e", Source: "s"}, models.MetricIncrement{ContributionID: "x"})
	assert.True(t, models.IsValidation(err))

	_, err = agg.Upsert(context.Background(), key, models.MetricIncrement{ContributionID: "x", CTR: rate(1.5)})
	assert.True(t, models.IsValidation(err))
}

func TestReplaceContributions(t *testing.T) {
	agg := NewAggregator(storage.NewInMemoryMetricStore(), nil, nil)
	ctx := context.Background()
	_, err := agg.Upsert(ctx, key, models.MetricIncrement{ContributionID: "csv:1", Downloads: 100})
	require.NoError(t, err)

	first := []models.MetricIncrement{
		{ContributionID: "attr:cv1:t2", RevenueCents: 300},
		{ContributionID: "attr:cv1:t1", RevenueCents: 700, Conversions: 1},
	}
	changed, err := agg.ReplaceContributions(ctx, key, "attr:cv1:", first)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = agg.ReplaceContributions(ctx, key, "attr:cv1:", first)
	require.NoError(t, err)
	assert.False(t, changed, "same set in another order is unchanged")

	row, err := agg.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row.RevenueCents)
	assert.Equal(t, int64(1), row.Conversions)
	assert.Equal(t, int64(100), row.Downloads)

	changed, err = agg.ReplaceContributions(ctx, key, "attr:cv1:", []models.MetricIncrement{{ContributionID: "attr:cv1:t1", RevenueCents: 1000, Conversions: 1}})
	require.NoError(t, err)
	assert.True(t, changed)
	row, err = agg.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row.RevenueCents)
	assert.Equal(t, 2, row.Contributions)

	_, err = agg.ReplaceContributions(ctx, key, "attr:cv1:", []models.MetricIncrement{{ContributionID: "attr:cv2:t1"}})
	assert.True(t, models.IsValidation(err))
}

func TestReplaceConversionContributions_RemovesStalePartitions(t *testing.T) {
	agg := NewAggregator(storage.NewInMemoryMetricStore(), nil, nil)
	ctx := context.Background()
	other := models.MetricKey{Day: key.Day, EpisodeID: "ep2", Source: "utm"}

	require.NoError(t, agg.ReplaceConversionContributions(ctx, "attr:cv1:", []models.MetricKey{key, other},
		map[models.MetricKey][]models.MetricIncrement{
			key:   {{ContributionID: "attr:cv1:t1", RevenueCents: 600, Conversions: 1}},
			other: {{ContributionID: "attr:cv1:t2", RevenueCents: 400}},
		}))

	require.NoError(t, agg.ReplaceConversionContributions(ctx, "attr:cv1:", []models.MetricKey{key, other},
		map[models.MetricKey][]models.MetricIncrement{
			key: {{ContributionID: "attr:cv1:t1", RevenueCents: 1000, Conversions: 1}},
		}))

	_, err := agg.Get(ctx, other)
	assert.ErrorIs(t, err, models.ErrNotFound, "a partition whose ledger empties loses its row")
	row, err := agg.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row.RevenueCents)
}

func seedDay(t *testing.T, agg *Aggregator, day string) {
	t.Helper()
	ctx := context.Background()
	for ep := 0; ep < 5; ep++ {
		for _, src := range []string{"apple", "spotify"} {
			k := models.MetricKey{Day: day, EpisodeID: fmt.Sprintf("ep%d", ep), Source: src}
			for c := 0; c < 4; c++ {
				_, err := agg.Upsert(ctx, k, models.MetricIncrement{
					ContributionID:   fmt.Sprintf("csv:%d", c),
					Downloads:        int64(10 * (c + 1)),
					Listeners:        int64(3 * (c + 1)),
					CompletionRate:   rate(float64(c+1) / 7),
					CompletionWeight: int64(3 * (c + 1)),
					CTR:              rate(0.01 * float64(ep+1)),
					CTRWeight:        int64(10 * (c + 1)),
				})
				require.NoError(t, err)
			}
		}
	}
}

func TestRecomputeDay_ByteIdentical(t *testing.T) {
	agg := NewAggregator(storage.NewInMemoryMetricStore(), nil, nil)
	ctx := context.Background()
	seedDay(t, agg, "2024-02-01")

	before, err := agg.List(ctx, models.DailyMetricFilter{Day: "2024-02-01"})
	require.NoError(t, err)
	require.Len(t, before, 10)
	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		report, err := agg.RecomputeDay(ctx, "2024-02-01", 3)
		require.NoError(t, err)
		assert.Equal(t, 10, report.Partitions)
		assert.Equal(t, int64(10), report.Recomputed)
	}

	after, err := agg.List(ctx, models.DailyMetricFilter{Day: "2024-02-01"})
	require.NoError(t, err)
	afterJSON, err := json.Marshal(after)
	require.NoError(t, err)
	assert.Equal(t, string(beforeJSON), string(afterJSON))
}

func TestRecomputeDay_InvalidDay(t *testing.T) {
	agg := NewAggregator(storage.NewInMemoryMetricStore(), nil, nil)
	_, err := agg.RecomputeDay(context.Background(), "yesterday", 1)
	assert.True(t, models.IsValidation(err))
}

type cancellingStore struct {
	storage.MetricStore
	cancel  context.CancelFunc
	updates int
}

func (s *cancellingStore) UpdatePartition(ctx context.Context, k models.MetricKey, fn func(p storage.PartitionTx) error) error {
	s.updates++
	if s.updates == 2 {
		s.cancel()
	}
	return s.MetricStore.UpdatePartition(ctx, k, fn)
}

func TestRecomputePartitions_StopsWhenCancelled(t *testing.T) {
	inner := storage.NewInMemoryMetricStore()
	seeder := NewAggregator(inner, nil, nil)
	seedDay(t, seeder, "2024-02-02")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{MetricStore: inner, cancel: cancel}
	agg := NewAggregator(store, nil, nil)

	report, err := agg.RecomputeDay(ctx, "2024-02-02", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, report.Recomputed, int64(report.Partitions))

	rows, err := seeder.List(context.Background(), models.DailyMetricFilter{Day: "2024-02-02"})
	require.NoError(t, err)
	assert.Len(t, rows, 10, "cancelled partitions keep their rows")
}

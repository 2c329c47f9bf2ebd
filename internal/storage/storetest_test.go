package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// The suites below run against every implementation of an interface. IDs are
// random so they can share a database between runs.

var suiteBase = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func touchpoint(campaignID, key string, at time.Time) *models.TouchpointEvent {
	return &models.TouchpointEvent{
		ID:             uuid.NewString(),
		CampaignID:     campaignID,
		EpisodeID:      "ep1",
		Channel:        models.ChannelUTM,
		AttributionKey: key,
		OccurredAt:     at,
		SourceSystemID: "utm:" + uuid.NewString(),
		IngestedAt:     suiteBase,
	}
}

func ids(tps []*models.TouchpointEvent) []string {
	out := make([]string, len(tps))
	for i, tp := range tps {
		out[i] = tp.ID
	}
	return out
}

func testEventStore(t *testing.T, s EventStore) {
	ctx := context.Background()
	campaign := "c-" + uuid.NewString()

	tp1 := touchpoint(campaign, "v1", suiteBase.Add(-2*time.Hour))
	created, err := s.SaveTouchpoint(ctx, tp1)
	require.NoError(t, err)
	require.True(t, created)
	assert.Positive(t, tp1.Seq)

	t.Run("duplicate source id reports the stored row", func(t *testing.T) {
		dup := *tp1
		dup.ID = uuid.NewString()
		dup.Seq = 0
		created, err := s.SaveTouchpoint(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, tp1.ID, dup.ID)
		assert.Equal(t, tp1.Seq, dup.Seq)
	})

	// tp2 ties with tp1 and was stored later; tp3 sits on the window edge.
	tp2 := touchpoint(campaign, "v1", suiteBase.Add(-2*time.Hour))
	tp3 := touchpoint(campaign, "v1", suiteBase)
	late := touchpoint(campaign, "v1", suiteBase.Add(time.Second))
	other := touchpoint(campaign, "v2", suiteBase.Add(-time.Hour))
	for _, tp := range []*models.TouchpointEvent{tp2, tp3, late, other} {
		_, err := s.SaveTouchpoint(ctx, tp)
		require.NoError(t, err)
	}

	t.Run("candidates use a closed window ordered by time then insertion", func(t *testing.T) {
		got, err := s.ListCandidates(ctx, campaign, "v1", suiteBase.Add(-2*time.Hour), suiteBase)
		require.NoError(t, err)
		assert.Equal(t, []string{tp1.ID, tp2.ID, tp3.ID}, ids(got))
	})

	t.Run("touchpoint count is half open", func(t *testing.T) {
		n, err := s.CountTouchpoints(ctx, campaign, suiteBase.Add(-2*time.Hour), suiteBase)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("conversions", func(t *testing.T) {
		c := &models.ConversionEvent{
			ID:             uuid.NewString(),
			CampaignID:     campaign,
			AttributionKey: "v1",
			OccurredAt:     suiteBase,
			ValueCents:     1000,
			SourceSystemID: "order-" + uuid.NewString(),
			IngestedAt:     suiteBase,
		}
		created, err := s.SaveConversion(ctx, c)
		require.NoError(t, err)
		assert.True(t, created)

		dup := *c
		dup.ID = uuid.NewString()
		created, err = s.SaveConversion(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, c.ID, dup.ID)

		got, err := s.GetConversion(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), got.ValueCents)
		assert.Nil(t, got.NetValueCents)

		_, err = s.GetConversion(ctx, "missing-"+uuid.NewString())
		assert.True(t, errors.Is(err, models.ErrNotFound))

		list, err := s.ListConversions(ctx, ConversionFilter{CampaignID: campaign, From: suiteBase, To: suiteBase.Add(time.Hour)})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, c.ID, list[0].ID)

		list, err = s.ListConversions(ctx, ConversionFilter{CampaignID: campaign, To: suiteBase})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func testAttributionRepo(t *testing.T, r AttributionRepo) {
	ctx := context.Background()
	campaign := "c-" + uuid.NewString()
	conv := "cv-" + uuid.NewString()

	has, err := r.HasResults(ctx, campaign)
	require.NoError(t, err)
	assert.False(t, has)

	status := &models.ConversionAttribution{
		ConversionID: conv,
		CampaignID:   campaign,
		Status:       models.StatusAttributed,
		ModelUsed:    models.AttributionLinear,
		ComputedAt:   suiteBase,
	}
	result := func(tp string, credit float64, cents int64) models.AttributionResult {
		return models.AttributionResult{
			ConversionID: conv, TouchpointID: tp, CampaignID: campaign,
			CreditFraction: credit, RevenueCents: cents, ModelUsed: models.AttributionLinear,
			EpisodeID: "ep1", Channel: models.ChannelUTM, TouchedAt: suiteBase.Add(-time.Hour), ComputedAt: suiteBase,
		}
	}

	prev, err := r.ReplaceResults(ctx, status, []models.AttributionResult{result("t1", 0.5, 500), result("t2", 0.5, 500)})
	require.NoError(t, err)
	assert.Empty(t, prev)

	has, err = r.HasResults(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, has)

	status.ModelUsed = models.AttributionFirstTouch
	prev, err = r.ReplaceResults(ctx, status, []models.AttributionResult{result("t1", 1, 1000)})
	require.NoError(t, err)
	assert.Len(t, prev, 2)

	set, err := r.GetAttribution(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, models.AttributionFirstTouch, set.ModelUsed)
	require.Len(t, set.Results, 1)
	assert.Equal(t, int64(1000), set.Results[0].RevenueCents)

	_, err = r.GetAttribution(ctx, "missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, models.ErrNotFound))

	sets, err := r.ListAttributions(ctx, []string{conv, "missing-" + uuid.NewString()})
	require.NoError(t, err)
	assert.Len(t, sets, 1)
	assert.Contains(t, sets, conv)
}

func testMetricStore(t *testing.T, s MetricStore) {
	ctx := context.Background()
	key := models.MetricKey{Day: "2024-05-10", EpisodeID: "ep-" + uuid.NewString(), Source: "rss"}
	prefix := "test:" + key.EpisodeID + ":"
	inc := models.MetricIncrement{ContributionID: prefix + "a", Downloads: 10, Listeners: 4}

	err := s.UpdatePartition(ctx, key, func(p PartitionTx) error {
		changed, err := p.PutContribution(ctx, inc)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = p.PutContribution(ctx, inc)
		require.NoError(t, err)
		assert.False(t, changed, "identical contribution")

		return p.WriteRow(ctx, &models.DailyMetric{MetricKey: key, Downloads: 10, Listeners: 4, Contributions: 1})
	})
	require.NoError(t, err)

	row, err := s.GetDailyMetric(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, row.MetricKey)
	assert.Equal(t, int64(10), row.Downloads)

	t.Run("failed update commits nothing", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.UpdatePartition(ctx, key, func(p PartitionTx) error {
			_, err := p.PutContribution(ctx, models.MetricIncrement{ContributionID: prefix + "b", Downloads: 1})
			require.NoError(t, err)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		require.NoError(t, s.UpdatePartition(ctx, key, func(p PartitionTx) error {
			list, err := p.Contributions(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, inc.ContributionID, list[0].ContributionID)
			return nil
		}))
	})

	t.Run("partition lookups", func(t *testing.T) {
		keys, err := s.ListPartitions(ctx, key.Day)
		require.NoError(t, err)
		assert.Contains(t, keys, key)

		keys, err = s.FindContributionPartitions(ctx, prefix)
		require.NoError(t, err)
		assert.Equal(t, []models.MetricKey{key}, keys)

		rows, err := s.ListDailyMetrics(ctx, models.DailyMetricFilter{Day: key.Day, EpisodeID: key.EpisodeID})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("emptied partition disappears", func(t *testing.T) {
		require.NoError(t, s.UpdatePartition(ctx, key, func(p PartitionTx) error {
			n, err := p.DeleteContributions(ctx, prefix)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			return p.DeleteRow(ctx)
		}))

		_, err := s.GetDailyMetric(ctx, key)
		assert.True(t, errors.Is(err, models.ErrNotFound))

		keys, err := s.FindContributionPartitions(ctx, prefix)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

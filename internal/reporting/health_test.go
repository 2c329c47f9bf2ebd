package reporting

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

func TestTTFV(t *testing.T) {
	stores := storage.NewInMemoryStores()
	svc := NewHealthService(stores, storage.NewInMemoryOutcomeStore(time.Hour), time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, minutes := range []int{25, 5, 15, 10, 20} {
		user := fmt.Sprintf("u%d", i)
		require.NoError(t, svc.RecordSignup(ctx, user, base))
		require.NoError(t, svc.RecordFirstCampaign(ctx, user, base.Add(time.Duration(minutes)*time.Minute)))
	}
	require.NoError(t, svc.RecordSignup(ctx, "never-activated", base))
	assert.ErrorIs(t, svc.RecordFirstCampaign(ctx, "unknown", base), models.ErrNotFound)

	rep, err := svc.TTFV(ctx, base.AddDate(0, 0, -1), base.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Count)
	assert.Equal(t, 15.0, *rep.P50)
	assert.Equal(t, 15.0, *rep.Mean)
	assert.Equal(t, "minutes", rep.Unit)

	empty, err := svc.TTFV(ctx, base.AddDate(1, 0, 0), base.AddDate(1, 0, 1))
	require.NoError(t, err)
	assert.Nil(t, empty.P50)
	assert.Nil(t, empty.Mean)
}

func TestTTFV_EarliestFirstCampaignWins(t *testing.T) {
	stores := storage.NewInMemoryStores()
	svc := NewHealthService(stores, nil, time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, svc.RecordSignup(ctx, "u", base))
	require.NoError(t, svc.RecordFirstCampaign(ctx, "u", base.Add(30*time.Minute)))
	require.NoError(t, svc.RecordFirstCampaign(ctx, "u", base.Add(12*time.Minute)))
	require.NoError(t, svc.RecordFirstCampaign(ctx, "u", base.Add(50*time.Minute)))

	rep, err := svc.TTFV(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 12.0, *rep.P50)
}

func TestCompletion_SevenOfTen(t *testing.T) {
	stores := storage.NewInMemoryStores()
	svc := NewHealthService(stores, nil, time.Hour)
	ctx := context.Background()
	created := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, stores.Campaigns.Create(ctx, &models.Campaign{ID: id, CreatedAt: created}))
		if i < 7 {
			_, err := svc.RecordReport(ctx, id)
			require.NoError(t, err)
		}
	}
	_, err := svc.RecordReport(ctx, "c0")
	require.NoError(t, err)
	_, err = svc.RecordReport(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	rep, err := svc.Completion(ctx, created.AddDate(0, 0, -1), created.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.NotNil(t, rep.CompletionRate)
	assert.Equal(t, 70.0, *rep.CompletionRate)
	assert.True(t, *rep.CompletionRate >= 70.0)
	assert.Equal(t, int64(7), rep.CompletedCampaigns)
	assert.Equal(t, int64(10), rep.TotalCampaigns)

	none, err := svc.Completion(ctx, created.AddDate(1, 0, 0), created.AddDate(1, 0, 1))
	require.NoError(t, err)
	assert.Nil(t, none.CompletionRate)
}

func TestErrorRate(t *testing.T) {
	outcomes := storage.NewInMemoryOutcomeStore(time.Hour)
	svc := NewHealthService(storage.NewInMemoryStores(), outcomes, time.Hour)
	now := time.Date(2024, 4, 2, 12, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	record := func(cat models.RequestCategory, status int, ago time.Duration) {
		require.NoError(t, outcomes.Record(ctx, models.RequestOutcome{At: now.Add(-ago), Category: cat, Status: status}))
	}
	for i := 0; i < 45; i++ {
		record(models.CategoryIngest, http.StatusOK, time.Minute)
	}
	record(models.CategoryIngest, http.StatusBadRequest, 2*time.Minute)
	record(models.CategoryIngest, http.StatusInternalServerError, 2*time.Minute)
	record(models.CategoryReporting, http.StatusServiceUnavailable, 3*time.Minute)
	record(models.CategoryReporting, http.StatusBadGateway, 3*time.Minute)
	record(models.CategoryAttribution, http.StatusNotFound, 4*time.Minute)
	record(models.CategoryIngest, http.StatusInternalServerError, 40*time.Minute)

	rep, err := svc.ErrorRate(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(50), rep.TotalRequests)
	assert.Equal(t, int64(3), rep.FailedRequests)
	require.NotNil(t, rep.ErrorRate)
	assert.InDelta(t, 6.0, *rep.ErrorRate, 1e-12)
	assert.Equal(t, map[models.RequestCategory]int64{
		models.CategoryIngest:    1,
		models.CategoryReporting: 2,
	}, rep.ErrorBreakdown)

	_, err = svc.ErrorRate(ctx, 2*time.Hour)
	assert.True(t, models.IsValidation(err))
}

func TestErrorRate_NoTrafficIsNoData(t *testing.T) {
	svc := NewHealthService(storage.NewInMemoryStores(), storage.NewInMemoryOutcomeStore(time.Hour), time.Hour)
	rep, err := svc.ErrorRate(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, rep.ErrorRate)
	assert.Empty(t, rep.ErrorBreakdown)
}

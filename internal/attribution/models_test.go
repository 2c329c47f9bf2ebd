package attribution

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
)

func cfg(method models.AttributionMethod) models.AttributionConfig {
	return models.AttributionConfig{
		Method:            method,
		LookbackWindow:    models.Duration(30 * 24 * time.Hour),
		TimeDecayHalfLife: models.Duration(time.Hour),
	}
}

func TestCredits_ThreeTouches(t *testing.T) {
	t4 := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	touched := []time.Time{t4.Add(-3 * time.Hour), t4.Add(-2 * time.Hour), t4.Add(-time.Hour)}

	tests := []struct {
		method models.AttributionMethod
		want   []float64
	}{
		{models.AttributionFirstTouch, []float64{1, 0, 0}},
		{models.AttributionLastTouch, []float64{0, 0, 1}},
		{models.AttributionLinear, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}},
		{models.AttributionPositionBased, []float64{0.4, 0.2, 0.4}},
		{models.AttributionTimeDecay, []float64{0.25 / 1.75, 0.5 / 1.75, 1 / 1.75}},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			got, err := Credits(cfg(tt.method), touched, t4)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.InDeltaSlice(t, tt.want, got, 1e-12)
		})
	}
}

func TestCredits_PositionBased(t *testing.T) {
	now := time.Now()
	at := func(n int) []time.Time {
		out := make([]time.Time, n)
		for i := range out {
			out[i] = now.Add(time.Duration(i-n) * time.Minute)
		}
		return out
	}

	got, err := Credits(cfg(models.AttributionPositionBased), at(1), now)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1}, got, 1e-12)

	got, err = Credits(cfg(models.AttributionPositionBased), at(2), now)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, got, 1e-12)

	got, err = Credits(cfg(models.AttributionPositionBased), at(4), now)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.4, 0.1, 0.1, 0.4}, got, 1e-12)
}

func TestCredits_SumToOne(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	methods := []models.AttributionMethod{
		models.AttributionFirstTouch, models.AttributionLastTouch, models.AttributionLinear,
		models.AttributionTimeDecay, models.AttributionPositionBased,
	}
	for _, m := range methods {
		for n := 1; n <= 50; n++ {
			touched := make([]time.Time, n)
			for i := range touched {
				touched[i] = now.Add(-time.Duration((n-i)*(i+7)) * time.Minute)
			}
			sortTimes(touched)
			got, err := Credits(cfg(m), touched, now)
			require.NoError(t, err)
			var sum float64
			for _, c := range got {
				assert.GreaterOrEqual(t, c, 0.0)
				sum += c
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "%s with %d touches", m, n)
		}
	}
}

func TestCredits_TimeDecayLongWindowDoesNotUnderflow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := cfg(models.AttributionTimeDecay)
	c.TimeDecayHalfLife = models.Duration(time.Second)
	touched := []time.Time{now.Add(-90 * 24 * time.Hour), now.Add(-89 * 24 * time.Hour)}

	got, err := Credits(c, touched, now)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(got[0]) || math.IsNaN(got[1]))
	assert.InDelta(t, 1.0, got[0]+got[1], 1e-9)
	assert.InDelta(t, 1.0, got[1], 1e-9)
}

func TestCredits_ConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   models.AttributionConfig
		field string
	}{
		{"unknown method", models.AttributionConfig{Method: "u_shaped", LookbackWindow: models.Duration(time.Hour)}, "attribution_method"},
		{"zero lookback", models.AttributionConfig{Method: models.AttributionLinear}, "lookback_window"},
		{"negative lookback", models.AttributionConfig{Method: models.AttributionLinear, LookbackWindow: -1}, "lookback_window"},
		{"decay without half-life", models.AttributionConfig{Method: models.AttributionTimeDecay, LookbackWindow: models.Duration(time.Hour)}, "time_decay_half_life"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Credits(tt.cfg, []time.Time{time.Now()}, time.Now())
			var ce *models.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestAllocateCents(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		credits []float64
		want    []int64
	}{
		{"thirds", 100, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, []int64{34, 33, 33}},
		{"single", 4999, []float64{1}, []int64{4999}},
		{"zero credit gets nothing", 999, []float64{1, 0, 0}, []int64{999, 0, 0}},
		{"position based", 1001, []float64{0.4, 0.1, 0.1, 0.4}, []int64{401, 100, 100, 400}},
		{"zero total", 0, []float64{0.5, 0.5}, []int64{0, 0}},
		{"empty", 100, nil, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AllocateCents(tt.total, tt.credits)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllocateCents_AlwaysSumsToTotal(t *testing.T) {
	for n := 1; n <= 12; n++ {
		credits := make([]float64, n)
		for i := range credits {
			credits[i] = 1 / float64(n)
		}
		for _, total := range []int64{1, 7, 100, 12345, 999999} {
			var sum int64
			for _, p := range AllocateCents(total, credits) {
				assert.GreaterOrEqual(t, p, int64(0))
				sum += p
			}
			assert.Equal(t, total, sum, "n=%d total=%d", n, total)
		}
	}
}

func TestConvertingResult(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	res := func(id string, credit float64, touched time.Time) models.AttributionResult {
		return models.AttributionResult{TouchpointID: id, CreditFraction: credit, TouchedAt: touched}
	}

	assert.Equal(t, 2, convertingResult([]models.AttributionResult{
		res("a", 0.1, at), res("b", 0.2, at), res("c", 0.7, at),
	}))
	assert.Equal(t, 1, convertingResult([]models.AttributionResult{
		res("a", 0.4, at.Add(time.Hour)), res("b", 0.4, at), res("c", 0.2, at),
	}))
	assert.Equal(t, 1, convertingResult([]models.AttributionResult{
		res("z", 0.5, at), res("m", 0.5, at),
	}))
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Before(ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

// Package rollup maintains the DailyMetric rows as folds of their contribution ledger.
package rollup

import (
	"github.com/radiusdt/vector-attribution/internal/models"
)

// Merge adds inc into row. Counts are summed; rates are averaged weighted by
// their sample counts, so merging is never a plain overwrite.
func Merge(row *models.DailyMetric, inc models.MetricIncrement) {
	row.Downloads += inc.Downloads
	row.Listeners += inc.Listeners
	row.Conversions += inc.Conversions
	row.RevenueCents += inc.RevenueCents
	row.CompletionRate, row.CompletionWeight = mergeRate(row.CompletionRate, row.CompletionWeight, inc.CompletionRate, inc.CompletionWeight)
	row.CTR, row.CTRWeight = mergeRate(row.CTR, row.CTRWeight, inc.CTR, inc.CTRWeight)
	row.Contributions++
}

func mergeRate(rate float64, weight int64, in *float64, inWeight int64) (float64, int64) {
	if in == nil {
		return rate, weight
	}
	if inWeight <= 0 {
		inWeight = 1
	}
	total := weight + inWeight
	return (rate*float64(weight) + *in*float64(inWeight)) / float64(total), total
}

// Fold builds the row of key from its ledger. incs must be ordered by
// contribution id; the same ledger always folds to the same row.
func Fold(key models.MetricKey, incs []models.MetricIncrement) *models.DailyMetric {
	row := &models.DailyMetric{MetricKey: key}
	for _, inc := range incs {
		Merge(row, inc)
	}
	return row
}

package rollup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Aggregator applies metric contributions to DailyMetric rows. Every write
// stores the contribution in the partition's ledger and refolds the row in
// the same transaction.
type Aggregator struct {
	store   storage.MetricStore
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store storage.MetricStore, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, logger: logger, metrics: m}
}

// Upsert merges inc into the row of key. Repeating an identical contribution
// changes nothing and reports false.
func (a *Aggregator) Upsert(ctx context.Context, key models.MetricKey, inc models.MetricIncrement) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if err := inc.Validate(); err != nil {
		return false, err
	}

	var changed bool
	err := a.store.UpdatePartition(ctx, key, func(p storage.PartitionTx) error {
		var err error
		if changed, err = p.PutContribution(ctx, inc); err != nil || !changed {
			return err
		}
		return refold(ctx, key, p)
	})
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", key, err)
	}
	a.metrics.RecordRollupUpsert(changed)
	return changed, nil
}

// ReplaceContributions makes incs the complete set of contributions of key
// whose id starts with prefix. It reports false when that set was already
// stored.
func (a *Aggregator) ReplaceContributions(ctx context.Context, key models.MetricKey, prefix string, incs []models.MetricIncrement) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if prefix == "" {
		return false, models.NewValidationError("prefix", "is required")
	}
	want := make([]models.MetricIncrement, len(incs))
	copy(want, incs)
	for i := range want {
		if err := want[i].Validate(); err != nil {
			return false, err
		}
		if !strings.HasPrefix(want[i].ContributionID, prefix) {
			return false, models.NewValidationError("contribution_id", fmt.Sprintf("%q lacks prefix %q", want[i].ContributionID, prefix))
		}
	}
	sort.Slice(want, func(i, j int) bool { return want[i].ContributionID < want[j].ContributionID })

	var changed bool
	err := a.store.UpdatePartition(ctx, key, func(p storage.PartitionTx) error {
		current, err := p.Contributions(ctx)
		if err != nil {
			return err
		}
		if sameSet(withPrefix(current, prefix), want) {
			return nil
		}
		changed = true
		if _, err := p.DeleteContributions(ctx, prefix); err != nil {
			return err
		}
		for _, inc := range want {
			if _, err := p.PutContribution(ctx, inc); err != nil {
				return err
			}
		}
		return refold(ctx, key, p)
	})
	if err != nil {
		return false, fmt.Errorf("replace %s contributions in %s: %w", prefix, key, err)
	}
	a.metrics.RecordRollupUpsert(changed)
	return changed, nil
}

// ReplaceConversionContributions applies the contributions of one conversion
// across partitions. Partitions in keys that are absent from byKey lose the
// conversion's entries.
func (a *Aggregator) ReplaceConversionContributions(ctx context.Context, prefix string, keys []models.MetricKey, byKey map[models.MetricKey][]models.MetricIncrement) error {
	ordered := append([]models.MetricKey(nil), keys...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartitionKey() < ordered[j].PartitionKey() })
	for _, key := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.ReplaceContributions(ctx, key, prefix, byKey[key]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the row of key.
func (a *Aggregator) Get(ctx context.Context, key models.MetricKey) (*models.DailyMetric, error) {
	return a.store.GetDailyMetric(ctx, key)
}

// List returns the rows matching filter.
func (a *Aggregator) List(ctx context.Context, filter models.DailyMetricFilter) ([]*models.DailyMetric, error) {
	if filter.Day != "" {
		if _, err := models.ParseDay(filter.Day); err != nil {
			return nil, err
		}
	}
	return a.store.ListDailyMetrics(ctx, filter)
}

// refold rewrites the row of key from the ledger, or removes it when the
// ledger is empty.
func refold(ctx context.Context, key models.MetricKey, p storage.PartitionTx) error {
	incs, err := p.Contributions(ctx)
	if err != nil {
		return err
	}
	if len(incs) == 0 {
		return p.DeleteRow(ctx)
	}
	return p.WriteRow(ctx, Fold(key, incs))
}

func withPrefix(incs []models.MetricIncrement, prefix string) []models.MetricIncrement {
	var out []models.MetricIncrement
	for _, inc := range incs {
		if strings.HasPrefix(inc.ContributionID, prefix) {
			out = append(out, inc)
		}
	}
	return out
}

func sameSet(a, b []models.MetricIncrement) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameIncrement(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameIncrement(a, b models.MetricIncrement) bool {
	if a.ContributionID != b.ContributionID || a.Downloads != b.Downloads ||
		a.Listeners != b.Listeners || a.Conversions != b.Conversions ||
		a.RevenueCents != b.RevenueCents || a.CompletionWeight != b.CompletionWeight ||
		a.CTRWeight != b.CTRWeight {
		return false
	}
	return sameRate(a.CompletionRate, b.CompletionRate) && sameRate(a.CTR, b.CTR)
}

func sameRate(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

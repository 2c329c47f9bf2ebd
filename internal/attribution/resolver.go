package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/lock"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// ContributionPrefix is the ledger id prefix of every rollup contribution made
// on behalf of one conversion.
func ContributionPrefix(conversionID string) string {
	return "attr:" + conversionID + ":"
}

// Resolution is the outcome of one Resolve call.
type Resolution struct {
	Conversion *models.ConversionEvent
	Set        *models.AttributionSet
	// Previous holds the result rows the new set replaced.
	Previous []models.AttributionResult
	// ConvertingTouchpoint is the touchpoint credited with the conversion
	// count in rollups; empty when unattributed.
	ConvertingTouchpoint string
}

// Contributions groups the rollup increments of the current result set by
// partition.
func (r *Resolution) Contributions() map[models.MetricKey][]models.MetricIncrement {
	return Contributions(r.Conversion, r.Set.Results)
}

// Contributions derives the rollup increments of a stored result set. The
// conversion count goes to the result picked by convertingResult. Results
// without an episode have no partition and are skipped.
func Contributions(conv *models.ConversionEvent, results []models.AttributionResult) map[models.MetricKey][]models.MetricIncrement {
	out := make(map[models.MetricKey][]models.MetricIncrement)
	if len(results) == 0 {
		return out
	}
	top := convertingResult(results)
	day := models.DayOf(conv.OccurredAt)
	for i, res := range results {
		key, ok := partitionOf(day, res)
		if !ok {
			continue
		}
		inc := models.MetricIncrement{
			ContributionID: ContributionPrefix(conv.ID) + res.TouchpointID,
			RevenueCents:   res.RevenueCents,
		}
		if i == top {
			inc.Conversions = 1
		}
		out[key] = append(out[key], inc)
	}
	return out
}

// AffectedPartitions lists every partition touched by the new or the replaced
// result set, so stale contributions can be removed.
func (r *Resolution) AffectedPartitions() []models.MetricKey {
	day := models.DayOf(r.Conversion.OccurredAt)
	seen := make(map[models.MetricKey]bool)
	var keys []models.MetricKey
	for _, set := range [][]models.AttributionResult{r.Previous, r.Set.Results} {
		for _, res := range set {
			if key, ok := partitionOf(day, res); ok && !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func partitionOf(day string, res models.AttributionResult) (models.MetricKey, bool) {
	if res.EpisodeID == "" {
		return models.MetricKey{}, false
	}
	return models.MetricKey{Day: day, EpisodeID: res.EpisodeID, Source: string(res.Channel)}, true
}

// Resolver computes and stores the attribution of single conversions. It keeps
// no state between calls.
type Resolver struct {
	events    storage.EventStore
	campaigns storage.CampaignRepo
	results   storage.AttributionRepo
	locker    lock.Locker
	lockTTL   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewResolver creates a resolver over the given stores.
func NewResolver(stores *storage.Stores, locker lock.Locker, lockTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Resolver{
		events:    stores.Events,
		campaigns: stores.Campaigns,
		results:   stores.Attribution,
		locker:    locker,
		lockTTL:   lockTTL,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Resolve loads the conversion and its candidates, applies the campaign's
// model and replaces the stored result set. Resolutions of the same
// conversion never interleave.
func (r *Resolver) Resolve(ctx context.Context, conversionID string) (*Resolution, error) {
	unlock, err := r.acquire(ctx, "attr:"+conversionID)
	if err != nil {
		return nil, fmt.Errorf("lock conversion %s: %w", conversionID, err)
	}
	defer unlock()

	start := time.Now()
	conv, err := r.events.GetConversion(ctx, conversionID)
	if err != nil {
		return nil, fmt.Errorf("get conversion %s: %w", conversionID, err)
	}
	// Held until the results are stored, so a settings change cannot slip
	// between reading the model and committing its output.
	unlockSettings, err := r.acquire(ctx, settingsLockKey(conv.CampaignID))
	if err != nil {
		return nil, fmt.Errorf("lock settings of %s: %w", conv.CampaignID, err)
	}
	defer unlockSettings()

	campaign, err := r.campaigns.GetByID(ctx, conv.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", conv.CampaignID, err)
	}
	if err := campaign.AttributionConfig.Validate(); err != nil {
		var ce *models.ConfigError
		if errors.As(err, &ce) {
			ce.CampaignID = campaign.ID
		}
		r.metrics.RecordResolution(string(campaign.Method), "config_error", 0, time.Since(start))
		return nil, err
	}

	from := conv.OccurredAt.Add(-campaign.LookbackWindow.Std())
	candidates, err := r.events.ListCandidates(ctx, conv.CampaignID, conv.AttributionKey, from, conv.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("list candidates for %s: %w", conversionID, err)
	}

	res, err := r.compute(campaign, conv, candidates)
	if err != nil {
		return nil, err
	}
	res.Previous, err = r.results.ReplaceResults(ctx, &res.Set.ConversionAttribution, res.Set.Results)
	if err != nil {
		return nil, fmt.Errorf("replace results for %s: %w", conversionID, err)
	}

	r.metrics.RecordResolution(string(campaign.Method), string(res.Set.Status), len(candidates), time.Since(start))
	r.logger.Debug("conversion resolved",
		zap.String("conversion_id", conversionID),
		zap.String("campaign_id", campaign.ID),
		zap.String("model", string(campaign.Method)),
		zap.String("status", string(res.Set.Status)),
		zap.Int("candidates", len(candidates)),
	)
	return res, nil
}

func settingsLockKey(campaignID string) string {
	return "attr-settings:" + campaignID
}

// acquire takes key and returns its release. Release failures are logged; the
// lock expires on its own.
func (r *Resolver) acquire(ctx context.Context, key string) (func(), error) {
	release, err := r.locker.Acquire(ctx, key, r.lockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (r *Resolver) compute(campaign *models.Campaign, conv *models.ConversionEvent, candidates []*models.TouchpointEvent) (*Resolution, error) {
	computedAt := r.now().UTC()
	res := &Resolution{
		Conversion: conv,
		Set: &models.AttributionSet{
			ConversionAttribution: models.ConversionAttribution{
				ConversionID: conv.ID,
				CampaignID:   conv.CampaignID,
				Status:       models.StatusUnattributed,
				ModelUsed:    campaign.Method,
				ComputedAt:   computedAt,
			},
		},
	}
	if len(candidates) == 0 {
		return res, nil
	}

	touched := make([]time.Time, len(candidates))
	for i, tp := range candidates {
		touched[i] = tp.OccurredAt
	}
	credits, err := Credits(campaign.AttributionConfig, touched, conv.OccurredAt)
	if err != nil {
		return nil, err
	}
	value, _ := conv.Value(campaign.RevenueBasis)
	cents := AllocateCents(value, credits)

	res.Set.Status = models.StatusAttributed
	for i, tp := range candidates {
		if credits[i] == 0 {
			continue
		}
		res.Set.Results = append(res.Set.Results, models.AttributionResult{
			ConversionID:   conv.ID,
			TouchpointID:   tp.ID,
			CampaignID:     conv.CampaignID,
			CreditFraction: credits[i],
			RevenueCents:   cents[i],
			ModelUsed:      campaign.Method,
			EpisodeID:      tp.EpisodeID,
			Channel:        tp.Channel,
			TouchedAt:      tp.OccurredAt,
			ComputedAt:     computedAt,
		})
	}
	res.ConvertingTouchpoint = res.Set.Results[convertingResult(res.Set.Results)].TouchpointID
	return res, nil
}

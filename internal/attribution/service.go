package attribution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Sink receives every resolution the service performs, so derived data such
// as rollup contributions can follow the new result set.
type Sink interface {
	Resolved(ctx context.Context, res *Resolution) error
}

// RecomputeSummary reports a campaign-wide re-resolution.
type RecomputeSummary struct {
	CampaignID   string `json:"campaign_id"`
	Conversions  int    `json:"conversions"`
	Attributed   int    `json:"attributed"`
	Unattributed int    `json:"unattributed"`
}

// Service owns campaign attribution settings and explicit recomputation.
type Service struct {
	campaigns storage.CampaignRepo
	events    storage.EventStore
	results   storage.AttributionRepo
	resolver  *Resolver
	sink      Sink
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates an attribution service. sink may be nil.
func NewService(stores *storage.Stores, resolver *Resolver, sink Sink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		campaigns: stores.Campaigns,
		events:    stores.Events,
		results:   stores.Attribution,
		resolver:  resolver,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateCampaign validates and stores a new campaign. Revenue basis defaults to gross.
func (s *Service) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.RevenueBasis == "" {
		c.RevenueBasis = models.RevenueGross
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return s.campaigns.Create(ctx, c)
}

// GetCampaign returns a campaign by ID.
func (s *Service) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	return s.campaigns.GetByID(ctx, id)
}

// GetAttribution returns the stored attribution of a conversion.
func (s *Service) GetAttribution(ctx context.Context, conversionID string) (*models.AttributionSet, error) {
	return s.results.GetAttribution(ctx, conversionID)
}

// UpdateAttributionConfig changes a campaign's attribution settings. Once any
// result exists the change is refused with ErrAttributionLocked unless
// recompute is set, in which case every conversion is re-resolved under the
// new settings.
func (s *Service) UpdateAttributionConfig(ctx context.Context, campaignID string, cfg models.AttributionConfig, recompute bool) (*RecomputeSummary, error) {
	if err := cfg.Validate(); err != nil {
		err.(*models.ConfigError).CampaignID = campaignID
		return nil, err
	}
	if _, err := s.campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	if err := s.replaceSettings(ctx, campaignID, cfg, recompute); err != nil {
		return nil, err
	}
	s.logger.Info("attribution settings changed",
		zap.String("campaign_id", campaignID),
		zap.String("method", string(cfg.Method)),
		zap.Duration("lookback_window", cfg.LookbackWindow.Std()),
		zap.Bool("recompute", recompute),
	)
	if !recompute {
		return nil, nil
	}
	return s.RecomputeCampaign(ctx, campaignID)
}

// replaceSettings checks for results and writes cfg while holding the lock
// every resolution of the campaign takes, so no result can be committed in
// between.
func (s *Service) replaceSettings(ctx context.Context, campaignID string, cfg models.AttributionConfig, recompute bool) error {
	unlock, err := s.resolver.acquire(ctx, settingsLockKey(campaignID))
	if err != nil {
		return fmt.Errorf("lock settings of %s: %w", campaignID, err)
	}
	defer unlock()

	has, err := s.results.HasResults(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("check results of %s: %w", campaignID, err)
	}
	if has && !recompute {
		return fmt.Errorf("campaign %s: %w", campaignID, models.ErrAttributionLocked)
	}
	if err := s.campaigns.UpdateAttributionConfig(ctx, campaignID, cfg, s.now().UTC()); err != nil {
		return fmt.Errorf("update attribution config of %s: %w", campaignID, err)
	}
	return nil
}

// RecomputeCampaign re-resolves every conversion of a campaign. It stops
// between conversions when ctx is cancelled; each finished conversion keeps
// its new result set.
func (s *Service) RecomputeCampaign(ctx context.Context, campaignID string) (*RecomputeSummary, error) {
	if _, err := s.campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	convs, err := s.events.ListConversions(ctx, storage.ConversionFilter{CampaignID: campaignID})
	if err != nil {
		return nil, fmt.Errorf("list conversions of %s: %w", campaignID, err)
	}

	summary := &RecomputeSummary{CampaignID: campaignID}
	for _, c := range convs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res, err := s.resolver.Resolve(ctx, c.ID)
		if err != nil {
			return summary, err
		}
		if s.sink != nil {
			if err := s.sink.Resolved(ctx, res); err != nil {
				return summary, fmt.Errorf("forward resolution of %s: %w", c.ID, err)
			}
		}
		summary.Conversions++
		if res.Set.Status == models.StatusAttributed {
			summary.Attributed++
		} else {
			summary.Unattributed++
		}
	}
	s.logger.Info("campaign recomputed",
		zap.String("campaign_id", campaignID),
		zap.Int("conversions", summary.Conversions),
		zap.Int("attributed", summary.Attributed),
	)
	return summary, nil
}

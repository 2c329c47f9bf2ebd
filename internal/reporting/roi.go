package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// CampaignROI is the performance of a campaign over a date range.
type CampaignROI struct {
	CampaignID             string              `json:"campaign_id"`
	StartDate              time.Time           `json:"start_date"`
	EndDate                time.Time           `json:"end_date"`
	ToDate                 bool                `json:"to_date"`
	RevenueBasis           models.RevenueBasis `json:"revenue_basis"`
	AttributedRevenueCents int64               `json:"attributed_revenue_cents"`
	CampaignValueCents     int64               `json:"campaign_value_cents"`
	ROI                    float64             `json:"roi"`

	Conversions                int64    `json:"conversions"`
	AttributedConversions      int64    `json:"attributed_conversions"`
	UnattributedConversions    int64    `json:"unattributed_conversions"`
	PendingConversions         int64    `json:"pending_conversions"`
	MissingNetValueConversions int64    `json:"missing_net_value_conversions"`
	Touchpoints                int64    `json:"touchpoints"`
	ConversionRate             *float64 `json:"conversion_rate"`
}

// ROIService computes campaign ROI from attribution results.
type ROIService struct {
	campaigns   storage.CampaignRepo
	events      storage.EventStore
	attribution storage.AttributionRepo
	now         func() time.Time
}

// NewROIService creates an ROI calculator.
func NewROIService(stores *storage.Stores) *ROIService {
	return &ROIService{
		campaigns:   stores.Campaigns,
		events:      stores.Events,
		attribution: stores.Attribution,
		now:         time.Now,
	}
}

// CampaignROI reports conversions in [start, end). Zero bounds default to the
// campaign's own dates, the end date counting as a full day. A range reaching past now is cut at now and marked
// to-date; nothing is projected.
func (s *ROIService) CampaignROI(ctx context.Context, campaignID string, start, end time.Time) (*CampaignROI, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.CampaignValueCents <= 0 {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, models.ErrInvalidCampaignValue)
	}

	now := s.now().UTC()
	if start.IsZero() {
		start = c.StartDate
	}
	if end.IsZero() {
		end = c.EndDate.UTC()
		// A date-only end covers that whole day, as an explicit end does.
		if !end.IsZero() && end.Equal(end.Truncate(24*time.Hour)) {
			end = end.AddDate(0, 0, 1)
		}
	}
	toDate := false
	if end.IsZero() || end.After(now) {
		end = now
		toDate = true
	}
	if end.Before(start) {
		return nil, models.NewValidationError("end", "must not be before start")
	}

	out := &CampaignROI{
		CampaignID:         c.ID,
		StartDate:          start,
		EndDate:            end,
		ToDate:             toDate,
		RevenueBasis:       c.RevenueBasis,
		CampaignValueCents: c.CampaignValueCents,
	}

	convs, err := s.events.ListConversions(ctx, storage.ConversionFilter{CampaignID: c.ID, From: start, To: end})
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	ids := make([]string, len(convs))
	for i, conv := range convs {
		ids[i] = conv.ID
	}
	sets, err := s.attribution.ListAttributions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list attributions: %w", err)
	}

	for _, conv := range convs {
		out.Conversions++
		set, ok := sets[conv.ID]
		switch {
		case !ok:
			out.PendingConversions++
			continue
		case set.Status != models.StatusAttributed:
			out.UnattributedConversions++
			continue
		}
		out.AttributedConversions++
		if _, ok := conv.Value(c.RevenueBasis); !ok {
			out.MissingNetValueConversions++
			continue
		}
		for _, r := range set.Results {
			out.AttributedRevenueCents += r.RevenueCents
		}
	}

	out.Touchpoints, err = s.events.CountTouchpoints(ctx, c.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("count touchpoints: %w", err)
	}
	if out.Touchpoints > 0 {
		rate := float64(out.Conversions) / float64(out.Touchpoints)
		out.ConversionRate = &rate
	}
	out.ROI = float64(out.AttributedRevenueCents-c.CampaignValueCents) / float64(c.CampaignValueCents)
	return out, nil
}

package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// TTFVReport is the time-to-first-value distribution in minutes.
type TTFVReport struct {
	Distribution
	Unit      string    `json:"unit"`
	StartDate time.Time `json:"start_date,omitempty"`
	EndDate   time.Time `json:"end_date,omitempty"`
}

// CompletionReport is the share of campaigns with at least one report.
type CompletionReport struct {
	CompletionRate     *float64  `json:"completion_rate"`
	CompletedCampaigns int64     `json:"completed_campaigns"`
	TotalCampaigns     int64     `json:"total_campaigns"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
}

// ErrorRateReport is the share of failed requests over a rolling window.
type ErrorRateReport struct {
	ErrorRate      *float64                         `json:"error_rate"`
	FailedRequests int64                            `json:"failed_requests"`
	TotalRequests  int64                            `json:"total_requests"`
	ErrorBreakdown map[models.RequestCategory]int64 `json:"error_breakdown"`
	Window         string                           `json:"window"`
	From           time.Time                        `json:"from"`
	To             time.Time                        `json:"to"`
}

// HealthService computes platform health figures from raw samples.
type HealthService struct {
	activity  storage.ActivityRepo
	reports   storage.ReportRepo
	outcomes  storage.RequestOutcomeStore
	maxWindow time.Duration
	now       func() time.Time
}

// NewHealthService creates a health metrics engine. maxWindow bounds the
// error-rate window callers may ask for.
func NewHealthService(stores *storage.Stores, outcomes storage.RequestOutcomeStore, maxWindow time.Duration) *HealthService {
	return &HealthService{
		activity:  stores.Activity,
		reports:   stores.Reports,
		outcomes:  outcomes,
		maxWindow: maxWindow,
		now:       time.Now,
	}
}

// RecordSignup stores a sign-up sample.
func (s *HealthService) RecordSignup(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return models.NewValidationError("user_id", "is required")
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	return s.activity.RecordSignup(ctx, userID, at)
}

// RecordFirstCampaign stores a first-campaign sample; only the earliest counts.
func (s *HealthService) RecordFirstCampaign(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return models.NewValidationError("user_id", "is required")
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	return s.activity.RecordFirstCampaign(ctx, userID, at)
}

// RecordReport marks that a report was generated for a campaign.
func (s *HealthService) RecordReport(ctx context.Context, campaignID string) (*models.CampaignReport, error) {
	rep := &models.CampaignReport{
		ReportID:    uuid.NewString(),
		CampaignID:  campaignID,
		GeneratedAt: s.now().UTC(),
	}
	if err := s.reports.SaveReport(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// TTFV summarizes minutes from sign-up to first campaign for users who signed
// up in [from, to). Users who never created a campaign are not samples.
func (s *HealthService) TTFV(ctx context.Context, from, to time.Time) (*TTFVReport, error) {
	users, err := s.activity.ListActivations(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	samples := make([]float64, 0, len(users))
	for _, u := range users {
		if d, ok := u.TTFV(); ok {
			samples = append(samples, d.Minutes())
		}
	}
	return &TTFVReport{
		Distribution: Summarize(samples),
		Unit:         "minutes",
		StartDate:    from,
		EndDate:      to,
	}, nil
}

// Completion reports completed/total×100 over campaigns created in [from, to).
func (s *HealthService) Completion(ctx context.Context, from, to time.Time) (*CompletionReport, error) {
	if !to.After(from) {
		return nil, models.NewValidationError("end", "must be after start")
	}
	completed, total, err := s.reports.CompletionCounts(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("completion counts: %w", err)
	}
	return &CompletionReport{
		CompletionRate:     percent(completed, total),
		CompletedCampaigns: completed,
		TotalCampaigns:     total,
		StartDate:          from,
		EndDate:            to,
	}, nil
}

// ErrorRate reports failed/total×100 over the window ending now.
func (s *HealthService) ErrorRate(ctx context.Context, window time.Duration) (*ErrorRateReport, error) {
	if window <= 0 || (s.maxWindow > 0 && window > s.maxWindow) {
		return nil, models.NewValidationError("window", fmt.Sprintf("must be within (0, %s]", s.maxWindow))
	}
	to := s.now().UTC()
	from := to.Add(-window)
	totals, err := s.outcomes.Totals(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("request totals: %w", err)
	}
	breakdown := totals.FailedByCategory
	if breakdown == nil {
		breakdown = map[models.RequestCategory]int64{}
	}
	return &ErrorRateReport{
		ErrorRate:      percent(totals.Failed, totals.Total),
		FailedRequests: totals.Failed,
		TotalRequests:  totals.Total,
		ErrorBreakdown: breakdown,
		Window:         window.String(),
		From:           from,
		To:             to,
	}, nil
}

// percent multiplies before dividing so exact ratios such as 7/10 give 70.
func percent(part, total int64) *float64 {
	if total == 0 {
		return nil
	}
	v := float64(part) * 100 / float64(total)
	return &v
}

package storage

import (
	"context"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// =============================================
// EVENT STORE
// =============================================

// EventStore holds the append-only touchpoint and conversion facts.
type EventStore interface {
	// SaveTouchpoint inserts tp unless its source_system_id is already stored.
	// On a duplicate it returns false and fills tp.ID and tp.Seq from the stored row.
	SaveTouchpoint(ctx context.Context, tp *models.TouchpointEvent) (bool, error)
	// SaveConversion behaves like SaveTouchpoint for conversions.
	SaveConversion(ctx context.Context, c *models.ConversionEvent) (bool, error)

	GetConversion(ctx context.Context, id string) (*models.ConversionEvent, error)
	ListConversions(ctx context.Context, filter ConversionFilter) ([]*models.ConversionEvent, error)

	// ListCandidates returns touchpoints of a campaign sharing attributionKey with
	// occurred_at in the closed range [from, to], ordered by occurred_at then seq.
	ListCandidates(ctx context.Context, campaignID, attributionKey string, from, to time.Time) ([]*models.TouchpointEvent, error)
	// CountTouchpoints counts campaign touchpoints with occurred_at in [from, to).
	CountTouchpoints(ctx context.Context, campaignID string, from, to time.Time) (int64, error)
}

// ConversionFilter selects conversions. Zero times leave that side open;
// the range is [From, To).
type ConversionFilter struct {
	CampaignID string
	From       time.Time
	To         time.Time
}

// =============================================
// CAMPAIGN REPOSITORY
// =============================================

// CampaignRepo defines operations for campaign storage.
type CampaignRepo interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	UpdateAttributionConfig(ctx context.Context, id string, cfg models.AttributionConfig, at time.Time) error
	// ListCreatedBetween returns campaigns with created_at in [from, to).
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*models.Campaign, error)
}

// =============================================
// ATTRIBUTION REPOSITORY
// =============================================

// AttributionRepo stores derived attribution results.
type AttributionRepo interface {
	// ReplaceResults atomically swaps the stored status and result rows of one
	// conversion and returns the rows it replaced.
	ReplaceResults(ctx context.Context, status *models.ConversionAttribution, results []models.AttributionResult) ([]models.AttributionResult, error)
	GetAttribution(ctx context.Context, conversionID string) (*models.AttributionSet, error)
	// ListAttributions returns the stored sets of the given conversions keyed by
	// conversion id. Conversions never resolved are absent.
	ListAttributions(ctx context.Context, conversionIDs []string) (map[string]*models.AttributionSet, error)
	HasResults(ctx context.Context, campaignID string) (bool, error)
}

// =============================================
// METRIC STORE
// =============================================

// MetricStore holds the contribution ledger and the DailyMetric rows folded from it.
type MetricStore interface {
	// UpdatePartition runs fn with exclusive access to one partition. Everything
	// fn writes is committed together or not at all.
	UpdatePartition(ctx context.Context, key models.MetricKey, fn func(p PartitionTx) error) error

	GetDailyMetric(ctx context.Context, key models.MetricKey) (*models.DailyMetric, error)
	ListDailyMetrics(ctx context.Context, filter models.DailyMetricFilter) ([]*models.DailyMetric, error)

	// ListPartitions returns every key of day holding a row or a contribution.
	ListPartitions(ctx context.Context, day string) ([]models.MetricKey, error)
	// FindContributionPartitions returns keys holding contributions whose id starts with prefix.
	FindContributionPartitions(ctx context.Context, prefix string) ([]models.MetricKey, error)
}

// PartitionTx is the view of one partition inside UpdatePartition.
type PartitionTx interface {
	// Contributions returns the ledger ordered by contribution id.
	Contributions(ctx context.Context) ([]models.MetricIncrement, error)
	// PutContribution stores inc, replacing any entry with the same id. It
	// reports whether the ledger changed.
	PutContribution(ctx context.Context, inc models.MetricIncrement) (bool, error)
	DeleteContributions(ctx context.Context, prefix string) (int64, error)
	WriteRow(ctx context.Context, m *models.DailyMetric) error
	DeleteRow(ctx context.Context) error
}

// =============================================
// HEALTH SAMPLES
// =============================================

// ActivityRepo stores sign-up and first-campaign timestamps.
type ActivityRepo interface {
	RecordSignup(ctx context.Context, userID string, at time.Time) error
	// RecordFirstCampaign keeps the earliest timestamp seen for the user.
	RecordFirstCampaign(ctx context.Context, userID string, at time.Time) error
	// ListActivations returns users who signed up in [from, to).
	ListActivations(ctx context.Context, from, to time.Time) ([]*models.UserActivation, error)
}

// ReportRepo stores generated campaign reports.
type ReportRepo interface {
	SaveReport(ctx context.Context, r *models.CampaignReport) error
	// CompletionCounts counts campaigns created in [from, to) and how many of
	// them have at least one report.
	CompletionCounts(ctx context.Context, from, to time.Time) (completed, total int64, err error)
}

// RequestOutcomeStore keeps served-request samples for the error rate.
type RequestOutcomeStore interface {
	Record(ctx context.Context, o models.RequestOutcome) error
	// Totals aggregates outcomes with At in [from, to).
	Totals(ctx context.Context, from, to time.Time) (*models.OutcomeTotals, error)
}

// =============================================
// DEDUP INDEX
// =============================================

// DedupIndex is a fast pre-check in front of the event store's unique key.
type DedupIndex interface {
	Lookup(ctx context.Context, kind, sourceSystemID string) (id string, found bool, err error)
	Mark(ctx context.Context, kind, sourceSystemID, id string) error
}

// =============================================
// EVENT ARCHIVE
// =============================================

// EventArchive is a write-only analytical copy of accepted events.
type EventArchive interface {
	InsertTouchpoints(ctx context.Context, tps []*models.TouchpointEvent) error
	InsertConversions(ctx context.Context, cs []*models.ConversionEvent) error
}

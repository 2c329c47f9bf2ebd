package models

import "time"

// AttributionStatus is the outcome of resolving one conversion.
type AttributionStatus string

const (
	StatusAttributed   AttributionStatus = "attributed"
	StatusUnattributed AttributionStatus = "unattributed"
)

// AttributionResult is the credit one touchpoint received for one conversion.
// Rows for a conversion are always replaced as a set.
type AttributionResult struct {
	ConversionID   string            `json:"conversion_id"`
	TouchpointID   string            `json:"touchpoint_id"`
	CampaignID     string            `json:"campaign_id"`
	CreditFraction float64           `json:"credit_fraction"`
	RevenueCents   int64             `json:"revenue_cents"`
	ModelUsed      AttributionMethod `json:"model_used"`
	EpisodeID      string            `json:"episode_id,omitempty"`
	Channel        Channel           `json:"channel"`
	TouchedAt      time.Time         `json:"touched_at"`
	ComputedAt     time.Time         `json:"computed_at"`
}

// ConversionAttribution records whether a conversion found any candidates.
type ConversionAttribution struct {
	ConversionID string            `json:"conversion_id"`
	CampaignID   string            `json:"campaign_id"`
	Status       AttributionStatus `json:"status"`
	ModelUsed    AttributionMethod `json:"model_used"`
	ComputedAt   time.Time         `json:"computed_at"`
}

// AttributionSet is the full stored attribution of a conversion.
type AttributionSet struct {
	ConversionAttribution
	Results []AttributionResult `json:"results"`
}

package models

import (
	"fmt"
	"math"
	"strings"
)

// MetricKey identifies one DailyMetric row.
type MetricKey struct {
	Day       string `json:"day"`
	EpisodeID string `json:"episode_id"`
	Source    string `json:"source"`
}

// PartitionKey is the queue partition for work on this row.
func (k MetricKey) PartitionKey() string {
	return k.Day + "|" + k.EpisodeID + "|" + k.Source
}

func (k MetricKey) String() string { return k.PartitionKey() }

// Validate checks the key fields.
func (k MetricKey) Validate() error {
	if _, err := ParseDay(k.Day); err != nil {
		return err
	}
	if strings.TrimSpace(k.EpisodeID) == "" {
		return NewValidationError("episode_id", "is required")
	}
	if strings.TrimSpace(k.Source) == "" {
		return NewValidationError("source", "is required")
	}
	return nil
}

// MetricIncrement is one partial contribution to a DailyMetric row. Rates are
// optional and carry their own sample weight.
type MetricIncrement struct {
	ContributionID string `json:"contribution_id"`

	Downloads    int64 `json:"downloads"`
	Listeners    int64 `json:"listeners"`
	Conversions  int64 `json:"conversions"`
	RevenueCents int64 `json:"revenue_cents"`

	CompletionRate   *float64 `json:"completion_rate,omitempty"`
	CompletionWeight int64    `json:"completion_weight,omitempty"`
	CTR              *float64 `json:"ctr,omitempty"`
	CTRWeight        int64    `json:"ctr_weight,omitempty"`
}

// Validate checks the increment.
func (i *MetricIncrement) Validate() error {
	if i.ContributionID == "" {
		return NewValidationError("contribution_id", "is required")
	}
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"downloads", i.Downloads},
		{"listeners", i.Listeners},
		{"conversions", i.Conversions},
		{"revenue_cents", i.RevenueCents},
		{"completion_weight", i.CompletionWeight},
		{"ctr_weight", i.CTRWeight},
	} {
		if f.v < 0 {
			return NewValidationError(f.name, "must not be negative")
		}
	}
	if err := checkRate("completion_rate", i.CompletionRate); err != nil {
		return err
	}
	return checkRate("ctr", i.CTR)
}

func checkRate(field string, v *float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 || *v > 1 {
		return NewValidationError(field, fmt.Sprintf("%v is outside [0,1]", *v))
	}
	return nil
}

// Contribution is a ledger entry: an increment filed under its partition.
type Contribution struct {
	MetricKey
	MetricIncrement
}

// DailyMetric is the aggregated row for (day, episode_id, source). It is the
// deterministic fold of the partition's contributions.
type DailyMetric struct {
	MetricKey

	Downloads    int64 `json:"downloads"`
	Listeners    int64 `json:"listeners"`
	Conversions  int64 `json:"conversions"`
	RevenueCents int64 `json:"revenue_cents"`

	CompletionRate   float64 `json:"completion_rate"`
	CompletionWeight int64   `json:"completion_weight"`
	CTR              float64 `json:"ctr"`
	CTRWeight        int64   `json:"ctr_weight"`

	Contributions int `json:"contributions"`
}

// DailyMetricFilter selects rows for listing.
type DailyMetricFilter struct {
	Day       string
	EpisodeID string
	Source    string
}

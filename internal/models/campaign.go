package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type AttributionMethod string

const (
	AttributionFirstTouch    AttributionMethod = "first_touch"
	AttributionLastTouch     AttributionMethod = "last_touch"
	AttributionLinear        AttributionMethod = "linear"
	AttributionTimeDecay     AttributionMethod = "time_decay"
	AttributionPositionBased AttributionMethod = "position_based"
)

// Valid reports whether m is one of the supported attribution models.
func (m AttributionMethod) Valid() bool {
	switch m {
	case AttributionFirstTouch, AttributionLastTouch, AttributionLinear,
		AttributionTimeDecay, AttributionPositionBased:
		return true
	}
	return false
}

// RevenueBasis selects which conversion value is attributed.
type RevenueBasis string

const (
	RevenueGross RevenueBasis = "gross"
	RevenueNet   RevenueBasis = "net"
)

// Duration is a time.Duration that travels as a Go duration string ("720h")
// or as a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*d = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AttributionConfig is the per-campaign attribution policy. Lookback window and
// time-decay half-life have no defaults and must be set explicitly.
type AttributionConfig struct {
	Method            AttributionMethod `json:"attribution_method"`
	LookbackWindow    Duration          `json:"lookback_window"`
	TimeDecayHalfLife Duration          `json:"time_decay_half_life,omitempty"`
}

// Validate returns a *ConfigError describing the first problem found.
func (c AttributionConfig) Validate() error {
	if !c.Method.Valid() {
		return &ConfigError{Field: "attribution_method", Message: fmt.Sprintf("unknown method %q", c.Method)}
	}
	if c.LookbackWindow <= 0 {
		return &ConfigError{Field: "lookback_window", Message: "must be positive"}
	}
	if c.Method == AttributionTimeDecay && c.TimeDecayHalfLife <= 0 {
		return &ConfigError{Field: "time_decay_half_life", Message: "must be positive for time_decay"}
	}
	return nil
}

// Campaign is a sponsor campaign running on a podcast.
type Campaign struct {
	ID                 string       `json:"campaign_id"`
	PodcastID          string       `json:"podcast_id"`
	SponsorID          string       `json:"sponsor_id"`
	StartDate          time.Time    `json:"start_date"`
	EndDate            time.Time    `json:"end_date"`
	CampaignValueCents int64        `json:"campaign_value_cents"`
	RevenueBasis       RevenueBasis `json:"revenue_basis"`

	AttributionConfig

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the campaign definition. Attribution policy problems are
// returned as *ConfigError, everything else as *ValidationError.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return NewValidationError("campaign_id", "is required")
	}
	if c.PodcastID == "" {
		return NewValidationError("podcast_id", "is required")
	}
	if c.SponsorID == "" {
		return NewValidationError("sponsor_id", "is required")
	}
	if c.StartDate.IsZero() {
		return NewValidationError("start_date", "is required")
	}
	if !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return NewValidationError("end_date", "must not be before start_date")
	}
	if c.CampaignValueCents < 0 {
		return NewValidationError("campaign_value_cents", "must not be negative")
	}
	switch c.RevenueBasis {
	case RevenueGross, RevenueNet:
	default:
		return NewValidationError("revenue_basis", "must be gross or net")
	}
	if err := c.AttributionConfig.Validate(); err != nil {
		err.(*ConfigError).CampaignID = c.ID
		return err
	}
	return nil
}

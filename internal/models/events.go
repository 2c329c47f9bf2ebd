package models

import (
	"fmt"
	"strings"
	"time"
)

// ===========================================
// CHANNELS
// ===========================================

type Channel string

const (
	ChannelPromoCode Channel = "promo_code"
	ChannelPixel     Channel = "pixel"
	ChannelUTM       Channel = "utm"
	ChannelCustom    Channel = "custom"
)

// ParseChannel maps a declared channel tag to a Channel. Unknown tags are
// rejected rather than guessed.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelPromoCode, ChannelPixel, ChannelUTM, ChannelCustom:
		return c, nil
	}
	return "", NewValidationError("channel", fmt.Sprintf("unknown channel %q", s))
}

// ===========================================
// TOUCHPOINT EVENT
// ===========================================

// TouchpointEvent is a tracked interaction tied to a campaign. Immutable once stored.
type TouchpointEvent struct {
	ID             string    `json:"id"`
	CampaignID     string    `json:"campaign_id"`
	PodcastID      string    `json:"podcast_id,omitempty"`
	EpisodeID      string    `json:"episode_id,omitempty"`
	Channel        Channel   `json:"channel"`
	AttributionKey string    `json:"attribution_key"`
	OccurredAt     time.Time `json:"occurred_at"`
	SourceSystemID string    `json:"source_system_id"`

	GeoCountry string `json:"geo_country,omitempty"`

	// Seq is the store-assigned insertion order.
	Seq        int64     `json:"seq"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Validate checks required touchpoint fields.
func (t *TouchpointEvent) Validate() error {
	if t.CampaignID == "" {
		return NewValidationError("campaign_id", "is required")
	}
	if t.OccurredAt.IsZero() {
		return NewValidationError("occurred_at", "is required")
	}
	if t.AttributionKey == "" {
		return NewValidationError("attribution_key", "is required")
	}
	if t.SourceSystemID == "" {
		return NewValidationError("source_system_id", "is required")
	}
	return nil
}

// ===========================================
// CONVERSION EVENT
// ===========================================

// ConversionEvent is a credited outcome tied to a campaign. Immutable once stored.
type ConversionEvent struct {
	ID             string    `json:"id"`
	CampaignID     string    `json:"campaign_id"`
	AttributionKey string    `json:"attribution_key"`
	OccurredAt     time.Time `json:"occurred_at"`
	ValueCents     int64     `json:"value_cents"`
	NetValueCents  *int64    `json:"net_value_cents,omitempty"`
	SourceSystemID string    `json:"source_system_id"`
	IngestedAt     time.Time `json:"ingested_at"`
}

// Validate checks required conversion fields.
func (c *ConversionEvent) Validate() error {
	if c.CampaignID == "" {
		return NewValidationError("campaign_id", "is required")
	}
	if c.AttributionKey == "" {
		return NewValidationError("attribution_key", "is required")
	}
	if c.OccurredAt.IsZero() {
		return NewValidationError("occurred_at", "is required")
	}
	if c.ValueCents < 0 {
		return NewValidationError("value_cents", "must not be negative")
	}
	if c.NetValueCents != nil && *c.NetValueCents < 0 {
		return NewValidationError("net_value_cents", "must not be negative")
	}
	if c.SourceSystemID == "" {
		return NewValidationError("source_system_id", "is required")
	}
	return nil
}

// Value returns the conversion value under basis. The second result is false
// when the net value was requested but never reported.
func (c *ConversionEvent) Value(basis RevenueBasis) (int64, bool) {
	if basis == RevenueNet {
		if c.NetValueCents == nil {
			return 0, false
		}
		return *c.NetValueCents, true
	}
	return c.ValueCents, true
}

// DayLayout is the canonical partition day format.
const DayLayout = "2006-01-02"

// DayOf returns the UTC partition day of t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD day as midnight UTC.
func ParseDay(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DayLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, NewValidationError("day", fmt.Sprintf("%q is not YYYY-MM-DD", s))
	}
	return d, nil
}

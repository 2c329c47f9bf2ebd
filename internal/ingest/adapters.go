package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// TouchpointAdapter turns one raw payload of a declared channel into a
// canonical touchpoint.
type TouchpointAdapter interface {
	Channel() models.Channel
	Normalize(raw json.RawMessage) (*models.TouchpointEvent, error)
}

// Adapters is the closed set of touchpoint channels.
var Adapters = map[models.Channel]TouchpointAdapter{
	models.ChannelPromoCode: promoCodeAdapter{},
	models.ChannelPixel:     pixelAdapter{},
	models.ChannelUTM:       utmAdapter{},
	models.ChannelCustom:    customAdapter{},
}

// AdapterFor returns the adapter of a declared channel tag.
func AdapterFor(channel string) (TouchpointAdapter, error) {
	c, err := models.ParseChannel(channel)
	if err != nil {
		return nil, err
	}
	return Adapters[c], nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		if te, ok := err.(*json.UnmarshalTypeError); ok && te.Field != "" {
			if te.Type == timestampType {
				return models.NewValidationError(te.Field, "is not a valid timestamp")
			}
			return models.NewValidationError(te.Field, "has the wrong type")
		}
		return models.NewValidationError("payload", err.Error())
	}
	return nil
}

// naturalKey derives a stable source id for payloads that carry none.
func naturalKey(prefix string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return prefix + ":" + hex.EncodeToString(h[:16])
}

// withFieldNames reports validation errors under the payload's own field names.
func withFieldNames(err error, names map[string]string) error {
	ve, ok := err.(*models.ValidationError)
	if !ok {
		return err
	}
	if name, ok := names[ve.Field]; ok {
		return models.NewValidationError(name, ve.Message)
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// =============================================
// PROMO CODE
// =============================================

type promoCodePayload struct {
	CampaignID   string    `json:"campaign_id"`
	PodcastID    string    `json:"podcast_id"`
	EpisodeID    string    `json:"episode_id"`
	PromoCode    string    `json:"promo_code"`
	CustomerID   string    `json:"customer_id"`
	OrderID      string    `json:"order_id"`
	RedemptionID string    `json:"redemption_id"`
	RedeemedAt   Timestamp `json:"redeemed_at"`
}

type promoCodeAdapter struct{}

func (promoCodeAdapter) Channel() models.Channel { return models.ChannelPromoCode }

// Normalize keys promo redemptions by customer so they can match conversions
// reported for the same customer.
func (promoCodeAdapter) Normalize(raw json.RawMessage) (*models.TouchpointEvent, error) {
	var p promoCodePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.PromoCode) == "" {
		return nil, models.NewValidationError("promo_code", "is required")
	}
	tp := &models.TouchpointEvent{
		CampaignID:     strings.TrimSpace(p.CampaignID),
		PodcastID:      p.PodcastID,
		EpisodeID:      p.EpisodeID,
		Channel:        models.ChannelPromoCode,
		AttributionKey: strings.TrimSpace(p.CustomerID),
		OccurredAt:     p.RedeemedAt.Time,
		SourceSystemID: firstNonEmpty(p.RedemptionID, p.OrderID),
	}
	if tp.SourceSystemID == "" {
		tp.SourceSystemID = naturalKey("promo", p.PromoCode, p.CustomerID, p.RedeemedAt.String())
	} else {
		tp.SourceSystemID = "promo:" + tp.SourceSystemID
	}
	if err := tp.Validate(); err != nil {
		return nil, withFieldNames(err, map[string]string{
			"attribution_key": "customer_id",
			"occurred_at":     "redeemed_at",
		})
	}
	return tp, nil
}

// =============================================
// PIXEL
// =============================================

// PixelHit is a tracking pixel request.
type PixelHit struct {
	CampaignID string    `json:"cid"`
	PodcastID  string    `json:"pid"`
	EpisodeID  string    `json:"eid"`
	VisitorID  string    `json:"vid"`
	HitID      string    `json:"hid"`
	Timestamp  Timestamp `json:"ts"`
	IP         string    `json:"ip"`
}

// PixelHitFromQuery reads a pixel hit from query parameters.
func PixelHitFromQuery(q url.Values) (PixelHit, error) {
	hit := PixelHit{
		CampaignID: q.Get("cid"),
		PodcastID:  q.Get("pid"),
		EpisodeID:  q.Get("eid"),
		VisitorID:  q.Get("vid"),
		HitID:      q.Get("hid"),
		IP:         q.Get("ip"),
	}
	if ts := q.Get("ts"); ts != "" {
		v, err := parseTimestamp(ts)
		if err != nil {
			return hit, models.NewValidationError("ts", err.Error())
		}
		hit.Timestamp.Time = v
	}
	return hit, nil
}

type pixelAdapter struct{}

func (pixelAdapter) Channel() models.Channel { return models.ChannelPixel }

func (pixelAdapter) Normalize(raw json.RawMessage) (*models.TouchpointEvent, error) {
	var hit PixelHit
	if err := decode(raw, &hit); err != nil {
		return nil, err
	}
	return NormalizePixel(hit)
}

// NormalizePixel converts a pixel hit. A hit without an id is keyed by its content.
func NormalizePixel(hit PixelHit) (*models.TouchpointEvent, error) {
	tp := &models.TouchpointEvent{
		CampaignID:     strings.TrimSpace(hit.CampaignID),
		PodcastID:      hit.PodcastID,
		EpisodeID:      hit.EpisodeID,
		Channel:        models.ChannelPixel,
		AttributionKey: strings.TrimSpace(hit.VisitorID),
		OccurredAt:     hit.Timestamp.Time,
	}
	if hit.HitID != "" {
		tp.SourceSystemID = "pixel:" + hit.HitID
	} else {
		tp.SourceSystemID = naturalKey("pixel", hit.CampaignID, hit.EpisodeID, hit.VisitorID,
			strconv.FormatInt(hit.Timestamp.UnixNano(), 10))
	}
	if err := tp.Validate(); err != nil {
		return nil, withFieldNames(err, map[string]string{
			"campaign_id":     "cid",
			"attribution_key": "vid",
			"occurred_at":     "ts",
		})
	}
	return tp, nil
}

// =============================================
// UTM
// =============================================

type utmPayload struct {
	UTMCampaign string    `json:"utm_campaign"`
	UTMSource   string    `json:"utm_source"`
	UTMMedium   string    `json:"utm_medium"`
	UTMContent  string    `json:"utm_content"`
	PodcastID   string    `json:"podcast_id"`
	VisitorID   string    `json:"visitor_id"`
	ClickID     string    `json:"click_id"`
	EventID     string    `json:"event_id"`
	LandedAt    Timestamp `json:"landed_at"`
}

type utmAdapter struct{}

func (utmAdapter) Channel() models.Channel { return models.ChannelUTM }

// Normalize maps utm_campaign to the campaign and utm_content to the episode.
func (utmAdapter) Normalize(raw json.RawMessage) (*models.TouchpointEvent, error) {
	var p utmPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	tp := &models.TouchpointEvent{
		CampaignID:     strings.TrimSpace(p.UTMCampaign),
		PodcastID:      p.PodcastID,
		EpisodeID:      p.UTMContent,
		Channel:        models.ChannelUTM,
		AttributionKey: firstNonEmpty(p.VisitorID, p.ClickID),
		OccurredAt:     p.LandedAt.Time,
	}
	if id := firstNonEmpty(p.EventID, p.ClickID); id != "" {
		tp.SourceSystemID = "utm:" + id
	} else {
		tp.SourceSystemID = naturalKey("utm", p.UTMCampaign, p.UTMSource, p.UTMMedium, p.UTMContent,
			tp.AttributionKey, p.LandedAt.String())
	}
	if err := tp.Validate(); err != nil {
		return nil, withFieldNames(err, map[string]string{
			"campaign_id":     "utm_campaign",
			"attribution_key": "visitor_id",
			"occurred_at":     "landed_at",
		})
	}
	return tp, nil
}

// =============================================
// CUSTOM
// =============================================

type customPayload struct {
	CampaignID     string    `json:"campaign_id"`
	PodcastID      string    `json:"podcast_id"`
	EpisodeID      string    `json:"episode_id"`
	AttributionKey string    `json:"attribution_key"`
	OccurredAt     Timestamp `json:"occurred_at"`
	SourceSystemID string    `json:"source_system_id"`
}

type customAdapter struct{}

func (customAdapter) Channel() models.Channel { return models.ChannelCustom }

// Normalize accepts payloads already in canonical shape.
func (customAdapter) Normalize(raw json.RawMessage) (*models.TouchpointEvent, error) {
	var p customPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	tp := &models.TouchpointEvent{
		CampaignID:     strings.TrimSpace(p.CampaignID),
		PodcastID:      p.PodcastID,
		EpisodeID:      p.EpisodeID,
		Channel:        models.ChannelCustom,
		AttributionKey: strings.TrimSpace(p.AttributionKey),
		OccurredAt:     p.OccurredAt.Time,
		SourceSystemID: strings.TrimSpace(p.SourceSystemID),
	}
	if tp.SourceSystemID != "" {
		tp.SourceSystemID = "custom:" + tp.SourceSystemID
	}
	if err := tp.Validate(); err != nil {
		return nil, err
	}
	return tp, nil
}

// =============================================
// CONVERSION
// =============================================

type conversionPayload struct {
	CampaignID     string    `json:"campaign_id"`
	AttributionKey string    `json:"attribution_key"`
	OccurredAt     Timestamp `json:"occurred_at"`
	ValueCents     *int64    `json:"value_cents"`
	NetValueCents  *int64    `json:"net_value_cents"`
	SourceSystemID string    `json:"source_system_id"`
}

// NormalizeConversion converts a raw conversion payload.
func NormalizeConversion(raw json.RawMessage) (*models.ConversionEvent, error) {
	var p conversionPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ValueCents == nil {
		return nil, models.NewValidationError("value_cents", "is required")
	}
	c := &models.ConversionEvent{
		CampaignID:     strings.TrimSpace(p.CampaignID),
		AttributionKey: strings.TrimSpace(p.AttributionKey),
		OccurredAt:     p.OccurredAt.Time,
		ValueCents:     *p.ValueCents,
		NetValueCents:  p.NetValueCents,
		SourceSystemID: strings.TrimSpace(p.SourceSystemID),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

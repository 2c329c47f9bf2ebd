package models

import "time"

// UserActivation records when a user signed up and first created a campaign.
type UserActivation struct {
	UserID          string     `json:"user_id"`
	SignedUpAt      time.Time  `json:"signed_up_at"`
	FirstCampaignAt *time.Time `json:"first_campaign_at,omitempty"`
}

// TTFV returns time to first value, or false if the user has not activated.
func (u *UserActivation) TTFV() (time.Duration, bool) {
	if u.FirstCampaignAt == nil {
		return 0, false
	}
	d := u.FirstCampaignAt.Sub(u.SignedUpAt)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// CampaignReport marks that a report was generated for a campaign.
type CampaignReport struct {
	ReportID    string    `json:"report_id"`
	CampaignID  string    `json:"campaign_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// RequestCategory groups API routes for error-rate breakdown.
type RequestCategory string

const (
	CategoryIngest      RequestCategory = "ingest"
	CategoryAttribution RequestCategory = "attribution"
	CategoryReporting   RequestCategory = "reporting"
	CategoryHealth      RequestCategory = "health"
	CategoryAdmin       RequestCategory = "admin"
	CategoryOther       RequestCategory = "other"
)

// RequestOutcome is one served API request.
type RequestOutcome struct {
	At       time.Time
	Category RequestCategory
	Status   int
}

// Failed reports whether the request counts against the error rate.
func (o RequestOutcome) Failed() bool { return o.Status >= 500 }

// OutcomeTotals is the aggregate of outcomes over a window.
type OutcomeTotals struct {
	Total            int64
	Failed           int64
	FailedByCategory map[RequestCategory]int64
}

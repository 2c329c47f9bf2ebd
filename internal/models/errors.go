package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAttributionLocked is returned when a campaign's attribution settings are
	// changed after results exist without asking for a recompute.
	ErrAttributionLocked = errors.New("attribution settings are locked once results exist")

	// ErrInvalidCampaignValue means ROI is undefined for the campaign.
	ErrInvalidCampaignValue = errors.New("campaign_value_cents must be positive")
)

// ValidationError reports a single offending field of an input record.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConfigError is a fatal campaign configuration problem surfaced at resolution time.
type ConfigError struct {
	CampaignID string
	Field      string
	Message    string
}

func (e *ConfigError) Error() string {
	if e.CampaignID == "" {
		return fmt.Sprintf("campaign config: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("campaign %s config: %s: %s", e.CampaignID, e.Field, e.Message)
}

// IsValidation reports whether err is caused by bad caller input.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ce *ConfigError
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.Is(err, ErrInvalidCampaignValue)
}

package analytics

import "errors"

// Sentinel errors for the analytics service layer.
var (
	ErrNotFound        = errors.New("campaign analytics not found")
	ErrEmptyCampaignID = errors.New("campaign id is required")
)

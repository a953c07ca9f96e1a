package domain

import "time"

// UnsubscribeRecord is the opt-out of one address from one campaign.
// (Email, CampaignID) is unique.
type UnsubscribeRecord struct {
	ID         string    `json:"id" db:"id"`
	Email      string    `json:"email" db:"email"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	TrackingID string    `json:"tracking_id,omitempty" db:"tracking_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Campaign is the slice of the external campaign record this service reads.
type Campaign struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

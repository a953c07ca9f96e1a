package unsubscribe

import (
	"context"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/service/events"
)

// Repository stores unsubscribe records.
type Repository interface {
	// Unsubscribe inserts rec unless (email, campaign_id) already exists. When
	// it inserts, evt is appended to the event ledger in the same atomic step.
	// created reports whether the record is new.
	Unsubscribe(ctx context.Context, rec *domain.UnsubscribeRecord, evt *domain.EngagementEvent) (created bool, err error)

	// IsUnsubscribed reports whether email opted out of campaignID.
	IsUnsubscribed(ctx context.Context, email, campaignID string) (bool, error)
}

// CampaignDirectory resolves campaign display names for the confirmation
// page. It is owned by the campaign management system.
type CampaignDirectory interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
}

// SendFinder locates the sent event of a recipient so the unsubscribe event
// can carry its tracking id.
type SendFinder interface {
	Query(ctx context.Context, f events.Filter) ([]domain.EngagementEvent, error)
}

// Refresher triggers an analytics refresh for a campaign.
type Refresher interface {
	RefreshCampaign(ctx context.Context, campaignID string) error
}

package analytics

import (
	"context"

	"github.com/ignite/engagement-tracker/internal/domain"
)

// ComputeFunc turns a campaign's full event set into its analytics row.
type ComputeFunc func(evts []domain.EngagementEvent) domain.CampaignAnalytics

// Repository defines the storage contract for campaign analytics.
type Repository interface {
	// Recompute loads every event of campaignID, applies fn and stores the
	// result, all while holding a lock that admits one writer per campaign.
	// UpdatedAt only changes when the stored counters change. It returns the
	// row as stored.
	Recompute(ctx context.Context, campaignID string, fn ComputeFunc) (*domain.CampaignAnalytics, error)

	// Get returns the stored row or ErrNotFound.
	Get(ctx context.Context, campaignID string) (*domain.CampaignAnalytics, error)
}

package events

import (
	"context"
	"time"

	"github.com/ignite/engagement-tracker/internal/domain"
)

// Repository defines the data access contract for engagement events.
type Repository interface {
	// Append stores e, assigning ID and CreatedAt when they are zero, and
	// returns the event id. A second sent event for the same tracking id
	// returns ErrDuplicateSent.
	Append(ctx context.Context, e *domain.EngagementEvent) (string, error)

	// FindSent returns the sent event for trackingID or ErrNotFound.
	FindSent(ctx context.Context, trackingID string) (*domain.EngagementEvent, error)

	// Query returns events matching f ordered by created_at, id.
	Query(ctx context.Context, f Filter) ([]domain.EngagementEvent, error)

	// ActiveCampaigns returns the distinct campaigns that received events
	// created at or after since.
	ActiveCampaigns(ctx context.Context, since time.Time) ([]string, error)
}

// Filter narrows Query. Zero fields do not filter. Until is exclusive.
type Filter struct {
	TrackingID     string
	CampaignID     string
	RecipientEmail string
	Types          []domain.EventType
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Match reports whether e satisfies f, ignoring Limit. In-memory backends
// use it so their semantics stay identical to the SQL ones.
func (f Filter) Match(e *domain.EngagementEvent) bool {
	if f.TrackingID != "" && e.TrackingID != f.TrackingID {
		return false
	}
	if f.CampaignID != "" && e.CampaignID != f.CampaignID {
		return false
	}
	if f.RecipientEmail != "" && domain.NormalizeEmail(e.RecipientEmail) != domain.NormalizeEmail(f.RecipientEmail) {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.EventType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

package domain

import (
	"fmt"
	"time"
)

// CampaignAnalytics is the derived per-campaign engagement summary. It is a
// materialized view over EngagementEvent and can be rebuilt at any time.
type CampaignAnalytics struct {
	CampaignID         string     `json:"campaign_id" db:"campaign_id"`
	SentCount          int        `json:"sent_count" db:"sent_count"`
	DeliveredCount     int        `json:"delivered_count" db:"delivered_count"`
	OpenedCount        int        `json:"opened_count" db:"opened_count"`
	UniqueOpenedCount  int        `json:"unique_opened_count" db:"unique_opened_count"`
	ClickedCount       int        `json:"clicked_count" db:"clicked_count"`
	UniqueClickedCount int        `json:"unique_clicked_count" db:"unique_clicked_count"`
	BouncedCount       int        `json:"bounced_count" db:"bounced_count"`
	ComplainedCount    int        `json:"complained_count" db:"complained_count"`
	UnsubscribedCount  int        `json:"unsubscribed_count" db:"unsubscribed_count"`
	LastEventAt        *time.Time `json:"last_event_at" db:"last_event_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// SameCounters reports whether a and b hold identical counters and
// last_event_at, ignoring UpdatedAt.
func (a *CampaignAnalytics) SameCounters(b *CampaignAnalytics) bool {
	if a.CampaignID != b.CampaignID ||
		a.SentCount != b.SentCount ||
		a.DeliveredCount != b.DeliveredCount ||
		a.OpenedCount != b.OpenedCount ||
		a.UniqueOpenedCount != b.UniqueOpenedCount ||
		a.ClickedCount != b.ClickedCount ||
		a.UniqueClickedCount != b.UniqueClickedCount ||
		a.BouncedCount != b.BouncedCount ||
		a.ComplainedCount != b.ComplainedCount ||
		a.UnsubscribedCount != b.UnsubscribedCount {
		return false
	}
	switch {
	case a.LastEventAt == nil && b.LastEventAt == nil:
		return true
	case a.LastEventAt == nil || b.LastEventAt == nil:
		return false
	default:
		return a.LastEventAt.Equal(*b.LastEventAt)
	}
}

// Validate checks the unique <= total invariants.
func (a *CampaignAnalytics) Validate() error {
	if a.UniqueOpenedCount > a.OpenedCount {
		return fmt.Errorf("unique_opened_count %d exceeds opened_count %d", a.UniqueOpenedCount, a.OpenedCount)
	}
	if a.UniqueClickedCount > a.ClickedCount {
		return fmt.Errorf("unique_clicked_count %d exceeds clicked_count %d", a.UniqueClickedCount, a.ClickedCount)
	}
	return nil
}

// OpenRate returns unique opens per sent message as a percentage.
func (a *CampaignAnalytics) OpenRate() float64 {
	if a.SentCount == 0 {
		return 0
	}
	return float64(a.UniqueOpenedCount) / float64(a.SentCount) * 100
}

// ClickRate returns unique clicks per sent message as a percentage.
func (a *CampaignAnalytics) ClickRate() float64 {
	if a.SentCount == 0 {
		return 0
	}
	return float64(a.UniqueClickedCount) / float64(a.SentCount) * 100
}

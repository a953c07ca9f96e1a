package analytics

import (
	"time"

	"github.com/ignite/engagement-tracker/internal/domain"
)

// Aggregate computes the analytics row for campaignID from evts. It is a pure
// function of the event multiset: input order does not matter and repeated
// events for the same recipient raise totals but never uniques. Events whose
// CampaignID differs from campaignID are ignored. UpdatedAt is left zero for
// the repository to manage.
func Aggregate(campaignID string, evts []domain.EngagementEvent) domain.CampaignAnalytics {
	a := domain.CampaignAnalytics{CampaignID: campaignID}
	openers := make(map[string]struct{})
	clickers := make(map[string]struct{})
	var last time.Time

	for i := range evts {
		e := &evts[i]
		if e.CampaignID != campaignID {
			continue
		}
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
		switch {
		case e.EventType == domain.EventSent:
			a.SentCount++
		case e.EventType == domain.EventDelivered:
			a.DeliveredCount++
		case e.EventType.IsOpen():
			a.OpenedCount++
			openers[e.UniqueKey()] = struct{}{}
		case e.EventType == domain.EventClicked:
			a.ClickedCount++
			clickers[e.UniqueKey()] = struct{}{}
		case e.EventType == domain.EventBounced:
			a.BouncedCount++
		case e.EventType == domain.EventComplained:
			a.ComplainedCount++
		case e.EventType == domain.EventUnsubscribed:
			a.UnsubscribedCount++
		}
	}

	a.UniqueOpenedCount = len(openers)
	a.UniqueClickedCount = len(clickers)
	if !last.IsZero() {
		t := last.UTC()
		a.LastEventAt = &t
	}
	return a
}

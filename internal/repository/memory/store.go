// Package memory provides mutex-guarded in-process implementations of the
// event, analytics and unsubscribe repositories. It backs storage.type
// "memory" for local development and the end-to-end handler tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
	"github.com/ignite/engagement-tracker/internal/service/unsubscribe"
)

// Store holds every table in memory. The zero value is not usable; call New.
type Store struct {
	mu        sync.RWMutex
	events    []domain.EngagementEvent
	appended  []time.Time    // parallel to events
	sentIndex map[string]int // tracking id -> index into events
	rows      map[string]domain.CampaignAnalytics
	unsubs    map[string]domain.UnsubscribeRecord
	campaigns map[string]domain.Campaign

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sentIndex: make(map[string]int),
		rows:      make(map[string]domain.CampaignAnalytics),
		unsubs:    make(map[string]domain.UnsubscribeRecord),
		campaigns: make(map[string]domain.Campaign),
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// Append implements events.Repository.
func (s *Store) Append(_ context.Context, e *domain.EngagementEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Store) appendLocked(e *domain.EngagementEvent) (string, error) {
	if e.EventType == domain.EventSent {
		if _, ok := s.sentIndex[e.TrackingID]; ok {
			return "", events.ErrDuplicateSent
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	s.events = append(s.events, *e)
	s.appended = append(s.appended, s.now().UTC())
	if e.EventType == domain.EventSent {
		s.sentIndex[e.TrackingID] = len(s.events) - 1
	}
	return e.ID, nil
}

// FindSent implements events.Repository.
func (s *Store) FindSent(_ context.Context, trackingID string) (*domain.EngagementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.sentIndex[trackingID]
	if !ok {
		return nil, events.ErrNotFound
	}
	e := s.events[i]
	return &e, nil
}

// Query implements events.Repository.
func (s *Store) Query(_ context.Context, f events.Filter) ([]domain.EngagementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(f), nil
}

func (s *Store) queryLocked(f events.Filter) []domain.EngagementEvent {
	var out []domain.EngagementEvent
	for i := range s.events {
		if f.Match(&s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ActiveCampaigns implements events.Repository. Activity is judged by append
// time, not CreatedAt, so late-arriving events are still picked up.
func (s *Store) ActiveCampaigns(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for i, e := range s.events {
		if s.appended[i].Before(since) || e.CampaignID == "" {
			continue
		}
		if _, ok := seen[e.CampaignID]; !ok {
			seen[e.CampaignID] = struct{}{}
			out = append(out, e.CampaignID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) campaignLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Recompute implements analytics.Repository with one mutex per campaign.
func (s *Store) Recompute(_ context.Context, campaignID string, fn analytics.ComputeFunc) (*domain.CampaignAnalytics, error) {
	l := s.campaignLock(campaignID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	scan := s.queryLocked(events.Filter{CampaignID: campaignID})
	s.mu.RUnlock()

	next := fn(scan)
	next.CampaignID = campaignID

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rows[campaignID]; ok && prev.SameCounters(&next) {
		return &prev, nil
	}
	next.UpdatedAt = s.now().UTC()
	s.rows[campaignID] = next
	return &next, nil
}

// Get implements analytics.Repository.
func (s *Store) Get(_ context.Context, campaignID string) (*domain.CampaignAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[campaignID]
	if !ok {
		return nil, analytics.ErrNotFound
	}
	return &row, nil
}

// List returns every analytics row ordered by campaign id.
func (s *Store) List(_ context.Context) ([]domain.CampaignAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CampaignAnalytics, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

func unsubKey(email, campaignID string) string {
	return domain.NormalizeEmail(email) + "\x00" + campaignID
}

// Unsubscribe implements unsubscribe.Repository.
func (s *Store) Unsubscribe(_ context.Context, rec *domain.UnsubscribeRecord, evt *domain.EngagementEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := unsubKey(rec.Email, rec.CampaignID)
	if _, ok := s.unsubs[k]; ok {
		return false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if evt != nil {
		if _, err := s.appendLocked(evt); err != nil {
			return false, err
		}
	}
	s.unsubs[k] = *rec
	return true, nil
}

// IsUnsubscribed implements unsubscribe.Repository.
func (s *Store) IsUnsubscribed(_ context.Context, email, campaignID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unsubs[unsubKey(email, campaignID)]
	return ok, nil
}

// UnsubscribeCount returns the number of stored unsubscribe records.
func (s *Store) UnsubscribeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.unsubs)
}

// PutCampaign registers a campaign for GetCampaign.
func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

// GetCampaign implements unsubscribe.CampaignDirectory.
func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[strings.TrimSpace(id)]
	if !ok {
		return nil, unsubscribe.ErrCampaignNotFound
	}
	return &c, nil
}

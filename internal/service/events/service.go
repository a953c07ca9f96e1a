package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/engagement-tracker/internal/domain"
)

// Service validates and records engagement events. It is safe for concurrent
// use.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an event service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SendRequest registers one outbound message.
type SendRequest struct {
	CampaignID string
	Email      string
	ContactID  string
	TrackingID string // optional; minted when empty
	At         time.Time
}

// RecordSent appends the sent event that anchors a tracking id and returns it.
func (s *Service) RecordSent(ctx context.Context, req SendRequest) (*domain.EngagementEvent, error) {
	campaignID := strings.TrimSpace(req.CampaignID)
	email := domain.NormalizeEmail(req.Email)
	if campaignID == "" || email == "" {
		return nil, fmt.Errorf("%w: campaign_id and email are required", ErrInvalidEvent)
	}
	trackingID := strings.TrimSpace(req.TrackingID)
	if trackingID == "" {
		trackingID = uuid.New().String()
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	e := &domain.EngagementEvent{
		TrackingID:     trackingID,
		CampaignID:     campaignID,
		RecipientEmail: email,
		ContactID:      req.ContactID,
		EventType:      domain.EventSent,
		CreatedAt:      at.UTC(),
	}
	if _, err := s.repo.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("record sent %s: %w", trackingID, err)
	}
	return e, nil
}

// FindSent resolves a tracking id to its sent event.
func (s *Service) FindSent(ctx context.Context, trackingID string) (*domain.EngagementEvent, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, ErrNotFound
	}
	return s.repo.FindSent(ctx, trackingID)
}

// RecordFollowUp appends an event of type t for the send identified by sent.
// Campaign, recipient and contact are copied from sent so later events can
// never disagree with the send they belong to. A zero at means now.
func (s *Service) RecordFollowUp(ctx context.Context, sent *domain.EngagementEvent, t domain.EventType, data domain.EventData, at time.Time) (*domain.EngagementEvent, error) {
	if sent == nil || sent.EventType != domain.EventSent {
		return nil, fmt.Errorf("%w: follow-up requires the sent event", ErrInvalidEvent)
	}
	if !t.Valid() || t == domain.EventSent {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidEvent, t)
	}
	if at.IsZero() {
		at = s.now()
	}

	e := &domain.EngagementEvent{
		TrackingID:     sent.TrackingID,
		CampaignID:     sent.CampaignID,
		RecipientEmail: sent.RecipientEmail,
		ContactID:      sent.ContactID,
		EventType:      t,
		Data:           data,
		CreatedAt:      at.UTC(),
	}
	if _, err := s.repo.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("record %s for %s: %w", t, sent.TrackingID, err)
	}
	return e, nil
}

// RecordByTrackingID resolves trackingID and appends an event of type t.
// Unknown ids return ErrNotFound.
func (s *Service) RecordByTrackingID(ctx context.Context, trackingID string, t domain.EventType, data domain.EventData, at time.Time) (*domain.EngagementEvent, error) {
	sent, err := s.FindSent(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	return s.RecordFollowUp(ctx, sent, t, data, at)
}

// OpenHistory returns the prior opens recorded for trackingID.
func (s *Service) OpenHistory(ctx context.Context, trackingID string) ([]domain.EngagementEvent, error) {
	return s.repo.Query(ctx, Filter{
		TrackingID: trackingID,
		Types:      []domain.EventType{domain.EventOpened},
	})
}

// Query passes f through to the repository.
func (s *Service) Query(ctx context.Context, f Filter) ([]domain.EngagementEvent, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidEvent)
	}
	return s.repo.Query(ctx, f)
}

// IsNotFound reports whether err is a tracking id lookup miss.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

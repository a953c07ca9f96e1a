package unsubscribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
	"github.com/ignite/engagement-tracker/internal/service/events"
	tokens "github.com/ignite/engagement-tracker/internal/unsubscribe"
)

// DefaultCampaignName is shown when the campaign cannot be resolved.
const DefaultCampaignName = "this mailing list"

// Request carries the unsubscribe link parameters.
type Request struct {
	Token      string
	Email      string
	CampaignID string
}

// Result describes a successful opt-out.
type Result struct {
	Email               string
	CampaignID          string
	CampaignName        string
	AlreadyUnsubscribed bool
}

// Service validates unsubscribe links and records opt-outs.
type Service struct {
	repo      Repository
	codec     *tokens.Codec
	campaigns CampaignDirectory // optional
	sends     SendFinder        // optional
	refresher Refresher         // optional
	now       func() time.Time
}

// NewService creates the unsubscribe service. campaigns, sends and refresher
// may be nil.
func NewService(repo Repository, codec *tokens.Codec, campaigns CampaignDirectory, sends SendFinder, refresher Refresher) *Service {
	return &Service{
		repo:      repo,
		codec:     codec,
		campaigns: campaigns,
		sends:     sends,
		refresher: refresher,
		now:       time.Now,
	}
}

// Unsubscribe validates req and records the opt-out. Token failures are
// returned as the codec's TokenError; repository failures are wrapped.
// A refresh failure is logged but does not fail the opt-out.
func (s *Service) Unsubscribe(ctx context.Context, req Request) (*Result, error) {
	email := domain.NormalizeEmail(req.Email)
	campaignID := strings.TrimSpace(req.CampaignID)
	if strings.TrimSpace(req.Token) == "" || email == "" || campaignID == "" {
		return nil, ErrMissingParams
	}

	now := s.now()
	if _, err := s.codec.Validate(req.Token, email, campaignID, now); err != nil {
		return nil, err
	}

	trackingID := s.findTrackingID(ctx, email, campaignID)
	rec := &domain.UnsubscribeRecord{
		ID:         uuid.New().String(),
		Email:      email,
		CampaignID: campaignID,
		TrackingID: trackingID,
		CreatedAt:  now.UTC(),
	}
	evt := &domain.EngagementEvent{
		TrackingID:     trackingID,
		CampaignID:     campaignID,
		RecipientEmail: email,
		EventType:      domain.EventUnsubscribed,
		Data:           domain.EventData{Source: "unsubscribe_link"},
		CreatedAt:      now.UTC(),
	}

	created, err := s.repo.Unsubscribe(ctx, rec, evt)
	if err != nil {
		return nil, fmt.Errorf("record unsubscribe: %w", err)
	}

	if created && s.refresher != nil {
		if err := s.refresher.RefreshCampaign(ctx, campaignID); err != nil {
			logger.Warn("analytics refresh after unsubscribe failed", "campaign_id", campaignID, "error", err.Error())
		}
	}

	logger.Info("unsubscribe recorded", "email", email, "campaign_id", campaignID, "new", created)
	return &Result{
		Email:               email,
		CampaignID:          campaignID,
		CampaignName:        s.CampaignName(ctx, campaignID),
		AlreadyUnsubscribed: !created,
	}, nil
}

// CampaignName resolves the display name of campaignID, falling back to
// DefaultCampaignName.
func (s *Service) CampaignName(ctx context.Context, campaignID string) string {
	if s.campaigns == nil || campaignID == "" {
		return DefaultCampaignName
	}
	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil || c == nil || strings.TrimSpace(c.Name) == "" {
		return DefaultCampaignName
	}
	return c.Name
}

// IsUnsubscribed reports whether email opted out of campaignID.
func (s *Service) IsUnsubscribed(ctx context.Context, email, campaignID string) (bool, error) {
	return s.repo.IsUnsubscribed(ctx, domain.NormalizeEmail(email), strings.TrimSpace(campaignID))
}

func (s *Service) findTrackingID(ctx context.Context, email, campaignID string) string {
	if s.sends == nil {
		return ""
	}
	sent, err := s.sends.Query(ctx, events.Filter{
		CampaignID:     campaignID,
		RecipientEmail: email,
		Types:          []domain.EventType{domain.EventSent},
		Limit:          1,
	})
	if err != nil {
		logger.Warn("sent lookup for unsubscribe failed", "campaign_id", campaignID, "error", err.Error())
		return ""
	}
	if len(sent) == 0 {
		return ""
	}
	return sent[0].TrackingID
}

package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/metrics"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
)

// Service refreshes and serves campaign analytics. It is safe for concurrent
// use; concurrency control for a single campaign lives in the repository.
type Service struct {
	repo Repository
}

// NewService creates an analytics service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Refresh recomputes the analytics row for campaignID from its full event set.
// A campaign with no events gets a zero-valued row.
func (s *Service) Refresh(ctx context.Context, campaignID string) (*domain.CampaignAnalytics, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, ErrEmptyCampaignID
	}

	start := time.Now()
	var invalid error
	row, err := s.repo.Recompute(ctx, campaignID, func(evts []domain.EngagementEvent) domain.CampaignAnalytics {
		a := Aggregate(campaignID, evts)
		invalid = a.Validate()
		return a
	})
	metrics.AnalyticsRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AnalyticsRefreshes.WithLabelValues("error").Inc()
		logger.Error("analytics refresh failed", "campaign_id", campaignID, "error", err.Error())
		return nil, fmt.Errorf("refresh analytics %s: %w", campaignID, err)
	}
	if invalid != nil {
		// Only reachable when a repository hands Aggregate a foreign scan.
		metrics.AnalyticsRefreshes.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("refresh analytics %s: %w", campaignID, invalid)
	}

	metrics.AnalyticsRefreshes.WithLabelValues("ok").Inc()
	logger.Debug("analytics refreshed", "campaign_id", campaignID,
		"sent", row.SentCount, "opened", row.OpenedCount, "unique_opened", row.UniqueOpenedCount)
	return row, nil
}

// RefreshCampaign refreshes and discards the row. It satisfies the tracking
// handler's refresher contract for inline refresh mode.
func (s *Service) RefreshCampaign(ctx context.Context, campaignID string) error {
	_, err := s.Refresh(ctx, campaignID)
	return err
}

// Get returns the stored row for campaignID, or a zero-valued row when the
// campaign has never been aggregated.
func (s *Service) Get(ctx context.Context, campaignID string) (*domain.CampaignAnalytics, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, ErrEmptyCampaignID
	}
	row, err := s.repo.Get(ctx, campaignID)
	if errors.Is(err, ErrNotFound) {
		return &domain.CampaignAnalytics{CampaignID: campaignID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analytics %s: %w", campaignID, err)
	}
	return row, nil
}

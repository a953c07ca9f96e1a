// Package redis caches sent-event lookups in Redis. Every tracking hit
// resolves its tracking id, and sent events never change once written, so a
// read-through cache takes that lookup off the database.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
	"github.com/ignite/engagement-tracker/internal/service/events"
)

const keyPrefix = "engagement:sent:"

// SentCache decorates an events.Repository. Redis failures degrade to the
// wrapped repository and are only logged.
type SentCache struct {
	events.Repository
	client *goredis.Client
	ttl    time.Duration
}

// NewSentCache wraps next. A zero ttl caches for 24 hours.
func NewSentCache(next events.Repository, client *goredis.Client, ttl time.Duration) *SentCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SentCache{Repository: next, client: client, ttl: ttl}
}

func key(trackingID string) string { return keyPrefix + trackingID }

// Append stores e and warms the cache when e is a sent event.
func (c *SentCache) Append(ctx context.Context, e *domain.EngagementEvent) (string, error) {
	id, err := c.Repository.Append(ctx, e)
	if err != nil {
		return "", err
	}
	if e.EventType == domain.EventSent {
		c.store(ctx, e)
	}
	return id, nil
}

// FindSent reads through the cache. Misses are not cached, so a tracking id
// registered after a failed lookup resolves on the next hit.
func (c *SentCache) FindSent(ctx context.Context, trackingID string) (*domain.EngagementEvent, error) {
	raw, err := c.client.Get(ctx, key(trackingID)).Bytes()
	switch {
	case err == nil:
		var e domain.EngagementEvent
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			return &e, nil
		}
		logger.Warn("sent cache entry corrupt", "tracking_id", trackingID)
	case !errors.Is(err, goredis.Nil):
		logger.Warn("sent cache read failed", "tracking_id", trackingID, "error", err.Error())
	}

	e, err := c.Repository.FindSent(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, e)
	return e, nil
}

func (c *SentCache) store(ctx context.Context, e *domain.EngagementEvent) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(e.TrackingID), b, c.ttl).Err(); err != nil {
		logger.Warn("sent cache write failed", "tracking_id", e.TrackingID, "error", err.Error())
	}
}

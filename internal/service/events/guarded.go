package events

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("event store unavailable")

// BreakerSettings tunes Guarded.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Guarded wraps a Repository in a circuit breaker so a failing backend trips
// open and callers fail fast instead of queueing on timeouts. Lookup misses
// and duplicate sends are business outcomes and never count as failures.
type Guarded struct {
	next Repository
	cb   *gobreaker.CircuitBreaker[any]
}

// NewGuarded creates a breaker-guarded repository.
func NewGuarded(next Repository, s BreakerSettings) *Guarded {
	if s.Name == "" {
		s.Name = "event-store"
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	threshold := s.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateSent) ||
				errors.Is(err, ErrInvalidEvent) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Guarded{next: next, cb: cb}
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() gobreaker.State { return g.cb.State() }

func (g *Guarded) Append(ctx context.Context, e *domain.EngagementEvent) (string, error) {
	v, err := g.cb.Execute(func() (any, error) { return g.next.Append(ctx, e) })
	if err != nil {
		return "", translate(err)
	}
	return v.(string), nil
}

func (g *Guarded) FindSent(ctx context.Context, trackingID string) (*domain.EngagementEvent, error) {
	v, err := g.cb.Execute(func() (any, error) { return g.next.FindSent(ctx, trackingID) })
	if err != nil {
		return nil, translate(err)
	}
	return v.(*domain.EngagementEvent), nil
}

func (g *Guarded) Query(ctx context.Context, f Filter) ([]domain.EngagementEvent, error) {
	v, err := g.cb.Execute(func() (any, error) { return g.next.Query(ctx, f) })
	if err != nil {
		return nil, translate(err)
	}
	return v.([]domain.EngagementEvent), nil
}

func (g *Guarded) ActiveCampaigns(ctx context.Context, since time.Time) ([]string, error) {
	v, err := g.cb.Execute(func() (any, error) { return g.next.ActiveCampaigns(ctx, since) })
	if err != nil {
		return nil, translate(err)
	}
	return v.([]string), nil
}

func translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuarded_TripsOnBackendFailures(t *testing.T) {
	repo := newMockRepo()
	repo.err = errors.New("connection refused")
	g := NewGuarded(repo, BreakerSettings{FailureThreshold: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.FindSent(ctx, "abc")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	_, err := g.FindSent(ctx, "abc")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGuarded_LookupMissesDoNotTrip(t *testing.T) {
	g := NewGuarded(newMockRepo(), BreakerSettings{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.FindSent(ctx, "unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuarded_PassesThrough(t *testing.T) {
	svc := NewService(NewGuarded(newMockRepo(), BreakerSettings{}))
	ctx := context.Background()

	sent, err := svc.RecordSent(ctx, SendRequest{CampaignID: "camp1", Email: "a@b.com", TrackingID: "abc", At: ts})
	require.NoError(t, err)

	got, err := svc.FindSent(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, sent.CampaignID, got.CampaignID)

	_, err = svc.RecordSent(ctx, SendRequest{CampaignID: "camp1", Email: "a@b.com", TrackingID: "abc"})
	assert.ErrorIs(t, err, ErrDuplicateSent)

	evts, err := svc.Query(ctx, Filter{CampaignID: "camp1"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/pkg/distlock"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
)

const analyticsColumns = `campaign_id, sent_count, delivered_count, opened_count, unique_opened_count,
	clicked_count, unique_clicked_count, bounced_count, complained_count, unsubscribed_count,
	last_event_at, updated_at`

// AnalyticsRepo implements analytics.Repository against PostgreSQL.
type AnalyticsRepo struct{ db *sql.DB }

// NewAnalyticsRepo creates a Postgres-backed analytics repository.
func NewAnalyticsRepo(db *sql.DB) *AnalyticsRepo { return &AnalyticsRepo{db: db} }

// campaignLockID maps a campaign to a transaction advisory lock key.
func campaignLockID(campaignID string) int64 {
	return distlock.KeyID("campaign_analytics:" + campaignID)
}

// Recompute serializes writers of one campaign with pg_advisory_xact_lock, so
// the scan and the upsert see a consistent event set and the lock is released
// with the transaction even if the process dies.
func (r *AnalyticsRepo) Recompute(ctx context.Context, campaignID string, fn analytics.ComputeFunc) (*domain.CampaignAnalytics, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recompute: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, campaignLockID(campaignID)); err != nil {
		return nil, fmt.Errorf("lock campaign %s: %w", campaignID, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM engagement_events
		WHERE campaign_id = $1
		ORDER BY created_at, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("scan campaign %s: %w", campaignID, err)
	}
	evts, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	a := fn(evts)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaign_analytics (
			campaign_id, sent_count, delivered_count, opened_count, unique_opened_count,
			clicked_count, unique_clicked_count, bounced_count, complained_count, unsubscribed_count,
			last_event_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (campaign_id) DO UPDATE SET
			sent_count = EXCLUDED.sent_count,
			delivered_count = EXCLUDED.delivered_count,
			opened_count = EXCLUDED.opened_count,
			unique_opened_count = EXCLUDED.unique_opened_count,
			clicked_count = EXCLUDED.clicked_count,
			unique_clicked_count = EXCLUDED.unique_clicked_count,
			bounced_count = EXCLUDED.bounced_count,
			complained_count = EXCLUDED.complained_count,
			unsubscribed_count = EXCLUDED.unsubscribed_count,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
		WHERE (campaign_analytics.sent_count, campaign_analytics.delivered_count,
		       campaign_analytics.opened_count, campaign_analytics.unique_opened_count,
		       campaign_analytics.clicked_count, campaign_analytics.unique_clicked_count,
		       campaign_analytics.bounced_count, campaign_analytics.complained_count,
		       campaign_analytics.unsubscribed_count, campaign_analytics.last_event_at)
		IS DISTINCT FROM
		      (EXCLUDED.sent_count, EXCLUDED.delivered_count,
		       EXCLUDED.opened_count, EXCLUDED.unique_opened_count,
		       EXCLUDED.clicked_count, EXCLUDED.unique_clicked_count,
		       EXCLUDED.bounced_count, EXCLUDED.complained_count,
		       EXCLUDED.unsubscribed_count, EXCLUDED.last_event_at)
	`, campaignID, a.SentCount, a.DeliveredCount, a.OpenedCount, a.UniqueOpenedCount,
		a.ClickedCount, a.UniqueClickedCount, a.BouncedCount, a.ComplainedCount, a.UnsubscribedCount,
		nullTime(a.LastEventAt))
	if err != nil {
		return nil, fmt.Errorf("upsert analytics %s: %w", campaignID, err)
	}

	stored, err := getAnalytics(ctx, tx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recompute: %w", err)
	}
	return stored, nil
}

func (r *AnalyticsRepo) Get(ctx context.Context, campaignID string) (*domain.CampaignAnalytics, error) {
	return getAnalytics(ctx, r.db, campaignID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAnalytics(ctx context.Context, q queryRower, campaignID string) (*domain.CampaignAnalytics, error) {
	var a domain.CampaignAnalytics
	var last sql.NullTime
	err := q.QueryRowContext(ctx, `SELECT `+analyticsColumns+` FROM campaign_analytics WHERE campaign_id = $1`, campaignID).Scan(
		&a.CampaignID, &a.SentCount, &a.DeliveredCount, &a.OpenedCount, &a.UniqueOpenedCount,
		&a.ClickedCount, &a.UniqueClickedCount, &a.BouncedCount, &a.ComplainedCount, &a.UnsubscribedCount,
		&last, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, analytics.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analytics %s: %w", campaignID, err)
	}
	if last.Valid {
		t := last.Time.UTC()
		a.LastEventAt = &t
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// List returns every stored analytics row ordered by campaign id.
func (r *AnalyticsRepo) List(ctx context.Context) ([]domain.CampaignAnalytics, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+analyticsColumns+` FROM campaign_analytics ORDER BY campaign_id`)
	if err != nil {
		return nil, fmt.Errorf("list analytics: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignAnalytics
	for rows.Next() {
		var a domain.CampaignAnalytics
		var last sql.NullTime
		if err := rows.Scan(
			&a.CampaignID, &a.SentCount, &a.DeliveredCount, &a.OpenedCount, &a.UniqueOpenedCount,
			&a.ClickedCount, &a.UniqueClickedCount, &a.BouncedCount, &a.ComplainedCount, &a.UnsubscribedCount,
			&last, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan analytics: %w", err)
		}
		if last.Valid {
			t := last.Time.UTC()
			a.LastEventAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

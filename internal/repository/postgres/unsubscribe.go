package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/engagement-tracker/internal/domain"
)

// UnsubscribeRepo implements unsubscribe.Repository against PostgreSQL.
type UnsubscribeRepo struct{ db *sql.DB }

// NewUnsubscribeRepo creates a Postgres-backed unsubscribe repository.
func NewUnsubscribeRepo(db *sql.DB) *UnsubscribeRepo { return &UnsubscribeRepo{db: db} }

// Unsubscribe inserts the record and, only when the insert wins, appends evt
// in the same transaction.
func (r *UnsubscribeRepo) Unsubscribe(ctx context.Context, rec *domain.UnsubscribeRecord, evt *domain.EngagementEvent) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin unsubscribe: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO unsubscribe_records (id, email, campaign_id, tracking_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email, campaign_id) DO NOTHING
	`, rec.ID, rec.Email, rec.CampaignID, rec.TrackingID, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert unsubscribe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert unsubscribe: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if evt != nil {
		if err := insertEvent(ctx, tx, evt); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit unsubscribe: %w", err)
	}
	return true, nil
}

func (r *UnsubscribeRepo) IsUnsubscribed(ctx context.Context, email, campaignID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM unsubscribe_records WHERE email = $1 AND campaign_id = $2)`,
		email, campaignID,
	).Scan(&exists)
	return exists, err
}

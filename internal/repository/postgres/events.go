package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/engagement-tracker/internal/domain"
	"github.com/ignite/engagement-tracker/internal/service/events"
)

const eventColumns = `id, tracking_id, campaign_id, recipient_email, contact_id, event_type, event_data, created_at`

const uniqueViolation = "23505"

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRepo implements events.Repository against PostgreSQL.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) Append(ctx context.Context, e *domain.EngagementEvent) (string, error) {
	if err := insertEvent(ctx, r.db, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

func insertEvent(ctx context.Context, x execer, e *domain.EngagementEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO engagement_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.TrackingID, e.CampaignID, e.RecipientEmail, e.ContactID, string(e.EventType), e.Data, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && e.EventType == domain.EventSent {
			return events.ErrDuplicateSent
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (r *EventRepo) FindSent(ctx context.Context, trackingID string) (*domain.EngagementEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM engagement_events
		WHERE tracking_id = $1 AND event_type = 'sent'
		LIMIT 1
	`, trackingID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, events.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find sent %s: %w", trackingID, err)
	}
	return e, nil
}

func (r *EventRepo) Query(ctx context.Context, f events.Filter) ([]domain.EngagementEvent, error) {
	query, args := buildEventQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func buildEventQuery(f events.Filter) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TrackingID != "" {
		add("tracking_id = $%d", f.TrackingID)
	}
	if f.CampaignID != "" {
		add("campaign_id = $%d", f.CampaignID)
	}
	if f.RecipientEmail != "" {
		add("recipient_email = $%d", domain.NormalizeEmail(f.RecipientEmail))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}

	q := "SELECT " + eventColumns + " FROM engagement_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q, args
}

func (r *EventRepo) ActiveCampaigns(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT campaign_id
		FROM engagement_events
		WHERE inserted_at >= $1
		ORDER BY campaign_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("active campaigns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (*domain.EngagementEvent, error) {
	var e domain.EngagementEvent
	var typ string
	if err := s.Scan(&e.ID, &e.TrackingID, &e.CampaignID, &e.RecipientEmail, &e.ContactID, &typ, &e.Data, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.EventType = domain.EventType(typ)
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]domain.EngagementEvent, error) {
	var out []domain.EngagementEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/engagement-tracker/internal/domain"
	analyticssvc "github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
	"github.com/ignite/engagement-tracker/internal/service/unsubscribe"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var ts = time.Date(2026, 3, 3, 15, 4, 5, 0, time.UTC)

var eventCols = []string{"id", "tracking_id", "campaign_id", "recipient_email", "contact_id", "event_type", "event_data", "created_at"}

func TestEventRepo_Append(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewEventRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO engagement_events")).
		WithArgs(sqlmock.AnyArg(), "abc", "camp1", "a@b.com", "", "opened", sqlmock.AnyArg(), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := &domain.EngagementEvent{TrackingID: "abc", CampaignID: "camp1", RecipientEmail: "a@b.com", EventType: domain.EventOpened, CreatedAt: ts}
	id, err := repo.Append(context.Background(), e)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepo_AppendDuplicateSent(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewEventRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO engagement_events")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := repo.Append(context.Background(), &domain.EngagementEvent{TrackingID: "abc", CampaignID: "camp1", EventType: domain.EventSent, CreatedAt: ts})
	assert.ErrorIs(t, err, events.ErrDuplicateSent)
}

func TestEventRepo_FindSent(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewEventRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tracking_id = $1 AND event_type = 'sent'")).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow("id-1", "abc", "camp1", "a@b.com", "", "sent", []byte(`{"source":"api","batch":7}`), ts))

	e, err := repo.FindSent(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.EventSent, e.EventType)
	assert.Equal(t, "camp1", e.CampaignID)
	assert.Equal(t, "api", e.Data.Source)
	assert.EqualValues(t, 7, e.Data.Extra["batch"])

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tracking_id = $1 AND event_type = 'sent'")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.FindSent(context.Background(), "missing")
	assert.ErrorIs(t, err, events.ErrNotFound)
}

func TestBuildEventQuery(t *testing.T) {
	q, args := buildEventQuery(events.Filter{
		TrackingID: "abc",
		Types:      []domain.EventType{domain.EventOpened},
		Since:      ts,
		Limit:      10,
	})
	assert.Equal(t, "SELECT "+eventColumns+" FROM engagement_events WHERE tracking_id = $1 AND event_type = ANY($2) AND created_at >= $3 ORDER BY created_at, id LIMIT $4", q)
	assert.Len(t, args, 4)

	q, args = buildEventQuery(events.Filter{})
	assert.Equal(t, "SELECT "+eventColumns+" FROM engagement_events ORDER BY created_at, id", q)
	assert.Empty(t, args)
}

func TestEventRepo_Query(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewEventRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM engagement_events WHERE campaign_id = $1 AND recipient_email = $2")).
		WithArgs("camp1", "a@b.com").
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow("id-1", "abc", "camp1", "a@b.com", "", "sent", nil, ts).
			AddRow("id-2", "abc", "camp1", "a@b.com", "", "opened", []byte(`{"ip_hash":"f00"}`), ts.Add(time.Second)))

	got, err := repo.Query(context.Background(), events.Filter{CampaignID: "camp1", RecipientEmail: "A@b.com"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f00", got[1].Data.IPHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepo_ActiveCampaigns(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewEventRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT campaign_id")).
		WithArgs(ts).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}).AddRow("camp1").AddRow("camp2"))

	got, err := repo.ActiveCampaigns(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, []string{"camp1", "camp2"}, got)
}

var analyticsCols = []string{
	"campaign_id", "sent_count", "delivered_count", "opened_count", "unique_opened_count",
	"clicked_count", "unique_clicked_count", "bounced_count", "complained_count", "unsubscribed_count",
	"last_event_at", "updated_at",
}

func TestAnalyticsRepo_Recompute(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewAnalyticsRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(campaignLockID("camp1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE campaign_id = $1")).
		WithArgs("camp1").
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow("id-1", "abc", "camp1", "a@b.com", "", "sent", nil, ts).
			AddRow("id-2", "abc", "camp1", "a@b.com", "", "opened", nil, ts.Add(time.Minute)).
			AddRow("id-3", "abc", "camp1", "a@b.com", "", "opened", nil, ts.Add(2*time.Minute)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO campaign_analytics")).
		WithArgs("camp1", 1, 0, 2, 1, 0, 0, 0, 0, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM campaign_analytics WHERE campaign_id = $1")).
		WithArgs("camp1").
		WillReturnRows(sqlmock.NewRows(analyticsCols).
			AddRow("camp1", 1, 0, 2, 1, 0, 0, 0, 0, 0, ts.Add(2*time.Minute), ts.Add(time.Hour)))
	mock.ExpectCommit()

	row, err := repo.Recompute(context.Background(), "camp1", func(evts []domain.EngagementEvent) domain.CampaignAnalytics {
		return analyticssvc.Aggregate("camp1", evts)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, row.OpenedCount)
	assert.Equal(t, 1, row.UniqueOpenedCount)
	require.NotNil(t, row.LastEventAt)
	assert.True(t, row.LastEventAt.Equal(ts.Add(2*time.Minute)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticsRepo_RecomputeRollsBackOnError(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewAnalyticsRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := repo.Recompute(context.Background(), "camp1", func([]domain.EngagementEvent) domain.CampaignAnalytics {
		t.Fatal("compute must not run without the lock")
		return domain.CampaignAnalytics{}
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticsRepo_GetNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewAnalyticsRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaign_analytics WHERE campaign_id = $1")).
		WithArgs("camp9").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "camp9")
	assert.ErrorIs(t, err, analyticssvc.ErrNotFound)
}

func TestCampaignLockID_StablePerCampaign(t *testing.T) {
	assert.Equal(t, campaignLockID("camp1"), campaignLockID("camp1"))
	assert.NotEqual(t, campaignLockID("camp1"), campaignLockID("camp2"))
}

func TestUnsubscribeRepo_NewRecordAppendsEvent(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewUnsubscribeRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO unsubscribe_records")).
		WithArgs(sqlmock.AnyArg(), "a@b.com", "camp1", "abc", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO engagement_events")).
		WithArgs(sqlmock.AnyArg(), "abc", "camp1", "a@b.com", "", "unsubscribed", sqlmock.AnyArg(), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := repo.Unsubscribe(context.Background(),
		&domain.UnsubscribeRecord{Email: "a@b.com", CampaignID: "camp1", TrackingID: "abc", CreatedAt: ts},
		&domain.EngagementEvent{TrackingID: "abc", CampaignID: "camp1", RecipientEmail: "a@b.com", EventType: domain.EventUnsubscribed, CreatedAt: ts})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribeRepo_ExistingRecordSkipsEvent(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewUnsubscribeRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (email, campaign_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	created, err := repo.Unsubscribe(context.Background(),
		&domain.UnsubscribeRecord{Email: "a@b.com", CampaignID: "camp1", CreatedAt: ts},
		&domain.EngagementEvent{CampaignID: "camp1", EventType: domain.EventUnsubscribed, CreatedAt: ts})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribeRepo_IsUnsubscribed(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewUnsubscribeRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("a@b.com", "camp1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.IsUnsubscribed(context.Background(), "a@b.com", "camp1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCampaignRepo_GetCampaign(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name FROM campaigns")).
		WithArgs("camp1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("camp1", "Spring Sale"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name FROM campaigns")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	c, err := repo.GetCampaign(context.Background(), "camp1")
	require.NoError(t, err)
	assert.Equal(t, "Spring Sale", c.Name)

	_, err = repo.GetCampaign(context.Background(), "nope")
	assert.ErrorIs(t, err, unsubscribe.ErrCampaignNotFound)
}

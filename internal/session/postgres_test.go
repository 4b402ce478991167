package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

func newRecord(now time.Time) Record {
	return Record{
		ID:              uuid.New(),
		SessionToken:    "tok",
		CSRFToken:       "csrf",
		Source:          "dashboard",
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(8 * time.Hour),
	}
}

func TestPostgresActivateSupersedesPrior(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	rec := newRecord(now)
	prior := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE shared_external_sessions").
		WithArgs(now, ReasonSuperseded).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(prior))
	mock.ExpectExec("INSERT INTO shared_external_sessions").
		WithArgs(rec.ID, "tok", "csrf", "dashboard", rec.AuthenticatedAt, rec.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "scheduling_session:"+rec.ID.String(), "scheduling_session.activated.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := NewPostgresRegistry(mock).Activate(context.Background(), rec, now)
	require.NoError(t, err)
	assert.Equal(t, prior, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivateRetriesLostRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	rec := newRecord(now)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE shared_external_sessions").WithArgs(now, ReasonSuperseded).WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO shared_external_sessions").
		WithArgs(rec.ID, "tok", "csrf", "dashboard", rec.AuthenticatedAt, rec.ExpiresAt).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uniq_shared_external_sessions_active"})
	mock.ExpectRollback()

	winner := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE shared_external_sessions").
		WithArgs(now, ReasonSuperseded).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(winner))
	mock.ExpectExec("INSERT INTO shared_external_sessions").
		WithArgs(rec.ID, "tok", "csrf", "dashboard", rec.AuthenticatedAt, rec.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := NewPostgresRegistry(mock).Activate(context.Background(), rec, now)
	require.NoError(t, err)
	assert.Equal(t, winner, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActiveNoRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM shared_external_sessions").WillReturnError(pgx.ErrNoRows)
	_, err = NewPostgresRegistry(mock).Active(context.Background())
	assert.True(t, errors.Is(err, apperr.ErrNoActiveSession))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeactivateIsCompareAndSwap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE shared_external_sessions").
		WithArgs(id, now, ReasonRejected).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := NewPostgresRegistry(mock).Deactivate(context.Background(), id, ReasonRejected, now)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementUsage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectExec("SET automation_uses = automation_uses \\+ 1").
		WithArgs(id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET dashboard_uses = dashboard_uses \\+ 1").
		WithArgs(id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	reg := NewPostgresRegistry(mock)
	require.NoError(t, reg.IncrementUsage(context.Background(), id, ConsumerAutomation, now))
	err = reg.IncrementUsage(context.Background(), id, ConsumerDashboard, now)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Error(t, reg.IncrementUsage(context.Background(), id, Consumer("robot"), now))
	require.NoError(t, mock.ExpectationsWereMet())
}

package conversations

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

var sessionCols = []string{"id", "channel", "phone", "context", "is_active", "created_at", "updated_at", "expired_at"}

var pgNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func TestPostgresEnsureReturnsStoredRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	earlier := pgNow.Add(-time.Hour)
	mock.ExpectQuery("INSERT INTO conversation_sessions").
		WithArgs(id, "sms", pgxmock.AnyArg(), pgxmock.AnyArg(), pgNow).
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow(id, "web", "", []byte(`{"source":"widget"}`), false, earlier, earlier, &earlier))

	s, err := NewPostgresStore(mock).Ensure(context.Background(), Session{
		ID: id, Channel: ChannelSMS, Phone: "+15005550001", CreatedAt: pgNow, UpdatedAt: pgNow,
	})
	require.NoError(t, err)
	assert.Equal(t, ChannelWeb, s.Channel, "an existing row keeps its channel")
	assert.False(t, s.IsActive)
	assert.Equal(t, "widget", s.Context["source"])
	require.NotNil(t, s.ExpiredAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("FROM conversation_sessions").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresStore(mock).Get(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTouchAndExpireOnlyActiveRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE conversation_sessions SET updated_at").
		WithArgs(id, pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE conversation_sessions SET is_active = FALSE").
		WithArgs(id, pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE conversation_sessions SET updated_at").
		WithArgs(id, pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewPostgresStore(mock)
	ok, err := store.Touch(context.Background(), id, pgNow)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Expire(context.Background(), id, pgNow)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Touch(context.Background(), id, pgNow)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExpireIdle(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	before := pgNow.Add(-DefaultIdleTimeout)
	mock.ExpectExec("WHERE is_active AND updated_at < ").
		WithArgs(before, pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := NewPostgresStore(mock).ExpireIdle(context.Background(), before, pgNow)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

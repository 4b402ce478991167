package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProcessedStore(mock)
	ctx := context.Background()

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("twilio", "SM1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	processed, err := store.AlreadyProcessed(ctx, "twilio", "SM1")
	require.NoError(t, err)
	assert.True(t, processed)

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("twilio", "SM-miss").WillReturnError(pgx.ErrNoRows)
	processed, err = store.AlreadyProcessed(ctx, "twilio", "SM-miss")
	require.NoError(t, err)
	assert.False(t, processed)

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("twilio", "SM-err").WillReturnError(errors.New("conn reset"))
	_, err = store.AlreadyProcessed(ctx, "twilio", "SM-err")
	assert.ErrorContains(t, err, "check processed")

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("twilio", "SM-new").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkProcessed(ctx, "twilio", "SM-new")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("twilio", "SM-new").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = store.MarkProcessed(ctx, "twilio", "SM-new")
	require.NoError(t, err)
	assert.False(t, ok, "redelivered sid must not be claimed twice")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedStorePurge(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM processed_events").WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	n, err := NewProcessedStore(mock).Purge(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

package appointments

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

var appointmentCols = []string{
	"id", "remote_appointment_id", "remote_patient_id", "remote_subject_id", "site_id", "study_id", "visit_id",
	"conversation_session_id", "coordinator_email", "status", "appointment_at", "duration_minutes", "notes", "created_at",
}

func TestPostgresGetPatientNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	key := testKey()
	mock.ExpectQuery("FROM remote_patient_mappings").
		WithArgs(key.ConversationSessionID, key.SiteID, key.StudyID).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresStore(mock).GetPatient(context.Background(), key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertPatientConflictReportsFalse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	key := testKey()
	mock.ExpectExec("INSERT INTO remote_patient_mappings").
		WithArgs(pgxmock.AnyArg(), key.ConversationSessionID, key.SiteID, key.StudyID, "P-1", "S-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := NewPostgresStore(mock).InsertPatient(context.Background(), RemotePatient{Key: key, RemotePatientID: "P-1", RemoteSubjectID: "S-1"})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertPatientUniqueViolationIsReuse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO remote_patient_mappings").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	ok, err := NewPostgresStore(mock).InsertPatient(context.Background(), RemotePatient{Key: testKey(), RemotePatientID: "P-1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresRecordAppointmentAppendsOutbox(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), "A-1", "P-1", "S-1", "1867", "STUDY-1", "V-1",
			pgxmock.AnyArg(), "", "scheduled", at, DefaultDurationMinutes, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "appointment:A-1", "appointment.booked.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	appt, created, err := NewPostgresStore(mock).RecordAppointment(context.Background(), Appointment{
		RemoteAppointmentID: "A-1",
		RemotePatientID:     "P-1",
		RemoteSubjectID:     "S-1",
		SiteID:              "1867",
		StudyID:             "STUDY-1",
		VisitID:             "V-1",
		AppointmentAt:       at,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusScheduled, appt.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordAppointmentDuplicateIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	existingID := uuid.New()
	sessionID := uuid.New()
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO appointments").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("FROM appointments").
		WithArgs("A-1").
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(
			existingID, "A-1", "P-1", "S-1", "1867", "STUDY-1", "V-1",
			&sessionID, "", "scheduled", at, 60, "", at,
		))
	mock.ExpectCommit()

	appt, created, err := NewPostgresStore(mock).RecordAppointment(context.Background(), Appointment{
		RemoteAppointmentID: "A-1",
		SiteID:              "1867",
		StudyID:             "STUDY-1",
		VisitID:             "V-1",
		AppointmentAt:       at,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existingID, appt.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordAppointmentRollsBackOnOutboxFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO appointments").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnError(errors.New("outbox unavailable"))
	mock.ExpectRollback()

	_, _, err = NewPostgresStore(mock).RecordAppointment(context.Background(), Appointment{
		RemoteAppointmentID: "A-1",
		AppointmentAt:       time.Now(),
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRescheduled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE appointments").
		WithArgs("A-1", at, "Rescheduled via SMS").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := MarkRescheduled(context.Background(), mock, "A-1", at, "Rescheduled via SMS")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

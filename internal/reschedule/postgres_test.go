package reschedule

import (
	"context"
	"encoding/json"
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
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
)

var requestCols = []string{
	"id", "batch_id", "phone", "patient_name", "site_id", "study_id", "visit_id", "remote_subject_id",
	"current_remote_appointment_id", "current_appointment_at", "earliest_new_date", "availability_notes", "status",
	"dispatch_attempts", "next_attempt_at", "last_error", "provider_message_id",
	"sms_sent_at", "last_inbound_at", "escalated", "escalation_reason", "selected_slot_at",
	"new_remote_appointment_id", "created_at", "updated_at",
}

var batchCols = []string{
	"id", "name", "uploaded_by", "archive_key", "status", "total_patients", "processed_patients",
	"successful_reschedules", "failed_reschedules", "pending_patients", "escalated_patients",
	"created_at", "updated_at", "completed_at",
}

var pgNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func requestRow(id uuid.UUID, batchID *uuid.UUID, status Status) *pgxmock.Rows {
	slot := time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(requestCols).AddRow(
		id, batchID, "+15005550001", "Ann Lee", "site-tul", "study-9", "visit-3", "subj-1",
		"appt-1", (*time.Time)(nil), (*time.Time)(nil), "", string(status),
		1, pgNow, "", "SM001",
		&pgNow, &pgNow, false, "", &slot,
		"appt-1", pgNow, pgNow,
	)
}

func batchRow(id uuid.UUID, status BatchStatus, total, processed, successful, remaining int) *pgxmock.Rows {
	return pgxmock.NewRows(batchCols).AddRow(
		id, "march", "coord", "", string(status), total, processed,
		successful, 0, remaining, 0,
		pgNow, pgNow, (*time.Time)(nil),
	)
}

func TestPostgresApplyStaleTransitionIsIllegal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE reschedule_requests").
		WithArgs(id, "sms_sent", "patient_responded",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err = NewPostgresStore(mock).Apply(context.Background(), Change{
		RequestID: id, From: StatusSMSSent, To: StatusPatientResponded,
		Metadata: InboundReply{Body: "hi"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrIllegalTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyRejectsIllegalMoveWithoutQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresStore(mock).Apply(context.Background(), Change{
		RequestID: uuid.New(), From: StatusAwaitingSelection, To: StatusCancelled,
	})
	assert.True(t, errors.Is(err, apperr.ErrIllegalTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyCompletionCommitsEverythingTogether(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id, batchID, historyID := uuid.New(), uuid.New(), uuid.New()
	newAt := time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)
	meta, _ := json.Marshal(Completion{HistoryID: historyID})

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE reschedule_requests").
		WithArgs(id, "confirmed", "completed",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(requestRow(id, &batchID, StatusCompleted))
	mock.ExpectExec("INSERT INTO reschedule_request_events").
		WithArgs(id, "confirmed", "completed", "completion", meta, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reschedule_history").
		WithArgs(historyID, id, "appt-1", "appt-1", pgxmock.AnyArg(), newAt, "site_request", pgxmock.AnyArg(), InitiatedByPatient, pgNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE appointments").
		WithArgs("appt-1", newAt, "moved").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "reschedule_request:"+id.String(), "reschedule.completed.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("WITH c AS").
		WithArgs(batchID).
		WillReturnRows(batchRow(batchID, BatchInProgress, 2, 1, 1, 1))
	mock.ExpectCommit()

	r, err := NewPostgresStore(mock).Apply(context.Background(), Change{
		RequestID: id,
		From:      StatusConfirmed,
		To:        StatusCompleted,
		Metadata:  Completion{HistoryID: historyID},
		History: &History{
			ID: historyID, RequestID: id, OldRemoteAppointmentID: "appt-1", NewRemoteAppointmentID: "appt-1",
			NewAppointmentAt: newAt, ReasonCode: "site_request", ReasonText: "sms", InitiatedBy: InitiatedByPatient,
			RescheduledAt: pgNow,
		},
		Move:   &AppointmentMove{RemoteAppointmentID: "appt-1", NewAt: newAt, Note: "moved"},
		Outbox: events.RescheduleCompletedV1{RequestID: id.String(), NewAppointmentAt: newAt},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	require.NotNil(t, r.BatchID)
	assert.Equal(t, batchID, *r.BatchID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyRollsBackWhenCountersFail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id, batchID := uuid.New(), uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE reschedule_requests").
		WillReturnRows(requestRow(id, &batchID, StatusSMSSent))
	mock.ExpectExec("INSERT INTO reschedule_request_events").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("WITH c AS").
		WithArgs(batchID).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err = NewPostgresStore(mock).Apply(context.Background(), Change{
		RequestID: id, From: StatusPending, To: StatusSMSSent,
		Metadata: Dispatched{ProviderMessageID: "SM001", Attempt: 1},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateBatchDuplicateAppointment(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := Batch{ID: uuid.New(), Name: "march", UploadedBy: "coord"}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reschedule_batches").
		WithArgs(b.ID, "march", "coord", "", "pending").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reschedule_requests").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err = NewPostgresStore(mock).CreateBatch(context.Background(), b, []Request{{ID: uuid.New(), Phone: "+15005550001"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConstraintViolation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateBatchRecomputesCounters(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := Batch{ID: uuid.New(), Name: "march", UploadedBy: "coord", ArchiveKey: "k"}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reschedule_batches").
		WithArgs(b.ID, "march", "coord", "k", "pending").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reschedule_requests").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reschedule_requests").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("WITH c AS").
		WithArgs(b.ID).
		WillReturnRows(batchRow(b.ID, BatchPending, 2, 0, 0, 2))
	mock.ExpectCommit()

	out, err := NewPostgresStore(mock).CreateBatch(context.Background(), b, []Request{{ID: uuid.New()}, {ID: uuid.New()}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.TotalPatients)
	assert.Equal(t, 2, out.PendingPatients)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimDueLeases(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(pgNow, pgNow.Add(2*time.Minute), 10).
		WillReturnRows(requestRow(id, nil, StatusPending))

	due, err := NewPostgresStore(mock).ClaimDue(context.Background(), pgNow, 2*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
	assert.Nil(t, due[0].BatchID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOpenByPhoneNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	since := pgNow.Add(-72 * time.Hour)
	mock.ExpectQuery("FROM reschedule_requests").
		WithArgs("+15005550001", since).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresStore(mock).OpenByPhone(context.Background(), "+15005550001", since)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestOfferDecodes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	raw, _ := json.Marshal(SlotOffer{Slots: []OfferedSlot{{Option: 1, StartsAt: pgNow, Label: "Monday"}}})
	mock.ExpectQuery("metadata_kind = 'slot_offer'").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"metadata"}).AddRow(raw))

	offer, err := NewPostgresStore(mock).LatestOffer(context.Background(), id)
	require.NoError(t, err)
	slot, ok := offer.Pick(1)
	require.True(t, ok)
	assert.Equal(t, "Monday", slot.Label)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventsDecodeMetadata(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	esc, _ := json.Marshal(Escalation{Reason: ReasonNoAvailability, Actor: InitiatedBySystem})
	mock.ExpectQuery("FROM reschedule_request_events").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "request_id", "from_status", "to_status", "metadata_kind", "metadata", "provenance", "created_at"}).
			AddRow(int64(1), id, "pending", "sms_sent", "dispatched", []byte(`{"provider_message_id":"SM1","attempt":1}`), []byte(nil), pgNow).
			AddRow(int64(2), id, "patient_responded", "escalated", "escalation", esc, []byte(`{"actor":"coord"}`), pgNow))

	evts, err := NewPostgresStore(mock).Events(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, Dispatched{ProviderMessageID: "SM1", Attempt: 1}, evts[0].Metadata)
	assert.Equal(t, ReasonNoAvailability, evts[1].Metadata.(Escalation).Reason)
	assert.Equal(t, "coord", evts[1].Provenance["actor"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCancelBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	batchID, r1, r2 := uuid.New(), uuid.New(), uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("WITH target AS").
		WithArgs(batchID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow(r1, "pending").AddRow(r2, "sms_sent"))
	mock.ExpectExec("INSERT INTO reschedule_request_events").
		WithArgs(r1, "pending", "cancelled", "cancellation", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reschedule_request_events").
		WithArgs(r2, "sms_sent", "cancelled", "cancellation", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE reschedule_batches SET status = 'cancelled'").
		WithArgs(batchID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("WITH c AS").
		WithArgs(batchID).
		WillReturnRows(batchRow(batchID, BatchCancelled, 2, 2, 0, 0))
	mock.ExpectCommit()

	n, err := NewPostgresStore(mock).CancelBatch(context.Background(), batchID, Cancellation{Reason: "batch cancelled", Actor: "coord"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

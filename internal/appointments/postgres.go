package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
)

// PgxPool is satisfied by *pgxpool.Pool and pgxmock.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists remote_patient_mappings and appointments.
type PostgresStore struct {
	db  PgxPool
	now func() time.Time
}

func NewPostgresStore(db PgxPool) *PostgresStore {
	if db == nil {
		panic("appointments: db required")
	}
	return &PostgresStore{db: db, now: time.Now}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) GetPatient(ctx context.Context, key PatientKey) (RemotePatient, error) {
	query := `
		SELECT id, remote_patient_id, remote_subject_id, created_at
		FROM remote_patient_mappings
		WHERE conversation_session_id = $1 AND site_id = $2 AND study_id = $3
	`
	rp := RemotePatient{Key: key}
	err := s.db.QueryRow(ctx, query, key.ConversationSessionID, key.SiteID, key.StudyID).
		Scan(&rp.ID, &rp.RemotePatientID, &rp.RemoteSubjectID, &rp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RemotePatient{}, apperr.Wrap("appointments: get patient", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return RemotePatient{}, fmt.Errorf("appointments: get patient: %w", err)
	}
	return rp, nil
}

// InsertPatient reports false when another writer already holds the key.
func (s *PostgresStore) InsertPatient(ctx context.Context, rp RemotePatient) (bool, error) {
	if rp.ID == uuid.Nil {
		rp.ID = uuid.New()
	}
	query := `
		INSERT INTO remote_patient_mappings (id, conversation_session_id, site_id, study_id, remote_patient_id, remote_subject_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_session_id, site_id, study_id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, query,
		rp.ID,
		rp.Key.ConversationSessionID,
		rp.Key.SiteID,
		rp.Key.StudyID,
		rp.RemotePatientID,
		rp.RemoteSubjectID,
	)
	if err != nil {
		if apperr.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("appointments: insert patient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAppointment writes the local row once per remote appointment id and
// appends appointment.booked.v1 in the same transaction. A repeated write
// returns the existing row with created=false.
func (s *PostgresStore) RecordAppointment(ctx context.Context, appt Appointment) (Appointment, bool, error) {
	if strings.TrimSpace(appt.RemoteAppointmentID) == "" {
		return Appointment{}, false, errors.New("appointments: remote appointment id required")
	}
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	if appt.Status == "" {
		appt.Status = StatusScheduled
	}
	if appt.DurationMinutes <= 0 {
		appt.DurationMinutes = DefaultDurationMinutes
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Appointment{}, false, fmt.Errorf("appointments: begin record: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO appointments (
			id, remote_appointment_id, remote_patient_id, remote_subject_id, site_id, study_id, visit_id,
			conversation_session_id, coordinator_email, status, appointment_at, duration_minutes, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (remote_appointment_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query,
		appt.ID,
		appt.RemoteAppointmentID,
		appt.RemotePatientID,
		appt.RemoteSubjectID,
		appt.SiteID,
		appt.StudyID,
		appt.VisitID,
		appt.ConversationSessionID,
		appt.CoordinatorEmail,
		string(appt.Status),
		appt.AppointmentAt,
		appt.DurationMinutes,
		appt.Notes,
	)
	if err != nil {
		return Appointment{}, false, fmt.Errorf("appointments: insert appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanAppointment(tx.QueryRow(ctx, selectAppointment+` WHERE remote_appointment_id = $1`, appt.RemoteAppointmentID))
		if err != nil {
			return Appointment{}, false, fmt.Errorf("appointments: read existing appointment: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Appointment{}, false, fmt.Errorf("appointments: commit record: %w", err)
		}
		return existing, false, nil
	}

	booked := events.AppointmentBookedV1{
		AppointmentID:       appt.ID.String(),
		RemoteAppointmentID: appt.RemoteAppointmentID,
		RemotePatientID:     appt.RemotePatientID,
		SiteID:              appt.SiteID,
		StudyID:             appt.StudyID,
		VisitID:             appt.VisitID,
		AppointmentAt:       appt.AppointmentAt,
	}
	if appt.ConversationSessionID != nil {
		booked.ConversationSessionID = appt.ConversationSessionID.String()
	}
	if _, err := events.Append(ctx, tx, "appointment:"+appt.RemoteAppointmentID, booked); err != nil {
		return Appointment{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Appointment{}, false, fmt.Errorf("appointments: commit record: %w", err)
	}
	appt.CreatedAt = s.now().UTC()
	return appt, true, nil
}

func (s *PostgresStore) GetByRemoteID(ctx context.Context, remoteAppointmentID string) (Appointment, error) {
	appt, err := scanAppointment(s.db.QueryRow(ctx, selectAppointment+` WHERE remote_appointment_id = $1`, remoteAppointmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, apperr.Wrap("appointments: get "+remoteAppointmentID, apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("appointments: get appointment: %w", err)
	}
	return appt, nil
}

// MarkRescheduled moves the mirrored appointment to its new time through
// exec, which is normally the caller's open transaction. It returns the
// number of rows updated; zero means the appointment was never mirrored.
func MarkRescheduled(ctx context.Context, exec events.Execer, remoteAppointmentID string, newAt time.Time, note string) (int64, error) {
	query := `
		UPDATE appointments
		SET appointment_at = $2,
		    status = 'rescheduled',
		    notes = CASE WHEN notes = '' THEN $3 ELSE notes || E'\n' || $3 END,
		    updated_at = now()
		WHERE remote_appointment_id = $1
	`
	tag, err := exec.Exec(ctx, query, remoteAppointmentID, newAt, note)
	if err != nil {
		return 0, fmt.Errorf("appointments: mark rescheduled: %w", err)
	}
	return tag.RowsAffected(), nil
}

const selectAppointment = `
	SELECT id, remote_appointment_id, remote_patient_id, remote_subject_id, site_id, study_id, visit_id,
	       conversation_session_id, coordinator_email, status, appointment_at, duration_minutes, notes, created_at
	FROM appointments
`

func scanAppointment(row pgx.Row) (Appointment, error) {
	var (
		a      Appointment
		status string
	)
	err := row.Scan(
		&a.ID,
		&a.RemoteAppointmentID,
		&a.RemotePatientID,
		&a.RemoteSubjectID,
		&a.SiteID,
		&a.StudyID,
		&a.VisitID,
		&a.ConversationSessionID,
		&a.CoordinatorEmail,
		&status,
		&a.AppointmentAt,
		&a.DurationMinutes,
		&a.Notes,
		&a.CreatedAt,
	)
	if err != nil {
		return Appointment{}, err
	}
	a.Status = Status(status)
	return a, nil
}

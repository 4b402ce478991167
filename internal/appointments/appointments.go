// Package appointments keeps the local mirror of remote patients and
// appointments consistent with the remote scheduling system.
package appointments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/session"
)

// Status of a mirrored appointment.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
)

// DefaultDurationMinutes is used when a booking does not say otherwise.
const DefaultDurationMinutes = 60

// PatientKey identifies one remote enrollment of a conversation's patient.
type PatientKey struct {
	ConversationSessionID uuid.UUID `json:"conversation_session_id"`
	SiteID                string    `json:"site_id"`
	StudyID               string    `json:"study_id"`
}

func (k PatientKey) validate() error {
	if k.ConversationSessionID == uuid.Nil {
		return errors.New("appointments: conversation session id required")
	}
	if strings.TrimSpace(k.SiteID) == "" || strings.TrimSpace(k.StudyID) == "" {
		return errors.New("appointments: site id and study id required")
	}
	return nil
}

// RemotePatient is a remote_patient_mappings row.
type RemotePatient struct {
	ID              uuid.UUID  `json:"id"`
	Key             PatientKey `json:"key"`
	RemotePatientID string     `json:"remote_patient_id"`
	RemoteSubjectID string     `json:"remote_subject_id"`
	CreatedAt       time.Time  `json:"created_at"`
}

// BookingRequest asks for a new remote appointment.
type BookingRequest struct {
	ConversationSessionID *uuid.UUID `json:"conversation_session_id,omitempty"`
	RemotePatientID       string     `json:"remote_patient_id"`
	RemoteSubjectID       string     `json:"remote_subject_id"`
	SiteID                string     `json:"site_id"`
	StudyID               string     `json:"study_id"`
	VisitID               string     `json:"visit_id"`
	CoordinatorEmail      string     `json:"coordinator_email"`
	StartsAt              time.Time  `json:"starts_at"`
	DurationMinutes       int        `json:"duration_minutes"`
	Notes                 string     `json:"notes,omitempty"`
}

// Validate checks the fields the remote system requires.
func (r BookingRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.SiteID) == "":
		return errors.New("appointments: site id required")
	case strings.TrimSpace(r.StudyID) == "":
		return errors.New("appointments: study id required")
	case strings.TrimSpace(r.VisitID) == "":
		return errors.New("appointments: visit id required")
	case strings.TrimSpace(r.RemotePatientID) == "" && strings.TrimSpace(r.RemoteSubjectID) == "":
		return errors.New("appointments: remote patient or subject id required")
	case r.StartsAt.IsZero():
		return errors.New("appointments: start time required")
	}
	return nil
}

// Appointment is an appointments row.
type Appointment struct {
	ID                    uuid.UUID  `json:"id"`
	RemoteAppointmentID   string     `json:"remote_appointment_id"`
	RemotePatientID       string     `json:"remote_patient_id"`
	RemoteSubjectID       string     `json:"remote_subject_id"`
	SiteID                string     `json:"site_id"`
	StudyID               string     `json:"study_id"`
	VisitID               string     `json:"visit_id"`
	ConversationSessionID *uuid.UUID `json:"conversation_session_id,omitempty"`
	CoordinatorEmail      string     `json:"coordinator_email"`
	Status                Status     `json:"status"`
	AppointmentAt         time.Time  `json:"appointment_at"`
	DurationMinutes       int        `json:"duration_minutes"`
	Notes                 string     `json:"notes"`
	CreatedAt             time.Time  `json:"created_at"`
}

// MoveRequest reschedules an existing remote appointment.
type MoveRequest struct {
	RemoteAppointmentID string    `json:"remote_appointment_id"`
	SiteID              string    `json:"site_id"`
	SubjectID           string    `json:"subject_id"`
	VisitID             string    `json:"visit_id"`
	CoordinatorEmail    string    `json:"coordinator_email"`
	StartsAt            time.Time `json:"starts_at"`
	Notes               string    `json:"notes,omitempty"`
}

// Store persists the mirror.
type Store interface {
	GetPatient(ctx context.Context, key PatientKey) (RemotePatient, error)
	InsertPatient(ctx context.Context, rp RemotePatient) (bool, error)
	RecordAppointment(ctx context.Context, appt Appointment) (Appointment, bool, error)
	GetByRemoteID(ctx context.Context, remoteAppointmentID string) (Appointment, error)
}

// SessionProvider hands out the shared remote session. *session.Manager
// satisfies it.
type SessionProvider interface {
	Acquire(ctx context.Context, consumer session.Consumer) (session.Handle, error)
	RecordUsage(ctx context.Context, h session.Handle) error
	InvalidateHandle(ctx context.Context, h session.Handle, reason string) (bool, error)
}

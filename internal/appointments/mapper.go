package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/conversations"
	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
	"github.com/wolfman30/trial-scheduling-engine/internal/session"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

var tracer = otel.Tracer("trialsched.internal.appointments")

// Mapper creates remote patients and appointments and mirrors them locally.
type Mapper struct {
	store    Store
	remote   crio.Client
	sessions SessionProvider
	slots    *crio.SlotFinder
	consumer session.Consumer
	convos   conversationEnsurer
	logger   *logging.Logger
}

type conversationEnsurer interface {
	Ensure(ctx context.Context, id uuid.UUID, channel conversations.Channel, phone string) (conversations.Session, error)
}

func NewMapper(store Store, remote crio.Client, sessions SessionProvider, logger *logging.Logger) *Mapper {
	if store == nil || remote == nil || sessions == nil {
		panic("appointments: store, remote client and session provider required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Mapper{
		store:    store,
		remote:   remote,
		sessions: sessions,
		consumer: session.ConsumerAutomation,
		logger:   logger,
	}
}

// WithConsumer attributes remote usage to c instead of the automation consumer.
func (m *Mapper) WithConsumer(c session.Consumer) *Mapper {
	if c.Valid() {
		m.consumer = c
	}
	return m
}

// WithSlotFinder enables AvailableSlots.
func (m *Mapper) WithSlotFinder(f *crio.SlotFinder) *Mapper {
	m.slots = f
	return m
}

// WithConversations makes sure the conversation session row exists before a
// mapping references it. Expired conversations still map.
func (m *Mapper) WithConversations(c conversationEnsurer) *Mapper {
	m.convos = c
	return m
}

// EnsureRemotePatient returns the mapping for key, creating the remote
// patient only when none exists. Two concurrent callers may both create a
// remote patient; the loser of the insert re-reads and returns the winner's row.
func (m *Mapper) EnsureRemotePatient(ctx context.Context, key PatientKey, demo crio.Demographics) (RemotePatient, error) {
	if err := key.validate(); err != nil {
		return RemotePatient{}, err
	}
	existing, err := m.store.GetPatient(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return RemotePatient{}, err
	}

	ctx, span := tracer.Start(ctx, "appointments.ensure_remote_patient")
	defer span.End()
	span.SetAttributes(attribute.String("site_id", key.SiteID), attribute.String("study_id", key.StudyID))

	if m.convos != nil {
		if _, err := m.convos.Ensure(ctx, key.ConversationSessionID, "", demo.Phone); err != nil {
			span.RecordError(err)
			return RemotePatient{}, err
		}
	}
	var created crio.PatientResult
	err = m.withSession(ctx, func(creds crio.Credentials) error {
		var callErr error
		created, callErr = m.remote.CreatePatient(ctx, creds, crio.PatientRequest{
			SiteID:     key.SiteID,
			StudyID:    key.StudyID,
			ExternalID: key.ConversationSessionID.String(),
			Patient:    demo,
		})
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		return RemotePatient{}, err
	}

	rp := RemotePatient{
		ID:              uuid.New(),
		Key:             key,
		RemotePatientID: created.PatientID,
		RemoteSubjectID: created.SubjectID,
	}
	inserted, err := m.store.InsertPatient(ctx, rp)
	if err != nil {
		span.RecordError(err)
		return RemotePatient{}, err
	}
	if inserted {
		m.logger.Info("remote patient created",
			"conversation_session_id", key.ConversationSessionID,
			"site_id", key.SiteID,
			"study_id", key.StudyID,
			"remote_patient_id", created.PatientID,
		)
		return rp, nil
	}

	winner, err := m.store.GetPatient(ctx, key)
	if err != nil {
		return RemotePatient{}, fmt.Errorf("appointments: re-read patient after race: %w", err)
	}
	m.logger.Warn("remote patient created by concurrent caller, reusing",
		"conversation_session_id", key.ConversationSessionID,
		"kept_remote_patient_id", winner.RemotePatientID,
		"duplicate_remote_patient_id", created.PatientID,
	)
	return winner, nil
}

// BookAppointment books remotely, then writes the local row. Nothing is
// written when the remote call fails. The local write is keyed on the
// remote appointment id, so retrying it after a partial failure is safe.
func (m *Mapper) BookAppointment(ctx context.Context, req BookingRequest) (Appointment, error) {
	if err := req.Validate(); err != nil {
		return Appointment{}, err
	}
	if req.DurationMinutes <= 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}
	subject := strings.TrimSpace(req.RemoteSubjectID)
	if subject == "" {
		subject = req.RemotePatientID
	}

	ctx, span := tracer.Start(ctx, "appointments.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("site_id", req.SiteID),
		attribute.String("study_id", req.StudyID),
		attribute.String("visit_id", req.VisitID),
	)

	var remoteID string
	err := m.withSession(ctx, func(creds crio.Credentials) error {
		var callErr error
		remoteID, callErr = m.remote.CreateAppointment(ctx, creds, crio.AppointmentRequest{
			SiteID:           req.SiteID,
			StudyID:          req.StudyID,
			VisitID:          req.VisitID,
			SubjectID:        subject,
			CoordinatorEmail: req.CoordinatorEmail,
			StartsAt:         req.StartsAt,
			DurationMinutes:  req.DurationMinutes,
		})
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		return Appointment{}, err
	}
	if strings.TrimSpace(remoteID) == "" {
		return Appointment{}, apperr.Wrap("appointments: book", apperr.ErrRemoteSystem, errors.New("remote system returned no appointment id"))
	}

	appt, created, err := m.store.RecordAppointment(ctx, Appointment{
		RemoteAppointmentID:   remoteID,
		RemotePatientID:       req.RemotePatientID,
		RemoteSubjectID:       req.RemoteSubjectID,
		SiteID:                req.SiteID,
		StudyID:               req.StudyID,
		VisitID:               req.VisitID,
		ConversationSessionID: req.ConversationSessionID,
		CoordinatorEmail:      req.CoordinatorEmail,
		Status:                StatusScheduled,
		AppointmentAt:         req.StartsAt.UTC(),
		DurationMinutes:       req.DurationMinutes,
		Notes:                 req.Notes,
	})
	if err != nil {
		span.RecordError(err)
		m.logger.Error("remote appointment booked but local write failed",
			"remote_appointment_id", remoteID,
			"error", err,
		)
		return Appointment{}, fmt.Errorf("appointments: record %s: %w", remoteID, err)
	}
	m.logger.Info("appointment booked",
		"remote_appointment_id", remoteID,
		"site_id", req.SiteID,
		"study_id", req.StudyID,
		"created", created,
	)
	return appt, nil
}

// MoveAppointment reschedules an existing remote appointment. The local
// mirror is updated by the caller inside its own transaction (MarkRescheduled).
func (m *Mapper) MoveAppointment(ctx context.Context, req MoveRequest) error {
	if strings.TrimSpace(req.RemoteAppointmentID) == "" {
		return errors.New("appointments: remote appointment id required")
	}
	if req.StartsAt.IsZero() {
		return errors.New("appointments: start time required")
	}
	ctx, span := tracer.Start(ctx, "appointments.move")
	defer span.End()
	span.SetAttributes(attribute.String("remote_appointment_id", req.RemoteAppointmentID))

	err := m.withSession(ctx, func(creds crio.Credentials) error {
		return m.remote.UpdateAppointment(ctx, creds, crio.UpdateAppointmentRequest{
			AppointmentID:    req.RemoteAppointmentID,
			SiteID:           req.SiteID,
			SubjectID:        req.SubjectID,
			VisitID:          req.VisitID,
			CoordinatorEmail: req.CoordinatorEmail,
			StartsAt:         req.StartsAt,
			Notes:            req.Notes,
		})
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// AvailableSlots lists up to limit open slots at siteID over the next
// daysAhead days, using the shared session.
func (m *Mapper) AvailableSlots(ctx context.Context, siteID string, limit, daysAhead int) ([]crio.Slot, error) {
	if m.slots == nil {
		return nil, errors.New("appointments: slot finder not configured")
	}
	ctx, span := tracer.Start(ctx, "appointments.available_slots")
	defer span.End()
	span.SetAttributes(attribute.String("site_id", siteID))

	var slots []crio.Slot
	err := m.withSession(ctx, func(creds crio.Credentials) error {
		var err error
		slots, err = m.slots.NextAvailable(ctx, creds, siteID, limit, daysAhead)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return slots, nil
}

// withSession runs fn with the shared credentials. A rejected session is
// retired by handle; any other outcome counts as one use.
func (m *Mapper) withSession(ctx context.Context, fn func(crio.Credentials) error) error {
	h, err := m.sessions.Acquire(ctx, m.consumer)
	if err != nil {
		return err
	}
	callErr := fn(h.Credentials)
	if errors.Is(callErr, apperr.ErrSessionExpired) {
		if _, err := m.sessions.InvalidateHandle(ctx, h, session.ReasonRejected); err != nil {
			m.logger.Warn("failed to invalidate rejected session", "session_id", h.SessionID, "error", err)
		}
		return callErr
	}
	if err := m.sessions.RecordUsage(ctx, h); err != nil {
		m.logger.Warn("failed to record session usage", "session_id", h.SessionID, "error", err)
	}
	return callErr
}

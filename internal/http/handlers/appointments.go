package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/appointments"
	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
	"github.com/wolfman30/trial-scheduling-engine/internal/notify"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

type appointmentMapper interface {
	EnsureRemotePatient(ctx context.Context, key appointments.PatientKey, demo crio.Demographics) (appointments.RemotePatient, error)
	BookAppointment(ctx context.Context, req appointments.BookingRequest) (appointments.Appointment, error)
	AvailableSlots(ctx context.Context, siteID string, limit, daysAhead int) ([]crio.Slot, error)
}

type bookingNotifier interface {
	NotifyAppointmentBooked(ctx context.Context, evt events.AppointmentBookedV1, p notify.Patient) (notify.Delivery, error)
}

type AppointmentsHandler struct {
	mapper   appointmentMapper
	notifier bookingNotifier
	funnel   campaignFunnel
	logger   *logging.Logger
}

func NewAppointmentsHandler(mapper appointmentMapper, notifier bookingNotifier, funnel campaignFunnel, logger *logging.Logger) *AppointmentsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{mapper: mapper, notifier: notifier, funnel: funnel, logger: logger}
}

type ensurePatientRequest struct {
	appointments.PatientKey
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth"`
	Gender      string `json:"gender"`
}

// EnsurePatient handles POST /appointments/patients.
func (h *AppointmentsHandler) EnsurePatient(w http.ResponseWriter, r *http.Request) {
	var req ensurePatientRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.ConversationSessionID == uuid.Nil || strings.TrimSpace(req.SiteID) == "" || strings.TrimSpace(req.StudyID) == "" {
		badRequest(w, "conversation_session_id, site_id and study_id are required")
		return
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		badRequest(w, "first_name and last_name are required")
		return
	}
	var dob time.Time
	if req.DateOfBirth != "" {
		parsed, err := time.Parse("2006-01-02", req.DateOfBirth)
		if err != nil {
			badRequest(w, "date_of_birth must be YYYY-MM-DD")
			return
		}
		dob = parsed
	}
	rp, err := h.mapper.EnsureRemotePatient(r.Context(), req.PatientKey, crio.Demographics{
		FirstName:   strings.TrimSpace(req.FirstName),
		LastName:    strings.TrimSpace(req.LastName),
		Email:       strings.TrimSpace(req.Email),
		Phone:       strings.TrimSpace(req.Phone),
		DateOfBirth: dob,
		Gender:      req.Gender,
	})
	if err != nil {
		writeError(w, h.logger, "ensure remote patient", err)
		return
	}
	writeJSON(w, http.StatusOK, rp)
}

type bookRequest struct {
	appointments.BookingRequest
	PatientName       string     `json:"patient_name,omitempty"`
	PatientEmail      string     `json:"patient_email,omitempty"`
	CampaignContactID *uuid.UUID `json:"campaign_contact_id,omitempty"`
}

// Book handles POST /appointments.
func (h *AppointmentsHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := req.BookingRequest.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}
	appt, err := h.mapper.BookAppointment(r.Context(), req.BookingRequest)
	if err != nil {
		writeError(w, h.logger, "book appointment", err)
		return
	}

	if h.notifier != nil && req.PatientEmail != "" {
		evt := events.AppointmentBookedV1{
			AppointmentID:       appt.ID.String(),
			RemoteAppointmentID: appt.RemoteAppointmentID,
			RemotePatientID:     appt.RemotePatientID,
			SiteID:              appt.SiteID,
			StudyID:             appt.StudyID,
			VisitID:             appt.VisitID,
			AppointmentAt:       appt.AppointmentAt,
		}
		if appt.ConversationSessionID != nil {
			evt.ConversationSessionID = appt.ConversationSessionID.String()
		}
		if _, err := h.notifier.NotifyAppointmentBooked(r.Context(), evt, notify.Patient{Name: req.PatientName, Email: req.PatientEmail}); err != nil {
			h.logger.Warn("booking confirmation email failed", "error", err, "appointment_id", appt.ID)
		}
	}
	if req.CampaignContactID != nil && h.funnel != nil {
		if _, err := h.funnel.MarkBooked(r.Context(), *req.CampaignContactID); err != nil {
			h.logger.Warn("campaign contact not marked booked", "error", err, "contact_id", *req.CampaignContactID)
		}
	}
	writeJSON(w, http.StatusCreated, appt)
}

type slotView struct {
	StartsAt          time.Time `json:"starts_at"`
	Display           string    `json:"display"`
	CapacityRemaining int       `json:"capacity_remaining"`
}

// Slots handles GET /sites/{siteID}/slots?limit=&days=.
func (h *AppointmentsHandler) Slots(w http.ResponseWriter, r *http.Request) {
	siteID := strings.TrimSpace(chi.URLParam(r, "siteID"))
	if siteID == "" {
		badRequest(w, "site id is required")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	days, _ := strconv.Atoi(q.Get("days"))
	slots, err := h.mapper.AvailableSlots(r.Context(), siteID, limit, days)
	if err != nil {
		writeError(w, h.logger, "available slots", err)
		return
	}
	out := make([]slotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotView{StartsAt: s.StartsAt, Display: s.Display(), CapacityRemaining: s.CapacityRemaining})
	}
	writeJSON(w, http.StatusOK, map[string]any{"site_id": siteID, "slots": out})
}

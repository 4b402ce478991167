package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/appointments"
	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
	"github.com/wolfman30/trial-scheduling-engine/internal/notify"
)

type fakeMapper struct {
	demo    crio.Demographics
	booked  []appointments.BookingRequest
	slots   []crio.Slot
	siteArg string
}

func (f *fakeMapper) EnsureRemotePatient(_ context.Context, key appointments.PatientKey, demo crio.Demographics) (appointments.RemotePatient, error) {
	f.demo = demo
	return appointments.RemotePatient{ID: uuid.New(), Key: key, RemotePatientID: "p-1"}, nil
}

func (f *fakeMapper) BookAppointment(_ context.Context, req appointments.BookingRequest) (appointments.Appointment, error) {
	f.booked = append(f.booked, req)
	return appointments.Appointment{
		ID:                  uuid.New(),
		RemoteAppointmentID: "appt-1",
		SiteID:              req.SiteID,
		StudyID:             req.StudyID,
		VisitID:             req.VisitID,
		AppointmentAt:       req.StartsAt,
	}, nil
}

func (f *fakeMapper) AvailableSlots(_ context.Context, siteID string, _, _ int) ([]crio.Slot, error) {
	f.siteArg = siteID
	return f.slots, nil
}

type fakeBookingNotifier struct {
	events   []events.AppointmentBookedV1
	patients []notify.Patient
}

func (f *fakeBookingNotifier) NotifyAppointmentBooked(_ context.Context, evt events.AppointmentBookedV1, p notify.Patient) (notify.Delivery, error) {
	f.events = append(f.events, evt)
	f.patients = append(f.patients, p)
	return notify.DeliveryDelivered, nil
}

func TestBook_NotifiesAndMarksCampaignContact(t *testing.T) {
	mapper := &fakeMapper{}
	notifier := &fakeBookingNotifier{}
	funnel := &fakeFunnel{}
	h := NewAppointmentsHandler(mapper, notifier, funnel, nil)
	contact := uuid.New()

	body := `{"remote_patient_id":"p-1","site_id":"site-1","study_id":"study-1","visit_id":"screening","starts_at":"2026-11-02T15:00:00Z",` +
		`"patient_name":"Ann Lee","patient_email":"ann@example.com","campaign_contact_id":"` + contact.String() + `"}`
	rec := route(http.MethodPost, "/appointments", h.Book, httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, mapper.booked, 1)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, "appt-1", notifier.events[0].RemoteAppointmentID)
	assert.Equal(t, "ann@example.com", notifier.patients[0].Email)
	assert.Equal(t, []uuid.UUID{contact}, funnel.booked)
}

func TestBook_InvalidRequest(t *testing.T) {
	mapper := &fakeMapper{}
	h := NewAppointmentsHandler(mapper, nil, nil, nil)

	rec := route(http.MethodPost, "/appointments", h.Book, httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{"site_id":"site-1"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, mapper.booked)
}

func TestEnsurePatient_ParsesDateOfBirth(t *testing.T) {
	mapper := &fakeMapper{}
	h := NewAppointmentsHandler(mapper, nil, nil, nil)
	body := `{"conversation_session_id":"` + uuid.NewString() + `","site_id":"site-1","study_id":"study-1","first_name":"Ann","last_name":"Lee","date_of_birth":"1990-04-12"}`

	rec := route(http.MethodPost, "/appointments/patients", h.EnsurePatient, httptest.NewRequest(http.MethodPost, "/appointments/patients", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC), mapper.demo.DateOfBirth)

	bad := strings.Replace(body, "1990-04-12", "04/12/1990", 1)
	rec = route(http.MethodPost, "/appointments/patients", h.EnsurePatient, httptest.NewRequest(http.MethodPost, "/appointments/patients", strings.NewReader(bad)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlots(t *testing.T) {
	at := time.Date(2026, 11, 6, 9, 0, 0, 0, time.UTC)
	mapper := &fakeMapper{slots: []crio.Slot{{StartsAt: at, CapacityRemaining: 2}}}
	h := NewAppointmentsHandler(mapper, nil, nil, nil)

	rec := route(http.MethodGet, "/sites/{siteID}/slots", h.Slots, httptest.NewRequest(http.MethodGet, "/sites/site-1/slots?limit=3", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "site-1", mapper.siteArg)
	assert.Contains(t, rec.Body.String(), "Friday, November 6 at 9:00 AM")
}

package events

import "time"

type AppointmentBookedV1 struct {
	AppointmentID         string    `json:"appointment_id"`
	RemoteAppointmentID   string    `json:"remote_appointment_id"`
	RemotePatientID       string    `json:"remote_patient_id"`
	SiteID                string    `json:"site_id"`
	StudyID               string    `json:"study_id"`
	VisitID               string    `json:"visit_id"`
	ConversationSessionID string    `json:"conversation_session_id,omitempty"`
	AppointmentAt         time.Time `json:"appointment_at"`
}

func (AppointmentBookedV1) EventType() string { return "appointment.booked.v1" }

type RescheduleCompletedV1 struct {
	RequestID              string    `json:"request_id"`
	BatchID                string    `json:"batch_id,omitempty"`
	OldRemoteAppointmentID string    `json:"old_remote_appointment_id"`
	NewRemoteAppointmentID string    `json:"new_remote_appointment_id"`
	NewAppointmentAt       time.Time `json:"new_appointment_at"`
}

func (RescheduleCompletedV1) EventType() string { return "reschedule.completed.v1" }

type RescheduleEscalatedV1 struct {
	RequestID  string    `json:"request_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	Phone      string    `json:"phone"`
	FromStatus string    `json:"from_status"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (RescheduleEscalatedV1) EventType() string { return "reschedule.escalated.v1" }

type ContactOptedOutV1 struct {
	CampaignID string    `json:"campaign_id"`
	ContactID  string    `json:"contact_id"`
	Phone      string    `json:"phone"`
	Keyword    string    `json:"keyword"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (ContactOptedOutV1) EventType() string { return "campaign.contact.opted_out.v1" }

type SessionActivatedV1 struct {
	SessionID       string    `json:"session_id"`
	Source          string    `json:"source"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	SupersededID    string    `json:"superseded_id,omitempty"`
}

func (SessionActivatedV1) EventType() string { return "scheduling_session.activated.v1" }

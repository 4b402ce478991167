package reschedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/events"
)

// Status is the lifecycle of a single reschedule request.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSMSSent           Status = "sms_sent"
	StatusPatientResponded  Status = "patient_responded"
	StatusAwaitingSelection Status = "awaiting_selection"
	StatusConfirmed         Status = "confirmed"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusEscalated         Status = "escalated"
	StatusCancelled         Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending, StatusSMSSent, StatusPatientResponded, StatusAwaitingSelection,
	StatusConfirmed, StatusCompleted, StatusFailed, StatusEscalated, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal statuses never change again. Escalated requests are handed to a
// coordinator and are not resumed by the engine.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusEscalated, StatusCancelled:
		return true
	}
	return false
}

// Open reports whether an inbound SMS from the patient belongs to the request.
func (s Status) Open() bool {
	switch s {
	case StatusSMSSent, StatusPatientResponded, StatusAwaitingSelection, StatusConfirmed:
		return true
	}
	return false
}

var forward = map[Status]Status{
	StatusPending:           StatusSMSSent,
	StatusSMSSent:           StatusPatientResponded,
	StatusPatientResponded:  StatusAwaitingSelection,
	StatusAwaitingSelection: StatusConfirmed,
	StatusConfirmed:         StatusCompleted,
}

// CanTransition reports whether from -> to is a legal move. A pending
// request may also "move" to pending to record a failed dispatch attempt.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed, StatusEscalated:
		return true
	case StatusCancelled:
		return from == StatusPending || from == StatusSMSSent
	case StatusPending:
		return from == StatusPending
	}
	return forward[from] == to
}

// Escalation reasons.
const (
	ReasonDispatchFailure = "dispatch_failure"
	ReasonNoAvailability  = "no_availability"
	ReasonSlotError       = "slot_error"
	ReasonBookingFailed   = "booking_failed"
	ReasonMissingData     = "missing_data"
	ReasonOptedOut        = "opted_out"
	ReasonCoordinator     = "coordinator_request"
)

// InitiatedBy values for history rows.
const (
	InitiatedByPatient     = "patient"
	InitiatedByCoordinator = "coordinator"
	InitiatedBySystem      = "system"
)

// BatchStatus is the lifecycle of an uploaded batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Batch groups requests uploaded together. Counters are derived from the
// requests and never written directly.
type Batch struct {
	ID                    uuid.UUID   `json:"id"`
	Name                  string      `json:"name"`
	UploadedBy            string      `json:"uploaded_by"`
	ArchiveKey            string      `json:"archive_key,omitempty"`
	Status                BatchStatus `json:"status"`
	TotalPatients         int         `json:"total_patients"`
	ProcessedPatients     int         `json:"processed_patients"`
	SuccessfulReschedules int         `json:"successful_reschedules"`
	FailedReschedules     int         `json:"failed_reschedules"`
	PendingPatients       int         `json:"pending_patients"`
	EscalatedPatients     int         `json:"escalated_patients"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// Request is one patient appointment that has to move.
type Request struct {
	ID                         uuid.UUID  `json:"id"`
	BatchID                    *uuid.UUID `json:"batch_id,omitempty"`
	Phone                      string     `json:"phone"`
	PatientName                string     `json:"patient_name"`
	SiteID                     string     `json:"site_id"`
	StudyID                    string     `json:"study_id"`
	VisitID                    string     `json:"visit_id"`
	RemoteSubjectID            string     `json:"remote_subject_id"`
	CurrentRemoteAppointmentID string     `json:"current_remote_appointment_id"`
	CurrentAppointmentAt       *time.Time `json:"current_appointment_at,omitempty"`
	EarliestNewDate            *time.Time `json:"earliest_new_date,omitempty"`
	AvailabilityNotes          string     `json:"availability_notes,omitempty"`
	Status                     Status     `json:"status"`
	DispatchAttempts           int        `json:"dispatch_attempts"`
	NextAttemptAt              time.Time  `json:"next_attempt_at"`
	LastError                  string     `json:"last_error,omitempty"`
	ProviderMessageID          string     `json:"provider_message_id,omitempty"`
	SMSSentAt                  *time.Time `json:"sms_sent_at,omitempty"`
	LastInboundAt              *time.Time `json:"last_inbound_at,omitempty"`
	Escalated                  bool       `json:"escalated"`
	EscalationReason           string     `json:"escalation_reason,omitempty"`
	SelectedSlotAt             *time.Time `json:"selected_slot_at,omitempty"`
	NewRemoteAppointmentID     string     `json:"new_remote_appointment_id,omitempty"`
	CreatedAt                  time.Time  `json:"created_at"`
	UpdatedAt                  time.Time  `json:"updated_at"`
}

func (r Request) batchID() string {
	if r.BatchID == nil {
		return ""
	}
	return r.BatchID.String()
}

// History is written once per completed reschedule.
type History struct {
	ID                     uuid.UUID  `json:"id"`
	RequestID              uuid.UUID  `json:"request_id"`
	OldRemoteAppointmentID string     `json:"old_remote_appointment_id"`
	NewRemoteAppointmentID string     `json:"new_remote_appointment_id"`
	OldAppointmentAt       *time.Time `json:"old_appointment_at,omitempty"`
	NewAppointmentAt       time.Time  `json:"new_appointment_at"`
	ReasonCode             string     `json:"reason_code"`
	ReasonText             string     `json:"reason_text"`
	InitiatedBy            string     `json:"initiated_by"`
	RescheduledAt          time.Time  `json:"rescheduled_at"`
}

// Patch carries the column changes that ride along with a transition. Nil
// fields are left untouched.
type Patch struct {
	DispatchAttempts       *int
	NextAttemptAt          *time.Time
	LastError              *string
	ProviderMessageID      *string
	SMSSentAt              *time.Time
	LastInboundAt          *time.Time
	EscalationReason       *string
	SelectedSlotAt         *time.Time
	NewRemoteAppointmentID *string
}

// AppointmentMove updates the local appointment mirror inside the same
// transaction as the transition.
type AppointmentMove struct {
	RemoteAppointmentID string
	NewAt               time.Time
	Note                string
}

// Change is one guarded transition plus everything that must commit with it.
type Change struct {
	RequestID  uuid.UUID
	From       Status
	To         Status
	Metadata   Metadata
	Provenance map[string]string
	Patch      Patch
	History    *History
	Move       *AppointmentMove
	// Outbox is appended through the same transaction.
	Outbox events.CanonicalEvent
}

// Store persists requests, batches and the transition log. Apply must run
// the guarded update, the event row, the optional history/move/outbox rows
// and the batch counter recomputation atomically.
type Store interface {
	CreateBatch(ctx context.Context, b Batch, reqs []Request) (Batch, error)
	CreateRequest(ctx context.Context, r Request) (Request, error)
	GetBatch(ctx context.Context, id uuid.UUID) (Batch, error)
	GetRequest(ctx context.Context, id uuid.UUID) (Request, error)
	ListRequests(ctx context.Context, batchID uuid.UUID) ([]Request, error)
	// ClaimDue leases pending requests whose next attempt is due by pushing
	// next_attempt_at forward, so concurrent dispatchers do not double-send.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Request, error)
	Stalled(ctx context.Context, status Status, before time.Time, limit int) ([]Request, error)
	OpenByPhone(ctx context.Context, phone string, since time.Time) (Request, error)
	LatestOffer(ctx context.Context, requestID uuid.UUID) (SlotOffer, error)
	Events(ctx context.Context, requestID uuid.UUID) ([]Event, error)
	Apply(ctx context.Context, c Change) (Request, error)
	CancelBatch(ctx context.Context, batchID uuid.UUID, c Cancellation) (int, error)
}

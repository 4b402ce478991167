package reschedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata is the typed payload attached to a transition. Kind is stored in
// reschedule_request_events.metadata_kind and selects the decoder.
type Metadata interface {
	Kind() string
}

// Dispatched records the outbound SMS that opened the conversation.
type Dispatched struct {
	ProviderMessageID string `json:"provider_message_id"`
	Attempt           int    `json:"attempt"`
}

// DispatchFailure records a failed send. The request stays pending until
// the attempt ceiling is reached.
type DispatchFailure struct {
	Attempt       int        `json:"attempt"`
	Error         string     `json:"error"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// InboundReply records the patient's message.
type InboundReply struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Body              string `json:"body"`
}

// OfferedSlot is one choice presented to the patient, numbered from 1.
type OfferedSlot struct {
	Option            int       `json:"option"`
	StartsAt          time.Time `json:"starts_at"`
	Label             string    `json:"label"`
	CapacityRemaining int       `json:"capacity_remaining"`
}

// SlotOffer lists the slots sent to the patient.
type SlotOffer struct {
	Slots []OfferedSlot `json:"slots"`
}

// Pick returns the offered slot for a 1-based option.
func (o SlotOffer) Pick(option int) (OfferedSlot, bool) {
	for _, s := range o.Slots {
		if s.Option == option {
			return s, true
		}
	}
	return OfferedSlot{}, false
}

// SlotSelection records the slot the patient chose and the booked result.
type SlotSelection struct {
	Option                 int       `json:"option"`
	StartsAt               time.Time `json:"starts_at"`
	NewRemoteAppointmentID string    `json:"new_remote_appointment_id"`
}

// Completion records the history row written when the request completed.
type Completion struct {
	HistoryID uuid.UUID `json:"history_id"`
}

// Escalation hands the request to a coordinator.
type Escalation struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Actor  string `json:"actor"`
}

// Cancellation stops a request before the patient engaged.
type Cancellation struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// Failure closes the request without a reschedule.
type Failure struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (Dispatched) Kind() string      { return "dispatched" }
func (DispatchFailure) Kind() string { return "dispatch_failure" }
func (InboundReply) Kind() string    { return "inbound_reply" }
func (SlotOffer) Kind() string       { return "slot_offer" }
func (SlotSelection) Kind() string   { return "slot_selection" }
func (Completion) Kind() string      { return "completion" }
func (Escalation) Kind() string      { return "escalation" }
func (Cancellation) Kind() string    { return "cancellation" }
func (Failure) Kind() string         { return "failure" }

// Event is one row of the append-only transition log.
type Event struct {
	ID         int64             `json:"id"`
	RequestID  uuid.UUID         `json:"request_id"`
	From       Status            `json:"from_status"`
	To         Status            `json:"to_status"`
	Metadata   Metadata          `json:"metadata,omitempty"`
	Provenance map[string]string `json:"provenance,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func encodeMetadata(m Metadata) (string, []byte, error) {
	if m == nil {
		return "", nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("reschedule: encode %s metadata: %w", m.Kind(), err)
	}
	return m.Kind(), raw, nil
}

// DecodeMetadata rebuilds the typed variant stored under kind.
func DecodeMetadata(kind string, raw []byte) (Metadata, error) {
	if kind == "" || len(raw) == 0 {
		return nil, nil
	}
	var (
		m   Metadata
		err error
	)
	switch kind {
	case "dispatched":
		m, err = decode[Dispatched](raw)
	case "dispatch_failure":
		m, err = decode[DispatchFailure](raw)
	case "inbound_reply":
		m, err = decode[InboundReply](raw)
	case "slot_offer":
		m, err = decode[SlotOffer](raw)
	case "slot_selection":
		m, err = decode[SlotSelection](raw)
	case "completion":
		m, err = decode[Completion](raw)
	case "escalation":
		m, err = decode[Escalation](raw)
	case "cancellation":
		m, err = decode[Cancellation](raw)
	case "failure":
		m, err = decode[Failure](raw)
	default:
		return nil, fmt.Errorf("reschedule: unknown metadata kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("reschedule: decode %s metadata: %w", kind, err)
	}
	return m, nil
}

func decode[T Metadata](raw []byte) (Metadata, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

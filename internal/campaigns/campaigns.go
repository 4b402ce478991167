package campaigns

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle of a campaign.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// ContactStatus is the lifecycle of one recipient.
type ContactStatus string

const (
	ContactPending               ContactStatus = "pending"
	ContactSent                  ContactStatus = "sent"
	ContactDelivered             ContactStatus = "delivered"
	ContactResponded             ContactStatus = "responded"
	ContactInterested            ContactStatus = "interested"
	ContactNotInterested         ContactStatus = "not_interested"
	ContactPrescreeningActive    ContactStatus = "prescreening_active"
	ContactPrescreeningCompleted ContactStatus = "prescreening_completed"
	ContactEligible              ContactStatus = "eligible"
	ContactIneligible            ContactStatus = "ineligible"
	ContactBooked                ContactStatus = "booked"
	ContactOptOut                ContactStatus = "opt_out"
	ContactError                 ContactStatus = "error"
)

var contactFlow = map[ContactStatus][]ContactStatus{
	ContactPending:               {ContactSent},
	ContactSent:                  {ContactDelivered, ContactResponded, ContactInterested, ContactNotInterested},
	ContactDelivered:             {ContactResponded, ContactInterested, ContactNotInterested},
	ContactResponded:             {ContactResponded, ContactInterested, ContactNotInterested},
	ContactInterested:            {ContactPrescreeningActive},
	ContactPrescreeningActive:    {ContactPrescreeningCompleted},
	ContactPrescreeningCompleted: {ContactEligible, ContactIneligible},
	ContactEligible:              {ContactBooked},
}

// CanTransition reports whether a contact may move from -> to. opt_out is
// permanent; error is reachable from anything but opt_out.
func CanTransition(from, to ContactStatus) bool {
	if from == ContactOptOut {
		return false
	}
	if to == ContactOptOut || to == ContactError {
		return true
	}
	for _, next := range contactFlow[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Engaged reports whether an inbound reply should be attributed to the
// contact.
func (s ContactStatus) Engaged() bool {
	switch s {
	case ContactOptOut, ContactError, ContactPending:
		return false
	}
	return true
}

// Response classifications.
const (
	ResponseInterested    = "interested"
	ResponseNotInterested = "not_interested"
	ResponseUnclear       = "unclear"
)

// Campaign is an outbound SMS effort for one trial. Counters are derived
// from its contacts and never written directly.
type Campaign struct {
	ID                 uuid.UUID  `json:"id"`
	Name               string     `json:"name"`
	TrialID            *int64     `json:"trial_id,omitempty"`
	TrialName          string     `json:"trial_name"`
	Condition          string     `json:"condition"`
	SiteID             string     `json:"site_id"`
	SiteName           string     `json:"site_name"`
	MessageTemplate    string     `json:"message_template"`
	Status             Status     `json:"status"`
	CreatedBy          string     `json:"created_by"`
	TotalContacts      int        `json:"total_contacts"`
	SentCount          int        `json:"sent_count"`
	DeliveredCount     int        `json:"delivered_count"`
	RespondedCount     int        `json:"responded_count"`
	InterestedCount    int        `json:"interested_count"`
	NotInterestedCount int        `json:"not_interested_count"`
	OptOutCount        int        `json:"opt_out_count"`
	BookedCount        int        `json:"booked_count"`
	ErrorCount         int        `json:"error_count"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Contact is one recipient of a campaign.
type Contact struct {
	ID                    uuid.UUID     `json:"id"`
	CampaignID            uuid.UUID     `json:"campaign_id"`
	FirstName             string        `json:"first_name"`
	LastName              string        `json:"last_name"`
	Phone                 string        `json:"phone"`
	Email                 string        `json:"email,omitempty"`
	Status                ContactStatus `json:"status"`
	ResponseType          string        `json:"response_type,omitempty"`
	LastResponse          string        `json:"last_response,omitempty"`
	ProviderMessageID     string        `json:"provider_message_id,omitempty"`
	ConversationSessionID *uuid.UUID    `json:"conversation_session_id,omitempty"`
	ErrorMessage          string        `json:"error_message,omitempty"`
	SentAt                *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt           *time.Time    `json:"delivered_at,omitempty"`
	RespondedAt           *time.Time    `json:"responded_at,omitempty"`
	OptedOutAt            *time.Time    `json:"opted_out_at,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// ContactPatch carries columns written with a transition. Nil fields are
// left untouched; timestamps only fill when still empty.
type ContactPatch struct {
	ProviderMessageID     *string
	ResponseType          *string
	LastResponse          *string
	ErrorMessage          *string
	ConversationSessionID *uuid.UUID
	SentAt                *time.Time
	DeliveredAt           *time.Time
	RespondedAt           *time.Time
}

// ContactChange is one guarded contact transition.
type ContactChange struct {
	ContactID uuid.UUID
	From      ContactStatus
	To        ContactStatus
	Patch     ContactPatch
}

// CampaignUpdate edits a draft or paused campaign. Nil fields are kept.
type CampaignUpdate struct {
	Name            *string `json:"name,omitempty"`
	TrialName       *string `json:"trial_name,omitempty"`
	Condition       *string `json:"condition,omitempty"`
	SiteID          *string `json:"site_id,omitempty"`
	SiteName        *string `json:"site_name,omitempty"`
	MessageTemplate *string `json:"message_template,omitempty"`
}

// OptOut is the result of a global suppression.
type OptOut struct {
	Phone    string
	Keyword  string
	Source   string
	Contacts []Contact
	// New is false when the phone was already suppressed.
	New bool
}

// Store persists campaigns and contacts. Every contact mutation must
// recompute the owning campaign's counters in the same transaction.
type Store interface {
	CreateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (Campaign, error)
	ListCampaigns(ctx context.Context, status Status) ([]Campaign, error)
	UpdateCampaign(ctx context.Context, id uuid.UUID, u CampaignUpdate) (Campaign, error)
	// SetStatus moves the campaign to `to` when it is currently in one of from.
	SetStatus(ctx context.Context, id uuid.UUID, to Status, from ...Status) (Campaign, error)
	DeleteCampaign(ctx context.Context, id uuid.UUID) error

	// AddContacts inserts contacts, skipping phones already on the campaign.
	AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []Contact) (int, error)
	GetContact(ctx context.Context, id uuid.UUID) (Contact, error)
	ListContacts(ctx context.Context, campaignID uuid.UUID, status ContactStatus) ([]Contact, error)
	PendingContacts(ctx context.Context, campaignID uuid.UUID, limit int) ([]Contact, error)
	ContactByProviderMessage(ctx context.Context, providerMessageID string) (Contact, error)
	// EngagedByPhone returns the most recently messaged contact for phone.
	EngagedByPhone(ctx context.Context, phone string) (Contact, error)
	ApplyContact(ctx context.Context, c ContactChange) (Contact, error)

	IsOptedOut(ctx context.Context, phone string) (bool, error)
	// OptOut suppresses phone globally and moves every contact with that
	// phone to opt_out, appending one outbox event per contact.
	OptOut(ctx context.Context, phone, source, keyword string, at time.Time) (OptOut, error)
	StatusBreakdown(ctx context.Context, campaignID uuid.UUID) (map[ContactStatus]int, map[string]int, error)
}

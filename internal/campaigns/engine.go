package campaigns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/conversations"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging/compliance"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

var tracer = otel.Tracer("trialsched.internal.campaigns")

// SMSSender sends one SMS and returns the provider message id.
type SMSSender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

type auditor interface {
	LogOptOut(ctx context.Context, phone, source, keyword string) error
}

const defaultTemplate = "Hi {first_name}, {site_name} is enrolling volunteers for a {condition} research study. " +
	"Reply YES to learn more."

// Config tunes campaign sends.
type Config struct {
	QuietHours      compliance.QuietHours
	SendConcurrency int
	SendBatchSize   int
	TestModeLimit   int
}

func (c Config) withDefaults() Config {
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = 4
	}
	if c.SendBatchSize <= 0 {
		c.SendBatchSize = 500
	}
	if c.TestModeLimit <= 0 {
		c.TestModeLimit = 5
	}
	return c
}

// Engine runs campaign sends and attributes replies to contacts.
type Engine struct {
	store    Store
	sms      SMSSender
	cfg      Config
	throttle *Throttle
	audit    auditor
	convos   conversationStarter
	stop     *compliance.Detector
	metrics  *metrics.EngineMetrics
	now      func() time.Time
	logger   *logging.Logger
}

func NewEngine(store Store, sms SMSSender, cfg Config, m *metrics.EngineMetrics, logger *logging.Logger) *Engine {
	if store == nil || sms == nil {
		panic("campaigns: store and sms sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:   store,
		sms:     sms,
		cfg:     cfg.withDefaults(),
		stop:    compliance.NewDetector(),
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
}

// WithThrottle caps sends per phone.
func (e *Engine) WithThrottle(t *Throttle) *Engine {
	e.throttle = t
	return e
}

// WithAuditor records opt-outs in the compliance log.
func (e *Engine) WithAuditor(a auditor) *Engine {
	e.audit = a
	return e
}

type conversationStarter interface {
	Begin(ctx context.Context, id uuid.UUID, channel conversations.Channel, phone string) (conversations.Session, error)
}

// WithConversations opens the SMS conversation a prescreening hangs off.
func (e *Engine) WithConversations(c conversationStarter) *Engine {
	e.convos = c
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// CreateCampaign stores a new draft campaign.
func (e *Engine) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Campaign{}, apperr.Wrap("campaigns: create", apperr.ErrInvalidInput, errors.New("name required"))
	}
	if strings.TrimSpace(c.MessageTemplate) == "" {
		c.MessageTemplate = defaultTemplate
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	out, err := e.store.CreateCampaign(ctx, c)
	if err != nil {
		return Campaign{}, err
	}
	e.logger.Info("campaign created", "campaign_id", out.ID, "name", out.Name, "created_by", out.CreatedBy)
	return out, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (Campaign, error) {
	return e.store.GetCampaign(ctx, id)
}

func (e *Engine) List(ctx context.Context, status Status) ([]Campaign, error) {
	return e.store.ListCampaigns(ctx, status)
}

func (e *Engine) Contacts(ctx context.Context, id uuid.UUID, status ContactStatus) ([]Contact, error) {
	return e.store.ListContacts(ctx, id, status)
}

func (e *Engine) Update(ctx context.Context, id uuid.UUID, u CampaignUpdate) (Campaign, error) {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return Campaign{}, apperr.Wrap("campaigns: update", apperr.ErrInvalidInput, errors.New("name cannot be blank"))
	}
	return e.store.UpdateCampaign(ctx, id, u)
}

// Delete removes a campaign that is not currently sending.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	if err := e.store.DeleteCampaign(ctx, id); err != nil {
		return err
	}
	e.logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

func (e *Engine) Pause(ctx context.Context, id uuid.UUID) (Campaign, error) {
	return e.store.SetStatus(ctx, id, StatusPaused, StatusActive)
}

func (e *Engine) Resume(ctx context.Context, id uuid.UUID) (Campaign, error) {
	return e.store.SetStatus(ctx, id, StatusActive, StatusPaused)
}

func (e *Engine) Complete(ctx context.Context, id uuid.UUID) (Campaign, error) {
	return e.store.SetStatus(ctx, id, StatusCompleted, StatusDraft, StatusActive, StatusPaused)
}

// AddContacts normalizes phones and adds the contacts that are not already
// on the campaign. Contacts without a usable phone are skipped.
func (e *Engine) AddContacts(ctx context.Context, id uuid.UUID, contacts []Contact) (int, error) {
	valid := make([]Contact, 0, len(contacts))
	seen := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		c.Phone = messaging.NormalizeE164(c.Phone)
		if len(c.Phone) < 11 || seen[c.Phone] {
			continue
		}
		seen[c.Phone] = true
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.CampaignID = id
		c.Status = ContactPending
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return 0, apperr.Wrap("campaigns: add contacts", apperr.ErrInvalidInput, errors.New("no contacts with a valid phone"))
	}
	return e.store.AddContacts(ctx, id, valid)
}

// TriggerOptions controls one send pass.
type TriggerOptions struct {
	// TestMode sends to at most the configured test limit.
	TestMode bool
	Limit    int
}

// TriggerResult summarizes a send pass.
type TriggerResult struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Suppressed int       `json:"suppressed"`
	Throttled  int       `json:"throttled"`
	// Deferred is set when quiet hours blocked the whole pass.
	Deferred      bool       `json:"deferred"`
	DeferredUntil *time.Time `json:"deferred_until,omitempty"`
}

// Trigger activates the campaign and sends to its pending contacts. Phones
// on the global opt-out list are moved to opt_out without a send.
func (e *Engine) Trigger(ctx context.Context, id uuid.UUID, opts TriggerOptions) (TriggerResult, error) {
	ctx, span := tracer.Start(ctx, "campaigns.trigger")
	defer span.End()
	span.SetAttributes(attribute.String("campaign_id", id.String()))

	res := TriggerResult{CampaignID: id}
	c, err := e.store.SetStatus(ctx, id, StatusActive, StatusDraft, StatusActive, StatusPaused)
	if err != nil {
		return res, err
	}
	if now := e.now(); e.cfg.QuietHours.Suppress(now, compliance.PurposeRecruitment) {
		until := e.cfg.QuietHours.Resume(now).UTC()
		e.logger.Info("campaign send deferred for quiet hours", "campaign_id", id, "until", until)
		res.Deferred, res.DeferredUntil = true, &until
		return res, nil
	}

	limit := e.cfg.SendBatchSize
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	if opts.TestMode && e.cfg.TestModeLimit < limit {
		limit = e.cfg.TestModeLimit
	}
	pending, err := e.store.PendingContacts(ctx, id, limit)
	if err != nil {
		return res, err
	}

	var sent, failed, suppressed, throttled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SendConcurrency)
	for _, ct := range pending {
		g.Go(func() error {
			outcome, err := e.sendOne(gctx, c, ct)
			e.metrics.ObserveCampaignSend(outcome)
			switch outcome {
			case "sent":
				sent.Add(1)
			case "suppressed":
				suppressed.Add(1)
			case "throttled":
				throttled.Add(1)
			default:
				failed.Add(1)
			}
			if err != nil && !errors.Is(err, apperr.ErrIllegalTransition) {
				e.logger.Error("campaign send failed", "campaign_id", id, "contact_id", ct.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Sent = int(sent.Load())
	res.Failed = int(failed.Load())
	res.Suppressed = int(suppressed.Load())
	res.Throttled = int(throttled.Load())
	e.logger.Info("campaign send pass complete", "campaign_id", id, "sent", res.Sent, "failed", res.Failed,
		"suppressed", res.Suppressed, "throttled", res.Throttled, "test_mode", opts.TestMode)
	return res, nil
}

func (e *Engine) sendOne(ctx context.Context, c Campaign, ct Contact) (string, error) {
	opted, err := e.store.IsOptedOut(ctx, ct.Phone)
	if err != nil {
		return "error", err
	}
	if opted {
		_, err := e.store.ApplyContact(ctx, ContactChange{ContactID: ct.ID, From: ct.Status, To: ContactOptOut})
		return "suppressed", err
	}
	ok, err := e.throttle.Allow(ctx, ct.Phone)
	if err != nil {
		// throttle store unavailable; the contact stays pending
		return "throttled", err
	}
	if !ok {
		return "throttled", nil
	}

	msgID, sendErr := e.sms.Send(ctx, ct.Phone, Render(c.MessageTemplate, c, ct))
	if sendErr != nil {
		e.throttle.Release(ctx, ct.Phone)
		msg := sendErr.Error()
		_, err := e.store.ApplyContact(ctx, ContactChange{
			ContactID: ct.ID,
			From:      ct.Status,
			To:        ContactError,
			Patch:     ContactPatch{ErrorMessage: &msg},
		})
		if err != nil {
			return "error", err
		}
		return "error", apperr.Wrap("campaigns: send", apperr.ErrDispatchFailure, sendErr)
	}
	now := e.now().UTC()
	_, err = e.store.ApplyContact(ctx, ContactChange{
		ContactID: ct.ID,
		From:      ct.Status,
		To:        ContactSent,
		Patch:     ContactPatch{ProviderMessageID: &msgID, SentAt: &now},
	})
	if err != nil {
		return "error", err
	}
	return "sent", nil
}

// HandleDeliveryStatus applies a provider status callback. Unknown message
// ids report false.
func (e *Engine) HandleDeliveryStatus(ctx context.Context, providerMessageID, status string) (bool, error) {
	ct, err := e.store.ContactByProviderMessage(ctx, providerMessageID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ct.Status != ContactSent {
		// a reply already moved the contact past delivery
		return true, nil
	}
	now := e.now().UTC()
	change := ContactChange{ContactID: ct.ID, From: ct.Status}
	switch strings.ToLower(status) {
	case "delivered":
		change.To = ContactDelivered
		change.Patch.DeliveredAt = &now
	case "failed", "undelivered":
		msg := "delivery " + strings.ToLower(status)
		change.To = ContactError
		change.Patch.ErrorMessage = &msg
	default:
		return true, nil
	}
	if _, err := e.store.ApplyContact(ctx, change); err != nil && !errors.Is(err, apperr.ErrIllegalTransition) {
		return true, err
	}
	return true, nil
}

// Inbound is an SMS received from a contact.
type Inbound struct {
	Phone             string
	Body              string
	ProviderMessageID string
}

// Outcome reports what HandleInbound did.
type Outcome struct {
	Handled      bool          `json:"handled"`
	ContactID    uuid.UUID     `json:"contact_id,omitempty"`
	CampaignID   uuid.UUID     `json:"campaign_id,omitempty"`
	Status       ContactStatus `json:"status,omitempty"`
	ResponseType string        `json:"response_type,omitempty"`
	Reply        string        `json:"reply,omitempty"`
	OptedOut     bool          `json:"opted_out,omitempty"`
}

// HandleInbound attributes a reply to the most recently messaged contact
// for the phone. A stop keyword suppresses the phone everywhere even when
// no contact matches.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "campaigns.inbound")
	defer span.End()

	phone := messaging.NormalizeE164(in.Phone)
	now := e.now().UTC()
	if kw, ok := e.stop.StopKeyword(in.Body); ok {
		return e.OptOut(ctx, phone, "sms", kw)
	}

	ct, err := e.store.EngagedByPhone(ctx, phone)
	if errors.Is(err, apperr.ErrNotFound) {
		return Outcome{}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("contact_id", ct.ID.String()))

	response := ClassifyReply(in.Body)
	to := statusForResponse(response)
	out := Outcome{Handled: true, ContactID: ct.ID, CampaignID: ct.CampaignID, Status: ct.Status, ResponseType: response}
	if !CanTransition(ct.Status, to) {
		// already past the reply stage; the conversation engine owns it now
		return out, nil
	}
	body, _ := compliance.Redact(in.Body)
	updated, err := e.store.ApplyContact(ctx, ContactChange{
		ContactID: ct.ID,
		From:      ct.Status,
		To:        to,
		Patch: ContactPatch{
			ResponseType: &response,
			LastResponse: &body,
			RespondedAt:  &now,
		},
	})
	if errors.Is(err, apperr.ErrIllegalTransition) {
		e.logger.Info("campaign reply lost transition race", "contact_id", ct.ID, "error", err)
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	out.Status = updated.Status

	switch response {
	case ResponseInterested:
		c, err := e.store.GetCampaign(ctx, ct.CampaignID)
		if err != nil {
			e.logger.Warn("campaign lookup for reply failed", "campaign_id", ct.CampaignID, "error", err)
		}
		out.Reply = interestedReply(c)
	case ResponseNotInterested:
		out.Reply = notInterestedReply
	}
	return out, nil
}

// OptOut suppresses phone across every campaign.
func (e *Engine) OptOut(ctx context.Context, phone, source, keyword string) (Outcome, error) {
	phone = messaging.NormalizeE164(phone)
	res, err := e.store.OptOut(ctx, phone, source, keyword, e.now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	if res.New || len(res.Contacts) > 0 {
		e.logger.Info("phone opted out of campaigns", "contacts", len(res.Contacts), "keyword", keyword, "source", source)
		if e.audit != nil {
			if err := e.audit.LogOptOut(ctx, phone, source, keyword); err != nil {
				e.logger.Error("failed to audit opt out", "error", err)
			}
		}
	}
	out := Outcome{Handled: true, Status: ContactOptOut, Reply: optOutReply, OptedOut: true}
	if len(res.Contacts) > 0 {
		out.ContactID = res.Contacts[0].ID
		out.CampaignID = res.Contacts[0].CampaignID
	}
	return out, nil
}

// StartPrescreening links an interested contact to its prescreening session.
func (e *Engine) StartPrescreening(ctx context.Context, contactID, sessionID uuid.UUID) (Contact, error) {
	if e.convos == nil {
		return e.advance(ctx, contactID, ContactPrescreeningActive, ContactPatch{ConversationSessionID: &sessionID})
	}
	ct, err := e.store.GetContact(ctx, contactID)
	if err != nil {
		return Contact{}, err
	}
	if !CanTransition(ct.Status, ContactPrescreeningActive) {
		return Contact{}, apperr.Wrap("campaigns: advance", apperr.ErrIllegalTransition, fmt.Errorf("%s -> %s", ct.Status, ContactPrescreeningActive))
	}
	if _, err := e.convos.Begin(ctx, sessionID, conversations.ChannelSMS, ct.Phone); err != nil {
		return Contact{}, err
	}
	return e.store.ApplyContact(ctx, ContactChange{
		ContactID: ct.ID,
		From:      ct.Status,
		To:        ContactPrescreeningActive,
		Patch:     ContactPatch{ConversationSessionID: &sessionID},
	})
}

// CompletePrescreening records the eligibility outcome.
func (e *Engine) CompletePrescreening(ctx context.Context, contactID uuid.UUID, eligible bool) (Contact, error) {
	if _, err := e.advance(ctx, contactID, ContactPrescreeningCompleted, ContactPatch{}); err != nil {
		return Contact{}, err
	}
	to := ContactIneligible
	if eligible {
		to = ContactEligible
	}
	return e.advance(ctx, contactID, to, ContactPatch{})
}

func (e *Engine) MarkBooked(ctx context.Context, contactID uuid.UUID) (Contact, error) {
	return e.advance(ctx, contactID, ContactBooked, ContactPatch{})
}

func (e *Engine) advance(ctx context.Context, contactID uuid.UUID, to ContactStatus, patch ContactPatch) (Contact, error) {
	ct, err := e.store.GetContact(ctx, contactID)
	if err != nil {
		return Contact{}, err
	}
	if !CanTransition(ct.Status, to) {
		return Contact{}, apperr.Wrap("campaigns: advance", apperr.ErrIllegalTransition, fmt.Errorf("%s -> %s", ct.Status, to))
	}
	return e.store.ApplyContact(ctx, ContactChange{ContactID: ct.ID, From: ct.Status, To: to, Patch: patch})
}

// Stats is the analytics view of one campaign.
type Stats struct {
	Campaign       Campaign              `json:"campaign"`
	ByStatus       map[ContactStatus]int `json:"by_status"`
	ByResponse     map[string]int        `json:"by_response"`
	DeliveryRate   float64               `json:"delivery_rate"`
	ResponseRate   float64               `json:"response_rate"`
	InterestRate   float64               `json:"interest_rate"`
	ConversionRate float64               `json:"conversion_rate"`
}

func (e *Engine) Stats(ctx context.Context, id uuid.UUID) (Stats, error) {
	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	byStatus, byResponse, err := e.store.StatusBreakdown(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Campaign:       c,
		ByStatus:       byStatus,
		ByResponse:     byResponse,
		DeliveryRate:   ratio(c.DeliveredCount, c.SentCount),
		ResponseRate:   ratio(c.RespondedCount, c.SentCount),
		InterestRate:   ratio(c.InterestedCount, c.RespondedCount),
		ConversionRate: ratio(c.BookedCount, c.SentCount),
	}, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

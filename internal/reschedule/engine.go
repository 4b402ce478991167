package reschedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/appointments"
	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging/compliance"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

var tracer = otel.Tracer("trialsched.internal.reschedule")

// SMSSender sends one SMS and returns the provider message id.
type SMSSender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Scheduler is the remote side of a reschedule. *appointments.Mapper
// satisfies it.
type Scheduler interface {
	AvailableSlots(ctx context.Context, siteID string, limit, daysAhead int) ([]crio.Slot, error)
	MoveAppointment(ctx context.Context, req appointments.MoveRequest) error
}

// EscalationNotifier tells a coordinator a request needs a human.
type EscalationNotifier interface {
	NotifyEscalation(ctx context.Context, r Request, reason string) error
}

// OptOutChecker reports phones on the global STOP list.
type OptOutChecker interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
}

type auditor interface {
	LogEscalation(ctx context.Context, requestID, phone, fromStatus, reason string) error
}

// Config tunes the workflow.
type Config struct {
	DispatchCeiling    int
	RetryBaseDelay     time.Duration
	ConversationWindow time.Duration
	MaxSlotsOffered    int
	SearchDays         int
	CoordinatorEmail   string
}

func (c Config) withDefaults() Config {
	if c.DispatchCeiling <= 0 {
		c.DispatchCeiling = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Minute
	}
	if c.ConversationWindow <= 0 {
		c.ConversationWindow = 72 * time.Hour
	}
	if c.MaxSlotsOffered <= 0 {
		c.MaxSlotsOffered = 3
	}
	if c.SearchDays <= 0 {
		c.SearchDays = 14
	}
	return c
}

// Engine runs the SMS reschedule workflow.
type Engine struct {
	store     Store
	sms       SMSSender
	scheduler Scheduler
	cfg       Config
	metrics   *metrics.EngineMetrics
	audit     auditor
	notifier  EscalationNotifier
	archiver  Archiver
	optOuts   OptOutChecker
	stop      *compliance.Detector
	now       func() time.Time
	logger    *logging.Logger
}

func NewEngine(store Store, sms SMSSender, scheduler Scheduler, cfg Config, m *metrics.EngineMetrics, logger *logging.Logger) *Engine {
	if store == nil || sms == nil || scheduler == nil {
		panic("reschedule: store, sms sender and scheduler required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:     store,
		sms:       sms,
		scheduler: scheduler,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		stop:      compliance.NewDetector(),
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithOptOuts suppresses dispatch to phones that opted out of all SMS.
func (e *Engine) WithOptOuts(c OptOutChecker) *Engine {
	e.optOuts = c
	return e
}

// WithAuditor records escalations in the compliance log.
func (e *Engine) WithAuditor(a auditor) *Engine {
	e.audit = a
	return e
}

// WithNotifier emails coordinators on escalation.
func (e *Engine) WithNotifier(n EscalationNotifier) *Engine {
	e.notifier = n
	return e
}

// Inbound is an SMS received from a patient.
type Inbound struct {
	Phone             string
	Body              string
	ProviderMessageID string
}

// Outcome reports what HandleInbound did. Handled is false when the phone
// has no open request, so the caller can route the message elsewhere.
type Outcome struct {
	Handled   bool      `json:"handled"`
	RequestID uuid.UUID `json:"request_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Reply     string    `json:"reply,omitempty"`
}

// CreateRequest registers a single request outside of a batch.
func (e *Engine) CreateRequest(ctx context.Context, r Request) (Request, error) {
	if err := e.prepare(&r); err != nil {
		return Request{}, err
	}
	return e.store.CreateRequest(ctx, r)
}

func (e *Engine) prepare(r *Request) error {
	if err := validate(r); err != nil {
		return apperr.Wrap("reschedule: create request", apperr.ErrInvalidInput, err)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Status = StatusPending
	if r.NextAttemptAt.IsZero() {
		r.NextAttemptAt = e.now().UTC()
	}
	return nil
}

// validate normalizes the phone and checks the fields the workflow needs.
func validate(r *Request) error {
	r.Phone = messaging.NormalizeE164(r.Phone)
	switch {
	case len(r.Phone) < 11:
		return errors.New("valid phone required")
	case strings.TrimSpace(r.SiteID) == "" || strings.TrimSpace(r.StudyID) == "":
		return errors.New("site_id and study_id required")
	case strings.TrimSpace(r.CurrentRemoteAppointmentID) == "":
		return errors.New("appointment_id required")
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	return e.store.GetRequest(ctx, id)
}

func (e *Engine) GetBatch(ctx context.Context, id uuid.UUID) (Batch, error) {
	return e.store.GetBatch(ctx, id)
}

func (e *Engine) ListRequests(ctx context.Context, batchID uuid.UUID) ([]Request, error) {
	return e.store.ListRequests(ctx, batchID)
}

// Timeline returns the transition log of a request, oldest first.
func (e *Engine) Timeline(ctx context.Context, id uuid.UUID) ([]Event, error) {
	return e.store.Events(ctx, id)
}

// Dispatch sends the opening SMS for a pending request. A failed send keeps
// the request pending with a backoff until the attempt ceiling, at which
// point it is escalated.
func (e *Engine) Dispatch(ctx context.Context, r Request) error {
	ctx, span := tracer.Start(ctx, "reschedule.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", r.ID.String()))

	if r.Status != StatusPending {
		return apperr.Wrap("reschedule: dispatch", apperr.ErrIllegalTransition, fmt.Errorf("request is %s", r.Status))
	}
	if e.optOuts != nil {
		opted, err := e.optOuts.IsOptedOut(ctx, r.Phone)
		if err != nil {
			return fmt.Errorf("reschedule: dispatch: opt-out lookup: %w", err)
		}
		if opted {
			e.metrics.ObserveDispatch("suppressed")
			if _, err := e.apply(ctx, Change{
				RequestID:  r.ID,
				From:       StatusPending,
				To:         StatusCancelled,
				Metadata:   Cancellation{Reason: ReasonOptedOut, Actor: InitiatedBySystem},
				Provenance: map[string]string{"actor": InitiatedBySystem},
			}); err != nil {
				return err
			}
			e.logger.Info("reschedule dispatch suppressed for opted-out phone", "request_id", r.ID)
			return apperr.Wrap("reschedule: dispatch", apperr.ErrOptedOut, nil)
		}
	}

	attempt := r.DispatchAttempts + 1
	msgID, sendErr := e.sms.Send(ctx, r.Phone, InitialMessage(r))
	now := e.now().UTC()

	if sendErr == nil {
		e.metrics.ObserveDispatch("sent")
		_, err := e.apply(ctx, Change{
			RequestID: r.ID,
			From:      StatusPending,
			To:        StatusSMSSent,
			Metadata:  Dispatched{ProviderMessageID: msgID, Attempt: attempt},
			Patch: Patch{
				DispatchAttempts:  &attempt,
				ProviderMessageID: &msgID,
				SMSSentAt:         &now,
			},
		})
		return err
	}

	span.RecordError(sendErr)
	lastErr := sendErr.Error()
	if attempt >= e.cfg.DispatchCeiling {
		e.metrics.ObserveDispatch("escalated")
		_, err := e.escalate(ctx, r, Escalation{Reason: ReasonDispatchFailure, Detail: lastErr, Actor: InitiatedBySystem},
			Patch{DispatchAttempts: &attempt, LastError: &lastErr})
		if err != nil {
			return err
		}
		return apperr.Wrap("reschedule: dispatch", apperr.ErrDispatchFailure, sendErr)
	}

	e.metrics.ObserveDispatch("retry")
	next := now.Add(e.backoff(attempt))
	if _, err := e.apply(ctx, Change{
		RequestID: r.ID,
		From:      StatusPending,
		To:        StatusPending,
		Metadata:  DispatchFailure{Attempt: attempt, Error: lastErr, NextAttemptAt: &next},
		Patch: Patch{
			DispatchAttempts: &attempt,
			NextAttemptAt:    &next,
			LastError:        &lastErr,
		},
	}); err != nil {
		return err
	}
	e.logger.Warn("reschedule sms dispatch failed", "request_id", r.ID, "attempt", attempt, "next_attempt_at", next, "error", sendErr)
	return apperr.Wrap("reschedule: dispatch", apperr.ErrDispatchFailure, sendErr)
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBaseDelay
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// HandleInbound advances the most recent open request for the sender's
// phone. Messages from phones without an open request are not handled.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "reschedule.inbound")
	defer span.End()

	phone := messaging.NormalizeE164(in.Phone)
	now := e.now().UTC()
	r, err := e.store.OpenByPhone(ctx, phone, now.Add(-e.cfg.ConversationWindow))
	if errors.Is(err, apperr.ErrNotFound) {
		return Outcome{}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("request_id", r.ID.String()), attribute.String("status", string(r.Status)))

	if kw, ok := e.stop.StopKeyword(in.Body); ok {
		return e.optOut(ctx, r, kw)
	}

	body, _ := compliance.Redact(in.Body)
	switch r.Status {
	case StatusSMSSent:
		updated, err := e.apply(ctx, Change{
			RequestID: r.ID,
			From:      StatusSMSSent,
			To:        StatusPatientResponded,
			Metadata:  InboundReply{ProviderMessageID: in.ProviderMessageID, Body: body},
			Patch:     Patch{LastInboundAt: &now},
		})
		if err != nil {
			return e.staleOrError(r, err)
		}
		return e.offerSlots(ctx, updated, ParsePreferences(r.AvailabilityNotes+" "+in.Body))
	case StatusPatientResponded:
		return e.offerSlots(ctx, r, ParsePreferences(r.AvailabilityNotes+" "+in.Body))
	case StatusAwaitingSelection:
		return e.selectSlot(ctx, r, in)
	default:
		return Outcome{Handled: true, RequestID: r.ID, Status: r.Status, Reply: processingMessage}, nil
	}
}

func (e *Engine) staleOrError(r Request, err error) (Outcome, error) {
	if errors.Is(err, apperr.ErrIllegalTransition) {
		// another delivery of the same conversation moved it first
		e.logger.Info("reschedule inbound lost transition race", "request_id", r.ID, "error", err)
		return Outcome{Handled: true, RequestID: r.ID, Status: r.Status}, nil
	}
	return Outcome{}, err
}

func (e *Engine) offerSlots(ctx context.Context, r Request, prefs Preferences) (Outcome, error) {
	slots, err := e.scheduler.AvailableSlots(ctx, r.SiteID, e.cfg.MaxSlotsOffered*5, e.cfg.SearchDays)
	if err != nil {
		e.logger.Error("reschedule slot lookup failed", "request_id", r.ID, "site_id", r.SiteID, "error", err)
		return e.escalateOutcome(ctx, r, Escalation{Reason: ReasonSlotError, Detail: err.Error(), Actor: InitiatedBySystem})
	}
	picked := filterSlots(slots, r.EarliestNewDate, prefs, e.cfg.MaxSlotsOffered)
	if len(picked) == 0 {
		return e.escalateOutcome(ctx, r, Escalation{Reason: ReasonNoAvailability, Actor: InitiatedBySystem})
	}

	offer := SlotOffer{Slots: make([]OfferedSlot, 0, len(picked))}
	for i, s := range picked {
		offer.Slots = append(offer.Slots, OfferedSlot{
			Option:            i + 1,
			StartsAt:          s.StartsAt,
			Label:             s.Display(),
			CapacityRemaining: s.CapacityRemaining,
		})
	}
	updated, err := e.apply(ctx, Change{
		RequestID: r.ID,
		From:      StatusPatientResponded,
		To:        StatusAwaitingSelection,
		Metadata:  offer,
	})
	if err != nil {
		return e.staleOrError(r, err)
	}
	return Outcome{Handled: true, RequestID: r.ID, Status: updated.Status, Reply: OfferMessage(offer)}, nil
}

func (e *Engine) selectSlot(ctx context.Context, r Request, in Inbound) (Outcome, error) {
	offer, err := e.store.LatestOffer(ctx, r.ID)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && len(offer.Slots) == 0) {
		return e.escalateOutcome(ctx, r, Escalation{Reason: ReasonSlotError, Detail: "no slot offer on record", Actor: InitiatedBySystem})
	}
	if err != nil {
		return Outcome{}, err
	}
	option, ok := ParseSelection(in.Body, len(offer.Slots))
	if !ok {
		return Outcome{Handled: true, RequestID: r.ID, Status: r.Status, Reply: SelectionPrompt(len(offer.Slots))}, nil
	}
	slot, _ := offer.Pick(option)
	now := e.now().UTC()

	err = e.scheduler.MoveAppointment(ctx, appointments.MoveRequest{
		RemoteAppointmentID: r.CurrentRemoteAppointmentID,
		SiteID:              r.SiteID,
		SubjectID:           r.RemoteSubjectID,
		VisitID:             r.VisitID,
		CoordinatorEmail:    e.cfg.CoordinatorEmail,
		StartsAt:            slot.StartsAt,
		Notes:               "Rescheduled via SMS by patient on " + now.Format("2006-01-02 15:04"),
	})
	if err != nil {
		e.logger.Error("reschedule booking failed", "request_id", r.ID, "error", err)
		return e.escalateOutcome(ctx, r, Escalation{Reason: ReasonBookingFailed, Detail: err.Error(), Actor: InitiatedBySystem})
	}

	newID := r.CurrentRemoteAppointmentID
	confirmed, err := e.apply(ctx, Change{
		RequestID: r.ID,
		From:      StatusAwaitingSelection,
		To:        StatusConfirmed,
		Metadata:  SlotSelection{Option: option, StartsAt: slot.StartsAt, NewRemoteAppointmentID: newID},
		Patch: Patch{
			SelectedSlotAt:         &slot.StartsAt,
			NewRemoteAppointmentID: &newID,
			LastInboundAt:          &now,
		},
	})
	if err != nil {
		// The remote appointment already moved; a coordinator has to reconcile.
		e.logger.Error("reschedule confirmed remotely but not recorded", "request_id", r.ID, "slot", slot.StartsAt, "error", err)
		return Outcome{}, err
	}
	if _, err := e.complete(ctx, confirmed); err != nil {
		e.logger.Error("reschedule completion deferred", "request_id", r.ID, "error", err)
		return Outcome{Handled: true, RequestID: r.ID, Status: confirmed.Status, Reply: ConfirmationMessage(slot)}, nil
	}
	return Outcome{Handled: true, RequestID: r.ID, Status: StatusCompleted, Reply: ConfirmationMessage(slot)}, nil
}

// complete writes the history row, moves the local appointment mirror and
// closes the request in one transaction.
func (e *Engine) complete(ctx context.Context, r Request) (Request, error) {
	if r.SelectedSlotAt == nil {
		return Request{}, fmt.Errorf("reschedule: request %s has no selected slot", r.ID)
	}
	now := e.now().UTC()
	newID := r.NewRemoteAppointmentID
	if newID == "" {
		newID = r.CurrentRemoteAppointmentID
	}
	h := History{
		ID:                     uuid.New(),
		RequestID:              r.ID,
		OldRemoteAppointmentID: r.CurrentRemoteAppointmentID,
		NewRemoteAppointmentID: newID,
		OldAppointmentAt:       r.CurrentAppointmentAt,
		NewAppointmentAt:       *r.SelectedSlotAt,
		ReasonCode:             "site_request",
		ReasonText:             "rescheduled by patient over SMS",
		InitiatedBy:            InitiatedByPatient,
		RescheduledAt:          now,
	}
	return e.apply(ctx, Change{
		RequestID: r.ID,
		From:      StatusConfirmed,
		To:        StatusCompleted,
		Metadata:  Completion{HistoryID: h.ID},
		History:   &h,
		Move: &AppointmentMove{
			RemoteAppointmentID: r.CurrentRemoteAppointmentID,
			NewAt:               *r.SelectedSlotAt,
			Note:                "Rescheduled via SMS on " + now.Format("2006-01-02"),
		},
		Outbox: events.RescheduleCompletedV1{
			RequestID:              r.ID.String(),
			BatchID:                r.batchID(),
			OldRemoteAppointmentID: r.CurrentRemoteAppointmentID,
			NewRemoteAppointmentID: newID,
			NewAppointmentAt:       *r.SelectedSlotAt,
		},
	})
}

// CompleteConfirmed finishes requests whose booking succeeded but whose
// completion write did not.
func (e *Engine) CompleteConfirmed(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stalled, err := e.store.Stalled(ctx, StatusConfirmed, e.now().UTC().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, r := range stalled {
		if _, err := e.complete(ctx, r); err != nil {
			e.logger.Error("reschedule completion retry failed", "request_id", r.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (e *Engine) optOut(ctx context.Context, r Request, keyword string) (Outcome, error) {
	if CanTransition(r.Status, StatusCancelled) {
		updated, err := e.apply(ctx, Change{
			RequestID: r.ID,
			From:      r.Status,
			To:        StatusCancelled,
			Metadata:  Cancellation{Reason: ReasonOptedOut, Actor: InitiatedByPatient},
		})
		if err != nil {
			return e.staleOrError(r, err)
		}
		return Outcome{Handled: true, RequestID: r.ID, Status: updated.Status}, nil
	}
	updated, err := e.escalate(ctx, r, Escalation{Reason: ReasonOptedOut, Detail: keyword, Actor: InitiatedByPatient}, Patch{})
	if err != nil {
		return e.staleOrError(r, err)
	}
	return Outcome{Handled: true, RequestID: r.ID, Status: updated.Status}, nil
}

func (e *Engine) escalateOutcome(ctx context.Context, r Request, esc Escalation) (Outcome, error) {
	updated, err := e.escalate(ctx, r, esc, Patch{})
	if err != nil {
		return e.staleOrError(r, err)
	}
	return Outcome{Handled: true, RequestID: r.ID, Status: updated.Status, Reply: apperr.PatientMessage}, nil
}

// escalate moves r to escalated from its current status. The audit row and
// coordinator notice are best effort once the transition committed.
func (e *Engine) escalate(ctx context.Context, r Request, esc Escalation, patch Patch) (Request, error) {
	reason := esc.Reason
	patch.EscalationReason = &reason
	updated, err := e.apply(ctx, Change{
		RequestID: r.ID,
		From:      r.Status,
		To:        StatusEscalated,
		Metadata:  esc,
		Patch:     patch,
		Outbox: events.RescheduleEscalatedV1{
			RequestID:  r.ID.String(),
			BatchID:    r.batchID(),
			Phone:      r.Phone,
			FromStatus: string(r.Status),
			Reason:     reason,
			OccurredAt: e.now().UTC(),
		},
	})
	if err != nil {
		return Request{}, err
	}
	e.logger.Warn("reschedule request escalated", "request_id", r.ID, "from", r.Status, "reason", reason, "detail", esc.Detail)
	if e.audit != nil {
		if err := e.audit.LogEscalation(ctx, r.ID.String(), r.Phone, string(r.Status), reason); err != nil {
			e.logger.Error("failed to audit escalation", "request_id", r.ID, "error", err)
		}
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyEscalation(ctx, updated, reason); err != nil {
			e.logger.Error("failed to notify coordinator", "request_id", r.ID, "error", err)
		}
	}
	return updated, nil
}

// Cancel stops a request that has not been answered yet.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (Request, error) {
	r, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(r.Status, StatusCancelled) {
		return Request{}, apperr.Wrap("reschedule: cancel", apperr.ErrIllegalTransition, fmt.Errorf("request is %s", r.Status))
	}
	if reason == "" {
		reason = "cancelled by coordinator"
	}
	return e.apply(ctx, Change{
		RequestID:  r.ID,
		From:       r.Status,
		To:         StatusCancelled,
		Metadata:   Cancellation{Reason: reason, Actor: actor},
		Provenance: map[string]string{"actor": actor},
	})
}

// Escalate hands an open request to a coordinator on request.
func (e *Engine) Escalate(ctx context.Context, id uuid.UUID, actor, detail string) (Request, error) {
	r, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(r.Status, StatusEscalated) {
		return Request{}, apperr.Wrap("reschedule: escalate", apperr.ErrIllegalTransition, fmt.Errorf("request is %s", r.Status))
	}
	return e.escalate(ctx, r, Escalation{Reason: ReasonCoordinator, Detail: detail, Actor: actor}, Patch{})
}

// Fail closes an open request without a reschedule.
func (e *Engine) Fail(ctx context.Context, id uuid.UUID, actor, reason string) (Request, error) {
	r, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(r.Status, StatusFailed) {
		return Request{}, apperr.Wrap("reschedule: fail", apperr.ErrIllegalTransition, fmt.Errorf("request is %s", r.Status))
	}
	return e.apply(ctx, Change{
		RequestID: r.ID,
		From:      r.Status,
		To:        StatusFailed,
		Metadata:  Failure{Reason: reason, Actor: actor},
		Patch:     Patch{LastError: &reason},
	})
}

// CancelBatch cancels every unanswered request in the batch.
func (e *Engine) CancelBatch(ctx context.Context, batchID uuid.UUID, actor string) (int, error) {
	n, err := e.store.CancelBatch(ctx, batchID, Cancellation{Reason: "batch cancelled", Actor: actor})
	if err != nil {
		return 0, err
	}
	e.logger.Info("reschedule batch cancelled", "batch_id", batchID, "cancelled", n, "actor", actor)
	return n, nil
}

func (e *Engine) apply(ctx context.Context, c Change) (Request, error) {
	r, err := e.store.Apply(ctx, c)
	if err != nil {
		return Request{}, err
	}
	if c.From != c.To {
		e.metrics.ObserveTransition(string(c.From), string(c.To))
	}
	e.logger.Debug("reschedule transition", "request_id", c.RequestID, "from", c.From, "to", c.To)
	return r, nil
}

package handlers

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/campaigns"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging/compliance"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/internal/reschedule"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

var smsTracer = otel.Tracer("trialsched.internal.http.sms")

const (
	twilioProvider = "twilio"
	helpReply      = "Research study scheduling: reply with your preferred times, or STOP to opt out. A coordinator can also be reached at the number on your visit letter."
)

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

type rescheduleInbound interface {
	HandleInbound(ctx context.Context, in reschedule.Inbound) (reschedule.Outcome, error)
}

type campaignInbound interface {
	HandleInbound(ctx context.Context, in campaigns.Inbound) (campaigns.Outcome, error)
	HandleDeliveryStatus(ctx context.Context, providerMessageID, status string) (bool, error)
}

// SMSWebhookHandler routes inbound patient texts: an open reschedule
// conversation gets first claim, then campaign replies.
type SMSWebhookHandler struct {
	authToken     string
	publicBaseURL string
	processed     processedTracker
	reschedule    rescheduleInbound
	campaigns     campaignInbound
	detector      *compliance.Detector
	metrics       *metrics.EngineMetrics
	logger        *logging.Logger
}

type SMSWebhookConfig struct {
	// AuthToken validates X-Twilio-Signature; empty disables the check.
	AuthToken string
	// PublicBaseURL is the externally visible origin used to rebuild the
	// signed URL behind a proxy.
	PublicBaseURL string
	Processed     processedTracker
	Reschedule    rescheduleInbound
	Campaigns     campaignInbound
	Metrics       *metrics.EngineMetrics
	Logger        *logging.Logger
}

func NewSMSWebhookHandler(cfg SMSWebhookConfig) *SMSWebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Processed == nil {
		panic("handlers: processed tracker required")
	}
	return &SMSWebhookHandler{
		authToken:     cfg.AuthToken,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		processed:     cfg.Processed,
		reschedule:    cfg.Reschedule,
		campaigns:     cfg.Campaigns,
		detector:      compliance.NewDetector(),
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// Inbound handles POST /webhooks/twilio/sms.
func (h *SMSWebhookHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := smsTracer.Start(r.Context(), "http.sms.inbound")
	defer span.End()

	if !h.verify(r) {
		h.logger.Warn("invalid twilio signature")
		span.RecordError(errors.New("invalid twilio signature"))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	webhook, err := messaging.ParseTwilioWebhook(r)
	if err != nil {
		h.logger.Warn("rejected twilio webhook", "error", err)
		span.RecordError(err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	from := webhook.From
	span.SetAttributes(attribute.String("trialsched.twilio.message_sid", webhook.MessageSid))

	done, err := h.processed.AlreadyProcessed(ctx, twilioProvider, webhook.MessageSid)
	if err != nil {
		h.logger.Error("processed lookup failed", "error", err, "message_sid", webhook.MessageSid)
		span.RecordError(err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if done {
		h.logger.Info("duplicate inbound sms ignored", "message_sid", webhook.MessageSid)
		writeTwiML(w, "")
		return
	}

	reply, handledBy, err := h.route(ctx, from, webhook.Body, webhook.MessageSid)
	if err != nil {
		// Returning 5xx makes Twilio retry; the message stays unprocessed.
		h.logger.Error("inbound sms handling failed", "error", err, "message_sid", webhook.MessageSid, "kind", string(apperr.KindOf(err)))
		span.RecordError(err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if _, err := h.processed.MarkProcessed(ctx, twilioProvider, webhook.MessageSid); err != nil {
		h.logger.Warn("failed to mark inbound sms processed", "error", err, "message_sid", webhook.MessageSid)
	}
	span.SetAttributes(attribute.String("trialsched.sms.handled_by", handledBy))
	h.metrics.ObserveWebhookLatency(handledBy, time.Since(start).Seconds())
	writeTwiML(w, reply)
}

func (h *SMSWebhookHandler) route(ctx context.Context, from, body, sid string) (string, string, error) {
	keyword := h.detector.Classify(body)
	if keyword == compliance.KeywordHelp {
		return helpReply, "help", nil
	}
	if h.reschedule != nil {
		out, err := h.reschedule.HandleInbound(ctx, reschedule.Inbound{Phone: from, Body: body, ProviderMessageID: sid})
		if err != nil {
			return "", "reschedule", fmt.Errorf("reschedule inbound: %w", err)
		}
		if out.Handled {
			// STOP is global: the campaign suppression list must see it too.
			if h.campaigns != nil && keyword == compliance.KeywordStop {
				if _, err := h.campaigns.HandleInbound(ctx, campaigns.Inbound{Phone: from, Body: body, ProviderMessageID: sid}); err != nil {
					return "", "reschedule", fmt.Errorf("campaign opt out: %w", err)
				}
			}
			return out.Reply, "reschedule", nil
		}
	}
	if h.campaigns != nil {
		out, err := h.campaigns.HandleInbound(ctx, campaigns.Inbound{Phone: from, Body: body, ProviderMessageID: sid})
		if err != nil {
			return "", "campaign", fmt.Errorf("campaign inbound: %w", err)
		}
		if out.Handled {
			return out.Reply, "campaign", nil
		}
	}
	h.logger.Info("inbound sms matched no conversation", "message_sid", sid)
	return "", "unmatched", nil
}

// StatusCallback handles POST /webhooks/twilio/status.
func (h *SMSWebhookHandler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	if !h.verify(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	cb, err := messaging.ParseTwilioStatusCallback(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if h.campaigns != nil {
		applied, err := h.campaigns.HandleDeliveryStatus(r.Context(), cb.MessageSid, cb.MessageStatus)
		if err != nil {
			h.logger.Error("delivery status update failed", "error", err, "message_sid", cb.MessageSid)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if applied {
			h.logger.Debug("delivery status applied", "message_sid", cb.MessageSid, "status", cb.MessageStatus)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SMSWebhookHandler) verify(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	return messaging.ValidateTwilioSignature(r, h.authToken, h.webhookURL(r))
}

func (h *SMSWebhookHandler) webhookURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + r.URL.RequestURI()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

func writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if message == "" {
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
		return
	}
	var body strings.Builder
	_ = xml.EscapeText(&body, []byte(message))
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response><Message>` + body.String() + `</Message></Response>`))
}

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/campaigns"
	"github.com/wolfman30/trial-scheduling-engine/internal/conversations"
	httpmiddleware "github.com/wolfman30/trial-scheduling-engine/internal/http/middleware"
	"github.com/wolfman30/trial-scheduling-engine/internal/prescreening"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

type prescreeningEngine interface {
	Start(ctx context.Context, req prescreening.StartRequest) (prescreening.Progress, error)
	Get(ctx context.Context, sessionID uuid.UUID) (prescreening.Progress, error)
	SubmitAnswer(ctx context.Context, sessionID uuid.UUID, questionKey, raw string) (prescreening.Progress, error)
	ValidateAnswer(ctx context.Context, v prescreening.Validation) (prescreening.Progress, error)
	Abandon(ctx context.Context, sessionID uuid.UUID) (prescreening.Session, error)
	PendingValidation(ctx context.Context, limit int) ([]prescreening.Answer, error)
}

// campaignFunnel advances a campaign contact as the patient moves through
// prescreening and booking.
type campaignFunnel interface {
	StartPrescreening(ctx context.Context, contactID, sessionID uuid.UUID) (campaigns.Contact, error)
	CompletePrescreening(ctx context.Context, contactID uuid.UUID, eligible bool) (campaigns.Contact, error)
	MarkBooked(ctx context.Context, contactID uuid.UUID) (campaigns.Contact, error)
}

type PrescreeningHandler struct {
	engine prescreeningEngine
	funnel campaignFunnel
	logger *logging.Logger
}

func NewPrescreeningHandler(engine prescreeningEngine, funnel campaignFunnel, logger *logging.Logger) *PrescreeningHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &PrescreeningHandler{engine: engine, funnel: funnel, logger: logger}
}

type startPrescreeningRequest struct {
	prescreening.StartRequest
	CampaignContactID *uuid.UUID `json:"campaign_contact_id,omitempty"`
}

// Start handles POST /prescreening/sessions.
func (h *PrescreeningHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startPrescreeningRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.ConversationSessionID == uuid.Nil || req.TrialID <= 0 {
		badRequest(w, "conversation_session_id and trial_id are required")
		return
	}
	if req.CampaignContactID != nil && req.Channel == "" {
		req.Channel = conversations.ChannelSMS
	}
	progress, err := h.engine.Start(r.Context(), req.StartRequest)
	if err != nil {
		writeError(w, h.logger, "prescreening start", err)
		return
	}
	if req.CampaignContactID != nil && h.funnel != nil {
		if _, err := h.funnel.StartPrescreening(r.Context(), *req.CampaignContactID, req.ConversationSessionID); err != nil {
			h.logger.Warn("campaign contact not advanced to prescreening", "error", err, "contact_id", *req.CampaignContactID)
		}
	}
	writeJSON(w, http.StatusCreated, progress)
}

// Get handles GET /prescreening/sessions/{sessionID}.
func (h *PrescreeningHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "sessionID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	progress, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "prescreening get", err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type answerRequest struct {
	QuestionKey       string     `json:"question_key"`
	Answer            string     `json:"answer"`
	CampaignContactID *uuid.UUID `json:"campaign_contact_id,omitempty"`
}

// Answer handles POST /prescreening/sessions/{sessionID}/answers.
func (h *PrescreeningHandler) Answer(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "sessionID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.QuestionKey) == "" {
		badRequest(w, "question_key is required")
		return
	}
	progress, err := h.engine.SubmitAnswer(r.Context(), id, req.QuestionKey, req.Answer)
	if err != nil {
		writeError(w, h.logger, "prescreening answer", err)
		return
	}
	h.completeFunnel(r.Context(), req.CampaignContactID, progress)
	writeJSON(w, http.StatusOK, progress)
}

type validateRequest struct {
	Corrected         *prescreening.Value `json:"corrected_value,omitempty"`
	CampaignContactID *uuid.UUID          `json:"campaign_contact_id,omitempty"`
}

// Validate handles POST /prescreening/answers/{answerID}/validate. The
// validator is the authenticated coordinator.
func (h *PrescreeningHandler) Validate(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "answerID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req validateRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if req.Corrected != nil {
		if err := req.Corrected.Validate(); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	validator := httpmiddleware.CoordinatorID(r.Context())
	if validator == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "coordinator identity required"})
		return
	}
	progress, err := h.engine.ValidateAnswer(r.Context(), prescreening.Validation{
		AnswerID:    id,
		ValidatedBy: validator,
		Corrected:   req.Corrected,
	})
	if err != nil {
		writeError(w, h.logger, "prescreening validate", err)
		return
	}
	h.completeFunnel(r.Context(), req.CampaignContactID, progress)
	writeJSON(w, http.StatusOK, progress)
}

// Abandon handles POST /prescreening/sessions/{sessionID}/abandon.
func (h *PrescreeningHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "sessionID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s, err := h.engine.Abandon(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "prescreening abandon", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PendingValidation handles GET /prescreening/answers/pending?limit=.
func (h *PrescreeningHandler) PendingValidation(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	answers, err := h.engine.PendingValidation(r.Context(), limit)
	if err != nil {
		writeError(w, h.logger, "pending validation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
}

func (h *PrescreeningHandler) completeFunnel(ctx context.Context, contactID *uuid.UUID, p prescreening.Progress) {
	if contactID == nil || h.funnel == nil || p.Session.Status != prescreening.StatusCompleted {
		return
	}
	eligible := p.Verdict.Eligibility == prescreening.EligibilityEligible
	if _, err := h.funnel.CompletePrescreening(ctx, *contactID, eligible); err != nil {
		h.logger.Warn("campaign contact prescreening outcome not recorded", "error", err, "contact_id", *contactID)
	}
}

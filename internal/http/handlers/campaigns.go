package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/campaigns"
	httpmiddleware "github.com/wolfman30/trial-scheduling-engine/internal/http/middleware"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

type campaignEngine interface {
	CreateCampaign(ctx context.Context, c campaigns.Campaign) (campaigns.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (campaigns.Campaign, error)
	List(ctx context.Context, status campaigns.Status) ([]campaigns.Campaign, error)
	Contacts(ctx context.Context, id uuid.UUID, status campaigns.ContactStatus) ([]campaigns.Contact, error)
	Update(ctx context.Context, id uuid.UUID, u campaigns.CampaignUpdate) (campaigns.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) (campaigns.Campaign, error)
	Resume(ctx context.Context, id uuid.UUID) (campaigns.Campaign, error)
	Complete(ctx context.Context, id uuid.UUID) (campaigns.Campaign, error)
	AddContacts(ctx context.Context, id uuid.UUID, contacts []campaigns.Contact) (int, error)
	ImportContactsCSV(ctx context.Context, id uuid.UUID, data []byte) (campaigns.ImportResult, error)
	Trigger(ctx context.Context, id uuid.UUID, opts campaigns.TriggerOptions) (campaigns.TriggerResult, error)
	Stats(ctx context.Context, id uuid.UUID) (campaigns.Stats, error)
}

type CampaignsHandler struct {
	engine campaignEngine
	logger *logging.Logger
}

func NewCampaignsHandler(engine campaignEngine, logger *logging.Logger) *CampaignsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CampaignsHandler{engine: engine, logger: logger}
}

type createCampaignRequest struct {
	Name            string `json:"name"`
	TrialID         *int64 `json:"trial_id,omitempty"`
	TrialName       string `json:"trial_name"`
	Condition       string `json:"condition"`
	SiteID          string `json:"site_id"`
	SiteName        string `json:"site_name"`
	MessageTemplate string `json:"message_template"`
}

// Create handles POST /campaigns.
func (h *CampaignsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := h.engine.CreateCampaign(r.Context(), campaigns.Campaign{
		Name:            req.Name,
		TrialID:         req.TrialID,
		TrialName:       req.TrialName,
		Condition:       req.Condition,
		SiteID:          req.SiteID,
		SiteName:        req.SiteName,
		MessageTemplate: req.MessageTemplate,
		CreatedBy:       httpmiddleware.CoordinatorID(r.Context()),
	})
	if err != nil {
		writeError(w, h.logger, "create campaign", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// List handles GET /campaigns?status=.
func (h *CampaignsHandler) List(w http.ResponseWriter, r *http.Request) {
	status := campaigns.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", campaigns.StatusDraft, campaigns.StatusActive, campaigns.StatusPaused, campaigns.StatusCompleted:
	default:
		badRequest(w, "unknown status filter")
		return
	}
	list, err := h.engine.List(r.Context(), status)
	if err != nil {
		writeError(w, h.logger, "list campaigns", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": list})
}

// Get handles GET /campaigns/{campaignID}.
func (h *CampaignsHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "get campaign", h.engine.Get)
}

// Update handles PATCH /campaigns/{campaignID}.
func (h *CampaignsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "campaignID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var u campaigns.CampaignUpdate
	if err := decodeJSON(r, &u); err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := h.engine.Update(r.Context(), id, u)
	if err != nil {
		writeError(w, h.logger, "update campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Delete handles DELETE /campaigns/{campaignID}.
func (h *CampaignsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "campaignID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.engine.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, "delete campaign", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CampaignsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "pause campaign", h.engine.Pause)
}

func (h *CampaignsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "resume campaign", h.engine.Resume)
}

func (h *CampaignsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "complete campaign", h.engine.Complete)
}

func (h *CampaignsHandler) byID(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID) (campaigns.Campaign, error)) {
	id, err := uuidParam(r, "campaignID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type contactInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
}

// AddContacts handles POST /campaigns/{campaignID}/contacts with either a
// JSON body or a text/csv upload.
func (h *CampaignsHandler) AddContacts(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "campaignID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		h.importCSV(w, r, id)
		return
	}
	var body struct {
		Contacts []contactInput `json:"contacts"`
	}
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(body.Contacts) == 0 {
		badRequest(w, "contacts are required")
		return
	}
	contacts := make([]campaigns.Contact, 0, len(body.Contacts))
	for _, c := range body.Contacts {
		contacts = append(contacts, campaigns.Contact{
			FirstName: strings.TrimSpace(c.FirstName),
			LastName:  strings.TrimSpace(c.LastName),
			Phone:     c.Phone,
			Email:     strings.TrimSpace(c.Email),
		})
	}
	added, err := h.engine.AddContacts(r.Context(), id, contacts)
	if err != nil {
		writeError(w, h.logger, "add campaign contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, campaigns.ImportResult{Added: added, Skipped: len(contacts) - added})
}

func (h *CampaignsHandler) importCSV(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		badRequest(w, "could not read csv body")
		return
	}
	if len(data) == 0 {
		badRequest(w, "csv body is required")
		return
	}
	res, err := h.engine.ImportContactsCSV(r.Context(), id, data)
	if err != nil {
		writeError(w, h.logger, "import campaign contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Contacts handles GET /campaigns/{campaignID}/contacts?status=.
func (h *CampaignsHandler) Contacts(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "campaignID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	status := campaigns.ContactStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	list, err := h.engine.Contacts(r.Context(), id, status)
	if err != nil {
		writeError(w, h.logger, "list campaign contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": list})
}

type triggerRequest struct {
	TestMode bool `json:"test_mode"`
	Limit    int  `json:"limit,omitempty"`
}

// Trigger handles POST /campaigns/{campaignID}/trigger.
func (h *CampaignsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "campaignID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if req.Limit < 0 {
		badRequest(w, "limit must not be negative")
		return
	}
	res, err := h.engine.Trigger(r.Context(), id, campaigns.TriggerOptions{TestMode: req.TestMode, Limit: req.Limit})
	if err != nil {
		writeError(w, h.logger, "trigger campaign", err)
		return
	}
	status := http.StatusOK
	if res.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// Stats handles GET /campaigns/{campaignID}/stats.
func (h *CampaignsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "campaignID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	stats, err := h.engine.Stats(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "campaign stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	httpmiddleware "github.com/wolfman30/trial-scheduling-engine/internal/http/middleware"
	"github.com/wolfman30/trial-scheduling-engine/internal/reschedule"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

const maxUploadBytes = 10 << 20

type rescheduleEngine interface {
	CreateBatch(ctx context.Context, u reschedule.Upload) (reschedule.BatchResult, error)
	CreateRequest(ctx context.Context, r reschedule.Request) (reschedule.Request, error)
	Get(ctx context.Context, id uuid.UUID) (reschedule.Request, error)
	GetBatch(ctx context.Context, id uuid.UUID) (reschedule.Batch, error)
	ListRequests(ctx context.Context, batchID uuid.UUID) ([]reschedule.Request, error)
	Timeline(ctx context.Context, id uuid.UUID) ([]reschedule.Event, error)
	Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (reschedule.Request, error)
	Escalate(ctx context.Context, id uuid.UUID, actor, detail string) (reschedule.Request, error)
	Fail(ctx context.Context, id uuid.UUID, actor, reason string) (reschedule.Request, error)
	CancelBatch(ctx context.Context, batchID uuid.UUID, actor string) (int, error)
}

// RescheduleHandler serves the coordinator side of bulk rescheduling.
type RescheduleHandler struct {
	engine rescheduleEngine
	logger *logging.Logger
}

func NewRescheduleHandler(engine rescheduleEngine, logger *logging.Logger) *RescheduleHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &RescheduleHandler{engine: engine, logger: logger}
}

// UploadBatch handles POST /reschedule/batches. The CSV arrives either as a
// multipart "file" field or as a text/csv body.
func (h *RescheduleHandler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	actor := httpmiddleware.CoordinatorID(r.Context())
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "coordinator identity required"})
		return
	}
	upload, err := readUpload(w, r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	upload.UploadedBy = actor

	res, err := h.engine.CreateBatch(r.Context(), upload)
	if err != nil {
		if len(res.Rejected) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "rejected": res.Rejected})
			return
		}
		writeError(w, h.logger, "create reschedule batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func readUpload(w http.ResponseWriter, r *http.Request) (reschedule.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	name := strings.TrimSpace(r.URL.Query().Get("name"))

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return reschedule.Upload{}, fmt.Errorf("invalid multipart upload: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return reschedule.Upload{}, errors.New("file field is required")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return reschedule.Upload{}, fmt.Errorf("read upload: %w", err)
		}
		if v := strings.TrimSpace(r.FormValue("name")); v != "" {
			name = v
		}
		return reschedule.Upload{Name: name, Filename: header.Filename, Data: data}, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return reschedule.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return reschedule.Upload{}, errors.New("csv body is required")
	}
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		filename = "upload.csv"
	}
	return reschedule.Upload{Name: name, Filename: filename, Data: data}, nil
}

// GetBatch handles GET /reschedule/batches/{batchID}.
func (h *RescheduleHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "batchID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	b, err := h.engine.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "get reschedule batch", err)
		return
	}
	reqs, err := h.engine.ListRequests(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "list reschedule requests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": b, "requests": reqs})
}

// CancelBatch handles POST /reschedule/batches/{batchID}/cancel.
func (h *RescheduleHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "batchID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	n, err := h.engine.CancelBatch(r.Context(), id, httpmiddleware.CoordinatorID(r.Context()))
	if err != nil {
		writeError(w, h.logger, "cancel reschedule batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "cancelled": n})
}

type createRescheduleRequest struct {
	Phone             string     `json:"phone"`
	PatientName       string     `json:"patient_name"`
	SiteID            string     `json:"site_id"`
	StudyID           string     `json:"study_id"`
	VisitID           string     `json:"visit_id"`
	RemoteSubjectID   string     `json:"remote_subject_id"`
	AppointmentID     string     `json:"appointment_id"`
	AppointmentAt     *time.Time `json:"appointment_at,omitempty"`
	EarliestNewDate   *time.Time `json:"earliest_new_date,omitempty"`
	AvailabilityNotes string     `json:"availability_notes,omitempty"`
}

// CreateRequest handles POST /reschedule/requests for a single patient.
func (h *RescheduleHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRescheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	created, err := h.engine.CreateRequest(r.Context(), reschedule.Request{
		Phone:                      req.Phone,
		PatientName:                strings.TrimSpace(req.PatientName),
		SiteID:                     strings.TrimSpace(req.SiteID),
		StudyID:                    strings.TrimSpace(req.StudyID),
		VisitID:                    strings.TrimSpace(req.VisitID),
		RemoteSubjectID:            strings.TrimSpace(req.RemoteSubjectID),
		CurrentRemoteAppointmentID: strings.TrimSpace(req.AppointmentID),
		CurrentAppointmentAt:       req.AppointmentAt,
		EarliestNewDate:            req.EarliestNewDate,
		AvailabilityNotes:          req.AvailabilityNotes,
	})
	if err != nil {
		writeError(w, h.logger, "create reschedule request", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRequest handles GET /reschedule/requests/{requestID}.
func (h *RescheduleHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "requestID")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "get reschedule request", err)
		return
	}
	timeline, err := h.engine.Timeline(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "reschedule timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "timeline": timeline})
}

type actionRequest struct {
	Reason string `json:"reason"`
}

func (h *RescheduleHandler) action(op string, fn func(ctx context.Context, id uuid.UUID, actor, reason string) (reschedule.Request, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "requestID")
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		var body actionRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &body); err != nil {
				badRequest(w, err.Error())
				return
			}
		}
		updated, err := fn(r.Context(), id, httpmiddleware.CoordinatorID(r.Context()), strings.TrimSpace(body.Reason))
		if err != nil {
			writeError(w, h.logger, op, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// CancelRequest handles POST /reschedule/requests/{requestID}/cancel.
func (h *RescheduleHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.action("cancel reschedule request", h.engine.Cancel)(w, r)
}

// EscalateRequest handles POST /reschedule/requests/{requestID}/escalate.
func (h *RescheduleHandler) EscalateRequest(w http.ResponseWriter, r *http.Request) {
	h.action("escalate reschedule request", h.engine.Escalate)(w, r)
}

// FailRequest handles POST /reschedule/requests/{requestID}/fail.
func (h *RescheduleHandler) FailRequest(w http.ResponseWriter, r *http.Request) {
	h.action("fail reschedule request", h.engine.Fail)(w, r)
}

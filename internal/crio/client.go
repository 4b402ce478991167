// Package crio talks to the remote site-scheduling system through its proxy.
//
// Every call carries the shared session credentials as query parameters. The
// client never authenticates on its own; a 401 or 403 means the shared session
// is no longer accepted and surfaces as apperr.ErrSessionExpired.
package crio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

var tracer = otel.Tracer("trialsched.internal.crio")

// Client is the subset of the remote API the engine uses.
type Client interface {
	CreatePatient(ctx context.Context, creds Credentials, req PatientRequest) (PatientResult, error)
	CreateAppointment(ctx context.Context, creds Credentials, req AppointmentRequest) (string, error)
	UpdateAppointment(ctx context.Context, creds Credentials, req UpdateAppointmentRequest) error
	ListSchedule(ctx context.Context, creds Credentials, siteID string, start, end time.Time) ([]CalendarEvent, error)
}

// Config controls the HTTP client.
type Config struct {
	BaseURL      string
	ClientID     string
	Environment  string
	Timeout      time.Duration
	MaxRetries   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// CapacityUserID owns the calendar blocks that advertise open capacity.
	CapacityUserID string
}

// StatusError carries a non-2xx response from the proxy.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("crio: status %d: %s", e.Code, strings.TrimSpace(body))
}

// HTTPClient implements Client with resty.
type HTTPClient struct {
	http    *resty.Client
	cfg     Config
	metrics *metrics.EngineMetrics
	logger  *logging.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config, m *metrics.EngineMetrics, logger *logging.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &HTTPClient{http: client, cfg: cfg, metrics: m, logger: logger}
}

func (c *HTTPClient) path(suffix string) string {
	return fmt.Sprintf("/crio/%s/%s", c.cfg.Environment, strings.TrimLeft(suffix, "/"))
}

func (c *HTTPClient) request(ctx context.Context, creds Credentials) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"client_id":  c.cfg.ClientID,
			"session_id": creds.SessionToken,
			"csrf_token": creds.CSRFToken,
		})
}

// CreatePatient registers the patient and enrolls them in the study.
func (c *HTTPClient) CreatePatient(ctx context.Context, creds Credentials, req PatientRequest) (PatientResult, error) {
	const op = "create_patient"
	ctx, span := tracer.Start(ctx, "crio.create_patient")
	defer span.End()
	span.SetAttributes(attribute.String("crio.site_id", req.SiteID), attribute.String("crio.study_id", req.StudyID))

	payload := patientPayload{
		SiteID: req.SiteID,
		PatientInfo: patientInfo{
			ExternalID: req.ExternalID,
			Status:     "AVAILABLE",
			Gender:     req.Patient.Gender,
			Sex:        req.Patient.Gender,
			Notes:      req.Notes,
			PatientContact: patientContact{
				FirstName:   req.Patient.FirstName,
				LastName:    req.Patient.LastName,
				Email:       req.Patient.Email,
				CellPhone:   req.Patient.Phone,
				CountryCode: "US",
			},
		},
		Studies: []studyEnrollment{{
			StudyID:           req.StudyID,
			SubjectStatus:     "INTERESTED",
			RecruitmentStatus: "PROSPECT",
		}},
	}
	if !req.Patient.DateOfBirth.IsZero() {
		payload.PatientInfo.BirthDate = FormatDate(req.Patient.DateOfBirth)
	}

	var out patientResponse
	start := time.Now()
	resp, err := c.request(ctx, creds).SetBody(payload).SetResult(&out).Post(c.path("patient"))
	err = c.check(op, resp, err, false)
	c.observe(op, err, start)
	if err != nil {
		span.RecordError(err)
		return PatientResult{}, err
	}
	result := out.resolve(req.StudyID)
	if result.PatientID == "" {
		err := apperr.Wrap("crio: "+op, apperr.ErrRemoteSystem, errors.New("response carried no patient id"))
		span.RecordError(err)
		return PatientResult{}, err
	}
	if result.SubjectID == "" {
		c.logger.Warn("crio patient created without subject id", "patient_id", result.PatientID, "study_id", req.StudyID)
	}
	return result, nil
}

// CreateAppointment books a visit and returns the remote appointment id.
func (c *HTTPClient) CreateAppointment(ctx context.Context, creds Credentials, req AppointmentRequest) (string, error) {
	const op = "create_appointment"
	ctx, span := tracer.Start(ctx, "crio.create_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("crio.site_id", req.SiteID), attribute.String("crio.visit_id", req.VisitID))

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = 60
	}
	payload := appointmentPayload{
		SiteID:           req.SiteID,
		StudyID:          req.StudyID,
		VisitID:          req.VisitID,
		PatientID:        req.SubjectID,
		CoordinatorEmail: req.CoordinatorEmail,
		AppointmentDate:  FormatDateTime(req.StartsAt),
		Duration:         duration,
	}

	var out appointmentResponse
	start := time.Now()
	resp, err := c.request(ctx, creds).SetBody(payload).SetResult(&out).Post(c.path("appointment"))
	err = c.check(op, resp, err, true)
	c.observe(op, err, start)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	id := out.resolve()
	if id == "" {
		err := apperr.Wrap("crio: "+op, apperr.ErrRemoteSystem, errors.New("response carried no appointment id"))
		span.RecordError(err)
		return "", err
	}
	return id, nil
}

// UpdateAppointment moves an existing appointment to a new start time.
func (c *HTTPClient) UpdateAppointment(ctx context.Context, creds Credentials, req UpdateAppointmentRequest) error {
	const op = "update_appointment"
	ctx, span := tracer.Start(ctx, "crio.update_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("crio.appointment_id", req.AppointmentID))

	when := FormatDateTime(req.StartsAt)
	payload := updateAppointmentPayload{
		SiteID:        req.SiteID,
		SubjectID:     req.SubjectID,
		StudyVisitID:  req.VisitID,
		AppointmentID: req.AppointmentID,
		StartDate:     when,
		EndDate:       when,
		Calendar:      req.CoordinatorEmail,
		Notes:         req.Notes,
	}
	start := time.Now()
	resp, err := c.request(ctx, creds).SetBody(payload).Put(c.path("calendar/update-appointment"))
	err = c.check(op, resp, err, true)
	c.observe(op, err, start)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ListSchedule returns calendar events for a site between two dates. The feed
// only answers multi-day windows, so end is pushed past start when equal.
func (c *HTTPClient) ListSchedule(ctx context.Context, creds Credentials, siteID string, start, end time.Time) ([]CalendarEvent, error) {
	const op = "list_schedule"
	ctx, span := tracer.Start(ctx, "crio.list_schedule")
	defer span.End()
	span.SetAttributes(attribute.String("crio.site_id", siteID))

	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	req := c.request(ctx, creds).SetQueryParams(map[string]string{
		"site_key": siteID,
		"start":    start.Format("2006-01-02"),
		"end":      end.Format("2006-01-02"),
	})
	if c.cfg.CapacityUserID != "" {
		req.SetQueryParam("filter-user-"+c.cfg.CapacityUserID, c.cfg.CapacityUserID)
	}
	var out scheduleResponse
	began := time.Now()
	resp, err := req.SetResult(&out).Get(c.path("internal/schedule"))
	err = c.check(op, resp, err, false)
	c.observe(op, err, began)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !out.Success {
		c.logger.Warn("crio schedule feed reported failure", "site_id", siteID)
		return nil, nil
	}
	return out.Data, nil
}

// check maps transport and status failures onto engine error kinds.
func (c *HTTPClient) check(op string, resp *resty.Response, err error, slotOp bool) error {
	name := "crio: " + op
	if err != nil {
		return apperr.Wrap(name, apperr.ErrRemoteSystem, err)
	}
	if !resp.IsError() {
		return nil
	}
	status := &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	c.logger.Warn("crio request failed", "operation", op, "status", status.Code)
	switch {
	case status.Code == http.StatusUnauthorized || status.Code == http.StatusForbidden:
		return apperr.Wrap(name, apperr.ErrSessionExpired, status)
	case slotOp && (status.Code == http.StatusConflict || status.Code == http.StatusGone):
		return apperr.Wrap(name, apperr.ErrSlotUnavailable, status)
	default:
		return apperr.Wrap(name, apperr.ErrRemoteSystem, status)
	}
}

func (c *HTTPClient) observe(op string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	c.metrics.ObserveRemoteCall(op, outcome, time.Since(start).Seconds())
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/trial-scheduling-engine/internal/events"
	"github.com/wolfman30/trial-scheduling-engine/internal/reschedule"
	"github.com/wolfman30/trial-scheduling-engine/internal/sites"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// SiteDirectory looks up site contact details. *sites.PostgresStore
// satisfies it.
type SiteDirectory interface {
	Site(ctx context.Context, siteID string) (sites.Mapping, error)
}

// Delivery is the outcome of one templated email.
type Delivery string

const (
	DeliveryDelivered Delivery = "delivered"
	DeliveryFailed    Delivery = "failed"
)

// Service renders named templates and sends them to patients and
// coordinators.
type Service struct {
	email        EmailSender
	sites        SiteDirectory
	coordinators []string
	loc          *time.Location
	logger       *logging.Logger
}

// NewService creates a notification service. fallback receives coordinator
// mail when a site has no coordinator email of its own.
func NewService(email EmailSender, directory SiteDirectory, fallback []string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:        email,
		sites:        directory,
		coordinators: fallback,
		loc:          time.UTC,
		logger:       logger,
	}
}

// WithLocation formats appointment times in loc.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// Send renders templateID with vars and emails it to to.
func (s *Service) Send(ctx context.Context, templateID, to string, vars map[string]any) (Delivery, error) {
	return s.send(ctx, templateID, EmailMessage{To: to}, vars)
}

func (s *Service) send(ctx context.Context, templateID string, msg EmailMessage, vars map[string]any) (Delivery, error) {
	if s.email == nil {
		return DeliveryFailed, errors.New("notify: email sender not configured")
	}
	if !emailSet.Has(templateID) {
		return DeliveryFailed, fmt.Errorf("notify: unknown template %q", templateID)
	}
	subject, err := emailSet.Render(templateID+".subject", vars)
	if err != nil {
		return DeliveryFailed, fmt.Errorf("notify: render %s: %w", templateID, err)
	}
	body, err := emailSet.Render(templateID, vars)
	if err != nil {
		return DeliveryFailed, fmt.Errorf("notify: render %s: %w", templateID, err)
	}
	msg.Subject, msg.Body = subject, body
	msg.Category = templateID
	if err := s.email.Send(ctx, msg); err != nil {
		return DeliveryFailed, err
	}
	return DeliveryDelivered, nil
}

func (s *Service) site(ctx context.Context, siteID string) sites.Mapping {
	if s.sites == nil || siteID == "" {
		return sites.Mapping{SiteID: siteID}
	}
	m, err := s.sites.Site(ctx, siteID)
	if err != nil {
		s.logger.Warn("notify: site lookup failed", "site_id", siteID, "error", err)
		return sites.Mapping{SiteID: siteID}
	}
	return m
}

// NotifyEscalation emails the site's coordinator that a reschedule request
// needs a human. The fallback list is copied, or addressed directly when the
// site has no coordinator email.
func (s *Service) NotifyEscalation(ctx context.Context, r reschedule.Request, reason string) error {
	site := s.site(ctx, r.SiteID)
	recipients := s.coordinators
	if site.CoordinatorEmail != "" {
		recipients = append([]string{site.CoordinatorEmail}, s.coordinators...)
	}
	if len(recipients) == 0 {
		s.logger.Warn("notify: no coordinator recipients for escalation", "request_id", r.ID, "site_id", r.SiteID)
		return nil
	}

	current := "unknown"
	if r.CurrentAppointmentAt != nil {
		current = s.format(*r.CurrentAppointmentAt)
	}
	siteName := site.SiteName
	if siteName == "" {
		siteName = r.SiteID
	}
	vars := map[string]any{
		"PatientName":        orDefault(r.PatientName, "Unknown patient"),
		"Phone":              r.Phone,
		"SiteName":           siteName,
		"StudyID":            r.StudyID,
		"VisitID":            orDefault(r.VisitID, "-"),
		"CurrentAppointment": current,
		"Reason":             reason,
		"RequestID":          r.ID.String(),
	}
	msg := EmailMessage{To: recipients[0], Cc: recipients[1:]}
	if _, err := s.send(ctx, TemplateRescheduleEscalation, msg, vars); err != nil {
		s.logger.Error("notify: failed to send escalation email", "error", err, "request_id", r.ID)
		return err
	}
	s.logger.Info("notify: escalation email sent", "request_id", r.ID, "reason", reason, "recipients", len(recipients))
	return nil
}

// Patient is the recipient of a confirmation.
type Patient struct {
	Name  string
	Email string
}

// NotifyAppointmentBooked sends the patient a confirmation with the site
// address. Patients without an email are skipped.
func (s *Service) NotifyAppointmentBooked(ctx context.Context, evt events.AppointmentBookedV1, p Patient) (Delivery, error) {
	if strings.TrimSpace(p.Email) == "" {
		return "", nil
	}
	site := s.site(ctx, evt.SiteID)
	first := "there"
	if f := strings.Fields(p.Name); len(f) > 0 {
		first = f[0]
	}
	vars := map[string]any{
		"FirstName": first,
		"SiteName":  orDefault(site.SiteName, "the study team"),
		"When":      s.format(evt.AppointmentAt),
		"Address":   site.Address(),
	}
	// Patient replies go to the site coordinator rather than the no-reply sender.
	d, err := s.send(ctx, TemplateAppointmentConfirmation, EmailMessage{
		To:      p.Email,
		ToName:  p.Name,
		ReplyTo: site.CoordinatorEmail,
	}, vars)
	if err != nil {
		s.logger.Error("notify: failed to send confirmation", "error", err, "appointment_id", evt.AppointmentID)
		return d, err
	}
	s.logger.Info("notify: confirmation sent", "appointment_id", evt.AppointmentID)
	return d, nil
}

func (s *Service) format(t time.Time) string {
	return t.In(s.loc).Format("Monday, January 2 at 3:04 PM")
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

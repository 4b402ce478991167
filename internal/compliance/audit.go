// Package compliance records the audit trail coordinators and regulators rely on.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AuditEventType represents the type of compliance event.
type AuditEventType string

const (
	// EventSMSOptOut is logged when a phone is suppressed after a STOP keyword.
	EventSMSOptOut AuditEventType = "compliance.sms_opt_out"
	// EventRescheduleEscalated is logged when a reschedule request is handed to a coordinator.
	EventRescheduleEscalated AuditEventType = "workflow.reschedule_escalated"
	// EventAnswerValidated is logged when a human corrects or confirms a prescreening answer.
	EventAnswerValidated AuditEventType = "prescreening.answer_validated"
	// EventSessionInvalidated is logged when the shared scheduling session is deactivated.
	EventSessionInvalidated AuditEventType = "session.invalidated"
)

// AuditEvent represents an immutable compliance audit record.
type AuditEvent struct {
	ID         string          `json:"id"`
	EventType  AuditEventType  `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Actor      string          `json:"actor"`
	Subjects   []string        `json:"subjects,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditService handles compliance audit logging.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records a compliance audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = "system"
	}
	if event.Subjects == nil {
		event.Subjects = []string{}
	}

	query := `
		INSERT INTO compliance_audit_events (
			id, event_type, entity_type, entity_id, actor, subjects, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.EntityType,
		event.EntityID,
		event.Actor,
		pq.Array(event.Subjects),
		nullJSON(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}
	return nil
}

func (s *AuditService) log(ctx context.Context, eventType AuditEventType, entityType, entityID, actor string, subjects []string, details any) error {
	var raw json.RawMessage
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("compliance: marshal details: %w", err)
		}
		raw = data
	}
	return s.LogEvent(ctx, AuditEvent{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Subjects:   subjects,
		Details:    raw,
	})
}

// LogOptOut records a global SMS suppression.
func (s *AuditService) LogOptOut(ctx context.Context, phone, source, keyword string) error {
	return s.log(ctx, EventSMSOptOut, "phone", phone, "patient", []string{phone}, map[string]string{
		"source":  source,
		"keyword": keyword,
	})
}

// LogEscalation records a reschedule request handed to a coordinator.
func (s *AuditService) LogEscalation(ctx context.Context, requestID, phone, fromStatus, reason string) error {
	return s.log(ctx, EventRescheduleEscalated, "reschedule_request", requestID, "system", []string{phone}, map[string]string{
		"from_status": fromStatus,
		"reason":      reason,
	})
}

// LogValidation records a human review of a prescreening answer.
func (s *AuditService) LogValidation(ctx context.Context, answerID, validator string, corrected json.RawMessage) error {
	return s.log(ctx, EventAnswerValidated, "prescreening_answer", answerID, validator, nil, map[string]json.RawMessage{
		"corrected_value": corrected,
	})
}

// LogSessionInvalidated records a shared session deactivation.
func (s *AuditService) LogSessionInvalidated(ctx context.Context, sessionID, reason string) error {
	return s.log(ctx, EventSessionInvalidated, "shared_external_session", sessionID, "system", nil, map[string]string{
		"reason": reason,
	})
}

// QueryEvents retrieves audit events with filters.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, entity_type, entity_id, actor, subjects, details, created_at
		FROM compliance_audit_events
		WHERE 1 = 1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if filter.Subject != "" {
		query += fmt.Sprintf(" AND $%d = ANY(subjects)", argIdx)
		args = append(args, filter.Subject)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.Actor, pq.Array(&e.Subjects), &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Subject    string
	EventType  AuditEventType
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

package reschedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/appointments"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
)

// PgxPool is satisfied by *pgxpool.Pool and pgxmock.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the reschedule workflow.
type PostgresStore struct {
	db PgxPool
}

func NewPostgresStore(db PgxPool) *PostgresStore {
	if db == nil {
		panic("reschedule: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const requestColumns = `id, batch_id, phone, patient_name, site_id, study_id, visit_id, remote_subject_id,
	current_remote_appointment_id, current_appointment_at, earliest_new_date, availability_notes, status,
	dispatch_attempts, next_attempt_at, COALESCE(last_error, ''), COALESCE(provider_message_id, ''),
	sms_sent_at, last_inbound_at, escalated, COALESCE(escalation_reason, ''), selected_slot_at,
	COALESCE(new_remote_appointment_id, ''), created_at, updated_at`

const batchColumns = `id, name, uploaded_by, COALESCE(archive_key, ''), status, total_patients, processed_patients,
	successful_reschedules, failed_reschedules, pending_patients, escalated_patients, created_at, updated_at, completed_at`

func (s *PostgresStore) CreateBatch(ctx context.Context, b Batch, reqs []Request) (Batch, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("reschedule: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO reschedule_batches (id, name, uploaded_by, archive_key, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`
	if _, err := tx.Exec(ctx, query, b.ID, b.Name, b.UploadedBy, b.ArchiveKey, string(BatchPending)); err != nil {
		return Batch{}, fmt.Errorf("reschedule: insert batch: %w", err)
	}
	for _, r := range reqs {
		r.BatchID = &b.ID
		if err := insertRequest(ctx, tx, r); err != nil {
			return Batch{}, err
		}
	}
	out, err := recomputeBatchCounters(ctx, tx, b.ID)
	if err != nil {
		return Batch{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Batch{}, fmt.Errorf("reschedule: commit batch: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, r Request) (Request, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("reschedule: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertRequest(ctx, tx, r); err != nil {
		return Request{}, err
	}
	if r.BatchID != nil {
		if _, err := recomputeBatchCounters(ctx, tx, *r.BatchID); err != nil {
			return Request{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("reschedule: commit request: %w", err)
	}
	return r, nil
}

func insertRequest(ctx context.Context, tx pgx.Tx, r Request) error {
	query := `
		INSERT INTO reschedule_requests (
			id, batch_id, phone, patient_name, site_id, study_id, visit_id, remote_subject_id,
			current_remote_appointment_id, current_appointment_at, earliest_new_date, availability_notes,
			status, next_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := tx.Exec(ctx, query, r.ID, r.BatchID, r.Phone, r.PatientName, r.SiteID, r.StudyID, r.VisitID,
		r.RemoteSubjectID, r.CurrentRemoteAppointmentID, r.CurrentAppointmentAt, r.EarliestNewDate,
		r.AvailabilityNotes, string(StatusPending), r.NextAttemptAt)
	if err != nil {
		if apperr.IsUniqueViolation(err) {
			return apperr.Wrap("reschedule: insert request", apperr.ErrConstraintViolation, err)
		}
		return fmt.Errorf("reschedule: insert request: %w", err)
	}
	return nil
}

// recomputeBatchCounters re-derives every counter from the batch's requests.
// Every terminal request that did not complete counts as failed, so once the
// batch completes successful + failed + pending equals total. It runs inside the caller's transaction so counters and statuses commit
// together.
func recomputeBatchCounters(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) (Batch, error) {
	query := `
		WITH c AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status IN ('completed', 'failed', 'escalated', 'cancelled')) AS processed,
				COUNT(*) FILTER (WHERE status = 'completed') AS successful,
				COUNT(*) FILTER (WHERE status IN ('failed', 'escalated', 'cancelled')) AS failed,
				COUNT(*) FILTER (WHERE status NOT IN ('completed', 'failed', 'escalated', 'cancelled')) AS remaining,
				COUNT(*) FILTER (WHERE status = 'escalated') AS escalated,
				COUNT(*) FILTER (WHERE status <> 'pending') AS touched
			FROM reschedule_requests
			WHERE batch_id = $1
		)
		UPDATE reschedule_batches b
		SET total_patients = c.total,
		    processed_patients = c.processed,
		    successful_reschedules = c.successful,
		    failed_reschedules = c.failed,
		    pending_patients = c.remaining,
		    escalated_patients = c.escalated,
		    status = CASE
		        WHEN b.status = 'cancelled' THEN b.status
		        WHEN c.total > 0 AND c.remaining = 0 THEN 'completed'
		        WHEN c.touched > 0 THEN 'in_progress'
		        ELSE 'pending'
		    END,
		    completed_at = CASE
		        WHEN b.status <> 'cancelled' AND c.total > 0 AND c.remaining = 0 THEN COALESCE(b.completed_at, now())
		        ELSE b.completed_at
		    END,
		    updated_at = now()
		FROM c
		WHERE b.id = $1
		RETURNING ` + batchColumns
	batch, err := scanBatch(tx.QueryRow(ctx, query, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, apperr.Wrap("reschedule: recompute batch counters", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("reschedule: recompute batch counters: %w", err)
	}
	return batch, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (Batch, error) {
	b, err := scanBatch(s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM reschedule_batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, apperr.Wrap("reschedule: get batch", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("reschedule: get batch: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id uuid.UUID) (Request, error) {
	r, err := scanRequest(s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM reschedule_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, apperr.Wrap("reschedule: get request", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Request{}, fmt.Errorf("reschedule: get request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, batchID uuid.UUID) ([]Request, error) {
	rows, err := s.db.Query(ctx, `SELECT `+requestColumns+`
		FROM reschedule_requests
		WHERE batch_id = $1
		ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("reschedule: list requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Request, error) {
	query := `
		UPDATE reschedule_requests
		SET next_attempt_at = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM reschedule_requests
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + requestColumns
	rows, err := s.db.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("reschedule: claim due: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (s *PostgresStore) Stalled(ctx context.Context, status Status, before time.Time, limit int) ([]Request, error) {
	rows, err := s.db.Query(ctx, `SELECT `+requestColumns+`
		FROM reschedule_requests
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("reschedule: list stalled: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// OpenByPhone returns the most recently messaged open request for phone
// whose conversation has been active since the given time.
func (s *PostgresStore) OpenByPhone(ctx context.Context, phone string, since time.Time) (Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM reschedule_requests
		WHERE phone = $1
		  AND status IN ('sms_sent', 'patient_responded', 'awaiting_selection', 'confirmed')
		  AND COALESCE(last_inbound_at, sms_sent_at) >= $2
		ORDER BY sms_sent_at DESC
		LIMIT 1`
	r, err := scanRequest(s.db.QueryRow(ctx, query, phone, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, apperr.Wrap("reschedule: open request by phone", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Request{}, fmt.Errorf("reschedule: open request by phone: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) LatestOffer(ctx context.Context, requestID uuid.UUID) (SlotOffer, error) {
	query := `
		SELECT metadata FROM reschedule_request_events
		WHERE request_id = $1 AND metadata_kind = 'slot_offer'
		ORDER BY id DESC
		LIMIT 1
	`
	var raw []byte
	if err := s.db.QueryRow(ctx, query, requestID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SlotOffer{}, apperr.Wrap("reschedule: latest offer", apperr.ErrNotFound, nil)
		}
		return SlotOffer{}, fmt.Errorf("reschedule: latest offer: %w", err)
	}
	var offer SlotOffer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return SlotOffer{}, fmt.Errorf("reschedule: decode offer: %w", err)
	}
	return offer, nil
}

func (s *PostgresStore) Events(ctx context.Context, requestID uuid.UUID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, from_status, to_status, metadata_kind, metadata, provenance, created_at
		FROM reschedule_request_events
		WHERE request_id = $1
		ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("reschedule: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                    Event
			from, to, kind       string
			metadata, provenance []byte
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &from, &to, &kind, &metadata, &provenance, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("reschedule: scan event: %w", err)
		}
		e.From, e.To = Status(from), Status(to)
		if e.Metadata, err = DecodeMetadata(kind, metadata); err != nil {
			return nil, err
		}
		if len(provenance) > 0 {
			if err := json.Unmarshal(provenance, &e.Provenance); err != nil {
				return nil, fmt.Errorf("reschedule: decode provenance: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const applyTransition = `
	UPDATE reschedule_requests
	SET status = $3,
	    dispatch_attempts = COALESCE($4, dispatch_attempts),
	    next_attempt_at = COALESCE($5, next_attempt_at),
	    last_error = COALESCE($6, last_error),
	    provider_message_id = COALESCE($7, provider_message_id),
	    sms_sent_at = COALESCE($8, sms_sent_at),
	    last_inbound_at = COALESCE($9, last_inbound_at),
	    escalated = escalated OR $3 = 'escalated',
	    escalation_reason = COALESCE($10, escalation_reason),
	    selected_slot_at = COALESCE($11, selected_slot_at),
	    new_remote_appointment_id = COALESCE($12, new_remote_appointment_id),
	    updated_at = now()
	WHERE id = $1 AND status = $2
	RETURNING ` + requestColumns

// Apply performs a guarded transition. A request that already left c.From
// yields ErrIllegalTransition and nothing is written.
func (s *PostgresStore) Apply(ctx context.Context, c Change) (Request, error) {
	if !CanTransition(c.From, c.To) {
		return Request{}, apperr.Wrap("reschedule: apply", apperr.ErrIllegalTransition, fmt.Errorf("%s -> %s", c.From, c.To))
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("reschedule: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p := c.Patch
	req, err := scanRequest(tx.QueryRow(ctx, applyTransition, c.RequestID, string(c.From), string(c.To),
		p.DispatchAttempts, p.NextAttemptAt, p.LastError, p.ProviderMessageID, p.SMSSentAt, p.LastInboundAt,
		p.EscalationReason, p.SelectedSlotAt, p.NewRemoteAppointmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, apperr.Wrap("reschedule: apply", apperr.ErrIllegalTransition,
			fmt.Errorf("request %s is no longer %s", c.RequestID, c.From))
	}
	if err != nil {
		return Request{}, fmt.Errorf("reschedule: update request: %w", err)
	}

	if err := appendEvent(ctx, tx, c.RequestID, c.From, c.To, c.Metadata, c.Provenance); err != nil {
		return Request{}, err
	}
	if h := c.History; h != nil {
		query := `
			INSERT INTO reschedule_history (
				id, request_id, old_remote_appointment_id, new_remote_appointment_id, old_appointment_at,
				new_appointment_at, reason_code, reason_text, initiated_by, rescheduled_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (request_id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, query, h.ID, h.RequestID, h.OldRemoteAppointmentID, h.NewRemoteAppointmentID,
			h.OldAppointmentAt, h.NewAppointmentAt, h.ReasonCode, h.ReasonText, h.InitiatedBy, h.RescheduledAt); err != nil {
			return Request{}, fmt.Errorf("reschedule: insert history: %w", err)
		}
	}
	if m := c.Move; m != nil {
		if _, err := appointments.MarkRescheduled(ctx, tx, m.RemoteAppointmentID, m.NewAt, m.Note); err != nil {
			return Request{}, err
		}
	}
	if c.Outbox != nil {
		if _, err := events.Append(ctx, tx, "reschedule_request:"+c.RequestID.String(), c.Outbox); err != nil {
			return Request{}, err
		}
	}
	if req.BatchID != nil {
		if _, err := recomputeBatchCounters(ctx, tx, *req.BatchID); err != nil {
			return Request{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("reschedule: commit transition: %w", err)
	}
	return req, nil
}

// CancelBatch cancels every request of the batch that has not engaged yet and
// freezes the batch status. It returns the number of requests cancelled.
func (s *PostgresStore) CancelBatch(ctx context.Context, batchID uuid.UUID, c Cancellation) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("reschedule: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		WITH target AS (
			SELECT id, status FROM reschedule_requests
			WHERE batch_id = $1 AND status IN ('pending', 'sms_sent')
			FOR UPDATE
		)
		UPDATE reschedule_requests r
		SET status = 'cancelled', updated_at = now()
		FROM target t
		WHERE r.id = t.id
		RETURNING r.id, t.status
	`
	rows, err := tx.Query(ctx, query, batchID)
	if err != nil {
		return 0, fmt.Errorf("reschedule: cancel batch requests: %w", err)
	}
	type cancelled struct {
		id   uuid.UUID
		from string
	}
	var done []cancelled
	for rows.Next() {
		var cr cancelled
		if err := rows.Scan(&cr.id, &cr.from); err != nil {
			rows.Close()
			return 0, fmt.Errorf("reschedule: scan cancelled request: %w", err)
		}
		done = append(done, cr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reschedule: cancel batch requests: %w", err)
	}

	for _, cr := range done {
		if err := appendEvent(ctx, tx, cr.id, Status(cr.from), StatusCancelled, c, nil); err != nil {
			return 0, err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reschedule_batches SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'in_progress')`, batchID); err != nil {
		return 0, fmt.Errorf("reschedule: cancel batch: %w", err)
	}
	if _, err := recomputeBatchCounters(ctx, tx, batchID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("reschedule: commit batch cancel: %w", err)
	}
	return len(done), nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, requestID uuid.UUID, from, to Status, m Metadata, provenance map[string]string) error {
	kind, raw, err := encodeMetadata(m)
	if err != nil {
		return err
	}
	var prov []byte
	if len(provenance) > 0 {
		if prov, err = json.Marshal(provenance); err != nil {
			return fmt.Errorf("reschedule: encode provenance: %w", err)
		}
	}
	query := `
		INSERT INTO reschedule_request_events (request_id, from_status, to_status, metadata_kind, metadata, provenance)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, query, requestID, string(from), string(to), kind, raw, prov); err != nil {
		return fmt.Errorf("reschedule: append event: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		r      Request
		status string
	)
	err := row.Scan(&r.ID, &r.BatchID, &r.Phone, &r.PatientName, &r.SiteID, &r.StudyID, &r.VisitID,
		&r.RemoteSubjectID, &r.CurrentRemoteAppointmentID, &r.CurrentAppointmentAt, &r.EarliestNewDate,
		&r.AvailabilityNotes, &status, &r.DispatchAttempts, &r.NextAttemptAt, &r.LastError,
		&r.ProviderMessageID, &r.SMSSentAt, &r.LastInboundAt, &r.Escalated, &r.EscalationReason,
		&r.SelectedSlotAt, &r.NewRemoteAppointmentID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Request{}, err
	}
	r.Status = Status(status)
	return r, nil
}

func scanRequests(rows pgx.Rows) ([]Request, error) {
	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("reschedule: scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var (
		b      Batch
		status string
	)
	err := row.Scan(&b.ID, &b.Name, &b.UploadedBy, &b.ArchiveKey, &status, &b.TotalPatients, &b.ProcessedPatients,
		&b.SuccessfulReschedules, &b.FailedReschedules, &b.PendingPatients, &b.EscalatedPatients,
		&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt)
	if err != nil {
		return Batch{}, err
	}
	b.Status = BatchStatus(status)
	return b, nil
}

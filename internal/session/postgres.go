package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
)

// PgxPool is satisfied by *pgxpool.Pool and pgxmock.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const maxActivateAttempts = 3

// PostgresRegistry stores sessions in shared_external_sessions.
type PostgresRegistry struct {
	db PgxPool
}

func NewPostgresRegistry(db PgxPool) *PostgresRegistry {
	if db == nil {
		panic("session: db required")
	}
	return &PostgresRegistry{db: db}
}

var _ Registry = (*PostgresRegistry)(nil)

// Activate retries when a concurrent activation wins the partial unique index
// between our deactivate and insert, so the latest caller ends up active.
func (r *PostgresRegistry) Activate(ctx context.Context, rec Record, now time.Time) (uuid.UUID, error) {
	var lastErr error
	for attempt := 1; attempt <= maxActivateAttempts; attempt++ {
		prior, err := r.activateOnce(ctx, rec, now)
		if err == nil {
			return prior, nil
		}
		if !apperr.IsUniqueViolation(err) {
			return uuid.Nil, err
		}
		lastErr = err
	}
	return uuid.Nil, apperr.Wrap("session: activate", apperr.ErrConstraintViolation, lastErr)
}

func (r *PostgresRegistry) activateOnce(ctx context.Context, rec Record, now time.Time) (uuid.UUID, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session: begin activate: %w", err)
	}
	defer tx.Rollback(ctx)

	var prior uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE shared_external_sessions
		SET is_active = FALSE, invalidated_at = $1, invalidation_reason = $2
		WHERE is_active
		RETURNING id
	`, now, ReasonSuperseded).Scan(&prior)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("session: deactivate prior: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO shared_external_sessions (
			id, session_token, csrf_token, source, authenticated_at, expires_at, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE)
	`, rec.ID, rec.SessionToken, rec.CSRFToken, rec.Source, rec.AuthenticatedAt, rec.ExpiresAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session: insert active: %w", err)
	}

	evt := events.SessionActivatedV1{
		SessionID:       rec.ID.String(),
		Source:          rec.Source,
		AuthenticatedAt: rec.AuthenticatedAt,
		ExpiresAt:       rec.ExpiresAt,
	}
	if prior != uuid.Nil {
		evt.SupersededID = prior.String()
	}
	if _, err := events.Append(ctx, tx, "scheduling_session:"+rec.ID.String(), evt); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("session: commit activate: %w", err)
	}
	return prior, nil
}

const selectColumns = `
	SELECT id, session_token, csrf_token, source, authenticated_at, expires_at, is_active,
		dashboard_uses, automation_uses, last_used_at, invalidated_at, COALESCE(invalidation_reason, '')
	FROM shared_external_sessions
`

func (r *PostgresRegistry) Active(ctx context.Context) (Record, error) {
	var rec Record
	err := r.db.QueryRow(ctx, selectColumns+` WHERE is_active LIMIT 1`).Scan(
		&rec.ID, &rec.SessionToken, &rec.CSRFToken, &rec.Source, &rec.AuthenticatedAt, &rec.ExpiresAt, &rec.IsActive,
		&rec.DashboardUses, &rec.AutomationUses, &rec.LastUsedAt, &rec.InvalidatedAt, &rec.InvalidationReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, apperr.ErrNoActiveSession
	}
	if err != nil {
		return Record{}, fmt.Errorf("session: load active: %w", err)
	}
	return rec, nil
}

func (r *PostgresRegistry) Deactivate(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE shared_external_sessions
		SET is_active = FALSE, invalidated_at = $2, invalidation_reason = $3
		WHERE id = $1 AND is_active
	`, id, now, reason)
	if err != nil {
		return false, fmt.Errorf("session: deactivate: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *PostgresRegistry) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE shared_external_sessions
		SET is_active = FALSE, invalidated_at = $1, invalidation_reason = $2
		WHERE is_active AND expires_at <= $1
	`, now, ReasonExpired)
	if err != nil {
		return 0, fmt.Errorf("session: deactivate expired: %w", err)
	}
	return ct.RowsAffected(), nil
}

var usageQueries = map[Consumer]string{
	ConsumerDashboard: `
		UPDATE shared_external_sessions
		SET dashboard_uses = dashboard_uses + 1, last_used_at = $2
		WHERE id = $1
	`,
	ConsumerAutomation: `
		UPDATE shared_external_sessions
		SET automation_uses = automation_uses + 1, last_used_at = $2
		WHERE id = $1
	`,
}

// IncrementUsage counts against the handle's row even if a newer session has
// since superseded it; the use happened on that row.
func (r *PostgresRegistry) IncrementUsage(ctx context.Context, id uuid.UUID, consumer Consumer, now time.Time) error {
	query, ok := usageQueries[consumer]
	if !ok {
		return fmt.Errorf("session: unknown consumer %q", consumer)
	}
	ct, err := r.db.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("session: increment usage: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.Wrap("session: increment usage", apperr.ErrNotFound, nil)
	}
	return nil
}

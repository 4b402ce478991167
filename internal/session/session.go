// Package session owns the single shared authenticated session against the
// remote scheduling system.
//
// The session is a registry row. Activation is a compare-and-swap: the prior
// active row is deactivated and the new one inserted in one transaction, with
// a partial unique index guaranteeing at most one active row. Consumers take a
// Handle and report usage against that handle's row.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
)

// Consumer identifies who is using the shared session.
type Consumer string

const (
	ConsumerDashboard  Consumer = "dashboard"
	ConsumerAutomation Consumer = "automation"
)

// Valid reports whether c is a known consumer.
func (c Consumer) Valid() bool {
	return c == ConsumerDashboard || c == ConsumerAutomation
}

// Invalidation reasons recorded on deactivated rows.
const (
	ReasonSuperseded = "superseded by new session"
	ReasonExpired    = "expired"
	ReasonRejected   = "rejected by remote system"
)

// Record is one row of shared_external_sessions.
type Record struct {
	ID                 uuid.UUID  `json:"id"`
	SessionToken       string     `json:"session_token"`
	CSRFToken          string     `json:"csrf_token"`
	Source             string     `json:"source"`
	AuthenticatedAt    time.Time  `json:"authenticated_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	IsActive           bool       `json:"is_active"`
	DashboardUses      int64      `json:"dashboard_uses"`
	AutomationUses     int64      `json:"automation_uses"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	InvalidatedAt      *time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason string     `json:"invalidation_reason,omitempty"`
}

// Handle is a consumer's claim on one specific session row.
type Handle struct {
	SessionID   uuid.UUID
	Consumer    Consumer
	Credentials crio.Credentials
	ExpiresAt   time.Time
}

// Registry persists session rows.
type Registry interface {
	// Activate deactivates the current active row (if any) and inserts rec as
	// the active row. It returns the superseded id, or uuid.Nil.
	Activate(ctx context.Context, rec Record, now time.Time) (uuid.UUID, error)
	// Active returns the active row or apperr.ErrNoActiveSession.
	Active(ctx context.Context) (Record, error)
	// Deactivate flips is_active only when id is still the active row.
	Deactivate(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
	// DeactivateExpired retires an active row whose expiry has passed.
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	// IncrementUsage bumps the consumer's counter on the given row.
	IncrementUsage(ctx context.Context, id uuid.UUID, consumer Consumer, now time.Time) error
}

// SyncRequest carries tokens pushed by a dashboard login.
type SyncRequest struct {
	SessionToken    string    `json:"session_id"`
	CSRFToken       string    `json:"csrf_token"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	Source          string    `json:"source"`
}

// Status summarizes the shared session for monitoring.
type Status struct {
	Active           bool          `json:"active"`
	Expired          bool          `json:"expired"`
	SessionID        uuid.UUID     `json:"session_id,omitempty"`
	Source           string        `json:"source,omitempty"`
	AuthenticatedAt  time.Time     `json:"authenticated_at,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at,omitempty"`
	Remaining        time.Duration `json:"remaining"`
	DashboardUses    int64         `json:"dashboard_uses"`
	AutomationUses   int64         `json:"automation_uses"`
	LastUsedAt       *time.Time    `json:"last_used_at,omitempty"`
	RemainingMinutes int           `json:"remaining_minutes"`
}

type auditor interface {
	LogSessionInvalidated(ctx context.Context, sessionID, reason string) error
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// DefaultTTL is the fixed validity window from authentication.
const DefaultTTL = 8 * time.Hour

// Manager hands out the shared session to consumers.
type Manager struct {
	registry Registry
	ttl      time.Duration
	now      func() time.Time
	metrics  *metrics.EngineMetrics
	audit    auditor
	logger   *logging.Logger
}

func NewManager(registry Registry, ttl time.Duration, m *metrics.EngineMetrics, logger *logging.Logger) *Manager {
	if registry == nil {
		panic("session: registry required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// WithAuditor records invalidations in the compliance trail.
func (m *Manager) WithAuditor(a auditor) *Manager {
	m.audit = a
	return m
}

// Sync activates tokens pushed by a dashboard login. The prior active session
// is deactivated in the same transaction.
func (m *Manager) Sync(ctx context.Context, req SyncRequest) (Record, error) {
	if strings.TrimSpace(req.SessionToken) == "" || strings.TrimSpace(req.CSRFToken) == "" {
		return Record{}, errors.New("session: session token and csrf token are required")
	}
	now := m.now().UTC()
	authAt := req.AuthenticatedAt.UTC()
	if req.AuthenticatedAt.IsZero() || authAt.After(now) {
		authAt = now
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = string(ConsumerDashboard)
	}
	rec := Record{
		ID:              uuid.New(),
		SessionToken:    strings.TrimSpace(req.SessionToken),
		CSRFToken:       strings.TrimSpace(req.CSRFToken),
		Source:          source,
		AuthenticatedAt: authAt,
		ExpiresAt:       authAt.Add(m.ttl),
		IsActive:        true,
	}
	prior, err := m.registry.Activate(ctx, rec, now)
	if err != nil {
		return Record{}, err
	}
	m.logger.Info("scheduling session activated", "session_id", rec.ID, "source", source, "expires_at", rec.ExpiresAt, "superseded", prior)
	if prior != uuid.Nil {
		m.recordInvalidation(ctx, prior, ReasonSuperseded)
	}
	return rec, nil
}

// Acquire returns a handle on the active session. Failed acquisitions never
// touch usage counters.
func (m *Manager) Acquire(ctx context.Context, consumer Consumer) (Handle, error) {
	if !consumer.Valid() {
		return Handle{}, fmt.Errorf("session: unknown consumer %q", consumer)
	}
	rec, err := m.registry.Active(ctx)
	if err != nil {
		m.metrics.ObserveSessionAcquire(string(consumer), string(apperr.KindOf(err)))
		if errors.Is(err, apperr.ErrNoActiveSession) {
			return Handle{}, apperr.Wrap("session: acquire", apperr.ErrNoActiveSession, nil)
		}
		return Handle{}, err
	}
	if !m.now().Before(rec.ExpiresAt) {
		m.metrics.ObserveSessionAcquire(string(consumer), string(apperr.KindSessionExpired))
		return Handle{}, apperr.Wrap("session: acquire", apperr.ErrSessionExpired, nil)
	}
	m.metrics.ObserveSessionAcquire(string(consumer), "ok")
	return Handle{
		SessionID:   rec.ID,
		Consumer:    consumer,
		Credentials: crio.Credentials{SessionToken: rec.SessionToken, CSRFToken: rec.CSRFToken},
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// RecordUsage counts one successful use of the handle.
func (m *Manager) RecordUsage(ctx context.Context, h Handle) error {
	if h.SessionID == uuid.Nil {
		return errors.New("session: empty handle")
	}
	return m.registry.IncrementUsage(ctx, h.SessionID, h.Consumer, m.now().UTC())
}

// Invalidate deactivates whatever session is active.
func (m *Manager) Invalidate(ctx context.Context, reason string) error {
	rec, err := m.registry.Active(ctx)
	if errors.Is(err, apperr.ErrNoActiveSession) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = m.deactivate(ctx, rec.ID, reason)
	return err
}

// InvalidateHandle deactivates the handle's row only if it is still active,
// so a rejection seen on an old session never retires a newer one.
func (m *Manager) InvalidateHandle(ctx context.Context, h Handle, reason string) (bool, error) {
	return m.deactivate(ctx, h.SessionID, reason)
}

func (m *Manager) deactivate(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	ok, err := m.registry.Deactivate(ctx, id, reason, m.now().UTC())
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Warn("scheduling session invalidated", "session_id", id, "reason", reason)
		m.recordInvalidation(ctx, id, reason)
	}
	return ok, nil
}

func (m *Manager) recordInvalidation(ctx context.Context, id uuid.UUID, reason string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogSessionInvalidated(ctx, id.String(), reason); err != nil {
		m.logger.Error("failed to audit session invalidation", "error", err, "session_id", id)
	}
}

type uncachedReader interface {
	ActiveUncached(ctx context.Context) (Record, error)
}

// Status reports the active session and its usage. It bypasses any cache in
// front of the registry so usage counts are current.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	read := m.registry.Active
	if u, ok := m.registry.(uncachedReader); ok {
		read = u.ActiveUncached
	}
	rec, err := read(ctx)
	if errors.Is(err, apperr.ErrNoActiveSession) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	now := m.now()
	remaining := rec.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Active:           true,
		Expired:          !now.Before(rec.ExpiresAt),
		SessionID:        rec.ID,
		Source:           rec.Source,
		AuthenticatedAt:  rec.AuthenticatedAt,
		ExpiresAt:        rec.ExpiresAt,
		Remaining:        remaining,
		RemainingMinutes: int(remaining / time.Minute),
		DashboardUses:    rec.DashboardUses,
		AutomationUses:   rec.AutomationUses,
		LastUsedAt:       rec.LastUsedAt,
	}, nil
}

// Sweep retires an expired active row.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.registry.DeactivateExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired scheduling session retired", "count", n)
	}
	return n, nil
}

// Sweeper runs Sweep on an interval.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *logging.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.manager.Sweep(ctx); err != nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

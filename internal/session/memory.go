package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

// MemoryRegistry is an in-process Registry for local runs and tests.
type MemoryRegistry struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{rows: make(map[uuid.UUID]*Record)}
}

var _ Registry = (*MemoryRegistry)(nil)

func (m *MemoryRegistry) Activate(_ context.Context, rec Record, now time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior := uuid.Nil
	for id, row := range m.rows {
		if row.IsActive {
			row.IsActive = false
			at := now
			row.InvalidatedAt = &at
			row.InvalidationReason = ReasonSuperseded
			prior = id
		}
	}
	rec.IsActive = true
	copyRec := rec
	m.rows[rec.ID] = &copyRec
	return prior, nil
}

func (m *MemoryRegistry) Active(_ context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.IsActive {
			return *row, nil
		}
	}
	return Record{}, apperr.ErrNoActiveSession
}

func (m *MemoryRegistry) Deactivate(_ context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || !row.IsActive {
		return false, nil
	}
	row.IsActive = false
	at := now
	row.InvalidatedAt = &at
	row.InvalidationReason = reason
	return true, nil
}

func (m *MemoryRegistry) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.IsActive && !now.Before(row.ExpiresAt) {
			row.IsActive = false
			at := now
			row.InvalidatedAt = &at
			row.InvalidationReason = ReasonExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryRegistry) IncrementUsage(_ context.Context, id uuid.UUID, consumer Consumer, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return apperr.Wrap("session: increment usage", apperr.ErrNotFound, nil)
	}
	switch consumer {
	case ConsumerDashboard:
		row.DashboardUses++
	case ConsumerAutomation:
		row.AutomationUses++
	default:
		return fmt.Errorf("session: unknown consumer %q", consumer)
	}
	at := now
	row.LastUsedAt = &at
	return nil
}

// Get returns a copy of any row, active or not.
func (m *MemoryRegistry) Get(id uuid.UUID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return Record{}, false
	}
	return *row, true
}

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAuditor struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAuditor) LogSessionInvalidated(_ context.Context, _ string, reason string) error {
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	a.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T) (*Manager, *MemoryRegistry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	reg := NewMemoryRegistry()
	return NewManager(reg, 0, nil, nil).WithClock(clock.Now), reg, clock
}

func TestAcquireWithoutSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Acquire(context.Background(), ConsumerAutomation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNoActiveSession))
}

func TestAcquireAndRecordUsagePerConsumer(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	ctx := context.Background()
	rec, err := mgr.Sync(ctx, SyncRequest{SessionToken: "s1", CSRFToken: "c1"})
	require.NoError(t, err)
	assert.Equal(t, rec.AuthenticatedAt.Add(8*time.Hour), rec.ExpiresAt)

	h, err := mgr.Acquire(ctx, ConsumerAutomation)
	require.NoError(t, err)
	assert.Equal(t, "s1", h.Credentials.SessionToken)
	require.NoError(t, mgr.RecordUsage(ctx, h))
	require.NoError(t, mgr.RecordUsage(ctx, h))

	dh, err := mgr.Acquire(ctx, ConsumerDashboard)
	require.NoError(t, err)
	require.NoError(t, mgr.RecordUsage(ctx, dh))

	row, ok := reg.Get(rec.ID)
	require.True(t, ok)
	assert.EqualValues(t, 2, row.AutomationUses)
	assert.EqualValues(t, 1, row.DashboardUses)
	assert.NotNil(t, row.LastUsedAt)
}

func TestExpiredSessionFailsEvenWhileFlaggedActive(t *testing.T) {
	mgr, reg, clock := newTestManager(t)
	ctx := context.Background()
	rec, err := mgr.Sync(ctx, SyncRequest{SessionToken: "s1", CSRFToken: "c1"})
	require.NoError(t, err)

	clock.Advance(8 * time.Hour)
	_, err = mgr.Acquire(ctx, ConsumerAutomation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSessionExpired))

	row, _ := reg.Get(rec.ID)
	assert.True(t, row.IsActive)
	assert.Zero(t, row.AutomationUses)

	n, err := mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	row, _ = reg.Get(rec.ID)
	assert.False(t, row.IsActive)
	assert.Equal(t, ReasonExpired, row.InvalidationReason)
}

func TestSyncSupersedesPriorSession(t *testing.T) {
	mgr, reg, clock := newTestManager(t)
	audit := &recordingAuditor{}
	mgr.WithAuditor(audit)
	ctx := context.Background()

	first, err := mgr.Sync(ctx, SyncRequest{SessionToken: "s1", CSRFToken: "c1"})
	require.NoError(t, err)
	oldHandle, err := mgr.Acquire(ctx, ConsumerAutomation)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := mgr.Sync(ctx, SyncRequest{SessionToken: "s2", CSRFToken: "c2", Source: "dashboard"})
	require.NoError(t, err)

	row, _ := reg.Get(first.ID)
	assert.False(t, row.IsActive)
	assert.Equal(t, ReasonSuperseded, row.InvalidationReason)

	// A late rejection seen on the old handle must not retire the new session.
	ok, err := mgr.InvalidateHandle(ctx, oldHandle, ReasonRejected)
	require.NoError(t, err)
	assert.False(t, ok)

	h, err := mgr.Acquire(ctx, ConsumerAutomation)
	require.NoError(t, err)
	assert.Equal(t, second.ID, h.SessionID)
	assert.Equal(t, []string{ReasonSuperseded}, audit.reasons)
}

func TestConcurrentSyncLeavesOneActive(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mgr.Sync(ctx, SyncRequest{SessionToken: "s", CSRFToken: "c"})
		}()
	}
	wg.Wait()

	active := 0
	reg.mu.Lock()
	for _, row := range reg.rows {
		if row.IsActive {
			active++
		}
	}
	total := len(reg.rows)
	reg.mu.Unlock()
	assert.Equal(t, 1, active)
	assert.Equal(t, 10, total)
}

func TestInvalidateAndStatus(t *testing.T) {
	mgr, _, clock := newTestManager(t)
	ctx := context.Background()

	st, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Active)

	_, err = mgr.Sync(ctx, SyncRequest{SessionToken: "s1", CSRFToken: "c1"})
	require.NoError(t, err)
	clock.Advance(90 * time.Minute)

	st, err = mgr.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.False(t, st.Expired)
	assert.Equal(t, 390, st.RemainingMinutes)

	require.NoError(t, mgr.Invalidate(ctx, "logout"))
	_, err = mgr.Acquire(ctx, ConsumerDashboard)
	assert.True(t, errors.Is(err, apperr.ErrNoActiveSession))
	require.NoError(t, mgr.Invalidate(ctx, "logout"))
}

func TestSyncRejectsMissingTokens(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Sync(context.Background(), SyncRequest{SessionToken: "s1"})
	assert.Error(t, err)
}

func TestAcquireOutcomesAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg)
	mgr := NewManager(NewMemoryRegistry(), time.Hour, m, nil)
	ctx := context.Background()

	_, _ = mgr.Acquire(ctx, ConsumerAutomation)
	_, err := mgr.Sync(ctx, SyncRequest{SessionToken: "s", CSRFToken: "c"})
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, ConsumerAutomation)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "trialsched_session_acquire_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

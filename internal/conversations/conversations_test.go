package conversations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Session
}

func newMemStore() *memStore { return &memStore{rows: map[uuid.UUID]Session{}} }

func (m *memStore) Ensure(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[s.ID]; ok {
		return existing, nil
	}
	m.rows[s.ID] = s
	return s, nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return Session{}, apperr.Wrap("get", apperr.ErrNotFound, nil)
	}
	return s, nil
}

func (m *memStore) Touch(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.UpdatedAt = at
	m.rows[id] = s
	return true, nil
}

func (m *memStore) Expire(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.IsActive, s.ExpiredAt, s.UpdatedAt = false, &at, at
	m.rows[id] = s
	return true, nil
}

func (m *memStore) ExpireIdle(_ context.Context, before, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.rows {
		if s.IsActive && s.UpdatedAt.Before(before) {
			s.IsActive, s.ExpiredAt, s.UpdatedAt = false, &at, at
			m.rows[id] = s
			n++
		}
	}
	return n, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTracker() (*Tracker, *memStore, *clock) {
	store := newMemStore()
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return NewTracker(store, time.Hour, nil).WithClock(c.now), store, c
}

func TestBeginCreatesAndTouches(t *testing.T) {
	tr, store, c := newTracker()
	ctx := context.Background()
	id := uuid.New()

	s, err := tr.Begin(ctx, id, "", "")
	require.NoError(t, err)
	assert.Equal(t, ChannelWeb, s.Channel)
	assert.True(t, s.IsActive)

	c.t = c.t.Add(10 * time.Minute)
	_, err = tr.Begin(ctx, id, ChannelSMS, "+15005550001")
	require.NoError(t, err)
	assert.Equal(t, c.t, store.rows[id].UpdatedAt)
	assert.Equal(t, ChannelWeb, store.rows[id].Channel)
}

func TestExpiredConversationRejectsTurns(t *testing.T) {
	tr, _, _ := newTracker()
	ctx := context.Background()
	id := uuid.New()
	_, err := tr.Begin(ctx, id, ChannelSMS, "+15005550001")
	require.NoError(t, err)

	ok, err := tr.Expire(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tr.Expire(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, tr.Touch(ctx, id), apperr.ErrConversationClosed)
	_, err = tr.Begin(ctx, id, ChannelSMS, "")
	assert.ErrorIs(t, err, apperr.ErrConversationClosed)

	// Ensure still hands back the row so in-flight work can finish.
	s, err := tr.Ensure(ctx, id, ChannelSMS, "")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
}

func TestTouchUnknownConversation(t *testing.T) {
	tr, _, _ := newTracker()
	assert.ErrorIs(t, tr.Touch(context.Background(), uuid.New()), apperr.ErrNotFound)
}

func TestEnsureValidatesInput(t *testing.T) {
	tr, _, _ := newTracker()
	_, err := tr.Ensure(context.Background(), uuid.Nil, ChannelWeb, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = tr.Ensure(context.Background(), uuid.New(), "fax", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestExpireIdle(t *testing.T) {
	tr, store, c := newTracker()
	ctx := context.Background()
	stale, fresh := uuid.New(), uuid.New()
	_, err := tr.Begin(ctx, stale, ChannelWeb, "")
	require.NoError(t, err)
	c.t = c.t.Add(50 * time.Minute)
	_, err = tr.Begin(ctx, fresh, ChannelWeb, "")
	require.NoError(t, err)

	c.t = c.t.Add(20 * time.Minute)
	n, err := tr.ExpireIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, store.rows[stale].IsActive)
	assert.True(t, store.rows[fresh].IsActive)
}

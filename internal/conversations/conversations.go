// Package conversations tracks the conversation sessions that prescreening,
// campaign funnels and patient mappings hang off.
//
// Sessions are never hard-deleted. Expiry flips is_active and stamps
// expired_at; an inactive session accepts no new turns.
package conversations

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// Channel is where the conversation happens.
type Channel string

const (
	ChannelWeb Channel = "web"
	ChannelSMS Channel = "sms"
)

func (c Channel) Valid() bool { return c == ChannelWeb || c == ChannelSMS }

// Session is a conversation_sessions row. Context holds provenance only.
type Session struct {
	ID        uuid.UUID      `json:"id"`
	Channel   Channel        `json:"channel"`
	Phone     string         `json:"phone,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiredAt *time.Time     `json:"expired_at,omitempty"`
}

// Store persists conversation sessions.
type Store interface {
	// Ensure inserts s when no row has its id and returns the stored row.
	Ensure(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id uuid.UUID) (Session, error)
	// Touch bumps updated_at on an active row and reports whether one matched.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// Expire deactivates an active row and reports whether one matched.
	Expire(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// ExpireIdle deactivates active rows not touched since before.
	ExpireIdle(ctx context.Context, before, at time.Time) (int64, error)
}

// DefaultIdleTimeout retires conversations nobody has written to in a day.
const DefaultIdleTimeout = 24 * time.Hour

// Tracker keeps conversations alive across turns and closes idle ones.
type Tracker struct {
	store  Store
	idle   time.Duration
	now    func() time.Time
	logger *logging.Logger
}

func NewTracker(store Store, idle time.Duration, logger *logging.Logger) *Tracker {
	if store == nil {
		panic("conversations: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Tracker{store: store, idle: idle, now: time.Now, logger: logger}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

// Ensure returns the session, creating it on first sight. Inactive sessions
// are returned as they are.
func (t *Tracker) Ensure(ctx context.Context, id uuid.UUID, channel Channel, phone string) (Session, error) {
	if id == uuid.Nil {
		return Session{}, apperr.Wrap("conversations: ensure", apperr.ErrInvalidInput, fmt.Errorf("conversation session id required"))
	}
	if channel == "" {
		channel = ChannelWeb
	}
	if !channel.Valid() {
		return Session{}, apperr.Wrap("conversations: ensure", apperr.ErrInvalidInput, fmt.Errorf("unknown channel %q", channel))
	}
	now := t.now().UTC()
	s, err := t.store.Ensure(ctx, Session{
		ID:        id,
		Channel:   channel,
		Phone:     strings.TrimSpace(phone),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Session{}, err
	}
	if s.CreatedAt.Equal(now) {
		t.logger.Debug("conversation session opened", "conversation_session_id", id, "channel", channel)
	}
	return s, nil
}

// Begin ensures the session exists and is still taking turns.
func (t *Tracker) Begin(ctx context.Context, id uuid.UUID, channel Channel, phone string) (Session, error) {
	s, err := t.Ensure(ctx, id, channel, phone)
	if err != nil {
		return Session{}, err
	}
	if !s.IsActive {
		return Session{}, closed("conversations: begin", id)
	}
	if err := t.Touch(ctx, id); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Touch records a turn. It fails with apperr.ErrConversationClosed once the
// session has expired.
func (t *Tracker) Touch(ctx context.Context, id uuid.UUID) error {
	ok, err := t.store.Touch(ctx, id, t.now().UTC())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := t.store.Get(ctx, id); err != nil {
		return err
	}
	return closed("conversations: touch", id)
}

// Expire closes the session. Expiring an inactive session is a no-op.
func (t *Tracker) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := t.store.Expire(ctx, id, t.now().UTC())
	if err != nil {
		return false, err
	}
	if ok {
		t.logger.Info("conversation session expired", "conversation_session_id", id)
	}
	return ok, nil
}

// ExpireIdle closes every active session idle past the timeout.
func (t *Tracker) ExpireIdle(ctx context.Context) (int64, error) {
	now := t.now().UTC()
	n, err := t.store.ExpireIdle(ctx, now.Add(-t.idle), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("idle conversation sessions expired", "count", n, "idle_timeout", t.idle)
	}
	return n, nil
}

func closed(op string, id uuid.UUID) error {
	return apperr.Wrap(op, apperr.ErrConversationClosed, fmt.Errorf("conversation session %s", id))
}

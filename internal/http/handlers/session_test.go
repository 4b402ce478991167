package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/session"
)

type fakeSessions struct {
	synced      []session.SyncRequest
	status      session.Status
	statusErr   error
	invalidated []string
}

func (f *fakeSessions) Sync(_ context.Context, req session.SyncRequest) (session.Record, error) {
	f.synced = append(f.synced, req)
	return session.Record{
		ID:           uuid.MustParse("7a1f3a52-7c1d-4c35-9c84-1b8b0d0c1a11"),
		SessionToken: req.SessionToken,
		Source:       "dashboard",
		ExpiresAt:    time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeSessions) Status(context.Context) (session.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeSessions) Invalidate(_ context.Context, reason string) error {
	f.invalidated = append(f.invalidated, reason)
	return nil
}

func TestSessionSync_NeverEchoesTokens(t *testing.T) {
	mgr := &fakeSessions{}
	h := NewSessionHandler(mgr, nil)

	rec := route(http.MethodPost, "/session/sync", h.Sync, httptest.NewRequest(http.MethodPost, "/session/sync",
		strings.NewReader(`{"session_id":"secret-cookie","csrf_token":"csrf-1"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-cookie")
	body := decodeBody(t, rec)
	assert.Equal(t, "7a1f3a52-7c1d-4c35-9c84-1b8b0d0c1a11", body["session_id"])
	assert.Equal(t, "2026-10-16T20:00:00Z", body["expires_at"])
	require.Len(t, mgr.synced, 1)
}

func TestSessionSync_RequiresTokens(t *testing.T) {
	mgr := &fakeSessions{}
	h := NewSessionHandler(mgr, nil)

	rec := route(http.MethodPost, "/session/sync", h.Sync, httptest.NewRequest(http.MethodPost, "/session/sync", strings.NewReader(`{"session_id":" "}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, mgr.synced)
}

func TestSessionStatus_NoActiveSession(t *testing.T) {
	h := NewSessionHandler(&fakeSessions{statusErr: apperr.Wrap("session: status", apperr.ErrNoActiveSession, nil)}, nil)

	rec := route(http.MethodGet, "/session/status", h.Status, httptest.NewRequest(http.MethodGet, "/session/status", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no_active_session", decodeBody(t, rec)["kind"])
}

func TestSessionInvalidate(t *testing.T) {
	mgr := &fakeSessions{}
	h := NewSessionHandler(mgr, nil)

	rec := route(http.MethodPost, "/session/invalidate", h.Invalidate, httptest.NewRequest(http.MethodPost, "/session/invalidate", strings.NewReader(`{"reason":"logout"}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = route(http.MethodPost, "/session/invalidate", h.Invalidate, httptest.NewRequest(http.MethodPost, "/session/invalidate", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"logout", ""}, mgr.invalidated)
}

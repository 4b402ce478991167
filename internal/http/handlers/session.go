package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/trial-scheduling-engine/internal/session"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

type sessionManager interface {
	Sync(ctx context.Context, req session.SyncRequest) (session.Record, error)
	Status(ctx context.Context) (session.Status, error)
	Invalidate(ctx context.Context, reason string) error
}

// SessionHandler exposes the shared remote session to the coordinator
// dashboard.
type SessionHandler struct {
	manager sessionManager
	logger  *logging.Logger
}

func NewSessionHandler(manager sessionManager, logger *logging.Logger) *SessionHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionHandler{manager: manager, logger: logger}
}

type syncResponse struct {
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at"`
	Source    string `json:"source"`
}

// Sync handles POST /session/sync. Tokens are never echoed back.
func (h *SessionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req session.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.SessionToken) == "" || strings.TrimSpace(req.CSRFToken) == "" {
		badRequest(w, "session_id and csrf_token are required")
		return
	}
	rec, err := h.manager.Sync(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, "session sync", err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		SessionID: rec.ID.String(),
		ExpiresAt: rec.ExpiresAt.Format(time.RFC3339),
		Source:    rec.Source,
	})
}

// Status handles GET /session/status.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.Status(r.Context())
	if err != nil {
		writeError(w, h.logger, "session status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type invalidateRequest struct {
	Reason string `json:"reason"`
}

// Invalidate handles POST /session/invalidate.
func (h *SessionHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if err := h.manager.Invalidate(r.Context(), req.Reason); err != nil {
		writeError(w, h.logger, "session invalidate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

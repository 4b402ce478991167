package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput, apperr.KindParseFailure:
		return http.StatusBadRequest
	case apperr.KindNotFound, apperr.KindNoMatch:
		return http.StatusNotFound
	case apperr.KindConversationClosed:
		return http.StatusGone
	case apperr.KindIllegalTransition, apperr.KindConstraintViolation, apperr.KindSlotUnavailable, apperr.KindOptedOut:
		return http.StatusConflict
	case apperr.KindNoActiveSession, apperr.KindSessionExpired:
		return http.StatusServiceUnavailable
	case apperr.KindRemoteSystem, apperr.KindDispatchFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError logs err and answers with its kind. Internal errors never leak
// their message.
func writeError(w http.ResponseWriter, logger *logging.Logger, op string, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", "error", err, "kind", string(kind))
	} else {
		logger.Warn(op+" rejected", "error", err, "kind", string(kind))
	}
	msg := err.Error()
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: apperr.KindInvalidInput})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

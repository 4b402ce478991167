// Package apperr defines the error kinds shared by the scheduling engine.
//
// Kinds are sentinel errors. Producers join them with a cause using
// fmt.Errorf("%w: %w", apperr.ErrRemoteSystem, err) and consumers test with
// errors.Is. Nothing here is ever shown to a patient; use PatientMessage.
package apperr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is a stable label for an error class (metrics, audit rows, API bodies).
type Kind string

const (
	KindNone                Kind = ""
	KindNoActiveSession     Kind = "no_active_session"
	KindSessionExpired      Kind = "session_expired"
	KindNoMatch             Kind = "no_match"
	KindSlotUnavailable     Kind = "slot_unavailable"
	KindRemoteSystem        Kind = "remote_system_error"
	KindDispatchFailure     Kind = "dispatch_failure"
	KindParseFailure        Kind = "parse_failure"
	KindConstraintViolation Kind = "constraint_violation"
	KindIllegalTransition   Kind = "illegal_transition"
	KindNotFound            Kind = "not_found"
	KindOptedOut            Kind = "opted_out"
	KindConversationClosed  Kind = "conversation_closed"
	KindInvalidInput        Kind = "invalid_input"
	KindInternal            Kind = "internal"
)

var (
	ErrNoActiveSession     = errors.New("no active scheduling session")
	ErrSessionExpired      = errors.New("scheduling session expired")
	ErrNoMatch             = errors.New("no matching site")
	ErrSlotUnavailable     = errors.New("slot unavailable")
	ErrRemoteSystem        = errors.New("remote scheduling system error")
	ErrDispatchFailure     = errors.New("message dispatch failed")
	ErrParseFailure        = errors.New("answer could not be parsed")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrNotFound            = errors.New("not found")
	ErrOptedOut            = errors.New("recipient opted out")
	ErrConversationClosed  = errors.New("conversation is no longer active")
	ErrInvalidInput        = errors.New("invalid input")
)

// PatientMessage is the only failure wording an end patient ever receives.
const PatientMessage = "We received your request. A coordinator will follow up with you shortly."

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNoActiveSession, KindNoActiveSession},
	{ErrSessionExpired, KindSessionExpired},
	{ErrNoMatch, KindNoMatch},
	{ErrSlotUnavailable, KindSlotUnavailable},
	{ErrRemoteSystem, KindRemoteSystem},
	{ErrDispatchFailure, KindDispatchFailure},
	{ErrParseFailure, KindParseFailure},
	{ErrConstraintViolation, KindConstraintViolation},
	{ErrIllegalTransition, KindIllegalTransition},
	{ErrNotFound, KindNotFound},
	{ErrOptedOut, KindOptedOut},
	{ErrConversationClosed, KindConversationClosed},
	{ErrInvalidInput, KindInvalidInput},
}

// KindOf returns the first matching kind for err, KindInternal for unknown
// errors and KindNone for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Retryable reports whether err is a transient remote failure worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrRemoteSystem) && !errors.Is(err, ErrSlotUnavailable)
}

// Wrap joins a kind with a cause under an operation name.
func Wrap(op string, kind, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, kind)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, cause)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation, optionally on a specific constraint.
func IsUniqueViolation(err error, constraint ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	if len(constraint) == 0 {
		return true
	}
	for _, name := range constraint {
		if pgErr.ConstraintName == name {
			return true
		}
	}
	return false
}

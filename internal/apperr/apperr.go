// Package apperr classifies the failures the dispatch core reports to actors.
// Every kind has a sentinel for errors.Is and a stable wire code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("actor not authorized for order")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyTaken      = errors.New("order already taken")
	ErrNotCancellable    = errors.New("order cannot be cancelled")
	ErrNotOffered        = errors.New("order was not offered to driver")
)

// ValidationError names the input field that was missing or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError carries the rejected (from, to) pair.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type UnauthorizedError struct {
	ActorID string
	OrderID string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s: actor=%s order=%s", ErrUnauthorized, e.ActorID, e.OrderID)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// Code maps err to the code sent to clients in acks and order-error messages.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyTaken):
		return "already_taken"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, ErrNotOffered):
		return "not_offered"
	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "validation":
		return http.StatusBadRequest
	case "unauthorized", "not_offered":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_transition", "already_taken", "not_cancellable":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RemoteError is a failure reported by the server in an ack. It unwraps to
// the sentinel matching its code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case "validation":
		return ErrValidation
	case "unauthorized":
		return ErrUnauthorized
	case "invalid_transition":
		return ErrInvalidTransition
	case "not_found":
		return ErrNotFound
	case "already_taken":
		return ErrAlreadyTaken
	case "not_cancellable":
		return ErrNotCancellable
	case "not_offered":
		return ErrNotOffered
	default:
		return nil
	}
}

// Package lifecycle enforces the order state machine. Every status change of
// an order goes through Validate before Apply.
package lifecycle

import (
	"time"

	"github.com/example/courier-dispatch/internal/apperr"
	"github.com/example/courier-dispatch/internal/models"
)

// Validate reports whether actor may move o to next. A request for the
// order's current status is a successful no-op (noop=true) so retried
// updates from flaky connections do not fail.
func Validate(o models.Order, next models.Status, actor models.Actor) (noop bool, err error) {
	if !next.Valid() {
		return false, &apperr.ValidationError{Field: "status", Reason: "unknown value " + string(next)}
	}
	if !authorized(o, next, actor) {
		return false, &apperr.UnauthorizedError{ActorID: actor.ID, OrderID: o.ID}
	}
	if o.Status == next {
		return true, nil
	}
	if !o.Status.CanTransitionTo(next) {
		return false, &apperr.TransitionError{From: string(o.Status), To: string(next)}
	}
	return false, nil
}

// Only the assigned driver drives the order forward; cancellation is also
// open to the requester.
func authorized(o models.Order, next models.Status, actor models.Actor) bool {
	if actor.ID == "" {
		return false
	}
	isDriver := o.DriverID != "" && actor.ID == o.DriverID
	if next == models.StatusCancelled {
		return isDriver || actor.ID == o.RequesterID
	}
	return isDriver
}

// Apply sets the status and the matching timestamp. Callers must have
// validated the transition.
func Apply(o *models.Order, next models.Status, now time.Time) {
	o.Status = next
	o.UpdatedAt = now
	switch next {
	case models.StatusAccepted:
		o.AcceptedAt = &now
	case models.StatusCompleted:
		o.CompletedAt = &now
	case models.StatusCancelled:
		o.CancelledAt = &now
	}
}

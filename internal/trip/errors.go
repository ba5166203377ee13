package trip

import (
	"errors"
	"fmt"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrConflict          = errors.New("trip already taken")
	ErrInvalidTransition = errors.New("invalid trip status transition")
	ErrDriverBusy        = errors.New("driver is engaged in another trip")
	ErrInvalidTrip       = errors.New("invalid trip request")
)

// ConflictError is returned to the losing side of a concurrent write,
// most notably when two drivers accept the same trip.
type ConflictError struct {
	TripID string
	Status models.TripStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("trip %s already taken (status %s)", e.TripID, e.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type InvalidTransitionError struct {
	TripID string
	From   models.TripStatus
	To     models.TripStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trip %s: cannot move from %s to %s", e.TripID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

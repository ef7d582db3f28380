package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is the sentinel wrapped by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError reports a status guard violation along with the record's current status.
type InvalidTransitionError struct {
	Entity    string
	ID        string
	Current   string
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.Current, e.Attempted)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func invalidTransition[T ~string](entity, id string, current, attempted T) error {
	return &InvalidTransitionError{
		Entity:    entity,
		ID:        id,
		Current:   string(current),
		Attempted: string(attempted),
	}
}

package schedule

import (
	"errors"
	"fmt"
)

// State tracks a schedule's local sync lifecycle. It is never persisted.
type State string

const (
	StateClean    State = "CLEAN"
	StateEditing  State = "EDITING"
	StateSaving   State = "SAVING"
	StateDeleting State = "DELETING"
	StateRemoved  State = "REMOVED"
)

func (s State) String() string {
	return string(s)
}

// ErrBusy is returned when a schedule already has a sync in flight.
var ErrBusy = errors.New("schedule has an operation in progress")

var validTransitions = map[State][]State{
	StateClean:    {StateEditing, StateDeleting},
	StateEditing:  {StateSaving, StateClean, StateDeleting},
	StateSaving:   {StateClean, StateEditing},
	StateDeleting: {StateRemoved, StateClean},
}

func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	if from == StateSaving || from == StateDeleting {
		return fmt.Errorf("%w: %s -> %s", ErrBusy, from, to)
	}
	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

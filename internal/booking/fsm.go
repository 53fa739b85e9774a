// Package booking is the confirmation engine: the hold, decide and
// auto-confirm lifecycle of a single reservation.
package booking

import "reservo/internal/models"

// FSM holds the allowed reservation transitions.
type FSM struct {
	transitions map[models.ReservationState][]models.ReservationState
}

// NewFSM creates the reservation lifecycle.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[models.ReservationState][]models.ReservationState{
			models.ReservationRequested: {models.ReservationHeld, models.ReservationConfirmed},
			models.ReservationHeld: {
				models.ReservationConfirmed,
				models.ReservationDeclined,
				models.ReservationAutoConfirmed,
				models.ReservationExpired,
			},
			models.ReservationConfirmed:     {models.ReservationCancelled},
			models.ReservationAutoConfirmed: {models.ReservationCancelled},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to models.ReservationState) bool {
	allowed, ok := f.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

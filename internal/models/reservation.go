package models

import "time"

// ReservationState is a step of the reservation lifecycle.
type ReservationState string

const (
	ReservationRequested     ReservationState = "REQUESTED"
	ReservationHeld          ReservationState = "HELD"
	ReservationConfirmed     ReservationState = "CONFIRMED"
	ReservationDeclined      ReservationState = "DECLINED"
	ReservationAutoConfirmed ReservationState = "AUTO_CONFIRMED"
	ReservationExpired       ReservationState = "EXPIRED"
	ReservationCancelled     ReservationState = "CANCELLED"
)

// DecidedBySystem marks decisions taken by the engine itself.
const DecidedBySystem = "system"

// IsSuccess reports whether the state holds a confirmed seat.
func (s ReservationState) IsSuccess() bool {
	return s == ReservationConfirmed || s == ReservationAutoConfirmed
}

// IsTerminal reports whether the state ends the hold lifecycle.
func (s ReservationState) IsTerminal() bool {
	switch s {
	case ReservationConfirmed, ReservationDeclined, ReservationAutoConfirmed,
		ReservationExpired, ReservationCancelled:
		return true
	}
	return false
}

// Reservation is one user's claim on a slot.
type Reservation struct {
	ID              string           `json:"reservation_id"`
	SlotID          string           `json:"slot_id"`
	UserID          string           `json:"user_id"`
	State           ReservationState `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	DecidedAt       *time.Time       `json:"decided_at,omitempty"`
	DecidedBy       string           `json:"decided_by,omitempty"`
	WaitlistEntryID string           `json:"waitlist_entry_id,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a copy that does not share pointer fields.
func (r *Reservation) Clone() *Reservation {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// HoldExpired reports whether a hold deadline has passed.
func (r *Reservation) HoldExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

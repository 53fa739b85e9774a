package models

import "time"

// Slot is a bookable unit of capacity (a court-hour, a class session).
type Slot struct {
	ID                       string    `json:"slot_id"`
	FacilityID               string    `json:"facility_id"`
	TotalCapacity            int       `json:"total_capacity"`
	HeldCount                int       `json:"held_count"`
	ConfirmedCount           int       `json:"confirmed_count"`
	ExternalCount            int       `json:"external_count"` // seats sold directly by the facility system
	StartTime                time.Time `json:"start_time"`
	RequiresFacilityApproval bool      `json:"requires_facility_approval"`
	AllowsProPriority        bool      `json:"allows_pro_priority"`
	Version                  int64     `json:"version"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Occupied returns the number of seats currently taken by holds, confirmations and external bookings.
func (s *Slot) Occupied() int {
	return s.HeldCount + s.ConfirmedCount + s.ExternalCount
}

// Free returns the number of seats that can still be reserved.
func (s *Slot) Free() int {
	free := s.TotalCapacity - s.Occupied()
	if free < 0 {
		return 0
	}
	return free
}

// Valid reports whether the counters satisfy the capacity invariant.
func (s *Slot) Valid() bool {
	if s.HeldCount < 0 || s.ConfirmedCount < 0 || s.ExternalCount < 0 || s.TotalCapacity < 0 {
		return false
	}
	return s.Occupied() <= s.TotalCapacity
}

// HasStarted reports whether the session begins at or before now.
func (s *Slot) HasStarted(now time.Time) bool {
	return !s.StartTime.IsZero() && !now.Before(s.StartTime)
}

// SlotSpec describes availability published by a bookable resource.
type SlotSpec struct {
	ID                       string    `json:"slot_id" yaml:"id"`
	FacilityID               string    `json:"facility_id" yaml:"facility_id"`
	TotalCapacity            int       `json:"total_capacity" yaml:"capacity"`
	StartTime                time.Time `json:"start_time" yaml:"start_time"`
	RequiresFacilityApproval bool      `json:"requires_facility_approval" yaml:"requires_approval"`
	AllowsProPriority        bool      `json:"allows_pro_priority" yaml:"allows_pro_priority"`
}

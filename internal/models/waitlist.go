package models

import (
	"sort"
	"time"
)

// EntryState is a step of the waitlist entry lifecycle.
type EntryState string

const (
	EntryActive   EntryState = "active"
	EntryClaiming EntryState = "claiming"
	EntryBooked   EntryState = "booked"
	EntryExpired  EntryState = "expired"
	EntryLeft     EntryState = "left"
)

// IsQueued reports whether the entry still holds a place in the queue.
func (s EntryState) IsQueued() bool {
	return s == EntryActive || s == EntryClaiming
}

// Priority classes. Lower is served first.
const (
	PriorityPro      = 0
	PriorityStandard = 10
)

// WaitlistEntry is a queued request for a full slot.
type WaitlistEntry struct {
	ID             string     `json:"entry_id"`
	SlotID         string     `json:"slot_id"`
	UserID         string     `json:"user_id"`
	Priority       int        `json:"priority"`
	AutoBook       bool       `json:"auto_book"`
	JoinedAt       time.Time  `json:"joined_at"`
	State          EntryState `json:"state"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	ReservationID  string     `json:"reservation_id,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a copy that does not share pointer fields.
func (e *WaitlistEntry) Clone() *WaitlistEntry {
	c := *e
	if e.ClaimExpiresAt != nil {
		t := *e.ClaimExpiresAt
		c.ClaimExpiresAt = &t
	}
	return &c
}

// ClaimOpen reports whether the claim window is still open at now.
func (e *WaitlistEntry) ClaimOpen(now time.Time) bool {
	return e.State == EntryClaiming && e.ClaimExpiresAt != nil && now.Before(*e.ClaimExpiresAt)
}

// PriorityFor returns the priority class for a joiner. Pro users only jump the
// queue when the slot's facility opted in.
func PriorityFor(slot *Slot, isPro bool) int {
	if isPro && slot != nil && slot.AllowsProPriority {
		return PriorityPro
	}
	return PriorityStandard
}

// QueueLess orders entries by priority, then join time, then id.
// A new Pro entry lands behind earlier Pro entries and ahead of every standard one.
func QueueLess(a, b *WaitlistEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ID < b.ID
}

// SortQueue sorts entries in service order.
func SortQueue(entries []WaitlistEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return QueueLess(&entries[i], &entries[j])
	})
}

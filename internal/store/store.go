// Package store defines the Reservation Store: durable keyed state for slots,
// reservations and waitlist entries with conditional writes.
package store

import (
	"context"
	"errors"
	"time"

	"reservo/internal/models"
)

// ErrStateChanged is returned when a conditional write finds the row in a
// different version or state than expected.
var ErrStateChanged = errors.New("state changed")

// ErrDuplicateEvent is returned when a facility event id was already applied.
var ErrDuplicateEvent = errors.New("duplicate external event")

// SlotStore persists slot metadata and counters.
type SlotStore interface {
	GetSlot(ctx context.Context, id string) (*models.Slot, error)

	// CreateSlot inserts a new slot. It returns ErrStateChanged if the id exists.
	CreateSlot(ctx context.Context, slot *models.Slot) error

	// CompareAndSwapSlot writes slot if the stored version equals expectedVersion.
	// On success the stored version becomes expectedVersion+1 and slot.Version is updated.
	CompareAndSwapSlot(ctx context.Context, slot *models.Slot, expectedVersion int64) error

	// ListSlots returns slots starting at or after from, ordered by start time.
	ListSlots(ctx context.Context, from time.Time) ([]models.Slot, error)
}

// ReservationFilter narrows ListReservations. Zero values match everything.
type ReservationFilter struct {
	SlotID        string
	States        []models.ReservationState
	ExpiresBefore *time.Time
}

// ReservationStore persists reservations.
type ReservationStore interface {
	CreateReservation(ctx context.Context, r *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)

	// CompareAndSetReservation writes r if the stored state equals expected.
	CompareAndSetReservation(ctx context.Context, r *models.Reservation, expected models.ReservationState) error

	ListReservations(ctx context.Context, filter ReservationFilter) ([]models.Reservation, error)
}

// EntryFilter narrows ListEntries. Zero values match everything.
type EntryFilter struct {
	SlotID             string
	UserID             string
	States             []models.EntryState
	ClaimExpiresBefore *time.Time
}

// WaitlistStore persists waitlist entries.
type WaitlistStore interface {
	// CreateEntry inserts e. It returns models.ErrAlreadyQueued if the user
	// already has an active or claiming entry on the slot.
	CreateEntry(ctx context.Context, e *models.WaitlistEntry) error
	GetEntry(ctx context.Context, id string) (*models.WaitlistEntry, error)

	// CompareAndSetEntry writes e if the stored state equals expected.
	CompareAndSetEntry(ctx context.Context, e *models.WaitlistEntry, expected models.EntryState) error

	// ListEntries returns matching entries in queue order.
	ListEntries(ctx context.Context, filter EntryFilter) ([]models.WaitlistEntry, error)
}

// ExternalEventLog deduplicates at-least-once deliveries from the facility system.
type ExternalEventLog interface {
	// ExternalEventSeen reports whether sourceEventID was recorded before.
	ExternalEventSeen(ctx context.Context, sourceEventID string) (bool, error)

	// RecordExternalEvent stores sourceEventID and reports whether it was seen for the first time.
	RecordExternalEvent(ctx context.Context, sourceEventID, slotID string, at time.Time) (bool, error)

	// CompareAndSwapSlotWithEvent is CompareAndSwapSlot that also records
	// sourceEventID; both writes happen or neither does. A recorded id yields
	// ErrDuplicateEvent and leaves the slot untouched.
	CompareAndSwapSlotWithEvent(ctx context.Context, slot *models.Slot, expectedVersion int64, sourceEventID string, at time.Time) error
}

// LedgerStore is what the Capacity Ledger writes through.
type LedgerStore interface {
	SlotStore
	ExternalEventLog
}

// SyncTask statuses.
const (
	SyncPending = "pending"
	SyncDone    = "done"
	SyncFailed  = "failed"
)

// SyncTask is an outbound push of a confirmed reservation to the facility system.
type SyncTask struct {
	ID            string
	ReservationID string
	SlotID        string
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// SyncQueue is the push outbox.
type SyncQueue interface {
	EnqueueSyncTask(ctx context.Context, t *SyncTask) error
	DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]SyncTask, error)
	UpdateSyncTask(ctx context.Context, t *SyncTask) error
}

// Store is the full persistence contract.
type Store interface {
	SlotStore
	ReservationStore
	WaitlistStore
	ExternalEventLog
	SyncQueue

	Ping(ctx context.Context) error
	Close() error
}

// MatchReservation reports whether r satisfies f.
func MatchReservation(r *models.Reservation, f ReservationFilter) bool {
	if f.SlotID != "" && r.SlotID != f.SlotID {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, r.State) {
		return false
	}
	if f.ExpiresBefore != nil && (r.ExpiresAt == nil || r.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	return true
}

// MatchEntry reports whether e satisfies f.
func MatchEntry(e *models.WaitlistEntry, f EntryFilter) bool {
	if f.SlotID != "" && e.SlotID != f.SlotID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.States) > 0 && !containsEntryState(f.States, e.State) {
		return false
	}
	if f.ClaimExpiresBefore != nil && (e.ClaimExpiresAt == nil || e.ClaimExpiresAt.After(*f.ClaimExpiresBefore)) {
		return false
	}
	return true
}

func containsState(states []models.ReservationState, s models.ReservationState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func containsEntryState(states []models.EntryState, s models.EntryState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

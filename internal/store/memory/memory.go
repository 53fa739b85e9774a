// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reservo/internal/models"
	"reservo/internal/store"
)

// Store keeps all state in maps guarded by a single mutex.
type Store struct {
	mu           sync.Mutex
	slots        map[string]models.Slot
	reservations map[string]*models.Reservation
	entries      map[string]*models.WaitlistEntry
	events       map[string]string
	tasks        map[string]*store.SyncTask
}

// New returns an empty store.
func New() *Store {
	return &Store{
		slots:        make(map[string]models.Slot),
		reservations: make(map[string]*models.Reservation),
		entries:      make(map[string]*models.WaitlistEntry),
		events:       make(map[string]string),
		tasks:        make(map[string]*store.SyncTask),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) GetSlot(_ context.Context, id string) (*models.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", id, models.ErrNotFound)
	}
	return &slot, nil
}

func (s *Store) CreateSlot(_ context.Context, slot *models.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slot.ID]; ok {
		return store.ErrStateChanged
	}
	slot.Version = 1
	s.slots[slot.ID] = *slot
	return nil
}

func (s *Store) CompareAndSwapSlot(_ context.Context, slot *models.Slot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.slots[slot.ID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slot.ID, models.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return store.ErrStateChanged
	}
	slot.Version = expectedVersion + 1
	s.slots[slot.ID] = *slot
	return nil
}

func (s *Store) ListSlots(_ context.Context, from time.Time) ([]models.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Slot
	for _, slot := range s.slots {
		if slot.StartTime.Before(from) {
			continue
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (s *Store) CreateReservation(_ context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; ok {
		return store.ErrStateChanged
	}
	s.reservations[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) CompareAndSetReservation(_ context.Context, r *models.Reservation, expected models.ReservationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reservations[r.ID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, models.ErrNotFound)
	}
	if cur.State != expected {
		return store.ErrStateChanged
	}
	s.reservations[r.ID] = r.Clone()
	return nil
}

func (s *Store) ListReservations(_ context.Context, filter store.ReservationFilter) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if store.MatchReservation(r, filter) {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateEntry(_ context.Context, e *models.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.entries {
		if cur.SlotID == e.SlotID && cur.UserID == e.UserID && cur.State.IsQueued() {
			return models.ErrAlreadyQueued
		}
	}
	if _, ok := s.entries[e.ID]; ok {
		return store.ErrStateChanged
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *Store) GetEntry(_ context.Context, id string) (*models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("waitlist entry %s: %w", id, models.ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *Store) CompareAndSetEntry(_ context.Context, e *models.WaitlistEntry, expected models.EntryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.ID]
	if !ok {
		return fmt.Errorf("waitlist entry %s: %w", e.ID, models.ErrNotFound)
	}
	if cur.State != expected {
		return store.ErrStateChanged
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *Store) ListEntries(_ context.Context, filter store.EntryFilter) ([]models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WaitlistEntry
	for _, e := range s.entries {
		if store.MatchEntry(e, filter) {
			out = append(out, *e.Clone())
		}
	}
	models.SortQueue(out)
	return out, nil
}

func (s *Store) ExternalEventSeen(_ context.Context, sourceEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[sourceEventID]
	return ok, nil
}

func (s *Store) CompareAndSwapSlotWithEvent(_ context.Context, slot *models.Slot, expectedVersion int64, sourceEventID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[sourceEventID]; ok {
		return store.ErrDuplicateEvent
	}
	cur, ok := s.slots[slot.ID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slot.ID, models.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return store.ErrStateChanged
	}
	slot.Version = expectedVersion + 1
	s.slots[slot.ID] = *slot
	s.events[sourceEventID] = slot.ID
	return nil
}

func (s *Store) RecordExternalEvent(_ context.Context, sourceEventID, slotID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[sourceEventID]; ok {
		return false, nil
	}
	s.events[sourceEventID] = slotID
	return true, nil
}

func (s *Store) EnqueueSyncTask(_ context.Context, t *store.SyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tasks[t.ID] = &c
	return nil
}

func (s *Store) DueSyncTasks(_ context.Context, now time.Time, limit int) ([]store.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SyncTask
	for _, t := range s.tasks {
		if t.Status == store.SyncPending && !t.NextAttemptAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateSyncTask(_ context.Context, t *store.SyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("sync task %s: %w", t.ID, models.ErrNotFound)
	}
	c := *t
	s.tasks[t.ID] = &c
	return nil
}

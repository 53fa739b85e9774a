// Package storetest holds a behavioural suite shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/models"
	"reservo/internal/store"
)

// Run exercises the store contract against a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("slot compare and swap", func(t *testing.T) {
		testSlotCAS(t, newStore(t))
	})
	t.Run("concurrent slot writers", func(t *testing.T) {
		testConcurrentSlotCAS(t, newStore(t))
	})
	t.Run("reservation compare and set", func(t *testing.T) {
		testReservationCAS(t, newStore(t))
	})
	t.Run("waitlist uniqueness and order", func(t *testing.T) {
		testWaitlist(t, newStore(t))
	})
	t.Run("external event dedupe", func(t *testing.T) {
		testExternalEvents(t, newStore(t))
	})
	t.Run("sync queue", func(t *testing.T) {
		testSyncQueue(t, newStore(t))
	})
}

var base = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

func newSlot(id string, capacity int) *models.Slot {
	return &models.Slot{
		ID:            id,
		FacilityID:    "club-1",
		TotalCapacity: capacity,
		StartTime:     base.Add(24 * time.Hour),
		CreatedAt:     base,
	}
}

func testSlotCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	slot := newSlot("s1", 2)
	require.NoError(t, s.CreateSlot(ctx, slot))
	assert.Equal(t, int64(1), slot.Version)
	assert.ErrorIs(t, s.CreateSlot(ctx, newSlot("s1", 3)), store.ErrStateChanged)

	got, err := s.GetSlot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCapacity)
	assert.True(t, got.StartTime.Equal(slot.StartTime))

	got.HeldCount = 1
	require.NoError(t, s.CompareAndSwapSlot(ctx, got, 1))
	assert.Equal(t, int64(2), got.Version)

	stale := *got
	stale.HeldCount = 2
	assert.ErrorIs(t, s.CompareAndSwapSlot(ctx, &stale, 1), store.ErrStateChanged)

	_, err = s.GetSlot(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.CreateSlot(ctx, &models.Slot{ID: "past", TotalCapacity: 1, StartTime: base.Add(-time.Hour)}))
	slots, err := s.ListSlots(ctx, base)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "s1", slots[0].ID)
}

func testConcurrentSlotCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSlot(ctx, newSlot("s1", 10)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := s.GetSlot(ctx, "s1")
			if err != nil {
				return
			}
			if slot.Version != 1 {
				return
			}
			slot.HeldCount++
			if err := s.CompareAndSwapSlot(ctx, slot, 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrStateChanged) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, wins, 1)
	got, err := s.GetSlot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, wins, got.HeldCount)
}

func testReservationCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	exp := base.Add(10 * time.Minute)
	r := &models.Reservation{
		ID: "r1", SlotID: "s1", UserID: "u1", State: models.ReservationHeld,
		CreatedAt: base, ExpiresAt: &exp,
	}
	require.NoError(t, s.CreateReservation(ctx, r))

	got, err := s.GetReservation(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))

	decided := base.Add(time.Minute)
	got.State = models.ReservationConfirmed
	got.DecidedAt = &decided
	got.DecidedBy = "facility"
	require.NoError(t, s.CompareAndSetReservation(ctx, got, models.ReservationHeld))

	loser := got.Clone()
	loser.State = models.ReservationAutoConfirmed
	assert.ErrorIs(t, s.CompareAndSetReservation(ctx, loser, models.ReservationHeld), store.ErrStateChanged)

	final, err := s.GetReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, final.State)
	assert.Equal(t, "facility", final.DecidedBy)

	due := base.Add(time.Hour)
	list, err := s.ListReservations(ctx, store.ReservationFilter{
		States: []models.ReservationState{models.ReservationHeld}, ExpiresBefore: &due,
	})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListReservations(ctx, store.ReservationFilter{SlotID: "s1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetReservation(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testWaitlist(t *testing.T, s store.Store) {
	ctx := context.Background()
	entries := []*models.WaitlistEntry{
		{ID: "e1", SlotID: "s1", UserID: "b", Priority: models.PriorityStandard, JoinedAt: base, State: models.EntryActive},
		{ID: "e2", SlotID: "s1", UserID: "c", Priority: models.PriorityPro, JoinedAt: base.Add(time.Minute), State: models.EntryActive},
		{ID: "e3", SlotID: "s1", UserID: "d", Priority: models.PriorityStandard, JoinedAt: base.Add(2 * time.Minute), State: models.EntryActive},
	}
	for _, e := range entries {
		require.NoError(t, s.CreateEntry(ctx, e))
	}

	dup := &models.WaitlistEntry{ID: "e4", SlotID: "s1", UserID: "b", JoinedAt: base, State: models.EntryActive}
	assert.ErrorIs(t, s.CreateEntry(ctx, dup), models.ErrAlreadyQueued)

	list, err := s.ListEntries(ctx, store.EntryFilter{SlotID: "s1", States: []models.EntryState{models.EntryActive}})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"e2", "e1", "e3"}, []string{list[0].ID, list[1].ID, list[2].ID})

	left := list[1].Clone()
	left.State = models.EntryLeft
	require.NoError(t, s.CompareAndSetEntry(ctx, left, models.EntryActive))
	assert.ErrorIs(t, s.CompareAndSetEntry(ctx, left, models.EntryActive), store.ErrStateChanged)

	// Leaving frees the (slot, user) pair for a new entry.
	require.NoError(t, s.CreateEntry(ctx, dup))

	got, err := s.GetEntry(ctx, "e4")
	require.NoError(t, err)
	assert.Equal(t, "b", got.UserID)

	claim := base.Add(5 * time.Minute)
	head := list[0].Clone()
	head.State = models.EntryClaiming
	head.ClaimExpiresAt = &claim
	require.NoError(t, s.CompareAndSetEntry(ctx, head, models.EntryActive))

	due := base.Add(10 * time.Minute)
	claiming, err := s.ListEntries(ctx, store.EntryFilter{
		States: []models.EntryState{models.EntryClaiming}, ClaimExpiresBefore: &due,
	})
	require.NoError(t, err)
	require.Len(t, claiming, 1)
	assert.Equal(t, "e2", claiming[0].ID)
}

func testExternalEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, err := s.RecordExternalEvent(ctx, "evt-1", "s1", base)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.RecordExternalEvent(ctx, "evt-1", "s1", base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, again)

	seen, err := s.ExternalEventSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = s.ExternalEventSeen(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)

	slot := newSlot("s1", 3)
	slot.ExternalCount = 2
	require.NoError(t, s.CreateSlot(ctx, slot))

	// A lost version check records nothing.
	next := *slot
	next.ExternalCount = 1
	err = s.CompareAndSwapSlotWithEvent(ctx, &next, slot.Version+5, "evt-2", base)
	assert.ErrorIs(t, err, store.ErrStateChanged)
	seen, err = s.ExternalEventSeen(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.CompareAndSwapSlotWithEvent(ctx, &next, slot.Version, "evt-2", base))
	assert.Equal(t, slot.Version+1, next.Version)
	seen, err = s.ExternalEventSeen(ctx, "evt-2")
	require.NoError(t, err)
	assert.True(t, seen)

	// A recorded id leaves the slot untouched.
	again2 := next
	again2.ExternalCount = 0
	err = s.CompareAndSwapSlotWithEvent(ctx, &again2, next.Version, "evt-2", base)
	assert.ErrorIs(t, err, store.ErrDuplicateEvent)
	got, err := s.GetSlot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExternalCount)
	assert.Equal(t, next.Version, got.Version)

	missing := newSlot("nope", 1)
	err = s.CompareAndSwapSlotWithEvent(ctx, missing, 1, "evt-3", base)
	assert.ErrorIs(t, err, models.ErrNotFound)
	seen, err = s.ExternalEventSeen(ctx, "evt-3")
	require.NoError(t, err)
	assert.False(t, seen)
}

func testSyncQueue(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.EnqueueSyncTask(ctx, &store.SyncTask{
		ID: "t1", ReservationID: "r1", SlotID: "s1", Status: store.SyncPending,
		NextAttemptAt: base, CreatedAt: base,
	}))
	require.NoError(t, s.EnqueueSyncTask(ctx, &store.SyncTask{
		ID: "t2", ReservationID: "r2", SlotID: "s1", Status: store.SyncPending,
		NextAttemptAt: base.Add(time.Hour), CreatedAt: base,
	}))

	due, err := s.DueSyncTasks(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].ID)

	task := due[0]
	processed := base.Add(time.Minute)
	task.Status = store.SyncDone
	task.Attempts = 1
	task.ProcessedAt = &processed
	require.NoError(t, s.UpdateSyncTask(ctx, &task))

	due, err = s.DueSyncTasks(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t2", due[0].ID)

	assert.ErrorIs(t, s.UpdateSyncTask(ctx, &store.SyncTask{ID: "missing"}), models.ErrNotFound)
}

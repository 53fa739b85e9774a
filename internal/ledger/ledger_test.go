package ledger

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/models"
	"reservo/internal/store"
	"reservo/internal/store/memory"
)

// flakyStore loses the first n compare-and-swap calls.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyStore) CompareAndSwapSlot(ctx context.Context, slot *models.Slot, expected int64) error {
	if f.failures.Add(-1) >= 0 {
		return store.ErrStateChanged
	}
	return f.Store.CompareAndSwapSlot(ctx, slot, expected)
}

func newLedger(t *testing.T, capacity int) (*Ledger, *memory.Store) {
	t.Helper()
	s := memory.New()
	logger := zerolog.New(io.Discard)
	l := New(s, 3, &logger)
	_, _, err := l.Publish(context.Background(), models.SlotSpec{
		ID: "s1", FacilityID: "club", TotalCapacity: capacity,
		StartTime: time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return l, s
}

func TestTryReserve(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 2)

	slot, err := l.TryReserve(ctx, "s1", Delta{Held: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, slot.HeldCount)

	slot, err = l.TryReserve(ctx, "s1", Delta{Confirmed: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, slot.Free())

	_, err = l.TryReserve(ctx, "s1", Delta{Held: 1})
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	_, err = l.TryReserve(ctx, "s1", Delta{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = l.TryReserve(ctx, "missing", Delta{Held: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTryReserve_ConcurrentLastUnit(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := New(s, 50, nil)
	_, _, err := l.Publish(ctx, models.SlotSpec{ID: "s1", TotalCapacity: 1})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		ok, full atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.TryReserve(ctx, "s1", Delta{Held: 1})
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, models.ErrCapacityExceeded):
				full.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), full.Load())
}

func TestMutate_RetriesThenConflict(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	fs := &flakyStore{Store: mem}
	l := New(fs, 3, nil)
	require.NoError(t, mem.CreateSlot(ctx, &models.Slot{ID: "s1", TotalCapacity: 2}))

	fs.failures.Store(2)
	slot, err := l.TryReserve(ctx, "s1", Delta{Held: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, slot.HeldCount)

	fs.failures.Store(3)
	_, err = l.TryReserve(ctx, "s1", Delta{Held: 1})
	assert.ErrorIs(t, err, models.ErrConflict)

	got, err := mem.GetSlot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.HeldCount)
}

func TestRelease_Clamps(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 3)

	_, err := l.TryReserve(ctx, "s1", Delta{External: 1, Held: 1})
	require.NoError(t, err)

	freed, err := l.Release(ctx, "s1", Delta{External: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, freed)

	freed, err = l.Release(ctx, "s1", Delta{External: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, freed)

	slot, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, slot.HeldCount)
	assert.Equal(t, 0, slot.ExternalCount)
}

func TestReleaseExternal(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger(t, 3)

	_, err := l.TryReserve(ctx, "s1", Delta{External: 2})
	require.NoError(t, err)

	freed, err := l.ReleaseExternal(ctx, "s1", "ev-1", 3, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, freed)

	_, err = l.ReleaseExternal(ctx, "s1", "ev-1", 3, time.Time{})
	assert.ErrorIs(t, err, store.ErrDuplicateEvent)

	// Nothing left to free: no write, the id stays unrecorded.
	freed, err = l.ReleaseExternal(ctx, "s1", "ev-2", 1, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, freed)
	seen, err := mem.ExternalEventSeen(ctx, "ev-2")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = l.ReleaseExternal(ctx, "s1", "", 1, time.Time{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	slot, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot.ExternalCount)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 1)

	_, err := l.Promote(ctx, "s1", 1)
	assert.ErrorIs(t, err, ErrUnderflow)

	_, err = l.TryReserve(ctx, "s1", Delta{Held: 1})
	require.NoError(t, err)

	slot, err := l.Promote(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.HeldCount)
	assert.Equal(t, 1, slot.ConfirmedCount)
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 2)

	_, err := l.TryReserve(ctx, "s1", Delta{Confirmed: 2})
	require.NoError(t, err)

	slot, gained, err := l.Publish(ctx, models.SlotSpec{ID: "s1", TotalCapacity: 1, AllowsProPriority: true})
	require.NoError(t, err)
	assert.Equal(t, 2, slot.TotalCapacity, "shrink is clamped to occupancy")
	assert.True(t, slot.AllowsProPriority)
	assert.Equal(t, 0, gained)

	slot, gained, err = l.Publish(ctx, models.SlotSpec{ID: "s1", TotalCapacity: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, slot.TotalCapacity)
	assert.Equal(t, 2, slot.ConfirmedCount)
	assert.Equal(t, 2, gained)

	_, _, err = l.Publish(ctx, models.SlotSpec{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 4)

	_, err := l.TryReserve(ctx, "s1", Delta{Confirmed: 2, External: 2})
	require.NoError(t, err)

	gained, err := l.Reconcile(ctx, "s1", 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, gained)

	gained, err = l.Reconcile(ctx, "s1", 3, 5)
	require.NoError(t, err)
	assert.Equal(t, -1, gained)

	slot, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, slot.TotalCapacity)
	assert.Equal(t, 1, slot.ExternalCount)
	assert.True(t, slot.Valid())
}

func TestRecount(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 2)

	_, err := l.TryReserve(ctx, "s1", Delta{Held: 2})
	require.NoError(t, err)

	slot, err := l.Recount(ctx, "s1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.HeldCount)
	assert.Equal(t, 1, slot.ConfirmedCount)
	assert.Equal(t, 1, slot.Free())
}

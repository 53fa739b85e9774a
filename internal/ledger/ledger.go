// Package ledger is the Capacity Ledger: the only writer of slot counters.
// Every mutation is a compare-and-swap on the slot version, retried a bounded
// number of times before ErrConflict is surfaced.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/metrics"
	"reservo/internal/models"
	"reservo/internal/store"
)

// DefaultMaxRetries bounds optimistic retries per mutation.
const DefaultMaxRetries = 5

// ErrUnderflow is returned when a promotion finds no held unit to convert.
var ErrUnderflow = errors.New("ledger underflow")

// errNoChange aborts a mutation that would leave the slot as it is.
var errNoChange = errors.New("no change")

// Delta is a change in occupied units. Fields are non-negative.
type Delta struct {
	Held      int
	Confirmed int
	External  int
}

func (d Delta) units() int { return d.Held + d.Confirmed + d.External }

func (d Delta) valid() bool {
	return d.Held >= 0 && d.Confirmed >= 0 && d.External >= 0 && d.units() > 0
}

// Ledger enforces held + confirmed + external <= total on every write.
type Ledger struct {
	slots      store.LedgerStore
	maxRetries int
	logger     zerolog.Logger
}

// New creates a ledger over the slot store.
func New(slots store.LedgerStore, maxRetries int, logger *zerolog.Logger) *Ledger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "ledger").Logger()
	}
	return &Ledger{slots: slots, maxRetries: maxRetries, logger: l}
}

// Get returns the current slot.
func (l *Ledger) Get(ctx context.Context, slotID string) (*models.Slot, error) {
	return l.slots.GetSlot(ctx, slotID)
}

// mutate applies fn to a fresh copy of the slot and writes it back conditionally.
// Errors returned by fn abort without retry.
func (l *Ledger) mutate(ctx context.Context, slotID string, fn func(s *models.Slot) error) (*models.Slot, error) {
	return l.mutateWith(ctx, slotID, fn, l.slots.CompareAndSwapSlot)
}

func (l *Ledger) mutateWith(
	ctx context.Context,
	slotID string,
	fn func(s *models.Slot) error,
	write func(ctx context.Context, s *models.Slot, expectedVersion int64) error,
) (*models.Slot, error) {
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		current, err := l.slots.GetSlot(ctx, slotID)
		if err != nil {
			return nil, err
		}
		next := *current
		if err := fn(&next); err != nil {
			return nil, err
		}
		if !next.Valid() {
			return nil, fmt.Errorf("slot %s: %w", slotID, models.ErrCapacityExceeded)
		}

		err = write(ctx, &next, current.Version)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, store.ErrStateChanged) {
			return nil, err
		}
		metrics.IncLedgerConflict("retried")
		l.logger.Debug().Str("slot_id", slotID).Int("attempt", attempt).Msg("slot version changed, retrying")

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	metrics.IncLedgerConflict("exhausted")
	return nil, fmt.Errorf("slot %s after %d attempts: %w", slotID, l.maxRetries, models.ErrConflict)
}

// TryReserve occupies d units if enough seats are free.
func (l *Ledger) TryReserve(ctx context.Context, slotID string, d Delta) (*models.Slot, error) {
	if !d.valid() {
		return nil, fmt.Errorf("reserve delta %+v: %w", d, models.ErrInvalidInput)
	}
	return l.mutate(ctx, slotID, func(s *models.Slot) error {
		if s.Free() < d.units() {
			return fmt.Errorf("slot %s: %w", slotID, models.ErrCapacityExceeded)
		}
		s.HeldCount += d.Held
		s.ConfirmedCount += d.Confirmed
		s.ExternalCount += d.External
		return nil
	})
}

// Release frees up to d units and returns how many were actually freed.
// Counters never go negative; a clamped release is logged.
func (l *Ledger) Release(ctx context.Context, slotID string, d Delta) (int, error) {
	if !d.valid() {
		return 0, fmt.Errorf("release delta %+v: %w", d, models.ErrInvalidInput)
	}
	freed := 0
	_, err := l.mutate(ctx, slotID, func(s *models.Slot) error {
		h, c, e := min(d.Held, s.HeldCount), min(d.Confirmed, s.ConfirmedCount), min(d.External, s.ExternalCount)
		s.HeldCount -= h
		s.ConfirmedCount -= c
		s.ExternalCount -= e
		freed = h + c + e
		return nil
	})
	if err != nil {
		return 0, err
	}
	if freed < d.units() {
		l.logger.Warn().
			Str("slot_id", slotID).
			Int("requested", d.units()).
			Int("freed", freed).
			Msg("release clamped at zero")
	}
	return freed, nil
}

// ReleaseExternal frees up to units external seats and records sourceEventID
// in the same write, so a delivery is applied once or not at all. A recorded
// id returns store.ErrDuplicateEvent. When no seat can be freed nothing is
// written, the id included, and 0 is returned.
func (l *Ledger) ReleaseExternal(ctx context.Context, slotID, sourceEventID string, units int, at time.Time) (int, error) {
	if units < 0 || sourceEventID == "" {
		return 0, fmt.Errorf("release %d external units for %q: %w", units, sourceEventID, models.ErrInvalidInput)
	}
	freed := 0
	_, err := l.mutateWith(ctx, slotID, func(s *models.Slot) error {
		freed = min(units, s.ExternalCount)
		if freed == 0 {
			return errNoChange
		}
		s.ExternalCount -= freed
		return nil
	}, func(ctx context.Context, s *models.Slot, expectedVersion int64) error {
		return l.slots.CompareAndSwapSlotWithEvent(ctx, s, expectedVersion, sourceEventID, at)
	})
	switch {
	case errors.Is(err, errNoChange):
		return 0, nil
	case err != nil:
		return 0, err
	}
	if freed < units {
		l.logger.Warn().
			Str("slot_id", slotID).
			Str("source_event_id", sourceEventID).
			Int("requested", units).
			Int("freed", freed).
			Msg("external release clamped at zero")
	}
	return freed, nil
}

// Promote converts n held units into confirmed ones.
func (l *Ledger) Promote(ctx context.Context, slotID string, n int) (*models.Slot, error) {
	if n <= 0 {
		return nil, fmt.Errorf("promote %d: %w", n, models.ErrInvalidInput)
	}
	return l.mutate(ctx, slotID, func(s *models.Slot) error {
		if s.HeldCount < n {
			return fmt.Errorf("slot %s holds %d, promote %d: %w", slotID, s.HeldCount, n, ErrUnderflow)
		}
		s.HeldCount -= n
		s.ConfirmedCount += n
		return nil
	})
}

// Publish creates the slot or updates its metadata from spec. Counters are
// untouched; a capacity below current occupancy is clamped to occupancy.
// It returns the slot and how many free seats were gained.
func (l *Ledger) Publish(ctx context.Context, spec models.SlotSpec) (*models.Slot, int, error) {
	if spec.ID == "" || spec.TotalCapacity < 0 {
		return nil, 0, fmt.Errorf("slot spec %q: %w", spec.ID, models.ErrInvalidInput)
	}

	_, err := l.slots.GetSlot(ctx, spec.ID)
	if errors.Is(err, models.ErrNotFound) {
		slot := &models.Slot{
			ID:                       spec.ID,
			FacilityID:               spec.FacilityID,
			TotalCapacity:            spec.TotalCapacity,
			StartTime:                spec.StartTime.UTC(),
			RequiresFacilityApproval: spec.RequiresFacilityApproval,
			AllowsProPriority:        spec.AllowsProPriority,
		}
		err = l.slots.CreateSlot(ctx, slot)
		if err == nil {
			l.logger.Info().Str("slot_id", slot.ID).Int("capacity", slot.TotalCapacity).Msg("slot published")
			return slot, slot.Free(), nil
		}
		if !errors.Is(err, store.ErrStateChanged) {
			return nil, 0, err
		}
		// Created concurrently; fall through to update.
	} else if err != nil {
		return nil, 0, err
	}

	var before int
	slot, err := l.mutate(ctx, spec.ID, func(s *models.Slot) error {
		before = s.Free()
		s.FacilityID = spec.FacilityID
		s.StartTime = spec.StartTime.UTC()
		s.RequiresFacilityApproval = spec.RequiresFacilityApproval
		s.AllowsProPriority = spec.AllowsProPriority
		s.TotalCapacity = spec.TotalCapacity
		if occupied := s.Occupied(); s.TotalCapacity < occupied {
			l.logger.Warn().
				Str("slot_id", s.ID).
				Int("requested", spec.TotalCapacity).
				Int("occupied", occupied).
				Msg("capacity below occupancy, clamped")
			s.TotalCapacity = occupied
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return slot, max(slot.Free()-before, 0), nil
}

// Reconcile replaces total capacity and external occupancy with an
// authoritative snapshot from the facility system. If the snapshot would
// break the invariant the external count is lowered, then the total raised.
// It returns the change in free seats.
func (l *Ledger) Reconcile(ctx context.Context, slotID string, total, external int) (int, error) {
	if total < 0 || external < 0 {
		return 0, fmt.Errorf("reconcile %d/%d: %w", total, external, models.ErrInvalidInput)
	}
	var before int
	slot, err := l.mutate(ctx, slotID, func(s *models.Slot) error {
		before = s.Free()
		s.TotalCapacity = total
		s.ExternalCount = external
		internal := s.HeldCount + s.ConfirmedCount
		if internal+s.ExternalCount > s.TotalCapacity {
			l.logger.Warn().
				Str("slot_id", slotID).
				Int("total", total).
				Int("external", external).
				Int("internal", internal).
				Msg("facility snapshot exceeds capacity, clamping")
			s.ExternalCount = max(s.TotalCapacity-internal, 0)
			if internal > s.TotalCapacity {
				s.TotalCapacity = internal
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return slot.Free() - before, nil
}

// Recount overwrites held and confirmed counters with values derived from
// reservations. External occupancy is lowered if needed to keep the invariant.
func (l *Ledger) Recount(ctx context.Context, slotID string, held, confirmed int) (*models.Slot, error) {
	if held < 0 || confirmed < 0 {
		return nil, fmt.Errorf("recount %d/%d: %w", held, confirmed, models.ErrInvalidInput)
	}
	return l.mutate(ctx, slotID, func(s *models.Slot) error {
		if s.HeldCount != held || s.ConfirmedCount != confirmed {
			l.logger.Warn().
				Str("slot_id", slotID).
				Int("held", s.HeldCount).Int("held_actual", held).
				Int("confirmed", s.ConfirmedCount).Int("confirmed_actual", confirmed).
				Msg("counter drift corrected")
		}
		s.HeldCount = held
		s.ConfirmedCount = confirmed
		if s.Occupied() > s.TotalCapacity {
			s.ExternalCount = max(s.TotalCapacity-held-confirmed, 0)
			if held+confirmed > s.TotalCapacity {
				s.TotalCapacity = held + confirmed
			}
		}
		return nil
	})
}

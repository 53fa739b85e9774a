// Package waitlist manages per-slot queues: priority ordering, auto-booking
// and the exclusive flash claim window offered when a seat frees up.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reservo/internal/booking"
	"reservo/internal/clock"
	"reservo/internal/events"
	"reservo/internal/ledger"
	"reservo/internal/metrics"
	"reservo/internal/models"
	"reservo/internal/store"
	"reservo/internal/timer"
)

// DefaultClaimTTL is the flash claim window.
const DefaultClaimTTL = 5 * time.Minute

// maxResolveSteps bounds one resolution pass.
const maxResolveSteps = 64

var queuedStates = []models.EntryState{models.EntryActive, models.EntryClaiming}

// Booker creates reservations for entries that reach the head of the queue.
type Booker interface {
	Create(ctx context.Context, req booking.CreateRequest) (*models.Reservation, error)
}

// Store is the persistence the manager needs: entries, plus reservation
// lookups to recover an interrupted auto-book.
type Store interface {
	store.WaitlistStore
	ListReservations(ctx context.Context, filter store.ReservationFilter) ([]models.Reservation, error)
}

// JoinRequest asks for a place in a slot's queue.
type JoinRequest struct {
	SlotID   string
	UserID   string
	IsPro    bool
	AutoBook bool
}

// Manager owns waitlist entries. Like the booking engine it is stateless;
// conditional writes on entry state serialize competing transitions.
type Manager struct {
	store    Store
	booker   Booker
	ledger   *ledger.Ledger
	timers   timer.Source
	bus      *events.EventBus
	clock    clock.Clock
	claimTTL time.Duration
	logger   zerolog.Logger
}

// NewManager wires the waitlist manager.
func NewManager(
	st Store,
	booker Booker,
	l *ledger.Ledger,
	timers timer.Source,
	bus *events.EventBus,
	c clock.Clock,
	claimTTL time.Duration,
	logger *zerolog.Logger,
) *Manager {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "waitlist").Logger()
	}
	return &Manager{
		store:    st,
		booker:   booker,
		ledger:   l,
		timers:   timers,
		bus:      bus,
		clock:    c,
		claimTTL: claimTTL,
		logger:   lg,
	}
}

// Subscribe resolves the queue of every slot that reports a vacancy.
func (m *Manager) Subscribe(bus *events.EventBus) {
	bus.OnVacancy("", func(ctx context.Context, ev events.Event) error {
		return m.ResolveVacancy(ctx, ev.SlotID)
	})
}

// Join queues the user and returns the entry with its 1-based position.
// Priority is fixed here; later changes to the user's Pro status do not reorder it.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (*models.WaitlistEntry, int, error) {
	if req.SlotID == "" || req.UserID == "" {
		return nil, 0, fmt.Errorf("slot_id and user_id are required: %w", models.ErrInvalidInput)
	}
	slot, err := m.ledger.Get(ctx, req.SlotID)
	if err != nil {
		return nil, 0, err
	}

	now := m.clock.Now()
	e := &models.WaitlistEntry{
		ID:        uuid.NewString(),
		SlotID:    slot.ID,
		UserID:    req.UserID,
		Priority:  models.PriorityFor(slot, req.IsPro),
		AutoBook:  req.AutoBook,
		JoinedAt:  now,
		State:     models.EntryActive,
		UpdatedAt: now,
	}
	if err := m.store.CreateEntry(ctx, e); err != nil {
		return nil, 0, err
	}

	priority := "standard"
	if e.Priority == models.PriorityPro {
		priority = "pro"
	}
	metrics.IncWaitlistJoin(priority)

	// A seat that freed while nobody was queued raised no vacancy for this
	// entry, so offer it now.
	if cur, err := m.ledger.Get(ctx, slot.ID); err == nil && cur.Free() > 0 && !cur.HasStarted(now) {
		if err := m.ResolveVacancy(ctx, slot.ID); err != nil {
			m.logger.Error().Err(err).Str("slot_id", slot.ID).Msg("resolve after join")
		}
		if fresh, err := m.store.GetEntry(ctx, e.ID); err == nil {
			e = fresh
		}
	}

	pos := 0
	if e.State.IsQueued() {
		if pos, err = m.Position(ctx, e.SlotID, e.UserID); err != nil {
			return nil, 0, err
		}
	}
	m.logger.Info().
		Str("entry_id", e.ID).
		Str("slot_id", e.SlotID).
		Str("user_id", e.UserID).
		Str("priority", priority).
		Bool("auto_book", e.AutoBook).
		Str("state", string(e.State)).
		Int("position", pos).
		Msg("joined waitlist")
	return e, pos, nil
}

// Position returns the user's 1-based place among active entries, computed
// from the current queue on every call. The holder of an open claim window is
// first; other claiming entries are not counted.
func (m *Manager) Position(ctx context.Context, slotID, userID string) (int, error) {
	queue, err := m.queue(ctx, slotID)
	if err != nil {
		return 0, err
	}
	ahead := 0
	for i := range queue {
		e := &queue[i]
		if e.UserID == userID {
			if e.State == models.EntryClaiming {
				return 1, nil
			}
			return ahead + 1, nil
		}
		if e.State == models.EntryActive {
			ahead++
		}
	}
	return 0, fmt.Errorf("user %s on slot %s: %w", userID, slotID, models.ErrNotFound)
}

// Queue returns the queued entries of a slot in service order.
func (m *Manager) Queue(ctx context.Context, slotID string) ([]models.WaitlistEntry, error) {
	return m.queue(ctx, slotID)
}

// Leave removes the user from the queue. Leaving during an open claim window
// forfeits it and the next entry is offered the seat.
func (m *Manager) Leave(ctx context.Context, slotID, userID string) (*models.WaitlistEntry, error) {
	list, err := m.store.ListEntries(ctx, store.EntryFilter{SlotID: slotID, UserID: userID, States: queuedStates})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("user %s on slot %s: %w", userID, slotID, models.ErrNotFound)
	}

	cur := &list[0]
	next := cur.Clone()
	next.State = models.EntryLeft
	next.UpdatedAt = m.clock.Now()
	if err := m.store.CompareAndSetEntry(ctx, next, cur.State); err != nil {
		return nil, m.staleEntry(err, cur.ID)
	}

	m.logger.Info().Str("entry_id", cur.ID).Str("slot_id", slotID).Str("user_id", userID).Msg("left waitlist")

	if cur.State == models.EntryClaiming {
		m.cancelTimer(ctx, cur.ID)
		metrics.IncWaitlistClaim("forfeited")
		if err := m.ResolveVacancy(ctx, slotID); err != nil {
			m.logger.Error().Err(err).Str("slot_id", slotID).Msg("resolve after forfeited claim")
		}
	}
	return next, nil
}

// ResolveVacancy offers free seats to the head of the queue. Auto-book entries
// are booked directly and resolution continues; otherwise the head gets an
// exclusive claim window and nobody else is offered the seat until it closes.
func (m *Manager) ResolveVacancy(ctx context.Context, slotID string) error {
	for step := 0; step < maxResolveSteps; step++ {
		now := m.clock.Now()
		queue, err := m.queue(ctx, slotID)
		if err != nil {
			return err
		}

		var head *models.WaitlistEntry
		outstanding, requeued := false, false
		for i := range queue {
			e := &queue[i]
			if e.State == models.EntryClaiming {
				if e.ClaimOpen(now) {
					outstanding = true
					break
				}
				if e.AutoBook {
					if err := m.recoverAutoBook(ctx, e); err != nil && !errors.Is(err, models.ErrStaleDecision) {
						return err
					}
					requeued = true
					break
				}
				if err := m.expireEntry(ctx, e); err != nil && !errors.Is(err, models.ErrStaleDecision) {
					return err
				}
				continue
			}
			if head == nil {
				head = e
			}
		}
		if requeued {
			continue
		}
		if outstanding || head == nil {
			return nil
		}

		slot, err := m.ledger.Get(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Free() == 0 || slot.HasStarted(now) {
			return nil
		}

		if head.AutoBook {
			booked, err := m.autoBook(ctx, head, now)
			if err != nil {
				return err
			}
			if !booked {
				return nil
			}
			continue
		}

		opened, err := m.openClaim(ctx, head, now)
		if err != nil {
			return err
		}
		if opened {
			return nil
		}
	}
	m.logger.Warn().Str("slot_id", slotID).Msg("resolution stopped after step limit")
	return nil
}

// autoBook books the head entry. The entry is moved to claiming while the
// reservation is created so concurrent resolutions treat the seat as offered.
// It reports whether the entry was booked and resolution may continue.
func (m *Manager) autoBook(ctx context.Context, head *models.WaitlistEntry, now time.Time) (bool, error) {
	guard := head.Clone()
	guard.State = models.EntryClaiming
	deadline := now.Add(m.claimTTL)
	guard.ClaimExpiresAt = &deadline
	guard.UpdatedAt = now
	if err := m.store.CompareAndSetEntry(ctx, guard, models.EntryActive); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return true, nil
		}
		return false, err
	}

	r, err := m.booker.Create(ctx, booking.CreateRequest{
		SlotID:          head.SlotID,
		UserID:          head.UserID,
		WaitlistEntryID: head.ID,
	})
	if err != nil {
		back := guard.Clone()
		back.State = models.EntryActive
		back.ClaimExpiresAt = nil
		back.UpdatedAt = m.clock.Now()
		if revErr := m.store.CompareAndSetEntry(ctx, back, models.EntryClaiming); revErr != nil {
			m.logger.Error().Err(revErr).Str("entry_id", head.ID).Msg("failed to reactivate entry after auto-book failure")
		}
		m.logger.Info().Err(err).Str("entry_id", head.ID).Msg("auto-book failed, entry stays queued")
		if errors.Is(err, models.ErrCapacityExceeded) || errors.Is(err, models.ErrInvalidInput) {
			return false, nil
		}
		return false, err
	}

	booked := guard.Clone()
	booked.State = models.EntryBooked
	booked.ReservationID = r.ID
	booked.UpdatedAt = m.clock.Now()
	if err := m.store.CompareAndSetEntry(ctx, booked, models.EntryClaiming); err != nil {
		m.logger.Error().Err(err).Str("entry_id", head.ID).Msg("failed to mark auto-booked entry")
	}
	metrics.IncWaitlistClaim("auto_booked")
	m.logger.Info().
		Str("entry_id", head.ID).
		Str("reservation_id", r.ID).
		Str("user_id", head.UserID).
		Msg("waitlist entry auto-booked")
	m.bus.Publish(ctx, events.Event{
		Type:          events.TypeWaitlistBooked,
		SlotID:        head.SlotID,
		EntryID:       head.ID,
		ReservationID: r.ID,
		UserID:        head.UserID,
		State:         string(r.State),
	})
	return true, nil
}

// openClaim gives the head entry an exclusive window. It reports false when
// another resolver moved the entry first.
func (m *Manager) openClaim(ctx context.Context, head *models.WaitlistEntry, now time.Time) (bool, error) {
	next := head.Clone()
	next.State = models.EntryClaiming
	deadline := now.Add(m.claimTTL)
	next.ClaimExpiresAt = &deadline
	next.UpdatedAt = now
	if err := m.store.CompareAndSetEntry(ctx, next, models.EntryActive); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return false, nil
		}
		return false, err
	}

	if err := m.timers.Arm(ctx, deadline, timer.ClaimToken(next.ID)); err != nil {
		m.logger.Error().Err(err).Str("entry_id", next.ID).Msg("failed to arm claim timer")
	}
	metrics.IncWaitlistClaim("opened")
	m.logger.Info().
		Str("entry_id", next.ID).
		Str("slot_id", next.SlotID).
		Str("user_id", next.UserID).
		Time("claim_expires_at", deadline).
		Msg("claim window opened")
	m.bus.Publish(ctx, events.Event{
		Type:     events.TypeClaimWindowOpened,
		SlotID:   next.SlotID,
		EntryID:  next.ID,
		UserID:   next.UserID,
		State:    string(next.State),
		Deadline: deadline,
	})
	return true, nil
}

// Claim books the seat offered to the entry. The entry is marked booked
// before the reservation is created so a concurrent window expiry loses.
func (m *Manager) Claim(ctx context.Context, entryID string) (*models.Reservation, error) {
	e, err := m.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	switch {
	case e.State == models.EntryExpired:
		return nil, fmt.Errorf("entry %s: %w", entryID, models.ErrClaimExpired)
	case e.State != models.EntryClaiming || e.AutoBook:
		return nil, fmt.Errorf("entry %s is %s: %w", entryID, e.State, models.ErrStaleDecision)
	}

	now := m.clock.Now()
	if !e.ClaimOpen(now) {
		if err := m.ExpireClaim(ctx, entryID); err != nil && !models.IsBenign(err) {
			m.logger.Warn().Err(err).Str("entry_id", entryID).Msg("inline claim expiry failed")
		}
		return nil, fmt.Errorf("entry %s: %w", entryID, models.ErrClaimExpired)
	}

	taken := e.Clone()
	taken.State = models.EntryBooked
	taken.UpdatedAt = now
	if err := m.store.CompareAndSetEntry(ctx, taken, models.EntryClaiming); err != nil {
		return nil, m.staleEntry(err, entryID)
	}

	r, err := m.booker.Create(ctx, booking.CreateRequest{SlotID: e.SlotID, UserID: e.UserID, WaitlistEntryID: e.ID})
	if err != nil {
		back := e.Clone()
		back.UpdatedAt = m.clock.Now()
		if revErr := m.store.CompareAndSetEntry(ctx, back, models.EntryBooked); revErr != nil {
			m.logger.Error().Err(revErr).Str("entry_id", entryID).Msg("failed to reopen claim after booking error")
		} else if !back.ClaimOpen(m.clock.Now()) {
			if expErr := m.ExpireClaim(ctx, entryID); expErr != nil && !models.IsBenign(expErr) {
				m.logger.Warn().Err(expErr).Str("entry_id", entryID).Msg("claim expiry after booking error failed")
			}
		}
		return nil, err
	}

	taken.ReservationID = r.ID
	taken.UpdatedAt = m.clock.Now()
	if err := m.store.CompareAndSetEntry(ctx, taken, models.EntryBooked); err != nil {
		m.logger.Error().Err(err).Str("entry_id", entryID).Msg("failed to link reservation to entry")
	}
	m.cancelTimer(ctx, entryID)
	metrics.IncWaitlistClaim("claimed")

	m.logger.Info().
		Str("entry_id", entryID).
		Str("reservation_id", r.ID).
		Str("user_id", e.UserID).
		Msg("claim window used")
	m.bus.Publish(ctx, events.Event{
		Type:          events.TypeWaitlistBooked,
		SlotID:        e.SlotID,
		EntryID:       e.ID,
		ReservationID: r.ID,
		UserID:        e.UserID,
		State:         string(r.State),
	})

	if err := m.ResolveVacancy(ctx, e.SlotID); err != nil {
		m.logger.Error().Err(err).Str("slot_id", e.SlotID).Msg("resolve after claim")
	}
	return r, nil
}

// ExpireClaim closes a claim window whose deadline passed and offers the seat
// to the next entry.
func (m *Manager) ExpireClaim(ctx context.Context, entryID string) error {
	e, err := m.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if e.State != models.EntryClaiming {
		return fmt.Errorf("entry %s is %s: %w", entryID, e.State, models.ErrStaleDecision)
	}
	if e.ClaimOpen(m.clock.Now()) {
		return models.ErrNotDue
	}
	if e.AutoBook {
		err = m.recoverAutoBook(ctx, e)
	} else {
		err = m.expireEntry(ctx, e)
	}
	if err != nil {
		return err
	}
	return m.ResolveVacancy(ctx, e.SlotID)
}

// recoverAutoBook settles an auto-book entry whose booking guard outlived its
// deadline, which happens when the process stopped inside autoBook. The entry
// is linked to the reservation if one was created, otherwise it goes back to
// active. No window was offered, so nothing is expired or announced.
func (m *Manager) recoverAutoBook(ctx context.Context, e *models.WaitlistEntry) error {
	list, err := m.store.ListReservations(ctx, store.ReservationFilter{SlotID: e.SlotID})
	if err != nil {
		return err
	}

	next := e.Clone()
	next.State = models.EntryActive
	next.ClaimExpiresAt = nil
	next.UpdatedAt = m.clock.Now()
	for i := range list {
		if list[i].WaitlistEntryID == e.ID {
			next.State = models.EntryBooked
			next.ReservationID = list[i].ID
			break
		}
	}
	if err := m.store.CompareAndSetEntry(ctx, next, models.EntryClaiming); err != nil {
		return m.staleEntry(err, e.ID)
	}
	m.logger.Warn().
		Str("entry_id", e.ID).
		Str("slot_id", e.SlotID).
		Str("state", string(next.State)).
		Str("reservation_id", next.ReservationID).
		Msg("interrupted auto-book recovered")
	return nil
}

// expireEntry moves a claiming entry to expired without resolving the queue.
func (m *Manager) expireEntry(ctx context.Context, e *models.WaitlistEntry) error {
	next := e.Clone()
	next.State = models.EntryExpired
	next.UpdatedAt = m.clock.Now()
	if err := m.store.CompareAndSetEntry(ctx, next, models.EntryClaiming); err != nil {
		return m.staleEntry(err, e.ID)
	}
	m.cancelTimer(ctx, e.ID)
	metrics.IncWaitlistClaim("expired")

	m.logger.Info().Str("entry_id", e.ID).Str("slot_id", e.SlotID).Str("user_id", e.UserID).Msg("claim window expired")
	m.bus.Publish(ctx, events.Event{
		Type:    events.TypeClaimExpired,
		SlotID:  e.SlotID,
		EntryID: e.ID,
		UserID:  e.UserID,
		State:   string(next.State),
		Reason:  events.ReasonForfeited,
	})
	return nil
}

func (m *Manager) queue(ctx context.Context, slotID string) ([]models.WaitlistEntry, error) {
	return m.store.ListEntries(ctx, store.EntryFilter{SlotID: slotID, States: queuedStates})
}

func (m *Manager) staleEntry(err error, entryID string) error {
	if errors.Is(err, store.ErrStateChanged) {
		m.logger.Debug().Str("entry_id", entryID).Msg("lost entry transition race")
		return fmt.Errorf("entry %s: %w", entryID, models.ErrStaleDecision)
	}
	return fmt.Errorf("update entry %s: %w", entryID, err)
}

func (m *Manager) cancelTimer(ctx context.Context, entryID string) {
	if err := m.timers.Cancel(ctx, timer.ClaimToken(entryID)); err != nil {
		m.logger.Warn().Err(err).Str("entry_id", entryID).Msg("failed to cancel claim timer")
	}
}

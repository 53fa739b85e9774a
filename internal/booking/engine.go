package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reservo/internal/clock"
	"reservo/internal/events"
	"reservo/internal/ledger"
	"reservo/internal/metrics"
	"reservo/internal/models"
	"reservo/internal/store"
	"reservo/internal/timer"
)

// DefaultHoldTTL is how long a facility has to veto a hold.
const DefaultHoldTTL = 5 * time.Minute

// Outcome is a facility decision.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeDecline Outcome = "decline"
)

// CreateRequest asks for one seat on a slot.
type CreateRequest struct {
	SlotID          string
	UserID          string
	WaitlistEntryID string
}

// Engine drives reservations through their lifecycle. It keeps no state
// between calls; every transition is a conditional write on the stored state.
type Engine struct {
	store   store.ReservationStore
	ledger  *ledger.Ledger
	timers  timer.Source
	bus     *events.EventBus
	clock   clock.Clock
	fsm     *FSM
	holdTTL time.Duration
	logger  zerolog.Logger
}

// NewEngine wires the confirmation engine.
func NewEngine(
	st store.ReservationStore,
	l *ledger.Ledger,
	timers timer.Source,
	bus *events.EventBus,
	c clock.Clock,
	holdTTL time.Duration,
	logger *zerolog.Logger,
) *Engine {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "booking").Logger()
	}
	return &Engine{
		store:   st,
		ledger:  l,
		timers:  timers,
		bus:     bus,
		clock:   c,
		fsm:     NewFSM(),
		holdTTL: holdTTL,
		logger:  lg,
	}
}

// Get returns a reservation.
func (e *Engine) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return e.store.GetReservation(ctx, id)
}

// Create takes one seat. Slots that need facility approval get a HELD
// reservation with a deadline; self-serve slots are confirmed at once.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Reservation, error) {
	if req.SlotID == "" || req.UserID == "" {
		return nil, fmt.Errorf("slot_id and user_id are required: %w", models.ErrInvalidInput)
	}

	slot, err := e.ledger.Get(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if slot.HasStarted(now) {
		return nil, fmt.Errorf("slot %s has started: %w", slot.ID, models.ErrInvalidInput)
	}

	r := &models.Reservation{
		ID:              uuid.NewString(),
		SlotID:          slot.ID,
		UserID:          req.UserID,
		State:           models.ReservationRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
		WaitlistEntryID: req.WaitlistEntryID,
	}

	var delta ledger.Delta
	next := models.ReservationConfirmed
	if slot.RequiresFacilityApproval {
		next = models.ReservationHeld
		delta.Held = 1
	} else {
		delta.Confirmed = 1
	}
	if !e.fsm.CanTransition(r.State, next) {
		return nil, fmt.Errorf("transition %s -> %s not allowed", r.State, next)
	}

	if _, err := e.ledger.TryReserve(ctx, slot.ID, delta); err != nil {
		return nil, err
	}

	r.State = next
	if next == models.ReservationHeld {
		exp := now.Add(e.holdTTL)
		r.ExpiresAt = &exp
	} else {
		r.DecidedAt = &now
		r.DecidedBy = models.DecidedBySystem
	}

	if err := e.store.CreateReservation(ctx, r); err != nil {
		if _, relErr := e.ledger.Release(ctx, slot.ID, delta); relErr != nil {
			e.logger.Error().Err(relErr).Str("slot_id", slot.ID).Msg("failed to release seat after insert error")
		}
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	metrics.IncReservationCreated(string(r.State))

	log := e.logger.Info().
		Str("reservation_id", r.ID).
		Str("slot_id", r.SlotID).
		Str("user_id", r.UserID).
		Str("state", string(r.State))

	if r.State == models.ReservationHeld {
		if err := e.timers.Arm(ctx, *r.ExpiresAt, timer.HoldToken(r.ID)); err != nil {
			// The recovery sweep picks up holds with no live timer.
			e.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("failed to arm hold timer")
		}
		log.Time("expires_at", *r.ExpiresAt).Msg("reservation held")
		e.bus.Publish(ctx, events.Event{
			Type:          events.TypeReservationHeld,
			SlotID:        r.SlotID,
			ReservationID: r.ID,
			UserID:        r.UserID,
			FacilityID:    slot.FacilityID,
			State:         string(r.State),
			Deadline:      *r.ExpiresAt,
		})
		return r, nil
	}

	log.Msg("reservation confirmed")
	e.publishConfirmed(ctx, r, slot.FacilityID)
	return r, nil
}

// Decide applies a facility decision to a HELD reservation. A decision after
// the deadline or after another outcome was recorded returns ErrStaleDecision
// together with the current reservation.
func (e *Engine) Decide(ctx context.Context, id, decidedBy string, outcome Outcome) (*models.Reservation, error) {
	if outcome != OutcomeApprove && outcome != OutcomeDecline {
		return nil, fmt.Errorf("outcome %q: %w", outcome, models.ErrInvalidInput)
	}
	if decidedBy == "" {
		return nil, fmt.Errorf("decided_by is required: %w", models.ErrInvalidInput)
	}

	r, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State != models.ReservationHeld {
		return r, fmt.Errorf("reservation %s is %s: %w", id, r.State, models.ErrStaleDecision)
	}

	now := e.clock.Now()
	if r.HoldExpired(now) {
		// The deadline passed but the timer has not landed yet; resolve it now.
		cur, expErr := e.ExpireHold(ctx, id)
		if cur == nil {
			cur = r
		}
		if expErr != nil && !models.IsBenign(expErr) {
			e.logger.Warn().Err(expErr).Str("reservation_id", id).Msg("inline hold expiry failed")
		}
		return cur, fmt.Errorf("reservation %s hold expired: %w", id, models.ErrStaleDecision)
	}

	next := r.Clone()
	next.State = models.ReservationConfirmed
	if outcome == OutcomeDecline {
		next.State = models.ReservationDeclined
	}
	next.DecidedAt = &now
	next.DecidedBy = decidedBy
	next.UpdatedAt = now

	if err := e.store.CompareAndSetReservation(ctx, next, models.ReservationHeld); err != nil {
		return e.lostRace(ctx, id, err)
	}
	e.cancelTimer(ctx, r.ID)
	metrics.IncReservationDecision(string(next.State))

	e.logger.Info().
		Str("reservation_id", id).
		Str("decided_by", decidedBy).
		Str("state", string(next.State)).
		Msg("facility decision recorded")

	if next.State == models.ReservationConfirmed {
		if _, err := e.ledger.Promote(ctx, next.SlotID, 1); err != nil {
			e.logger.Error().Err(err).Str("slot_id", next.SlotID).Msg("failed to promote held seat")
		}
		e.publishConfirmed(ctx, next, "")
		return next, nil
	}

	if _, err := e.ledger.Release(ctx, next.SlotID, ledger.Delta{Held: 1}); err != nil {
		e.logger.Error().Err(err).Str("slot_id", next.SlotID).Msg("failed to release declined seat")
	}
	e.bus.Publish(ctx, events.Event{
		Type:          events.TypeReservationDeclined,
		SlotID:        next.SlotID,
		ReservationID: next.ID,
		UserID:        next.UserID,
		State:         string(next.State),
	})
	e.publishVacancy(ctx, next.SlotID, events.ReasonDeclined)
	return next, nil
}

// ExpireHold resolves a HELD reservation whose deadline passed. Silence from
// the facility confirms the seat; a hold on a session that already began
// expires instead.
func (e *Engine) ExpireHold(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State != models.ReservationHeld {
		return r, fmt.Errorf("reservation %s is %s: %w", id, r.State, models.ErrStaleDecision)
	}

	now := e.clock.Now()
	if !r.HoldExpired(now) {
		return r, models.ErrNotDue
	}

	slot, err := e.ledger.Get(ctx, r.SlotID)
	if err != nil {
		return nil, err
	}

	next := r.Clone()
	next.State = models.ReservationAutoConfirmed
	if slot.HasStarted(now) {
		next.State = models.ReservationExpired
	}
	next.DecidedAt = &now
	next.DecidedBy = models.DecidedBySystem
	next.UpdatedAt = now

	if err := e.store.CompareAndSetReservation(ctx, next, models.ReservationHeld); err != nil {
		return e.lostRace(ctx, id, err)
	}
	metrics.IncReservationDecision(string(next.State))

	e.logger.Info().
		Str("reservation_id", id).
		Str("slot_id", next.SlotID).
		Str("state", string(next.State)).
		Msg("hold deadline reached")

	if next.State == models.ReservationExpired {
		if _, err := e.ledger.Release(ctx, next.SlotID, ledger.Delta{Held: 1}); err != nil {
			e.logger.Error().Err(err).Str("slot_id", next.SlotID).Msg("failed to release expired seat")
		}
		e.bus.Publish(ctx, events.Event{
			Type:          events.TypeReservationExpired,
			SlotID:        next.SlotID,
			ReservationID: next.ID,
			UserID:        next.UserID,
			FacilityID:    slot.FacilityID,
			State:         string(next.State),
		})
		return next, nil
	}

	if _, err := e.ledger.Promote(ctx, next.SlotID, 1); err != nil {
		e.logger.Error().Err(err).Str("slot_id", next.SlotID).Msg("failed to promote auto-confirmed seat")
	}
	e.publishConfirmed(ctx, next, slot.FacilityID)
	return next, nil
}

// Cancel releases a confirmed seat at the owner's request and publishes a vacancy.
func (e *Engine) Cancel(ctx context.Context, id, userID string) (*models.Reservation, error) {
	r, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotOwner)
	}
	if !e.fsm.CanTransition(r.State, models.ReservationCancelled) {
		return r, fmt.Errorf("reservation %s is %s: %w", id, r.State, models.ErrStaleDecision)
	}

	now := e.clock.Now()
	next := r.Clone()
	next.State = models.ReservationCancelled
	next.UpdatedAt = now

	if err := e.store.CompareAndSetReservation(ctx, next, r.State); err != nil {
		return e.lostRace(ctx, id, err)
	}
	metrics.IncReservationCancelled()

	if _, err := e.ledger.Release(ctx, next.SlotID, ledger.Delta{Confirmed: 1}); err != nil {
		e.logger.Error().Err(err).Str("slot_id", next.SlotID).Msg("failed to release cancelled seat")
	}

	e.logger.Info().Str("reservation_id", id).Str("user_id", userID).Msg("reservation cancelled")
	e.bus.Publish(ctx, events.Event{
		Type:          events.TypeReservationCancelled,
		SlotID:        next.SlotID,
		ReservationID: next.ID,
		UserID:        next.UserID,
		State:         string(next.State),
	})
	e.publishVacancy(ctx, next.SlotID, events.ReasonCancelled)
	return next, nil
}

// RecountSlot rebuilds the slot's held and confirmed counters from its reservations.
func (e *Engine) RecountSlot(ctx context.Context, slotID string) (*models.Slot, error) {
	list, err := e.store.ListReservations(ctx, store.ReservationFilter{
		SlotID: slotID,
		States: []models.ReservationState{
			models.ReservationHeld, models.ReservationConfirmed, models.ReservationAutoConfirmed,
		},
	})
	if err != nil {
		return nil, err
	}
	held, confirmed := 0, 0
	for i := range list {
		if list[i].State == models.ReservationHeld {
			held++
		} else {
			confirmed++
		}
	}
	return e.ledger.Recount(ctx, slotID, held, confirmed)
}

// lostRace turns a failed conditional write into ErrStaleDecision with the winner's state.
func (e *Engine) lostRace(ctx context.Context, id string, err error) (*models.Reservation, error) {
	if !errors.Is(err, store.ErrStateChanged) {
		return nil, fmt.Errorf("update reservation %s: %w", id, err)
	}
	cur, getErr := e.store.GetReservation(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	e.logger.Debug().Str("reservation_id", id).Str("state", string(cur.State)).Msg("lost transition race")
	return cur, fmt.Errorf("reservation %s is %s: %w", id, cur.State, models.ErrStaleDecision)
}

func (e *Engine) cancelTimer(ctx context.Context, id string) {
	if err := e.timers.Cancel(ctx, timer.HoldToken(id)); err != nil {
		e.logger.Warn().Err(err).Str("reservation_id", id).Msg("failed to cancel hold timer")
	}
}

func (e *Engine) publishConfirmed(ctx context.Context, r *models.Reservation, facilityID string) {
	e.bus.Publish(ctx, events.Event{
		Type:          events.TypeReservationConfirmed,
		SlotID:        r.SlotID,
		ReservationID: r.ID,
		UserID:        r.UserID,
		FacilityID:    facilityID,
		State:         string(r.State),
	})
}

func (e *Engine) publishVacancy(ctx context.Context, slotID, reason string) {
	e.bus.Publish(ctx, events.Event{
		Type:   events.TypeVacancy,
		SlotID: slotID,
		Reason: reason,
		Units:  1,
	})
}

// Package scheduler delivers hold and claim deadlines to the engines and
// performs the startup recovery sweep.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/clock"
	"reservo/internal/metrics"
	"reservo/internal/models"
	"reservo/internal/store"
	"reservo/internal/timer"
)

// DefaultSweepInterval is how often the periodic sweep runs.
const DefaultSweepInterval = 30 * time.Second

// HoldResolver resolves reservation holds.
type HoldResolver interface {
	ExpireHold(ctx context.Context, id string) (*models.Reservation, error)
	RecountSlot(ctx context.Context, slotID string) (*models.Slot, error)
}

// QueueResolver resolves claim windows and vacancies.
type QueueResolver interface {
	ExpireClaim(ctx context.Context, entryID string) error
	ResolveVacancy(ctx context.Context, slotID string) error
}

// Report summarizes a sweep.
type Report struct {
	HoldsResolved  int
	HoldsArmed     int
	ClaimsExpired  int
	ClaimsArmed    int
	SlotsResolved  int
	SlotsRecounted int
	Errors         int
}

// Scheduler wires a timer source to the engines.
type Scheduler struct {
	holds    HoldResolver
	queues   QueueResolver
	store    store.Store
	timers   timer.Source
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New creates a scheduler.
func New(
	holds HoldResolver,
	queues QueueResolver,
	st store.Store,
	timers timer.Source,
	c clock.Clock,
	interval time.Duration,
	logger *zerolog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "scheduler").Logger()
	}
	return &Scheduler{
		holds:    holds,
		queues:   queues,
		store:    st,
		timers:   timers,
		clock:    c,
		interval: interval,
		logger:   l,
	}
}

// Dispatch handles a due token from the timer source.
func (s *Scheduler) Dispatch(ctx context.Context, tok timer.Token) {
	metrics.IncTimerFired(tok.Kind)
	log := s.logger.With().Str("token", tok.String()).Logger()

	switch tok.Kind {
	case timer.KindHold:
		r, err := s.holds.ExpireHold(ctx, tok.ID)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrNotDue) && r != nil && r.ExpiresAt != nil:
			s.rearm(ctx, *r.ExpiresAt, tok)
		case models.IsBenign(err), errors.Is(err, models.ErrNotFound):
			log.Debug().Err(err).Msg("hold already resolved")
		default:
			log.Error().Err(err).Msg("hold expiry failed")
		}
	case timer.KindClaim:
		err := s.queues.ExpireClaim(ctx, tok.ID)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrNotDue):
			e, getErr := s.store.GetEntry(ctx, tok.ID)
			if getErr == nil && e.ClaimExpiresAt != nil {
				s.rearm(ctx, *e.ClaimExpiresAt, tok)
			}
		case models.IsBenign(err), errors.Is(err, models.ErrNotFound):
			log.Debug().Err(err).Msg("claim already resolved")
		default:
			log.Error().Err(err).Msg("claim expiry failed")
		}
	default:
		log.Warn().Msg("unknown timer kind")
	}
}

func (s *Scheduler) rearm(ctx context.Context, deadline time.Time, tok timer.Token) {
	if err := s.timers.Arm(ctx, deadline, tok); err != nil {
		s.logger.Error().Err(err).Str("token", tok.String()).Msg("failed to re-arm early timer")
	}
}

// Recover is the startup sweep: holds and claims whose deadline passed are
// resolved as if their timer had fired, the rest are re-armed, and slots with
// free seats get a resolution pass for vacancies lost in a crash.
func (s *Scheduler) Recover(ctx context.Context) (Report, error) {
	var rep Report
	now := s.clock.Now()

	held, err := s.store.ListReservations(ctx, store.ReservationFilter{
		States: []models.ReservationState{models.ReservationHeld},
	})
	if err != nil {
		return rep, err
	}
	for i := range held {
		r := &held[i]
		if r.HoldExpired(now) {
			s.resolveHold(ctx, r.ID, &rep)
			continue
		}
		if r.ExpiresAt == nil {
			continue
		}
		if err := s.timers.Arm(ctx, *r.ExpiresAt, timer.HoldToken(r.ID)); err != nil {
			rep.Errors++
			s.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("failed to re-arm hold")
			continue
		}
		rep.HoldsArmed++
	}

	claiming, err := s.store.ListEntries(ctx, store.EntryFilter{
		States: []models.EntryState{models.EntryClaiming},
	})
	if err != nil {
		return rep, err
	}
	for i := range claiming {
		e := &claiming[i]
		if !e.ClaimOpen(now) {
			s.resolveClaim(ctx, e.ID, &rep)
			continue
		}
		if err := s.timers.Arm(ctx, *e.ClaimExpiresAt, timer.ClaimToken(e.ID)); err != nil {
			rep.Errors++
			s.logger.Error().Err(err).Str("entry_id", e.ID).Msg("failed to re-arm claim")
			continue
		}
		rep.ClaimsArmed++
	}

	if err := s.resolveFree(ctx, now, &rep); err != nil {
		return rep, err
	}

	s.logger.Info().
		Int("holds_resolved", rep.HoldsResolved).
		Int("holds_armed", rep.HoldsArmed).
		Int("claims_expired", rep.ClaimsExpired).
		Int("claims_armed", rep.ClaimsArmed).
		Int("slots_resolved", rep.SlotsResolved).
		Int("errors", rep.Errors).
		Msg("recovery sweep finished")
	return rep, nil
}

// resolveFree runs a resolution pass on every upcoming slot with a free seat.
func (s *Scheduler) resolveFree(ctx context.Context, now time.Time, rep *Report) error {
	slots, err := s.store.ListSlots(ctx, now)
	if err != nil {
		return err
	}
	for i := range slots {
		if slots[i].Free() == 0 {
			continue
		}
		if err := s.queues.ResolveVacancy(ctx, slots[i].ID); err != nil {
			rep.Errors++
			s.logger.Error().Err(err).Str("slot_id", slots[i].ID).Msg("resolve free slot")
			continue
		}
		rep.SlotsResolved++
	}
	return nil
}

// Sweep resolves holds and claims that are already due, then offers free
// seats to their queues. It backs up timers and vacancy events lost between
// a restart and the next arm.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	now := s.clock.Now()

	held, err := s.store.ListReservations(ctx, store.ReservationFilter{
		States:        []models.ReservationState{models.ReservationHeld},
		ExpiresBefore: &now,
	})
	if err != nil {
		return rep, err
	}
	for i := range held {
		s.resolveHold(ctx, held[i].ID, &rep)
	}

	claiming, err := s.store.ListEntries(ctx, store.EntryFilter{
		States:             []models.EntryState{models.EntryClaiming},
		ClaimExpiresBefore: &now,
	})
	if err != nil {
		return rep, err
	}
	for i := range claiming {
		s.resolveClaim(ctx, claiming[i].ID, &rep)
	}

	if err := s.resolveFree(ctx, now, &rep); err != nil {
		return rep, err
	}

	if rep.HoldsResolved+rep.ClaimsExpired+rep.Errors > 0 {
		s.logger.Info().
			Int("holds_resolved", rep.HoldsResolved).
			Int("claims_expired", rep.ClaimsExpired).
			Int("errors", rep.Errors).
			Msg("periodic sweep")
	}
	return rep, nil
}

// Recount rebuilds held and confirmed counters of every slot from reservations.
func (s *Scheduler) Recount(ctx context.Context) (Report, error) {
	var rep Report
	slots, err := s.store.ListSlots(ctx, time.Time{})
	if err != nil {
		return rep, err
	}
	for i := range slots {
		if _, err := s.holds.RecountSlot(ctx, slots[i].ID); err != nil {
			rep.Errors++
			s.logger.Error().Err(err).Str("slot_id", slots[i].ID).Msg("recount failed")
			continue
		}
		rep.SlotsRecounted++
	}
	s.logger.Info().Int("slots", rep.SlotsRecounted).Int("errors", rep.Errors).Msg("counters recounted")
	return rep, nil
}

func (s *Scheduler) resolveHold(ctx context.Context, id string, rep *Report) {
	_, err := s.holds.ExpireHold(ctx, id)
	switch {
	case err == nil:
		rep.HoldsResolved++
	case models.IsBenign(err), errors.Is(err, models.ErrNotDue):
	default:
		rep.Errors++
		s.logger.Error().Err(err).Str("reservation_id", id).Msg("sweep hold")
	}
}

func (s *Scheduler) resolveClaim(ctx context.Context, id string, rep *Report) {
	err := s.queues.ExpireClaim(ctx, id)
	switch {
	case err == nil:
		rep.ClaimsExpired++
	case models.IsBenign(err), errors.Is(err, models.ErrNotDue):
	default:
		rep.Errors++
		s.logger.Error().Err(err).Str("entry_id", id).Msg("sweep claim")
	}
}

// Start attaches the dispatcher to the timer source and runs the recovery sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.timers.Start(ctx, s.Dispatch); err != nil {
		return err
	}
	_, err := s.Recover(ctx)
	return err
}

// Run sweeps periodically until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.stopCh == stopCh {
			s.running = false
			s.stopCh = nil
		}
		s.mu.Unlock()
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("sweep loop started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweep loop stopped by context")
			return
		case <-stopCh:
			s.logger.Info().Msg("sweep loop stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("periodic sweep failed")
			}
		}
	}
}

// Stop ends the sweep loop and the timer source.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()
	s.timers.Stop()
}

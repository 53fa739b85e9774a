// Package syncer keeps the capacity ledger consistent with the facility's own
// booking system: it ingests cancellation notices, reconciles capacity
// snapshots and pushes confirmed reservations outward.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reservo/internal/clock"
	"reservo/internal/events"
	"reservo/internal/facility"
	"reservo/internal/ledger"
	"reservo/internal/metrics"
	"reservo/internal/models"
	"reservo/internal/store"
)

// Config tunes the pull and push loops.
type Config struct {
	PullInterval time.Duration
	PushInterval time.Duration
	PushBatch    int
	MaxAttempts  int
	PushDelays   []time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PullInterval: time.Minute,
		PushInterval: 5 * time.Second,
		PushBatch:    50,
		MaxAttempts:  5,
		PushDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
			2 * time.Minute,
		},
	}
}

func (c Config) pushDelay(attempt int) time.Duration {
	if len(c.PushDelays) == 0 {
		return time.Minute
	}
	if attempt >= len(c.PushDelays) {
		return c.PushDelays[len(c.PushDelays)-1]
	}
	return c.PushDelays[attempt]
}

// VacancyNotice is a cancellation reported by the facility system.
type VacancyNotice struct {
	SlotID        string `json:"slot_id"`
	FreedUnits    int    `json:"freed_units"`
	SourceEventID string `json:"source_event_id"`
}

// NoticeResult describes how a notice was applied.
type NoticeResult struct {
	Duplicate bool `json:"duplicate"`
	Freed     int  `json:"freed"`
}

// PullReport summarizes one pull pass.
type PullReport struct {
	Notices    int
	Duplicates int
	Reconciled int
	Errors     int
}

// Adapter is the External Sync Adapter.
type Adapter struct {
	store  store.Store
	ledger *ledger.Ledger
	source facility.Source
	pusher facility.Pusher
	bus    *events.EventBus
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	lastPull time.Time
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an adapter. source and pusher may be nil to disable pulling or pushing.
func New(
	st store.Store,
	l *ledger.Ledger,
	source facility.Source,
	pusher facility.Pusher,
	bus *events.EventBus,
	c clock.Clock,
	cfg Config,
	logger *zerolog.Logger,
) *Adapter {
	def := DefaultConfig()
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = def.PullInterval
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = def.PushInterval
	}
	if cfg.PushBatch <= 0 {
		cfg.PushBatch = def.PushBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.PushDelays) == 0 {
		cfg.PushDelays = def.PushDelays
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "syncer").Logger()
	}
	return &Adapter{
		store:  st,
		ledger: l,
		source: source,
		pusher: pusher,
		bus:    bus,
		clock:  c,
		cfg:    cfg,
		logger: lg,
	}
}

// HandleVacancyNotice applies a webhook cancellation exactly once per SourceEventID.
func (a *Adapter) HandleVacancyNotice(ctx context.Context, n VacancyNotice) (NoticeResult, error) {
	return a.applyNotice(ctx, n, events.ReasonExternal)
}

func (a *Adapter) applyNotice(ctx context.Context, n VacancyNotice, reason string) (NoticeResult, error) {
	if n.SlotID == "" || n.SourceEventID == "" || n.FreedUnits < 0 {
		return NoticeResult{}, fmt.Errorf("vacancy notice %+v: %w", n, models.ErrInvalidInput)
	}

	seen, err := a.store.ExternalEventSeen(ctx, n.SourceEventID)
	if err != nil {
		return NoticeResult{}, fmt.Errorf("lookup external event: %w", err)
	}
	if seen {
		return a.duplicate(n), nil
	}

	// The release and the event id are written together; a failed release
	// leaves the id unrecorded so a redelivery is applied.
	freed, err := a.ledger.ReleaseExternal(ctx, n.SlotID, n.SourceEventID, n.FreedUnits, a.clock.Now())
	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		return a.duplicate(n), nil
	case err != nil:
		metrics.IncExternalSync("inbound", "error")
		return NoticeResult{}, err
	}

	released, dup := freed, false
	if freed < n.FreedUnits || n.FreedUnits == 0 {
		// The notice disagrees with our counters; trust the facility snapshot instead of the delta.
		gained, err := a.reconcileSlot(ctx, n.SlotID)
		switch {
		case err != nil && released == 0:
			// Nothing was applied or recorded; the next delivery retries.
			metrics.IncExternalSync("inbound", "error")
			return NoticeResult{}, err
		case err != nil:
			a.logger.Warn().Err(err).
				Str("slot_id", n.SlotID).
				Str("source_event_id", n.SourceEventID).
				Msg("re-deriving capacity after vacancy notice failed")
		default:
			freed += gained
		}

		if released == 0 {
			// Nothing was released, so the id is not in the log yet.
			first, err := a.store.RecordExternalEvent(ctx, n.SourceEventID, n.SlotID, a.clock.Now())
			if err != nil {
				a.logger.Warn().Err(err).Str("source_event_id", n.SourceEventID).Msg("record reconciled vacancy notice")
			}
			dup = err == nil && !first
		}
	}

	metrics.IncExternalSync("inbound", "applied")
	a.logger.Info().
		Str("slot_id", n.SlotID).
		Str("source_event_id", n.SourceEventID).
		Int("requested", n.FreedUnits).
		Int("freed", freed).
		Msg("vacancy notice applied")

	if freed > 0 {
		a.publishVacancy(ctx, n.SlotID, freed, reason)
	}
	return NoticeResult{Duplicate: dup, Freed: freed}, nil
}

func (a *Adapter) duplicate(n VacancyNotice) NoticeResult {
	metrics.IncExternalSync("inbound", "duplicate")
	a.logger.Debug().
		Str("slot_id", n.SlotID).
		Str("source_event_id", n.SourceEventID).
		Msg("duplicate vacancy notice ignored")
	return NoticeResult{Duplicate: true}
}

// reconcileSlot pulls the facility snapshot for slotID and returns the free seats gained.
func (a *Adapter) reconcileSlot(ctx context.Context, slotID string) (int, error) {
	if a.source == nil {
		return 0, fmt.Errorf("no facility source configured: %w", models.ErrExternalSync)
	}
	snap, err := a.source.GetSlotCapacity(ctx, slotID)
	if err != nil {
		return 0, err
	}
	delta, err := a.ledger.Reconcile(ctx, slotID, snap.TotalCapacity, snap.ExternalCount)
	if err != nil {
		return 0, err
	}
	return max(delta, 0), nil
}

// PullOnce ingests cancellations since the last pull and reconciles every
// upcoming slot against the facility snapshot.
func (a *Adapter) PullOnce(ctx context.Context) (PullReport, error) {
	var rep PullReport
	if a.source == nil {
		return rep, nil
	}

	started := a.clock.Now()
	a.mu.Lock()
	since := a.lastPull
	a.mu.Unlock()

	cancellations, err := a.source.ListCancellations(ctx, since)
	if err != nil {
		metrics.IncExternalSync("pull", "error")
		return rep, fmt.Errorf("list cancellations: %w", err)
	}
	for _, c := range cancellations {
		res, err := a.applyNotice(ctx, VacancyNotice{
			SlotID:        c.SlotID,
			FreedUnits:    c.FreedUnits,
			SourceEventID: c.EventID,
		}, events.ReasonSync)
		switch {
		case errors.Is(err, models.ErrNotFound):
			a.logger.Debug().Str("slot_id", c.SlotID).Msg("cancellation for unknown slot skipped")
		case err != nil:
			rep.Errors++
			a.logger.Warn().Err(err).Str("event_id", c.EventID).Msg("cancellation not applied")
		case res.Duplicate:
			rep.Duplicates++
		default:
			rep.Notices++
		}
	}

	slots, err := a.store.ListSlots(ctx, started)
	if err != nil {
		return rep, fmt.Errorf("list slots: %w", err)
	}
	for i := range slots {
		slotID := slots[i].ID
		gained, err := a.reconcileSlot(ctx, slotID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			rep.Errors++
			a.logger.Warn().Err(err).Str("slot_id", slotID).Msg("capacity reconcile failed")
			continue
		}
		rep.Reconciled++
		if gained > 0 {
			a.publishVacancy(ctx, slotID, gained, events.ReasonSync)
		}
	}

	a.mu.Lock()
	a.lastPull = started
	a.mu.Unlock()

	status := "ok"
	if rep.Errors > 0 {
		status = "partial"
	}
	metrics.IncExternalSync("pull", status)
	a.logger.Debug().
		Int("notices", rep.Notices).
		Int("duplicates", rep.Duplicates).
		Int("reconciled", rep.Reconciled).
		Int("errors", rep.Errors).
		Msg("pull finished")
	return rep, nil
}

// Subscribe enqueues a push task for every confirmed reservation.
func (a *Adapter) Subscribe(bus *events.EventBus) {
	if a.pusher == nil {
		return
	}
	bus.Subscribe(events.TypeReservationConfirmed, func(ctx context.Context, ev events.Event) error {
		return a.EnqueuePush(ctx, ev.ReservationID, ev.SlotID)
	})
}

// EnqueuePush adds a reservation to the push outbox.
func (a *Adapter) EnqueuePush(ctx context.Context, reservationID, slotID string) error {
	now := a.clock.Now()
	task := &store.SyncTask{
		ID:            uuid.NewString(),
		ReservationID: reservationID,
		SlotID:        slotID,
		Status:        store.SyncPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := a.store.EnqueueSyncTask(ctx, task); err != nil {
		return fmt.Errorf("enqueue push for %s: %w", reservationID, err)
	}
	return nil
}

// ProcessPushQueue pushes due outbox tasks and returns how many succeeded.
func (a *Adapter) ProcessPushQueue(ctx context.Context) (int, error) {
	if a.pusher == nil {
		return 0, nil
	}
	now := a.clock.Now()
	tasks, err := a.store.DueSyncTasks(ctx, now, a.cfg.PushBatch)
	if err != nil {
		return 0, fmt.Errorf("due sync tasks: %w", err)
	}

	pushed := 0
	for i := range tasks {
		t := &tasks[i]
		err := a.pushOne(ctx, t)
		if err == nil {
			t.Status = store.SyncDone
			t.LastError = ""
			processed := a.clock.Now()
			t.ProcessedAt = &processed
			pushed++
			metrics.IncExternalSync("push", "ok")
		} else {
			t.Attempts++
			t.LastError = err.Error()
			if t.Attempts >= a.cfg.MaxAttempts || errors.Is(err, models.ErrNotFound) {
				t.Status = store.SyncFailed
				metrics.IncExternalSync("push", "failed")
				a.logger.Error().Err(err).
					Str("reservation_id", t.ReservationID).
					Int("attempts", t.Attempts).
					Msg("push abandoned")
			} else {
				t.NextAttemptAt = now.Add(a.cfg.pushDelay(t.Attempts - 1))
				metrics.IncExternalSync("push", "retry")
				a.logger.Warn().Err(err).
					Str("reservation_id", t.ReservationID).
					Int("attempt", t.Attempts).
					Time("next_attempt_at", t.NextAttemptAt).
					Msg("push failed, will retry")
			}
		}
		if err := a.store.UpdateSyncTask(ctx, t); err != nil {
			a.logger.Error().Err(err).Str("task_id", t.ID).Msg("update sync task failed")
		}
	}
	return pushed, nil
}

func (a *Adapter) pushOne(ctx context.Context, t *store.SyncTask) error {
	r, err := a.store.GetReservation(ctx, t.ReservationID)
	if err != nil {
		return err
	}
	slot, err := a.store.GetSlot(ctx, t.SlotID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return a.pusher.PushReservation(ctx, facility.NewReservationPush(r, slot))
}

func (a *Adapter) publishVacancy(ctx context.Context, slotID string, units int, reason string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, events.Event{
		Type:   events.TypeVacancy,
		SlotID: slotID,
		Reason: reason,
		Units:  units,
	})
}

// Start launches the pull and push loops.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	stopCh := make(chan struct{})
	a.stopCh = stopCh
	a.mu.Unlock()

	if a.source != nil {
		a.wg.Add(1)
		go a.loop(ctx, stopCh, "pull", a.cfg.PullInterval, func(ctx context.Context) error {
			_, err := a.PullOnce(ctx)
			return err
		})
	}
	if a.pusher != nil {
		a.wg.Add(1)
		go a.loop(ctx, stopCh, "push", a.cfg.PushInterval, func(ctx context.Context) error {
			_, err := a.ProcessPushQueue(ctx)
			return err
		})
	}
}

// Stop ends the loops and waits for them to exit.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.running {
		a.running = false
		close(a.stopCh)
		a.stopCh = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Adapter) loop(ctx context.Context, stopCh <-chan struct{}, name string, interval time.Duration, fn func(context.Context) error) {
	defer a.wg.Done()
	a.logger.Info().Str("loop", name).Dur("interval", interval).Msg("sync loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error().Err(err).Str("loop", name).Msg("sync iteration failed")
			}
		}
	}
}

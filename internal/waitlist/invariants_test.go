package waitlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/booking"
	"reservo/internal/clock"
	"reservo/internal/events"
	"reservo/internal/ledger"
	"reservo/internal/models"
	"reservo/internal/store"
	"reservo/internal/store/memory"
	"reservo/internal/store/sqlstore"
	"reservo/internal/syncer"
	"reservo/internal/timer"
)

// due removes and returns the tokens whose deadline is not after now.
func (f *fakeTimers) due(now time.Time) []timer.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []timer.Token
	for tok, deadline := range f.armed {
		if !deadline.After(now) {
			out = append(out, tok)
			delete(f.armed, tok)
		}
	}
	return out
}

var (
	walkSlots = []string{"open", "approval", "soon"}
	walkUsers = []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	walkPro   = map[string]bool{"u0": true, "u1": true}
)

// walk drives the engines with a seeded random sequence of operations and
// checks the ledger, lifecycle and queue invariants after every step.
type walk struct {
	t    *testing.T
	seed int64
	step int
	op   string

	ctx     context.Context
	rng     *rand.Rand
	st      store.Store
	clock   *clock.Manual
	timers  *fakeTimers
	ledger  *ledger.Ledger
	engine  *booking.Engine
	mgr     *Manager
	adapter *syncer.Adapter
	fsm     *booking.FSM

	states  map[string]models.ReservationState
	applied map[string]bool
	done    map[string]int
}

func newWalk(t *testing.T, st store.Store, seed int64) *walk {
	t.Helper()
	logger := zerolog.New(io.Discard)
	w := &walk{
		t:       t,
		seed:    seed,
		ctx:     context.Background(),
		rng:     rand.New(rand.NewSource(seed)),
		st:      st,
		clock:   clock.NewManual(t0),
		timers:  &fakeTimers{armed: make(map[timer.Token]time.Time)},
		fsm:     booking.NewFSM(),
		states:  make(map[string]models.ReservationState),
		applied: make(map[string]bool),
		done:    make(map[string]int),
	}
	bus := events.NewEventBus(&logger)
	w.ledger = ledger.New(st, 10, &logger)
	w.engine = booking.NewEngine(st, w.ledger, w.timers, bus, w.clock, 5*time.Minute, &logger)
	w.mgr = NewManager(st, w.engine, w.ledger, w.timers, bus, w.clock, 3*time.Minute, &logger)
	w.mgr.Subscribe(bus)
	w.adapter = syncer.New(st, w.ledger, nil, nil, bus, w.clock, syncer.DefaultConfig(), &logger)

	for _, spec := range []models.SlotSpec{
		{ID: "open", FacilityID: "club", TotalCapacity: 2, StartTime: t0.Add(48 * time.Hour), AllowsProPriority: true},
		{ID: "approval", FacilityID: "club", TotalCapacity: 2, StartTime: t0.Add(48 * time.Hour), RequiresFacilityApproval: true},
		{ID: "soon", FacilityID: "club", TotalCapacity: 1, StartTime: t0.Add(20 * time.Minute), RequiresFacilityApproval: true, AllowsProPriority: true},
	} {
		_, _, err := w.ledger.Publish(w.ctx, spec)
		require.NoError(t, err)
	}
	return w
}

func (w *walk) where() string {
	return fmt.Sprintf("seed %d step %d op %s", w.seed, w.step, w.op)
}

func (w *walk) pick(list []string) string {
	return list[w.rng.Intn(len(list))]
}

// allow fails on anything that is not a domain outcome.
func (w *walk) allow(err error) {
	w.t.Helper()
	if err == nil {
		w.done[w.op]++
		return
	}
	if errors.Is(err, models.ErrNotDue) {
		return
	}
	if kind := models.Kind(err); kind == "internal" || kind == "conflict" {
		w.t.Fatalf("%s: unexpected error: %v", w.where(), err)
	}
}

func (w *walk) reservations(states ...models.ReservationState) []models.Reservation {
	w.t.Helper()
	list, err := w.st.ListReservations(w.ctx, store.ReservationFilter{States: states})
	require.NoError(w.t, err)
	return list
}

func (w *walk) entries(states ...models.EntryState) []models.WaitlistEntry {
	w.t.Helper()
	list, err := w.st.ListEntries(w.ctx, store.EntryFilter{States: states})
	require.NoError(w.t, err)
	return list
}

func (w *walk) run(steps int) {
	for w.step = 0; w.step < steps; w.step++ {
		w.apply()
		w.check()
	}
}

func (w *walk) apply() {
	ctx := w.ctx
	switch n := w.rng.Intn(13); {
	case n < 2:
		w.op = "create"
		_, err := w.engine.Create(ctx, booking.CreateRequest{SlotID: w.pick(walkSlots), UserID: w.pick(walkUsers)})
		w.allow(err)

	case n == 2:
		w.op = "decide"
		held := w.reservations(models.ReservationHeld)
		if len(held) == 0 {
			return
		}
		outcome := booking.OutcomeApprove
		if w.rng.Intn(2) == 0 {
			outcome = booking.OutcomeDecline
		}
		_, err := w.engine.Decide(ctx, held[w.rng.Intn(len(held))].ID, "club", outcome)
		w.allow(err)

	case n == 3:
		w.op = "timers"
		for _, tok := range w.timers.due(w.clock.Now()) {
			switch tok.Kind {
			case timer.KindHold:
				_, err := w.engine.ExpireHold(ctx, tok.ID)
				w.allow(err)
			case timer.KindClaim:
				w.allow(w.mgr.ExpireClaim(ctx, tok.ID))
			}
		}

	case n == 4:
		w.op = "cancel"
		booked := w.reservations(models.ReservationConfirmed, models.ReservationAutoConfirmed)
		if len(booked) == 0 {
			return
		}
		r := booked[w.rng.Intn(len(booked))]
		user := r.UserID
		if w.rng.Intn(5) == 0 {
			user = "intruder"
		}
		_, err := w.engine.Cancel(ctx, r.ID, user)
		w.allow(err)

	case n < 7:
		w.op = "join"
		user := w.pick(walkUsers)
		_, _, err := w.mgr.Join(ctx, JoinRequest{
			SlotID:   w.pick(walkSlots),
			UserID:   user,
			IsPro:    walkPro[user],
			AutoBook: w.rng.Intn(3) == 0,
		})
		w.allow(err)

	case n == 7:
		w.op = "leave"
		_, err := w.mgr.Leave(ctx, w.pick(walkSlots), w.pick(walkUsers))
		w.allow(err)

	case n == 8:
		w.op = "claim"
		claiming := w.entries(models.EntryClaiming)
		if len(claiming) == 0 {
			return
		}
		_, err := w.mgr.Claim(ctx, claiming[w.rng.Intn(len(claiming))].ID)
		w.allow(err)

	case n == 9:
		w.op = "advance"
		w.clock.Advance(time.Duration(w.rng.Intn(180)) * time.Second)

	case n == 10:
		w.op = "external_sale"
		_, err := w.ledger.TryReserve(ctx, "open", ledger.Delta{External: 1})
		w.allow(err)

	default:
		w.op = "webhook"
		w.webhook()
	}
}

// webhook delivers a notice from a small pool of event ids so replays are common.
func (w *walk) webhook() {
	id := fmt.Sprintf("ev-%d", w.rng.Intn(6))
	before, err := w.ledger.Get(w.ctx, "open")
	require.NoError(w.t, err)

	res, err := w.adapter.HandleVacancyNotice(w.ctx, syncer.VacancyNotice{SlotID: "open", FreedUnits: 1, SourceEventID: id})
	w.allow(err)

	after, getErr := w.ledger.Get(w.ctx, "open")
	require.NoError(w.t, getErr)

	switch {
	case w.applied[id]:
		assert.True(w.t, res.Duplicate, "%s: replay of %s applied again", w.where(), id)
		assert.Equal(w.t, before.ExternalCount, after.ExternalCount, "%s: replay changed the ledger", w.where())
	case err == nil && !res.Duplicate:
		w.applied[id] = true
		assert.Equal(w.t, before.ExternalCount-1, after.ExternalCount, w.where())
	default:
		assert.Equal(w.t, before.ExternalCount, after.ExternalCount, "%s: unapplied notice changed the ledger", w.where())
	}
}

func (w *walk) check() {
	t := w.t
	t.Helper()
	now := w.clock.Now()

	all := w.reservations()
	byID := make(map[string]models.Reservation, len(all))
	for _, r := range all {
		byID[r.ID] = r
		prev, seen := w.states[r.ID]
		switch {
		case !seen:
			assert.Contains(t, []models.ReservationState{models.ReservationHeld, models.ReservationConfirmed}, r.State,
				"%s: reservation %s created as %s", w.where(), r.ID, r.State)
		case prev != r.State:
			assert.True(t, w.reachable(prev, r.State), "%s: reservation %s went %s -> %s", w.where(), r.ID, prev, r.State)
		}
		w.states[r.ID] = r.State
	}

	entries := w.entries()
	for _, slotID := range walkSlots {
		slot, err := w.ledger.Get(w.ctx, slotID)
		require.NoError(t, err)

		assert.True(t, slot.Valid(), "%s: slot %s counters %+v", w.where(), slotID, slot)

		held, confirmed := 0, 0
		for _, r := range all {
			if r.SlotID != slotID {
				continue
			}
			switch {
			case r.State == models.ReservationHeld:
				held++
			case r.State.IsSuccess():
				confirmed++
			}
		}
		assert.Equal(t, held, slot.HeldCount, "%s: held on %s", w.where(), slotID)
		assert.Equal(t, confirmed, slot.ConfirmedCount, "%s: confirmed on %s", w.where(), slotID)

		queue, err := w.st.ListEntries(w.ctx, store.EntryFilter{SlotID: slotID, States: queuedStates})
		require.NoError(t, err)
		users := make(map[string]bool)
		openClaims, active, claiming := 0, 0, 0
		for i := range queue {
			e := &queue[i]
			if i > 0 {
				assert.False(t, models.QueueLess(e, &queue[i-1]), "%s: queue of %s out of order", w.where(), slotID)
			}
			assert.False(t, users[e.UserID], "%s: %s queued twice on %s", w.where(), e.UserID, slotID)
			users[e.UserID] = true
			assert.Equal(t, models.PriorityFor(slot, walkPro[e.UserID]), e.Priority, "%s: priority of %s", w.where(), e.ID)

			switch e.State {
			case models.EntryActive:
				active++
			case models.EntryClaiming:
				claiming++
				if e.ClaimOpen(now) && !e.AutoBook {
					openClaims++
				}
			}
		}
		assert.LessOrEqual(t, openClaims, 1, "%s: several open claim windows on %s", w.where(), slotID)

		// A free seat never sits beside a waiting queue unless a claim is pending.
		if !slot.HasStarted(now) && slot.Free() > 0 && active > 0 {
			assert.Positive(t, claiming, "%s: %d free on %s with %d waiting and no claim", w.where(), slot.Free(), slotID, active)
		}
	}

	for _, e := range entries {
		if e.State != models.EntryBooked {
			continue
		}
		r, ok := byID[e.ReservationID]
		if assert.True(t, ok, "%s: booked entry %s has no reservation", w.where(), e.ID) {
			assert.Equal(t, e.UserID, r.UserID, w.where())
			assert.Equal(t, e.SlotID, r.SlotID, w.where())
			assert.Equal(t, e.ID, r.WaitlistEntryID, w.where())
		}
	}
}

// reachable reports whether to follows from via one or two lifecycle steps.
func (w *walk) reachable(from, to models.ReservationState) bool {
	if w.fsm.CanTransition(from, to) {
		return true
	}
	for _, mid := range []models.ReservationState{models.ReservationConfirmed, models.ReservationAutoConfirmed} {
		if w.fsm.CanTransition(from, mid) && w.fsm.CanTransition(mid, to) {
			return true
		}
	}
	return false
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	backends := []struct {
		name  string
		open  func(t *testing.T) store.Store
		seeds int
		steps int
	}{
		{
			name:  "memory",
			open:  func(*testing.T) store.Store { return memory.New() },
			seeds: 8,
			steps: 400,
		},
		{
			name: "sqlite",
			open: func(t *testing.T) store.Store {
				s, err := sqlstore.Open(sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "walk.db"), nil)
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
			seeds: 2,
			steps: 150,
		},
	}
	if testing.Short() {
		for i := range backends {
			backends[i].seeds = 1
		}
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			for seed := int64(1); seed <= int64(b.seeds); seed++ {
				t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
					w := newWalk(t, b.open(t), seed)
					w.run(b.steps)

					assert.Positive(t, w.done["create"], "no reservation was ever created")
					assert.Positive(t, w.done["join"], "nobody ever joined a queue")
				})
			}
		})
	}
}

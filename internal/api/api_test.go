package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
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
	"reservo/internal/store/memory"
	"reservo/internal/syncer"
	"reservo/internal/timer"
	"reservo/internal/waitlist"
)

type fakeTimers struct {
	mu    sync.Mutex
	armed map[timer.Token]time.Time
}

func (f *fakeTimers) Arm(_ context.Context, deadline time.Time, tok timer.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[tok] = deadline
	return nil
}

func (f *fakeTimers) Cancel(_ context.Context, tok timer.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, tok)
	return nil
}

func (f *fakeTimers) Start(context.Context, timer.Handler) error { return nil }
func (f *fakeTimers) Stop()                                      {}

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	handler http.Handler
	ledger  *ledger.Ledger
	clock   *clock.Manual
}

func newFixture(t *testing.T, apiKeys ...string) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	st := memory.New()
	c := clock.NewManual(t0)
	bus := events.NewEventBus(&logger)
	timers := &fakeTimers{armed: map[timer.Token]time.Time{}}
	l := ledger.New(st, ledger.DefaultMaxRetries, &logger)

	engine := booking.NewEngine(st, l, timers, bus, c, booking.DefaultHoldTTL, &logger)
	manager := waitlist.NewManager(st, engine, l, timers, bus, c, waitlist.DefaultClaimTTL, &logger)
	manager.Subscribe(bus)
	adapter := syncer.New(st, l, nil, nil, bus, c, syncer.DefaultConfig(), &logger)

	srv := NewHTTPServer(":0", engine, manager, adapter, l, apiKeys, &logger)

	ctx := context.Background()
	for _, spec := range []models.SlotSpec{
		{ID: "approval", FacilityID: "club-1", TotalCapacity: 1, StartTime: t0.Add(48 * time.Hour), RequiresFacilityApproval: true},
		{ID: "open", FacilityID: "club-1", TotalCapacity: 1, StartTime: t0.Add(48 * time.Hour)},
	} {
		_, _, err := l.Publish(ctx, spec)
		require.NoError(t, err)
	}
	return &fixture{handler: srv.Handler(), ledger: l, clock: c}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		if raw, ok := body.(string); ok {
			reader = bytes.NewBufferString(raw)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (f *fixture) book(t *testing.T, slotID, userID string) string {
	t.Helper()
	w, resp := f.do(t, http.MethodPost, "/api/v1/reservations", map[string]any{"slot_id": slotID, "user_id": userID})
	require.Equal(t, http.StatusCreated, w.Code, resp)
	return resp["reservation_id"].(string)
}

func TestReservationLifecycle(t *testing.T) {
	f := newFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/reservations", map[string]any{"slot_id": "approval", "user_id": "u1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "HELD", resp["state"])
	assert.Equal(t, "2026-07-01T08:05:00Z", resp["expires_at"])
	id := resp["reservation_id"].(string)

	w, resp = f.do(t, http.MethodPost, "/api/v1/reservations", map[string]any{"slot_id": "approval", "user_id": "u2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "capacity_exceeded", resp["code"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/decision", map[string]any{"decided_by": "desk", "outcome": "approve"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CONFIRMED", resp["state"])

	// A second decision is reported as already resolved.
	w, resp = f.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/decision", map[string]any{"decided_by": "desk", "outcome": "decline"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "stale_decision", resp["code"])
	assert.Equal(t, "CONFIRMED", resp["state"])

	w, resp = f.do(t, http.MethodGet, "/api/v1/reservations/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CONFIRMED", resp["state"])
	assert.Equal(t, "desk", resp["decided_by"])
}

func TestDecisionAfterDeadline(t *testing.T) {
	f := newFixture(t)
	id := f.book(t, "approval", "u1")

	f.clock.Advance(6 * time.Minute)
	w, resp := f.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/decision", map[string]any{"decided_by": "desk", "outcome": "decline"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AUTO_CONFIRMED", resp["state"])
}

func TestCreateReservationValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "unknown field", body: `{"slot_id":"open","user_id":"u1","extra":1}`, status: http.StatusBadRequest},
		{name: "missing user", body: map[string]any{"slot_id": "open"}, status: http.StatusBadRequest},
		{name: "unknown slot", body: map[string]any{"slot_id": "nope", "user_id": "u1"}, status: http.StatusNotFound, code: "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := f.do(t, http.MethodPost, "/api/v1/reservations", tt.body)
			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, resp["code"])
			}
		})
	}

	w, _ := f.do(t, http.MethodGet, "/api/v1/reservations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelReservation(t *testing.T) {
	f := newFixture(t)
	id := f.book(t, "open", "u1")

	w, resp := f.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/cancel", map[string]any{"user_id": "u2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_owner", resp["code"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/cancel", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", resp["state"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/cancel", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CANCELLED", resp["state"])
}

func TestWaitlistFlow(t *testing.T) {
	f := newFixture(t)
	resID := f.book(t, "open", "u1")

	w, resp := f.do(t, http.MethodPost, "/api/v1/waitlist", map[string]any{"slot_id": "open", "user_id": "u2"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "active", resp["state"])
	assert.Equal(t, float64(1), resp["position"])
	entryID := resp["entry_id"].(string)

	w, resp = f.do(t, http.MethodPost, "/api/v1/waitlist", map[string]any{"slot_id": "open", "user_id": "u2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_queued", resp["code"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/waitlist", map[string]any{"slot_id": "open", "user_id": "u3"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, float64(2), resp["position"])

	w, resp = f.do(t, http.MethodGet, "/api/v1/waitlist/position?slot_id=open&user_id=u3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp["position"])

	// Cancellation opens u2's claim window.
	w, _ = f.do(t, http.MethodPost, "/api/v1/reservations/"+resID+"/cancel", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = f.do(t, http.MethodPost, "/api/v1/waitlist/"+entryID+"/claim", nil)
	require.Equal(t, http.StatusOK, w.Code, resp)
	assert.NotEmpty(t, resp["reservation_id"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/waitlist/"+entryID+"/claim", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "stale_decision", resp["code"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/waitlist/leave", map[string]any{"slot_id": "open", "user_id": "u3"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "left", resp["state"])

	w, _ = f.do(t, http.MethodGet, "/api/v1/waitlist/position?slot_id=open&user_id=u3", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinOnFreeSlotOpensClaim(t *testing.T) {
	f := newFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/waitlist", map[string]any{"slot_id": "open", "user_id": "u2"})
	require.Equal(t, http.StatusCreated, w.Code, resp)
	assert.Equal(t, "claiming", resp["state"])
	assert.Equal(t, float64(1), resp["position"])

	w, resp = f.do(t, http.MethodPost, "/api/v1/waitlist/"+resp["entry_id"].(string)+"/claim", nil)
	require.Equal(t, http.StatusOK, w.Code, resp)
	assert.NotEmpty(t, resp["reservation_id"])
}

func TestClaimAfterWindow(t *testing.T) {
	f := newFixture(t)
	resID := f.book(t, "open", "u1")

	_, resp := f.do(t, http.MethodPost, "/api/v1/waitlist", map[string]any{"slot_id": "open", "user_id": "u2"})
	entryID := resp["entry_id"].(string)
	f.do(t, http.MethodPost, "/api/v1/reservations/"+resID+"/cancel", map[string]any{"user_id": "u1"})

	f.clock.Advance(waitlist.DefaultClaimTTL + time.Second)
	w, resp := f.do(t, http.MethodPost, "/api/v1/waitlist/"+entryID+"/claim", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "claim_expired", resp["code"])
	assert.Equal(t, "expired", resp["state"])
}

func TestVacancyWebhook(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.TryReserve(context.Background(), "open", ledger.Delta{External: 1})
	require.NoError(t, err)

	body := map[string]any{"slot_id": "open", "freed_units": 1, "source_event_id": "ev-1"}
	w, resp := f.do(t, http.MethodPost, "/api/v1/webhooks/vacancy", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["duplicate"])

	for i := 0; i < 3; i++ {
		w, resp = f.do(t, http.MethodPost, "/api/v1/webhooks/vacancy", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, resp["duplicate"])
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/slots/open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["external_count"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/webhooks/vacancy", map[string]any{"slot_id": "open", "freed_units": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/webhooks/vacancy", map[string]any{"slot_id": "nope", "freed_units": 1, "source_event_id": "ev-2"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSlots(t *testing.T) {
	f := newFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/slots", map[string]any{
		"slot_id":             "court-9",
		"facility_id":         "club-2",
		"total_capacity":      4,
		"start_time":          "2026-07-03T18:00:00Z",
		"allows_pro_priority": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), resp["total_capacity"])
	assert.Equal(t, true, resp["allows_pro_priority"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/slots", map[string]any{"slot_id": "bad", "total_capacity": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/slots/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	f := newFixture(t, "valid-key")

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{name: "valid api key", key: "valid-key", status: http.StatusOK},
		{name: "missing api key", key: "", status: http.StatusUnauthorized},
		{name: "invalid api key", key: "invalid-key", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.key != "" {
				headers = []string{"x-api-key", tt.key}
			}
			w, _ := f.do(t, http.MethodGet, "/api/v1/slots/open", nil, headers...)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.ErrCapacityExceeded, http.StatusConflict},
		{models.ErrStaleDecision, http.StatusConflict},
		{models.ErrAlreadyQueued, http.StatusConflict},
		{models.ErrClaimExpired, http.StatusGone},
		{models.ErrNotOwner, http.StatusForbidden},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrExternalSync, http.StatusBadGateway},
		{models.ErrConflict, http.StatusServiceUnavailable},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, errorStatus(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

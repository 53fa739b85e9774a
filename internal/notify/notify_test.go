package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/events"
)

type call struct {
	recipient string
	eventType string
	payload   map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	errs  []error // returned in order, nil once exhausted
}

func (r *recorder) Notify(_ context.Context, recipient, eventType string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{recipient, eventType, payload})
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func testConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   1,
		QueueSize: 8,
		Retry: RetryConfig{
			MaxRetries:  2,
			RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
		},
	}
}

func TestDispatcherDelivers(t *testing.T) {
	logger := zerolog.New(io.Discard)
	rec := &recorder{}
	d := NewDispatcher(rec, "test", testConfig(), &logger)
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Notify(context.Background(), "u1", "reservation.confirmed", map[string]any{"slot_id": "s1"}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	got := rec.snapshot()[0]
	assert.Equal(t, "u1", got.recipient)
	assert.Equal(t, "reservation.confirmed", got.eventType)
	assert.Equal(t, "s1", got.payload["slot_id"])
}

func TestDispatcherRetries(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		rec := &recorder{errs: []error{errors.New("boom"), errors.New("boom")}}
		d := NewDispatcher(rec, "test", testConfig(), nil)
		d.Start(context.Background())
		defer d.Stop()

		require.NoError(t, d.Notify(context.Background(), "u1", "x", nil))
		require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	})

	t.Run("permanent error stops retrying", func(t *testing.T) {
		rec := &recorder{errs: []error{&PermanentError{Reason: "user_blocked", Err: errors.New("403")}}}
		d := NewDispatcher(rec, "test", testConfig(), nil)
		d.Start(context.Background())

		require.NoError(t, d.Notify(context.Background(), "u1", "x", nil))
		require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		d.Stop()
		assert.Equal(t, 1, rec.count())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		rec := &recorder{errs: []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}}
		d := NewDispatcher(rec, "test", testConfig(), nil)
		d.Start(context.Background())

		require.NoError(t, d.Notify(context.Background(), "u1", "x", nil))
		require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		d.Stop()
		assert.Equal(t, 3, rec.count())
	})
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.QueueSize = 2
	d := NewDispatcher(rec, "test", cfg, nil)

	require.NoError(t, d.Enqueue(Message{Recipient: "a"}))
	require.NoError(t, d.Enqueue(Message{Recipient: "b"}))
	assert.ErrorIs(t, d.Enqueue(Message{Recipient: "c"}), ErrQueueFull)

	// Notify swallows the drop.
	assert.NoError(t, d.Notify(context.Background(), "d", "x", nil))
	assert.Equal(t, 2, d.Pending())
}

func TestMulti(t *testing.T) {
	a, b := &recorder{errs: []error{errors.New("a failed")}}, &recorder{}
	err := Multi{a, b}.Notify(context.Background(), "u1", "x", nil)
	require.Error(t, err)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestSubscribe(t *testing.T) {
	bus := events.NewEventBus(nil)
	rec := &recorder{}
	Subscribe(bus, rec, nil)

	ctx := context.Background()
	deadline := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	bus.Publish(ctx, events.Event{
		Type:          events.TypeReservationHeld,
		SlotID:        "s1",
		ReservationID: "r1",
		UserID:        "u1",
		FacilityID:    "f1",
		State:         "HELD",
		Deadline:      deadline,
	})

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "u1", calls[0].recipient)
	assert.Equal(t, events.TypeReservationHeld, calls[0].eventType)
	assert.Equal(t, "f1", calls[1].recipient)
	assert.Equal(t, TypeApprovalRequested, calls[1].eventType)
	assert.Equal(t, "r1", calls[1].payload["reservation_id"])
	assert.Equal(t, "2026-03-01T10:05:00Z", calls[1].payload["deadline"])

	bus.Publish(ctx, events.Event{Type: events.TypeClaimWindowOpened, SlotID: "s1", EntryID: "e1", UserID: "u2"})
	calls = rec.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "u2", calls[2].recipient)
	assert.Equal(t, "e1", calls[2].payload["entry_id"])

	// Vacancies are internal and produce no notification.
	bus.Publish(ctx, events.Event{Type: events.TypeVacancy, SlotID: "s1"})
	assert.Len(t, rec.snapshot(), 3)
}

func TestSubscribeIgnoresNotifierErrors(t *testing.T) {
	bus := events.NewEventBus(nil)
	Subscribe(bus, Func(func(context.Context, string, string, map[string]any) error {
		return errors.New("down")
	}), nil)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), events.Event{Type: events.TypeReservationConfirmed, UserID: "u1"})
	})
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name:   "accepted",
			status: http.StatusAccepted,
			check:  func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name:   "client error is permanent",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				_, ok := IsPermanent(err)
				assert.True(t, ok)
			},
		},
		{
			name:       "rate limited carries delay",
			status:     http.StatusTooManyRequests,
			retryAfter: "7",
			check: func(t *testing.T, err error) {
				var ra *RetryAfterError
				require.ErrorAs(t, err, &ra)
				assert.Equal(t, 7*time.Second, ra.Delay)
			},
		},
		{
			name:   "server error is transient",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				_, ok := IsPermanent(err)
				assert.False(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Message
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "secret", r.Header.Get("x-api-key"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhook(srv.URL, "secret", time.Second).
				Notify(context.Background(), "u1", "waitlist.booked", map[string]any{"slot_id": "s1"})
			tt.check(t, err)
			assert.Equal(t, "u1", got.Recipient)
			assert.Equal(t, "waitlist.booked", got.EventType)
		})
	}
}

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegram(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves chats", func(t *testing.T) {
		s := &fakeSender{}
		tg := NewTelegramWithSender(s, map[string]int64{"facility-1": 555})

		require.NoError(t, tg.Notify(ctx, "facility-1", TypeApprovalRequested, map[string]any{"reservation_id": "r1"}))
		require.NoError(t, tg.Notify(ctx, "42", "reservation.confirmed", nil))
		require.Len(t, s.sent, 2)
		assert.Equal(t, int64(555), s.sent[0].ChatID)
		assert.Contains(t, s.sent[0].Text, "reservation_id: r1")
		assert.Equal(t, int64(42), s.sent[1].ChatID)
	})

	t.Run("unknown recipient is permanent", func(t *testing.T) {
		err := NewTelegramWithSender(&fakeSender{}, nil).Notify(ctx, "alice", "x", nil)
		p, ok := IsPermanent(err)
		require.True(t, ok)
		assert.Equal(t, "unknown_recipient", p.Reason)
	})

	t.Run("api errors are classified", func(t *testing.T) {
		blocked := &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
		err := NewTelegramWithSender(&fakeSender{err: blocked}, nil).Notify(ctx, "42", "x", nil)
		p, ok := IsPermanent(err)
		require.True(t, ok)
		assert.Equal(t, "user_blocked", p.Reason)

		limited := &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}
		limited.RetryAfter = 3
		err = NewTelegramWithSender(&fakeSender{err: limited}, nil).Notify(ctx, "42", "x", nil)
		var ra *RetryAfterError
		require.ErrorAs(t, err, &ra)
		assert.Equal(t, 3*time.Second, ra.Delay)
	})
}

func TestFormatText(t *testing.T) {
	text := FormatText("waitlist.claim_expired", map[string]any{"slot_id": "s1", "entry_id": "e1"})
	assert.Contains(t, text, "no longer available")
	assert.Less(t, strings.Index(text, "entry_id"), strings.Index(text, "slot_id"))

	assert.Equal(t, "custom.event", FormatText("custom.event", nil))
}

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	failNext  bool
	closed    bool
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.failNext {
		f.failNext = false
		return errors.New("channel closed")
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQP(t *testing.T) {
	var channels []*fakeChannel
	a := NewAMQP("amqp://test", "", nil)
	a.dial = func(string) (amqpChannel, func() error, error) {
		ch := &fakeChannel{}
		channels = append(channels, ch)
		return ch, nil, nil
	}

	ctx := context.Background()
	require.NoError(t, a.Notify(ctx, "u1", "reservation.confirmed", map[string]any{"slot_id": "s1"}))
	require.Len(t, channels, 1)
	ch := channels[0]
	assert.Equal(t, []string{DefaultAMQPQueue}, ch.declared)
	require.Len(t, ch.published, 1)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)

	var msg Message
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &msg))
	assert.Equal(t, "u1", msg.Recipient)
	assert.Equal(t, "s1", msg.Payload["slot_id"])

	ch.failNext = true
	require.Error(t, a.Notify(ctx, "u1", "x", nil))
	assert.True(t, ch.closed)

	require.NoError(t, a.Notify(ctx, "u1", "x", nil))
	assert.Len(t, channels, 2)
	require.NoError(t, a.Close())
}

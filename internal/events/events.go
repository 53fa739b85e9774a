package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types published by the booking engine and the waitlist manager.
const (
	TypeVacancy              = "slot.vacancy"
	TypeReservationHeld      = "reservation.held"
	TypeReservationConfirmed = "reservation.confirmed"
	TypeReservationDeclined  = "reservation.declined"
	TypeReservationExpired   = "reservation.expired"
	TypeReservationCancelled = "reservation.cancelled"
	TypeClaimWindowOpened    = "waitlist.claim_opened"
	TypeClaimExpired         = "waitlist.claim_expired"
	TypeWaitlistBooked       = "waitlist.booked"
)

// Vacancy reasons.
const (
	ReasonDeclined  = "declined"
	ReasonCancelled = "cancelled"
	ReasonExternal  = "external"
	ReasonSync      = "sync"
	ReasonForfeited = "forfeited"
	ReasonPublished = "published"
)

// Event represents a lightweight domain event.
type Event struct {
	Type          string
	SlotID        string
	ReservationID string
	EntryID       string
	UserID        string
	FacilityID    string
	State         string
	Reason        string
	Units         int
	Deadline      time.Time
	CreatedAt     time.Time
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "events").Logger()
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: l}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// OnVacancy registers a handler for vacancies on slotID, or on every slot when slotID is empty.
func (b *EventBus) OnVacancy(slotID string, handler EventHandler) {
	b.Subscribe(TypeVacancy, func(ctx context.Context, ev Event) error {
		if slotID != "" && ev.SlotID != slotID {
			return nil
		}
		return handler(ctx, ev)
	})
}

// OnClaimWindowOpened registers a handler for newly opened flash claim windows.
func (b *EventBus) OnClaimWindowOpened(handler EventHandler) {
	b.Subscribe(TypeClaimWindowOpened, handler)
}

// Publish notifies subscribers of the event type.
// Handlers run synchronously in registration order; a failing handler does not stop the others.
func (b *EventBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).
				Str("type", event.Type).
				Str("slot_id", event.SlotID).
				Msg("event handler failed")
		}
	}
}

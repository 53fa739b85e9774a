package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/events"
)

// userEvents are forwarded to the reservation or entry owner unchanged.
var userEvents = []string{
	events.TypeReservationHeld,
	events.TypeReservationConfirmed,
	events.TypeReservationDeclined,
	events.TypeReservationExpired,
	events.TypeReservationCancelled,
	events.TypeClaimWindowOpened,
	events.TypeClaimExpired,
	events.TypeWaitlistBooked,
}

// Subscribe forwards domain events to n. Handlers never return errors so a
// failing notifier cannot affect the publishing transition.
func Subscribe(bus *events.EventBus, n Notifier, logger *zerolog.Logger) {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "notify_subscriber").Logger()
	}

	send := func(ctx context.Context, recipient, eventType string, ev events.Event) {
		if recipient == "" {
			return
		}
		if err := n.Notify(ctx, recipient, eventType, Payload(ev)); err != nil {
			l.Warn().Err(err).
				Str("recipient", recipient).
				Str("event_type", eventType).
				Msg("notify failed")
		}
	}

	for _, typ := range userEvents {
		bus.Subscribe(typ, func(ctx context.Context, ev events.Event) error {
			send(ctx, ev.UserID, ev.Type, ev)
			return nil
		})
	}

	bus.Subscribe(events.TypeReservationHeld, func(ctx context.Context, ev events.Event) error {
		send(ctx, ev.FacilityID, TypeApprovalRequested, ev)
		return nil
	})
}

// Payload flattens an event into notification fields.
func Payload(ev events.Event) map[string]any {
	p := map[string]any{"slot_id": ev.SlotID}
	if ev.ReservationID != "" {
		p["reservation_id"] = ev.ReservationID
	}
	if ev.EntryID != "" {
		p["entry_id"] = ev.EntryID
	}
	if ev.State != "" {
		p["state"] = ev.State
	}
	if ev.Reason != "" {
		p["reason"] = ev.Reason
	}
	if !ev.Deadline.IsZero() {
		p["deadline"] = ev.Deadline.UTC().Format(time.RFC3339)
	}
	return p
}

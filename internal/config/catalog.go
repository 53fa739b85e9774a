package config

import (
	"context"

	"github.com/rs/zerolog"

	"reservo/internal/events"
	"reservo/internal/ledger"
	"reservo/internal/models"
)

// Catalog publishes slot availability to the ledger. Seats gained by a
// publish are announced as a vacancy so queued users are served.
type Catalog struct {
	ledger *ledger.Ledger
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewCatalog(l *ledger.Ledger, bus *events.EventBus, logger *zerolog.Logger) *Catalog {
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "catalog").Logger()
	}
	return &Catalog{ledger: l, bus: bus, logger: lg}
}

// Get returns the current slot.
func (c *Catalog) Get(ctx context.Context, slotID string) (*models.Slot, error) {
	return c.ledger.Get(ctx, slotID)
}

// Publish creates or updates a slot and returns it with the number of seats gained.
func (c *Catalog) Publish(ctx context.Context, spec models.SlotSpec) (*models.Slot, int, error) {
	slot, gained, err := c.ledger.Publish(ctx, spec)
	if err != nil {
		return nil, 0, err
	}
	if gained > 0 && c.bus != nil {
		c.bus.Publish(ctx, events.Event{
			Type:       events.TypeVacancy,
			SlotID:     slot.ID,
			FacilityID: slot.FacilityID,
			Reason:     events.ReasonPublished,
			Units:      gained,
		})
	}
	return slot, gained, nil
}

// Apply publishes every slot of the catalog and returns how many succeeded.
// Slots missing from the catalog are left as they are.
func (c *Catalog) Apply(ctx context.Context, cfg *SlotsConfig) int {
	ok := 0
	for _, spec := range cfg.Slots {
		if _, _, err := c.Publish(ctx, spec); err != nil {
			c.logger.Error().Err(err).Str("slot_id", spec.ID).Msg("publish slot")
			continue
		}
		ok++
	}
	c.logger.Info().Int("published", ok).Int("total", len(cfg.Slots)).Msg("slot catalog applied")
	return ok
}

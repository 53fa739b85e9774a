package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reservo/internal/models"
	"reservo/internal/store"
)

const slotColumns = `id, facility_id, total_capacity, held_count, confirmed_count, external_count,
	start_time, requires_approval, allows_pro_priority, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*models.Slot, error) {
	var s models.Slot
	if err := row.Scan(
		&s.ID, &s.FacilityID, &s.TotalCapacity, &s.HeldCount, &s.ConfirmedCount, &s.ExternalCount,
		&s.StartTime, &s.RequiresFacilityApproval, &s.AllowsProPriority, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.StartTime = s.StartTime.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// GetSlot returns the slot by id.
func (s *Store) GetSlot(ctx context.Context, id string) (*models.Slot, error) {
	slot, err := scanSlot(s.queryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("slot %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

// CreateSlot inserts a new slot with version 1.
func (s *Store) CreateSlot(ctx context.Context, slot *models.Slot) error {
	now := time.Now().UTC()
	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = now
	}
	slot.UpdatedAt = now
	slot.Version = 1

	_, err := s.exec(ctx, `INSERT INTO slots (`+slotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slot.ID, slot.FacilityID, slot.TotalCapacity, slot.HeldCount, slot.ConfirmedCount, slot.ExternalCount,
		slot.StartTime.UTC(), slot.RequiresFacilityApproval, slot.AllowsProPriority, slot.Version,
		slot.CreatedAt.UTC(), slot.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrStateChanged
	}
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// CompareAndSwapSlot updates the slot if its version still equals expectedVersion.
func (s *Store) CompareAndSwapSlot(ctx context.Context, slot *models.Slot, expectedVersion int64) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE slots SET facility_id = ?, total_capacity = ?, held_count = ?, confirmed_count = ?,
			external_count = ?, start_time = ?, requires_approval = ?, allows_pro_priority = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		slot.FacilityID, slot.TotalCapacity, slot.HeldCount, slot.ConfirmedCount,
		slot.ExternalCount, slot.StartTime.UTC(), slot.RequiresFacilityApproval, slot.AllowsProPriority,
		now, slot.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSlot(ctx, slot.ID); err != nil {
			return err
		}
		return store.ErrStateChanged
	}
	slot.Version = expectedVersion + 1
	slot.UpdatedAt = now
	return nil
}

// ListSlots returns slots starting at or after from.
func (s *Store) ListSlots(ctx context.Context, from time.Time) ([]models.Slot, error) {
	rows, err := s.query(ctx, `SELECT `+slotColumns+` FROM slots ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []models.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		if slot.StartTime.Before(from) {
			continue
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

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

const reservationColumns = `id, slot_id, user_id, state, created_at, expires_at, decided_at,
	decided_by, waitlist_entry_id, updated_at`

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r                  models.Reservation
		expires, decidedAt sql.NullTime
		state              string
	)
	if err := row.Scan(
		&r.ID, &r.SlotID, &r.UserID, &state, &r.CreatedAt, &expires, &decidedAt,
		&r.DecidedBy, &r.WaitlistEntryID, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.State = models.ReservationState(state)
	r.ExpiresAt = timePtr(expires)
	r.DecidedAt = timePtr(decidedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// CreateReservation inserts a new reservation.
func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.exec(ctx, `INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SlotID, r.UserID, string(r.State), r.CreatedAt.UTC(), nullTime(r.ExpiresAt), nullTime(r.DecidedAt),
		r.DecidedBy, r.WaitlistEntryID, r.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return store.ErrStateChanged
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// GetReservation returns the reservation by id.
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := scanReservation(s.queryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// CompareAndSetReservation updates r if the stored state still equals expected.
func (s *Store) CompareAndSetReservation(ctx context.Context, r *models.Reservation, expected models.ReservationState) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, `
		UPDATE reservations SET state = ?, expires_at = ?, decided_at = ?, decided_by = ?,
			waitlist_entry_id = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(r.State), nullTime(r.ExpiresAt), nullTime(r.DecidedAt), r.DecidedBy,
		r.WaitlistEntryID, r.UpdatedAt.UTC(), r.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetReservation(ctx, r.ID); err != nil {
			return err
		}
		return store.ErrStateChanged
	}
	return nil
}

// ListReservations returns reservations matching filter ordered by creation time.
func (s *Store) ListReservations(ctx context.Context, filter store.ReservationFilter) ([]models.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE 1=1`
	var args []any
	if filter.SlotID != "" {
		q += ` AND slot_id = ?`
		args = append(args, filter.SlotID)
	}
	if len(filter.States) > 0 {
		q += ` AND state IN ` + inClause(len(filter.States))
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		// Time bounds are applied in Go so both dialects compare the same way.
		if store.MatchReservation(r, filter) {
			out = append(out, *r)
		}
	}
	return out, rows.Err()
}

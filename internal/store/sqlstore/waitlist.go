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

const entryColumns = `id, slot_id, user_id, priority, auto_book, joined_at, state,
	claim_expires_at, reservation_id, updated_at`

func scanEntry(row rowScanner) (*models.WaitlistEntry, error) {
	var (
		e       models.WaitlistEntry
		claimAt sql.NullTime
		state   string
	)
	if err := row.Scan(
		&e.ID, &e.SlotID, &e.UserID, &e.Priority, &e.AutoBook, &e.JoinedAt, &state,
		&claimAt, &e.ReservationID, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.State = models.EntryState(state)
	e.ClaimExpiresAt = timePtr(claimAt)
	e.JoinedAt = e.JoinedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// CreateEntry inserts a waitlist entry. The partial unique index rejects a
// second queued entry for the same user and slot.
func (s *Store) CreateEntry(ctx context.Context, e *models.WaitlistEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.JoinedAt
	}
	_, err := s.exec(ctx, `INSERT INTO waitlist_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SlotID, e.UserID, e.Priority, e.AutoBook, e.JoinedAt.UTC(), string(e.State),
		nullTime(e.ClaimExpiresAt), e.ReservationID, e.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return models.ErrAlreadyQueued
	}
	if err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

// GetEntry returns the waitlist entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*models.WaitlistEntry, error) {
	e, err := scanEntry(s.queryRow(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("waitlist entry %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	return e, nil
}

// CompareAndSetEntry updates e if the stored state still equals expected.
func (s *Store) CompareAndSetEntry(ctx context.Context, e *models.WaitlistEntry, expected models.EntryState) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, `
		UPDATE waitlist_entries SET state = ?, claim_expires_at = ?, reservation_id = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(e.State), nullTime(e.ClaimExpiresAt), e.ReservationID, e.UpdatedAt.UTC(), e.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update waitlist entry: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetEntry(ctx, e.ID); err != nil {
			return err
		}
		return store.ErrStateChanged
	}
	return nil
}

// ListEntries returns entries matching filter in queue order.
func (s *Store) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.WaitlistEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM waitlist_entries WHERE 1=1`
	var args []any
	if filter.SlotID != "" {
		q += ` AND slot_id = ?`
		args = append(args, filter.SlotID)
	}
	if filter.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if len(filter.States) > 0 {
		q += ` AND state IN ` + inClause(len(filter.States))
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list waitlist entries: %w", err)
	}
	defer rows.Close()

	var out []models.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waitlist entry: %w", err)
		}
		if store.MatchEntry(e, filter) {
			out = append(out, *e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	models.SortQueue(out)
	return out, nil
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"reservo/internal/models"
	"reservo/internal/store"
)

// ExternalEventSeen reports whether the facility event id is in the log.
func (s *Store) ExternalEventSeen(ctx context.Context, sourceEventID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM external_events WHERE source_event_id = ?`, sourceEventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup external event: %w", err)
	}
	return n > 0, nil
}

// CompareAndSwapSlotWithEvent records the event id and updates the slot in one transaction.
func (s *Store) CompareAndSwapSlotWithEvent(ctx context.Context, slot *models.Slot, expectedVersion int64, sourceEventID string, at time.Time) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO external_events (source_event_id, slot_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (source_event_id) DO NOTHING`),
		sourceEventID, slot.ID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record external event: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicateEvent
	}

	now := time.Now().UTC()
	res, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE slots SET facility_id = ?, total_capacity = ?, held_count = ?, confirmed_count = ?,
			external_count = ?, start_time = ?, requires_approval = ?, allows_pro_priority = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		slot.FacilityID, slot.TotalCapacity, slot.HeldCount, slot.ConfirmedCount,
		slot.ExternalCount, slot.StartTime.UTC(), slot.RequiresFacilityApproval, slot.AllowsProPriority,
		now, slot.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if n, err = affected(res); err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM slots WHERE id = ?`), slot.ID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup slot: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("slot %s: %w", slot.ID, models.ErrNotFound)
		}
		return store.ErrStateChanged
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	slot.Version = expectedVersion + 1
	slot.UpdatedAt = now
	return nil
}

// RecordExternalEvent stores a facility event id; the second delivery of the same id reports false.
func (s *Store) RecordExternalEvent(ctx context.Context, sourceEventID, slotID string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO external_events (source_event_id, slot_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (source_event_id) DO NOTHING`,
		sourceEventID, slotID, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record external event: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EnqueueSyncTask adds a push task to the outbox.
func (s *Store) EnqueueSyncTask(ctx context.Context, t *store.SyncTask) error {
	if t.Status == "" {
		t.Status = store.SyncPending
	}
	_, err := s.exec(ctx, `
		INSERT INTO sync_queue (id, reservation_id, slot_id, status, retry_count, last_error, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ReservationID, t.SlotID, t.Status, t.Attempts, t.LastError, t.NextAttemptAt.UTC(), t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue sync task: %w", err)
	}
	return nil
}

// DueSyncTasks returns pending tasks whose next attempt is at or before now.
func (s *Store) DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]store.SyncTask, error) {
	rows, err := s.query(ctx, `
		SELECT id, reservation_id, slot_id, status, retry_count, last_error, next_retry_at, created_at, processed_at
		FROM sync_queue WHERE status = ?`, store.SyncPending)
	if err != nil {
		return nil, fmt.Errorf("query sync queue: %w", err)
	}
	defer rows.Close()

	var tasks []store.SyncTask
	for rows.Next() {
		var (
			t         store.SyncTask
			processed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.ReservationID, &t.SlotID, &t.Status, &t.Attempts, &t.LastError,
			&t.NextAttemptAt, &t.CreatedAt, &processed); err != nil {
			return nil, fmt.Errorf("scan sync task: %w", err)
		}
		t.ProcessedAt = timePtr(processed)
		t.NextAttemptAt = t.NextAttemptAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		if t.NextAttemptAt.After(now) {
			continue
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].NextAttemptAt.Before(tasks[j].NextAttemptAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// UpdateSyncTask persists the task's status and retry bookkeeping.
func (s *Store) UpdateSyncTask(ctx context.Context, t *store.SyncTask) error {
	res, err := s.exec(ctx, `
		UPDATE sync_queue SET status = ?, retry_count = ?, last_error = ?, next_retry_at = ?, processed_at = ?
		WHERE id = ?`,
		t.Status, t.Attempts, t.LastError, t.NextAttemptAt.UTC(), nullTime(t.ProcessedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync task: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sync task %s: %w", t.ID, models.ErrNotFound)
	}
	return nil
}

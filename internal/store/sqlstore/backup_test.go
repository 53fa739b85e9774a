package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/models"
)

func TestBackup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateSlot(ctx, &models.Slot{ID: "court-1", FacilityID: "club-7", TotalCapacity: 2}))

	dir := filepath.Join(t.TempDir(), "backups")
	b := NewBackupService(s, BackupConfig{Dir: dir, RetentionDays: 7}, nil)

	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	path, err := b.Backup(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "reservo_20260701_080000.db"), path)

	restored, err := Open(DriverSQLite, path, nil)
	require.NoError(t, err)
	defer restored.Close()
	slot, err := restored.GetSlot(ctx, "court-1")
	require.NoError(t, err)
	assert.Equal(t, 2, slot.TotalCapacity)
}

func TestBackupCleanup(t *testing.T) {
	dir := t.TempDir()
	b := NewBackupService(newTestStore(t), BackupConfig{Dir: dir, RetentionDays: 7}, nil)
	now := time.Now()

	old := filepath.Join(dir, "reservo_old.db")
	fresh := filepath.Join(dir, "reservo_fresh.db")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}
	past := now.AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	assert.Equal(t, 1, b.Cleanup(now))
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestBackupRejectsPostgres(t *testing.T) {
	b := NewBackupService(&Store{driver: DriverPostgres}, BackupConfig{}, nil)
	_, err := b.Backup(context.Background(), time.Now())
	assert.Error(t, err)
}

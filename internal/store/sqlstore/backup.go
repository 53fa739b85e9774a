package sqlstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// BackupConfig controls periodic SQLite snapshots.
type BackupConfig struct {
	Dir           string
	Interval      time.Duration
	RetentionDays int
}

// BackupService writes consistent SQLite snapshots with VACUUM INTO and
// removes snapshots older than the retention period.
type BackupService struct {
	store  *Store
	cfg    BackupConfig
	logger zerolog.Logger
}

func NewBackupService(s *Store, cfg BackupConfig, logger *zerolog.Logger) *BackupService {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Dir == "" {
		cfg.Dir = "data/backups"
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "backup").Logger()
	}
	return &BackupService{store: s, cfg: cfg, logger: l}
}

// Run takes a snapshot immediately and then every interval until ctx is done.
func (b *BackupService) Run(ctx context.Context) {
	if b.store.driver != DriverSQLite {
		b.logger.Info().Str("driver", b.store.driver).Msg("backups only run for sqlite, skipped")
		return
	}
	b.logger.Info().Dur("interval", b.cfg.Interval).Str("dir", b.cfg.Dir).Msg("backup service started")

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := b.Backup(ctx, time.Now()); err != nil && ctx.Err() == nil {
			b.logger.Error().Err(err).Msg("backup failed")
		}
		b.Cleanup(time.Now())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Backup writes a snapshot named after now and returns its path.
func (b *BackupService) Backup(ctx context.Context, now time.Time) (string, error) {
	if b.store.driver != DriverSQLite {
		return "", fmt.Errorf("backup: unsupported driver %q", b.store.driver)
	}
	if err := os.MkdirAll(b.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	path := filepath.Join(b.cfg.Dir, fmt.Sprintf("reservo_%s.db", now.UTC().Format("20060102_150405")))
	if _, err := b.store.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	b.logger.Info().Str("path", path).Msg("backup written")
	return path, nil
}

// Cleanup removes snapshots older than the retention period. It returns the number removed.
func (b *BackupService) Cleanup(now time.Time) int {
	if b.cfg.RetentionDays <= 0 {
		return 0
	}
	files, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		b.logger.Error().Err(err).Msg("read backup directory")
		return 0
	}

	cutoff := now.AddDate(0, 0, -b.cfg.RetentionDays)
	removed := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasPrefix(f.Name(), "reservo_") || !strings.HasSuffix(f.Name(), ".db") {
			continue
		}
		info, err := f.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.cfg.Dir, f.Name())); err != nil {
			b.logger.Warn().Err(err).Str("file", f.Name()).Msg("remove old backup")
			continue
		}
		removed++
	}
	return removed
}

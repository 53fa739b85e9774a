// Package sqlstore implements store.Store on database/sql for SQLite and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"reservo/internal/store"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Store is a SQL-backed reservation store.
type Store struct {
	*sql.DB
	driver string
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and creates tables if they don't exist.
// For sqlite3 the dsn is a file path; for pgx it is a connection string.
func Open(driver, dsn string, logger *zerolog.Logger) (*Store, error) {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "sqlstore").Logger()
	}

	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{DB: db, driver: driver, logger: l}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	l.Info().Str("driver", driver).Msg("Database initialized")
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	ts := "DATETIME"
	if s.driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS slots (
			id TEXT PRIMARY KEY,
			facility_id TEXT NOT NULL DEFAULT '',
			total_capacity INTEGER NOT NULL,
			held_count INTEGER NOT NULL DEFAULT 0,
			confirmed_count INTEGER NOT NULL DEFAULT 0,
			external_count INTEGER NOT NULL DEFAULT 0,
			start_time ` + ts + ` NOT NULL,
			requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
			allows_pro_priority BOOLEAN NOT NULL DEFAULT FALSE,
			version INTEGER NOT NULL DEFAULT 1,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slots_start ON slots(start_time)`,

		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			slot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			expires_at ` + ts + `,
			decided_at ` + ts + `,
			decided_by TEXT NOT NULL DEFAULT '',
			waitlist_entry_id TEXT NOT NULL DEFAULT '',
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_slot_state ON reservations(slot_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_state ON reservations(state)`,

		`CREATE TABLE IF NOT EXISTS waitlist_entries (
			id TEXT PRIMARY KEY,
			slot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			priority INTEGER NOT NULL,
			auto_book BOOLEAN NOT NULL DEFAULT FALSE,
			joined_at ` + ts + ` NOT NULL,
			state TEXT NOT NULL,
			claim_expires_at ` + ts + `,
			reservation_id TEXT NOT NULL DEFAULT '',
			updated_at ` + ts + ` NOT NULL
		)`,
		// One queued entry per user and slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_waitlist_queued
			ON waitlist_entries(slot_id, user_id) WHERE state IN ('active', 'claiming')`,
		`CREATE INDEX IF NOT EXISTS idx_waitlist_slot_state ON waitlist_entries(slot_id, state)`,

		`CREATE TABLE IF NOT EXISTS external_events (
			source_event_id TEXT PRIMARY KEY,
			slot_id TEXT NOT NULL,
			received_at ` + ts + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			reservation_id TEXT NOT NULL,
			slot_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			next_retry_at ` + ts + ` NOT NULL,
			created_at ` + ts + ` NOT NULL,
			processed_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_next_retry ON sync_queue(next_retry_at)`,
	}

	for _, q := range queries {
		if _, err := s.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(q), err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.PingContext(ctx)
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.ExecContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.QueryRowContext(ctx, s.rebind(q), args...)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// inClause returns "(?, ?, ...)" with n placeholders.
func inClause(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		return q[:i]
	}
	return q
}

package sqlstore

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservo/internal/store"
	"reservo/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := zerolog.New(io.Discard)
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "reservo.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "x", nil)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	lite := &Store{driver: DriverSQLite}
	q := `UPDATE slots SET held_count = ? WHERE id = ? AND version = ?`

	assert.Equal(t, `UPDATE slots SET held_count = $1 WHERE id = $2 AND version = $3`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestInClause(t *testing.T) {
	assert.Equal(t, "(?)", inClause(1))
	assert.Equal(t, "(?, ?, ?)", inClause(3))
}

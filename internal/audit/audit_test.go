package audit

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"reservo/internal/models"
	"reservo/internal/store"
	"reservo/internal/store/memory"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	require.NoError(t, st.CreateSlot(ctx, &models.Slot{
		ID: "court-1", FacilityID: "club-7", TotalCapacity: 2, ConfirmedCount: 1,
		StartTime: t0.Add(24 * time.Hour), RequiresFacilityApproval: true, Version: 3,
	}))
	exp := t0.Add(5 * time.Minute)
	decided := t0.Add(time.Minute)
	require.NoError(t, st.CreateReservation(ctx, &models.Reservation{
		ID: "res-1", SlotID: "court-1", UserID: "u1", State: models.ReservationConfirmed,
		CreatedAt: t0, ExpiresAt: &exp, DecidedAt: &decided, DecidedBy: "club-7", UpdatedAt: decided,
	}))
	require.NoError(t, st.CreateReservation(ctx, &models.Reservation{
		ID: "res-2", SlotID: "court-1", UserID: "u2", State: models.ReservationDeclined,
		CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, st.CreateEntry(ctx, &models.WaitlistEntry{
		ID: "wl-1", SlotID: "court-1", UserID: "u3", Priority: models.PriorityPro,
		JoinedAt: t0, State: models.EntryActive, UpdatedAt: t0,
	}))
	return st
}

func TestExport(t *testing.T) {
	st := seed(t)
	e := NewExporter(st, nil)

	var buf bytes.Buffer
	sum, err := e.Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, Summary{Slots: 1, Reservations: 2, Entries: 1}, sum)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetSlots, sheetReservations, sheetWaitlist}, f.GetSheetList())

	rows, err := f.GetRows(sheetSlots)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, slotColumns, rows[0])
	assert.Equal(t, "court-1", rows[1][0])
	assert.Equal(t, "2026-07-02 08:00:00", rows[1][2])
	assert.Equal(t, "2", rows[1][3])
	assert.Equal(t, "TRUE", rows[1][7])

	rows, err = f.GetRows(sheetReservations)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, reservationColumns, rows[0])
	byID := map[string][]string{}
	for _, r := range rows[1:] {
		byID[r[0]] = r
	}
	assert.Equal(t, "CONFIRMED", byID["res-1"][3])
	assert.Equal(t, "2026-07-01 08:05:00", byID["res-1"][5])
	assert.Equal(t, "club-7", byID["res-1"][7])
	assert.Equal(t, "DECLINED", byID["res-2"][3])

	rows, err = f.GetRows(sheetWaitlist)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "pro", rows[1][3])
	assert.Equal(t, "active", rows[1][5])
}

func TestExportEmptyStore(t *testing.T) {
	var buf bytes.Buffer
	sum, err := NewExporter(memory.New(), nil).Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheetWaitlist)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestExportToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename(t0))
	assert.Equal(t, "reservo_2026-07-01.xlsx", filepath.Base(path))

	sum, err := NewExporter(seed(t), nil).ExportToFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Reservations)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheetReservations)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

type failingSource struct{ *memory.Store }

func (failingSource) ListReservations(context.Context, store.ReservationFilter) ([]models.Reservation, error) {
	return nil, errors.New("db down")
}

func TestExportSourceError(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewExporter(failingSource{memory.New()}, nil).Export(context.Background(), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list reservations")
	assert.Zero(t, buf.Len())
}

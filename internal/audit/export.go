// Package audit exports reservation and waitlist history to XLSX workbooks.
// Terminal rows are kept in the store, so the export is a full history.
package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/models"
	"reservo/internal/store"
)

// Source is the read side of the store used by the exporter.
type Source interface {
	ListSlots(ctx context.Context, from time.Time) ([]models.Slot, error)
	ListReservations(ctx context.Context, filter store.ReservationFilter) ([]models.Reservation, error)
	ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.WaitlistEntry, error)
}

// Summary counts exported rows per sheet.
type Summary struct {
	Slots        int
	Reservations int
	Entries      int
}

const (
	sheetSlots        = "Slots"
	sheetReservations = "Reservations"
	sheetWaitlist     = "Waitlist"
	timeLayout        = "2006-01-02 15:04:05"
)

var (
	slotColumns = []string{
		"slot_id", "facility_id", "start_time", "total_capacity", "held", "confirmed", "external",
		"requires_approval", "allows_pro_priority", "version", "updated_at",
	}
	reservationColumns = []string{
		"reservation_id", "slot_id", "user_id", "state", "created_at", "expires_at",
		"decided_at", "decided_by", "waitlist_entry_id", "updated_at",
	}
	entryColumns = []string{
		"entry_id", "slot_id", "user_id", "priority", "auto_book", "state", "joined_at",
		"claim_expires_at", "reservation_id", "updated_at",
	}
)

// Exporter writes store contents to a workbook.
type Exporter struct {
	source Source
	logger zerolog.Logger
}

// NewExporter creates an exporter.
func NewExporter(source Source, logger *zerolog.Logger) *Exporter {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "audit").Logger()
	}
	return &Exporter{source: source, logger: l}
}

// DefaultFilename returns a name like "reservo_2026-07-01.xlsx".
func DefaultFilename(t time.Time) string {
	return fmt.Sprintf("reservo_%s.xlsx", t.Format("2006-01-02"))
}

// Export writes the Slots, Reservations and Waitlist sheets to wr.
func (e *Exporter) Export(ctx context.Context, wr io.Writer) (Summary, error) {
	var sum Summary

	slots, err := e.source.ListSlots(ctx, time.Time{})
	if err != nil {
		return sum, fmt.Errorf("list slots: %w", err)
	}
	reservations, err := e.source.ListReservations(ctx, store.ReservationFilter{})
	if err != nil {
		return sum, fmt.Errorf("list reservations: %w", err)
	}
	entries, err := e.source.ListEntries(ctx, store.EntryFilter{})
	if err != nil {
		return sum, fmt.Errorf("list waitlist entries: %w", err)
	}

	w := newSheetWriter()
	defer func() { _ = w.close() }()

	if err := w.addSheet(sheetSlots); err != nil {
		return sum, err
	}
	if err := w.writeHeader(slotColumns); err != nil {
		return sum, err
	}
	for i := range slots {
		if err := w.writeRow(slotRow(&slots[i])); err != nil {
			return sum, err
		}
	}
	sum.Slots = len(slots)

	if err := w.addSheet(sheetReservations); err != nil {
		return sum, err
	}
	if err := w.writeHeader(reservationColumns); err != nil {
		return sum, err
	}
	for i := range reservations {
		if err := w.writeRow(reservationRow(&reservations[i])); err != nil {
			return sum, err
		}
	}
	sum.Reservations = len(reservations)

	if err := w.addSheet(sheetWaitlist); err != nil {
		return sum, err
	}
	if err := w.writeHeader(entryColumns); err != nil {
		return sum, err
	}
	for i := range entries {
		if err := w.writeRow(entryRow(&entries[i])); err != nil {
			return sum, err
		}
	}
	sum.Entries = len(entries)

	if err := w.save(wr); err != nil {
		return sum, fmt.Errorf("write workbook: %w", err)
	}
	e.logger.Info().
		Int("slots", sum.Slots).
		Int("reservations", sum.Reservations).
		Int("entries", sum.Entries).
		Msg("audit export written")
	return sum, nil
}

// ExportToFile writes the workbook to path.
func (e *Exporter) ExportToFile(ctx context.Context, path string) (Summary, error) {
	f, err := os.Create(path)
	if err != nil {
		return Summary{}, fmt.Errorf("create %s: %w", path, err)
	}
	sum, err := e.Export(ctx, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return sum, err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func slotRow(s *models.Slot) []interface{} {
	return []interface{}{
		s.ID, s.FacilityID, formatTime(s.StartTime), s.TotalCapacity, s.HeldCount, s.ConfirmedCount,
		s.ExternalCount, s.RequiresFacilityApproval, s.AllowsProPriority, s.Version, formatTime(s.UpdatedAt),
	}
}

func reservationRow(r *models.Reservation) []interface{} {
	return []interface{}{
		r.ID, r.SlotID, r.UserID, string(r.State), formatTime(r.CreatedAt), formatTimePtr(r.ExpiresAt),
		formatTimePtr(r.DecidedAt), r.DecidedBy, r.WaitlistEntryID, formatTime(r.UpdatedAt),
	}
}

func entryRow(e *models.WaitlistEntry) []interface{} {
	priority := "standard"
	if e.Priority == models.PriorityPro {
		priority = "pro"
	}
	return []interface{}{
		e.ID, e.SlotID, e.UserID, priority, e.AutoBook, string(e.State), formatTime(e.JoinedAt),
		formatTimePtr(e.ClaimExpiresAt), e.ReservationID, formatTime(e.UpdatedAt),
	}
}

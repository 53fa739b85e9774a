package facility

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const defaultSheetRange = "Reservations!A:H"

// SheetsPusher appends confirmed reservations to a Google spreadsheet.
type SheetsPusher struct {
	values        *sheets.SpreadsheetsValuesService
	spreadsheetID string
	writeRange    string
}

// NewSheetsPusher authenticates with a service account credentials file.
func NewSheetsPusher(ctx context.Context, credentialsFile, spreadsheetID, writeRange string) (*SheetsPusher, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	if writeRange == "" {
		writeRange = defaultSheetRange
	}
	return &SheetsPusher{
		values:        srv.Spreadsheets.Values,
		spreadsheetID: spreadsheetID,
		writeRange:    writeRange,
	}, nil
}

// PushReservation appends one row per confirmed reservation.
func (s *SheetsPusher) PushReservation(ctx context.Context, p ReservationPush) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{reservationRowValues(p)}}
	_, err := s.values.Append(s.spreadsheetID, s.writeRange, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	return nil
}

func reservationRowValues(p ReservationPush) []interface{} {
	start := ""
	if !p.StartTime.IsZero() {
		start = p.StartTime.UTC().Format("2006-01-02 15:04")
	}
	return []interface{}{
		p.ReservationID,
		p.SlotID,
		p.FacilityID,
		p.UserID,
		p.State,
		p.DecidedBy,
		start,
		p.ConfirmedAt.UTC().Format(time.DateTime),
	}
}

// Fanout pushes to several targets and stops at the first failure.
type Fanout []Pusher

// PushReservation implements Pusher.
func (f Fanout) PushReservation(ctx context.Context, p ReservationPush) error {
	for _, t := range f {
		if err := t.PushReservation(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

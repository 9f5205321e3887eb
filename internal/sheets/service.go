// Package sheets appends created accounting documents to a Google Sheet.
package sheets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"lexsync/internal/logger"
	"lexsync/pkg/services"
)

// DefaultWorksheet is the default sheet name of the journal.
const DefaultWorksheet = "Buchungsjournal"

var headers = []interface{}{
	"Gebucht", "Belegart", "Belegnummer", "Beleg-ID", "Bestellung", "Kunde", "Brutto", "Währung",
}

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// Journal is a services.BookingJournal backed by Google Sheets.
type Journal struct {
	sheetsService *sheets.Service
	spreadsheetID string
	worksheet     string
	location      *time.Location
	log           zerolog.Logger

	mu            sync.Mutex
	headerChecked bool
}

// NewJournal creates a journal on the sheet at sheetURL. Credentials come
// from GOOGLE_APPLICATION_CREDENTIALS (file) or GOOGLE_CREDENTIALS (inline JSON).
func NewJournal(ctx context.Context, sheetURL, worksheet string) (*Journal, error) {
	const op = "sheets.NewJournal"

	log := logger.WithComponent("sheets")

	spreadsheetID, err := extractSpreadsheetID(sheetURL)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to extract spreadsheet ID: %w", op, err)
	}
	log.Debug().Str("spreadsheet_id", spreadsheetID).Msg("Extracted spreadsheet ID")

	var creds []byte
	if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
		creds, err = os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read credentials file: %w", op, err)
		}
	} else if credsJSON := os.Getenv("GOOGLE_CREDENTIALS"); credsJSON != "" {
		creds = []byte(credsJSON)
	} else {
		return nil, fmt.Errorf("%s: neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_CREDENTIALS is set", op)
	}

	config, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse credentials: %w", op, err)
	}

	sheetsService, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create sheets service: %w", op, err)
	}

	return newJournal(sheetsService, spreadsheetID, worksheet), nil
}

func newJournal(svc *sheets.Service, spreadsheetID, worksheet string) *Journal {
	if worksheet == "" {
		worksheet = DefaultWorksheet
	}
	location, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		location = time.UTC
	}
	return &Journal{
		sheetsService: svc,
		spreadsheetID: spreadsheetID,
		worksheet:     worksheet,
		location:      location,
		log:           logger.WithComponent("sheets"),
	}
}

// extractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL
func extractSpreadsheetID(url string) (string, error) {
	matches := spreadsheetIDPattern.FindStringSubmatch(url)
	if len(matches) < 2 {
		return "", fmt.Errorf("invalid Google Sheets URL format")
	}
	return matches[1], nil
}

// Record appends entry as one row. The header row is written on first use.
func (j *Journal) Record(ctx context.Context, entry services.BookingEntry) error {
	const op = "sheets.Record"

	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.headerChecked {
		if err := j.ensureHeaders(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		j.headerChecked = true
	}

	valueRange := &sheets.ValueRange{Values: [][]interface{}{j.rowValues(entry)}}
	_, err := j.sheetsService.Spreadsheets.Values.Append(
		j.spreadsheetID,
		j.worksheet+"!A:H",
		valueRange,
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to append row: %w", op, err)
	}

	j.log.Info().
		Str("document_type", entry.DocumentType).
		Str("document_id", entry.DocumentID).
		Str("order_number", entry.OrderNumber).
		Msg("Recorded booking in Google Sheet")
	return nil
}

// rowValues converts an entry to sheet cells in German notation.
func (j *Journal) rowValues(entry services.BookingEntry) []interface{} {
	docType := "Rechnung"
	if entry.DocumentType == services.DocumentCreditNote {
		docType = "Gutschrift"
	}
	number := entry.DocumentNumber
	if number == "" {
		number = "(ausstehend)"
	}
	gross := strings.Replace(entry.GrossAmount, ".", ",", 1)

	return []interface{}{
		entry.BookedAt.In(j.location).Format("02.01.2006 15:04:05"), // A: Gebucht
		docType,                           // B: Belegart
		number,                            // C: Belegnummer
		entry.DocumentID,                  // D: Beleg-ID
		entry.OrderNumber,                 // E: Bestellung
		entry.Customer,                    // F: Kunde
		gross,                             // G: Brutto
		normalizeCurrency(entry.Currency), // H: Währung
	}
}

func (j *Journal) ensureHeaders(ctx context.Context) error {
	const op = "ensureHeaders"

	spreadsheet, err := j.sheetsService.Spreadsheets.Get(j.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get spreadsheet: %w", op, err)
	}

	exists := false
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == j.worksheet {
			exists = true
			break
		}
	}

	if !exists {
		j.log.Info().Str("sheet", j.worksheet).Msg("Creating new sheet")
		req := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: j.worksheet}}},
			},
		}
		if _, err := j.sheetsService.Spreadsheets.BatchUpdate(j.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("%s: failed to create sheet: %w", op, err)
		}
	}

	headerRange := j.worksheet + "!A1:H1"
	resp, err := j.sheetsService.Spreadsheets.Values.Get(j.spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get headers: %w", op, err)
	}
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		return nil
	}

	_, err = j.sheetsService.Spreadsheets.Values.Update(
		j.spreadsheetID,
		headerRange,
		&sheets.ValueRange{Values: [][]interface{}{headers}},
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to add headers: %w", op, err)
	}
	return nil
}

// normalizeCurrency standardizes currency codes to ISO codes
func normalizeCurrency(currency string) string {
	normalized := strings.ToUpper(strings.TrimSpace(currency))
	switch normalized {
	case "", "€", "EURO":
		return "EUR"
	case "$", "US$":
		return "USD"
	case "£":
		return "GBP"
	}
	return normalized
}

package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"lexsync/pkg/services"
)

func TestExtractSpreadsheetID(t *testing.T) {
	id, err := extractSpreadsheetID("https://docs.google.com/spreadsheets/d/1AbC-d_9/edit#gid=0")
	require.NoError(t, err)
	assert.Equal(t, "1AbC-d_9", id)

	_, err = extractSpreadsheetID("https://example.com/not-a-sheet")
	assert.Error(t, err)
}

func TestRowValues(t *testing.T) {
	j := newJournal(nil, "id", "")
	assert.Equal(t, DefaultWorksheet, j.worksheet)

	row := j.rowValues(services.BookingEntry{
		DocumentType: services.DocumentCreditNote,
		DocumentID:   "cn-1",
		OrderNumber:  "1001",
		Customer:     "ACME GmbH",
		GrossAmount:  "-119.00",
		Currency:     "eur",
		BookedAt:     time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC),
	})

	assert.Equal(t, []interface{}{
		"02.03.2024 00:30:00", "Gutschrift", "(ausstehend)", "cn-1", "1001", "ACME GmbH", "-119,00", "EUR",
	}, row)
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "EUR", normalizeCurrency(""))
	assert.Equal(t, "EUR", normalizeCurrency("€"))
	assert.Equal(t, "USD", normalizeCurrency("$"))
	assert.Equal(t, "CHF", normalizeCurrency(" chf "))
}

// fakeSheetsAPI serves the few Sheets endpoints the journal uses.
type fakeSheetsAPI struct {
	mu       sync.Mutex
	created  bool
	headers  [][]interface{}
	appended [][]interface{}
}

func (f *fakeSheetsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/spreadsheets/sheet-1"):
		sheetList := []*sheets.Sheet{{Properties: &sheets.SheetProperties{Title: "Other"}}}
		if f.created {
			sheetList = append(sheetList, &sheets.Sheet{Properties: &sheets.SheetProperties{Title: DefaultWorksheet}})
		}
		_ = json.NewEncoder(w).Encode(&sheets.Spreadsheet{SpreadsheetId: "sheet-1", Sheets: sheetList})
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":batchUpdate"):
		f.created = true
		_ = json.NewEncoder(w).Encode(&sheets.BatchUpdateSpreadsheetResponse{SpreadsheetId: "sheet-1"})
	case r.Method == http.MethodGet && strings.Contains(path, "/values/"):
		_ = json.NewEncoder(w).Encode(&sheets.ValueRange{Values: f.headers})
	case r.Method == http.MethodPut && strings.Contains(path, "/values/"):
		var vr sheets.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.headers = vr.Values
		_ = json.NewEncoder(w).Encode(&sheets.UpdateValuesResponse{})
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":append"):
		var vr sheets.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.appended = append(f.appended, vr.Values...)
		_ = json.NewEncoder(w).Encode(&sheets.AppendValuesResponse{})
	default:
		http.Error(w, "unexpected "+r.Method+" "+path, http.StatusNotFound)
	}
}

func TestRecordCreatesSheetAndAppendsRows(t *testing.T) {
	api := &fakeSheetsAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx := context.Background()
	svc, err := sheets.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	j := newJournal(svc, "sheet-1", "")

	entry := services.BookingEntry{
		DocumentType:   services.DocumentInvoice,
		DocumentID:     "inv-1",
		DocumentNumber: "RE-1",
		OrderNumber:    "1001",
		Customer:       "Erika Mustermann",
		GrossAmount:    "119.00",
		Currency:       "EUR",
		BookedAt:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, j.Record(ctx, entry))
	entry.DocumentNumber = "RE-2"
	require.NoError(t, j.Record(ctx, entry))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.True(t, api.created)
	require.Len(t, api.headers, 1)
	assert.Equal(t, "Gebucht", api.headers[0][0])
	require.Len(t, api.appended, 2)
	assert.Equal(t, "RE-1", api.appended[0][2])
	assert.Equal(t, "RE-2", api.appended[1][2])
	assert.Equal(t, "119,00", api.appended[0][6])
}

package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/vipul43/voucher-worker/internal/dedup"
	"github.com/vipul43/voucher-worker/internal/models"
)

type fakeSheet struct {
	id     int64
	hidden bool
	rows   [][]string
}

// fakeSpreadsheet serves the subset of the Sheets API the store uses
type fakeSpreadsheet struct {
	mu         sync.Mutex
	order      []string
	sheets     map[string]*fakeSheet
	nextID     int64
	appendCode int
	formats    int
}

func newFakeSpreadsheet(titles ...string) *fakeSpreadsheet {
	f := &fakeSpreadsheet{sheets: map[string]*fakeSheet{}, nextID: 100}
	for _, title := range titles {
		f.add(title, false)
	}
	return f
}

func (f *fakeSpreadsheet) add(title string, hidden bool) *fakeSheet {
	f.nextID++
	sh := &fakeSheet{id: f.nextID, hidden: hidden}
	f.sheets[title] = sh
	f.order = append(f.order, title)
	return sh
}

func (f *fakeSpreadsheet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/v4/spreadsheets/")
	switch {
	case r.Method == http.MethodGet && !strings.Contains(rest, "/"):
		f.getSpreadsheet(w)
	case r.Method == http.MethodPost && strings.HasSuffix(rest, ":batchUpdate"):
		f.batchUpdate(w, r)
	case strings.Contains(rest, "/values/"):
		rng := rest[strings.Index(rest, "/values/")+len("/values/"):]
		f.values(w, r, rng)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeSpreadsheet) getSpreadsheet(w http.ResponseWriter) {
	resp := &sheets.Spreadsheet{}
	for _, title := range f.order {
		sh := f.sheets[title]
		resp.Sheets = append(resp.Sheets, &sheets.Sheet{
			Properties: &sheets.SheetProperties{SheetId: sh.id, Title: title, Hidden: sh.hidden},
		})
	}
	writeJSON(w, resp)
}

func (f *fakeSpreadsheet) batchUpdate(w http.ResponseWriter, r *http.Request) {
	var req sheets.BatchUpdateSpreadsheetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	resp := &sheets.BatchUpdateSpreadsheetResponse{}
	for _, rq := range req.Requests {
		reply := &sheets.Response{}
		switch {
		case rq.AddSheet != nil:
			title := rq.AddSheet.Properties.Title
			sh := f.add(title, rq.AddSheet.Properties.Hidden)
			reply.AddSheet = &sheets.AddSheetResponse{
				Properties: &sheets.SheetProperties{SheetId: sh.id, Title: title, Hidden: sh.hidden},
			}
		case rq.RepeatCell != nil:
			f.formats++
		}
		resp.Replies = append(resp.Replies, reply)
	}
	writeJSON(w, resp)
}

func (f *fakeSpreadsheet) values(w http.ResponseWriter, r *http.Request, rng string) {
	appendCall := strings.HasSuffix(rng, ":append")
	rng = strings.TrimSuffix(rng, ":append")

	title, cells, _ := strings.Cut(rng, "!")
	title = strings.ReplaceAll(strings.Trim(title, "'"), "''", "'")
	sh, ok := f.sheets[title]
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rows := sh.rows
		if cells == "1:1" && len(rows) > 1 {
			rows = rows[:1]
		}
		resp := &sheets.ValueRange{Range: rng}
		for _, row := range rows {
			out := make([]interface{}, len(row))
			for i, c := range row {
				out[i] = c
			}
			resp.Values = append(resp.Values, out)
		}
		writeJSON(w, resp)

	case http.MethodPut, http.MethodPost:
		if appendCall && f.appendCode != 0 && title != "_sync_state" {
			writeError(w, f.appendCode)
			return
		}

		var body sheets.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
		var rows [][]string
		for _, row := range body.Values {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = fmt.Sprint(c)
			}
			rows = append(rows, cells)
		}

		if appendCall {
			sh.rows = append(sh.rows, rows...)
		} else {
			start := rowOf(cells)
			for i, row := range rows {
				for len(sh.rows) < start+i {
					sh.rows = append(sh.rows, nil)
				}
				sh.rows[start+i-1] = row
			}
		}
		writeJSON(w, map[string]any{"spreadsheetId": "sheet-1"})

	default:
		http.NotFound(w, r)
	}
}

// rowOf extracts the row of the first cell in an A1 range such as "A5:C5"
func rowOf(cells string) int {
	first, _, _ := strings.Cut(cells, ":")
	n, _ := strconv.Atoi(strings.TrimLeft(first, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"fake error"}}`, code)
}

func newTestStore(t *testing.T, fake *fakeSpreadsheet) *Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	store, err := NewStore(context.Background(), Config{SpreadsheetID: "sheet-1", Location: ist},
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return store
}

func voucher(brand, code, pin, value string) models.Voucher {
	expiry := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	return models.Voucher{
		Brand:           brand,
		LogoURL:         "https://cdn.gyftr.com/logo/72.png",
		Value:           decimal.RequireFromString(value),
		Code:            code,
		Pin:             pin,
		ExpiryDate:      &expiry,
		EmailDate:       time.Date(2025, 1, 14, 5, 0, 0, 0, time.UTC),
		SourceMessageID: "m-" + code,
		AddedBy:         models.AddedByAutomation,
		CreatedAt:       time.Date(2025, 1, 14, 6, 0, 0, 0, time.UTC),
	}
}

func TestAppendBatch_FreshSheet(t *testing.T) {
	fake := newFakeSpreadsheet("Sheet1")
	store := newTestStore(t, fake)

	err := store.AppendBatch(context.Background(), []models.Voucher{
		voucher("Myntra", "CODE1", "1234", "500"),
		voucher("Amazon Shopping Voucher", "00123", "", "1000.50"),
	})
	require.NoError(t, err)

	rows := fake.sheets["Sheet1"].rows
	require.Len(t, rows, 3)
	assert.Equal(t, canonicalHeaders, rows[0])
	assert.Equal(t, []string{
		"Myntra",
		`=IMAGE("https://cdn.gyftr.com/logo/72.png")`,
		"500",
		"'CODE1",
		"'1234",
		"2025-12-31",
		"2025-01-14 10:30:00",
		"m-CODE1",
		"automation",
		"2025-01-14 11:30:00",
	}, rows[1])
	assert.Equal(t, "'00123", rows[2][3])
	assert.Equal(t, "", rows[2][4])
	assert.Equal(t, "1000.5", rows[2][2])
	assert.Equal(t, 2, fake.formats)
}

func TestAppendBatch_Empty(t *testing.T) {
	fake := newFakeSpreadsheet("Sheet1")
	store := newTestStore(t, fake)

	require.NoError(t, store.AppendBatch(context.Background(), nil))
	assert.Empty(t, fake.sheets["Sheet1"].rows)
}

func TestAppendBatch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		expected error
	}{
		{"conflict", http.StatusConflict, models.ErrWriteConflict},
		{"rejected", http.StatusForbidden, models.ErrWriteFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeSpreadsheet("Sheet1")
			fake.appendCode = tt.code
			store := newTestStore(t, fake)

			err := store.AppendBatch(context.Background(), []models.Voucher{voucher("Myntra", "C", "", "1")})
			assert.ErrorIs(t, err, tt.expected)
			assert.Len(t, fake.sheets["Sheet1"].rows, 1, "only the header row is written")
		})
	}
}

func TestExistingKeys_LegacyHeaders(t *testing.T) {
	fake := newFakeSpreadsheet("Vouchers")
	fake.sheets["Vouchers"].rows = [][]string{
		{"Brand", "Value", "E-Gift Card Code", "PIN", "Valid Till"},
		{"Myntra", "500", "ABC 123", "9999", "31 Dec 2025"},
		{"Amazon Shopping Voucher", "1000", "xyz-1", "", ""},
		{"", "", "", "", ""},
	}
	store := newTestStore(t, fake)

	keys, err := store.ExistingKeys(context.Background())
	require.NoError(t, err)

	assert.Len(t, keys, 2)
	assert.True(t, keys.Has(dedup.KeyFor("Myntra", "ABC123", "9999")))
	assert.True(t, keys.Has(dedup.KeyFor("Amazon Shopping Voucher", "XYZ-1", "")))

	header := fake.sheets["Vouchers"].rows[0]
	assert.Equal(t, []string{
		"Brand", "Value", "E-Gift Card Code", "PIN", "Valid Till",
		"Logo", "Email Date", "Message ID", "Added By", "Created At",
	}, header)
}

func TestAppendBatch_LegacyColumnOrder(t *testing.T) {
	fake := newFakeSpreadsheet("Vouchers")
	fake.sheets["Vouchers"].rows = [][]string{
		{"Brand", "Value", "E-Gift Card Code", "PIN", "Valid Till"},
	}
	store := newTestStore(t, fake)

	require.NoError(t, store.AppendBatch(context.Background(), []models.Voucher{voucher("Myntra", "NEW1", "42", "250")}))

	rows := fake.sheets["Vouchers"].rows
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Myntra", "250", "'NEW1", "'42", "2025-12-31"}, rows[1][:5])
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	fake := newFakeSpreadsheet("Sheet1")
	store := newTestStore(t, fake)
	ctx := context.Background()

	cp, err := store.ReadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.WriteCheckpoint(ctx, "T1"))
	state, ok := fake.sheets["_sync_state"]
	require.True(t, ok)
	assert.True(t, state.hidden)

	cp, err = store.ReadCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "T1", cp.LastSeenToken)
	assert.False(t, cp.UpdatedAt.IsZero())

	require.NoError(t, store.WriteCheckpoint(ctx, "T2"))
	assert.Len(t, state.rows, 1)

	cp, err = store.ReadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T2", cp.LastSeenToken)

	// the voucher sheet is untouched
	assert.Empty(t, fake.sheets["Sheet1"].rows)
}

func TestReadCheckpoint_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		rows [][]string
	}{
		{"blank value", [][]string{{models.CheckpointKey, "", ""}}},
		{"conflicting rows", [][]string{{models.CheckpointKey, "T1", ""}, {models.CheckpointKey, "T2", ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeSpreadsheet("Sheet1")
			fake.add("_sync_state", true).rows = tt.rows
			store := newTestStore(t, fake)

			cp, err := store.ReadCheckpoint(context.Background())
			assert.Nil(t, cp)
			assert.ErrorIs(t, err, models.ErrCheckpointCorrupt)
		})
	}
}

func TestVoucherSheet_SkipsStateSheet(t *testing.T) {
	fake := newFakeSpreadsheet()
	fake.add("_sync_state", true)
	fake.add("Gyftr", false)
	store := newTestStore(t, fake)

	require.NoError(t, store.AppendBatch(context.Background(), []models.Voucher{voucher("Myntra", "C1", "", "10")}))
	assert.Len(t, fake.sheets["Gyftr"].rows, 2)
	assert.Empty(t, fake.sheets["_sync_state"].rows)
}

func TestA1(t *testing.T) {
	assert.Equal(t, "'Sheet1'!A1", a1("Sheet1", "A1"))
	assert.Equal(t, "'Bob''s'!A:C", a1("Bob's", "A:C"))
}

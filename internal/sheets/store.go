// Package sheets persists vouchers to a Google Sheets spreadsheet. Voucher
// rows live in the voucher sheet; the sync checkpoint lives in a hidden
// key/value sheet so it never shows up in voucher views.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/vipul43/voucher-worker/internal/dedup"
	"github.com/vipul43/voucher-worker/internal/models"
)

// Canonical voucher columns, in the order a fresh sheet gets them
const (
	colBrand     = "Brand"
	colLogo      = "Logo"
	colValue     = "Value"
	colCode      = "Code"
	colPin       = "Pin"
	colExpiry    = "Expiry"
	colEmailDate = "Email Date"
	colMessageID = "Message ID"
	colAddedBy   = "Added By"
	colCreatedAt = "Created At"
)

var canonicalHeaders = []string{
	colBrand, colLogo, colValue, colCode, colPin, colExpiry,
	colEmailDate, colMessageID, colAddedBy, colCreatedAt,
}

// headerAliases maps headers written by earlier versions of the sheet
var headerAliases = map[string]string{
	"e-gift card code": colCode,
	"pin":              colPin,
	"valid till":       colExpiry,
}

const (
	userEntered     = "USER_ENTERED"
	raw             = "RAW"
	insertRows      = "INSERT_ROWS"
	timestampLayout = "2006-01-02 15:04:05"
	expiryLayout    = "2006-01-02"
)

// Config selects the spreadsheet and sheets the store writes to
type Config struct {
	SpreadsheetID string
	// VoucherSheet defaults to the first visible sheet
	VoucherSheet string
	StateSheet   string
	Location     *time.Location
}

// Store implements the voucher store over one spreadsheet. It is not safe
// for concurrent runs; the orchestrator serializes them.
type Store struct {
	service *sheets.Service
	cfg     Config

	mu           sync.Mutex
	voucherSheet string
	stateSheetID *int64
}

// NewStore creates a Sheets store. Pass option.WithTokenSource for OAuth
// credentials.
func NewStore(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Store, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	if cfg.StateSheet == "" {
		cfg.StateSheet = "_sync_state"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	sheetsService, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}

	return &Store{service: sheetsService, cfg: cfg, voucherSheet: cfg.VoucherSheet}, nil
}

type sheetInfo struct {
	id     int64
	title  string
	hidden bool
}

func (s *Store) listSheets(ctx context.Context) ([]sheetInfo, error) {
	spreadsheet, err := s.service.Spreadsheets.Get(s.cfg.SpreadsheetID).
		Fields("sheets.properties(sheetId,title,hidden)").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read spreadsheet: %w", err)
	}

	infos := make([]sheetInfo, 0, len(spreadsheet.Sheets))
	for _, sh := range spreadsheet.Sheets {
		if sh.Properties == nil {
			continue
		}
		infos = append(infos, sheetInfo{id: sh.Properties.SheetId, title: sh.Properties.Title, hidden: sh.Properties.Hidden})
	}
	return infos, nil
}

// resolveVoucherSheet returns the voucher sheet title, creating the sheet
// when a configured name does not exist yet.
func (s *Store) resolveVoucherSheet(ctx context.Context) (string, int64, error) {
	infos, err := s.listSheets(ctx)
	if err != nil {
		return "", 0, err
	}

	s.mu.Lock()
	want := s.voucherSheet
	s.mu.Unlock()

	for _, info := range infos {
		if want != "" && info.title == want {
			return info.title, info.id, nil
		}
		if want == "" && !info.hidden && info.title != s.cfg.StateSheet {
			s.mu.Lock()
			s.voucherSheet = info.title
			s.mu.Unlock()
			return info.title, info.id, nil
		}
	}

	if want == "" {
		want = "Vouchers"
	}
	id, err := s.addSheet(ctx, want, false)
	if err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	s.voucherSheet = want
	s.mu.Unlock()
	return want, id, nil
}

func (s *Store) addSheet(ctx context.Context, title string, hidden bool) (int64, error) {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: title, Hidden: hidden},
			},
		}},
	}
	resp, err := s.service.Spreadsheets.BatchUpdate(s.cfg.SpreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to add sheet %q: %w", title, err)
	}
	log.Printf("Created sheet %q in spreadsheet %s", title, s.cfg.SpreadsheetID)

	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil && resp.Replies[0].AddSheet.Properties != nil {
		return resp.Replies[0].AddSheet.Properties.SheetId, nil
	}
	return 0, nil
}

// header reads the header row of the voucher sheet. Missing canonical
// columns are appended to the right; existing columns are never reordered.
// A fresh sheet gets the canonical header and date formats.
func (s *Store) header(ctx context.Context, title string, sheetID int64) ([]string, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.cfg.SpreadsheetID, a1(title, "1:1")).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	var headers []string
	if len(resp.Values) > 0 {
		for _, cell := range resp.Values[0] {
			headers = append(headers, strings.TrimSpace(fmt.Sprint(cell)))
		}
	}

	if len(headers) == 0 {
		headers = append([]string(nil), canonicalHeaders...)
		if err := s.writeHeader(ctx, title, headers); err != nil {
			return nil, err
		}
		s.formatDateColumns(ctx, sheetID, headers)
		return headers, nil
	}

	present := columnIndex(headers)
	missing := false
	for _, col := range canonicalHeaders {
		if _, ok := present[col]; !ok {
			headers = append(headers, col)
			missing = true
		}
	}
	if missing {
		log.Printf("Updating headers to include new columns: %v", headers)
		if err := s.writeHeader(ctx, title, headers); err != nil {
			return nil, err
		}
	}
	return headers, nil
}

func (s *Store) writeHeader(ctx context.Context, title string, headers []string) error {
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	_, err := s.service.Spreadsheets.Values.Update(s.cfg.SpreadsheetID, a1(title, "A1"), &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption(userEntered).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}
	return nil
}

// formatDateColumns applies date formats to Expiry and Created At so the
// columns sort as dates. Failures are logged only.
func (s *Store) formatDateColumns(ctx context.Context, sheetID int64, headers []string) {
	formats := map[string]*sheets.NumberFormat{
		colExpiry:    {Type: "DATE", Pattern: "d-mmm-yyyy"},
		colCreatedAt: {Type: "DATE_TIME", Pattern: "yyyy-mm-dd hh:mm:ss"},
	}

	var requests []*sheets.Request
	for i, h := range headers {
		format, ok := formats[h]
		if !ok {
			continue
		}
		requests = append(requests, &sheets.Request{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartColumnIndex: int64(i),
					EndColumnIndex:   int64(i + 1),
					ForceSendFields:  []string{"SheetId", "StartColumnIndex"},
				},
				Cell:   &sheets.CellData{UserEnteredFormat: &sheets.CellFormat{NumberFormat: format}},
				Fields: "userEnteredFormat.numberFormat",
			},
		})
	}

	_, err := s.service.Spreadsheets.BatchUpdate(s.cfg.SpreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: requests,
	}).Context(ctx).Do()
	if err != nil {
		log.Printf("Warning: could not set date formatting: %v", err)
	}
}

// ExistingKeys reads every voucher row and returns the identity keys
func (s *Store) ExistingKeys(ctx context.Context) (dedup.KeySet, error) {
	title, sheetID, err := s.resolveVoucherSheet(ctx)
	if err != nil {
		return nil, err
	}
	headers, err := s.header(ctx, title, sheetID)
	if err != nil {
		return nil, err
	}
	idx := columnIndex(headers)

	resp, err := s.service.Spreadsheets.Values.Get(s.cfg.SpreadsheetID, a1(title, "A:ZZ")).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read voucher rows: %w", err)
	}

	keys := dedup.KeySet{}
	for i, row := range resp.Values {
		if i == 0 {
			continue
		}
		code := cellAt(row, idx, colCode)
		if code == "" {
			continue
		}
		keys.Add(dedup.KeyFor(cellAt(row, idx, colBrand), code, cellAt(row, idx, colPin)))
	}

	log.Printf("Loaded %d existing voucher keys from sheet %q", len(keys), title)
	return keys, nil
}

// AppendBatch appends all vouchers in a single values.append call, so the
// batch lands completely or not at all.
func (s *Store) AppendBatch(ctx context.Context, vouchers []models.Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}

	title, sheetID, err := s.resolveVoucherSheet(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrWriteFailure, err)
	}
	headers, err := s.header(ctx, title, sheetID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrWriteFailure, err)
	}

	rows := make([][]interface{}, 0, len(vouchers))
	for _, v := range vouchers {
		rows = append(rows, s.row(headers, v))
	}

	_, err = s.service.Spreadsheets.Values.Append(s.cfg.SpreadsheetID, a1(title, "A1"), &sheets.ValueRange{
		Values: rows,
	}).ValueInputOption(userEntered).InsertDataOption(insertRows).Context(ctx).Do()
	if err != nil {
		return classifyWrite("append vouchers", err)
	}

	log.Printf("Appended %d rows to spreadsheet %s", len(rows), s.cfg.SpreadsheetID)
	return nil
}

// row lays out v in header order
func (s *Store) row(headers []string, v models.Voucher) []interface{} {
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	values := map[string]string{
		colBrand:     v.Brand,
		colValue:     v.Value.String(),
		colCode:      asText(v.Code),
		colPin:       asText(v.Pin),
		colMessageID: v.SourceMessageID,
		colAddedBy:   v.AddedBy,
		colCreatedAt: createdAt.In(s.cfg.Location).Format(timestampLayout),
	}
	if v.LogoURL != "" {
		values[colLogo] = fmt.Sprintf("=IMAGE(%q)", v.LogoURL)
	}
	if v.ExpiryDate != nil {
		values[colExpiry] = v.ExpiryDate.Format(expiryLayout)
	}
	if !v.EmailDate.IsZero() {
		values[colEmailDate] = v.EmailDate.In(s.cfg.Location).Format(timestampLayout)
	}

	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = values[canonical(h)]
	}
	return row
}

// ReadCheckpoint returns the stored checkpoint, or nil when none exists
func (s *Store) ReadCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error) {
	rows, err := s.stateRows(ctx)
	if err != nil {
		return nil, err
	}

	var found *models.SyncCheckpoint
	for _, row := range rows {
		if row.key != models.CheckpointKey {
			continue
		}
		if row.value == "" {
			return nil, fmt.Errorf("%w: blank %s in sheet %q", models.ErrCheckpointCorrupt, models.CheckpointKey, s.cfg.StateSheet)
		}
		if found != nil && found.LastSeenToken != row.value {
			return nil, fmt.Errorf("%w: conflicting %s rows in sheet %q", models.ErrCheckpointCorrupt, models.CheckpointKey, s.cfg.StateSheet)
		}
		updatedAt, _ := time.Parse(time.RFC3339, row.updatedAt)
		found = &models.SyncCheckpoint{LastSeenToken: row.value, UpdatedAt: updatedAt}
	}
	return found, nil
}

// WriteCheckpoint stores token under the checkpoint key, creating the hidden
// state sheet on first use.
func (s *Store) WriteCheckpoint(ctx context.Context, token string) error {
	if err := s.ensureStateSheet(ctx); err != nil {
		return err
	}
	rows, err := s.stateRows(ctx)
	if err != nil {
		return err
	}

	values := &sheets.ValueRange{
		Values: [][]interface{}{{models.CheckpointKey, token, time.Now().UTC().Format(time.RFC3339)}},
	}

	for _, row := range rows {
		if row.key != models.CheckpointKey {
			continue
		}
		rng := a1(s.cfg.StateSheet, fmt.Sprintf("A%d:C%d", row.number, row.number))
		if _, err := s.service.Spreadsheets.Values.Update(s.cfg.SpreadsheetID, rng, values).ValueInputOption(raw).Context(ctx).Do(); err != nil {
			return classifyWrite("update checkpoint", err)
		}
		return nil
	}

	_, err = s.service.Spreadsheets.Values.Append(s.cfg.SpreadsheetID, a1(s.cfg.StateSheet, "A1"), values).
		ValueInputOption(raw).InsertDataOption(insertRows).Context(ctx).Do()
	if err != nil {
		return classifyWrite("append checkpoint", err)
	}
	return nil
}

type stateRow struct {
	number    int
	key       string
	value     string
	updatedAt string
}

// stateRows reads the key/value rows of the state sheet. A missing sheet
// reads as empty.
func (s *Store) stateRows(ctx context.Context) ([]stateRow, error) {
	exists, err := s.stateSheetExists(ctx)
	if err != nil || !exists {
		return nil, err
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.cfg.SpreadsheetID, a1(s.cfg.StateSheet, "A:C")).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	rows := make([]stateRow, 0, len(resp.Values))
	for i, cells := range resp.Values {
		row := stateRow{number: i + 1}
		if len(cells) > 0 {
			row.key = strings.TrimSpace(fmt.Sprint(cells[0]))
		}
		if len(cells) > 1 {
			row.value = strings.TrimSpace(fmt.Sprint(cells[1]))
		}
		if len(cells) > 2 {
			row.updatedAt = strings.TrimSpace(fmt.Sprint(cells[2]))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) stateSheetExists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	known := s.stateSheetID != nil
	s.mu.Unlock()
	if known {
		return true, nil
	}

	infos, err := s.listSheets(ctx)
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.title == s.cfg.StateSheet {
			s.rememberStateSheet(info.id)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ensureStateSheet(ctx context.Context) error {
	exists, err := s.stateSheetExists(ctx)
	if err != nil || exists {
		return err
	}

	id, err := s.addSheet(ctx, s.cfg.StateSheet, true)
	if err != nil {
		return err
	}
	s.rememberStateSheet(id)
	return nil
}

func (s *Store) rememberStateSheet(id int64) {
	s.mu.Lock()
	s.stateSheetID = &id
	s.mu.Unlock()
}

func classifyWrite(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
		return fmt.Errorf("%w: %s: %v", models.ErrWriteConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrWriteFailure, op, err)
}

// a1 builds an A1 range on a quoted sheet title
func a1(title, cells string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'!" + cells
}

// asText prefixes a value so Sheets keeps it as text rather than a number
func asText(s string) string {
	if s == "" {
		return ""
	}
	return "'" + s
}

func canonical(header string) string {
	h := strings.TrimSpace(header)
	if alias, ok := headerAliases[strings.ToLower(h)]; ok {
		return alias
	}
	for _, col := range canonicalHeaders {
		if strings.EqualFold(col, h) {
			return col
		}
	}
	return h
}

// columnIndex maps canonical column names to their position. The first
// occurrence wins.
func columnIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		col := canonical(h)
		if _, seen := idx[col]; !seen {
			idx[col] = i
		}
	}
	return idx
}

func cellAt(row []interface{}, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}

// Package store implements the voucher store on a local SQLite database,
// for running the worker without Google Sheets or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vipul43/voucher-worker/internal/dedup"
	"github.com/vipul43/voucher-worker/internal/models"
)

const dateLayout = "2006-01-02"

// SQLiteStore implements the voucher store using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// voucherRow is the on-disk shape of a voucher
type voucherRow struct {
	Seq             int64          `db:"seq"`
	ID              string         `db:"id"`
	Brand           string         `db:"brand"`
	LogoURL         string         `db:"logo_url"`
	Value           string         `db:"value"`
	Code            string         `db:"code"`
	Pin             string         `db:"pin"`
	ExpiryDate      sql.NullString `db:"expiry_date"`
	EmailDate       time.Time      `db:"email_date"`
	SourceMessageID string         `db:"source_message_id"`
	AddedBy         string         `db:"added_by"`
	IdentityKey     string         `db:"identity_key"`
	CreatedAt       time.Time      `db:"created_at"`
}

func toRow(v models.Voucher, now time.Time) voucherRow {
	row := voucherRow{
		ID:              v.ID,
		Brand:           v.Brand,
		LogoURL:         v.LogoURL,
		Value:           v.Value.StringFixed(2),
		Code:            v.Code,
		Pin:             v.Pin,
		EmailDate:       v.EmailDate.UTC(),
		SourceMessageID: v.SourceMessageID,
		AddedBy:         v.AddedBy,
		IdentityKey:     dedup.KeyOf(v).String(),
		CreatedAt:       v.CreatedAt.UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		row.CreatedAt = now.UTC()
	}
	if v.ExpiryDate != nil {
		row.ExpiryDate = sql.NullString{String: v.ExpiryDate.Format(dateLayout), Valid: true}
	}
	return row
}

func (r voucherRow) toModel() (models.Voucher, error) {
	value, err := decimal.NewFromString(r.Value)
	if err != nil {
		return models.Voucher{}, fmt.Errorf("parsing value of voucher %s: %w", r.ID, err)
	}

	v := models.Voucher{
		ID:              r.ID,
		Seq:             r.Seq,
		Brand:           r.Brand,
		LogoURL:         r.LogoURL,
		Value:           value,
		Code:            r.Code,
		Pin:             r.Pin,
		EmailDate:       r.EmailDate,
		SourceMessageID: r.SourceMessageID,
		AddedBy:         r.AddedBy,
		IdentityKey:     r.IdentityKey,
		CreatedAt:       r.CreatedAt,
	}
	if r.ExpiryDate.Valid {
		expiry, err := time.Parse(dateLayout, r.ExpiryDate.String)
		if err != nil {
			return models.Voucher{}, fmt.Errorf("parsing expiry of voucher %s: %w", r.ID, err)
		}
		v.ExpiryDate = &expiry
	}
	return v, nil
}

// ExistingKeys loads the identity key of every stored voucher.
func (s *SQLiteStore) ExistingKeys(ctx context.Context) (dedup.KeySet, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT brand, code, pin FROM vouchers")
	if err != nil {
		return nil, fmt.Errorf("querying voucher keys: %w", err)
	}
	defer rows.Close()

	keys := dedup.KeySet{}
	for rows.Next() {
		var brand, code, pin string
		if err := rows.Scan(&brand, &code, &pin); err != nil {
			return nil, fmt.Errorf("scanning voucher key: %w", err)
		}
		keys.Add(dedup.KeyFor(brand, code, pin))
	}

	return keys, rows.Err()
}

// AppendBatch inserts a batch of vouchers in one transaction.
func (s *SQLiteStore) AppendBatch(ctx context.Context, vouchers []models.Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", models.ErrWriteFailure, err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO vouchers (
			id, brand, logo_url, value, code, pin,
			expiry_date, email_date, source_message_id,
			added_by, identity_key, created_at
		) VALUES (
			:id, :brand, :logo_url, :value, :code, :pin,
			:expiry_date, :email_date, :source_message_id,
			:added_by, :identity_key, :created_at
		)`

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: preparing insert statement: %v", models.ErrWriteFailure, err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, v := range vouchers {
		if _, err := stmt.ExecContext(ctx, toRow(v, now)); err != nil {
			return classifyWrite(fmt.Errorf("inserting voucher from message %s: %w", v.SourceMessageID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyWrite(fmt.Errorf("committing voucher batch: %w", err))
	}
	return nil
}

// GetVouchers returns stored vouchers in append order.
func (s *SQLiteStore) GetVouchers(ctx context.Context) ([]models.Voucher, error) {
	return s.selectVouchers(ctx, "SELECT * FROM vouchers ORDER BY seq ASC")
}

// GetRecent returns the most recently appended vouchers, newest first.
func (s *SQLiteStore) GetRecent(ctx context.Context, limit int) ([]models.Voucher, error) {
	return s.selectVouchers(ctx, "SELECT * FROM vouchers ORDER BY seq DESC LIMIT ?", limit)
}

func (s *SQLiteStore) selectVouchers(ctx context.Context, query string, args ...any) ([]models.Voucher, error) {
	var rows []voucherRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying vouchers: %w", err)
	}

	vouchers := make([]models.Voucher, 0, len(rows))
	for _, r := range rows {
		v, err := r.toModel()
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, nil
}

// ReadCheckpoint returns the stored checkpoint, or nil when none exists.
func (s *SQLiteStore) ReadCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error) {
	var state struct {
		Value     string    `db:"value"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &state,
		"SELECT value, updated_at FROM sync_state WHERE key = ?", models.CheckpointKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	if strings.TrimSpace(state.Value) == "" {
		return nil, fmt.Errorf("%w: blank %s", models.ErrCheckpointCorrupt, models.CheckpointKey)
	}

	return &models.SyncCheckpoint{LastSeenToken: state.Value, UpdatedAt: state.UpdatedAt}, nil
}

// WriteCheckpoint upserts the checkpoint row.
func (s *SQLiteStore) WriteCheckpoint(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		models.CheckpointKey, token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

func classifyWrite(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("%w: %v", models.ErrWriteConflict, err)
	}
	return fmt.Errorf("%w: %v", models.ErrWriteFailure, err)
}

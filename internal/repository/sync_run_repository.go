package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/voucher-worker/internal/models"
)

type SyncRunRepository struct {
	db *sql.DB
}

func NewSyncRunRepository(db *sql.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Create records a run that has just started
func (r *SyncRunRepository) Create(ctx context.Context, run models.SyncRun) error {
	query := `
		INSERT INTO sync_runs (
			id, mode, triggered_by, status,
			messages_scanned, vouchers_written, checkpoint_before, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.Mode,
		run.Trigger,
		run.Status,
		run.MessagesScanned,
		run.VouchersWritten,
		run.CheckpointBefore,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}

	return nil
}

// Finish stores the outcome of a run
// finished_at is set for terminal states and cleared otherwise
func (r *SyncRunRepository) Finish(ctx context.Context, run models.SyncRun) error {
	query := `
		UPDATE sync_runs
		SET status = $1,
		    messages_scanned = $2,
		    vouchers_written = $3,
		    checkpoint_after = $4,
		    last_error = $5,
		    finished_at = $6
		WHERE id = $7
	`

	var finishedAt *time.Time
	if run.Status == models.SyncRunStatusCompleted || run.Status == models.SyncRunStatusFailed {
		finishedAt = run.FinishedAt
		if finishedAt == nil {
			now := time.Now()
			finishedAt = &now
		}
	}

	_, err := r.db.ExecContext(ctx, query,
		run.Status,
		run.MessagesScanned,
		run.VouchersWritten,
		run.CheckpointAfter,
		run.LastError,
		finishedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}

	return nil
}

// GetLatest returns the most recently started run, or nil when there is none
func (r *SyncRunRepository) GetLatest(ctx context.Context) (*models.SyncRun, error) {
	runs, err := r.ListRecent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRecent returns up to limit runs, newest first
func (r *SyncRunRepository) ListRecent(ctx context.Context, limit int) ([]models.SyncRun, error) {
	query := `
		SELECT id, mode, triggered_by, status, messages_scanned,
		       vouchers_written, checkpoint_before, checkpoint_after,
		       last_error, started_at, finished_at
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	return r.scanRuns(rows)
}

// GetByID retrieves a sync run by ID
func (r *SyncRunRepository) GetByID(ctx context.Context, id string) (*models.SyncRun, error) {
	query := `
		SELECT id, mode, triggered_by, status, messages_scanned,
		       vouchers_written, checkpoint_before, checkpoint_after,
		       last_error, started_at, finished_at
		FROM sync_runs
		WHERE id = $1
	`

	var run models.SyncRun
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Mode,
		&run.Trigger,
		&run.Status,
		&run.MessagesScanned,
		&run.VouchersWritten,
		&run.CheckpointBefore,
		&run.CheckpointAfter,
		&run.LastError,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	return &run, nil
}

// scanRuns scans database rows into a SyncRun slice
func (r *SyncRunRepository) scanRuns(rows *sql.Rows) ([]models.SyncRun, error) {
	var runs []models.SyncRun

	for rows.Next() {
		var run models.SyncRun
		err := rows.Scan(
			&run.ID,
			&run.Mode,
			&run.Trigger,
			&run.Status,
			&run.MessagesScanned,
			&run.VouchersWritten,
			&run.CheckpointBefore,
			&run.CheckpointAfter,
			&run.LastError,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return runs, nil
}

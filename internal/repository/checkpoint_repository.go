package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/voucher-worker/internal/models"
)

// CheckpointRepository keeps the sync checkpoint in the sync_state table
type CheckpointRepository struct {
	db *gorm.DB
}

func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// ReadCheckpoint returns the stored checkpoint, or nil when none exists
func (r *CheckpointRepository) ReadCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error) {
	var state models.SyncState
	result := r.db.WithContext(ctx).
		Where("key = ?", models.CheckpointKey).
		Take(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", result.Error)
	}

	if strings.TrimSpace(state.Value) == "" {
		return nil, fmt.Errorf("%w: blank %s", models.ErrCheckpointCorrupt, models.CheckpointKey)
	}

	return &models.SyncCheckpoint{LastSeenToken: state.Value, UpdatedAt: state.UpdatedAt}, nil
}

// WriteCheckpoint upserts the checkpoint row
func (r *CheckpointRepository) WriteCheckpoint(ctx context.Context, token string) error {
	state := models.SyncState{
		Key:       models.CheckpointKey,
		Value:     token,
		UpdatedAt: time.Now(),
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&state)
	if result.Error != nil {
		return fmt.Errorf("failed to write checkpoint: %w", result.Error)
	}
	return nil
}

// Store is the PostgreSQL voucher store: voucher rows plus checkpoint
type Store struct {
	*VoucherRepository
	*CheckpointRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		VoucherRepository:    NewVoucherRepository(db),
		CheckpointRepository: NewCheckpointRepository(db),
	}
}

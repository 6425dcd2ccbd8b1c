package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vipul43/voucher-worker/internal/dedup"
	"github.com/vipul43/voucher-worker/internal/models"
)

const insertBatchSize = 100

type VoucherRepository struct {
	db *gorm.DB
}

func NewVoucherRepository(db *gorm.DB) *VoucherRepository {
	return &VoucherRepository{db: db}
}

// ExistingKeys loads the identity key of every stored voucher
func (r *VoucherRepository) ExistingKeys(ctx context.Context) (dedup.KeySet, error) {
	var rows []struct {
		Brand string
		Code  string
		Pin   string
	}
	result := r.db.WithContext(ctx).
		Model(&models.Voucher{}).
		Select("brand", "code", "pin").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load voucher keys: %w", result.Error)
	}

	keys := make(dedup.KeySet, len(rows))
	for _, row := range rows {
		keys.Add(dedup.KeyFor(row.Brand, row.Code, row.Pin))
	}
	return keys, nil
}

// AppendBatch inserts all vouchers in a single transaction
func (r *VoucherRepository) AppendBatch(ctx context.Context, vouchers []models.Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}

	batch := prepareBatch(vouchers, time.Now())
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&batch, insertBatchSize).Error
	})
	if err != nil {
		return classifyWrite(err)
	}
	return nil
}

// GetRecent returns the most recently appended vouchers, newest first
func (r *VoucherRepository) GetRecent(ctx context.Context, limit int) ([]models.Voucher, error) {
	var vouchers []models.Voucher
	result := r.db.WithContext(ctx).
		Order("seq DESC").
		Limit(limit).
		Find(&vouchers)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query vouchers: %w", result.Error)
	}
	return vouchers, nil
}

// prepareBatch assigns row ids, identity keys and creation times
func prepareBatch(vouchers []models.Voucher, now time.Time) []models.Voucher {
	batch := make([]models.Voucher, len(vouchers))
	for i, v := range vouchers {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		v.IdentityKey = dedup.KeyOf(v).String()
		batch[i] = v
	}
	return batch
}

func classifyWrite(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", models.ErrWriteConflict, err)
	}
	return fmt.Errorf("%w: %v", models.ErrWriteFailure, err)
}

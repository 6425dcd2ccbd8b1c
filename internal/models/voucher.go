package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AddedBy values recorded on every persisted voucher
const (
	AddedByBackfill   = "backfill"
	AddedByAutomation = "automation"
)

// Voucher represents one gift voucher extracted from a notification email.
// Records are immutable once persisted.
type Voucher struct {
	ID              string          `gorm:"column:id;primaryKey"`
	Seq             int64           `gorm:"column:seq;autoIncrement;<-:false"`
	Brand           string          `gorm:"column:brand;index"`
	LogoURL         string          `gorm:"column:logo_url"`
	Value           decimal.Decimal `gorm:"column:value;type:numeric(12,2)"`
	Code            string          `gorm:"column:code"`
	Pin             string          `gorm:"column:pin"`
	ExpiryDate      *time.Time      `gorm:"column:expiry_date;type:date"`
	EmailDate       time.Time       `gorm:"column:email_date"`
	SourceMessageID string          `gorm:"column:source_message_id;index"`
	AddedBy         string          `gorm:"column:added_by"`
	IdentityKey     string          `gorm:"column:identity_key;uniqueIndex"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (Voucher) TableName() string {
	return "vouchers"
}

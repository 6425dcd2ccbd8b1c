package models

import "time"

// CheckpointKey is the reserved key holding the last fully ingested source token
const CheckpointKey = "LAST_SOURCE_TOKEN"

// SyncCheckpoint is the persisted cursor of the message source.
// LastSeenToken is opaque: only the source that issued it may interpret it.
type SyncCheckpoint struct {
	LastSeenToken string
	UpdatedAt     time.Time
}

// SyncState is a row of the reserved key/value state area
type SyncState struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncState) TableName() string {
	return "sync_state"
}

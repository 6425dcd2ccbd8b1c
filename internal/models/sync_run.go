package models

import "time"

type SyncRunStatus string

const (
	SyncRunStatusProcessing SyncRunStatus = "processing" // Run in flight
	SyncRunStatusCompleted  SyncRunStatus = "completed"  // Batch written and checkpoint handled
	SyncRunStatusFailed     SyncRunStatus = "failed"     // Aborted, checkpoint untouched
)

type SyncMode string

const (
	SyncModeBounded SyncMode = "bounded" // Historical scan over the sender filter
	SyncModeDelta   SyncMode = "delta"   // Incremental scan from the stored checkpoint
)

// SyncRun is the audit record of one orchestrator run
type SyncRun struct {
	ID               string        `gorm:"column:id;primaryKey"`
	Mode             SyncMode      `gorm:"column:mode"`
	Trigger          string        `gorm:"column:triggered_by"`
	Status           SyncRunStatus `gorm:"column:status;index"`
	MessagesScanned  int           `gorm:"column:messages_scanned"`
	VouchersWritten  int           `gorm:"column:vouchers_written"`
	CheckpointBefore *string       `gorm:"column:checkpoint_before"`
	CheckpointAfter  *string       `gorm:"column:checkpoint_after"`
	LastError        *string       `gorm:"column:last_error"`
	StartedAt        time.Time     `gorm:"column:started_at"`
	FinishedAt       *time.Time    `gorm:"column:finished_at"`
}

// TableName specifies the table name for GORM
func (SyncRun) TableName() string {
	return "sync_runs"
}

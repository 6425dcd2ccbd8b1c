package models

import "errors"

// Store adapter failures. Implementations wrap these with %w so callers
// can match them with errors.Is.
var (
	ErrWriteFailure      = errors.New("voucher batch write failed")
	ErrWriteConflict     = errors.New("voucher batch write conflict")
	ErrCheckpointCorrupt = errors.New("sync checkpoint is corrupt")
)

// ErrRunNotFound is returned when no sync run has the requested id
var ErrRunNotFound = errors.New("sync run not found")

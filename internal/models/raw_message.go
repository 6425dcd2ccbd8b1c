package models

import "time"

// RawMessage is a mailbox message as delivered by a message source,
// before any voucher extraction.
type RawMessage struct {
	ID           string
	ThreadID     string
	Subject      string
	From         string
	DateHeader   string    // raw Date header, parsed by the extractor
	InternalDate time.Time // source metadata timestamp
	BodyText     string
	BodyHTML     string
	Labels       []string
}

// Package source defines the contract between the sync orchestrator and a
// mailbox. Adapters (gmail, imap) implement Source; resume tokens are opaque
// to everyone except the adapter that issued them.
package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/vipul43/voucher-worker/internal/models"
)

var (
	// ErrUnavailable matches every *UnavailableError
	ErrUnavailable = errors.New("message source unavailable")

	// ErrTokenExpired means the source no longer accepts the stored resume
	// token. The caller must fall back to a bounded scan.
	ErrTokenExpired = errors.New("resume token expired or invalid")
)

// UnavailableError wraps a transport failure or rate limit from the source.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable wraps err as an *UnavailableError unless it already carries a
// source classification.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTokenExpired) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// Filter narrows a scan to voucher notifications.
type Filter struct {
	Sender  string
	Subject string
	// After skips messages received before this instant (zero = no bound)
	After time.Time
	// UnreadOnly restricts bounded scans to unread mail
	UnreadOnly bool
}

// Sequence yields messages in source order. A non-nil error ends the
// sequence.
type Sequence = iter.Seq2[models.RawMessage, error]

// Delta is the result of a scan since a resume token.
type Delta struct {
	Messages Sequence

	token    func() string
	position func() string
}

// NewDelta assembles a Delta. token reports the high-water mark once the
// sequence is fully consumed; position reports the token covering only the
// messages consumed so far.
func NewDelta(messages Sequence, token, position func() string) *Delta {
	return &Delta{Messages: messages, token: token, position: position}
}

// Token returns the new high-water mark. Only valid after Messages has been
// fully consumed without error.
func (d *Delta) Token() string {
	if d.token == nil {
		return ""
	}
	return d.token()
}

// Position returns a token that resumes right after the last consumed
// message, or "" when nothing was consumed.
func (d *Delta) Position() string {
	if d.position == nil {
		return ""
	}
	return d.position()
}

// Source is a mailbox that can be scanned in full or incrementally.
type Source interface {
	// BoundedScan yields every matching message, oldest first
	BoundedScan(ctx context.Context, filter Filter, pageSize int) Sequence
	// DeltaScan yields matching messages added after sinceToken
	DeltaScan(ctx context.Context, sinceToken string, filter Filter, pageSize int) (*Delta, error)
	// CurrentToken returns the mailbox's current high-water mark
	CurrentToken(ctx context.Context) (string, error)
}

// Acknowledger is implemented by sources that can mark processed mail as read.
type Acknowledger interface {
	MarkRead(ctx context.Context, ids []string) error
}

// Slice returns a Sequence over fixed messages, used by tests and replays.
func Slice(msgs []models.RawMessage) Sequence {
	return func(yield func(models.RawMessage, error) bool) {
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Fail returns a Sequence that yields msgs and then err.
func Fail(msgs []models.RawMessage, err error) Sequence {
	return func(yield func(models.RawMessage, error) bool) {
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
		yield(models.RawMessage{}, err)
	}
}

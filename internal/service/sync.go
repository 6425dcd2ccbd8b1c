package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/voucher-worker/internal/dedup"
	"github.com/vipul43/voucher-worker/internal/models"
	"github.com/vipul43/voucher-worker/internal/source"
)

const (
	DefaultMaxMessages    = 500 // Cap on messages scanned per run
	DefaultPageSize       = 50  // Messages requested per source page
	DefaultExtractWorkers = 4   // Parallel extractions per window
)

// State is a step of a sync run
type State string

const (
	StateIdle              State = "IDLE"
	StateLoadingCheckpoint State = "LOADING_CHECKPOINT"
	StateScanning          State = "SCANNING"
	StateExtracting        State = "EXTRACTING"
	StateDeduping          State = "DEDUPING"
	StateWriting           State = "WRITING"
	StateCheckpointing     State = "CHECKPOINTING"
	StateError             State = "ERROR"
)

// TriggerMode says what started a run
type TriggerMode string

const (
	TriggerAuto     TriggerMode = "auto"     // Push notification or scheduled poll
	TriggerBackfill TriggerMode = "backfill" // Operator-requested historical scan
)

// Trigger carries the parameters of one run. Zero values fall back to the
// service configuration.
type Trigger struct {
	Mode   TriggerMode
	Origin string // pubsub, poll, http, cli

	MaxMessages int
	PageSize    int

	// SeedCheckpoint stores the pre-scan source token after a complete
	// bounded scan so later runs continue incrementally
	SeedCheckpoint bool
	// ResetCheckpoint is the operator's confirmation that a corrupt or
	// stale checkpoint may be discarded
	ResetCheckpoint bool

	After       time.Time
	IncludeRead bool

	// NotifiedToken is the mailbox token announced by a push notification
	NotifiedToken string
}

// AutoTrigger builds the trigger used by push notifications and polling
func AutoTrigger(origin string) Trigger {
	return Trigger{Mode: TriggerAuto, Origin: origin, IncludeRead: true}
}

// RunResult summarises one run
type RunResult struct {
	RunID   string
	Mode    models.SyncMode
	Trigger TriggerMode
	Origin  string

	Scanned     int
	Unmatched   int
	ParseErrors int
	Duplicates  int
	Written     int

	CheckpointBefore string
	CheckpointAfter  string
	Truncated        bool

	FinalState State
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// VoucherStore persists vouchers and the sync checkpoint
type VoucherStore interface {
	ExistingKeys(ctx context.Context) (dedup.KeySet, error)
	AppendBatch(ctx context.Context, vouchers []models.Voucher) error
	ReadCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error)
	WriteCheckpoint(ctx context.Context, token string) error
}

// Extractor turns a message into vouchers
type Extractor interface {
	ExtractAll(msg models.RawMessage) ([]models.Voucher, error)
}

// RunRecorder keeps an audit log of runs
type RunRecorder interface {
	Create(ctx context.Context, run models.SyncRun) error
	Finish(ctx context.Context, run models.SyncRun) error
}

type SyncConfig struct {
	Sender         string
	Subject        string
	MaxMessages    int
	PageSize       int
	ExtractWorkers int
	// SeedCheckpoint applies to automatic runs that find no checkpoint
	SeedCheckpoint bool
	MarkAsRead     bool
}

type SyncService struct {
	source    source.Source
	extractor Extractor
	store     VoucherStore
	recorder  RunRecorder
	cfg       SyncConfig
	now       func() time.Time
}

func NewSyncService(src source.Source, extractor Extractor, store VoucherStore, cfg SyncConfig) *SyncService {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = DefaultExtractWorkers
	}
	return &SyncService{
		source:    src,
		extractor: extractor,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithRecorder attaches a run log
func (s *SyncService) WithRecorder(recorder RunRecorder) *SyncService {
	s.recorder = recorder
	return s
}

// run is the mutable state of a single Run call
type run struct {
	id      string
	state   State
	trigger Trigger
	result  *RunResult
}

func (r *run) transition(to State) {
	log.Printf("Run %s: %s -> %s", r.id, r.state, to)
	r.state = to
}

// Run executes one sync. The checkpoint only moves after the batch of new
// vouchers has been durably written; on any error it is left untouched.
func (s *SyncService) Run(ctx context.Context, trigger Trigger) (*RunResult, error) {
	if trigger.Mode == "" {
		trigger.Mode = TriggerAuto
	}

	r := &run{
		id:      uuid.New().String(),
		state:   StateIdle,
		trigger: trigger,
		result: &RunResult{
			Trigger:   trigger.Mode,
			Origin:    trigger.Origin,
			StartedAt: s.now(),
		},
	}
	r.result.RunID = r.id

	log.Printf("Run %s: starting %s run (origin: %s, notified token: %q)",
		r.id, trigger.Mode, trigger.Origin, trigger.NotifiedToken)

	err := s.execute(ctx, r)

	r.result.FinishedAt = s.now()
	if err != nil {
		r.transition(StateError)
		r.result.Error = err.Error()
		log.Printf("Run %s failed: %v", r.id, err)
	} else {
		r.transition(StateIdle)
		log.Printf("Run %s complete: scanned=%d written=%d duplicates=%d unmatched=%d parse_errors=%d truncated=%v checkpoint=%q",
			r.id, r.result.Scanned, r.result.Written, r.result.Duplicates,
			r.result.Unmatched, r.result.ParseErrors, r.result.Truncated, r.result.CheckpointAfter)
	}
	r.result.FinalState = r.state

	s.finishRecord(ctx, r, err)

	return r.result, err
}

func (s *SyncService) execute(ctx context.Context, r *run) error {
	r.transition(StateLoadingCheckpoint)
	checkpoint, err := s.loadCheckpoint(ctx, r.trigger)
	if err != nil {
		return err
	}

	if checkpoint != nil {
		r.result.CheckpointBefore = checkpoint.LastSeenToken
	}

	useDelta := checkpoint != nil && r.trigger.Mode == TriggerAuto && !r.trigger.ResetCheckpoint
	if useDelta {
		r.result.Mode = models.SyncModeDelta
	} else {
		r.result.Mode = models.SyncModeBounded
	}
	r.result.CheckpointAfter = r.result.CheckpointBefore

	s.createRecord(ctx, r)

	var scan scanResult
	if useDelta {
		scan, err = s.scanDelta(ctx, r, checkpoint.LastSeenToken)
	} else {
		scan, err = s.scanBounded(ctx, r, checkpoint != nil)
	}
	if err != nil {
		return err
	}

	r.result.Scanned = len(scan.messages)
	r.result.Truncated = scan.truncated

	r.transition(StateExtracting)
	extracted, err := s.extractWindow(ctx, scan.messages, s.cfg.ExtractWorkers)
	if err != nil {
		return fmt.Errorf("failed to extract vouchers: %w", err)
	}

	r.transition(StateDeduping)
	existing, err := s.store.ExistingKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to load existing vouchers: %w", err)
	}
	batch, acked := s.dedupe(r, scan.messages, extracted, dedup.NewIndex(existing))

	r.transition(StateWriting)
	if len(batch) > 0 {
		if err := s.store.AppendBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to write %d vouchers: %w", len(batch), err)
		}
		log.Printf("Run %s: wrote %d vouchers", r.id, len(batch))
	}
	r.result.Written = len(batch)

	r.transition(StateCheckpointing)
	if scan.nextToken != "" && scan.nextToken != r.result.CheckpointBefore {
		if err := s.store.WriteCheckpoint(ctx, scan.nextToken); err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
		r.result.CheckpointAfter = scan.nextToken
		log.Printf("Run %s: checkpoint %q -> %q", r.id, r.result.CheckpointBefore, scan.nextToken)
	}

	s.acknowledge(ctx, r, acked)

	return nil
}

// loadCheckpoint reads the stored checkpoint. A corrupt checkpoint halts the
// run unless the trigger confirms a reset.
func (s *SyncService) loadCheckpoint(ctx context.Context, trigger Trigger) (*models.SyncCheckpoint, error) {
	checkpoint, err := s.store.ReadCheckpoint(ctx)
	if err != nil {
		if errors.Is(err, models.ErrCheckpointCorrupt) && trigger.ResetCheckpoint {
			log.Printf("Discarding corrupt checkpoint on operator request: %v", err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return checkpoint, nil
}

type scanResult struct {
	messages  []models.RawMessage
	truncated bool
	// nextToken is the checkpoint to store once the batch is written ("" = none)
	nextToken string
}

// scanBounded runs a filtered scan. When seeding is requested it stores the
// current source token, but only if the scan covers everything a delta run
// from the stored checkpoint would have seen.
func (s *SyncService) scanBounded(ctx context.Context, r *run, hasCheckpoint bool) (scanResult, error) {
	trigger := r.trigger
	seed := trigger.SeedCheckpoint || trigger.ResetCheckpoint
	if trigger.Mode == TriggerAuto {
		seed = s.cfg.SeedCheckpoint || trigger.ResetCheckpoint
	}
	if seed && hasCheckpoint && !trigger.ResetCheckpoint && !coversAllMail(trigger) {
		log.Printf("Run %s: filtered scan (include_read=%v, after=%s) keeps checkpoint %q",
			r.id, trigger.IncludeRead, optionalTime(trigger.After), r.result.CheckpointBefore)
		seed = false
	}

	// The seed token is taken before scanning so mail arriving mid-scan is
	// picked up again by the next delta run.
	var seedToken string
	if seed {
		token, err := s.source.CurrentToken(ctx)
		if err != nil {
			return scanResult{}, fmt.Errorf("failed to read current source token: %w", err)
		}
		seedToken = token
	}

	r.transition(StateScanning)
	filter := source.Filter{
		Sender:     s.cfg.Sender,
		Subject:    s.cfg.Subject,
		After:      trigger.After,
		UnreadOnly: !trigger.IncludeRead,
	}

	messages, truncated, err := collect(s.source.BoundedScan(ctx, filter, s.pageSize(trigger)), s.maxMessages(trigger))
	if err != nil {
		return scanResult{}, fmt.Errorf("bounded scan failed: %w", err)
	}

	result := scanResult{messages: messages, truncated: truncated}
	switch {
	case truncated && seed:
		log.Printf("Run %s: scan capped at %d messages, checkpoint not seeded", r.id, len(messages))
	case seed:
		result.nextToken = seedToken
	}
	return result, nil
}

// coversAllMail reports whether a bounded scan sees read and unread mail of
// any age, so seeding from it cannot skip over unwritten vouchers.
func coversAllMail(trigger Trigger) bool {
	return trigger.IncludeRead && trigger.After.IsZero()
}

func optionalTime(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format(time.RFC3339)
}

func (s *SyncService) scanDelta(ctx context.Context, r *run, since string) (scanResult, error) {
	r.transition(StateScanning)
	filter := source.Filter{
		Sender:  s.cfg.Sender,
		Subject: s.cfg.Subject,
		After:   r.trigger.After,
	}

	delta, err := s.source.DeltaScan(ctx, since, filter, s.pageSize(r.trigger))
	if err != nil {
		return scanResult{}, deltaError(err)
	}

	messages, truncated, err := collect(delta.Messages, s.maxMessages(r.trigger))
	if err != nil {
		return scanResult{}, deltaError(err)
	}

	result := scanResult{messages: messages, truncated: truncated}
	if truncated {
		result.nextToken = delta.Position()
		log.Printf("Run %s: delta capped at %d messages, resuming from %q next run", r.id, len(messages), result.nextToken)
	} else {
		result.nextToken = delta.Token()
	}
	return result, nil
}

func deltaError(err error) error {
	if errors.Is(err, source.ErrTokenExpired) {
		return fmt.Errorf("%w: %w", models.ErrCheckpointCorrupt, err)
	}
	return fmt.Errorf("delta scan failed: %w", err)
}

// collect drains seq up to limit messages. A message beyond the limit is
// left unconsumed and marks the scan as truncated.
func collect(seq source.Sequence, limit int) ([]models.RawMessage, bool, error) {
	var messages []models.RawMessage
	for msg, err := range seq {
		if err != nil {
			return nil, false, err
		}
		if len(messages) == limit {
			return messages, true, nil
		}
		messages = append(messages, msg)
	}
	return messages, false, nil
}

// dedupe walks extraction results in source order and keeps the first
// voucher seen for every identity. It returns the batch to write and the ids
// of messages that extracted without errors. Messages with a failed block
// stay unread so an unread-only backfill retries them.
func (s *SyncService) dedupe(r *run, messages []models.RawMessage, extracted []extraction, index *dedup.Index) ([]models.Voucher, []string) {
	addedBy := models.AddedByAutomation
	if r.trigger.Mode == TriggerBackfill {
		addedBy = models.AddedByBackfill
	}
	now := s.now()

	var (
		batch []models.Voucher
		acked []string
	)
	for i, ex := range extracted {
		msg := messages[i]
		if ex.err != nil {
			n := countErrors(ex.err)
			r.result.ParseErrors += n
			log.Printf("Run %s: dropped %d voucher(s) from message %s: %v", r.id, n, msg.ID, ex.err)
		}
		if ex.err == nil {
			acked = append(acked, msg.ID)
		}
		if len(ex.vouchers) == 0 {
			if ex.err == nil {
				r.result.Unmatched++
			}
			continue
		}

		for _, v := range ex.vouchers {
			v.AddedBy = addedBy
			v.CreatedAt = now
			if !index.Add(v) {
				r.result.Duplicates++
				log.Printf("Run %s: skipping duplicate %s voucher from message %s", r.id, v.Brand, msg.ID)
				continue
			}
			batch = append(batch, v)
		}
	}
	return batch, acked
}

// acknowledge marks processed messages as read when enabled. Failures are
// logged only; the vouchers and checkpoint are already stored.
func (s *SyncService) acknowledge(ctx context.Context, r *run, ids []string) {
	if !s.cfg.MarkAsRead || len(ids) == 0 {
		return
	}
	ack, ok := s.source.(source.Acknowledger)
	if !ok {
		return
	}
	if err := ack.MarkRead(ctx, ids); err != nil {
		log.Printf("Run %s: failed to mark %d messages as read: %v", r.id, len(ids), err)
		return
	}
	log.Printf("Run %s: marked %d messages as read", r.id, len(ids))
}

func (s *SyncService) createRecord(ctx context.Context, r *run) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.Create(ctx, models.SyncRun{
		ID:               r.id,
		Mode:             r.result.Mode,
		Trigger:          triggerLabel(r.trigger),
		Status:           models.SyncRunStatusProcessing,
		CheckpointBefore: optional(r.result.CheckpointBefore),
		StartedAt:        r.result.StartedAt,
	})
	if err != nil {
		log.Printf("Run %s: failed to record start: %v", r.id, err)
	}
}

func (s *SyncService) finishRecord(ctx context.Context, r *run, runErr error) {
	if s.recorder == nil || r.result.Mode == "" {
		return
	}

	status := models.SyncRunStatusCompleted
	var lastError *string
	if runErr != nil {
		status = models.SyncRunStatusFailed
		msg := runErr.Error()
		lastError = &msg
	}
	finishedAt := r.result.FinishedAt

	// Record the outcome even when the run was cancelled.
	err := s.recorder.Finish(context.WithoutCancel(ctx), models.SyncRun{
		ID:              r.id,
		Status:          status,
		MessagesScanned: r.result.Scanned,
		VouchersWritten: r.result.Written,
		CheckpointAfter: optional(r.result.CheckpointAfter),
		LastError:       lastError,
		FinishedAt:      &finishedAt,
	})
	if err != nil {
		log.Printf("Run %s: failed to record finish: %v", r.id, err)
	}
}

func (s *SyncService) maxMessages(t Trigger) int {
	if t.MaxMessages > 0 {
		return t.MaxMessages
	}
	return s.cfg.MaxMessages
}

func (s *SyncService) pageSize(t Trigger) int {
	if t.PageSize > 0 {
		return t.PageSize
	}
	return s.cfg.PageSize
}

func triggerLabel(t Trigger) string {
	if t.Origin == "" {
		return string(t.Mode)
	}
	return string(t.Mode) + ":" + t.Origin
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// countErrors counts the errors joined into err
func countErrors(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

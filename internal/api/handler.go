// Package api exposes the HTTP triggers of the worker: Pub/Sub push
// notifications, manual backfills, health and status, plus read-only views of
// the run history and recent vouchers when the store keeps them.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/voucher-worker/internal/models"
	"github.com/vipul43/voucher-worker/internal/service"
	"github.com/vipul43/voucher-worker/internal/source"
)

// Syncer runs syncs one at a time and reports the last outcome
type Syncer interface {
	service.Runner
	Status() service.RunnerStatus
}

// RunHistory reads persisted sync runs
type RunHistory interface {
	GetLatest(ctx context.Context) (*models.SyncRun, error)
	ListRecent(ctx context.Context, limit int) ([]models.SyncRun, error)
	GetByID(ctx context.Context, id string) (*models.SyncRun, error)
}

// VoucherLister reads the most recently stored vouchers
type VoucherLister interface {
	GetRecent(ctx context.Context, limit int) ([]models.Voucher, error)
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

type Handler struct {
	syncer   Syncer
	history  RunHistory
	vouchers VoucherLister
}

func NewHandler(syncer Syncer) *Handler {
	return &Handler{syncer: syncer}
}

// WithHistory enables /runs and the persisted fallback of /status
func (h *Handler) WithHistory(history RunHistory) *Handler {
	h.history = history
	return h
}

// WithVouchers enables /vouchers/recent
func (h *Handler) WithVouchers(vouchers VoucherLister) *Handler {
	h.vouchers = vouchers
	return h
}

// NewRouter builds the gin engine with all routes registered
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", h.Health)
	r.GET("/status", h.Status)
	r.POST("/pubsub/push", h.PubSubPush)
	r.POST("/backfill", h.Backfill)

	if h.history != nil {
		r.GET("/runs", h.ListRuns)
		r.GET("/runs/:id", h.GetRun)
	}
	if h.vouchers != nil {
		r.GET("/vouchers/recent", h.RecentVouchers)
	}

	return r
}

// pushEnvelope is the body Pub/Sub POSTs to push endpoints
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// mailboxNotification is the Gmail watch payload carried in Message.Data
type mailboxNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func decodePush(body []byte) (*mailboxNotification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return nil, errors.New("push envelope has no message data")
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid message data encoding: %w", err)
		}
	}

	var n mailboxNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("invalid mailbox notification: %w", err)
	}
	return &n, nil
}

// PubSubPush handles a mailbox change notification. The notification only
// wakes the worker up; what to fetch is decided by the stored checkpoint.
// Payloads that cannot be decoded still trigger an automatic run.
func (h *Handler) PubSubPush(c *gin.Context) {
	trigger := service.AutoTrigger("pubsub")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Printf("Failed to read push body: %v", err)
	}

	n, decodeErr := decodePush(body)
	if decodeErr != nil {
		log.Printf("Malformed push notification, running fallback sync: %v", decodeErr)
	} else {
		trigger.NotifiedToken = n.HistoryID.String()
		log.Printf("Push notification for %s (history id %s)", n.EmailAddress, n.HistoryID)
	}

	_, err = h.syncer.Run(c.Request.Context(), trigger)
	if decodeErr != nil {
		// Redelivering an undecodable payload cannot help.
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type backfillRequest struct {
	MaxMessages     int    `json:"max_messages"`
	PageSize        int    `json:"page_size"`
	SeedCheckpoint  bool   `json:"seed_checkpoint"`
	ResetCheckpoint bool   `json:"reset_checkpoint"`
	After           string `json:"after"`
	IncludeRead     bool   `json:"include_read"`
}

// Backfill runs a bounded scan over the mailbox
func (h *Handler) Backfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxMessages < 0 || req.PageSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_messages and page_size must not be negative"})
		return
	}

	after, err := ParseAfter(req.After)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.syncer.Run(c.Request.Context(), service.Trigger{
		Mode:            service.TriggerBackfill,
		Origin:          "http",
		MaxMessages:     req.MaxMessages,
		PageSize:        req.PageSize,
		SeedCheckpoint:  req.SeedCheckpoint,
		ResetCheckpoint: req.ResetCheckpoint,
		After:           after,
		IncludeRead:     req.IncludeRead,
	})
	if err != nil {
		resp := gin.H{"error": err.Error()}
		if result != nil {
			resp["run"] = newRunResponse(result)
		}
		c.JSON(statusFor(err), resp)
		return
	}

	c.JSON(http.StatusOK, newRunResponse(result))
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports the last run and whether one is in progress. Before this
// process has finished a run, the last persisted run is reported instead.
func (h *Handler) Status(c *gin.Context) {
	status := h.syncer.Status()

	resp := gin.H{"running": status.Running}
	if status.Last != nil {
		resp["last_run"] = newRunResponse(status.Last)
	} else if h.history != nil {
		latest, err := h.history.GetLatest(c.Request.Context())
		if err != nil {
			log.Printf("Failed to load latest sync run: %v", err)
		} else if latest != nil {
			resp["last_run"] = newRecordResponse(latest)
		}
	}
	if status.LastErr != nil {
		resp["last_error"] = status.LastErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ListRuns returns persisted runs, newest first
func (h *Handler) ListRuns(c *gin.Context) {
	limit, err := listLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runs, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]recordResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, newRecordResponse(&runs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"runs": resp})
}

// GetRun returns one persisted run
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.history.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, models.ErrRunNotFound) {
			code = http.StatusNotFound
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, newRecordResponse(run))
}

// RecentVouchers returns the latest stored vouchers, newest first
func (h *Handler) RecentVouchers(c *gin.Context) {
	limit, err := listLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vouchers, err := h.vouchers.GetRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]voucherResponse, 0, len(vouchers))
	for _, v := range vouchers {
		resp = append(resp, newVoucherResponse(v))
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": resp})
}

// listLimit reads ?limit=, defaulting to 20 and capped at 200
func listLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(limit, maxListLimit), nil
}

// ParseAfter accepts a calendar date (2006-01-02, UTC midnight) or an RFC 3339
// timestamp. An empty string means no lower bound.
func ParseAfter(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid after %q: want YYYY-MM-DD or RFC 3339", s)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrRunInProgress), errors.Is(err, models.ErrWriteConflict):
		return http.StatusConflict
	case errors.Is(err, source.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type runResponse struct {
	RunID            string    `json:"run_id"`
	Mode             string    `json:"mode"`
	Trigger          string    `json:"trigger"`
	Origin           string    `json:"origin,omitempty"`
	Scanned          int       `json:"scanned"`
	Unmatched        int       `json:"unmatched"`
	ParseErrors      int       `json:"parse_errors"`
	Duplicates       int       `json:"duplicates"`
	Written          int       `json:"written"`
	CheckpointBefore string    `json:"checkpoint_before,omitempty"`
	CheckpointAfter  string    `json:"checkpoint_after,omitempty"`
	Truncated        bool      `json:"truncated"`
	FinalState       string    `json:"final_state"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

func newRunResponse(r *service.RunResult) runResponse {
	return runResponse{
		RunID:            r.RunID,
		Mode:             string(r.Mode),
		Trigger:          string(r.Trigger),
		Origin:           r.Origin,
		Scanned:          r.Scanned,
		Unmatched:        r.Unmatched,
		ParseErrors:      r.ParseErrors,
		Duplicates:       r.Duplicates,
		Written:          r.Written,
		CheckpointBefore: r.CheckpointBefore,
		CheckpointAfter:  r.CheckpointAfter,
		Truncated:        r.Truncated,
		FinalState:       string(r.FinalState),
		Error:            r.Error,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

// recordResponse is a persisted run as reported by /runs and /status
type recordResponse struct {
	RunID            string     `json:"run_id"`
	Mode             string     `json:"mode"`
	Trigger          string     `json:"trigger"`
	Status           string     `json:"status"`
	Scanned          int        `json:"scanned"`
	Written          int        `json:"written"`
	CheckpointBefore string     `json:"checkpoint_before,omitempty"`
	CheckpointAfter  string     `json:"checkpoint_after,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func newRecordResponse(r *models.SyncRun) recordResponse {
	return recordResponse{
		RunID:            r.ID,
		Mode:             string(r.Mode),
		Trigger:          r.Trigger,
		Status:           string(r.Status),
		Scanned:          r.MessagesScanned,
		Written:          r.VouchersWritten,
		CheckpointBefore: deref(r.CheckpointBefore),
		CheckpointAfter:  deref(r.CheckpointAfter),
		Error:            deref(r.LastError),
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

type voucherResponse struct {
	Brand      string     `json:"brand"`
	Value      string     `json:"value"`
	Code       string     `json:"code"`
	Pin        string     `json:"pin,omitempty"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	EmailDate  time.Time  `json:"email_date"`
	AddedBy    string     `json:"added_by"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newVoucherResponse(v models.Voucher) voucherResponse {
	return voucherResponse{
		Brand:      v.Brand,
		Value:      v.Value.String(),
		Code:       v.Code,
		Pin:        v.Pin,
		ExpiryDate: v.ExpiryDate,
		EmailDate:  v.EmailDate,
		AddedBy:    string(v.AddedBy),
		CreatedAt:  v.CreatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

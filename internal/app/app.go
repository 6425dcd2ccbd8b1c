// Package app assembles the worker from configuration: the message source,
// the voucher store and the sync service that ties them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"google.golang.org/api/option"

	"github.com/vipul43/voucher-worker/internal/api"
	"github.com/vipul43/voucher-worker/internal/config"
	"github.com/vipul43/voucher-worker/internal/database"
	"github.com/vipul43/voucher-worker/internal/extractor"
	"github.com/vipul43/voucher-worker/internal/gmail"
	"github.com/vipul43/voucher-worker/internal/googleauth"
	"github.com/vipul43/voucher-worker/internal/imap"
	"github.com/vipul43/voucher-worker/internal/repository"
	"github.com/vipul43/voucher-worker/internal/service"
	"github.com/vipul43/voucher-worker/internal/sheets"
	"github.com/vipul43/voucher-worker/internal/source"
	"github.com/vipul43/voucher-worker/internal/store"
)

var (
	_ source.Source        = (*gmail.Client)(nil)
	_ source.Acknowledger  = (*gmail.Client)(nil)
	_ source.Source        = (*imap.Client)(nil)
	_ source.Acknowledger  = (*imap.Client)(nil)
	_ service.VoucherStore = (*sheets.Store)(nil)
	_ service.VoucherStore = (*repository.Store)(nil)
	_ service.VoucherStore = (*store.SQLiteStore)(nil)
	_ service.RunRecorder  = (*repository.SyncRunRepository)(nil)
	_ api.RunHistory       = (*repository.SyncRunRepository)(nil)
	_ api.VoucherLister    = (*repository.Store)(nil)
	_ api.VoucherLister    = (*store.SQLiteStore)(nil)
)

type App struct {
	Config  *config.Config
	Service *service.SyncService
	Runner  *service.ExclusiveRunner
	// History is nil unless runs are persisted (postgres)
	History api.RunHistory
	// Vouchers is nil when the store cannot list vouchers (sheets)
	Vouchers api.VoucherLister

	closers []func() error
}

// New connects every configured component
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var googleOpts []option.ClientOption
	if cfg.NeedsGoogle() {
		ts, err := googleauth.TokenSource(ctx, googleauth.Credentials{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RefreshToken: cfg.RefreshToken,
		})
		if err != nil {
			return nil, err
		}
		googleOpts = append(googleOpts, option.WithTokenSource(ts))
	}

	src, err := newSource(ctx, cfg, googleOpts)
	if err != nil {
		return nil, err
	}

	voucherStore, recorder, err := a.newStore(ctx, cfg, googleOpts)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = service.NewSyncService(src, extractor.New(cfg.VoucherSender), voucherStore, service.SyncConfig{
		Sender:         cfg.VoucherSender,
		Subject:        cfg.VoucherSubject,
		MaxMessages:    cfg.MaxMessagesPerRun,
		PageSize:       cfg.PageSize,
		ExtractWorkers: cfg.ExtractWorkers,
		SeedCheckpoint: cfg.SeedCheckpoint,
		MarkAsRead:     cfg.MarkAsRead,
	})
	if recorder != nil {
		a.Service.WithRecorder(recorder)
	}
	a.Runner = service.NewExclusiveRunner(a.Service)

	log.Printf("Worker assembled (source: %s, store: %s, sender: %s)", cfg.MailSource, cfg.StoreBackend, cfg.VoucherSender)
	return a, nil
}

func newSource(ctx context.Context, cfg *config.Config, googleOpts []option.ClientOption) (source.Source, error) {
	switch cfg.MailSource {
	case config.SourceGmail:
		return gmail.NewClient(ctx, cfg.FetchWorkers, googleOpts...)
	case config.SourceIMAP:
		return imap.NewClient(imap.Config{
			Host:     cfg.IMAPHost,
			Port:     strconv.Itoa(cfg.IMAPPort),
			Username: cfg.IMAPUsername,
			Password: cfg.IMAPPassword,
			TLS:      cfg.IMAPTLS,
			Mailbox:  cfg.IMAPMailbox,
		}), nil
	default:
		return nil, fmt.Errorf("unknown mail source %q", cfg.MailSource)
	}
}

func (a *App) newStore(ctx context.Context, cfg *config.Config, googleOpts []option.ClientOption) (service.VoucherStore, service.RunRecorder, error) {
	switch cfg.StoreBackend {
	case config.StoreSheets:
		s, err := sheets.NewStore(ctx, sheets.Config{
			SpreadsheetID: cfg.SpreadsheetID,
			VoucherSheet:  cfg.VoucherSheet,
			StateSheet:    cfg.StateSheet,
			Location:      cfg.Location,
		}, googleOpts...)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	case config.StorePostgres:
		log.Println("Running database migrations...")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}

		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() error { return database.Close(db) })
		log.Println("Database connected successfully")

		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		runs := repository.NewSyncRunRepository(sqlDB)
		voucherStore := repository.NewStore(db)
		a.History, a.Vouchers = runs, voucherStore
		return voucherStore, runs, nil

	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.Vouchers = s
		log.Printf("SQLite store opened at %s", cfg.SQLitePath)
		return s, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Handler builds the HTTP handler with every view the store supports
func (a *App) Handler() *api.Handler {
	h := api.NewHandler(a.Runner)
	if a.History != nil {
		h.WithHistory(a.History)
	}
	if a.Vouchers != nil {
		h.WithVouchers(a.Vouchers)
	}
	return h
}

// Close releases store connections
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

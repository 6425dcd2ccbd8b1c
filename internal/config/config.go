package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Mail sources
const (
	SourceGmail = "gmail"
	SourceIMAP  = "imap"
)

// Store backends
const (
	StoreSheets   = "sheets"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	// Mail source
	MailSource     string `env:"MAIL_SOURCE" envDefault:"gmail"`
	VoucherSender  string `env:"VOUCHER_SENDER" envDefault:"gifts@gyftr.com"`
	VoucherSubject string `env:"VOUCHER_SUBJECT"`

	// Google OAuth (Gmail source, Sheets store)
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RefreshToken string `env:"REFRESH_TOKEN"`

	// IMAP source
	IMAPHost     string `env:"IMAP_HOST"`
	IMAPPort     int    `env:"IMAP_PORT" envDefault:"993"`
	IMAPUsername string `env:"IMAP_USERNAME"`
	IMAPPassword string `env:"IMAP_PASSWORD"`
	IMAPTLS      bool   `env:"IMAP_TLS" envDefault:"true"`
	IMAPMailbox  string `env:"IMAP_MAILBOX" envDefault:"INBOX"`

	// Store
	StoreBackend        string `env:"STORE_BACKEND" envDefault:"sheets"`
	SpreadsheetID       string `env:"SPREADSHEET_ID"`
	LegacySpreadsheetID string `env:"GYFTR_SPREADSHEET_ID"`
	VoucherSheet        string `env:"VOUCHER_SHEET"`
	StateSheet          string `env:"STATE_SHEET" envDefault:"_sync_state"`
	DatabaseURL         string `env:"DATABASE_URL"`
	SQLitePath          string `env:"SQLITE_PATH" envDefault:"vouchers.db"`

	// Sync
	MaxMessagesPerRun int    `env:"MAX_MESSAGES_PER_RUN" envDefault:"500"`
	PageSize          int    `env:"PAGE_SIZE" envDefault:"50"`
	ExtractWorkers    int    `env:"EXTRACT_WORKERS" envDefault:"4"`
	FetchWorkers      int    `env:"FETCH_WORKERS" envDefault:"4"`
	SeedCheckpoint    bool   `env:"SEED_CHECKPOINT" envDefault:"true"`
	MarkAsRead        bool   `env:"MARK_AS_READ" envDefault:"false"`
	Timezone          string `env:"TIMEZONE" envDefault:"Asia/Kolkata"`

	// Server
	Port            int `env:"PORT" envDefault:"8080"`
	PollInterval    int `env:"POLL_INTERVAL" envDefault:"0"`     // seconds, 0 disables polling
	ShutdownTimeout int `env:"SHUTDOWN_TIMEOUT" envDefault:"30"` // seconds

	Location *time.Location `env:"-"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.SpreadsheetID == "" {
		cfg.SpreadsheetID = cfg.LegacySpreadsheetID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings required by the selected source and store
func (c *Config) Validate() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	c.Location = loc

	switch c.MailSource {
	case SourceGmail:
		if err := c.requireGoogle(); err != nil {
			return err
		}
	case SourceIMAP:
		if c.IMAPHost == "" {
			return fmt.Errorf("IMAP_HOST is required")
		}
		if c.IMAPUsername == "" || c.IMAPPassword == "" {
			return fmt.Errorf("IMAP_USERNAME and IMAP_PASSWORD are required")
		}
	default:
		return fmt.Errorf("unknown MAIL_SOURCE %q", c.MailSource)
	}

	switch c.StoreBackend {
	case StoreSheets:
		if c.SpreadsheetID == "" {
			return fmt.Errorf("SPREADSHEET_ID is required")
		}
		if err := c.requireGoogle(); err != nil {
			return err
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.MaxMessagesPerRun <= 0 {
		return fmt.Errorf("MAX_MESSAGES_PER_RUN must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive")
	}

	return nil
}

func (c *Config) requireGoogle() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return fmt.Errorf("CLIENT_ID, CLIENT_SECRET and REFRESH_TOKEN are required")
	}
	return nil
}

// NeedsGoogle reports whether any configured component talks to Google APIs
func (c *Config) NeedsGoogle() bool {
	return c.MailSource == SourceGmail || c.StoreBackend == StoreSheets
}

// Command voucher-backfill runs one bounded scan over the mailbox and writes
// every voucher not already stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/vipul43/voucher-worker/internal/api"
	"github.com/vipul43/voucher-worker/internal/app"
	"github.com/vipul43/voucher-worker/internal/config"
	"github.com/vipul43/voucher-worker/internal/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Printf("Backfill failed: %v", err)
		os.Exit(1)
	}
}

// parseFlags builds the backfill trigger from command-line flags.
//
//	-max int             stop after this many messages (default MAX_MESSAGES_PER_RUN)
//	-page-size int       messages per source page (default PAGE_SIZE)
//	-after string        only messages received after YYYY-MM-DD or RFC 3339
//	-include-read        include messages already marked as read
//	-seed                store the source token after a complete scan
//	-reset-checkpoint    discard a corrupt checkpoint
func parseFlags(args []string, output io.Writer) (service.Trigger, error) {
	fs := flag.NewFlagSet("voucher-backfill", flag.ContinueOnError)
	fs.SetOutput(output)

	maxMessages := fs.Int("max", 0, "stop after this many messages (0 = MAX_MESSAGES_PER_RUN)")
	pageSize := fs.Int("page-size", 0, "messages per source page (0 = PAGE_SIZE)")
	after := fs.String("after", "", "only messages received after this date (YYYY-MM-DD or RFC 3339)")
	includeRead := fs.Bool("include-read", false, "include messages already marked as read")
	seed := fs.Bool("seed", false, "store the current source token after a complete scan")
	reset := fs.Bool("reset-checkpoint", false, "discard a corrupt checkpoint")

	if err := fs.Parse(args); err != nil {
		return service.Trigger{}, err
	}
	if fs.NArg() > 0 {
		return service.Trigger{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *maxMessages < 0 || *pageSize < 0 {
		return service.Trigger{}, fmt.Errorf("-max and -page-size must not be negative")
	}

	afterTime, err := api.ParseAfter(*after)
	if err != nil {
		return service.Trigger{}, err
	}

	return service.Trigger{
		Mode:            service.TriggerBackfill,
		Origin:          "cli",
		MaxMessages:     *maxMessages,
		PageSize:        *pageSize,
		SeedCheckpoint:  *seed,
		ResetCheckpoint: *reset,
		After:           afterTime,
		IncludeRead:     *includeRead,
	}, nil
}

func run(args []string) error {
	trigger, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Service.Run(ctx, trigger)
	if err != nil {
		return err
	}

	log.Printf("Backfill complete: scanned=%d written=%d duplicates=%d unmatched=%d parse_errors=%d truncated=%v checkpoint=%q",
		result.Scanned, result.Written, result.Duplicates, result.Unmatched,
		result.ParseErrors, result.Truncated, result.CheckpointAfter)
	return nil
}

package watcher

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/vipul43/voucher-worker/internal/service"
)

// Watcher triggers an automatic sync run on a fixed interval
type Watcher struct {
	interval time.Duration
	runner   service.Runner
}

func New(interval time.Duration, runner service.Runner) *Watcher {
	return &Watcher{
		interval: interval,
		runner:   runner,
	}
}

// Start runs one sync immediately and then one per interval until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	log.Printf("Starting watcher (poll interval: %s)...", w.interval)

	// Catch up on anything that arrived while the worker was down
	w.poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Watcher shutting down...")
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	result, err := w.runner.Run(ctx, service.AutoTrigger("poll"))
	switch {
	case errors.Is(err, service.ErrRunInProgress):
		log.Println("Skipping poll: a sync run is already in progress")
	case err != nil:
		log.Printf("Error running scheduled sync: %v", err)
	case result != nil && result.Written > 0:
		log.Printf("Scheduled sync wrote %d voucher(s)", result.Written)
	}
}

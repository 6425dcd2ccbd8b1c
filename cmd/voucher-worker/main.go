package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/vipul43/voucher-worker/internal/api"
	"github.com/vipul43/voucher-worker/internal/app"
	"github.com/vipul43/voucher-worker/internal/config"
	"github.com/vipul43/voucher-worker/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(a.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Start watcher in goroutine when polling is enabled
	watcherDone := make(chan struct{})
	if cfg.PollInterval > 0 {
		w := watcher.New(time.Duration(cfg.PollInterval)*time.Second, a.Runner)
		go func() {
			defer close(watcherDone)
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- err
			}
		}()
	} else {
		close(watcherDone)
		log.Println("Polling disabled, waiting for push notifications")
	}

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
	case err := <-errChan:
		log.Printf("Worker error: %v", err)
		cancel()
		shutdown(server, cfg.ShutdownTimeout, watcherDone)
		return err
	}

	cancel()
	shutdown(server, cfg.ShutdownTimeout, watcherDone)
	log.Println("Application stopped")
	return nil
}

// shutdown stops the HTTP server and waits for the watcher, bounded by the
// configured timeout. In-flight runs see a cancelled context and leave the
// checkpoint untouched.
func shutdown(server *http.Server, timeoutSeconds int, watcherDone <-chan struct{}) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}

	select {
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout exceeded")
	case <-watcherDone:
	}
}

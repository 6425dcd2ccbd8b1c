package service

import (
	"context"
	"errors"
	"sync"
)

// ErrRunInProgress is returned when a run is requested while another one
// is still in flight in this process
var ErrRunInProgress = errors.New("sync run already in progress")

// Runner executes sync runs
type Runner interface {
	Run(ctx context.Context, trigger Trigger) (*RunResult, error)
}

// ExclusiveRunner allows at most one in-flight run and remembers the
// outcome of the last one.
type ExclusiveRunner struct {
	runner Runner
	mu     sync.Mutex

	lastMu  sync.RWMutex
	last    *RunResult
	lastErr error
	running bool
}

func NewExclusiveRunner(runner Runner) *ExclusiveRunner {
	return &ExclusiveRunner{runner: runner}
}

// Run starts a run unless one is already in progress
func (e *ExclusiveRunner) Run(ctx context.Context, trigger Trigger) (*RunResult, error) {
	if !e.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.mu.Unlock()

	e.setRunning(true)
	result, err := e.runner.Run(ctx, trigger)

	e.lastMu.Lock()
	e.running = false
	if result != nil {
		e.last = result
	}
	e.lastErr = err
	e.lastMu.Unlock()

	return result, err
}

// RunnerStatus is a snapshot of an ExclusiveRunner
type RunnerStatus struct {
	Running bool
	Last    *RunResult
	LastErr error
}

// Status reports whether a run is in flight and how the last one ended
func (e *ExclusiveRunner) Status() RunnerStatus {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return RunnerStatus{Running: e.running, Last: e.last, LastErr: e.lastErr}
}

func (e *ExclusiveRunner) setRunning(running bool) {
	e.lastMu.Lock()
	e.running = running
	e.lastMu.Unlock()
}

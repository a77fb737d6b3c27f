package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// maxStartDelay caps the wait before the first pass.
const maxStartDelay = 30 * time.Second

// Timer runs reconciliation on a fixed interval. The first pass happens
// shortly after start so holds left by a previous process are swept
// without waiting a full interval.
type Timer struct {
	runner     *Runner
	interval   time.Duration
	startDelay time.Duration
	logger     *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
	passes   atomic.Int64
}

// NewTimer creates a reconciliation timer. interval <= 0 means five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:     runner,
		interval:   interval,
		startDelay: min(interval, maxStartDelay),
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Passes is the number of passes attempted so far.
func (t *Timer) Passes() int64 {
	return t.passes.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	next := time.NewTimer(t.startDelay)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-next.C:
			t.pass(ctx)
			next.Reset(t.interval)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// pass runs one reconciliation; a panic is logged instead of killing the loop.
func (t *Timer) pass(ctx context.Context) {
	t.passes.Add(1)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}

// Package ager runs the Priority Ager background loop: it bumps the
// priority of long-waiting PENDING tasks so low-priority work is never
// starved indefinitely behind a flood of high-priority tasks.
package ager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/store"
)

// Config holds the Ager's dependencies and tuning knobs (the defaults).
type Config struct {
	Store          *store.Store
	Logger         *slog.Logger
	Interval       time.Duration // tick interval; defaults to 60s
	AgingThreshold time.Duration // defaults to 300s
	AgingStep      int           // defaults to 1
	MaxPriority    int           // defaults to 3
}

// Ager periodically ages queued tasks' priority.
type Ager struct {
	store          *store.Store
	logger         *slog.Logger
	interval       time.Duration
	agingThreshold time.Duration
	agingStep      int
	maxPriority    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Ager with the given config, applying the defaults for
// any zero-valued field.
func New(cfg Config) *Ager {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	threshold := cfg.AgingThreshold
	if threshold <= 0 {
		threshold = 300 * time.Second
	}
	step := cfg.AgingStep
	if step <= 0 {
		step = 1
	}
	maxPriority := cfg.MaxPriority
	if maxPriority <= 0 {
		maxPriority = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ager{
		store:          cfg.Store,
		logger:         logger,
		interval:       interval,
		agingThreshold: threshold,
		agingStep:      step,
		maxPriority:    maxPriority,
	}
}

// Start begins the aging loop in a background goroutine.
func (a *Ager) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info("priority ager started", "interval", a.interval, "threshold", a.agingThreshold)
}

// Stop cancels the loop and waits for it to exit.
func (a *Ager) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("priority ager stopped")
}

func (a *Ager) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Ager) tick(ctx context.Context) {
	n, err := a.store.AgeQueuedPriorities(ctx, a.agingThreshold, a.agingStep, a.maxPriority)
	if err != nil {
		a.logger.Error("priority ager: aging pass failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("priority ager: bumped priority", "count", n)
	}
}

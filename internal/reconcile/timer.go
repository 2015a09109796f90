package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mucyo/paylock/internal/escrow"
)

// Timer periodically polls the provider for transactions whose status
// hasn't been checked recently. It is the safety net behind webhooks.
type Timer struct {
	service        *Service
	store          escrow.Store
	interval       time.Duration
	staleThreshold time.Duration
	batchSize      int
	logger         *slog.Logger
	stop           chan struct{}
	running        atomic.Bool
}

// NewTimer creates a new reconciliation sweep timer.
func NewTimer(service *Service, store escrow.Store, interval, staleThreshold time.Duration, batchSize int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleThreshold <= 0 {
		staleThreshold = 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:        service,
		store:          store,
		interval:       interval,
		staleThreshold: staleThreshold,
		batchSize:      batchSize,
		logger:         logger,
		stop:           make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-t.staleThreshold)

	stale, err := t.store.ListForSweep(ctx, cutoff, t.batchSize)
	if err != nil {
		t.logger.Warn("failed to list transactions for sweep", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	t.logger.Info("reconciliation sweep started", "count", len(stale))

	for _, txn := range stale {
		if err := t.service.CheckTransaction(ctx, txn); err != nil {
			t.logger.Warn("sweep check failed",
				"transactionId", txn.ID, "status", txn.Status, "error", err)
		}
	}
}

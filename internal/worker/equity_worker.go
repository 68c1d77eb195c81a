package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EquitySnapshotter records one equity point per demo account
type EquitySnapshotter interface {
	SnapshotAll(ctx context.Context) (int, error)
}

// EquityWorker periodically appends equity snapshots so the curve moves
// with the market between trades
type EquityWorker struct {
	ledger   EquitySnapshotter
	interval time.Duration
	log      *zap.Logger
	stopChan chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewEquityWorker creates a new equity snapshot worker
func NewEquityWorker(ledger EquitySnapshotter, interval time.Duration, log *zap.Logger) *EquityWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &EquityWorker{
		ledger:   ledger,
		interval: interval,
		log:      log.Named("equity"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the snapshot loop until Stop is called or ctx is done
func (w *EquityWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer close(w.done)
	w.log.Info("equity worker started", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.snapshot(ctx)
		case <-w.stopChan:
			w.log.Info("equity worker stopped")
			return
		case <-ctx.Done():
			w.log.Info("equity worker stopped")
			return
		}
	}
}

// Stop stops the loop and waits for the running pass to finish.
// It returns at once when the loop was never started.
func (w *EquityWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *EquityWorker) snapshot(ctx context.Context) {
	started := time.Now()
	n, err := w.ledger.SnapshotAll(ctx)
	if err != nil {
		w.log.Error("equity snapshot pass failed", zap.Int("recorded", n), zap.Error(err))
		return
	}
	w.log.Debug("equity snapshot pass", zap.Int("recorded", n), zap.Duration("took", time.Since(started)))
}

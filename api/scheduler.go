/*
scheduler.go - Automated reconciliation sweep

PURPOSE:
  Periodically finishes transactions whose supply movement did not land
  and expires stale PENDING purchases, so a crash between the balance
  write and the supply write never leaves the ledgers apart for long.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick runs one bounded TransactionLog.Sweep
  - A halted ledger makes the sweep stop early; the next tick retries

USAGE:
  scheduler := NewSweepScheduler(l.Transactions, cfg, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/sweep.go: the sweep itself
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mypts/points-ledger/ledger"
)

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context, cfg ledger.SweepConfig) (ledger.SweepResult, error)
}

// SweepScheduler runs the sweep on a fixed interval.
type SweepScheduler struct {
	Sweeper       Sweeper
	Config        ledger.SweepConfig
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler with a one minute interval.
func NewSweepScheduler(s Sweeper, cfg ledger.SweepConfig, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Sweeper:       s,
		Config:        cfg,
		CheckInterval: time.Minute,
		Enabled:       true,
		Logger:        logger.With("component", "sweep_scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.Logger.Info("disabled, not starting")
		return
	}
	if ss.ticker != nil {
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.stop = make(chan struct{})
	ss.wg.Add(1)

	go ss.run(ss.ticker, ss.stop)

	ss.Logger.Info("started", "interval", ss.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker == nil {
		return
	}
	ss.ticker.Stop()
	close(ss.stop)
	ss.wg.Wait()
	ss.ticker = nil
	ss.Logger.Info("stopped")
}

func (ss *SweepScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ss.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	ss.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			ss.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns its result.
func (ss *SweepScheduler) RunNow(ctx context.Context) ledger.SweepResult {
	res, err := ss.Sweeper.Sweep(ctx, ss.Config)
	if err != nil {
		ss.Logger.Warn("sweep stopped early", "error", err, "applied", res.Applied, "expired", res.Expired)
		return res
	}
	if res.Applied > 0 || res.Expired > 0 || res.Errors > 0 {
		ss.Logger.Info("sweep completed", "applied", res.Applied, "expired", res.Expired, "errors", res.Errors)
	}
	return res
}

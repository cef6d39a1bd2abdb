package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SweepConfig bounds one reconciliation pass.
type SweepConfig struct {
	// BatchSize caps how many rows each phase looks at. Zero means 100.
	BatchSize int
	// PendingTTL expires PENDING transactions older than this. Zero disables.
	PendingTTL time.Duration
}

type SweepResult struct {
	Applied int // supply movements finished
	Expired int // stale PENDING rows failed
	Errors  int // rows left for the next pass
}

// Sweep finishes COMPLETED transactions whose supply movement never landed
// and fails PENDING transactions older than PendingTTL. It stops early
// when the supply ledger is halted.
func (l *TransactionLog) Sweep(ctx context.Context, cfg SweepConfig) (SweepResult, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	var res SweepResult

	unapplied := false
	pending, err := l.store.ListTransactions(ctx, TransactionFilter{
		Statuses:      []TransactionStatus{StatusCompleted},
		SupplyApplied: &unapplied,
		Ascending:     true,
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("list unapplied: %w", err)
	}
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := l.applySupply(ctx, tx.ID); err != nil {
			res.Errors++
			if errors.Is(err, ErrLedgerHalted) || errors.Is(err, ErrInternalConsistency) {
				l.metrics.Sweep(res.Applied, res.Expired, res.Errors)
				return res, err
			}
			continue
		}
		res.Applied++
	}

	if cfg.PendingTTL > 0 {
		cutoff := l.now().UTC().Add(-cfg.PendingTTL)
		stale, err := l.store.ListTransactions(ctx, TransactionFilter{
			Statuses:  []TransactionStatus{StatusPending},
			Until:     &cutoff,
			Ascending: true,
			Limit:     cfg.BatchSize,
		})
		if err != nil {
			return res, fmt.Errorf("list stale pending: %w", err)
		}
		for _, tx := range stale {
			_, err := l.Fail(ctx, tx.ID, "expired")
			switch {
			case errors.Is(err, ErrInvalidTransition):
				// completed while we were looking
			case err != nil:
				res.Errors++
			default:
				res.Expired++
			}
		}
	}

	l.metrics.Sweep(res.Applied, res.Expired, res.Errors)
	if res.Applied+res.Expired+res.Errors > 0 {
		l.logger.Info("sweep finished", "applied", res.Applied, "expired", res.Expired, "errors", res.Errors)
	}
	return res, nil
}

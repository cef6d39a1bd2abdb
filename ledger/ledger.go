/*
ledger.go - Wiring for the three ledgers over one store

PURPOSE:
  Builds SupplyLedger, BalanceLedger and TransactionLog against the same
  TxStore with shared retry, logging and metrics settings. Higher layers
  (rewards, payments, api) take a *Ledger and never construct the parts
  themselves.

DEPENDENCY ORDER:
  SupplyLedger, BalanceLedger  <-  TransactionLog  <-  rewards, payments

  The lower ledgers never call upward.
*/
package ledger

import (
	"log/slog"
	"time"

	"github.com/mypts/points-ledger/metrics"
)

type Config struct {
	Retry     RetryPolicy
	Shortfall ShortfallPolicy
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Alert     AlertFunc
	Now       func() time.Time
}

type Ledger struct {
	Supply       *SupplyLedger
	Balances     *BalanceLedger
	Transactions *TransactionLog
}

func New(store TxStore, cfg Config) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	supply := NewSupplyLedger(store, SupplyConfig{
		Retry:     cfg.Retry,
		Shortfall: cfg.Shortfall,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Alert:     cfg.Alert,
		Now:       cfg.Now,
	})
	balances := NewBalanceLedger(store, cfg.Logger, cfg.Now)
	txlog := NewTransactionLog(store, balances, supply, LogConfig{
		Retry:   cfg.Retry,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Now:     cfg.Now,
	})
	return &Ledger{Supply: supply, Balances: balances, Transactions: txlog}
}

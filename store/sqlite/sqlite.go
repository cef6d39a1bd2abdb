/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.TxStore and rewards.RuleStore using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  ledger.TxStore:    Supply singleton, balances, transactions, supply log
  rewards.RuleStore: Reward rule configuration

COMPARE-AND-SWAP:
  Versioned rows are updated with
    UPDATE ... SET ..., version = :next WHERE key = :key AND version = :expected
  Zero rows affected means either the row is gone (ErrNotFound) or
  someone else won (ErrVersionConflict).

KEY TABLES:
  supply:           Singleton row (id = 1)
  supply_logs:      Append-only record of every supply mutation
  profile_balances: One row per profile
  transactions:     One row per economic event
  reward_rules:     Activity reward configuration

INDEXES:
  - idx_transactions_reference_active: reference_id unique among non-FAILED rows
  - idx_transactions_profile_created: Balance history and audits (hot path)
  - idx_transactions_profile_activity: Cooldown and daily cap checks
  - idx_transactions_unapplied: Reconciliation sweep

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a unit
  opened by WithTx sees its own writes and nothing else interleaves.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/rewards"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Supply singleton
	CREATE TABLE IF NOT EXISTS supply (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_supply INTEGER NOT NULL CHECK (total_supply >= 0),
		circulating_supply INTEGER NOT NULL CHECK (circulating_supply >= 0),
		holding_supply INTEGER NOT NULL CHECK (holding_supply >= 0),
		reserve_supply INTEGER NOT NULL CHECK (reserve_supply >= 0),
		max_supply INTEGER,
		value_per_point TEXT NOT NULL,
		last_adjustment TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	-- Supply log (append-only)
	CREATE TABLE IF NOT EXISTS supply_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT,
		metadata_json TEXT,
		transaction_id TEXT,
		before_total INTEGER NOT NULL,
		before_circulating INTEGER NOT NULL,
		before_holding INTEGER NOT NULL,
		before_reserve INTEGER NOT NULL,
		after_total INTEGER NOT NULL,
		after_circulating INTEGER NOT NULL,
		after_holding INTEGER NOT NULL,
		after_reserve INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Profile balances
	CREATE TABLE IF NOT EXISTS profile_balances (
		profile_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		lifetime_earned INTEGER NOT NULL,
		lifetime_spent INTEGER NOT NULL,
		last_transaction_at TEXT,
		last_transaction_id TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Transactions
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		profile_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'COMPLETED', 'FAILED')),
		reference_id TEXT,
		description TEXT,
		metadata_json TEXT,
		activity_type TEXT,
		fail_reason TEXT,
		supply_applied INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one live transaction per external reference
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference_active
		ON transactions(reference_id)
		WHERE reference_id IS NOT NULL AND status != 'FAILED';

	CREATE INDEX IF NOT EXISTS idx_transactions_profile_created
		ON transactions(profile_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_transactions_profile_activity
		ON transactions(profile_id, activity_type, created_at);

	CREATE INDEX IF NOT EXISTS idx_transactions_unapplied
		ON transactions(status, supply_applied, created_at);

	-- Reward rules
	CREATE TABLE IF NOT EXISTS reward_rules (
		activity_type TEXT PRIMARY KEY,
		points_rewarded INTEGER NOT NULL,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		max_rewards_per_day INTEGER NOT NULL DEFAULT 0,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SUPPLY
// =============================================================================

func (s *Store) GetSupply(ctx context.Context) (ledger.SupplyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSupply(ctx, s.db)
}

func getSupply(ctx context.Context, q querier) (ledger.SupplyState, error) {
	var (
		st         ledger.SupplyState
		maxSupply  sql.NullInt64
		value      string
		lastAdjust string
	)
	err := q.QueryRowContext(ctx, `
		SELECT total_supply, circulating_supply, holding_supply, reserve_supply,
		       max_supply, value_per_point, last_adjustment, version
		FROM supply WHERE id = 1
	`).Scan(&st.TotalSupply, &st.CirculatingSupply, &st.HoldingSupply, &st.ReserveSupply,
		&maxSupply, &value, &lastAdjust, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SupplyState{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.SupplyState{}, fmt.Errorf("failed to load supply: %w", err)
	}
	if maxSupply.Valid {
		v := maxSupply.Int64
		st.MaxSupply = &v
	}
	if st.ValuePerPoint, err = decimal.NewFromString(value); err != nil {
		return ledger.SupplyState{}, fmt.Errorf("bad value_per_point %q: %w", value, err)
	}
	st.LastAdjustment = parseTime(lastAdjust)
	return st, nil
}

func (s *Store) CreateSupply(ctx context.Context, st ledger.SupplyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createSupply(ctx, s.db, st)
}

func createSupply(ctx context.Context, q querier, st ledger.SupplyState) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO supply (id, total_supply, circulating_supply, holding_supply, reserve_supply,
		                    max_supply, value_per_point, last_adjustment, version)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.TotalSupply, st.CirculatingSupply, st.HoldingSupply, st.ReserveSupply,
		nullInt(st.MaxSupply), st.ValuePerPoint.String(), formatTime(st.LastAdjustment), st.Version)
	if isUniqueConstraintError(err) {
		return ledger.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create supply: %w", err)
	}
	return nil
}

func (s *Store) UpdateSupply(ctx context.Context, next ledger.SupplyState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSupply(ctx, s.db, next, expectedVersion)
}

func updateSupply(ctx context.Context, q querier, next ledger.SupplyState, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE supply
		SET total_supply = ?, circulating_supply = ?, holding_supply = ?, reserve_supply = ?,
		    max_supply = ?, value_per_point = ?, last_adjustment = ?, version = ?
		WHERE id = 1 AND version = ?
	`, next.TotalSupply, next.CirculatingSupply, next.HoldingSupply, next.ReserveSupply,
		nullInt(next.MaxSupply), next.ValuePerPoint.String(), formatTime(next.LastAdjustment),
		next.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update supply: %w", err)
	}
	return casResult(ctx, q, res, "SELECT COUNT(*) FROM supply WHERE id = 1")
}

func (s *Store) AppendSupplyLog(ctx context.Context, e ledger.SupplyLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendSupplyLog(ctx, s.db, e)
}

func appendSupplyLog(ctx context.Context, q querier, e ledger.SupplyLogEntry) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO supply_logs
		(id, action, amount, reason, metadata_json, transaction_id,
		 before_total, before_circulating, before_holding, before_reserve,
		 after_total, after_circulating, after_holding, after_reserve, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Action), e.Amount, nullString(e.Reason), meta, nullString(string(e.TransactionID)),
		e.Before.Total, e.Before.Circulating, e.Before.Holding, e.Before.Reserve,
		e.After.Total, e.After.Circulating, e.After.Holding, e.After.Reserve,
		formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append supply log: %w", err)
	}
	return nil
}

func (s *Store) ListSupplyLogs(ctx context.Context, limit int) ([]ledger.SupplyLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSupplyLogs(ctx, s.db, limit)
}

func listSupplyLogs(ctx context.Context, q querier, limit int) ([]ledger.SupplyLogEntry, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, action, amount, reason, metadata_json, transaction_id,
		       before_total, before_circulating, before_holding, before_reserve,
		       after_total, after_circulating, after_holding, after_reserve, created_at
		FROM supply_logs ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query supply logs: %w", err)
	}
	defer rows.Close()

	entries := []ledger.SupplyLogEntry{}
	for rows.Next() {
		var (
			e         ledger.SupplyLogEntry
			action    string
			reason    sql.NullString
			meta      sql.NullString
			txID      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &action, &e.Amount, &reason, &meta, &txID,
			&e.Before.Total, &e.Before.Circulating, &e.Before.Holding, &e.Before.Reserve,
			&e.After.Total, &e.After.Circulating, &e.After.Holding, &e.After.Reserve, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan supply log: %w", err)
		}
		e.Action = ledger.SupplyAction(action)
		e.Reason = reason.String
		e.TransactionID = ledger.TransactionID(txID.String)
		e.CreatedAt = parseTime(createdAt)
		if e.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PROFILE BALANCES
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, id ledger.ProfileID) (ledger.ProfileBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, id)
}

func getBalance(ctx context.Context, q querier, id ledger.ProfileID) (ledger.ProfileBalance, error) {
	var (
		b         ledger.ProfileBalance
		lastAt    sql.NullString
		lastTxID  sql.NullString
		createdAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT profile_id, balance, lifetime_earned, lifetime_spent,
		       last_transaction_at, last_transaction_id, version, created_at
		FROM profile_balances WHERE profile_id = ?
	`, id).Scan(&b.ProfileID, &b.Balance, &b.LifetimeEarned, &b.LifetimeSpent,
		&lastAt, &lastTxID, &b.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ProfileBalance{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.ProfileBalance{}, fmt.Errorf("failed to load balance: %w", err)
	}
	b.LastTransaction = parseNullTime(lastAt)
	b.LastTransactionID = ledger.TransactionID(lastTxID.String)
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

func (s *Store) CreateBalance(ctx context.Context, b ledger.ProfileBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createBalance(ctx, s.db, b)
}

func createBalance(ctx context.Context, q querier, b ledger.ProfileBalance) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO profile_balances
		(profile_id, balance, lifetime_earned, lifetime_spent, last_transaction_at,
		 last_transaction_id, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ProfileID, b.Balance, b.LifetimeEarned, b.LifetimeSpent, nullTime(b.LastTransaction),
		nullString(string(b.LastTransactionID)), b.Version, formatTime(b.CreatedAt))
	if isUniqueConstraintError(err) {
		return ledger.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	return nil
}

func (s *Store) UpdateBalance(ctx context.Context, next ledger.ProfileBalance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateBalance(ctx, s.db, next, expectedVersion)
}

func updateBalance(ctx context.Context, q querier, next ledger.ProfileBalance, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE profile_balances
		SET balance = ?, lifetime_earned = ?, lifetime_spent = ?, last_transaction_at = ?,
		    last_transaction_id = ?, version = ?
		WHERE profile_id = ? AND version = ?
	`, next.Balance, next.LifetimeEarned, next.LifetimeSpent, nullTime(next.LastTransaction),
		nullString(string(next.LastTransactionID)), next.Version, next.ProfileID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return casResult(ctx, q, res, "SELECT COUNT(*) FROM profile_balances WHERE profile_id = ?", next.ProfileID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const txColumns = `id, profile_id, tx_type, amount, balance_after, status, reference_id, description,
	metadata_json, fail_reason, supply_applied, version, created_at, completed_at, updated_at`

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTransaction(ctx, s.db, tx)
}

func insertTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	meta, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, profile_id, tx_type, amount, balance_after, status, reference_id, description,
		 metadata_json, activity_type, fail_reason, supply_applied, version, created_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.ProfileID, string(tx.Type), tx.Amount, tx.BalanceAfter, string(tx.Status),
		nullString(tx.ReferenceID), nullString(tx.Description), meta, nullString(tx.ActivityType()),
		nullString(tx.FailReason), tx.SupplyApplied, tx.Version, formatTime(tx.CreatedAt),
		nullTime(tx.CompletedAt), formatTime(tx.UpdatedAt))
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "reference_id") {
			return ledger.ErrDuplicateReference
		}
		return ledger.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id ledger.TransactionID) (ledger.Transaction, error) {
	return queryOneTransaction(ctx, q, "SELECT "+txColumns+" FROM transactions WHERE id = ?", id)
}

func (s *Store) FindByReference(ctx context.Context, ref string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByReference(ctx, s.db, ref)
}

func findByReference(ctx context.Context, q querier, ref string) (ledger.Transaction, error) {
	return queryOneTransaction(ctx, q,
		"SELECT "+txColumns+" FROM transactions WHERE reference_id = ? AND status != 'FAILED'", ref)
}

func queryOneTransaction(ctx context.Context, q querier, query string, args ...any) (ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, q, query, args...)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return txs[0], nil
}

func (s *Store) UpdateTransaction(ctx context.Context, next ledger.Transaction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTransaction(ctx, s.db, next, expectedVersion)
}

func updateTransaction(ctx context.Context, q querier, next ledger.Transaction, expectedVersion int64) error {
	meta, err := marshalMetadata(next.Metadata)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE transactions
		SET balance_after = ?, status = ?, description = ?, metadata_json = ?, fail_reason = ?,
		    supply_applied = ?, version = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.BalanceAfter, string(next.Status), nullString(next.Description), meta,
		nullString(next.FailReason), next.SupplyApplied, next.Version, nullTime(next.CompletedAt),
		formatTime(next.UpdatedAt), next.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return casResult(ctx, q, res, "SELECT COUNT(*) FROM transactions WHERE id = ?", next.ID)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, f)
}

func listTransactions(ctx context.Context, q querier, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	where, args := filterClause(f)
	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf("SELECT %s FROM transactions%s ORDER BY created_at %s, seq %s LIMIT ? OFFSET ?",
		txColumns, where, order, order)
	args = append(args, limit, f.Offset)
	return queryTransactions(ctx, q, query, args...)
}

func (s *Store) CountTransactions(ctx context.Context, f ledger.TransactionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countTransactions(ctx, s.db, f)
}

func countTransactions(ctx context.Context, q querier, f ledger.TransactionFilter) (int, error) {
	where, args := filterClause(f)
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// filterClause translates a TransactionFilter (minus paging) into SQL.
func filterClause(f ledger.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ProfileID != "" {
		conds = append(conds, "profile_id = ?")
		args = append(args, f.ProfileID)
	}
	if len(f.Types) > 0 {
		conds = append(conds, "tx_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.ActivityType != "" {
		conds = append(conds, "activity_type = ?")
		args = append(args, f.ActivityType)
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(*f.Until))
	}
	if f.SupplyApplied != nil {
		conds = append(conds, "supply_applied = ?")
		args = append(args, *f.SupplyApplied)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		txType      string
		status      string
		referenceID sql.NullString
		description sql.NullString
		meta        sql.NullString
		failReason  sql.NullString
		createdAt   string
		completedAt sql.NullString
		updatedAt   string
	)

	err := rows.Scan(
		&tx.ID, &tx.ProfileID, &txType, &tx.Amount, &tx.BalanceAfter, &status,
		&referenceID, &description, &meta, &failReason, &tx.SupplyApplied, &tx.Version,
		&createdAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = ledger.TransactionType(txType)
	tx.Status = ledger.TransactionStatus(status)
	tx.ReferenceID = referenceID.String
	tx.Description = description.String
	tx.FailReason = failReason.String
	tx.CreatedAt = parseTime(createdAt)
	tx.CompletedAt = parseNullTime(completedAt)
	tx.UpdatedAt = parseTime(updatedAt)
	if tx.Metadata, err = unmarshalMetadata(meta); err != nil {
		return tx, err
	}
	return tx, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetSupply(ctx context.Context) (ledger.SupplyState, error) {
	return getSupply(ctx, ts.tx)
}

func (ts *txStore) CreateSupply(ctx context.Context, st ledger.SupplyState) error {
	return createSupply(ctx, ts.tx, st)
}

func (ts *txStore) UpdateSupply(ctx context.Context, next ledger.SupplyState, expectedVersion int64) error {
	return updateSupply(ctx, ts.tx, next, expectedVersion)
}

func (ts *txStore) AppendSupplyLog(ctx context.Context, e ledger.SupplyLogEntry) error {
	return appendSupplyLog(ctx, ts.tx, e)
}

func (ts *txStore) ListSupplyLogs(ctx context.Context, limit int) ([]ledger.SupplyLogEntry, error) {
	return listSupplyLogs(ctx, ts.tx, limit)
}

func (ts *txStore) GetBalance(ctx context.Context, id ledger.ProfileID) (ledger.ProfileBalance, error) {
	return getBalance(ctx, ts.tx, id)
}

func (ts *txStore) CreateBalance(ctx context.Context, b ledger.ProfileBalance) error {
	return createBalance(ctx, ts.tx, b)
}

func (ts *txStore) UpdateBalance(ctx context.Context, next ledger.ProfileBalance, expectedVersion int64) error {
	return updateBalance(ctx, ts.tx, next, expectedVersion)
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return insertTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) FindByReference(ctx context.Context, ref string) (ledger.Transaction, error) {
	return findByReference(ctx, ts.tx, ref)
}

func (ts *txStore) UpdateTransaction(ctx context.Context, next ledger.Transaction, expectedVersion int64) error {
	return updateTransaction(ctx, ts.tx, next, expectedVersion)
}

func (ts *txStore) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return listTransactions(ctx, ts.tx, f)
}

func (ts *txStore) CountTransactions(ctx context.Context, f ledger.TransactionFilter) (int, error) {
	return countTransactions(ctx, ts.tx, f)
}

// =============================================================================
// REWARD RULES (rewards.RuleStore interface)
// =============================================================================

func (s *Store) GetRule(ctx context.Context, activity rewards.ActivityType) (rewards.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules, err := s.queryRules(ctx, "WHERE activity_type = ?", string(activity))
	if err != nil {
		return rewards.Rule{}, err
	}
	if len(rules) == 0 {
		return rewards.Rule{}, ledger.ErrNotFound
	}
	return rules[0], nil
}

func (s *Store) ListRules(ctx context.Context) ([]rewards.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRules(ctx, "ORDER BY activity_type")
}

// SaveRule inserts or replaces the rule for its activity.
func (s *Store) SaveRule(ctx context.Context, r rewards.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_rules (activity_type, points_rewarded, cooldown_seconds, max_rewards_per_day, is_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_type) DO UPDATE SET
			points_rewarded = excluded.points_rewarded,
			cooldown_seconds = excluded.cooldown_seconds,
			max_rewards_per_day = excluded.max_rewards_per_day,
			is_enabled = excluded.is_enabled,
			updated_at = excluded.updated_at
	`, string(r.ActivityType), r.PointsRewarded, int64(r.CooldownPeriod/time.Second), r.MaxRewardsPerDay,
		r.IsEnabled, formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save reward rule: %w", err)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, activity rewards.ActivityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM reward_rules WHERE activity_type = ?", string(activity))
	if err != nil {
		return fmt.Errorf("failed to delete reward rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, clause string, args ...any) ([]rewards.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_type, points_rewarded, cooldown_seconds, max_rewards_per_day, is_enabled, updated_at
		FROM reward_rules `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward rules: %w", err)
	}
	defer rows.Close()

	rules := []rewards.Rule{}
	for rows.Next() {
		var (
			r         rewards.Rule
			activity  string
			cooldown  int64
			updatedAt string
		)
		if err := rows.Scan(&activity, &r.PointsRewarded, &cooldown, &r.MaxRewardsPerDay, &r.IsEnabled, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward rule: %w", err)
		}
		r.ActivityType = rewards.ActivityType(activity)
		r.CooldownPeriod = time.Duration(cooldown) * time.Second
		r.UpdatedAt = parseTime(updatedAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// casResult maps a zero-row UPDATE to ErrNotFound or ErrVersionConflict.
func casResult(ctx context.Context, q querier, res sql.Result, existsQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx, existsQuery, args...).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ledger.ErrNotFound
	}
	return ledger.ErrVersionConflict
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalMetadata(m ledger.Metadata) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMetadata(s sql.NullString) (ledger.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m ledger.Metadata
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var (
	_ ledger.TxStore    = (*Store)(nil)
	_ ledger.Store      = (*txStore)(nil)
	_ rewards.RuleStore = (*Store)(nil)
)

// Package store provides in-memory ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mypts/points-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Hooks let tests inject faults. Each hook runs under the store lock just
// before the write it names; a non-nil error aborts the write.
type Hooks struct {
	BeforeUpdateSupply      func(next ledger.SupplyState) error
	BeforeUpdateBalance     func(next ledger.ProfileBalance) error
	BeforeUpdateTransaction func(next ledger.Transaction) error
}

type Memory struct {
	mu    sync.RWMutex
	hooks Hooks
	data  memoryData
}

type memoryData struct {
	supply   *ledger.SupplyState
	logs     []ledger.SupplyLogEntry
	balances map[ledger.ProfileID]ledger.ProfileBalance
	txs      map[ledger.TransactionID]ledger.Transaction
	seq      map[ledger.TransactionID]int // insertion order, ties on CreatedAt
	refs     map[string]ledger.TransactionID
}

func NewMemory() *Memory {
	return &Memory{data: memoryData{
		balances: make(map[ledger.ProfileID]ledger.ProfileBalance),
		txs:      make(map[ledger.TransactionID]ledger.Transaction),
		seq:      make(map[ledger.TransactionID]int),
		refs:     make(map[string]ledger.TransactionID),
	}}
}

// SetHooks replaces the fault-injection hooks.
func (m *Memory) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// PutSupply overwrites the supply row without any checks. Tests use it to
// corrupt state on purpose.
func (m *Memory) PutSupply(s ledger.SupplyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.supply = copySupply(&s)
}

func copySupply(s *ledger.SupplyState) *ledger.SupplyState {
	c := *s
	if s.MaxSupply != nil {
		v := *s.MaxSupply
		c.MaxSupply = &v
	}
	return &c
}

func copyTx(tx ledger.Transaction) ledger.Transaction {
	tx.Metadata = tx.Metadata.Clone()
	if tx.CompletedAt != nil {
		at := *tx.CompletedAt
		tx.CompletedAt = &at
	}
	return tx
}

// =============================================================================
// SUPPLY
// =============================================================================

func (m *Memory) GetSupply(_ context.Context) (ledger.SupplyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSupplyLocked()
}

func (m *Memory) getSupplyLocked() (ledger.SupplyState, error) {
	if m.data.supply == nil {
		return ledger.SupplyState{}, ledger.ErrNotFound
	}
	return *copySupply(m.data.supply), nil
}

func (m *Memory) CreateSupply(_ context.Context, s ledger.SupplyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSupplyLocked(s)
}

func (m *Memory) createSupplyLocked(s ledger.SupplyState) error {
	if m.data.supply != nil {
		return ledger.ErrAlreadyExists
	}
	m.data.supply = copySupply(&s)
	return nil
}

func (m *Memory) UpdateSupply(_ context.Context, next ledger.SupplyState, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSupplyLocked(next, expectedVersion)
}

func (m *Memory) updateSupplyLocked(next ledger.SupplyState, expectedVersion int64) error {
	if m.hooks.BeforeUpdateSupply != nil {
		if err := m.hooks.BeforeUpdateSupply(next); err != nil {
			return err
		}
	}
	if m.data.supply == nil {
		return ledger.ErrNotFound
	}
	if m.data.supply.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	m.data.supply = copySupply(&next)
	return nil
}

func (m *Memory) AppendSupplyLog(_ context.Context, entry ledger.SupplyLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendSupplyLogLocked(entry)
	return nil
}

func (m *Memory) appendSupplyLogLocked(entry ledger.SupplyLogEntry) {
	entry.Metadata = entry.Metadata.Clone()
	m.data.logs = append(m.data.logs, entry)
}

// ListSupplyLogs returns newest first.
func (m *Memory) ListSupplyLogs(_ context.Context, limit int) ([]ledger.SupplyLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSupplyLogsLocked(limit), nil
}

func (m *Memory) listSupplyLogsLocked(limit int) []ledger.SupplyLogEntry {
	n := len(m.data.logs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ledger.SupplyLogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.data.logs[i])
	}
	return out
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, id ledger.ProfileID) (ledger.ProfileBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalanceLocked(id)
}

func (m *Memory) getBalanceLocked(id ledger.ProfileID) (ledger.ProfileBalance, error) {
	b, ok := m.data.balances[id]
	if !ok {
		return ledger.ProfileBalance{}, ledger.ErrNotFound
	}
	return b, nil
}

func (m *Memory) CreateBalance(_ context.Context, b ledger.ProfileBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBalanceLocked(b)
}

func (m *Memory) createBalanceLocked(b ledger.ProfileBalance) error {
	if _, ok := m.data.balances[b.ProfileID]; ok {
		return ledger.ErrAlreadyExists
	}
	m.data.balances[b.ProfileID] = b
	return nil
}

func (m *Memory) UpdateBalance(_ context.Context, next ledger.ProfileBalance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBalanceLocked(next, expectedVersion)
}

func (m *Memory) updateBalanceLocked(next ledger.ProfileBalance, expectedVersion int64) error {
	if m.hooks.BeforeUpdateBalance != nil {
		if err := m.hooks.BeforeUpdateBalance(next); err != nil {
			return err
		}
	}
	cur, ok := m.data.balances[next.ProfileID]
	if !ok {
		return ledger.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	m.data.balances[next.ProfileID] = next
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTransactionLocked(tx)
}

func (m *Memory) insertTransactionLocked(tx ledger.Transaction) error {
	if _, ok := m.data.txs[tx.ID]; ok {
		return ledger.ErrAlreadyExists
	}
	if tx.ReferenceID != "" && tx.Status != ledger.StatusFailed {
		if _, taken := m.data.refs[tx.ReferenceID]; taken {
			return ledger.ErrDuplicateReference
		}
		m.data.refs[tx.ReferenceID] = tx.ID
	}
	m.data.txs[tx.ID] = copyTx(tx)
	m.data.seq[tx.ID] = len(m.data.seq)
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (ledger.Transaction, error) {
	tx, ok := m.data.txs[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return copyTx(tx), nil
}

func (m *Memory) FindByReference(_ context.Context, ref string) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByReferenceLocked(ref)
}

func (m *Memory) findByReferenceLocked(ref string) (ledger.Transaction, error) {
	id, ok := m.data.refs[ref]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return copyTx(m.data.txs[id]), nil
}

func (m *Memory) UpdateTransaction(_ context.Context, next ledger.Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTransactionLocked(next, expectedVersion)
}

func (m *Memory) updateTransactionLocked(next ledger.Transaction, expectedVersion int64) error {
	if m.hooks.BeforeUpdateTransaction != nil {
		if err := m.hooks.BeforeUpdateTransaction(next); err != nil {
			return err
		}
	}
	cur, ok := m.data.txs[next.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}
	if next.ReferenceID != "" && next.Status == ledger.StatusFailed && m.data.refs[next.ReferenceID] == next.ID {
		delete(m.data.refs, next.ReferenceID)
	}
	m.data.txs[next.ID] = copyTx(next)
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked(f), nil
}

func (m *Memory) listTransactionsLocked(f ledger.TransactionFilter) []ledger.Transaction {
	matched := m.matchLocked(f)
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if f.Ascending {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if f.Ascending {
			return m.data.seq[a.ID] < m.data.seq[b.ID]
		}
		return m.data.seq[a.ID] > m.data.seq[b.ID]
	})

	if f.Offset >= len(matched) {
		return []ledger.Transaction{}
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	out := make([]ledger.Transaction, len(matched))
	for i, tx := range matched {
		out[i] = copyTx(tx)
	}
	return out
}

func (m *Memory) matchLocked(f ledger.TransactionFilter) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range m.data.txs {
		if f.Matches(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Memory) CountTransactions(_ context.Context, f ledger.TransactionFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matchLocked(f)), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole unit, so units are serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memoryData {
	d := tm.data
	s := memoryData{
		logs:     append([]ledger.SupplyLogEntry(nil), d.logs...),
		balances: make(map[ledger.ProfileID]ledger.ProfileBalance, len(d.balances)),
		txs:      make(map[ledger.TransactionID]ledger.Transaction, len(d.txs)),
		seq:      make(map[ledger.TransactionID]int, len(d.seq)),
		refs:     make(map[string]ledger.TransactionID, len(d.refs)),
	}
	if d.supply != nil {
		s.supply = copySupply(d.supply)
	}
	for k, v := range d.balances {
		s.balances[k] = v
	}
	for k, v := range d.txs {
		s.txs[k] = v
	}
	for k, v := range d.seq {
		s.seq[k] = v
	}
	for k, v := range d.refs {
		s.refs[k] = v
	}
	return s
}

// txMemoryView runs against the parent's data while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (v *txMemoryView) GetSupply(context.Context) (ledger.SupplyState, error) {
	return v.parent.getSupplyLocked()
}

func (v *txMemoryView) CreateSupply(_ context.Context, s ledger.SupplyState) error {
	return v.parent.createSupplyLocked(s)
}

func (v *txMemoryView) UpdateSupply(_ context.Context, next ledger.SupplyState, expectedVersion int64) error {
	return v.parent.updateSupplyLocked(next, expectedVersion)
}

func (v *txMemoryView) AppendSupplyLog(_ context.Context, entry ledger.SupplyLogEntry) error {
	v.parent.appendSupplyLogLocked(entry)
	return nil
}

func (v *txMemoryView) ListSupplyLogs(_ context.Context, limit int) ([]ledger.SupplyLogEntry, error) {
	return v.parent.listSupplyLogsLocked(limit), nil
}

func (v *txMemoryView) GetBalance(_ context.Context, id ledger.ProfileID) (ledger.ProfileBalance, error) {
	return v.parent.getBalanceLocked(id)
}

func (v *txMemoryView) CreateBalance(_ context.Context, b ledger.ProfileBalance) error {
	return v.parent.createBalanceLocked(b)
}

func (v *txMemoryView) UpdateBalance(_ context.Context, next ledger.ProfileBalance, expectedVersion int64) error {
	return v.parent.updateBalanceLocked(next, expectedVersion)
}

func (v *txMemoryView) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.parent.insertTransactionLocked(tx)
}

func (v *txMemoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *txMemoryView) FindByReference(_ context.Context, ref string) (ledger.Transaction, error) {
	return v.parent.findByReferenceLocked(ref)
}

func (v *txMemoryView) UpdateTransaction(_ context.Context, next ledger.Transaction, expectedVersion int64) error {
	return v.parent.updateTransactionLocked(next, expectedVersion)
}

func (v *txMemoryView) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return v.parent.listTransactionsLocked(f), nil
}

func (v *txMemoryView) CountTransactions(_ context.Context, f ledger.TransactionFilter) (int, error) {
	return len(v.parent.matchLocked(f)), nil
}

var (
	_ ledger.TxStore = (*TxMemory)(nil)
	_ ledger.Store   = (*txMemoryView)(nil)
)

// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is safe for concurrent use. Each call locks the whole store, so
// increments and conditional debt writes are atomic.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	seq          int64
	transactions map[ledger.TransactionID]storedTx
	sources      map[ledger.SourceID]ledger.Source
	debts        map[debtKey]ledger.Debt
}

type storedTx struct {
	tx  ledger.Transaction
	seq int64
}

type debtKey struct {
	Kind ledger.DebtKind
	ID   ledger.DebtID
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() *state {
	return &state{
		transactions: make(map[ledger.TransactionID]storedTx),
		sources:      make(map[ledger.SourceID]ledger.Source),
		debts:        make(map[debtKey]ledger.Debt),
	}
}

func (m *Memory) read(fn func(*state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

// --- transactions ---

func (m *Memory) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	return m.write(func(s *state) error { return s.insertTransaction(tx) })
}

func (m *Memory) GetTransaction(_ context.Context, userID ledger.UserID, id ledger.TransactionID) (tx *ledger.Transaction, err error) {
	err = m.read(func(s *state) error { tx, err = s.getTransaction(userID, id); return err })
	return tx, err
}

func (m *Memory) ReplaceTransaction(_ context.Context, tx ledger.Transaction) error {
	return m.write(func(s *state) error { return s.replaceTransaction(tx) })
}

func (m *Memory) DeleteTransaction(_ context.Context, userID ledger.UserID, id ledger.TransactionID) error {
	return m.write(func(s *state) error { return s.deleteTransaction(userID, id) })
}

func (m *Memory) ListTransactions(_ context.Context, f ledger.TransactionFilter) (txs []ledger.Transaction, total int, err error) {
	err = m.read(func(s *state) error { txs, total = s.listTransactions(f); return nil })
	return txs, total, err
}

// --- sources ---

func (m *Memory) CreateSource(_ context.Context, src ledger.Source) error {
	return m.write(func(s *state) error { return s.createSource(src) })
}

func (m *Memory) GetSource(_ context.Context, id ledger.SourceID) (src *ledger.Source, err error) {
	err = m.read(func(s *state) error { src, err = s.getSource(id); return err })
	return src, err
}

func (m *Memory) ListSources(_ context.Context, userID ledger.UserID) (srcs []ledger.Source, err error) {
	err = m.read(func(s *state) error { srcs = s.listSources(userID); return nil })
	return srcs, err
}

func (m *Memory) IncrementSource(_ context.Context, id ledger.SourceID, d ledger.SourceDelta) error {
	return m.write(func(s *state) error { return s.incrementSource(id, d) })
}

func (m *Memory) AppendSourceEntry(_ context.Context, id ledger.SourceID, e ledger.SourceEntry) error {
	return m.write(func(s *state) error { return s.appendSourceEntry(id, e) })
}

func (m *Memory) RemoveSourceEntries(_ context.Context, id ledger.SourceID, txID ledger.TransactionID) error {
	return m.write(func(s *state) error { return s.removeSourceEntries(id, txID) })
}

// --- debts ---

func (m *Memory) CreateDebt(_ context.Context, d ledger.Debt) error {
	return m.write(func(s *state) error { return s.createDebt(d) })
}

func (m *Memory) GetDebt(_ context.Context, kind ledger.DebtKind, id ledger.DebtID) (d *ledger.Debt, err error) {
	err = m.read(func(s *state) error { d, err = s.getDebt(kind, id); return err })
	return d, err
}

func (m *Memory) ListDebts(_ context.Context, kind ledger.DebtKind, userID ledger.UserID) (ds []ledger.Debt, err error) {
	err = m.read(func(s *state) error { ds = s.listDebts(kind, userID); return nil })
	return ds, err
}

func (m *Memory) UpdateDebtBalance(_ context.Context, kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	return m.write(func(s *state) error { return s.updateDebtBalance(kind, id, remaining, status, version) })
}

func (m *Memory) AppendDebtEntry(_ context.Context, kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	return m.write(func(s *state) error { return s.appendDebtEntry(kind, id, e) })
}

func (m *Memory) RemoveDebtEntries(_ context.Context, kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	return m.write(func(s *state) error { return s.removeDebtEntries(kind, id, txID) })
}

func (m *Memory) UserIDs(_ context.Context) (ids []ledger.UserID, err error) {
	err = m.read(func(s *state) error { ids = s.userIDs(); return nil })
	return ids, err
}

// =============================================================================
// STATE OPERATIONS (caller holds the lock)
// =============================================================================

func (s *state) insertTransaction(tx ledger.Transaction) error {
	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, ledger.ErrAlreadyExists)
	}
	s.seq++
	s.transactions[tx.ID] = storedTx{tx: tx, seq: s.seq}
	return nil
}

func (s *state) getTransaction(userID ledger.UserID, id ledger.TransactionID) (*ledger.Transaction, error) {
	st, ok := s.transactions[id]
	if !ok || st.tx.UserID != userID {
		return nil, ledger.ErrTransactionNotFound
	}
	tx := st.tx
	return &tx, nil
}

func (s *state) replaceTransaction(tx ledger.Transaction) error {
	st, ok := s.transactions[tx.ID]
	if !ok || st.tx.UserID != tx.UserID {
		return ledger.ErrTransactionNotFound
	}
	st.tx.Type = tx.Type
	st.tx.Payload = tx.Payload
	st.tx.UpdatedAt = tx.UpdatedAt
	s.transactions[tx.ID] = st
	return nil
}

func (s *state) deleteTransaction(userID ledger.UserID, id ledger.TransactionID) error {
	st, ok := s.transactions[id]
	if !ok || st.tx.UserID != userID {
		return ledger.ErrTransactionNotFound
	}
	delete(s.transactions, id)
	return nil
}

func (s *state) listTransactions(f ledger.TransactionFilter) ([]ledger.Transaction, int) {
	var matched []storedTx
	for _, st := range s.transactions {
		if st.tx.UserID != f.UserID {
			continue
		}
		if f.Type != nil && st.tx.Type != *f.Type {
			continue
		}
		matched = append(matched, st)
	}

	// newest first; insertion order breaks timestamp ties
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.tx.CreatedAt.Equal(b.tx.CreatedAt) {
			return a.tx.CreatedAt.After(b.tx.CreatedAt)
		}
		return a.seq > b.seq
	})

	total := len(matched)
	start := min(f.Skip, total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	result := make([]ledger.Transaction, 0, end-start)
	for _, st := range matched[start:end] {
		result = append(result, st.tx)
	}
	return result, total
}

func (s *state) createSource(src ledger.Source) error {
	if _, ok := s.sources[src.ID]; ok {
		return fmt.Errorf("source %s: %w", src.ID, ledger.ErrAlreadyExists)
	}
	s.sources[src.ID] = copySource(src)
	return nil
}

func (s *state) getSource(id ledger.SourceID) (*ledger.Source, error) {
	src, ok := s.sources[id]
	if !ok {
		return nil, ledger.ErrSourceNotFound
	}
	c := copySource(src)
	return &c, nil
}

func (s *state) listSources(userID ledger.UserID) []ledger.Source {
	var out []ledger.Source
	for _, src := range s.sources {
		if src.UserID == userID {
			out = append(out, copySource(src))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) incrementSource(id ledger.SourceID, d ledger.SourceDelta) error {
	src, ok := s.sources[id]
	if !ok {
		return ledger.ErrSourceNotFound
	}
	src.Balance = src.Balance.Add(d.Balance)
	src.Income = src.Income.Add(d.Income)
	src.Expense = src.Expense.Add(d.Expense)
	s.sources[id] = src
	return nil
}

func (s *state) appendSourceEntry(id ledger.SourceID, e ledger.SourceEntry) error {
	src, ok := s.sources[id]
	if !ok {
		return ledger.ErrSourceNotFound
	}
	src.Entries = append(append([]ledger.SourceEntry{}, src.Entries...), e)
	s.sources[id] = src
	return nil
}

func (s *state) removeSourceEntries(id ledger.SourceID, txID ledger.TransactionID) error {
	src, ok := s.sources[id]
	if !ok {
		return ledger.ErrSourceNotFound
	}
	kept := make([]ledger.SourceEntry, 0, len(src.Entries))
	for _, e := range src.Entries {
		if e.TransactionID != txID {
			kept = append(kept, e)
		}
	}
	src.Entries = kept
	s.sources[id] = src
	return nil
}

func (s *state) createDebt(d ledger.Debt) error {
	k := debtKey{Kind: d.Kind, ID: d.ID}
	if _, ok := s.debts[k]; ok {
		return fmt.Errorf("%s %s: %w", d.Kind, d.ID, ledger.ErrAlreadyExists)
	}
	s.debts[k] = copyDebt(d)
	return nil
}

func (s *state) getDebt(kind ledger.DebtKind, id ledger.DebtID) (*ledger.Debt, error) {
	d, ok := s.debts[debtKey{Kind: kind, ID: id}]
	if !ok {
		return nil, ledger.ErrDebtNotFound
	}
	c := copyDebt(d)
	return &c, nil
}

func (s *state) listDebts(kind ledger.DebtKind, userID ledger.UserID) []ledger.Debt {
	var out []ledger.Debt
	for k, d := range s.debts {
		if k.Kind == kind && d.UserID == userID {
			out = append(out, copyDebt(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) updateDebtBalance(kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	k := debtKey{Kind: kind, ID: id}
	d, ok := s.debts[k]
	if !ok {
		return ledger.ErrDebtNotFound
	}
	if d.Version != version {
		return &ledger.VersionConflictError{DebtID: id, Expected: version}
	}
	d.Remaining = remaining
	d.Status = status
	d.Version++
	s.debts[k] = d
	return nil
}

func (s *state) appendDebtEntry(kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	k := debtKey{Kind: kind, ID: id}
	d, ok := s.debts[k]
	if !ok {
		return ledger.ErrDebtNotFound
	}
	d.Entries = append(append([]ledger.DebtEntry{}, d.Entries...), e)
	s.debts[k] = d
	return nil
}

func (s *state) removeDebtEntries(kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	k := debtKey{Kind: kind, ID: id}
	d, ok := s.debts[k]
	if !ok {
		return ledger.ErrDebtNotFound
	}
	kept := make([]ledger.DebtEntry, 0, len(d.Entries))
	for _, e := range d.Entries {
		if e.TransactionID != txID {
			kept = append(kept, e)
		}
	}
	d.Entries = kept
	s.debts[k] = d
	return nil
}

func (s *state) userIDs() []ledger.UserID {
	seen := make(map[ledger.UserID]bool)
	for _, st := range s.transactions {
		seen[st.tx.UserID] = true
	}
	for _, src := range s.sources {
		seen[src.UserID] = true
	}
	for _, d := range s.debts {
		seen[d.UserID] = true
	}
	ids := make([]ledger.UserID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.sources {
		c.sources[k] = copySource(v)
	}
	for k, v := range s.debts {
		c.debts[k] = copyDebt(v)
	}
	return c
}

func copySource(src ledger.Source) ledger.Source {
	src.Entries = append([]ledger.SourceEntry(nil), src.Entries...)
	return src
}

func copyDebt(d ledger.Debt) ledger.Debt {
	d.Entries = append([]ledger.DebtEntry(nil), d.Entries...)
	if d.DueDate != nil {
		due := *d.DueDate
		d.DueDate = &due
	}
	return d
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

// WithTx executes fn with the store locked for its whole duration.
// Writes go straight to the live state; on error a snapshot taken at the
// start is restored.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()
	view := &txMemoryView{s: tm.state}

	if err := fn(view); err != nil {
		tm.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

// txMemoryView is the Store handed to WithTx callbacks. It does no locking;
// the enclosing WithTx holds the lock.
type txMemoryView struct {
	s *state
}

func (v *txMemoryView) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.s.insertTransaction(tx)
}

func (v *txMemoryView) GetTransaction(_ context.Context, userID ledger.UserID, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.s.getTransaction(userID, id)
}

func (v *txMemoryView) ReplaceTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.s.replaceTransaction(tx)
}

func (v *txMemoryView) DeleteTransaction(_ context.Context, userID ledger.UserID, id ledger.TransactionID) error {
	return v.s.deleteTransaction(userID, id)
}

func (v *txMemoryView) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	txs, total := v.s.listTransactions(f)
	return txs, total, nil
}

func (v *txMemoryView) CreateSource(_ context.Context, src ledger.Source) error {
	return v.s.createSource(src)
}

func (v *txMemoryView) GetSource(_ context.Context, id ledger.SourceID) (*ledger.Source, error) {
	return v.s.getSource(id)
}

func (v *txMemoryView) ListSources(_ context.Context, userID ledger.UserID) ([]ledger.Source, error) {
	return v.s.listSources(userID), nil
}

func (v *txMemoryView) IncrementSource(_ context.Context, id ledger.SourceID, d ledger.SourceDelta) error {
	return v.s.incrementSource(id, d)
}

func (v *txMemoryView) AppendSourceEntry(_ context.Context, id ledger.SourceID, e ledger.SourceEntry) error {
	return v.s.appendSourceEntry(id, e)
}

func (v *txMemoryView) RemoveSourceEntries(_ context.Context, id ledger.SourceID, txID ledger.TransactionID) error {
	return v.s.removeSourceEntries(id, txID)
}

func (v *txMemoryView) CreateDebt(_ context.Context, d ledger.Debt) error {
	return v.s.createDebt(d)
}

func (v *txMemoryView) GetDebt(_ context.Context, kind ledger.DebtKind, id ledger.DebtID) (*ledger.Debt, error) {
	return v.s.getDebt(kind, id)
}

func (v *txMemoryView) ListDebts(_ context.Context, kind ledger.DebtKind, userID ledger.UserID) ([]ledger.Debt, error) {
	return v.s.listDebts(kind, userID), nil
}

func (v *txMemoryView) UpdateDebtBalance(_ context.Context, kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	return v.s.updateDebtBalance(kind, id, remaining, status, version)
}

func (v *txMemoryView) AppendDebtEntry(_ context.Context, kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	return v.s.appendDebtEntry(kind, id, e)
}

func (v *txMemoryView) RemoveDebtEntries(_ context.Context, kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	return v.s.removeDebtEntries(kind, id, txID)
}

func (v *txMemoryView) UserIDs(_ context.Context) ([]ledger.UserID, error) {
	return v.s.userIDs(), nil
}

var (
	_ ledger.Store   = (*Memory)(nil)
	_ ledger.TxStore = (*TxMemory)(nil)
	_ ledger.Store   = (*txMemoryView)(nil)
)

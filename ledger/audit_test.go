package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/ledger/store"
)

func checksOf(findings []ledger.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Check)
	}
	return out
}

func TestAuditor_CleanLedgerHasNoFindings(t *testing.T) {
	// GIVEN: a ledger built only through the manager
	ctx := context.Background()
	st := newMemory()
	seedSource(t, st, "bank", alice, "1000")
	seedSource(t, st, "cash", alice, "0")
	seedDebt(t, st, ledger.KindDept, "loan", alice, "500")
	seedDebt(t, st, ledger.KindReceiving, "iou", alice, "80")
	m := newTestManager(t, st)

	_, err := m.Create(ctx, alice, ledger.Income{Source: "bank", Amount: money("300")})
	require.NoError(t, err)
	exp, err := m.Create(ctx, alice, ledger.Expense{Source: "cash", Amount: money("20")})
	require.NoError(t, err)
	_, err = m.Create(ctx, alice, ledger.Transfer{From: "bank", To: "cash", Amount: money("100")})
	require.NoError(t, err)
	_, err = m.Create(ctx, alice, ledger.DeptPayment{Dept: "loan", Amount: money("500")})
	require.NoError(t, err)
	_, err = m.Create(ctx, alice, ledger.ReceivingPayment{Receiving: "iou", Amount: money("30")})
	require.NoError(t, err)
	_, err = m.Update(ctx, alice, exp.ID, ledger.Expense{Source: "bank", Amount: money("25")})
	require.NoError(t, err)

	// WHEN: auditing
	findings, err := ledger.NewAuditor(st, quietLogger(), nil).AuditAll(ctx)

	// THEN: nothing to report
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAuditor_DetectsDrift(t *testing.T) {
	// GIVEN: an income recorded properly, then a balance nudged behind the engine's back
	ctx := context.Background()
	st := newMemory()
	seedSource(t, st, "bank", alice, "100")
	m := newTestManager(t, st)
	_, err := m.Create(ctx, alice, ledger.Income{Source: "bank", Amount: money("50")})
	require.NoError(t, err)

	require.NoError(t, st.IncrementSource(ctx, "bank", ledger.SourceDelta{Balance: dec("7")}))
	require.NoError(t, st.AppendSourceEntry(ctx, "bank", ledger.SourceEntry{TransactionID: "ghost", Type: ledger.TypeIncome, Amount: dec("7")}))

	metrics := ledger.NewMetrics(nil)

	// WHEN: auditing
	findings, err := ledger.NewAuditor(st, quietLogger(), metrics).AuditAll(ctx)

	// THEN: the balance and the orphan entry are both flagged
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ledger.CheckSourceBalance, ledger.CheckSourceEntries}, checksOf(findings))
	assert.Equal(t, alice, findings[0].UserID)
	assert.Equal(t, 1.0, gaugeValue(t, metrics, ledger.CheckSourceBalance))
	assert.Equal(t, 0.0, gaugeValue(t, metrics, ledger.CheckDebtRemaining))
}

func TestAuditor_FlagsReversedOverpayment(t *testing.T) {
	// GIVEN: a receiving overpaid then the overpayment deleted
	ctx := context.Background()
	st := newMemory()
	seedDebt(t, st, ledger.KindReceiving, "iou", alice, "100")
	m := newTestManager(t, st)

	tx, err := m.Create(ctx, alice, ledger.ReceivingPayment{Receiving: "iou", Amount: money("150")})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, alice, tx.ID))

	// THEN: remaining is above the original amount and the auditor says so
	requireDecimal(t, "150", getDebt(t, st, ledger.KindReceiving, "iou").Remaining)

	findings, err := ledger.NewAuditor(st, quietLogger(), nil).AuditUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{ledger.CheckDebtRemaining}, checksOf(findings))
	assert.Equal(t, ledger.TargetReceiving, findings[0].Target)
}

func TestAuditor_MissingTarget(t *testing.T) {
	ctx := context.Background()
	st := newMemory()
	require.NoError(t, st.InsertTransaction(ctx, txOf("orphan", ledger.DeptPayment{Dept: "vanished", Amount: money("5")})))

	findings, err := ledger.NewAuditor(st, quietLogger(), nil).AuditUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ledger.CheckMissingTarget, findings[0].Check)
	assert.Equal(t, "vanished", findings[0].TargetID)
}

func gaugeValue(t *testing.T, m *ledger.Metrics, check string) float64 {
	t.Helper()
	return counterValue(t, m.AuditFindings.WithLabelValues(check))
}

// racingStore commits an income the first time anything reads sources
// outside a transaction, the way a concurrent writer would mid-audit.
type racingStore struct {
	*store.TxMemory
	write func()
	fired bool
}

func (r *racingStore) ListSources(ctx context.Context, userID ledger.UserID) ([]ledger.Source, error) {
	if !r.fired {
		r.fired = true
		r.write()
	}
	return r.TxMemory.ListSources(ctx, userID)
}

func TestAuditor_ReadsOneConsistentView(t *testing.T) {
	// GIVEN: a clean ledger and a writer that lands between the auditor's reads
	ctx := context.Background()
	mem := newMemory()
	seedSource(t, mem, "bank", alice, "100")
	m := newTestManager(t, mem)
	_, err := m.Create(ctx, alice, ledger.Income{Source: "bank", Amount: money("10")})
	require.NoError(t, err)

	st := &racingStore{TxMemory: mem}
	st.write = func() {
		_, err := m.Create(ctx, alice, ledger.Income{Source: "bank", Amount: money("50")})
		require.NoError(t, err)
	}

	// WHEN: auditing through the racing store
	findings, err := ledger.NewAuditor(st, quietLogger(), nil).AuditUser(ctx, alice)

	// THEN: the transactions and the balances came from the same view
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.False(t, st.fired, "audit read sources outside its transaction")
}

// snapshotStore records whether the auditor asked for a snapshot.
type snapshotStore struct {
	*store.TxMemory
	snapshots int
}

func (s *snapshotStore) WithSnapshot(ctx context.Context, fn func(ledger.Store) error) error {
	s.snapshots++
	return s.TxMemory.WithTx(ctx, fn)
}

func TestAuditor_PrefersSnapshot(t *testing.T) {
	ctx := context.Background()
	st := &snapshotStore{TxMemory: newMemory()}
	seedSource(t, st, "bank", alice, "100")
	seedSource(t, st, "cash", "bob", "5")

	findings, err := ledger.NewAuditor(st, quietLogger(), nil).AuditAll(ctx)

	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, 2, st.snapshots)
}

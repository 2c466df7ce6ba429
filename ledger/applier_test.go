package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/ledger"
)

// =============================================================================
// ROUND TRIP: apply then reverse restores every touched field
// =============================================================================

func TestApplier_RoundTripRestoresState(t *testing.T) {
	cases := []struct {
		name string
		p    ledger.Payload
	}{
		{"income", ledger.Income{Source: "bank", Amount: money("120.50"), Note: "refund"}},
		{"expense", ledger.Expense{Source: "bank", Amount: money("75"), Note: "groceries"}},
		{"transfer", ledger.Transfer{From: "bank", To: "cash", Amount: money("300")}},
		{"dept partial", ledger.DeptPayment{Dept: "loan", Amount: money("250"), Note: "march"}},
		{"dept payoff", ledger.DeptPayment{Dept: "loan", Amount: money("1000")}},
		{"receiving", ledger.ReceivingPayment{Receiving: "iou", Amount: money("40")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN: two sources, a dept and a receiving
			ctx := context.Background()
			st := newMemory()
			seedSource(t, st, "bank", alice, "1000")
			seedSource(t, st, "cash", alice, "50")
			seedDebt(t, st, ledger.KindDept, "loan", alice, "1000")
			seedDebt(t, st, ledger.KindReceiving, "iou", alice, "200")

			beforeBank, beforeCash := getSource(t, st, "bank"), getSource(t, st, "cash")
			beforeLoan, beforeIOU := getDebt(t, st, ledger.KindDept, "loan"), getDebt(t, st, ledger.KindReceiving, "iou")

			a := ledger.NewApplier()
			tx := txOf("tx-1", tc.p)

			// WHEN: applying and immediately reversing
			require.NoError(t, a.Apply(ctx, st, tx))
			require.NoError(t, a.Reverse(ctx, st, tx))

			// THEN: every financial field and log length is back
			for _, pair := range [][2]ledger.Source{{beforeBank, getSource(t, st, "bank")}, {beforeCash, getSource(t, st, "cash")}} {
				before, after := pair[0], pair[1]
				requireDecimal(t, before.Balance.String(), after.Balance, before.ID)
				requireDecimal(t, before.Income.String(), after.Income, before.ID)
				requireDecimal(t, before.Expense.String(), after.Expense, before.ID)
				assert.Len(t, after.Entries, len(before.Entries))
			}
			for _, pair := range [][2]ledger.Debt{{beforeLoan, getDebt(t, st, ledger.KindDept, "loan")}, {beforeIOU, getDebt(t, st, ledger.KindReceiving, "iou")}} {
				before, after := pair[0], pair[1]
				requireDecimal(t, before.Remaining.String(), after.Remaining, before.ID)
				assert.Equal(t, before.Status, after.Status)
				assert.Len(t, after.Entries, len(before.Entries))
			}
		})
	}
}

func TestApplier_TransferSymmetry(t *testing.T) {
	ctx := context.Background()
	st := newMemory()
	seedSource(t, st, "s1", alice, "500")
	seedSource(t, st, "s2", alice, "20")
	a := ledger.NewApplier()
	tx := txOf("tx-t", ledger.Transfer{From: "s1", To: "s2", Amount: money("125.25")})

	require.NoError(t, a.Apply(ctx, st, tx))
	requireDecimal(t, "374.75", getSource(t, st, "s1").Balance)
	requireDecimal(t, "145.25", getSource(t, st, "s2").Balance)
	assert.Equal(t, "Transfer out", getSource(t, st, "s1").Entries[0].Note)
	assert.Equal(t, "Transfer in", getSource(t, st, "s2").Entries[0].Note)

	require.NoError(t, a.Reverse(ctx, st, tx))
	requireDecimal(t, "500", getSource(t, st, "s1").Balance)
	requireDecimal(t, "20", getSource(t, st, "s2").Balance)
	assert.Empty(t, getSource(t, st, "s1").Entries)
	assert.Empty(t, getSource(t, st, "s2").Entries)
}

func TestApplier_RemainingNeverNegative(t *testing.T) {
	ctx := context.Background()
	st := newMemory()
	seedDebt(t, st, ledger.KindReceiving, "iou", alice, "100")

	err := ledger.NewApplier().Apply(ctx, st, txOf("tx-big", ledger.ReceivingPayment{Receiving: "iou", Amount: money("1000")}))
	require.NoError(t, err)

	d := getDebt(t, st, ledger.KindReceiving, "iou")
	requireDecimal(t, "0", d.Remaining)
	assert.Equal(t, ledger.StatusPaid, d.Status)
}

func TestApplier_ReverseRemovesOnlyItsOwnEntries(t *testing.T) {
	ctx := context.Background()
	st := newMemory()
	seedSource(t, st, "bank", alice, "0")
	a := ledger.NewApplier()

	first := txOf("tx-1", ledger.Income{Source: "bank", Amount: money("10")})
	second := txOf("tx-2", ledger.Income{Source: "bank", Amount: money("20")})
	require.NoError(t, a.Apply(ctx, st, first))
	require.NoError(t, a.Apply(ctx, st, second))

	require.NoError(t, a.Reverse(ctx, st, first))

	src := getSource(t, st, "bank")
	require.Len(t, src.Entries, 1)
	assert.Equal(t, ledger.TransactionID("tx-2"), src.Entries[0].TransactionID)
	requireDecimal(t, "20", src.Balance)
}

// =============================================================================
// FAILURES
// =============================================================================

func TestApplier_MissingDebtIsInconsistentState(t *testing.T) {
	// GIVEN: a payment whose dept no longer exists
	st := newMemory()
	tx := txOf("tx-1", ledger.DeptPayment{Dept: "gone", Amount: money("5")})

	// WHEN: reversing it
	err := ledger.NewApplier().Reverse(context.Background(), st, tx)

	// THEN: the applier refuses instead of skipping
	assert.ErrorIs(t, err, ledger.ErrInconsistentState)
	assert.False(t, ledger.IsNotFound(err))
}

func TestApplier_MissingSourceIsInconsistentState(t *testing.T) {
	st := newMemory()
	err := ledger.NewApplier().Apply(context.Background(), st, txOf("tx-1", ledger.Income{Source: "nope", Amount: money("5")}))
	assert.ErrorIs(t, err, ledger.ErrInconsistentState)
}

func TestApplier_NeverWritesTransactionRow(t *testing.T) {
	ctx := context.Background()
	st := newMemory()
	seedSource(t, st, "bank", alice, "0")

	require.NoError(t, ledger.NewApplier().Apply(ctx, st, txOf("tx-1", ledger.Income{Source: "bank", Amount: money("1")})))

	_, err := st.GetTransaction(ctx, alice, "tx-1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

// =============================================================================
// OPTIMISTIC CONCURRENCY ON DEBTS
// =============================================================================

func TestDebtWrite_StaleVersionRejected(t *testing.T) {
	// GIVEN: two writers that both read version 0
	ctx := context.Background()
	st := newMemory()
	seedDebt(t, st, ledger.KindDept, "loan", alice, "1000")
	first := getDebt(t, st, ledger.KindDept, "loan")
	second := getDebt(t, st, ledger.KindDept, "loan")

	// WHEN: the first writes, then the second writes with its stale version
	require.NoError(t, st.UpdateDebtBalance(ctx, ledger.KindDept, "loan", dec("900"), ledger.StatusPending, first.Version))
	err := st.UpdateDebtBalance(ctx, ledger.KindDept, "loan", dec("800"), ledger.StatusPending, second.Version)

	// THEN: the lost update is detected
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))
	requireDecimal(t, "900", getDebt(t, st, ledger.KindDept, "loan").Remaining)
}

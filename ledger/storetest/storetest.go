// Package storetest is a conformance suite for ledger.TxStore
// implementations. Each backend's tests call Run with a constructor.
package storetest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/ledger"
)

// Factory returns an empty store. Cleanup is the caller's job (t.Cleanup).
type Factory func(t *testing.T) ledger.TxStore

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, ledger.TxStore)
	}{
		{"TransactionRoundTrip", testTransactionRoundTrip},
		{"TransactionScopedToUser", testTransactionScopedToUser},
		{"ListNewestFirst", testListNewestFirst},
		{"SourceIncrementAndEntries", testSourceIncrementAndEntries},
		{"DebtVersionGuard", testDebtVersionGuard},
		{"DebtEntries", testDebtEntries},
		{"MissingTargets", testMissingTargets},
		{"WithTxRollsBack", testWithTxRollsBack},
		{"WithTxCommits", testWithTxCommits},
		{"UserIDs", testUserIDs},
		{"DuplicateIDs", testDuplicateIDs},
		{"ConcurrentManagerWrites", testConcurrentManagerWrites},
		{"ManagerScenario", testManagerScenario},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func seedSource(t *testing.T, st ledger.Store, id ledger.SourceID, user ledger.UserID, balance string) {
	t.Helper()
	require.NoError(t, st.CreateSource(context.Background(), ledger.Source{
		ID: id, UserID: user, Name: string(id),
		OpeningBalance: dec(balance), Balance: dec(balance), CreatedAt: epoch,
	}))
}

func seedDebt(t *testing.T, st ledger.Store, kind ledger.DebtKind, id ledger.DebtID, user ledger.UserID, amount string) {
	t.Helper()
	due := epoch.AddDate(0, 6, 0)
	require.NoError(t, st.CreateDebt(context.Background(), ledger.Debt{
		ID: id, Kind: kind, UserID: user, Counterparty: "bob",
		Amount: dec(amount), Remaining: dec(amount), Status: ledger.StatusPending,
		DueDate: &due, Interest: dec("0.05"), CreatedAt: epoch,
	}))
}

func income(id string, user ledger.UserID, source ledger.SourceID, amount string, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID: ledger.TransactionID(id), UserID: user, Type: ledger.TypeIncome,
		Payload:   ledger.Income{Source: source, Amount: ledger.NewMoney(amount), Note: "n-" + id},
		CreatedAt: at, UpdatedAt: at,
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTransactionRoundTrip(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	tx := ledger.Transaction{
		ID: "t1", UserID: "alice", Type: ledger.TypeTransfer,
		Payload:   ledger.Transfer{From: "a", To: "b", Amount: ledger.NewMoney("12.34")},
		CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, st.InsertTransaction(ctx, tx))
	require.Error(t, st.InsertTransaction(ctx, tx), "duplicate id")

	got, err := st.GetTransaction(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeTransfer, got.Type)
	tr, ok := got.Payload.(ledger.Transfer)
	require.True(t, ok)
	assert.Equal(t, ledger.SourceID("a"), tr.From)
	requireDecimal(t, "12.34", tr.Amount.Decimal)
	assert.True(t, epoch.Equal(got.CreatedAt))

	later := epoch.Add(time.Hour)
	tx.Type = ledger.TypeExpense
	tx.Payload = ledger.Expense{Source: "a", Amount: ledger.NewMoney("1")}
	tx.UpdatedAt = later
	require.NoError(t, st.ReplaceTransaction(ctx, tx))

	got, err = st.GetTransaction(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeExpense, got.Type)
	assert.IsType(t, ledger.Expense{}, got.Payload)
	assert.True(t, epoch.Equal(got.CreatedAt))
	assert.True(t, later.Equal(got.UpdatedAt))

	require.NoError(t, st.DeleteTransaction(ctx, "alice", "t1"))
	_, err = st.GetTransaction(ctx, "alice", "t1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	assert.ErrorIs(t, st.DeleteTransaction(ctx, "alice", "t1"), ledger.ErrNotFound)
}

func testTransactionScopedToUser(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, st.InsertTransaction(ctx, income("t1", "alice", "s", "1", epoch)))

	_, err := st.GetTransaction(ctx, "mallory", "t1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	assert.ErrorIs(t, st.DeleteTransaction(ctx, "mallory", "t1"), ledger.ErrNotFound)

	foreign := income("t1", "mallory", "s", "9", epoch)
	assert.ErrorIs(t, st.ReplaceTransaction(ctx, foreign), ledger.ErrNotFound)

	_, err = st.GetTransaction(ctx, "alice", "t1")
	assert.NoError(t, err)
}

func testListNewestFirst(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	for i, id := range []string{"t1", "t2", "t3", "t4"} {
		require.NoError(t, st.InsertTransaction(ctx, income(id, "alice", "s", "1", epoch.Add(time.Duration(i)*time.Minute))))
	}
	// same timestamp as t4: insertion order breaks the tie
	require.NoError(t, st.InsertTransaction(ctx, income("t5", "alice", "s", "1", epoch.Add(3*time.Minute))))
	exp := ledger.Transaction{
		ID: "t6", UserID: "alice", Type: ledger.TypeExpense,
		Payload:   ledger.Expense{Source: "s", Amount: ledger.NewMoney("1")},
		CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, st.InsertTransaction(ctx, exp))
	require.NoError(t, st.InsertTransaction(ctx, income("other", "bob", "s", "1", epoch.Add(time.Hour))))

	typ := ledger.TypeIncome
	txs, total, err := st.ListTransactions(ctx, ledger.TransactionFilter{UserID: "alice", Type: &typ, Skip: 0, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, txs, 3)
	assert.Equal(t, []ledger.TransactionID{"t5", "t4", "t3"}, []ledger.TransactionID{txs[0].ID, txs[1].ID, txs[2].ID})

	txs, total, err = st.ListTransactions(ctx, ledger.TransactionFilter{UserID: "alice", Skip: 4, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, txs, 2)

	txs, _, err = st.ListTransactions(ctx, ledger.TransactionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, txs, 6, "zero limit lists everything")
}

// =============================================================================
// SOURCES AND DEBTS
// =============================================================================

func testSourceIncrementAndEntries(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedSource(t, st, "s1", "alice", "100.50")

	require.NoError(t, st.IncrementSource(ctx, "s1", ledger.SourceDelta{Balance: dec("-20.25"), Expense: dec("20.25")}))
	require.NoError(t, st.IncrementSource(ctx, "s1", ledger.SourceDelta{Balance: dec("5"), Income: dec("5")}))
	require.NoError(t, st.AppendSourceEntry(ctx, "s1", ledger.SourceEntry{TransactionID: "t1", Type: ledger.TypeExpense, Note: "a", Amount: dec("20.25")}))
	require.NoError(t, st.AppendSourceEntry(ctx, "s1", ledger.SourceEntry{TransactionID: "t2", Type: ledger.TypeIncome, Amount: dec("5")}))
	require.NoError(t, st.AppendSourceEntry(ctx, "s1", ledger.SourceEntry{TransactionID: "t1", Type: ledger.TypeExpense, Note: "b", Amount: dec("1")}))

	src, err := st.GetSource(ctx, "s1")
	require.NoError(t, err)
	requireDecimal(t, "85.25", src.Balance)
	requireDecimal(t, "5", src.Income)
	requireDecimal(t, "20.25", src.Expense)
	requireDecimal(t, "100.5", src.OpeningBalance)
	require.Len(t, src.Entries, 3)
	assert.Equal(t, "a", src.Entries[0].Note)

	require.NoError(t, st.RemoveSourceEntries(ctx, "s1", "t1"))
	src, err = st.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, src.Entries, 1)
	assert.Equal(t, ledger.TransactionID("t2"), src.Entries[0].TransactionID)

	seedSource(t, st, "s0", "alice", "0")
	seedSource(t, st, "x", "bob", "0")
	list, err := st.ListSources(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ledger.SourceID("s0"), list[0].ID)
	assert.Len(t, list[1].Entries, 1)
}

func testDebtVersionGuard(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedDebt(t, st, ledger.KindDept, "d1", "alice", "1000")

	d, err := st.GetDebt(ctx, ledger.KindDept, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, d.Version)
	require.NotNil(t, d.DueDate)
	requireDecimal(t, "0.05", d.Interest)
	assert.Equal(t, "bob", d.Counterparty)

	require.NoError(t, st.UpdateDebtBalance(ctx, ledger.KindDept, "d1", dec("0"), ledger.StatusPaid, 0))

	err = st.UpdateDebtBalance(ctx, ledger.KindDept, "d1", dec("10"), ledger.StatusPending, 0)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	var conflict *ledger.VersionConflictError
	assert.True(t, errors.As(err, &conflict))

	d, err = st.GetDebt(ctx, ledger.KindDept, "d1")
	require.NoError(t, err)
	requireDecimal(t, "0", d.Remaining)
	assert.Equal(t, ledger.StatusPaid, d.Status)
	assert.EqualValues(t, 1, d.Version)

	// kinds are separate collections
	_, err = st.GetDebt(ctx, ledger.KindReceiving, "d1")
	assert.ErrorIs(t, err, ledger.ErrDebtNotFound)
}

func testDebtEntries(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedDebt(t, st, ledger.KindReceiving, "r1", "alice", "50")
	seedDebt(t, st, ledger.KindReceiving, "r0", "alice", "10")
	seedDebt(t, st, ledger.KindDept, "d9", "alice", "10")

	require.NoError(t, st.AppendDebtEntry(ctx, ledger.KindReceiving, "r1", ledger.DebtEntry{TransactionID: "t1", Note: "first", Amount: dec("20")}))
	require.NoError(t, st.AppendDebtEntry(ctx, ledger.KindReceiving, "r1", ledger.DebtEntry{TransactionID: "t2", Amount: dec("5")}))
	require.NoError(t, st.RemoveDebtEntries(ctx, ledger.KindReceiving, "r1", "t1"))

	d, err := st.GetDebt(ctx, ledger.KindReceiving, "r1")
	require.NoError(t, err)
	require.Len(t, d.Entries, 1)
	assert.Equal(t, ledger.TransactionID("t2"), d.Entries[0].TransactionID)

	list, err := st.ListDebts(ctx, ledger.KindReceiving, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ledger.DebtID("r0"), list[0].ID)
}

func testMissingTargets(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()

	_, err := st.GetSource(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrSourceNotFound)
	assert.ErrorIs(t, st.IncrementSource(ctx, "nope", ledger.SourceDelta{Balance: dec("1")}), ledger.ErrNotFound)
	assert.ErrorIs(t, st.AppendSourceEntry(ctx, "nope", ledger.SourceEntry{TransactionID: "t", Amount: dec("1")}), ledger.ErrNotFound)
	assert.ErrorIs(t, st.RemoveSourceEntries(ctx, "nope", "t"), ledger.ErrNotFound)

	assert.ErrorIs(t, st.UpdateDebtBalance(ctx, ledger.KindDept, "nope", dec("1"), ledger.StatusPending, 0), ledger.ErrDebtNotFound)
	assert.ErrorIs(t, st.AppendDebtEntry(ctx, ledger.KindDept, "nope", ledger.DebtEntry{TransactionID: "t"}), ledger.ErrNotFound)
	assert.ErrorIs(t, st.RemoveDebtEntries(ctx, ledger.KindDept, "nope", "t"), ledger.ErrNotFound)
}

// =============================================================================
// TRANSACTIONS (unit of work)
// =============================================================================

func testWithTxRollsBack(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedSource(t, st, "s1", "alice", "10")
	seedDebt(t, st, ledger.KindDept, "d1", "alice", "10")
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.InsertTransaction(ctx, income("t1", "alice", "s1", "5", epoch)))
		require.NoError(t, tx.IncrementSource(ctx, "s1", ledger.SourceDelta{Balance: dec("5"), Income: dec("5")}))
		require.NoError(t, tx.AppendSourceEntry(ctx, "s1", ledger.SourceEntry{TransactionID: "t1", Type: ledger.TypeIncome, Amount: dec("5")}))
		require.NoError(t, tx.UpdateDebtBalance(ctx, ledger.KindDept, "d1", dec("0"), ledger.StatusPaid, 0))

		// reads inside the unit see its own writes
		src, err := tx.GetSource(ctx, "s1")
		require.NoError(t, err)
		requireDecimal(t, "15", src.Balance)
		return boom
	})
	require.ErrorIs(t, err, boom)

	src, err := st.GetSource(ctx, "s1")
	require.NoError(t, err)
	requireDecimal(t, "10", src.Balance)
	requireDecimal(t, "0", src.Income)
	assert.Empty(t, src.Entries)

	d, err := st.GetDebt(ctx, ledger.KindDept, "d1")
	require.NoError(t, err)
	requireDecimal(t, "10", d.Remaining)
	assert.EqualValues(t, 0, d.Version)

	_, err = st.GetTransaction(ctx, "alice", "t1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func testWithTxCommits(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedSource(t, st, "s1", "alice", "10")

	require.NoError(t, st.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.InsertTransaction(ctx, income("t1", "alice", "s1", "5", epoch)); err != nil {
			return err
		}
		return tx.IncrementSource(ctx, "s1", ledger.SourceDelta{Balance: dec("5")})
	}))

	src, err := st.GetSource(ctx, "s1")
	require.NoError(t, err)
	requireDecimal(t, "15", src.Balance)
	_, err = st.GetTransaction(ctx, "alice", "t1")
	assert.NoError(t, err)
}

func testUserIDs(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedSource(t, st, "s1", "carol", "0")
	seedDebt(t, st, ledger.KindReceiving, "r1", "alice", "1")
	require.NoError(t, st.InsertTransaction(ctx, income("t1", "bob", "s1", "1", epoch)))

	ids, err := st.UserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{"alice", "bob", "carol"}, ids)
}

// =============================================================================
// END TO END
// =============================================================================

func testDuplicateIDs(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	seedSource(t, st, "bank", "alice", "10")
	seedDebt(t, st, ledger.KindDept, "loan", "alice", "10")
	require.NoError(t, st.InsertTransaction(ctx, income("t1", "alice", "bank", "1", epoch)))

	err := st.CreateSource(ctx, ledger.Source{ID: "bank", UserID: "bob", CreatedAt: epoch})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	err = st.CreateDebt(ctx, ledger.Debt{ID: "loan", Kind: ledger.KindDept, UserID: "bob", Status: ledger.StatusPending, CreatedAt: epoch})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	err = st.InsertTransaction(ctx, income("t1", "bob", "bank", "2", epoch))
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	// same id under the other kind is a different record
	seedDebt(t, st, ledger.KindReceiving, "loan", "alice", "5")
}

// testConcurrentManagerWrites hammers one source, one debt and a pair of
// sources with crossed transfers. Every write must land exactly once.
func testConcurrentManagerWrites(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := ledger.NewManager(st,
		ledger.WithLogger(log),
		ledger.WithTimeout(30*time.Second),
		ledger.WithMaxRetries(25),
		ledger.WithRetryBase(time.Millisecond),
	)

	seedSource(t, st, "pot", "alice", "0")
	seedSource(t, st, "left", "alice", "500")
	seedSource(t, st, "right", "alice", "500")
	seedDebt(t, st, ledger.KindDept, "loan", "alice", "10000")

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers*3)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Create(ctx, "alice", ledger.Income{Source: "pot", Amount: ledger.NewMoney("10")}); err != nil {
				errs <- err
			}
			if _, err := m.Create(ctx, "alice", ledger.DeptPayment{Dept: "loan", Amount: ledger.NewMoney("100")}); err != nil {
				errs <- err
			}
			transfer := ledger.Transfer{From: "left", To: "right", Amount: ledger.NewMoney("7")}
			if i%2 == 1 {
				transfer.From, transfer.To = transfer.To, transfer.From
			}
			if _, err := m.Create(ctx, "alice", transfer); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	pot, err := st.GetSource(ctx, "pot")
	require.NoError(t, err)
	requireDecimal(t, "160", pot.Balance)
	requireDecimal(t, "160", pot.Income)
	assert.Len(t, pot.Entries, workers)

	d, err := st.GetDebt(ctx, ledger.KindDept, "loan")
	require.NoError(t, err)
	requireDecimal(t, "8400", d.Remaining)
	assert.Equal(t, ledger.StatusPending, d.Status)
	assert.Len(t, d.Entries, workers)
	assert.EqualValues(t, workers, d.Version)

	// half the transfers went each way
	for _, id := range []ledger.SourceID{"left", "right"} {
		src, err := st.GetSource(ctx, id)
		require.NoError(t, err)
		requireDecimal(t, "500", src.Balance)
		assert.Len(t, src.Entries, workers)
	}

	page, err := m.List(ctx, "alice", 0, ledger.MaxPageSize, nil)
	require.NoError(t, err)
	assert.Equal(t, workers*3, page.Total)
}

func testManagerScenario(t *testing.T, st ledger.TxStore) {
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := ledger.NewManager(st, ledger.WithLogger(log), ledger.WithTimeout(5*time.Second))

	seedSource(t, st, "wallet", "alice", "1000")
	seedDebt(t, st, ledger.KindDept, "loan", "alice", "1000")

	exp, err := m.Create(ctx, "alice", ledger.Expense{Source: "wallet", Amount: ledger.NewMoney("200")})
	require.NoError(t, err)
	_, err = m.Update(ctx, "alice", exp.ID, ledger.Expense{Source: "wallet", Amount: ledger.NewMoney("50")})
	require.NoError(t, err)

	src, err := st.GetSource(ctx, "wallet")
	require.NoError(t, err)
	requireDecimal(t, "950", src.Balance)
	requireDecimal(t, "50", src.Expense)
	assert.Len(t, src.Entries, 1)

	_, err = m.Create(ctx, "alice", ledger.DeptPayment{Dept: "loan", Amount: ledger.NewMoney("300")})
	require.NoError(t, err)
	payoff, err := m.Create(ctx, "alice", ledger.DeptPayment{Dept: "loan", Amount: ledger.NewMoney("700")})
	require.NoError(t, err)

	d, err := st.GetDebt(ctx, ledger.KindDept, "loan")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, d.Status)

	require.NoError(t, m.Delete(ctx, "alice", payoff.ID))
	require.NoError(t, m.Delete(ctx, "alice", exp.ID))

	d, err = st.GetDebt(ctx, ledger.KindDept, "loan")
	require.NoError(t, err)
	requireDecimal(t, "700", d.Remaining)
	assert.Equal(t, ledger.StatusPending, d.Status)

	src, err = st.GetSource(ctx, "wallet")
	require.NoError(t, err)
	requireDecimal(t, "1000", src.Balance)
	assert.Empty(t, src.Entries)

	findings, err := ledger.NewAuditor(st, log, nil).AuditAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

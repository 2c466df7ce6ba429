package ledger_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const alice ledger.UserID = "alice"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestManager(t *testing.T, st ledger.TxStore, opts ...ledger.Option) *ledger.Manager {
	t.Helper()
	base := []ledger.Option{
		ledger.WithLogger(quietLogger()),
		ledger.WithTimeout(2 * time.Second),
		ledger.WithRetryBase(time.Millisecond),
	}
	return ledger.NewManager(st, append(base, opts...)...)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func money(s string) ledger.Money {
	return ledger.Money{Decimal: dec(s)}
}

func seedSource(t *testing.T, st ledger.Store, id ledger.SourceID, user ledger.UserID, balance string) {
	t.Helper()
	require.NoError(t, st.CreateSource(context.Background(), ledger.Source{
		ID:             id,
		UserID:         user,
		Name:           string(id),
		OpeningBalance: dec(balance),
		Balance:        dec(balance),
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func seedDebt(t *testing.T, st ledger.Store, kind ledger.DebtKind, id ledger.DebtID, user ledger.UserID, amount string) {
	t.Helper()
	require.NoError(t, st.CreateDebt(context.Background(), ledger.Debt{
		ID:           id,
		Kind:         kind,
		UserID:       user,
		Counterparty: "bob",
		Amount:       dec(amount),
		Remaining:    dec(amount),
		Status:       ledger.StatusPending,
		CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func getSource(t *testing.T, st ledger.Store, id ledger.SourceID) ledger.Source {
	t.Helper()
	src, err := st.GetSource(context.Background(), id)
	require.NoError(t, err)
	return *src
}

func getDebt(t *testing.T, st ledger.Store, kind ledger.DebtKind, id ledger.DebtID) ledger.Debt {
	t.Helper()
	d, err := st.GetDebt(context.Background(), kind, id)
	require.NoError(t, err)
	return *d
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func newMemory() *store.TxMemory {
	return store.NewTxMemory()
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

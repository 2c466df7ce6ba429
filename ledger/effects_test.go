package ledger_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/ledger"
)

func txOf(id string, p ledger.Payload) ledger.Transaction {
	return ledger.Transaction{ID: ledger.TransactionID(id), UserID: alice, Type: p.Kind(), Payload: p}
}

// =============================================================================
// CALCULATOR RULES
// =============================================================================

func TestCompute_Income(t *testing.T) {
	tx := txOf("t1", ledger.Income{Source: "wallet", Amount: money("250"), Note: "salary"})

	effects, err := ledger.Compute(tx, ledger.Apply)
	require.NoError(t, err)
	require.Len(t, effects, 1)

	e := effects[0]
	assert.Equal(t, ledger.TargetSource, e.Target)
	assert.Equal(t, ledger.SourceID("wallet"), e.SourceID)
	requireDecimal(t, "250", e.Delta.Balance)
	requireDecimal(t, "250", e.Delta.Income)
	requireDecimal(t, "0", e.Delta.Expense)
	require.NotNil(t, e.SourceEntry)
	assert.Equal(t, ledger.TypeIncome, e.SourceEntry.Type)
	assert.Equal(t, "salary", e.SourceEntry.Note)
	assert.Empty(t, e.RemoveTx)
}

func TestCompute_ExpenseReverse(t *testing.T) {
	tx := txOf("t1", ledger.Expense{Source: "wallet", Amount: money("40"), Note: "lunch"})

	effects, err := ledger.Compute(tx, ledger.Reverse)
	require.NoError(t, err)
	require.Len(t, effects, 1)

	e := effects[0]
	requireDecimal(t, "40", e.Delta.Balance)
	requireDecimal(t, "-40", e.Delta.Expense)
	assert.Nil(t, e.SourceEntry)
	assert.Equal(t, ledger.TransactionID("t1"), e.RemoveTx)
}

func TestCompute_Transfer(t *testing.T) {
	tx := txOf("t1", ledger.Transfer{From: "bank", To: "cash", Amount: money("100")})

	effects, err := ledger.Compute(tx, ledger.Apply)
	require.NoError(t, err)
	require.Len(t, effects, 2)

	out, in := effects[0], effects[1]
	assert.Equal(t, ledger.SourceID("bank"), out.SourceID)
	requireDecimal(t, "-100", out.Delta.Balance)
	assert.Equal(t, "Transfer out", out.SourceEntry.Note)

	assert.Equal(t, ledger.SourceID("cash"), in.SourceID)
	requireDecimal(t, "100", in.Delta.Balance)
	assert.Equal(t, "Transfer in", in.SourceEntry.Note)

	// transfers do not touch income/expense totals
	assert.True(t, out.Delta.Income.IsZero() && out.Delta.Expense.IsZero())
}

func TestCompute_DebtPayments(t *testing.T) {
	dept, err := ledger.Compute(txOf("t1", ledger.DeptPayment{Dept: "d1", Amount: money("30")}), ledger.Apply)
	require.NoError(t, err)
	require.Len(t, dept, 1)
	assert.Equal(t, ledger.TargetDept, dept[0].Target)
	assert.Equal(t, ledger.KindDept, dept[0].DebtKind())
	assert.Equal(t, ledger.Apply, dept[0].Factor)
	require.NotNil(t, dept[0].DebtEntry)

	recv, err := ledger.Compute(txOf("t2", ledger.ReceivingPayment{Receiving: "r1", Amount: money("30")}), ledger.Reverse)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindReceiving, recv[0].DebtKind())
	assert.Equal(t, ledger.TransactionID("t2"), recv[0].RemoveTx)
	assert.Nil(t, recv[0].DebtEntry)
}

func TestCompute_RequiredFields(t *testing.T) {
	cases := []struct {
		name string
		p    ledger.Payload
	}{
		{"income without source", ledger.Income{Amount: money("1")}},
		{"expense without source", ledger.Expense{Amount: money("1")}},
		{"transfer without from", ledger.Transfer{To: "b", Amount: money("1")}},
		{"transfer without to", ledger.Transfer{From: "a", Amount: money("1")}},
		{"dept without source", ledger.DeptPayment{Amount: money("1")}},
		{"receiving without source", ledger.ReceivingPayment{Amount: money("1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			effects, err := ledger.Compute(txOf("t", tc.p), ledger.Apply)
			assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
			assert.Nil(t, effects)
		})
	}
}

func TestCompute_TypeMismatchRejected(t *testing.T) {
	tx := txOf("t1", ledger.Income{Source: "wallet", Amount: money("1")})
	tx.Type = ledger.TypeExpense

	_, err := ledger.Compute(tx, ledger.Apply)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

// =============================================================================
// DEBT STATE RULE
// =============================================================================

func TestNextDebtState(t *testing.T) {
	cases := []struct {
		name          string
		remaining     string
		status        ledger.DebtStatus
		amount        string
		factor        ledger.Factor
		wantRemaining string
		wantStatus    ledger.DebtStatus
	}{
		{"partial payment", "1000", ledger.StatusPending, "300", ledger.Apply, "700", ledger.StatusPending},
		{"exact payoff", "700", ledger.StatusPending, "700", ledger.Apply, "0", ledger.StatusPaid},
		{"overpayment clamps at zero", "100", ledger.StatusPending, "250", ledger.Apply, "0", ledger.StatusPaid},
		{"reverse payoff back to pending", "0", ledger.StatusPaid, "700", ledger.Reverse, "700", ledger.StatusPending},
		{"overdue stays overdue", "500", ledger.StatusOverdue, "100", ledger.Apply, "400", ledger.StatusOverdue},
		{"reverse keeps overdue", "400", ledger.StatusOverdue, "100", ledger.Reverse, "500", ledger.StatusOverdue},
		// inherited rule: a paid debt left above zero drops to pending on apply too
		{"apply on paid with nonzero result", "50", ledger.StatusPaid, "10", ledger.Apply, "40", ledger.StatusPending},
		{"zero amount on paid debt stays paid", "0", ledger.StatusPaid, "0", ledger.Apply, "0", ledger.StatusPaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rem, status := ledger.NextDebtState(dec(tc.remaining), tc.status, dec(tc.amount), tc.factor)
			requireDecimal(t, tc.wantRemaining, rem)
			assert.Equal(t, tc.wantStatus, status)
		})
	}
}

// =============================================================================
// AMOUNTS AND PAYLOADS
// =============================================================================

func TestParseAmount_CoercesGarbageToZero(t *testing.T) {
	assert.True(t, ledger.ParseAmount(nil).IsZero())
	assert.True(t, ledger.ParseAmount("abc").IsZero())
	assert.True(t, ledger.ParseAmount(struct{}{}).IsZero())
	assert.True(t, ledger.ParseAmount("12.50").Equal(dec("12.5")))
	assert.True(t, ledger.ParseAmount(json.Number("7")).Equal(dec("7")))
	assert.True(t, ledger.ParseAmount(3).Equal(dec("3")))

	// non-finite floats would panic inside decimal
	assert.NotPanics(t, func() {
		assert.True(t, ledger.ParseAmount(math.NaN()).IsZero())
		assert.True(t, ledger.ParseAmount(math.Inf(1)).IsZero())
		assert.True(t, ledger.ParseAmount(math.Inf(-1)).IsZero())
		assert.True(t, ledger.ParseAmount(float32(math.NaN())).IsZero())
	})
}

func TestParseAmount_AcceptsEveryNumericKind(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{int8(-3), "-3"},
		{int16(300), "300"},
		{int32(5), "5"},
		{int64(9), "9"},
		{uint(7), "7"},
		{uint8(8), "8"},
		{uint16(16), "16"},
		{uint32(32), "32"},
		{uint64(math.MaxUint64), "18446744073709551615"},
		{float32(2.5), "2.5"},
		{1.25, "1.25"},
	}
	for _, tc := range tests {
		got := ledger.ParseAmount(tc.in)
		assert.Truef(t, dec(tc.want).Equal(got), "%T(%v): want %s, got %s", tc.in, tc.in, tc.want, got)
	}
}

func TestMoney_DecodesNumbersStringsAndJunk(t *testing.T) {
	var p ledger.Expense
	require.NoError(t, json.Unmarshal([]byte(`{"source":"s","amount":"19.99"}`), &p))
	requireDecimal(t, "19.99", p.Amount.Decimal)

	require.NoError(t, json.Unmarshal([]byte(`{"source":"s","amount":42}`), &p))
	requireDecimal(t, "42", p.Amount.Decimal)

	require.NoError(t, json.Unmarshal([]byte(`{"source":"s","amount":{"x":1}}`), &p))
	requireDecimal(t, "0", p.Amount.Decimal)

	var missing ledger.Income
	require.NoError(t, json.Unmarshal([]byte(`{"source":"s"}`), &missing))
	assert.True(t, missing.Value().IsZero())
}

func TestDecodePayload_PicksVariantByType(t *testing.T) {
	raw, err := ledger.EncodePayload(ledger.Transfer{From: "a", To: "b", Amount: money("5")})
	require.NoError(t, err)

	p, err := ledger.DecodePayload(ledger.TypeTransfer, raw)
	require.NoError(t, err)
	tr, ok := p.(ledger.Transfer)
	require.True(t, ok)
	assert.Equal(t, ledger.SourceID("a"), tr.From)
	assert.Equal(t, ledger.SourceID("b"), tr.To)

	_, err = ledger.DecodePayload("loan", raw)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestDebtPayloads_UseSourceFieldName(t *testing.T) {
	raw, err := ledger.EncodePayload(ledger.DeptPayment{Dept: "d1", Amount: money("1")})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"source":"d1"`)
}

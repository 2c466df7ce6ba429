/*
effects.go - Effect calculator

PURPOSE:
  Pure mapping from (transaction, factor) to the list of changes that must
  be made to sources and debts. No I/O. The applier executes the result.

FACTOR:
  Apply (+1) adds a transaction's effects, Reverse (-1) takes them back.
  Log entries are appended only on Apply and removed (by transaction id)
  only on Reverse.

RULES:
  income     source:    income += amt, balance += amt
  expense    source:    expense += amt, balance -= amt
  transfer   from/to:   from.balance -= amt, to.balance += amt
  dept       dept:      remaining/status via NextDebtState
  receiving  receiving: same rule as dept

  Debt effects are NOT flat deltas: the next remaining depends on the
  current stored remaining, so the applier reads the row first.
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// FACTOR
// =============================================================================

type Factor int

const (
	Apply   Factor = 1
	Reverse Factor = -1
)

func (f Factor) decimal() decimal.Decimal { return decimal.NewFromInt(int64(f)) }

func (f Factor) String() string {
	if f == Reverse {
		return "reverse"
	}
	return "apply"
}

// =============================================================================
// EFFECT
// =============================================================================

type Target string

const (
	TargetSource    Target = "source"
	TargetDept      Target = "dept"
	TargetReceiving Target = "receiving"
)

// Effect is one instruction for one target record.
type Effect struct {
	Target   Target
	SourceID SourceID
	DebtID   DebtID

	// Delta is the increment for source targets, already multiplied by the factor.
	Delta SourceDelta

	// Amount and Factor drive NextDebtState for debt targets.
	Amount decimal.Decimal
	Factor Factor

	// Exactly one of these is set: an entry to append (Apply) or the
	// transaction whose entries must be removed (Reverse).
	SourceEntry *SourceEntry
	DebtEntry   *DebtEntry
	RemoveTx    TransactionID
}

// DebtKind maps a debt target to its collection.
func (e Effect) DebtKind() DebtKind {
	if e.Target == TargetReceiving {
		return KindReceiving
	}
	return KindDept
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Validate checks the required fields of a payload. It does not touch the store.
func Validate(p Payload) error {
	if p == nil {
		return invalidf("payload is required")
	}
	switch v := p.(type) {
	case Income:
		if v.Source == "" {
			return invalidf("income requires source")
		}
	case Expense:
		if v.Source == "" {
			return invalidf("expense requires source")
		}
	case Transfer:
		if v.From == "" || v.To == "" {
			return invalidf("transfer requires from and to")
		}
	case DeptPayment:
		if v.Dept == "" {
			return invalidf("dept payment requires source")
		}
	case ReceivingPayment:
		if v.Receiving == "" {
			return invalidf("receiving payment requires source")
		}
	default:
		return invalidf("unsupported payload %T", p)
	}
	return nil
}

// Compute returns the effects of tx scaled by factor.
func Compute(tx Transaction, factor Factor) ([]Effect, error) {
	if err := Validate(tx.Payload); err != nil {
		return nil, err
	}
	if tx.Type != tx.Payload.Kind() {
		return nil, invalidf("type %q does not match %s payload", tx.Type, tx.Payload.Kind())
	}

	amt := tx.Payload.Value()
	signed := amt.Mul(factor.decimal())

	switch p := tx.Payload.(type) {
	case Income:
		e := Effect{Target: TargetSource, SourceID: p.Source, Delta: SourceDelta{Balance: signed, Income: signed}}
		return []Effect{withSourceLog(e, tx, factor, TypeIncome, p.Note, amt)}, nil

	case Expense:
		e := Effect{Target: TargetSource, SourceID: p.Source, Delta: SourceDelta{Balance: signed.Neg(), Expense: signed}}
		return []Effect{withSourceLog(e, tx, factor, TypeExpense, p.Note, amt)}, nil

	case Transfer:
		out := Effect{Target: TargetSource, SourceID: p.From, Delta: SourceDelta{Balance: signed.Neg()}}
		in := Effect{Target: TargetSource, SourceID: p.To, Delta: SourceDelta{Balance: signed}}
		return []Effect{
			withSourceLog(out, tx, factor, TypeTransfer, "Transfer out", amt),
			withSourceLog(in, tx, factor, TypeTransfer, "Transfer in", amt),
		}, nil

	case DeptPayment:
		e := Effect{Target: TargetDept, DebtID: p.Dept, Amount: amt, Factor: factor}
		return []Effect{withDebtLog(e, tx, factor, p.Note, amt)}, nil

	case ReceivingPayment:
		e := Effect{Target: TargetReceiving, DebtID: p.Receiving, Amount: amt, Factor: factor}
		return []Effect{withDebtLog(e, tx, factor, p.Note, amt)}, nil
	}
	return nil, invalidf("unsupported payload %T", tx.Payload)
}

func withSourceLog(e Effect, tx Transaction, factor Factor, t Type, note string, amt decimal.Decimal) Effect {
	if factor == Apply {
		e.SourceEntry = &SourceEntry{TransactionID: tx.ID, Type: t, Note: note, Amount: amt}
	} else {
		e.RemoveTx = tx.ID
	}
	return e
}

func withDebtLog(e Effect, tx Transaction, factor Factor, note string, amt decimal.Decimal) Effect {
	if factor == Apply {
		e.DebtEntry = &DebtEntry{TransactionID: tx.ID, Note: note, Amount: amt}
	} else {
		e.RemoveTx = tx.ID
	}
	return e
}

// NextDebtState applies a payment (or its reversal) to a debt's current
// remaining and status.
//
// remaining never drops below zero. A debt becomes paid exactly when
// remaining hits zero; a paid debt that ends up above zero goes back to
// pending. The second rule fires for Apply and Reverse alike.
func NextDebtState(remaining decimal.Decimal, status DebtStatus, amount decimal.Decimal, factor Factor) (decimal.Decimal, DebtStatus) {
	next := remaining.Sub(amount.Mul(factor.decimal()))
	if next.IsNegative() {
		next = decimal.Zero
	}
	switch {
	case next.IsZero():
		return next, StatusPaid
	case status == StatusPaid:
		return next, StatusPending
	default:
		return next, status
	}
}

/*
Package ledger provides the transaction effects engine.

PURPOSE:
  A Transaction records a financial event (income, expense, transfer, or a
  payment toward a dept/receiving). Each transaction has EFFECTS on other
  records: a Source's balance/income/expense, or a Dept/Receiving's
  remaining/status. Those derived fields are denormalized, so this package
  is the only place allowed to write them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount helpers: decimal money values, lenient parsing
  - Payload: sealed sum type, one variant per transaction type
  - Transaction: the ledger row
  - Source / Debt: the records transactions have effects on

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Type safety: each ID kind is its own string type
  3. One payload per transaction: the variant IS the type

SEE ALSO:
  - effects.go: what a transaction changes
  - applier.go: how those changes reach the store
  - manager.go: create/update/delete/list entry points
*/
package ledger

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT
// =============================================================================

// ParseAmount normalizes any amount-like value to a decimal.
// Non-numeric or absent values become zero; it never fails.
func ParseAmount(v any) decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return x
	case int:
		return decimal.NewFromInt(int64(x))
	case int8:
		return decimal.NewFromInt(int64(x))
	case int16:
		return decimal.NewFromInt(int64(x))
	case int32:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(x)), 0)
	case uint8:
		return decimal.NewFromInt(int64(x))
	case uint16:
		return decimal.NewFromInt(int64(x))
	case uint32:
		return decimal.NewFromInt(int64(x))
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0)
	case float32:
		if !finite(float64(x)) {
			return decimal.Zero
		}
		return decimal.NewFromFloat32(x)
	case float64:
		// NewFromFloat panics on NaN and Inf
		if !finite(x) {
			return decimal.Zero
		}
		return decimal.NewFromFloat(x)
	case json.Number:
		return parseAmountString(x.String())
	case string:
		return parseAmountString(x)
	default:
		return decimal.Zero
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func parseAmountString(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Money is a decimal that decodes leniently from JSON numbers or strings.
type Money struct {
	decimal.Decimal
}

func NewMoney(v any) Money { return Money{ParseAmount(v)} }

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Decimal.String())
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		m.Decimal = decimal.Zero
		return nil
	}
	m.Decimal = ParseAmount(raw)
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string
type SourceID string
type DebtID string

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// =============================================================================
// TRANSACTION TYPE
// =============================================================================

type Type string

const (
	TypeIncome    Type = "income"
	TypeExpense   Type = "expense"
	TypeTransfer  Type = "transfer"
	TypeDept      Type = "dept"
	TypeReceiving Type = "receiving"
)

func (t Type) Valid() bool {
	switch t {
	case TypeIncome, TypeExpense, TypeTransfer, TypeDept, TypeReceiving:
		return true
	}
	return false
}

// =============================================================================
// PAYLOAD - One variant per transaction type
// =============================================================================

// Payload is the type-specific body of a transaction.
// The set of implementations is closed; Kind() tells which one it is.
type Payload interface {
	Kind() Type
	Value() decimal.Decimal
	payload()
}

// Income credits a source.
type Income struct {
	Source SourceID `json:"source"`
	Amount Money    `json:"amount"`
	Note   string   `json:"note,omitempty"`
}

// Expense debits a source.
type Expense struct {
	Source SourceID `json:"source"`
	Amount Money    `json:"amount"`
	Note   string   `json:"note,omitempty"`
}

// Transfer moves money between two sources.
type Transfer struct {
	From   SourceID `json:"from"`
	To     SourceID `json:"to"`
	Amount Money    `json:"amount"`
}

// DeptPayment is a payment toward money the user owes.
type DeptPayment struct {
	Dept   DebtID `json:"source"`
	Amount Money  `json:"amount"`
	Note   string `json:"note,omitempty"`
}

// ReceivingPayment is money received toward a receiving.
type ReceivingPayment struct {
	Receiving DebtID `json:"source"`
	Amount    Money  `json:"amount"`
	Note      string `json:"note,omitempty"`
}

func (Income) Kind() Type           { return TypeIncome }
func (Expense) Kind() Type          { return TypeExpense }
func (Transfer) Kind() Type         { return TypeTransfer }
func (DeptPayment) Kind() Type      { return TypeDept }
func (ReceivingPayment) Kind() Type { return TypeReceiving }

func (p Income) Value() decimal.Decimal           { return p.Amount.Decimal }
func (p Expense) Value() decimal.Decimal          { return p.Amount.Decimal }
func (p Transfer) Value() decimal.Decimal         { return p.Amount.Decimal }
func (p DeptPayment) Value() decimal.Decimal      { return p.Amount.Decimal }
func (p ReceivingPayment) Value() decimal.Decimal { return p.Amount.Decimal }

func (Income) payload()           {}
func (Expense) payload()          {}
func (Transfer) payload()         {}
func (DeptPayment) payload()      {}
func (ReceivingPayment) payload() {}

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is a ledger row. Type always equals Payload.Kind().
type Transaction struct {
	ID        TransactionID
	UserID    UserID
	Type      Type
	Payload   Payload
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionFilter selects a page of a user's transactions, newest first.
type TransactionFilter struct {
	UserID UserID
	Type   *Type
	Skip   int
	Limit  int
}

// =============================================================================
// SOURCE - Money container
// =============================================================================

type Source struct {
	ID             SourceID
	UserID         UserID
	Name           string
	OpeningBalance decimal.Decimal
	Balance        decimal.Decimal
	Income         decimal.Decimal
	Expense        decimal.Decimal
	Entries        []SourceEntry
	CreatedAt      time.Time
}

// SourceEntry is one line of a source's audit trail.
type SourceEntry struct {
	TransactionID TransactionID   `json:"transaction_id"`
	Type          Type            `json:"type"`
	Note          string          `json:"note"`
	Amount        decimal.Decimal `json:"amount"`
}

// SourceDelta is an atomic increment applied to a source's totals.
type SourceDelta struct {
	Balance decimal.Decimal
	Income  decimal.Decimal
	Expense decimal.Decimal
}

func (d SourceDelta) IsZero() bool {
	return d.Balance.IsZero() && d.Income.IsZero() && d.Expense.IsZero()
}

// =============================================================================
// DEBT - Dept (user owes) and Receiving (user is owed)
// =============================================================================

type DebtKind string

const (
	KindDept      DebtKind = "dept"
	KindReceiving DebtKind = "receiving"
)

type DebtStatus string

const (
	StatusPending DebtStatus = "pending"
	StatusPaid    DebtStatus = "paid"
	StatusOverdue DebtStatus = "overdue"
)

// Debt is a Dept or a Receiving; both share shape and rules.
// Counterparty is the lender for a dept and the borrower for a receiving.
type Debt struct {
	ID           DebtID
	Kind         DebtKind
	UserID       UserID
	Counterparty string
	Amount       decimal.Decimal
	Remaining    decimal.Decimal
	Status       DebtStatus
	DueDate      *time.Time
	Interest     decimal.Decimal
	Entries      []DebtEntry
	Version      int64
	CreatedAt    time.Time
}

type DebtEntry struct {
	TransactionID TransactionID   `json:"transaction_id"`
	Note          string          `json:"note"`
	Amount        decimal.Decimal `json:"amount"`
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.validate.StructCtx before touching the ledger. Amounts must be
  positive at this edge; the ledger itself accepts any decimal.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/warp/finance-engine/ledger"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionRequest is the body of POST and PUT /api/transactions.
// Transfers use from/to; every other type uses source.
type TransactionRequest struct {
	Type   string       `json:"type" validate:"required,oneof=income expense transfer dept receiving"`
	Source string       `json:"source" validate:"required_unless=Type transfer"`
	From   string       `json:"from" validate:"required_if=Type transfer"`
	To     string       `json:"to" validate:"required_if=Type transfer"`
	Amount ledger.Money `json:"amount" validate:"gt=0"`
	Note   string       `json:"note" validate:"max=500"`
}

// Payload converts the request into the ledger variant for its type.
func (r TransactionRequest) Payload() ledger.Payload {
	switch ledger.Type(r.Type) {
	case ledger.TypeIncome:
		return ledger.Income{Source: ledger.SourceID(r.Source), Amount: r.Amount, Note: r.Note}
	case ledger.TypeExpense:
		return ledger.Expense{Source: ledger.SourceID(r.Source), Amount: r.Amount, Note: r.Note}
	case ledger.TypeTransfer:
		return ledger.Transfer{From: ledger.SourceID(r.From), To: ledger.SourceID(r.To), Amount: r.Amount}
	case ledger.TypeDept:
		return ledger.DeptPayment{Dept: ledger.DebtID(r.Source), Amount: r.Amount, Note: r.Note}
	case ledger.TypeReceiving:
		return ledger.ReceivingPayment{Receiving: ledger.DebtID(r.Source), Amount: r.Amount, Note: r.Note}
	}
	return nil
}

type TransactionDTO struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Payload   ledger.Payload `json:"payload"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type TransactionPageDTO struct {
	Items []TransactionDTO `json:"items"`
	Total int              `json:"total"`
	Skip  int              `json:"skip"`
	Limit int              `json:"limit"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:        string(tx.ID),
		UserID:    string(tx.UserID),
		Type:      string(tx.Type),
		Payload:   tx.Payload,
		CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: tx.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toTransactionPageDTO(p ledger.Page) TransactionPageDTO {
	items := make([]TransactionDTO, 0, len(p.Items))
	for _, tx := range p.Items {
		items = append(items, toTransactionDTO(tx))
	}
	return TransactionPageDTO{Items: items, Total: p.Total, Skip: p.Skip, Limit: p.Limit}
}

// =============================================================================
// SOURCES
// =============================================================================

type CreateSourceRequest struct {
	ID             string       `json:"id" validate:"omitempty,max=64"`
	Name           string       `json:"name" validate:"required,max=100"`
	OpeningBalance ledger.Money `json:"opening_balance"`
}

type SourceDTO struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	OpeningBalance string               `json:"opening_balance"`
	Balance        string               `json:"balance"`
	Income         string               `json:"income"`
	Expense        string               `json:"expense"`
	Transactions   []ledger.SourceEntry `json:"transactions"`
	CreatedAt      string               `json:"created_at"`
}

func toSourceDTO(s ledger.Source) SourceDTO {
	entries := s.Entries
	if entries == nil {
		entries = []ledger.SourceEntry{}
	}
	return SourceDTO{
		ID:             string(s.ID),
		Name:           s.Name,
		OpeningBalance: s.OpeningBalance.String(),
		Balance:        s.Balance.String(),
		Income:         s.Income.String(),
		Expense:        s.Expense.String(),
		Transactions:   entries,
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// DEPTS AND RECEIVINGS
// =============================================================================

// CreateDebtRequest is shared by /api/depts (counterparty = lender) and
// /api/receivings (counterparty = borrower).
type CreateDebtRequest struct {
	ID           string       `json:"id" validate:"omitempty,max=64"`
	Counterparty string       `json:"counterparty" validate:"required,max=100"`
	Amount       ledger.Money `json:"amount" validate:"gt=0"`
	DueDate      *time.Time   `json:"due_date"`
	Interest     ledger.Money `json:"interest" validate:"gte=0"`
}

type DebtDTO struct {
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	Counterparty string             `json:"counterparty"`
	Amount       string             `json:"amount"`
	Remaining    string             `json:"remaining"`
	Status       string             `json:"status"`
	DueDate      *string            `json:"due_date,omitempty"`
	Interest     string             `json:"interest"`
	Transactions []ledger.DebtEntry `json:"transactions"`
	CreatedAt    string             `json:"created_at"`
}

func toDebtDTO(d ledger.Debt) DebtDTO {
	dto := DebtDTO{
		ID:           string(d.ID),
		Kind:         string(d.Kind),
		Counterparty: d.Counterparty,
		Amount:       d.Amount.String(),
		Remaining:    d.Remaining.String(),
		Status:       string(d.Status),
		Interest:     d.Interest.String(),
		Transactions: d.Entries,
		CreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if dto.Transactions == nil {
		dto.Transactions = []ledger.DebtEntry{}
	}
	if d.DueDate != nil {
		s := d.DueDate.UTC().Format("2006-01-02")
		dto.DueDate = &s
	}
	return dto
}

// =============================================================================
// AUDIT / ERRORS
// =============================================================================

type AuditResponse struct {
	UserID   string           `json:"user_id"`
	Findings []ledger.Finding `json:"findings"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// newValidator returns a validator that compares ledger.Money by value and
// reports JSON field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if m, ok := field.Interface().(ledger.Money); ok {
			f, _ := m.Decimal.Float64()
			return f
		}
		return nil
	}, ledger.Money{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// describeValidation flattens validator errors into one line.
func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_if", "required_unless":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "gt":
			parts = append(parts, fmt.Sprintf("%s must be positive", fe.Field()))
		case "gte":
			parts = append(parts, fmt.Sprintf("%s must not be negative", fe.Field()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

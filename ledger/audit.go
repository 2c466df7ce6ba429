/*
audit.go - Read-only reconciliation of derived state

PURPOSE:
  The engine keeps balances and debt remainders as derived values next to
  the transaction rows. The auditor recomputes them from the rows and the
  audit logs and reports every disagreement. It never writes.

CHECKS:
  source_balance   balance  == opening + sum of effects of the user's transactions
  source_income    income   == sum of income effects
  source_expense   expense  == sum of expense effects
  source_entries   each transaction has exactly one entry per effect on the source
  debt_remaining   remaining == max(0, amount - sum of entries)
  debt_status      paid exactly when remaining is zero
  debt_entries     each transaction has exactly one entry on the debt it targets
  missing_target   a transaction points at a record that does not exist

  A reversed overpayment (see NextDebtState) shows up as debt_remaining.

SEE ALSO:
  manager.go - logs reconcile=true when a unit rolls back
  api/scheduler.go - runs AuditAll on a schedule
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	CheckSourceBalance = "source_balance"
	CheckSourceIncome  = "source_income"
	CheckSourceExpense = "source_expense"
	CheckSourceEntries = "source_entries"
	CheckDebtRemaining = "debt_remaining"
	CheckDebtStatus    = "debt_status"
	CheckDebtEntries   = "debt_entries"
	CheckMissingTarget = "missing_target"
)

var allChecks = []string{
	CheckSourceBalance, CheckSourceIncome, CheckSourceExpense, CheckSourceEntries,
	CheckDebtRemaining, CheckDebtStatus, CheckDebtEntries, CheckMissingTarget,
}

// Finding is one disagreement between stored and recomputed state.
type Finding struct {
	UserID   UserID `json:"user_id"`
	Check    string `json:"check"`
	Target   Target `json:"target"`
	TargetID string `json:"target_id"`
	Detail   string `json:"detail"`
}

type Auditor struct {
	Store   TxStore
	Log     logrus.FieldLogger
	Metrics *Metrics
}

func NewAuditor(store TxStore, log logrus.FieldLogger, metrics *Metrics) *Auditor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Auditor{Store: store, Log: log, Metrics: metrics}
}

// AuditAll audits every user the store knows about and publishes the
// per-check counts.
func (a *Auditor) AuditAll(ctx context.Context) ([]Finding, error) {
	users, err := a.Store.UserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", ErrStoreFailure, err)
	}

	var all []Finding
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		f, err := a.AuditUser(ctx, u)
		if err != nil {
			return all, err
		}
		all = append(all, f...)
	}

	counts := make(map[string]int, len(allChecks))
	for _, f := range all {
		counts[f.Check]++
	}
	for _, c := range allChecks {
		a.Metrics.AuditFindings.WithLabelValues(c).Set(float64(counts[c]))
	}

	a.Log.WithFields(logrus.Fields{"users": len(users), "findings": len(all)}).Info("ledger audit finished")
	return all, nil
}

// =============================================================================
// PER-USER AUDIT
// =============================================================================

type expectedSource struct {
	delta   SourceDelta
	entries map[TransactionID]int
}

type expectedDebt struct {
	entries map[TransactionID]int
}

// AuditUser recomputes one user's derived state. Transactions, sources and
// debts are read from one consistent view so a write committing mid-audit
// cannot show up as drift.
func (a *Auditor) AuditUser(ctx context.Context, userID UserID) ([]Finding, error) {
	var findings []Finding
	err := a.view(ctx, func(st Store) error {
		var err error
		findings, err = a.auditUser(ctx, st, userID)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrStoreFailure) && !errors.Is(err, ErrInconsistentState) {
			err = fmt.Errorf("%w: audit %s: %w", ErrStoreFailure, userID, err)
		}
		return nil, err
	}
	return findings, nil
}

func (a *Auditor) view(ctx context.Context, fn func(Store) error) error {
	if s, ok := a.Store.(Snapshotter); ok {
		return s.WithSnapshot(ctx, fn)
	}
	return a.Store.WithTx(ctx, fn)
}

func (a *Auditor) auditUser(ctx context.Context, st Store, userID UserID) ([]Finding, error) {
	txs, _, err := st.ListTransactions(ctx, TransactionFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %w", ErrStoreFailure, err)
	}

	sources := make(map[SourceID]*expectedSource)
	debts := make(map[Target]map[DebtID]*expectedDebt)
	for _, tx := range txs {
		effects, err := Compute(tx, Apply)
		if err != nil {
			// rows are validated on write; a bad one is corrupt data, not a user error
			return nil, fmt.Errorf("%w: transaction %s: %v", ErrInconsistentState, tx.ID, err)
		}
		for _, e := range effects {
			switch e.Target {
			case TargetSource:
				exp := sources[e.SourceID]
				if exp == nil {
					exp = &expectedSource{entries: make(map[TransactionID]int)}
					sources[e.SourceID] = exp
				}
				exp.delta.Balance = exp.delta.Balance.Add(e.Delta.Balance)
				exp.delta.Income = exp.delta.Income.Add(e.Delta.Income)
				exp.delta.Expense = exp.delta.Expense.Add(e.Delta.Expense)
				exp.entries[tx.ID]++
			default:
				if debts[e.Target] == nil {
					debts[e.Target] = make(map[DebtID]*expectedDebt)
				}
				exp := debts[e.Target][e.DebtID]
				if exp == nil {
					exp = &expectedDebt{entries: make(map[TransactionID]int)}
					debts[e.Target][e.DebtID] = exp
				}
				exp.entries[tx.ID]++
			}
		}
	}

	var findings []Finding
	report := func(check string, target Target, id, format string, args ...any) {
		f := Finding{UserID: userID, Check: check, Target: target, TargetID: id, Detail: fmt.Sprintf(format, args...)}
		a.Log.WithFields(logrus.Fields{
			"user_id": userID, "check": check, "target": target, "target_id": id,
		}).Warn(f.Detail)
		findings = append(findings, f)
	}

	srcs, err := st.ListSources(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list sources: %w", ErrStoreFailure, err)
	}
	seenSources := make(map[SourceID]bool, len(srcs))
	for _, src := range srcs {
		seenSources[src.ID] = true
		exp := sources[src.ID]
		if exp == nil {
			exp = &expectedSource{entries: map[TransactionID]int{}}
		}
		id := string(src.ID)

		if want := src.OpeningBalance.Add(exp.delta.Balance); !want.Equal(src.Balance) {
			report(CheckSourceBalance, TargetSource, id, "balance %s, expected %s", src.Balance, want)
		}
		if !exp.delta.Income.Equal(src.Income) {
			report(CheckSourceIncome, TargetSource, id, "income %s, expected %s", src.Income, exp.delta.Income)
		}
		if !exp.delta.Expense.Equal(src.Expense) {
			report(CheckSourceExpense, TargetSource, id, "expense %s, expected %s", src.Expense, exp.delta.Expense)
		}

		got := make(map[TransactionID]int)
		for _, e := range src.Entries {
			got[e.TransactionID]++
		}
		compareEntries(got, exp.entries, func(txID TransactionID, have, want int) {
			report(CheckSourceEntries, TargetSource, id, "transaction %s has %d entries, expected %d", txID, have, want)
		})
	}
	for id := range sources {
		if !seenSources[id] {
			report(CheckMissingTarget, TargetSource, string(id), "referenced source does not exist")
		}
	}

	for _, kind := range []DebtKind{KindDept, KindReceiving} {
		target := debtTarget(kind)
		list, err := st.ListDebts(ctx, kind, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %w", ErrStoreFailure, kind, err)
		}
		seen := make(map[DebtID]bool, len(list))
		for _, d := range list {
			seen[d.ID] = true
			id := string(d.ID)

			paid := decimal.Zero
			got := make(map[TransactionID]int)
			for _, e := range d.Entries {
				paid = paid.Add(e.Amount)
				got[e.TransactionID]++
			}
			want := d.Amount.Sub(paid)
			if want.IsNegative() {
				want = decimal.Zero
			}
			if !want.Equal(d.Remaining) {
				report(CheckDebtRemaining, target, id, "remaining %s, expected %s", d.Remaining, want)
			}
			if d.Remaining.IsZero() != (d.Status == StatusPaid) {
				report(CheckDebtStatus, target, id, "status %s with remaining %s", d.Status, d.Remaining)
			}

			var exp map[TransactionID]int
			if e := debts[target][d.ID]; e != nil {
				exp = e.entries
			}
			compareEntries(got, exp, func(txID TransactionID, have, want int) {
				report(CheckDebtEntries, target, id, "transaction %s has %d entries, expected %d", txID, have, want)
			})
		}
		for id := range debts[target] {
			if !seen[id] {
				report(CheckMissingTarget, target, string(id), "referenced %s does not exist", kind)
			}
		}
	}

	return findings, nil
}

func compareEntries(got, want map[TransactionID]int, mismatch func(TransactionID, int, int)) {
	for id, n := range got {
		if want[id] != n {
			mismatch(id, n, want[id])
		}
	}
	for id, n := range want {
		if _, ok := got[id]; !ok {
			mismatch(id, 0, n)
		}
	}
}

func debtTarget(kind DebtKind) Target {
	if kind == KindReceiving {
		return TargetReceiving
	}
	return TargetDept
}

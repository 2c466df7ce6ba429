/*
applier.go - Executes effects against a Store

PURPOSE:
  Turns the calculator's instructions into store writes for ONE
  transaction. Apply(tx) == ApplyEffects(tx, +1), Reverse(tx) ==
  ApplyEffects(tx, -1).

WRITE PATTERNS:
  Sources: IncrementSource (atomic, no prior read) + entry append/remove.
  Debts:   GetDebt -> NextDebtState -> UpdateDebtBalance(expectedVersion)
           + entry append/remove. A concurrent writer makes the
           conditional write fail with ErrConcurrentModification.

ATOMICITY:
  The applier stops at the first failing write and returns the error. It
  does not undo earlier writes itself: callers run it inside
  TxStore.WithTx so the failed unit rolls back as a whole. Never call it
  on a non-transactional store outside tests.

The applier never writes the Transaction row.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

type Applier struct{}

func NewApplier() *Applier { return &Applier{} }

func (a *Applier) Apply(ctx context.Context, st Store, tx Transaction) error {
	return a.ApplyEffects(ctx, st, tx, Apply)
}

func (a *Applier) Reverse(ctx context.Context, st Store, tx Transaction) error {
	return a.ApplyEffects(ctx, st, tx, Reverse)
}

// ApplyEffects computes the effects of tx for factor and writes them in order.
func (a *Applier) ApplyEffects(ctx context.Context, st Store, tx Transaction, factor Factor) error {
	effects, err := Compute(tx, factor)
	if err != nil {
		return err
	}
	for _, e := range effects {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s %s: %w", ErrStoreFailure, factor, tx.ID, err)
		}
		switch e.Target {
		case TargetSource:
			err = a.applySource(ctx, st, e)
		case TargetDept, TargetReceiving:
			err = a.applyDebt(ctx, st, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applySource(ctx context.Context, st Store, e Effect) error {
	if err := st.IncrementSource(ctx, e.SourceID, e.Delta); err != nil {
		return classify("increment source "+string(e.SourceID), err)
	}
	if e.SourceEntry != nil {
		if err := st.AppendSourceEntry(ctx, e.SourceID, *e.SourceEntry); err != nil {
			return classify("append source entry "+string(e.SourceID), err)
		}
	}
	if e.RemoveTx != "" {
		if err := st.RemoveSourceEntries(ctx, e.SourceID, e.RemoveTx); err != nil {
			return classify("remove source entries "+string(e.SourceID), err)
		}
	}
	return nil
}

func (a *Applier) applyDebt(ctx context.Context, st Store, e Effect) error {
	kind := e.DebtKind()
	debt, err := st.GetDebt(ctx, kind, e.DebtID)
	if err != nil {
		return classify(fmt.Sprintf("read %s %s", kind, e.DebtID), err)
	}

	remaining, status := NextDebtState(debt.Remaining, debt.Status, e.Amount, e.Factor)
	if err := st.UpdateDebtBalance(ctx, kind, e.DebtID, remaining, status, debt.Version); err != nil {
		return classify(fmt.Sprintf("update %s %s", kind, e.DebtID), err)
	}

	if e.DebtEntry != nil {
		if err := st.AppendDebtEntry(ctx, kind, e.DebtID, *e.DebtEntry); err != nil {
			return classify(fmt.Sprintf("append %s entry %s", kind, e.DebtID), err)
		}
	}
	if e.RemoveTx != "" {
		if err := st.RemoveDebtEntries(ctx, kind, e.DebtID, e.RemoveTx); err != nil {
			return classify(fmt.Sprintf("remove %s entries %s", kind, e.DebtID), err)
		}
	}
	return nil
}

// classify maps a raw store error onto the engine taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrConcurrentModification):
		return err
	case errors.Is(err, ErrNotFound):
		// target vanished after validation; must abort, not skip
		return fmt.Errorf("%w: %s: %v", ErrInconsistentState, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
	}
}

/*
manager.go - Transaction lifecycle

PURPOSE:
  Entry points for callers: List, Get, Create, Update, Delete. Each write
  operation is ONE unit of work inside TxStore.WithTx:

    Create: validate -> insert row -> apply
    Update: load (scoped to user) -> reverse OLD -> replace row -> apply NEW
    Delete: load (scoped to user) -> reverse -> delete row

ORDERING:
  Update is strictly reverse-then-persist-then-apply. The apply phase for
  debts reads the post-reversal remaining, and when the new payload points
  at a different record the old one is relieved first.

FAILURES:
  Validation and not-found errors come back as-is, before any write.
  Anything after that rolls the unit back and surfaces as *OperationError
  (errors.Is ErrIncomplete). Those are logged at error level with
  reconcile=true so an operator can look.

  Version conflicts retry the whole unit with exponential backoff.
  Every operation is bounded by Timeout; hitting it rolls back.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 5
	DefaultPageSize   = 20
	MaxPageSize       = 100
)

// Manager sequences applier calls so the ledger and the derived balances
// move together.
type Manager struct {
	Store      TxStore
	Applier    *Applier
	Log        logrus.FieldLogger
	Metrics    *Metrics
	Timeout    time.Duration
	MaxRetries uint64
	RetryBase  time.Duration
	Now        func() time.Time
	NewID      func() string
}

type Option func(*Manager)

func WithLogger(l logrus.FieldLogger) Option { return func(m *Manager) { m.Log = l } }
func WithMetrics(mt *Metrics) Option { return func(m *Manager) { m.Metrics = mt } }
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.Timeout = d } }
func WithMaxRetries(n uint64) Option { return func(m *Manager) { m.MaxRetries = n } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.Now = now } }
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.NewID = f } }
func WithRetryBase(d time.Duration) Option { return func(m *Manager) { m.RetryBase = d } }

func NewManager(store TxStore, opts ...Option) *Manager {
	m := &Manager{
		Store:      store,
		Applier:    NewApplier(),
		Log:        logrus.StandardLogger(),
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryBase:  5 * time.Millisecond,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      NewID,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.Metrics == nil {
		m.Metrics = NewMetrics(nil)
	}
	return m
}

// =============================================================================
// READS
// =============================================================================

// Page is one slice of a user's transactions, newest first.
type Page struct {
	Items []Transaction
	Total int
	Skip  int
	Limit int
}

func (m *Manager) List(ctx context.Context, userID UserID, skip, limit int, typ *Type) (Page, error) {
	if userID == "" {
		return Page{}, invalidf("user id is required")
	}
	if typ != nil && !typ.Valid() {
		return Page{}, invalidf("unknown transaction type %q", *typ)
	}
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	items, total, err := m.Store.ListTransactions(ctx, TransactionFilter{UserID: userID, Type: typ, Skip: skip, Limit: limit})
	if err != nil {
		return Page{}, fmt.Errorf("%w: list transactions: %w", ErrStoreFailure, err)
	}
	if items == nil {
		items = []Transaction{}
	}
	return Page{Items: items, Total: total, Skip: skip, Limit: limit}, nil
}

func (m *Manager) Get(ctx context.Context, userID UserID, id TransactionID) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	tx, err := m.Store.GetTransaction(ctx, userID, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: get transaction: %w", ErrStoreFailure, err)
	}
	return tx, err
}

// =============================================================================
// WRITES
// =============================================================================

func (m *Manager) Create(ctx context.Context, userID UserID, p Payload) (*Transaction, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if p == nil {
		return nil, invalidf("type is required")
	}
	if err := Validate(p); err != nil {
		return nil, err
	}

	now := m.Now()
	tx := Transaction{
		ID:        TransactionID(m.NewID()),
		UserID:    userID,
		Type:      p.Kind(),
		Payload:   p,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := m.run(ctx, "create", userID, tx.ID, func(ctx context.Context, st Store) error {
		if err := checkReferences(ctx, st, userID, p); err != nil {
			return err
		}
		if err := st.InsertTransaction(ctx, tx); err != nil {
			return classify("insert transaction", err)
		}
		return m.Applier.Apply(ctx, st, tx)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (m *Manager) Update(ctx context.Context, userID UserID, id TransactionID, p Payload) (*Transaction, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if p == nil {
		return nil, invalidf("payload is required")
	}
	if err := Validate(p); err != nil {
		return nil, err
	}

	var updated Transaction
	err := m.run(ctx, "update", userID, id, func(ctx context.Context, st Store) error {
		old, err := loadOwned(ctx, st, userID, id)
		if err != nil {
			return err
		}
		if err := checkReferences(ctx, st, userID, p); err != nil {
			return err
		}

		if err := m.Applier.Reverse(ctx, st, *old); err != nil {
			return err
		}

		updated = *old
		updated.Type = p.Kind()
		updated.Payload = p
		updated.UpdatedAt = m.Now()
		if err := st.ReplaceTransaction(ctx, updated); err != nil {
			return classify("replace transaction", err)
		}

		return m.Applier.Apply(ctx, st, updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (m *Manager) Delete(ctx context.Context, userID UserID, id TransactionID) error {
	if userID == "" {
		return invalidf("user id is required")
	}
	return m.run(ctx, "delete", userID, id, func(ctx context.Context, st Store) error {
		old, err := loadOwned(ctx, st, userID, id)
		if err != nil {
			return err
		}
		if err := m.Applier.Reverse(ctx, st, *old); err != nil {
			return err
		}
		if err := st.DeleteTransaction(ctx, userID, id); err != nil {
			return classify("delete transaction", err)
		}
		return nil
	})
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (m *Manager) run(ctx context.Context, op string, userID UserID, id TransactionID, fn func(context.Context, Store) error) error {
	start := time.Now()
	defer func() { m.Metrics.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	// jitter keeps writers that collided on the same row from colliding again
	backoff := retry.NewExponential(m.RetryBase)
	backoff = retry.WithJitterPercent(25, backoff)
	backoff = retry.WithCappedDuration(time.Second, backoff)
	backoff = retry.WithMaxRetries(m.MaxRetries, backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			m.Metrics.Retries.WithLabelValues(op).Inc()
		}
		err := m.Store.WithTx(ctx, func(st Store) error { return fn(ctx, st) })
		if IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	log := m.Log.WithFields(logrus.Fields{"op": op, "user_id": userID, "transaction_id": id})
	switch {
	case err == nil:
		m.Metrics.Operations.WithLabelValues(op, "ok").Inc()
		log.Debug("transaction lifecycle operation committed")
		return nil

	case IsClientError(err) || IsNotFound(err):
		m.Metrics.Operations.WithLabelValues(op, "client_error").Inc()
		log.WithError(err).Info("transaction lifecycle operation rejected")
		return err

	default:
		m.Metrics.Operations.WithLabelValues(op, "incomplete").Inc()
		m.Metrics.Incomplete.WithLabelValues(op).Inc()
		log.WithError(err).WithField("reconcile", true).Error("transaction lifecycle operation failed; rolled back")
		return &OperationError{Op: op, TransactionID: id, Err: err}
	}
}

func loadOwned(ctx context.Context, st Store, userID UserID, id TransactionID) (*Transaction, error) {
	tx, err := st.GetTransaction(ctx, userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, classify("load transaction", err)
	}
	return tx, nil
}

// checkReferences makes sure every record the payload points at exists and
// belongs to userID. Missing and foreign records look the same.
func checkReferences(ctx context.Context, st Store, userID UserID, p Payload) error {
	switch v := p.(type) {
	case Income:
		return checkSource(ctx, st, userID, v.Source)
	case Expense:
		return checkSource(ctx, st, userID, v.Source)
	case Transfer:
		if err := checkSource(ctx, st, userID, v.From); err != nil {
			return err
		}
		return checkSource(ctx, st, userID, v.To)
	case DeptPayment:
		return checkDebt(ctx, st, userID, KindDept, v.Dept)
	case ReceivingPayment:
		return checkDebt(ctx, st, userID, KindReceiving, v.Receiving)
	}
	return invalidf("unsupported payload %T", p)
}

func checkSource(ctx context.Context, st Store, userID UserID, id SourceID) error {
	src, err := st.GetSource(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && src.UserID != userID) {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if err != nil {
		return classify("read source", err)
	}
	return nil
}

func checkDebt(ctx context.Context, st Store, userID UserID, kind DebtKind, id DebtID) error {
	debt, err := st.GetDebt(ctx, kind, id)
	if errors.Is(err, ErrNotFound) || (err == nil && debt.UserID != userID) {
		return fmt.Errorf("%w: %s %s", ErrDebtNotFound, kind, id)
	}
	if err != nil {
		return classify("read "+string(kind), err)
	}
	return nil
}

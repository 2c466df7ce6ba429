/*
Package postgres provides a PostgreSQL implementation of ledger.TxStore
on top of a pgx connection pool.

PURPOSE:
  Multi-writer deployments. Unlike the SQLite store there is no process
  lock: concurrency control is the database's.

WRITE PATTERNS:
  Sources: UPDATE ... SET balance = balance + $n. One statement, no read.
  Debts:   read with SELECT ... FOR UPDATE inside WithTx, then
           UPDATE ... WHERE version = $expected. Zero rows updated on an
           existing row means another writer got there first.

AMOUNTS:
  NUMERIC columns. Values cross the wire as text ($n::numeric on the way
  in, column::text on the way out) so no precision is lost to floats.

MIGRATION:
  Versioned SQL in migrations/, embedded and applied by goose on Open.

SEE ALSO:
  - store/sqlite/sqlite.go: single-node equivalent
  - ledger/storetest: conformance suite both stores run
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements ledger.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to dsn, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgxpool config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate brings the schema up to the latest embedded version.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Truncate empties every table. Tests only.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE debt_entries, debts, source_entries, sources, transactions RESTART IDENTITY`)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn inside one database transaction. Debt reads made through
// the view lock their rows until commit. A deadlock or serialization
// failure, raised by a statement or by the commit, comes back as
// ledger.ErrConcurrentModification so the caller retries the whole unit.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&view{q: tx, lockDebts: true})
	})
	return asConflict(err)
}

// WithSnapshot runs fn inside a read-only REPEATABLE READ transaction, so
// every read sees the same snapshot and no row is locked.
func (s *Store) WithSnapshot(ctx context.Context, fn func(ledger.Store) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		return fn(&view{q: tx})
	})
}

// asConflict marks errors Postgres resolves by aborting one of the
// contending transactions.
func asConflict(err error) error {
	if err == nil || errors.Is(err, ledger.ErrConcurrentModification) {
		return err
	}
	if hasCode(err, codeDeadlockDetected) || hasCode(err, codeSerializationFailure) {
		return fmt.Errorf("%w: %w", ledger.ErrConcurrentModification, err)
	}
	return err
}

// view implements ledger.Store against either the pool or an open tx.
type view struct {
	q         querier
	lockDebts bool
}

func (s *Store) root() *view { return &view{q: s.pool} }

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.root().InsertTransaction(ctx, tx)
}

func (s *Store) GetTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) (*ledger.Transaction, error) {
	return s.root().GetTransaction(ctx, userID, id)
}

func (s *Store) ReplaceTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.root().ReplaceTransaction(ctx, tx)
}

func (s *Store) DeleteTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) error {
	return s.root().DeleteTransaction(ctx, userID, id)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	return s.root().ListTransactions(ctx, f)
}

func (v *view) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	payload, err := ledger.EncodePayload(tx.Payload)
	if err != nil {
		return err
	}
	_, err = v.q.Exec(ctx, `
		INSERT INTO transactions (id, user_id, type, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(tx.ID), string(tx.UserID), string(tx.Type), payload, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return fmt.Errorf("transaction %s: %w", tx.ID, ledger.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (v *view) GetTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := v.q.QueryRow(ctx, `
		SELECT id, user_id, type, payload, created_at, updated_at
		FROM transactions WHERE id = $1 AND user_id = $2
	`, string(id), string(userID))
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (v *view) ReplaceTransaction(ctx context.Context, tx ledger.Transaction) error {
	payload, err := ledger.EncodePayload(tx.Payload)
	if err != nil {
		return err
	}
	tag, err := v.q.Exec(ctx, `
		UPDATE transactions SET type = $3, payload = $4, updated_at = $5
		WHERE id = $1 AND user_id = $2
	`, string(tx.ID), string(tx.UserID), string(tx.Type), payload, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to replace transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (v *view) DeleteTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) error {
	tag, err := v.q.Exec(ctx, `DELETE FROM transactions WHERE id = $1 AND user_id = $2`, string(id), string(userID))
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (v *view) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	var typ *string
	if f.Type != nil {
		t := string(*f.Type)
		typ = &t
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	var total int
	err := v.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = $1 AND ($2::text IS NULL OR type = $2)
	`, string(f.UserID), typ).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := v.q.Query(ctx, `
		SELECT id, user_id, type, payload, created_at, updated_at
		FROM transactions
		WHERE user_id = $1 AND ($2::text IS NULL OR type = $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3 OFFSET $4
	`, string(f.UserID), typ, limit, f.Skip)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, tx)
	}
	return txs, total, rows.Err()
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx      ledger.Transaction
		id      string
		userID  string
		typ     string
		payload []byte
	)
	if err := row.Scan(&id, &userID, &typ, &payload, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.ID = ledger.TransactionID(id)
	tx.UserID = ledger.UserID(userID)
	tx.Type = ledger.Type(typ)

	p, err := ledger.DecodePayload(tx.Type, payload)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	tx.Payload = p
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

// =============================================================================
// SOURCES
// =============================================================================

func (s *Store) CreateSource(ctx context.Context, src ledger.Source) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.CreateSource(ctx, src) })
}

func (s *Store) GetSource(ctx context.Context, id ledger.SourceID) (*ledger.Source, error) {
	return s.root().GetSource(ctx, id)
}

func (s *Store) ListSources(ctx context.Context, userID ledger.UserID) ([]ledger.Source, error) {
	return s.root().ListSources(ctx, userID)
}

func (s *Store) IncrementSource(ctx context.Context, id ledger.SourceID, d ledger.SourceDelta) error {
	return s.root().IncrementSource(ctx, id, d)
}

func (s *Store) AppendSourceEntry(ctx context.Context, id ledger.SourceID, e ledger.SourceEntry) error {
	return s.root().AppendSourceEntry(ctx, id, e)
}

func (s *Store) RemoveSourceEntries(ctx context.Context, id ledger.SourceID, txID ledger.TransactionID) error {
	return s.root().RemoveSourceEntries(ctx, id, txID)
}

func (v *view) CreateSource(ctx context.Context, src ledger.Source) error {
	_, err := v.q.Exec(ctx, `
		INSERT INTO sources (id, user_id, name, opening_balance, balance, income, expense, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8)
	`, string(src.ID), string(src.UserID), src.Name,
		src.OpeningBalance.String(), src.Balance.String(), src.Income.String(), src.Expense.String(),
		src.CreatedAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return fmt.Errorf("source %s: %w", src.ID, ledger.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create source: %w", err)
	}
	for _, e := range src.Entries {
		if err := v.AppendSourceEntry(ctx, src.ID, e); err != nil {
			return err
		}
	}
	return nil
}

const sourceColumns = `id, user_id, name, opening_balance::text, balance::text, income::text, expense::text, created_at`

func (v *view) GetSource(ctx context.Context, id ledger.SourceID) (*ledger.Source, error) {
	srcs, err := v.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(srcs) == 0 {
		return nil, ledger.ErrSourceNotFound
	}
	return &srcs[0], nil
}

func (v *view) ListSources(ctx context.Context, userID ledger.UserID) ([]ledger.Source, error) {
	return v.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE user_id = $1 ORDER BY id`, string(userID))
}

func (v *view) querySources(ctx context.Context, query string, args ...any) ([]ledger.Source, error) {
	rows, err := v.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	srcs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Source, error) {
		var src ledger.Source
		var id, userID, opening, balance, income, expense string
		err := row.Scan(&id, &userID, &src.Name, &opening, &balance, &income, &expense, &src.CreatedAt)
		src.ID = ledger.SourceID(id)
		src.UserID = ledger.UserID(userID)
		src.OpeningBalance = parseDecimal(opening)
		src.Balance = parseDecimal(balance)
		src.Income = parseDecimal(income)
		src.Expense = parseDecimal(expense)
		src.CreatedAt = src.CreatedAt.UTC()
		return src, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}

	for i := range srcs {
		entries, err := v.sourceEntries(ctx, srcs[i].ID)
		if err != nil {
			return nil, err
		}
		srcs[i].Entries = entries
	}
	return srcs, nil
}

func (v *view) sourceEntries(ctx context.Context, id ledger.SourceID) ([]ledger.SourceEntry, error) {
	rows, err := v.q.Query(ctx, `
		SELECT transaction_id, type, note, amount::text
		FROM source_entries WHERE source_id = $1 ORDER BY id
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query source entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.SourceEntry, error) {
		var txID, typ, note, amount string
		err := row.Scan(&txID, &typ, &note, &amount)
		return ledger.SourceEntry{
			TransactionID: ledger.TransactionID(txID),
			Type:          ledger.Type(typ),
			Note:          note,
			Amount:        parseDecimal(amount),
		}, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan source entry: %w", err)
	}
	return entries, nil
}

func (v *view) IncrementSource(ctx context.Context, id ledger.SourceID, d ledger.SourceDelta) error {
	tag, err := v.q.Exec(ctx, `
		UPDATE sources SET
			balance = balance + $2::numeric,
			income  = income  + $3::numeric,
			expense = expense + $4::numeric
		WHERE id = $1
	`, string(id), d.Balance.String(), d.Income.String(), d.Expense.String())
	if err != nil {
		return fmt.Errorf("failed to increment source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrSourceNotFound
	}
	return nil
}

func (v *view) AppendSourceEntry(ctx context.Context, id ledger.SourceID, e ledger.SourceEntry) error {
	_, err := v.q.Exec(ctx, `
		INSERT INTO source_entries (source_id, transaction_id, type, note, amount)
		VALUES ($1, $2, $3, $4, $5::numeric)
	`, string(id), string(e.TransactionID), string(e.Type), e.Note, e.Amount.String())
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return ledger.ErrSourceNotFound
		}
		return fmt.Errorf("failed to append source entry: %w", err)
	}
	return nil
}

func (v *view) RemoveSourceEntries(ctx context.Context, id ledger.SourceID, txID ledger.TransactionID) error {
	var exists bool
	if err := v.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	if !exists {
		return ledger.ErrSourceNotFound
	}
	_, err := v.q.Exec(ctx, `DELETE FROM source_entries WHERE source_id = $1 AND transaction_id = $2`, string(id), string(txID))
	if err != nil {
		return fmt.Errorf("failed to remove source entries: %w", err)
	}
	return nil
}

// =============================================================================
// DEBTS
// =============================================================================

func (s *Store) CreateDebt(ctx context.Context, d ledger.Debt) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.CreateDebt(ctx, d) })
}

func (s *Store) GetDebt(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID) (*ledger.Debt, error) {
	return s.root().GetDebt(ctx, kind, id)
}

func (s *Store) ListDebts(ctx context.Context, kind ledger.DebtKind, userID ledger.UserID) ([]ledger.Debt, error) {
	return s.root().ListDebts(ctx, kind, userID)
}

func (s *Store) UpdateDebtBalance(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	return s.root().UpdateDebtBalance(ctx, kind, id, remaining, status, version)
}

func (s *Store) AppendDebtEntry(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	return s.root().AppendDebtEntry(ctx, kind, id, e)
}

func (s *Store) RemoveDebtEntries(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	return s.root().RemoveDebtEntries(ctx, kind, id, txID)
}

func (v *view) CreateDebt(ctx context.Context, d ledger.Debt) error {
	_, err := v.q.Exec(ctx, `
		INSERT INTO debts (kind, id, user_id, counterparty, amount, remaining, status, due_date, interest, version, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9::numeric, $10, $11)
	`, string(d.Kind), string(d.ID), string(d.UserID), d.Counterparty,
		d.Amount.String(), d.Remaining.String(), string(d.Status), d.DueDate, d.Interest.String(),
		d.Version, d.CreatedAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return fmt.Errorf("%s %s: %w", d.Kind, d.ID, ledger.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create %s: %w", d.Kind, err)
	}
	for _, e := range d.Entries {
		if err := v.AppendDebtEntry(ctx, d.Kind, d.ID, e); err != nil {
			return err
		}
	}
	return nil
}

const debtColumns = `kind, id, user_id, counterparty, amount::text, remaining::text, status, due_date, interest::text, version, created_at`

func (v *view) GetDebt(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID) (*ledger.Debt, error) {
	query := `SELECT ` + debtColumns + ` FROM debts WHERE kind = $1 AND id = $2`
	if v.lockDebts {
		query += ` FOR UPDATE`
	}
	debts, err := v.queryDebts(ctx, query, string(kind), string(id))
	if err != nil {
		return nil, err
	}
	if len(debts) == 0 {
		return nil, ledger.ErrDebtNotFound
	}
	return &debts[0], nil
}

func (v *view) ListDebts(ctx context.Context, kind ledger.DebtKind, userID ledger.UserID) ([]ledger.Debt, error) {
	return v.queryDebts(ctx, `SELECT `+debtColumns+` FROM debts WHERE kind = $1 AND user_id = $2 ORDER BY id`, string(kind), string(userID))
}

func (v *view) queryDebts(ctx context.Context, query string, args ...any) ([]ledger.Debt, error) {
	rows, err := v.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query debts: %w", err)
	}
	debts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Debt, error) {
		var d ledger.Debt
		var kind, id, userID, status, amount, remaining, interest string
		var due *time.Time
		err := row.Scan(&kind, &id, &userID, &d.Counterparty,
			&amount, &remaining, &status, &due, &interest, &d.Version, &d.CreatedAt)
		d.Kind = ledger.DebtKind(kind)
		d.ID = ledger.DebtID(id)
		d.UserID = ledger.UserID(userID)
		d.Status = ledger.DebtStatus(status)
		d.Amount = parseDecimal(amount)
		d.Remaining = parseDecimal(remaining)
		d.Interest = parseDecimal(interest)
		d.CreatedAt = d.CreatedAt.UTC()
		if due != nil {
			t := due.UTC()
			d.DueDate = &t
		}
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan debt: %w", err)
	}

	for i := range debts {
		entries, err := v.debtEntries(ctx, debts[i].Kind, debts[i].ID)
		if err != nil {
			return nil, err
		}
		debts[i].Entries = entries
	}
	return debts, nil
}

func (v *view) debtEntries(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID) ([]ledger.DebtEntry, error) {
	rows, err := v.q.Query(ctx, `
		SELECT transaction_id, note, amount::text
		FROM debt_entries WHERE kind = $1 AND debt_id = $2 ORDER BY id
	`, string(kind), string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query debt entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.DebtEntry, error) {
		var txID, note, amount string
		err := row.Scan(&txID, &note, &amount)
		return ledger.DebtEntry{TransactionID: ledger.TransactionID(txID), Note: note, Amount: parseDecimal(amount)}, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan debt entry: %w", err)
	}
	return entries, nil
}

func (v *view) UpdateDebtBalance(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	tag, err := v.q.Exec(ctx, `
		UPDATE debts SET remaining = $3::numeric, status = $4, version = version + 1
		WHERE kind = $1 AND id = $2 AND version = $5
	`, string(kind), string(id), remaining.String(), string(status), version)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if err := v.debtExists(ctx, kind, id); err != nil {
		return err
	}
	return &ledger.VersionConflictError{DebtID: id, Expected: version}
}

func (v *view) AppendDebtEntry(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	_, err := v.q.Exec(ctx, `
		INSERT INTO debt_entries (kind, debt_id, transaction_id, note, amount)
		VALUES ($1, $2, $3, $4, $5::numeric)
	`, string(kind), string(id), string(e.TransactionID), e.Note, e.Amount.String())
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return ledger.ErrDebtNotFound
		}
		return fmt.Errorf("failed to append %s entry: %w", kind, err)
	}
	return nil
}

func (v *view) RemoveDebtEntries(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	if err := v.debtExists(ctx, kind, id); err != nil {
		return err
	}
	_, err := v.q.Exec(ctx, `
		DELETE FROM debt_entries WHERE kind = $1 AND debt_id = $2 AND transaction_id = $3
	`, string(kind), string(id), string(txID))
	if err != nil {
		return fmt.Errorf("failed to remove %s entries: %w", kind, err)
	}
	return nil
}

func (v *view) debtExists(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID) error {
	var exists bool
	err := v.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM debts WHERE kind = $1 AND id = $2)`, string(kind), string(id)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", kind, err)
	}
	if !exists {
		return ledger.ErrDebtNotFound
	}
	return nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) UserIDs(ctx context.Context) ([]ledger.UserID, error) {
	return s.root().UserIDs(ctx)
}

func (v *view) UserIDs(ctx context.Context) ([]ledger.UserID, error) {
	rows, err := v.q.Query(ctx, `
		SELECT user_id FROM transactions
		UNION SELECT user_id FROM sources
		UNION SELECT user_id FROM debts
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.UserID, error) {
		var id string
		err := row.Scan(&id)
		return ledger.UserID(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return ids, nil
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*view)(nil)
)

// =============================================================================
// HELPERS
// =============================================================================

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

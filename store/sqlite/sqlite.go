/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists transactions, sources and debts (depts + receivings) with their
  audit logs. Used by the server for single-node deployments and by tests
  with ":memory:".

KEY TABLES:
  transactions:   ledger rows; payload stored as JSON, decoded by type
  sources:        money containers with derived totals
  source_entries: per-source audit log, one row per effect
  debts:          depts and receivings keyed by (kind, id), with a version
  debt_entries:   per-debt audit log

AMOUNTS:
  Stored as TEXT decimal strings. SQLite has no exact numeric type, so
  increments are read-modify-write in Go. They run under the store mutex
  (and inside the sql.Tx when called through WithTx), which makes them
  atomic for this process.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. WithTx holds
  the write lock for the whole unit of work. In production with PostgreSQL,
  database-level concurrency control handles this instead (see
  store/postgres).

USAGE:
  st, err := sqlite.New("./data/finance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  mgr := ledger.NewManager(st)

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses versioned
  goose migrations instead.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/ledger"
)

// timeLayout sorts lexically in the same order as the instants it encodes.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: ":memory:" databases are per-connection, and the
	// mutex already serializes writers
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- listing hot path: a user's rows newest first, optionally by type
	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_type
		ON transactions(user_id, type);

	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		balance TEXT NOT NULL,
		income TEXT NOT NULL,
		expense TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sources_user ON sources(user_id);

	CREATE TABLE IF NOT EXISTS source_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		transaction_id TEXT NOT NULL,
		type TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_source_entries_source_tx
		ON source_entries(source_id, transaction_id);

	CREATE TABLE IF NOT EXISTS debts (
		kind TEXT NOT NULL CHECK (kind IN ('dept', 'receiving')),
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		counterparty TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		remaining TEXT NOT NULL,
		status TEXT NOT NULL,
		due_date TEXT,
		interest TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_debts_user ON debts(kind, user_id);

	CREATE TABLE IF NOT EXISTS debt_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		debt_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		FOREIGN KEY (kind, debt_id) REFERENCES debts(kind, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_debt_entries_debt_tx
		ON debt_entries(kind, debt_id, transaction_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (ledger.TransactionStore)
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTransaction(ctx, s.db, tx)
}

func (s *Store) GetTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, userID, id)
}

func (s *Store) ReplaceTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return replaceTransaction(ctx, s.db, tx)
}

func (s *Store) DeleteTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteTransaction(ctx, s.db, userID, id)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, f)
}

func insertTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	payload, err := ledger.EncodePayload(tx.Payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (id, user_id, type, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		tx.ID, tx.UserID, tx.Type, string(payload),
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("transaction %s: %w", tx.ID, ledger.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func getTransaction(ctx context.Context, q querier, userID ledger.UserID, id ledger.TransactionID) (*ledger.Transaction, error) {
	query := `
		SELECT id, user_id, type, payload_json, created_at, updated_at
		FROM transactions
		WHERE id = ? AND user_id = ?
	`
	txs, err := queryTransactions(ctx, q, query, id, userID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	return &txs[0], nil
}

func replaceTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	payload, err := ledger.EncodePayload(tx.Payload)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE transactions SET type = ?, payload_json = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		tx.Type, string(payload), formatTime(tx.UpdatedAt), tx.ID, tx.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to replace transaction: %w", err)
	}
	return requireRow(res, ledger.ErrTransactionNotFound)
}

func deleteTransaction(ctx context.Context, q querier, userID ledger.UserID, id ledger.TransactionID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return requireRow(res, ledger.ErrTransactionNotFound)
}

func listTransactions(ctx context.Context, q querier, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	where := "WHERE user_id = ?"
	args := []any{f.UserID}
	if f.Type != nil {
		where += " AND type = ?"
		args = append(args, *f.Type)
	}

	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	query := `
		SELECT id, user_id, type, payload_json, created_at, updated_at
		FROM transactions ` + where + `
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`
	txs, err := queryTransactions(ctx, q, query, append(args, limit, f.Skip)...)
	if err != nil {
		return nil, 0, err
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	return txs, total, nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		payload   string
		createdAt string
		updatedAt string
	)

	if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &payload, &createdAt, &updatedAt); err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	p, err := ledger.DecodePayload(tx.Type, []byte(payload))
	if err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	tx.Payload = p
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	return tx, nil
}

// =============================================================================
// SOURCES (ledger.SourceStore)
// =============================================================================

func (s *Store) CreateSource(ctx context.Context, src ledger.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createSource(ctx, s.db, src)
}

func (s *Store) GetSource(ctx context.Context, id ledger.SourceID) (*ledger.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSource(ctx, s.db, id)
}

func (s *Store) ListSources(ctx context.Context, userID ledger.UserID) ([]ledger.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSources(ctx, s.db, userID)
}

func (s *Store) IncrementSource(ctx context.Context, id ledger.SourceID, d ledger.SourceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return incrementSource(ctx, s.db, id, d)
}

func (s *Store) AppendSourceEntry(ctx context.Context, id ledger.SourceID, e ledger.SourceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendSourceEntry(ctx, s.db, id, e)
}

func (s *Store) RemoveSourceEntries(ctx context.Context, id ledger.SourceID, txID ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeSourceEntries(ctx, s.db, id, txID)
}

func createSource(ctx context.Context, q querier, src ledger.Source) error {
	query := `
		INSERT INTO sources (id, user_id, name, opening_balance, balance, income, expense, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		src.ID, src.UserID, src.Name,
		src.OpeningBalance.String(), src.Balance.String(), src.Income.String(), src.Expense.String(),
		formatTime(src.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("source %s: %w", src.ID, ledger.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create source: %w", err)
	}
	for _, e := range src.Entries {
		if err := appendSourceEntry(ctx, q, src.ID, e); err != nil {
			return err
		}
	}
	return nil
}

func getSource(ctx context.Context, q querier, id ledger.SourceID) (*ledger.Source, error) {
	srcs, err := querySources(ctx, q, `
		SELECT id, user_id, name, opening_balance, balance, income, expense, created_at
		FROM sources WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(srcs) == 0 {
		return nil, ledger.ErrSourceNotFound
	}
	return &srcs[0], nil
}

func listSources(ctx context.Context, q querier, userID ledger.UserID) ([]ledger.Source, error) {
	return querySources(ctx, q, `
		SELECT id, user_id, name, opening_balance, balance, income, expense, created_at
		FROM sources WHERE user_id = ? ORDER BY id
	`, userID)
}

func querySources(ctx context.Context, q querier, query string, args ...any) ([]ledger.Source, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}

	var sources []ledger.Source
	for rows.Next() {
		var src ledger.Source
		var opening, balance, income, expense, createdAt string
		if err := rows.Scan(&src.ID, &src.UserID, &src.Name, &opening, &balance, &income, &expense, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		src.OpeningBalance = parseDecimal(opening)
		src.Balance = parseDecimal(balance)
		src.Income = parseDecimal(income)
		src.Expense = parseDecimal(expense)
		src.CreatedAt = parseTime(createdAt)
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// release the single connection before the entry queries
	rows.Close()

	for i := range sources {
		entries, err := sourceEntries(ctx, q, sources[i].ID)
		if err != nil {
			return nil, err
		}
		sources[i].Entries = entries
	}
	return sources, nil
}

func sourceEntries(ctx context.Context, q querier, id ledger.SourceID) ([]ledger.SourceEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT transaction_id, type, note, amount FROM source_entries WHERE source_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query source entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.SourceEntry
	for rows.Next() {
		var (
			e      ledger.SourceEntry
			amount string
		)
		if err := rows.Scan(&e.TransactionID, &e.Type, &e.Note, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan source entry: %w", err)
		}
		e.Amount = parseDecimal(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func incrementSource(ctx context.Context, q querier, id ledger.SourceID, d ledger.SourceDelta) error {
	var balance, income, expense string
	err := q.QueryRowContext(ctx, `SELECT balance, income, expense FROM sources WHERE id = ?`, id).
		Scan(&balance, &income, &expense)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrSourceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`UPDATE sources SET balance = ?, income = ?, expense = ? WHERE id = ?`,
		parseDecimal(balance).Add(d.Balance).String(),
		parseDecimal(income).Add(d.Income).String(),
		parseDecimal(expense).Add(d.Expense).String(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment source: %w", err)
	}
	return nil
}

func appendSourceEntry(ctx context.Context, q querier, id ledger.SourceID, e ledger.SourceEntry) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO source_entries (source_id, transaction_id, type, note, amount) VALUES (?, ?, ?, ?, ?)`,
		id, e.TransactionID, e.Type, e.Note, e.Amount.String(),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return ledger.ErrSourceNotFound
		}
		return fmt.Errorf("failed to append source entry: %w", err)
	}
	return nil
}

func removeSourceEntries(ctx context.Context, q querier, id ledger.SourceID, txID ledger.TransactionID) error {
	if err := sourceExists(ctx, q, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM source_entries WHERE source_id = ? AND transaction_id = ?`, id, txID); err != nil {
		return fmt.Errorf("failed to remove source entries: %w", err)
	}
	return nil
}

func sourceExists(ctx context.Context, q querier, id ledger.SourceID) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	if n == 0 {
		return ledger.ErrSourceNotFound
	}
	return nil
}

// =============================================================================
// DEBTS (ledger.DebtStore)
// =============================================================================

func (s *Store) CreateDebt(ctx context.Context, d ledger.Debt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createDebt(ctx, s.db, d)
}

func (s *Store) GetDebt(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID) (*ledger.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDebt(ctx, s.db, kind, id)
}

func (s *Store) ListDebts(ctx context.Context, kind ledger.DebtKind, userID ledger.UserID) ([]ledger.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDebts(ctx, s.db, kind, userID)
}

func (s *Store) UpdateDebtBalance(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateDebtBalance(ctx, s.db, kind, id, remaining, status, version)
}

func (s *Store) AppendDebtEntry(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendDebtEntry(ctx, s.db, kind, id, e)
}

func (s *Store) RemoveDebtEntries(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeDebtEntries(ctx, s.db, kind, id, txID)
}

func createDebt(ctx context.Context, q querier, d ledger.Debt) error {
	var due sql.NullString
	if d.DueDate != nil {
		due = sql.NullString{String: formatTime(*d.DueDate), Valid: true}
	}
	query := `
		INSERT INTO debts (kind, id, user_id, counterparty, amount, remaining, status, due_date, interest, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		d.Kind, d.ID, d.UserID, d.Counterparty,
		d.Amount.String(), d.Remaining.String(), d.Status, due, d.Interest.String(),
		d.Version, formatTime(d.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%s %s: %w", d.Kind, d.ID, ledger.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create %s: %w", d.Kind, err)
	}
	for _, e := range d.Entries {
		if err := appendDebtEntry(ctx, q, d.Kind, d.ID, e); err != nil {
			return err
		}
	}
	return nil
}

const debtColumns = `kind, id, user_id, counterparty, amount, remaining, status, due_date, interest, version, created_at`

func getDebt(ctx context.Context, q querier, kind ledger.DebtKind, id ledger.DebtID) (*ledger.Debt, error) {
	debts, err := queryDebts(ctx, q, `SELECT `+debtColumns+` FROM debts WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return nil, err
	}
	if len(debts) == 0 {
		return nil, ledger.ErrDebtNotFound
	}
	return &debts[0], nil
}

func listDebts(ctx context.Context, q querier, kind ledger.DebtKind, userID ledger.UserID) ([]ledger.Debt, error) {
	return queryDebts(ctx, q, `SELECT `+debtColumns+` FROM debts WHERE kind = ? AND user_id = ? ORDER BY id`, kind, userID)
}

func queryDebts(ctx context.Context, q querier, query string, args ...any) ([]ledger.Debt, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query debts: %w", err)
	}

	var debts []ledger.Debt
	for rows.Next() {
		var d ledger.Debt
		var amount, remaining, interest, createdAt string
		var due sql.NullString
		err := rows.Scan(&d.Kind, &d.ID, &d.UserID, &d.Counterparty,
			&amount, &remaining, &d.Status, &due, &interest, &d.Version, &createdAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan debt: %w", err)
		}
		d.Amount = parseDecimal(amount)
		d.Remaining = parseDecimal(remaining)
		d.Interest = parseDecimal(interest)
		d.CreatedAt = parseTime(createdAt)
		if due.Valid {
			t := parseTime(due.String)
			d.DueDate = &t
		}
		debts = append(debts, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range debts {
		entries, err := debtEntries(ctx, q, debts[i].Kind, debts[i].ID)
		if err != nil {
			return nil, err
		}
		debts[i].Entries = entries
	}
	return debts, nil
}

func debtEntries(ctx context.Context, q querier, kind ledger.DebtKind, id ledger.DebtID) ([]ledger.DebtEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT transaction_id, note, amount FROM debt_entries WHERE kind = ? AND debt_id = ? ORDER BY id`, kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query debt entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.DebtEntry
	for rows.Next() {
		var (
			e      ledger.DebtEntry
			amount string
		)
		if err := rows.Scan(&e.TransactionID, &e.Note, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan debt entry: %w", err)
		}
		e.Amount = parseDecimal(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func updateDebtBalance(ctx context.Context, q querier, kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE debts SET remaining = ?, status = ?, version = version + 1
		WHERE kind = ? AND id = ? AND version = ?
	`, remaining.String(), status, kind, id, version)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if n == 1 {
		return nil
	}
	if err := debtExists(ctx, q, kind, id); err != nil {
		return err
	}
	return &ledger.VersionConflictError{DebtID: id, Expected: version}
}

func appendDebtEntry(ctx context.Context, q querier, kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO debt_entries (kind, debt_id, transaction_id, note, amount) VALUES (?, ?, ?, ?, ?)`,
		kind, id, e.TransactionID, e.Note, e.Amount.String(),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return ledger.ErrDebtNotFound
		}
		return fmt.Errorf("failed to append %s entry: %w", kind, err)
	}
	return nil
}

func removeDebtEntries(ctx context.Context, q querier, kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	if err := debtExists(ctx, q, kind, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM debt_entries WHERE kind = ? AND debt_id = ? AND transaction_id = ?`, kind, id, txID); err != nil {
		return fmt.Errorf("failed to remove %s entries: %w", kind, err)
	}
	return nil
}

func debtExists(ctx context.Context, q querier, kind ledger.DebtKind, id ledger.DebtID) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM debts WHERE kind = ? AND id = ?`, kind, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to read %s: %w", kind, err)
	}
	if n == 0 {
		return ledger.ErrDebtNotFound
	}
	return nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) UserIDs(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return userIDs(ctx, s.db)
}

func userIDs(ctx context.Context, q querier) ([]ledger.UserID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM transactions
		UNION SELECT user_id FROM sources
		UNION SELECT user_id FROM debts
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var ids []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every call through the open sql.Tx. The parent's lock is
// already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return insertTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) (*ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, userID, id)
}

func (ts *txStore) ReplaceTransaction(ctx context.Context, tx ledger.Transaction) error {
	return replaceTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, userID ledger.UserID, id ledger.TransactionID) error {
	return deleteTransaction(ctx, ts.tx, userID, id)
}

func (ts *txStore) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	return listTransactions(ctx, ts.tx, f)
}

func (ts *txStore) CreateSource(ctx context.Context, src ledger.Source) error {
	return createSource(ctx, ts.tx, src)
}

func (ts *txStore) GetSource(ctx context.Context, id ledger.SourceID) (*ledger.Source, error) {
	return getSource(ctx, ts.tx, id)
}

func (ts *txStore) ListSources(ctx context.Context, userID ledger.UserID) ([]ledger.Source, error) {
	return listSources(ctx, ts.tx, userID)
}

func (ts *txStore) IncrementSource(ctx context.Context, id ledger.SourceID, d ledger.SourceDelta) error {
	return incrementSource(ctx, ts.tx, id, d)
}

func (ts *txStore) AppendSourceEntry(ctx context.Context, id ledger.SourceID, e ledger.SourceEntry) error {
	return appendSourceEntry(ctx, ts.tx, id, e)
}

func (ts *txStore) RemoveSourceEntries(ctx context.Context, id ledger.SourceID, txID ledger.TransactionID) error {
	return removeSourceEntries(ctx, ts.tx, id, txID)
}

func (ts *txStore) CreateDebt(ctx context.Context, d ledger.Debt) error {
	return createDebt(ctx, ts.tx, d)
}

func (ts *txStore) GetDebt(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID) (*ledger.Debt, error) {
	return getDebt(ctx, ts.tx, kind, id)
}

func (ts *txStore) ListDebts(ctx context.Context, kind ledger.DebtKind, userID ledger.UserID) ([]ledger.Debt, error) {
	return listDebts(ctx, ts.tx, kind, userID)
}

func (ts *txStore) UpdateDebtBalance(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, remaining decimal.Decimal, status ledger.DebtStatus, version int64) error {
	return updateDebtBalance(ctx, ts.tx, kind, id, remaining, status, version)
}

func (ts *txStore) AppendDebtEntry(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, e ledger.DebtEntry) error {
	return appendDebtEntry(ctx, ts.tx, kind, id, e)
}

func (ts *txStore) RemoveDebtEntries(ctx context.Context, kind ledger.DebtKind, id ledger.DebtID, txID ledger.TransactionID) error {
	return removeDebtEntries(ctx, ts.tx, kind, id, txID)
}

func (ts *txStore) UserIDs(ctx context.Context) ([]ledger.UserID, error) {
	return userIDs(ctx, ts.tx)
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*txStore)(nil)
)

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"source_entries", "debt_entries", "transactions", "sources", "debts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

/*
errors.go - Error taxonomy for the effects engine

ERROR CATEGORIES:
  1. Client errors - invalid argument, not found. Returned before any write.
  2. Consistency errors - a referenced record vanished between validation
     and effect application. Abort the whole unit.
  3. Store errors - persistence failures while applying or reversing.
  4. Concurrency - optimistic version check failed. Retryable.

USAGE:
  if errors.Is(err, ledger.ErrNotFound) { ... 404 ... }
  if ledger.IsRetryable(err) { ... try again ... }

  Failures after validation come back as *OperationError, which unwraps
  to ErrIncomplete AND to the underlying cause.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInvalidArgument is returned when a required field is missing for
	// the transaction type. No store mutation is attempted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is the parent of every "record does not exist (for this
	// user)" error.
	ErrNotFound = errors.New("not found")

	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrSourceNotFound      = fmt.Errorf("source %w", ErrNotFound)
	ErrDebtNotFound        = fmt.Errorf("debt %w", ErrNotFound)

	// ErrAlreadyExists is returned by stores when an insert reuses an ID.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInconsistentState is returned when a record referenced by a
	// transaction no longer exists at apply/reverse time.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrStoreFailure wraps persistence errors raised mid-sequence.
	ErrStoreFailure = errors.New("store failure")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrIncomplete is the only thing callers are told when effect
	// application fails.
	ErrIncomplete = errors.New("transaction could not be completed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// OperationError reports a lifecycle operation that failed after
// validation. Nothing was committed; the store transaction rolled back.
type OperationError struct {
	Op            string
	TransactionID TransactionID
	Err           error
}

func (e *OperationError) Error() string {
	return ErrIncomplete.Error()
}

// Unwrap exposes both ErrIncomplete and the cause to errors.Is/As.
func (e *OperationError) Unwrap() []error {
	return []error{ErrIncomplete, e.Err}
}

// Cause returns the detailed error for logs. Do not show it to users.
func (e *OperationError) Cause() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.TransactionID, e.Err)
}

// VersionConflictError describes a failed conditional debt write.
type VersionConflictError struct {
	DebtID   DebtID
	Expected int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("debt %s changed since version %d", e.DebtID, e.Expected)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

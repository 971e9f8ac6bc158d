/*
errors.go - Centralized error types for the reward ledger

ERROR CATEGORIES:
  1. Input errors     - InvalidAmount, InvalidThreshold, gift details
  2. Integrity errors - InconsistentLedgerState (never auto-corrected)
  3. Idempotency      - DuplicateClose
  4. Concurrency      - ConcurrentModification (internal), CloseConflict (surfaced)
  5. Collaborators    - DebtLookupError wraps the upstream failure as-is

Kind maps any error to a stable string used by the HTTP layer.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/agrimart/season-ledger/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount aliases money.ErrInvalidAmount so callers only import ledger.
	ErrInvalidAmount = money.ErrInvalidAmount

	// ErrInvalidThreshold is a configuration error: the threshold must be positive.
	ErrInvalidThreshold = errors.New("invalid reward threshold")

	// ErrInconsistentLedgerState means a stored balance violates pending < threshold.
	ErrInconsistentLedgerState = errors.New("inconsistent ledger state")

	// ErrDuplicateClose is returned when (customer, season) was already closed.
	ErrDuplicateClose = errors.New("season already closed for customer")

	// ErrConcurrentModification is returned by Store.ApplyClose when the row
	// changed after it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrCloseConflict is returned by the Closer after retries are exhausted.
	ErrCloseConflict = errors.New("close conflict, please retry")

	// ErrGiftDetailsRequired is returned when rewards are due but no gift was described.
	ErrGiftDetailsRequired = errors.New("gift details required")

	// ErrGiftUnitsMismatch is returned when per-unit gifts do not match the reward count.
	ErrGiftUnitsMismatch = errors.New("gift units do not match reward count")

	// ErrEventNotFound is returned for an unknown close event id.
	ErrEventNotFound = errors.New("close event not found")

	// ErrRewardNotFound is returned for an unknown reward id.
	ErrRewardNotFound = errors.New("reward not found")

	// ErrDebtLookup marks failures of the external debt source.
	ErrDebtLookup = errors.New("season debt lookup failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InconsistentLedgerStateError reports the offending stored balance.
type InconsistentLedgerStateError struct {
	CustomerID CustomerID
	Pending    money.Amount
	Threshold  money.Amount
}

func (e *InconsistentLedgerStateError) Error() string {
	return fmt.Sprintf("inconsistent ledger state: customer %d pending %s >= threshold %s",
		e.CustomerID, e.Pending, e.Threshold)
}

func (e *InconsistentLedgerStateError) Unwrap() error {
	return ErrInconsistentLedgerState
}

// DuplicateCloseError names the existing close event.
type DuplicateCloseError struct {
	CustomerID CustomerID
	SeasonID   SeasonID
	EventID    EventID
}

func (e *DuplicateCloseError) Error() string {
	return fmt.Sprintf("season %d already closed for customer %d (event %s)",
		e.SeasonID, e.CustomerID, e.EventID)
}

func (e *DuplicateCloseError) Unwrap() error {
	return ErrDuplicateClose
}

// CloseConflictError is returned after Attempts optimistic retries failed.
type CloseConflictError struct {
	CustomerID CustomerID
	SeasonID   SeasonID
	Attempts   int
}

func (e *CloseConflictError) Error() string {
	return fmt.Sprintf("close conflict for customer %d season %d after %d attempts",
		e.CustomerID, e.SeasonID, e.Attempts)
}

func (e *CloseConflictError) Unwrap() error {
	return ErrCloseConflict
}

// DebtLookupError wraps the collaborator's error unchanged.
type DebtLookupError struct {
	CustomerID CustomerID
	SeasonID   SeasonID
	Err        error
}

func (e *DebtLookupError) Error() string {
	return fmt.Sprintf("season debt lookup for customer %d season %d: %v",
		e.CustomerID, e.SeasonID, e.Err)
}

func (e *DebtLookupError) Unwrap() []error {
	return []error{ErrDebtLookup, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrCloseConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicateClose) ||
		errors.Is(err, ErrGiftDetailsRequired) ||
		errors.Is(err, ErrGiftUnitsMismatch)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrRewardNotFound)
}

// Error kinds reported to callers.
const (
	KindInvalidAmount           = "invalid_amount"
	KindInvalidThreshold        = "invalid_threshold"
	KindInconsistentLedgerState = "inconsistent_ledger_state"
	KindDuplicateClose          = "duplicate_close"
	KindConcurrentModification  = "concurrent_modification"
	KindCloseConflict           = "close_conflict"
	KindGiftDetailsRequired     = "gift_details_required"
	KindGiftUnitsMismatch       = "gift_units_mismatch"
	KindNotFound                = "not_found"
	KindDebtLookupFailed        = "debt_lookup_failed"
	KindInternal                = "internal"
)

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDebtLookup):
		// Checked first: the wrapped upstream error may itself match other kinds.
		return KindDebtLookupFailed
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrInvalidThreshold):
		return KindInvalidThreshold
	case errors.Is(err, ErrInconsistentLedgerState):
		return KindInconsistentLedgerState
	case errors.Is(err, ErrDuplicateClose):
		return KindDuplicateClose
	case errors.Is(err, ErrCloseConflict):
		return KindCloseConflict
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrGiftDetailsRequired):
		return KindGiftDetailsRequired
	case errors.Is(err, ErrGiftUnitsMismatch):
		return KindGiftUnitsMismatch
	case IsNotFound(err):
		return KindNotFound
	default:
		return KindInternal
	}
}

/*
store.go - Persistence interface for the accumulation ledger

PURPOSE:
  Defines the contract between the close transaction and the database.
  Three logical tables:
    customer_accumulation  one mutable row per customer (versioned)
    season_close_event     append-only, UNIQUE(customer_id, season_id)
    reward_history         append-only, FK season_close_event_id

OPTIMISTIC CONCURRENCY:
  ApplyClose re-reads the customer row inside its own transaction and
  compares it with the balance the outcome was computed from (Version and
  PendingBalance). A mismatch returns ErrConcurrentModification and writes
  nothing; the caller re-reads and recomputes. Closes for different
  customers never contend on anything but the database itself.

IDEMPOTENCY:
  - ApplyClose returns *DuplicateCloseError for an already closed season.
  - RecordRewards returns the existing rows (created=false) when the event
    already has rewards, so a failed reward step can be retried safely.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/agrimart/season-ledger/money"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists the ledger. Only ApplyClose mutates balances.
type Store interface {
	// GetBalance returns the customer's row, or a zero-valued row with
	// Version 0 when the customer was never closed. Never a not-found error.
	GetBalance(ctx context.Context, customerID CustomerID) (CustomerAccumulation, error)

	// FindClose returns the close event of (customer, season), or nil.
	FindClose(ctx context.Context, customerID CustomerID, seasonID SeasonID) (*SeasonCloseEvent, error)

	// ApplyClose atomically verifies the expected balance, writes the new
	// balance and inserts the close event.
	ApplyClose(ctx context.Context, in ApplyCloseInput) (SeasonCloseEvent, error)

	// GetCloseEvent returns ErrEventNotFound for an unknown id.
	GetCloseEvent(ctx context.Context, id EventID) (SeasonCloseEvent, error)

	// ListCloseEvents returns a customer's close events, oldest first.
	ListCloseEvents(ctx context.Context, customerID CustomerID) ([]SeasonCloseEvent, error)

	// RecordRewards inserts rows for an event unless it already has rewards,
	// in which case the existing rows are returned with created == false.
	RecordRewards(ctx context.Context, eventID EventID, rows []RewardHistory) (rewards []RewardHistory, created bool, err error)

	// ListRewards returns the rewards of one event ordered by UnitIndex.
	ListRewards(ctx context.Context, eventID EventID) ([]RewardHistory, error)

	// MarkDelivered moves a reward to GiftDelivered. Delivering twice is a no-op.
	MarkDelivered(ctx context.Context, id RewardID, at time.Time) (RewardHistory, error)

	// ListAccumulations pages through customer rows ordered by customer id.
	ListAccumulations(ctx context.Context, q AccumulationQuery, page Page) ([]CustomerAccumulation, int, error)

	// ListRewardHistory pages through rewards, newest first, each joined
	// with its close event.
	ListRewardHistory(ctx context.Context, f HistoryFilter, page Page) ([]HistoryRow, int, error)
}

// HistoryRow is one reward together with the close event that issued it.
type HistoryRow struct {
	Reward RewardHistory
	Event  SeasonCloseEvent
}

// ApplyCloseInput carries everything ApplyClose needs. ExpectedVersion and
// Outcome.PreviousPending describe the balance the outcome was computed from.
type ApplyCloseInput struct {
	EventID         EventID
	CustomerID      CustomerID
	SeasonID        SeasonID
	ExpectedVersion int64
	Outcome         RewardOutcome
	ClosedAt        time.Time
}

// Event builds the close event row the input describes.
func (in ApplyCloseInput) Event() SeasonCloseEvent {
	return SeasonCloseEvent{
		ID:                  in.EventID,
		CustomerID:          in.CustomerID,
		SeasonID:            in.SeasonID,
		PreviousPending:     in.Outcome.PreviousPending,
		CurrentSeasonDebt:   in.Outcome.CurrentDebt,
		TotalAfterClose:     in.Outcome.TotalAfterClose,
		RewardCountIssued:   in.Outcome.RewardCount,
		RemainingAfterClose: in.Outcome.Remaining,
		ShortageToNext:      in.Outcome.ShortageToNext,
		Threshold:           in.Outcome.Threshold,
		ClosedAt:            in.ClosedAt,
	}
}

// Apply returns the row after the close. It is shared by all store
// implementations so the balance rules live in one place. It fails when the
// lifetime total would exceed money.Max.
func (in ApplyCloseInput) Apply(current CustomerAccumulation) (CustomerAccumulation, error) {
	total, err := current.TotalAccumulated.Add(in.Outcome.CurrentDebt)
	if err != nil {
		return CustomerAccumulation{}, fmt.Errorf("total accumulated: %w", err)
	}
	next := current
	next.CustomerID = in.CustomerID
	next.PendingBalance = in.Outcome.Remaining
	next.TotalAccumulated = total
	next.RewardCount = current.RewardCount + in.Outcome.RewardCount
	if in.Outcome.RewardCount > 0 {
		at := in.ClosedAt
		next.LastRewardDate = &at
	}
	next.Version = current.Version + 1
	next.UpdatedAt = in.ClosedAt
	return next, nil
}

// Matches reports whether current is the balance the input was computed from.
func (in ApplyCloseInput) Matches(current CustomerAccumulation) bool {
	return current.Version == in.ExpectedVersion &&
		current.PendingBalance.Equal(in.Outcome.PreviousPending)
}

// =============================================================================
// QUERIES
// =============================================================================

// AccumulationQuery filters customer rows. MinPending is derived from a
// progress percentage by the Tracker.
type AccumulationQuery struct {
	CustomerID *CustomerID
	HasRewards *bool
	MinPending *money.Amount
}

// HistoryFilter filters reward history rows. From/To bound RewardDate
// (inclusive, exclusive).
type HistoryFilter struct {
	CustomerID *CustomerID
	SeasonID   *SeasonID
	Status     GiftStatus
	From       *time.Time
	To         *time.Time
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// MaxPageNumber keeps Offset far from int overflow.
	MaxPageNumber = 1_000_000
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Normalize applies defaults and bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Number > MaxPageNumber {
		p.Number = MaxPageNumber
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// Window returns the [start, end) slice bounds of this page over n rows.
func (p Page) Window(n int) (int, int) {
	p = p.Normalize()
	start := p.Offset()
	if start > n {
		start = n
	}
	end := start + p.Size
	if end > n {
		end = n
	}
	return start, end
}

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// DebtSource reports a customer's invoice total for a season. The value must
// be stable for the duration of one close.
type DebtSource interface {
	SeasonDebt(ctx context.Context, customerID CustomerID, seasonID SeasonID) (money.Amount, error)
}

// Directory resolves display names. Lookups are best effort.
type Directory interface {
	CustomerName(ctx context.Context, id CustomerID) (string, error)
	SeasonName(ctx context.Context, id SeasonID) (string, error)
}

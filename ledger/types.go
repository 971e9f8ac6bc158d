/*
Package ledger provides the seasonal debt-accumulation and threshold reward engine.

PURPOSE:
  Farmers buy inputs on credit through a season. When the shop closes the
  books for a season ("chốt sổ công nợ cuối vụ"), the season's debt is folded
  into the customer's running balance. Every whole reward threshold in that
  balance becomes one gift; the remainder carries to the next season.

KEY CONCEPTS IN THIS FILE (types.go):
  - CustomerAccumulation: the mutable per-customer balance row
  - SeasonCloseEvent: immutable record of one season close
  - RewardHistory: one gift instance attached to a close event
  - CustomerID / SeasonID: opaque integer identifiers owned upstream

DESIGN PRINCIPLES:
  1. Exactness: money.Amount everywhere, no float arithmetic
  2. Auditability: every close leaves a SeasonCloseEvent with its figures
  3. Optimistic concurrency: CustomerAccumulation carries a Version
  4. Idempotency: one close per (customer, season), one reward set per event

SEE ALSO:
  - calculator.go: threshold crossing arithmetic
  - store.go: persistence contract
  - closer.go: the season-close transaction
  - tracking.go: read models
*/
package ledger

import (
	"strconv"
	"time"

	"github.com/agrimart/season-ledger/money"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CustomerID identifies a customer in the external customer registry.
type CustomerID int64

// SeasonID identifies a farming season in the external season registry.
type SeasonID int64

// EventID identifies a SeasonCloseEvent.
type EventID string

// RewardID identifies a RewardHistory row.
type RewardID string

func (id CustomerID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id SeasonID) String() string   { return strconv.FormatInt(int64(id), 10) }

// DefaultRewardThreshold is 60,000,000 đồng.
var DefaultRewardThreshold = money.New(60_000_000)

// =============================================================================
// CUSTOMER ACCUMULATION - one mutable row per customer
// =============================================================================

// CustomerAccumulation is the running balance of a customer.
//
// INVARIANTS (after every completed close):
//   - PendingBalance < threshold
//   - TotalAccumulated >= PendingBalance
//   - TotalAccumulated and RewardCount never decrease
type CustomerAccumulation struct {
	CustomerID       CustomerID
	PendingBalance   money.Amount
	TotalAccumulated money.Amount
	RewardCount      int64
	LastRewardDate   *time.Time

	// Version is 0 for a customer that has never been closed and is
	// incremented by every ApplyClose.
	Version   int64
	UpdatedAt time.Time
}

// Exists reports whether the row has been persisted.
func (a CustomerAccumulation) Exists() bool { return a.Version > 0 }

// =============================================================================
// SEASON CLOSE EVENT - append-only audit record
// =============================================================================

// SeasonCloseEvent records one successful season close.
//
// INVARIANTS:
//   - TotalAfterClose == PreviousPending + CurrentSeasonDebt
//   - RemainingAfterClose == TotalAfterClose - RewardCountIssued*Threshold
//   - 0 <= RemainingAfterClose < Threshold
type SeasonCloseEvent struct {
	ID                  EventID
	CustomerID          CustomerID
	SeasonID            SeasonID
	PreviousPending     money.Amount
	CurrentSeasonDebt   money.Amount
	TotalAfterClose     money.Amount
	RewardCountIssued   int64
	RemainingAfterClose money.Amount
	ShortageToNext      money.Amount
	Threshold           money.Amount
	ClosedAt            time.Time
}

// IssuedReward reports whether the close crossed at least one threshold.
func (e SeasonCloseEvent) IssuedReward() bool { return e.RewardCountIssued > 0 }

// =============================================================================
// REWARD HISTORY - gift instances
// =============================================================================

type GiftStatus string

const (
	GiftPendingDelivery GiftStatus = "pending_delivery"
	GiftDelivered       GiftStatus = "delivered"
)

// Valid reports whether s is a known status.
func (s GiftStatus) Valid() bool {
	return s == GiftPendingDelivery || s == GiftDelivered
}

// RewardHistory is one gift handed out for a close event. A close that
// crossed the threshold N times owns N rows (UnitIndex 1..N). A close that
// crossed nothing may own one Exceptional row attached by an operator.
type RewardHistory struct {
	ID                 RewardID
	CustomerID         CustomerID
	SeasonCloseEventID EventID
	UnitIndex          int
	GiftDescription    string
	GiftValue          *money.Amount
	GiftStatus         GiftStatus
	Exceptional        bool
	SeasonIDs          []SeasonID
	SeasonNames        []string
	RewardDate         time.Time
	DeliveredAt        *time.Time
}

// =============================================================================
// GIFT DETAILS - caller input for reward recording
// =============================================================================

// GiftUnit overrides the gift for a single reward unit.
type GiftUnit struct {
	Description string
	Value       *money.Amount
}

// GiftDetails describes the gift(s) to record for a close event.
// Units, when set, must hold exactly one entry per reward unit.
type GiftDetails struct {
	Description string
	Value       *money.Amount
	Units       []GiftUnit
}

// IsEmpty reports whether no gift information was supplied.
func (g *GiftDetails) IsEmpty() bool {
	return g == nil || (g.Description == "" && g.Value == nil && len(g.Units) == 0)
}

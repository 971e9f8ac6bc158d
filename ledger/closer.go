/*
closer.go - The season-close transaction

PURPOSE:
  Orchestrates closing one (customer, season):
    STARTED -> DEBT_FETCHED -> OUTCOME_COMPUTED -> PERSISTED
            -> REWARD_RECORDED -> DONE            (or FAILED from any state)

STEPS:
  1. Reject an already closed season (DuplicateClose).
  2. Fetch the season debt from the invoice subsystem. The value is used
     unchanged for every retry below.
  3. Read the previous balance.
  4. Compute the outcome (calculator.go).
  5. ApplyClose. On ConcurrentModification go back to 3, at most
     MaxAttempts times, then CloseConflict.
  6. Record reward history when the caller supplied gift details.

FAILURE SEMANTICS:
  Nothing is persisted before step 5 succeeds. A failure in step 6 does not
  undo the close: the result carries RewardError and the caller retries
  AttachRewards, which is idempotent per close event.

EXCEPTIONAL GIFTS:
  An operator may attach one gift to a close that crossed no threshold.
  It is recorded in reward history but does not change reward_count.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrimart/season-ledger/money"
)

// DefaultMaxAttempts bounds optimistic retries of one close.
const DefaultMaxAttempts = 3

// =============================================================================
// CLOSE STATES
// =============================================================================

type CloseState string

const (
	StateStarted         CloseState = "started"
	StateDebtFetched     CloseState = "debt_fetched"
	StateOutcomeComputed CloseState = "outcome_computed"
	StatePersisted       CloseState = "persisted"
	StateRewardRecorded  CloseState = "reward_recorded"
	StateDone            CloseState = "done"
	StateFailed          CloseState = "failed"
)

// =============================================================================
// CLOSER
// =============================================================================

// Closer runs season closes against a Store.
type Closer struct {
	Store       Store
	Debts       DebtSource
	Directory   Directory // optional
	Threshold   money.Amount
	MaxAttempts int
	Logger      *zap.Logger
	Clock       func() time.Time
	NewID       func() string
}

// NewCloser validates the threshold and returns a Closer with defaults.
func NewCloser(store Store, debts DebtSource, threshold money.Amount) (*Closer, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	return &Closer{
		Store:       store,
		Debts:       debts,
		Threshold:   threshold,
		MaxAttempts: DefaultMaxAttempts,
		Logger:      zap.NewNop(),
		Clock:       func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}, nil
}

// CloseRequest asks to close one season. Gift is optional.
type CloseRequest struct {
	CustomerID CustomerID
	SeasonID   SeasonID
	Gift       *GiftDetails
}

// CloseResult is returned for every close that reached PERSISTED.
type CloseResult struct {
	Event    SeasonCloseEvent
	Outcome  RewardOutcome
	Rewards  []RewardHistory
	State    CloseState
	Attempts int

	// RewardsPending is true when rewards are due but no gift was supplied.
	RewardsPending bool

	// RewardError is set when the close stands but reward recording failed.
	RewardError error
}

// Preview is the read-only projection shown before confirming a close.
type Preview struct {
	CustomerID   CustomerID
	SeasonID     SeasonID
	CustomerName string
	SeasonName   string
	Balance      CustomerAccumulation
	Outcome      RewardOutcome
}

// closeAttempt tracks one run through the state machine.
type closeAttempt struct {
	log   *zap.Logger
	state CloseState
}

func (a *closeAttempt) to(state CloseState, fields ...zap.Field) {
	a.log.Debug("season close transition",
		append(fields, zap.String("from", string(a.state)), zap.String("to", string(state)))...)
	a.state = state
}

func (a *closeAttempt) fail(err error) error {
	a.to(StateFailed, zap.Error(err))
	return err
}

// Preview computes what Close would do without persisting anything.
func (c *Closer) Preview(ctx context.Context, customerID CustomerID, seasonID SeasonID) (Preview, error) {
	if err := c.checkNotClosed(ctx, customerID, seasonID); err != nil {
		return Preview{}, err
	}
	debt, err := c.fetchDebt(ctx, customerID, seasonID)
	if err != nil {
		return Preview{}, err
	}
	balance, outcome, err := c.compute(ctx, customerID, debt)
	if err != nil {
		return Preview{}, err
	}

	return Preview{
		CustomerID:   customerID,
		SeasonID:     seasonID,
		CustomerName: c.customerName(ctx, customerID),
		SeasonName:   c.seasonName(ctx, seasonID),
		Balance:      balance,
		Outcome:      outcome,
	}, nil
}

// Close runs the season-close transaction.
func (c *Closer) Close(ctx context.Context, req CloseRequest) (CloseResult, error) {
	log := c.logger().With(
		zap.Int64("customer_id", int64(req.CustomerID)),
		zap.Int64("season_id", int64(req.SeasonID)),
	)
	attempt := &closeAttempt{log: log, state: StateStarted}

	if err := c.checkNotClosed(ctx, req.CustomerID, req.SeasonID); err != nil {
		return CloseResult{}, attempt.fail(err)
	}

	debt, err := c.fetchDebt(ctx, req.CustomerID, req.SeasonID)
	if err != nil {
		return CloseResult{}, attempt.fail(err)
	}
	attempt.to(StateDebtFetched, zap.Stringer("debt", debt))

	maxAttempts := c.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		event   SeasonCloseEvent
		outcome RewardOutcome
		tries   int
	)
	for tries = 1; ; tries++ {
		var balance CustomerAccumulation
		balance, outcome, err = c.compute(ctx, req.CustomerID, debt)
		if err != nil {
			return CloseResult{}, attempt.fail(err)
		}
		attempt.to(StateOutcomeComputed,
			zap.Int("attempt", tries),
			zap.Stringer("previous_pending", outcome.PreviousPending),
			zap.Int64("reward_count", outcome.RewardCount))

		if !req.Gift.IsEmpty() {
			if err := validateGift(req.Gift, outcome.RewardCount); err != nil {
				return CloseResult{}, attempt.fail(err)
			}
		}

		event, err = c.Store.ApplyClose(ctx, ApplyCloseInput{
			EventID:         EventID(c.NewID()),
			CustomerID:      req.CustomerID,
			SeasonID:        req.SeasonID,
			ExpectedVersion: balance.Version,
			Outcome:         outcome,
			ClosedAt:        c.Clock(),
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return CloseResult{}, attempt.fail(err)
		}
		log.Info("season close lost optimistic race, retrying", zap.Int("attempt", tries))
		if tries >= maxAttempts {
			return CloseResult{}, attempt.fail(&CloseConflictError{
				CustomerID: req.CustomerID,
				SeasonID:   req.SeasonID,
				Attempts:   tries,
			})
		}
	}
	attempt.to(StatePersisted, zap.String("event_id", string(event.ID)))

	result := CloseResult{
		Event:    event,
		Outcome:  outcome,
		Attempts: tries,
	}

	switch {
	case !req.Gift.IsEmpty():
		rewards, err := c.recordRewards(ctx, event, *req.Gift)
		if err != nil {
			log.Warn("season closed but reward recording failed",
				zap.String("event_id", string(event.ID)), zap.Error(err))
			result.RewardError = err
			result.RewardsPending = event.IssuedReward()
			result.State = StatePersisted
			return result, nil
		}
		result.Rewards = rewards
		attempt.to(StateRewardRecorded, zap.Int("rewards", len(rewards)))
	case event.IssuedReward():
		result.RewardsPending = true
	}

	attempt.to(StateDone)
	result.State = StateDone

	log.Info("season closed",
		zap.String("event_id", string(event.ID)),
		zap.Stringer("debt", event.CurrentSeasonDebt),
		zap.Stringer("total", event.TotalAfterClose),
		zap.Int64("rewards_issued", event.RewardCountIssued),
		zap.Stringer("remaining", event.RemainingAfterClose))
	return result, nil
}

// AttachRewards records gift details for a persisted close. Calling it again
// for the same event returns the rewards recorded the first time.
func (c *Closer) AttachRewards(ctx context.Context, eventID EventID, gift GiftDetails) ([]RewardHistory, error) {
	event, err := c.Store.GetCloseEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	existing, err := c.Store.ListRewards(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	if err := validateGift(&gift, event.RewardCountIssued); err != nil {
		return nil, err
	}
	return c.recordRewards(ctx, event, gift)
}

// MarkDelivered marks a gift as handed over to the customer.
func (c *Closer) MarkDelivered(ctx context.Context, id RewardID) (RewardHistory, error) {
	return c.Store.MarkDelivered(ctx, id, c.Clock())
}

// =============================================================================
// STEPS
// =============================================================================

func (c *Closer) checkNotClosed(ctx context.Context, customerID CustomerID, seasonID SeasonID) error {
	existing, err := c.Store.FindClose(ctx, customerID, seasonID)
	if err != nil {
		return fmt.Errorf("checking previous close: %w", err)
	}
	if existing != nil {
		return &DuplicateCloseError{CustomerID: customerID, SeasonID: seasonID, EventID: existing.ID}
	}
	return nil
}

func (c *Closer) fetchDebt(ctx context.Context, customerID CustomerID, seasonID SeasonID) (money.Amount, error) {
	debt, err := c.Debts.SeasonDebt(ctx, customerID, seasonID)
	if err != nil {
		return money.Amount{}, &DebtLookupError{CustomerID: customerID, SeasonID: seasonID, Err: err}
	}
	return debt, nil
}

func (c *Closer) compute(ctx context.Context, customerID CustomerID, debt money.Amount) (CustomerAccumulation, RewardOutcome, error) {
	balance, err := c.Store.GetBalance(ctx, customerID)
	if err != nil {
		return CustomerAccumulation{}, RewardOutcome{}, fmt.Errorf("reading balance: %w", err)
	}
	outcome, err := ComputeRewardOutcome(balance.PendingBalance, debt, c.Threshold)
	if err != nil {
		var inconsistent *InconsistentLedgerStateError
		if errors.As(err, &inconsistent) {
			inconsistent.CustomerID = customerID
			c.logger().Error("stored balance violates reward threshold",
				zap.Int64("customer_id", int64(customerID)),
				zap.Stringer("pending", inconsistent.Pending),
				zap.Stringer("threshold", inconsistent.Threshold))
		}
		return CustomerAccumulation{}, RewardOutcome{}, err
	}
	return balance, outcome, nil
}

// validateGift checks the caller's gift details against the reward count of
// the close (0 means an exceptional gift). A zero gift value is allowed.
func validateGift(g *GiftDetails, rewardCount int64) error {
	if g.IsEmpty() {
		return ErrGiftDetailsRequired
	}

	units := rewardCount
	if units == 0 {
		units = 1
	}
	if len(g.Units) == 0 {
		if g.Description == "" {
			return ErrGiftDetailsRequired
		}
		return nil
	}
	if int64(len(g.Units)) != units {
		return fmt.Errorf("%w: %d gifts for %d rewards", ErrGiftUnitsMismatch, len(g.Units), units)
	}
	for _, u := range g.Units {
		if u.Description == "" && g.Description == "" {
			return ErrGiftDetailsRequired
		}
	}
	return nil
}

func (c *Closer) recordRewards(ctx context.Context, event SeasonCloseEvent, gift GiftDetails) ([]RewardHistory, error) {
	seasonIDs, err := c.contributingSeasons(ctx, event)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(seasonIDs))
	for i, id := range seasonIDs {
		names[i] = c.seasonName(ctx, id)
	}

	units := int(event.RewardCountIssued)
	exceptional := units == 0
	if exceptional {
		units = 1
	}

	rows := make([]RewardHistory, units)
	for i := range rows {
		desc, value := gift.Description, gift.Value
		if len(gift.Units) > 0 {
			if gift.Units[i].Description != "" {
				desc = gift.Units[i].Description
			}
			if gift.Units[i].Value != nil {
				value = gift.Units[i].Value
			}
		}
		rows[i] = RewardHistory{
			ID:                 RewardID(c.NewID()),
			CustomerID:         event.CustomerID,
			SeasonCloseEventID: event.ID,
			UnitIndex:          i + 1,
			GiftDescription:    desc,
			GiftValue:          value,
			GiftStatus:         GiftPendingDelivery,
			Exceptional:        exceptional,
			SeasonIDs:          seasonIDs,
			SeasonNames:        names,
			RewardDate:         event.ClosedAt,
		}
	}

	recorded, created, err := c.Store.RecordRewards(ctx, event.ID, rows)
	if err != nil {
		return nil, fmt.Errorf("recording rewards: %w", err)
	}
	if created {
		c.logger().Info("rewards recorded",
			zap.String("event_id", string(event.ID)),
			zap.Int("count", len(recorded)),
			zap.Bool("exceptional", exceptional))
	}
	return recorded, nil
}

// contributingSeasons returns the seasons whose debt is still part of the
// balance that event converted: the carried-over season of the previous
// reward-issuing close, the debt-carrying closes after it, and event itself.
func (c *Closer) contributingSeasons(ctx context.Context, event SeasonCloseEvent) ([]SeasonID, error) {
	events, err := c.Store.ListCloseEvents(ctx, event.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("listing close events: %w", err)
	}

	var seasons []SeasonID
	for _, ev := range events {
		if ev.ID == event.ID {
			return append(seasons, ev.SeasonID), nil
		}
		if ev.IssuedReward() {
			// Only the carried-over remainder of a rewarded season counts again.
			seasons = nil
			if ev.RemainingAfterClose.IsPositive() {
				seasons = append(seasons, ev.SeasonID)
			}
			continue
		}
		if ev.CurrentSeasonDebt.IsPositive() {
			seasons = append(seasons, ev.SeasonID)
		}
	}
	// The event is always in its customer's log; fall back to itself.
	return []SeasonID{event.SeasonID}, nil
}

func (c *Closer) customerName(ctx context.Context, id CustomerID) string {
	if c.Directory != nil {
		if name, err := c.Directory.CustomerName(ctx, id); err == nil && name != "" {
			return name
		}
	}
	return "#" + id.String()
}

func (c *Closer) seasonName(ctx context.Context, id SeasonID) string {
	if c.Directory != nil {
		if name, err := c.Directory.SeasonName(ctx, id); err == nil && name != "" {
			return name
		}
	}
	return "#" + id.String()
}

func (c *Closer) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

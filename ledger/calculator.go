/*
calculator.go - Threshold reward arithmetic

PURPOSE:
  Pure function turning (previous pending, season debt, threshold) into the
  number of rewards earned and the carry-over for the next season. Nothing
  here touches storage, so it is tested across arbitrary thresholds.

ALGORITHM:
  total     = previousPending + currentDebt
  count     = floor(total / threshold)          (may be > 1)
  remaining = total - count*threshold           (0 <= remaining < threshold)
  shortage  = threshold - remaining             (full threshold when remaining == 0)

EXAMPLE:
  out, _ := ComputeRewardOutcome(money.Zero, money.New(125_000_000), money.New(60_000_000))
  // out.RewardCount == 2, out.Remaining == 5,000,000, out.ShortageToNext == 55,000,000
*/
package ledger

import (
	"fmt"

	"github.com/agrimart/season-ledger/money"
)

// RewardOutcome is the result of one threshold computation.
type RewardOutcome struct {
	PreviousPending   money.Amount
	CurrentDebt       money.Amount
	Threshold         money.Amount
	TotalAfterClose   money.Amount
	RewardCount       int64
	Remaining         money.Amount
	ShortageToNext    money.Amount
	WillReceiveReward bool
}

// ValidateThreshold rejects a non-positive threshold.
func ValidateThreshold(threshold money.Amount) error {
	if !threshold.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidThreshold, threshold)
	}
	return nil
}

// ComputeRewardOutcome computes the reward outcome of folding currentDebt into
// previousPending. previousPending must already be below threshold; a stored
// balance that is not is reported as InconsistentLedgerState, never corrected.
func ComputeRewardOutcome(previousPending, currentDebt, threshold money.Amount) (RewardOutcome, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return RewardOutcome{}, err
	}
	if previousPending.GreaterOrEqual(threshold) {
		return RewardOutcome{}, &InconsistentLedgerStateError{
			Pending:   previousPending,
			Threshold: threshold,
		}
	}

	total, err := previousPending.Add(currentDebt)
	if err != nil {
		return RewardOutcome{}, err
	}
	count, remaining, err := total.QuoRem(threshold)
	if err != nil {
		return RewardOutcome{}, err
	}

	// remaining < threshold, so this never fails; shortage is the full
	// threshold when the balance was just cleared.
	shortage, err := threshold.Sub(remaining)
	if err != nil {
		return RewardOutcome{}, err
	}

	return RewardOutcome{
		PreviousPending:   previousPending,
		CurrentDebt:       currentDebt,
		Threshold:         threshold,
		TotalAfterClose:   total,
		RewardCount:       count,
		Remaining:         remaining,
		ShortageToNext:    shortage,
		WillReceiveReward: count >= 1,
	}, nil
}

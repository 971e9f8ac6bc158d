/*
tracking.go - Reward tracking and history read models

PURPOSE:
  Read-only views for the customer rewards screens:
  - Tracking: per customer balance and progress toward the next gift
  - History:  every reward row joined with the close event it came from

PROGRESS:
  progress = min(100, round(pending / threshold * 100)), never negative.
  Rounding is half away from zero on exact decimals, no floats.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrimart/season-ledger/money"
)

// Progress returns the percentage of threshold reached by pending, in [0, 100].
func Progress(pending, threshold money.Amount) int {
	if !threshold.IsPositive() {
		return 0
	}
	pct := pending.Decimal().
		Mul(decimal.NewFromInt(100)).
		Div(threshold.Decimal()).
		Round(0).
		IntPart()
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return int(pct)
	}
}

// minPendingFor returns the smallest pending balance whose Progress is at
// least pct.
func minPendingFor(pct int, threshold money.Amount) *money.Amount {
	if pct <= 0 {
		return nil
	}
	if pct > 100 {
		pct = 100
	}
	// round(100*p/t) >= pct  <=>  p >= t*(2*pct-1)/200
	d := threshold.Decimal().
		Mul(decimal.NewFromInt(int64(2*pct - 1))).
		Div(decimal.NewFromInt(200)).
		Ceil()
	minimum, err := money.FromDecimal(d)
	if err != nil {
		return nil
	}
	return &minimum
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker serves the read models.
type Tracker struct {
	Store     Store
	Directory Directory // optional
	Threshold money.Amount
}

func NewTracker(store Store, dir Directory, threshold money.Amount) *Tracker {
	return &Tracker{Store: store, Directory: dir, Threshold: threshold}
}

// TrackingFilter narrows the tracking list. MinProgress is a percentage.
type TrackingFilter struct {
	CustomerID  *CustomerID
	HasRewards  *bool
	MinProgress int
}

// TrackingItem is one row of the tracking list.
type TrackingItem struct {
	CustomerID       CustomerID
	CustomerName     string
	PendingBalance   money.Amount
	Threshold        money.Amount
	ProgressPercent  int
	ShortageToNext   money.Amount
	TotalAccumulated money.Amount
	RewardCount      int64
	LastRewardDate   *time.Time
}

type TrackingPage struct {
	Items []TrackingItem
	Total int
	Page  Page
}

// HistoryItem is one reward joined with its close event.
type HistoryItem struct {
	Reward       RewardHistory
	Event        SeasonCloseEvent
	CustomerName string
}

type HistoryPage struct {
	Items []HistoryItem
	Total int
	Page  Page
}

// Summary returns the tracking item of one customer; a customer that was
// never closed gets a zero balance.
func (t *Tracker) Summary(ctx context.Context, customerID CustomerID) (TrackingItem, error) {
	acc, err := t.Store.GetBalance(ctx, customerID)
	if err != nil {
		return TrackingItem{}, err
	}
	return t.item(ctx, acc), nil
}

// TrackingList pages through customers' progress.
func (t *Tracker) TrackingList(ctx context.Context, f TrackingFilter, page Page) (TrackingPage, error) {
	page = page.Normalize()
	rows, total, err := t.Store.ListAccumulations(ctx, AccumulationQuery{
		CustomerID: f.CustomerID,
		HasRewards: f.HasRewards,
		MinPending: minPendingFor(f.MinProgress, t.Threshold),
	}, page)
	if err != nil {
		return TrackingPage{}, err
	}

	items := make([]TrackingItem, len(rows))
	for i, acc := range rows {
		items[i] = t.item(ctx, acc)
	}
	return TrackingPage{Items: items, Total: total, Page: page}, nil
}

// HistoryList pages through reward history, newest first.
func (t *Tracker) HistoryList(ctx context.Context, f HistoryFilter, page Page) (HistoryPage, error) {
	page = page.Normalize()
	rows, total, err := t.Store.ListRewardHistory(ctx, f, page)
	if err != nil {
		return HistoryPage{}, err
	}

	names := make(map[CustomerID]string)
	items := make([]HistoryItem, len(rows))
	for i, r := range rows {
		id := r.Reward.CustomerID
		name, ok := names[id]
		if !ok {
			name = t.customerName(ctx, id)
			names[id] = name
		}
		items[i] = HistoryItem{Reward: r.Reward, Event: r.Event, CustomerName: name}
	}
	return HistoryPage{Items: items, Total: total, Page: page}, nil
}

func (t *Tracker) item(ctx context.Context, acc CustomerAccumulation) TrackingItem {
	shortage, err := t.Threshold.Sub(acc.PendingBalance)
	if err != nil {
		// Pending above a since-lowered threshold; nothing left to reach.
		shortage = money.Zero
	}
	return TrackingItem{
		CustomerID:       acc.CustomerID,
		CustomerName:     t.customerName(ctx, acc.CustomerID),
		PendingBalance:   acc.PendingBalance,
		Threshold:        t.Threshold,
		ProgressPercent:  Progress(acc.PendingBalance, t.Threshold),
		ShortageToNext:   shortage,
		TotalAccumulated: acc.TotalAccumulated,
		RewardCount:      acc.RewardCount,
		LastRewardDate:   acc.LastRewardDate,
	}
}

func (t *Tracker) customerName(ctx context.Context, id CustomerID) string {
	if t.Directory != nil {
		if name, err := t.Directory.CustomerName(ctx, id); err == nil && name != "" {
			return name
		}
	}
	return "#" + id.String()
}

// OverThreshold returns every customer whose stored pending balance is at or
// above the threshold. A healthy ledger returns none.
func (t *Tracker) OverThreshold(ctx context.Context) ([]TrackingItem, error) {
	minimum := t.Threshold
	q := AccumulationQuery{MinPending: &minimum}

	var out []TrackingItem
	for page := (Page{Number: 1, Size: MaxPageSize}); ; page.Number++ {
		rows, total, err := t.Store.ListAccumulations(ctx, q, page)
		if err != nil {
			return nil, err
		}
		for _, acc := range rows {
			out = append(out, t.item(ctx, acc))
		}
		if len(rows) == 0 || page.Number*page.Size >= total {
			return out, nil
		}
	}
}

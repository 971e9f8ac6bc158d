// Package storetest is a conformance suite run against every ledger.Store.
package storetest

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/money"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) ledger.Store

var (
	threshold = money.New(60_000_000)
	base      = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
)

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("UnknownCustomerHasZeroBalance", func(t *testing.T) { testUnknownCustomer(t, newStore(t)) })
	t.Run("ApplyCloseMovesBalance", func(t *testing.T) { testApplyClose(t, newStore(t)) })
	t.Run("StaleVersionIsRejected", func(t *testing.T) { testStaleVersion(t, newStore(t)) })
	t.Run("DuplicateCloseIsRejected", func(t *testing.T) { testDuplicateClose(t, newStore(t)) })
	t.Run("CloseEventsInOrder", func(t *testing.T) { testCloseEvents(t, newStore(t)) })
	t.Run("RecordRewardsIsIdempotent", func(t *testing.T) { testRecordRewards(t, newStore(t)) })
	t.Run("MarkDeliveredIsOneWay", func(t *testing.T) { testMarkDelivered(t, newStore(t)) })
	t.Run("ListAccumulations", func(t *testing.T) { testListAccumulations(t, newStore(t)) })
	t.Run("ListRewardHistory", func(t *testing.T) { testListRewardHistory(t, newStore(t)) })
	t.Run("PageFarBeyondEndIsEmpty", func(t *testing.T) { testPageFarBeyondEnd(t, newStore(t)) })
	t.Run("LargestAmountIsExact", func(t *testing.T) { testLargestAmount(t, newStore(t)) })
}

// =============================================================================
// HELPERS
// =============================================================================

// closeSeason applies a close computed from the store's current balance.
func closeSeason(t *testing.T, st ledger.Store, c ledger.CustomerID, s ledger.SeasonID, debt int64, at time.Time) ledger.SeasonCloseEvent {
	t.Helper()
	ctx := context.Background()

	acc, err := st.GetBalance(ctx, c)
	require.NoError(t, err)
	out, err := ledger.ComputeRewardOutcome(acc.PendingBalance, money.New(debt), threshold)
	require.NoError(t, err)

	ev, err := st.ApplyClose(ctx, ledger.ApplyCloseInput{
		EventID:         ledger.EventID(eventID(c, s)),
		CustomerID:      c,
		SeasonID:        s,
		ExpectedVersion: acc.Version,
		Outcome:         out,
		ClosedAt:        at,
	})
	require.NoError(t, err)
	return ev
}

func eventID(c ledger.CustomerID, s ledger.SeasonID) string {
	return "ev-" + c.String() + "-" + s.String()
}

func rewardRows(ev ledger.SeasonCloseEvent, n int, desc string) []ledger.RewardHistory {
	rows := make([]ledger.RewardHistory, n)
	for i := range rows {
		rows[i] = ledger.RewardHistory{
			ID:                 ledger.RewardID(string(ev.ID) + "-r" + strconv.Itoa(i+1)),
			CustomerID:         ev.CustomerID,
			SeasonCloseEventID: ev.ID,
			UnitIndex:          i + 1,
			GiftDescription:    desc,
			GiftStatus:         ledger.GiftPendingDelivery,
			SeasonIDs:          []ledger.SeasonID{ev.SeasonID},
			SeasonNames:        []string{"Vụ " + ev.SeasonID.String()},
			RewardDate:         ev.ClosedAt,
		}
	}
	return rows
}

// =============================================================================
// TESTS
// =============================================================================

func testUnknownCustomer(t *testing.T, st ledger.Store) {
	acc, err := st.GetBalance(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, ledger.CustomerID(99), acc.CustomerID)
	assert.False(t, acc.Exists())
	assert.True(t, acc.PendingBalance.IsZero())
	assert.Equal(t, int64(0), acc.Version)
}

func testApplyClose(t *testing.T, st ledger.Store) {
	ctx := context.Background()

	ev := closeSeason(t, st, 1, 1, 45_000_000, base)
	assert.Equal(t, ledger.EventID("ev-1-1"), ev.ID)

	acc, err := st.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.Version)
	assert.True(t, acc.PendingBalance.Equal(money.New(45_000_000)))
	assert.Nil(t, acc.LastRewardDate)

	at := base.Add(24 * time.Hour)
	ev = closeSeason(t, st, 1, 2, 80_000_000, at)
	assert.Equal(t, int64(2), ev.RewardCountIssued)
	assert.True(t, ev.PreviousPending.Equal(money.New(45_000_000)))

	acc, err = st.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acc.Version)
	assert.Equal(t, int64(2), acc.RewardCount)
	assert.True(t, acc.PendingBalance.Equal(money.New(5_000_000)))
	assert.True(t, acc.TotalAccumulated.Equal(money.New(125_000_000)))
	require.NotNil(t, acc.LastRewardDate)
	assert.True(t, acc.LastRewardDate.Equal(at))

	stored, err := st.GetCloseEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, stored.Threshold.Equal(threshold))
	assert.True(t, stored.ShortageToNext.Equal(money.New(55_000_000)))
	assert.True(t, stored.ClosedAt.Equal(at))
}

func testStaleVersion(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	closeSeason(t, st, 1, 1, 10_000_000, base)

	// Computed as if the customer were new.
	out, err := ledger.ComputeRewardOutcome(money.Zero, money.New(5_000_000), threshold)
	require.NoError(t, err)
	_, err = st.ApplyClose(ctx, ledger.ApplyCloseInput{
		EventID:         "stale",
		CustomerID:      1,
		SeasonID:        2,
		ExpectedVersion: 0,
		Outcome:         out,
		ClosedAt:        base.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	ev, err := st.FindClose(ctx, 1, 2)
	require.NoError(t, err)
	assert.Nil(t, ev, "a rejected close leaves no event")

	acc, err := st.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.Version)
	assert.True(t, acc.PendingBalance.Equal(money.New(10_000_000)))
}

func testDuplicateClose(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	first := closeSeason(t, st, 1, 1, 10_000_000, base)

	acc, err := st.GetBalance(ctx, 1)
	require.NoError(t, err)
	out, err := ledger.ComputeRewardOutcome(acc.PendingBalance, money.New(1), threshold)
	require.NoError(t, err)

	_, err = st.ApplyClose(ctx, ledger.ApplyCloseInput{
		EventID:         "again",
		CustomerID:      1,
		SeasonID:        1,
		ExpectedVersion: acc.Version,
		Outcome:         out,
		ClosedAt:        base.Add(time.Hour),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrDuplicateClose)

	var dup *ledger.DuplicateCloseError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.EventID)

	after, err := st.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, acc.Version, after.Version)
	assert.True(t, acc.PendingBalance.Equal(after.PendingBalance))

	found, err := st.FindClose(ctx, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
}

func testCloseEvents(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	closeSeason(t, st, 1, 3, 1_000_000, base)
	closeSeason(t, st, 2, 3, 2_000_000, base.Add(time.Minute))
	closeSeason(t, st, 1, 1, 3_000_000, base.Add(2*time.Minute))

	events, err := st.ListCloseEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.SeasonID(3), events[0].SeasonID)
	assert.Equal(t, ledger.SeasonID(1), events[1].SeasonID)

	_, err = st.GetCloseEvent(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func testRecordRewards(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	ev := closeSeason(t, st, 1, 1, 125_000_000, base)

	empty, err := st.ListRewards(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)

	value := money.New(1_500_000)
	rows := rewardRows(ev, 2, "Bình xịt")
	rows[1].GiftValue = &value

	recorded, created, err := st.RecordRewards(ctx, ev.ID, rows)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, recorded, 2)
	assert.Equal(t, 1, recorded[0].UnitIndex)
	assert.Nil(t, recorded[0].GiftValue)
	require.NotNil(t, recorded[1].GiftValue)
	assert.True(t, recorded[1].GiftValue.Equal(value))
	assert.Equal(t, []string{"Vụ 1"}, recorded[0].SeasonNames)
	assert.Equal(t, []ledger.SeasonID{1}, recorded[0].SeasonIDs)
	assert.True(t, recorded[0].RewardDate.Equal(base))

	again, created, err := st.RecordRewards(ctx, ev.ID, rewardRows(ev, 2, "khác"))
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, again, 2)
	assert.Equal(t, recorded[0].ID, again[0].ID)
	assert.Equal(t, "Bình xịt", again[0].GiftDescription)

	_, _, err = st.RecordRewards(ctx, "missing", nil)
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func testMarkDelivered(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	ev := closeSeason(t, st, 1, 1, 60_000_000, base)
	recorded, _, err := st.RecordRewards(ctx, ev.ID, rewardRows(ev, 1, "Xe rùa"))
	require.NoError(t, err)

	at := base.Add(48 * time.Hour)
	r, err := st.MarkDelivered(ctx, recorded[0].ID, at)
	require.NoError(t, err)
	assert.Equal(t, ledger.GiftDelivered, r.GiftStatus)
	require.NotNil(t, r.DeliveredAt)
	assert.True(t, r.DeliveredAt.Equal(at))

	r, err = st.MarkDelivered(ctx, recorded[0].ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, r.DeliveredAt.Equal(at), "second delivery keeps the first timestamp")

	_, err = st.MarkDelivered(ctx, "missing", at)
	assert.ErrorIs(t, err, ledger.ErrRewardNotFound)
}

func testListAccumulations(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	closeSeason(t, st, 1, 1, 10_000_000, base)
	closeSeason(t, st, 2, 1, 70_000_000, base)
	closeSeason(t, st, 3, 1, 45_000_000, base)
	closeSeason(t, st, 4, 1, 125_000_000, base)

	all, total, err := st.ListAccumulations(ctx, ledger.AccumulationQuery{}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, ledger.CustomerID(1), all[0].CustomerID)

	yes := true
	rewarded, total, err := st.ListAccumulations(ctx, ledger.AccumulationQuery{HasRewards: &yes}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, ledger.CustomerID(2), rewarded[0].CustomerID)
	assert.Equal(t, ledger.CustomerID(4), rewarded[1].CustomerID)

	// Pending: 1 -> 10M, 2 -> 10M, 3 -> 45M, 4 -> 5M.
	minPending := money.New(10_000_000)
	atLeast, total, err := st.ListAccumulations(ctx, ledger.AccumulationQuery{MinPending: &minPending}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, atLeast, 3)

	id := ledger.CustomerID(3)
	one, total, err := st.ListAccumulations(ctx, ledger.AccumulationQuery{CustomerID: &id}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, id, one[0].CustomerID)

	paged, total, err := st.ListAccumulations(ctx, ledger.AccumulationQuery{}, ledger.Page{Number: 2, Size: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, paged, 1)
	assert.Equal(t, ledger.CustomerID(4), paged[0].CustomerID)
}

func testListRewardHistory(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	day := 24 * time.Hour

	ev1 := closeSeason(t, st, 1, 1, 60_000_000, base)
	ev2 := closeSeason(t, st, 2, 1, 130_000_000, base.Add(day))
	ev3 := closeSeason(t, st, 1, 2, 60_000_000, base.Add(2*day))
	for _, ev := range []ledger.SeasonCloseEvent{ev1, ev2, ev3} {
		_, _, err := st.RecordRewards(ctx, ev.ID, rewardRows(ev, int(ev.RewardCountIssued), "Quà"))
		require.NoError(t, err)
	}

	all, total, err := st.ListRewardHistory(ctx, ledger.HistoryFilter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, ev3.ID, all[0].Reward.SeasonCloseEventID, "newest first")
	assert.Equal(t, ev2.ID, all[1].Reward.SeasonCloseEventID)
	assert.Equal(t, 1, all[1].Reward.UnitIndex)
	assert.Equal(t, 2, all[2].Reward.UnitIndex)
	assert.Equal(t, ev1.ID, all[3].Reward.SeasonCloseEventID)

	// Each row carries the close event that produced it.
	for _, row := range all {
		assert.Equal(t, row.Reward.SeasonCloseEventID, row.Event.ID)
		assert.Equal(t, row.Reward.CustomerID, row.Event.CustomerID)
	}
	assert.Equal(t, ledger.SeasonID(2), all[0].Event.SeasonID)
	assert.True(t, all[1].Event.CurrentSeasonDebt.Equal(money.New(130_000_000)))
	assert.Equal(t, int64(2), all[1].Event.RewardCountIssued)
	assert.True(t, all[1].Event.Threshold.Equal(ev2.Threshold))
	assert.True(t, all[1].Event.ClosedAt.Equal(ev2.ClosedAt))

	c := ledger.CustomerID(1)
	mine, total, err := st.ListRewardHistory(ctx, ledger.HistoryFilter{CustomerID: &c}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, mine, 2)

	season := ledger.SeasonID(1)
	bySeason, total, err := st.ListRewardHistory(ctx, ledger.HistoryFilter{SeasonID: &season}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, bySeason, 3)

	from, to := base.Add(day), base.Add(2*day)
	window, total, err := st.ListRewardHistory(ctx, ledger.HistoryFilter{From: &from, To: &to}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "to is exclusive")
	for _, r := range window {
		assert.Equal(t, ev2.ID, r.Reward.SeasonCloseEventID)
	}

	_, err = st.MarkDelivered(ctx, all[0].Reward.ID, base.Add(3*day))
	require.NoError(t, err)
	delivered, total, err := st.ListRewardHistory(ctx, ledger.HistoryFilter{Status: ledger.GiftDelivered}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, all[0].Reward.ID, delivered[0].Reward.ID)

	page2, total, err := st.ListRewardHistory(ctx, ledger.HistoryFilter{}, ledger.Page{Number: 2, Size: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page2, 1)
	assert.Equal(t, ev1.ID, page2[0].Reward.SeasonCloseEventID)
}

func testPageFarBeyondEnd(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	ev := closeSeason(t, st, 1, 1, 70_000_000, base)
	_, _, err := st.RecordRewards(ctx, ev.ID, rewardRows(ev, 1, "Quà"))
	require.NoError(t, err)

	// GIVEN: a page number whose offset would overflow
	page := ledger.Page{Number: math.MaxInt, Size: ledger.MaxPageSize}

	// THEN: the page is empty, the total still counts every row
	rows, total, err := st.ListAccumulations(ctx, ledger.AccumulationQuery{}, page)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, total)

	rewards, total, err := st.ListRewardHistory(ctx, ledger.HistoryFilter{}, page)
	require.NoError(t, err)
	assert.Empty(t, rewards)
	assert.Equal(t, 1, total)
}

func testLargestAmount(t *testing.T, st ledger.Store) {
	ctx := context.Background()

	// GIVEN: a season debt of exactly money.Max
	ev := closeSeason(t, st, 1, 1, math.MaxInt64, base)

	stored, err := st.GetCloseEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentSeasonDebt.Equal(money.Max), "debt %s", stored.CurrentSeasonDebt)
	assert.True(t, stored.TotalAfterClose.Equal(money.Max), "total %s", stored.TotalAfterClose)

	acc, err := st.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acc.TotalAccumulated.Equal(money.Max))
	assert.True(t, acc.PendingBalance.Equal(money.New(math.MaxInt64%60_000_000)))

	// WHEN: one more đồng would push the lifetime total past money.Max
	out, err := ledger.ComputeRewardOutcome(acc.PendingBalance, money.New(1), threshold)
	require.NoError(t, err)
	_, err = st.ApplyClose(ctx, ledger.ApplyCloseInput{
		EventID:         ledger.EventID(eventID(1, 2)),
		CustomerID:      1,
		SeasonID:        2,
		ExpectedVersion: acc.Version,
		Outcome:         out,
		ClosedAt:        base.Add(time.Hour),
	})

	// THEN: the close is rejected and nothing changes
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
	after, err := st.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, acc.Version, after.Version)
	found, err := st.FindClose(ctx, 1, 2)
	require.NoError(t, err)
	assert.Nil(t, found)
}

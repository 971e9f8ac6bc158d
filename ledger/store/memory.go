// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agrimart/season-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	accumulations map[ledger.CustomerID]ledger.CustomerAccumulation
	events        map[ledger.EventID]ledger.SeasonCloseEvent
	eventOrder    []ledger.EventID
	closes        map[closeKey]ledger.EventID
	rewards       map[ledger.RewardID]ledger.RewardHistory
	eventRewards  map[ledger.EventID][]ledger.RewardID
	rewardOrder   []ledger.RewardID
}

type closeKey struct {
	CustomerID ledger.CustomerID
	SeasonID   ledger.SeasonID
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accumulations: make(map[ledger.CustomerID]ledger.CustomerAccumulation),
		events:        make(map[ledger.EventID]ledger.SeasonCloseEvent),
		closes:        make(map[closeKey]ledger.EventID),
		rewards:       make(map[ledger.RewardID]ledger.RewardHistory),
		eventRewards:  make(map[ledger.EventID][]ledger.RewardID),
	}
}

func (m *Memory) GetBalance(_ context.Context, customerID ledger.CustomerID) (ledger.CustomerAccumulation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(customerID), nil
}

func (m *Memory) balanceLocked(customerID ledger.CustomerID) ledger.CustomerAccumulation {
	if acc, ok := m.accumulations[customerID]; ok {
		return acc
	}
	return ledger.CustomerAccumulation{CustomerID: customerID}
}

func (m *Memory) FindClose(_ context.Context, customerID ledger.CustomerID, seasonID ledger.SeasonID) (*ledger.SeasonCloseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.closes[closeKey{customerID, seasonID}]
	if !ok {
		return nil, nil
	}
	ev := m.events[id]
	return &ev, nil
}

// ApplyClose checks and writes under the write lock, so the version check and
// the write are atomic.
func (m *Memory) ApplyClose(_ context.Context, in ledger.ApplyCloseInput) (ledger.SeasonCloseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := closeKey{in.CustomerID, in.SeasonID}
	if existing, ok := m.closes[key]; ok {
		return ledger.SeasonCloseEvent{}, &ledger.DuplicateCloseError{
			CustomerID: in.CustomerID,
			SeasonID:   in.SeasonID,
			EventID:    existing,
		}
	}

	current := m.balanceLocked(in.CustomerID)
	if !in.Matches(current) {
		return ledger.SeasonCloseEvent{}, ledger.ErrConcurrentModification
	}

	next, err := in.Apply(current)
	if err != nil {
		return ledger.SeasonCloseEvent{}, err
	}
	ev := in.Event()
	m.accumulations[in.CustomerID] = next
	m.events[ev.ID] = ev
	m.eventOrder = append(m.eventOrder, ev.ID)
	m.closes[key] = ev.ID
	return ev, nil
}

func (m *Memory) GetCloseEvent(_ context.Context, id ledger.EventID) (ledger.SeasonCloseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return ledger.SeasonCloseEvent{}, ledger.ErrEventNotFound
	}
	return ev, nil
}

func (m *Memory) ListCloseEvents(_ context.Context, customerID ledger.CustomerID) ([]ledger.SeasonCloseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.SeasonCloseEvent
	for _, id := range m.eventOrder {
		if ev := m.events[id]; ev.CustomerID == customerID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt.Before(out[j].ClosedAt)
	})
	return out, nil
}

func (m *Memory) RecordRewards(_ context.Context, eventID ledger.EventID, rows []ledger.RewardHistory) ([]ledger.RewardHistory, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[eventID]; !ok {
		return nil, false, ledger.ErrEventNotFound
	}
	if existing := m.eventRewards[eventID]; len(existing) > 0 {
		return m.rewardsLocked(eventID), false, nil
	}

	for _, r := range rows {
		m.rewards[r.ID] = r
		m.eventRewards[eventID] = append(m.eventRewards[eventID], r.ID)
		m.rewardOrder = append(m.rewardOrder, r.ID)
	}
	return m.rewardsLocked(eventID), true, nil
}

func (m *Memory) ListRewards(_ context.Context, eventID ledger.EventID) ([]ledger.RewardHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rewardsLocked(eventID), nil
}

func (m *Memory) rewardsLocked(eventID ledger.EventID) []ledger.RewardHistory {
	ids := m.eventRewards[eventID]
	out := make([]ledger.RewardHistory, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.rewards[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitIndex < out[j].UnitIndex })
	return out
}

func (m *Memory) MarkDelivered(_ context.Context, id ledger.RewardID, at time.Time) (ledger.RewardHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rewards[id]
	if !ok {
		return ledger.RewardHistory{}, ledger.ErrRewardNotFound
	}
	if r.GiftStatus == ledger.GiftDelivered {
		return r, nil
	}
	r.GiftStatus = ledger.GiftDelivered
	r.DeliveredAt = &at
	m.rewards[id] = r
	return r, nil
}

func (m *Memory) ListAccumulations(_ context.Context, q ledger.AccumulationQuery, page ledger.Page) ([]ledger.CustomerAccumulation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.CustomerAccumulation
	for _, acc := range m.accumulations {
		if q.CustomerID != nil && acc.CustomerID != *q.CustomerID {
			continue
		}
		if q.HasRewards != nil && (acc.RewardCount > 0) != *q.HasRewards {
			continue
		}
		if q.MinPending != nil && acc.PendingBalance.LessThan(*q.MinPending) {
			continue
		}
		matched = append(matched, acc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CustomerID < matched[j].CustomerID })

	start, end := page.Window(len(matched))
	return matched[start:end], len(matched), nil
}

func (m *Memory) ListRewardHistory(_ context.Context, f ledger.HistoryFilter, page ledger.Page) ([]ledger.HistoryRow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.HistoryRow
	for _, id := range m.rewardOrder {
		r := m.rewards[id]
		if f.CustomerID != nil && r.CustomerID != *f.CustomerID {
			continue
		}
		ev := m.events[r.SeasonCloseEventID]
		if f.SeasonID != nil && ev.SeasonID != *f.SeasonID {
			continue
		}
		if f.Status != "" && r.GiftStatus != f.Status {
			continue
		}
		if f.From != nil && r.RewardDate.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.RewardDate.Before(*f.To) {
			continue
		}
		matched = append(matched, ledger.HistoryRow{Reward: r, Event: ev})
	}
	// Newest first; within one event by unit.
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].Reward, matched[j].Reward
		if !a.RewardDate.Equal(b.RewardDate) {
			return a.RewardDate.After(b.RewardDate)
		}
		return a.UnitIndex < b.UnitIndex
	})

	start, end := page.Window(len(matched))
	return matched[start:end], len(matched), nil
}

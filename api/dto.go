/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API, decoupled from the ledger types.

CONVENTIONS:
  - Amounts are decimal strings ("45000000") so no client rounds them
  - Each amount has a *_display twin formatted for Vietnamese ("45.000.000 ₫")
  - Timestamps are RFC3339 UTC
*/
package api

import (
	"time"

	"golang.org/x/text/language"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/money"
)

var displayLang = language.Vietnamese

func display(a money.Amount) string {
	return a.Format(displayLang)
}

// =============================================================================
// REQUESTS
// =============================================================================

type GiftUnitRequest struct {
	Description string        `json:"description"`
	Value       *money.Amount `json:"value,omitempty"`
}

type GiftRequest struct {
	Description string            `json:"description"`
	Value       *money.Amount     `json:"value,omitempty"`
	Units       []GiftUnitRequest `json:"units,omitempty"`
}

func (g *GiftRequest) toGift() *ledger.GiftDetails {
	if g == nil {
		return nil
	}
	out := &ledger.GiftDetails{Description: g.Description, Value: g.Value}
	for _, u := range g.Units {
		out.Units = append(out.Units, ledger.GiftUnit{Description: u.Description, Value: u.Value})
	}
	return out
}

type CloseSeasonRequest struct {
	Gift *GiftRequest `json:"gift,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type OutcomeDTO struct {
	PreviousPending        money.Amount `json:"previous_pending"`
	PreviousPendingDisplay string       `json:"previous_pending_display"`
	CurrentDebt            money.Amount `json:"current_season_debt"`
	CurrentDebtDisplay     string       `json:"current_season_debt_display"`
	TotalAfterClose        money.Amount `json:"total_after_close"`
	TotalAfterCloseDisplay string       `json:"total_after_close_display"`
	RewardCount            int64        `json:"reward_count"`
	Remaining              money.Amount `json:"remaining_after_close"`
	RemainingDisplay       string       `json:"remaining_after_close_display"`
	ShortageToNext         money.Amount `json:"shortage_to_next"`
	ShortageToNextDisplay  string       `json:"shortage_to_next_display"`
	Threshold              money.Amount `json:"threshold"`
	ThresholdDisplay       string       `json:"threshold_display"`
	WillReceiveReward      bool         `json:"will_receive_reward"`
	ProgressPercent        int          `json:"progress_percent"`
}

func toOutcomeDTO(o ledger.RewardOutcome) OutcomeDTO {
	return OutcomeDTO{
		PreviousPending:        o.PreviousPending,
		PreviousPendingDisplay: display(o.PreviousPending),
		CurrentDebt:            o.CurrentDebt,
		CurrentDebtDisplay:     display(o.CurrentDebt),
		TotalAfterClose:        o.TotalAfterClose,
		TotalAfterCloseDisplay: display(o.TotalAfterClose),
		RewardCount:            o.RewardCount,
		Remaining:              o.Remaining,
		RemainingDisplay:       display(o.Remaining),
		ShortageToNext:         o.ShortageToNext,
		ShortageToNextDisplay:  display(o.ShortageToNext),
		Threshold:              o.Threshold,
		ThresholdDisplay:       display(o.Threshold),
		WillReceiveReward:      o.WillReceiveReward,
		ProgressPercent:        ledger.Progress(o.Remaining, o.Threshold),
	}
}

type PreviewResponse struct {
	CustomerID   ledger.CustomerID `json:"customer_id"`
	CustomerName string            `json:"customer_name"`
	SeasonID     ledger.SeasonID   `json:"season_id"`
	SeasonName   string            `json:"season_name"`
	OutcomeDTO
}

func toPreviewResponse(p ledger.Preview) PreviewResponse {
	return PreviewResponse{
		CustomerID:   p.CustomerID,
		CustomerName: p.CustomerName,
		SeasonID:     p.SeasonID,
		SeasonName:   p.SeasonName,
		OutcomeDTO:   toOutcomeDTO(p.Outcome),
	}
}

type CloseEventDTO struct {
	ID                         ledger.EventID    `json:"id"`
	CustomerID                 ledger.CustomerID `json:"customer_id"`
	SeasonID                   ledger.SeasonID   `json:"season_id"`
	PreviousPending            money.Amount      `json:"previous_pending"`
	PreviousPendingDisplay     string            `json:"previous_pending_display"`
	CurrentSeasonDebt          money.Amount      `json:"current_season_debt"`
	CurrentSeasonDebtDisplay   string            `json:"current_season_debt_display"`
	TotalAfterClose            money.Amount      `json:"total_after_close"`
	TotalAfterCloseDisplay     string            `json:"total_after_close_display"`
	RewardCountIssued          int64             `json:"reward_count_issued"`
	RemainingAfterClose        money.Amount      `json:"remaining_after_close"`
	RemainingAfterCloseDisplay string            `json:"remaining_after_close_display"`
	ShortageToNext             money.Amount      `json:"shortage_to_next"`
	ShortageToNextDisplay      string            `json:"shortage_to_next_display"`
	Threshold                  money.Amount      `json:"threshold"`
	ClosedAt                   time.Time         `json:"closed_at"`
}

func toCloseEventDTO(ev ledger.SeasonCloseEvent) CloseEventDTO {
	return CloseEventDTO{
		ID:                         ev.ID,
		CustomerID:                 ev.CustomerID,
		SeasonID:                   ev.SeasonID,
		PreviousPending:            ev.PreviousPending,
		PreviousPendingDisplay:     display(ev.PreviousPending),
		CurrentSeasonDebt:          ev.CurrentSeasonDebt,
		CurrentSeasonDebtDisplay:   display(ev.CurrentSeasonDebt),
		TotalAfterClose:            ev.TotalAfterClose,
		TotalAfterCloseDisplay:     display(ev.TotalAfterClose),
		RewardCountIssued:          ev.RewardCountIssued,
		RemainingAfterClose:        ev.RemainingAfterClose,
		RemainingAfterCloseDisplay: display(ev.RemainingAfterClose),
		ShortageToNext:             ev.ShortageToNext,
		ShortageToNextDisplay:      display(ev.ShortageToNext),
		Threshold:                  ev.Threshold,
		ClosedAt:                   ev.ClosedAt,
	}
}

type RewardDTO struct {
	ID                 ledger.RewardID   `json:"id"`
	CustomerID         ledger.CustomerID `json:"customer_id"`
	SeasonCloseEventID ledger.EventID    `json:"season_close_event_id"`
	UnitIndex          int               `json:"unit_index"`
	GiftDescription    string            `json:"gift_description"`
	GiftValue          *money.Amount     `json:"gift_value,omitempty"`
	GiftValueDisplay   string            `json:"gift_value_display,omitempty"`
	GiftStatus         ledger.GiftStatus `json:"gift_status"`
	Exceptional        bool              `json:"exceptional"`
	SeasonIDs          []ledger.SeasonID `json:"season_ids"`
	SeasonNames        []string          `json:"season_names"`
	RewardDate         time.Time         `json:"reward_date"`
	DeliveredAt        *time.Time        `json:"delivered_at,omitempty"`
}

func toRewardDTO(r ledger.RewardHistory) RewardDTO {
	dto := RewardDTO{
		ID:                 r.ID,
		CustomerID:         r.CustomerID,
		SeasonCloseEventID: r.SeasonCloseEventID,
		UnitIndex:          r.UnitIndex,
		GiftDescription:    r.GiftDescription,
		GiftValue:          r.GiftValue,
		GiftStatus:         r.GiftStatus,
		Exceptional:        r.Exceptional,
		SeasonIDs:          r.SeasonIDs,
		SeasonNames:        r.SeasonNames,
		RewardDate:         r.RewardDate,
		DeliveredAt:        r.DeliveredAt,
	}
	if r.GiftValue != nil {
		dto.GiftValueDisplay = display(*r.GiftValue)
	}
	return dto
}

func toRewardDTOs(rs []ledger.RewardHistory) []RewardDTO {
	out := make([]RewardDTO, len(rs))
	for i, r := range rs {
		out[i] = toRewardDTO(r)
	}
	return out
}

type CloseEventResponse struct {
	Event   CloseEventDTO `json:"event"`
	Rewards []RewardDTO   `json:"rewards"`
}

type CloseSeasonResponse struct {
	Event          CloseEventDTO  `json:"event"`
	Rewards        []RewardDTO    `json:"rewards"`
	State          string         `json:"state"`
	Attempts       int            `json:"attempts"`
	RewardsPending bool           `json:"rewards_pending"`
	RewardError    *ErrorResponse `json:"reward_error,omitempty"`
}

type TrackingItemDTO struct {
	CustomerID              ledger.CustomerID `json:"customer_id"`
	CustomerName            string            `json:"customer_name"`
	PendingBalance          money.Amount      `json:"pending_balance"`
	PendingBalanceDisplay   string            `json:"pending_balance_display"`
	Threshold               money.Amount      `json:"threshold"`
	ThresholdDisplay        string            `json:"threshold_display"`
	ProgressPercent         int               `json:"progress_percent"`
	ShortageToNext          money.Amount      `json:"shortage_to_next"`
	ShortageToNextDisplay   string            `json:"shortage_to_next_display"`
	TotalAccumulated        money.Amount      `json:"total_accumulated"`
	TotalAccumulatedDisplay string            `json:"total_accumulated_display"`
	RewardCount             int64             `json:"reward_count"`
	LastRewardDate          *time.Time        `json:"last_reward_date,omitempty"`
}

func toTrackingItemDTO(it ledger.TrackingItem) TrackingItemDTO {
	return TrackingItemDTO{
		CustomerID:              it.CustomerID,
		CustomerName:            it.CustomerName,
		PendingBalance:          it.PendingBalance,
		PendingBalanceDisplay:   display(it.PendingBalance),
		Threshold:               it.Threshold,
		ThresholdDisplay:        display(it.Threshold),
		ProgressPercent:         it.ProgressPercent,
		ShortageToNext:          it.ShortageToNext,
		ShortageToNextDisplay:   display(it.ShortageToNext),
		TotalAccumulated:        it.TotalAccumulated,
		TotalAccumulatedDisplay: display(it.TotalAccumulated),
		RewardCount:             it.RewardCount,
		LastRewardDate:          it.LastRewardDate,
	}
}

type PageDTO struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func toPageDTO(total int, p ledger.Page) PageDTO {
	return PageDTO{Total: total, Page: p.Number, PageSize: p.Size}
}

type TrackingResponse struct {
	Items []TrackingItemDTO `json:"items"`
	PageDTO
}

type HistoryItemDTO struct {
	RewardDTO
	CustomerName      string          `json:"customer_name"`
	SeasonID          ledger.SeasonID `json:"season_id"`
	TotalAfterClose   money.Amount    `json:"total_after_close"`
	RewardCountIssued int64           `json:"reward_count_issued"`
}

type HistoryResponse struct {
	Items []HistoryItemDTO `json:"items"`
	PageDTO
}

type AuditResponse struct {
	CheckedAt  time.Time         `json:"checked_at"`
	Violations []TrackingItemDTO `json:"violations"`
}

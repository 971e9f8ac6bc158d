/*
handlers_test.go - HTTP tests for the season ledger API

Tests for:
- Preview and close round trip, with and without gifts
- Late gift entry and delivery
- Tracking and history queries
- Error kind to HTTP status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agrimart/season-ledger/debt"
	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/ledger/store"
	"github.com/agrimart/season-ledger/money"
)

var testThreshold = money.New(60_000_000)

type testEnv struct {
	t      *testing.T
	store  *store.Memory
	debts  *debt.Static
	closer *ledger.Closer
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, store.NewMemory(), testThreshold, nil)
}

func newTestEnvWith(t *testing.T, st *store.Memory, threshold money.Amount, debts ledger.DebtSource) *testEnv {
	t.Helper()

	static := debt.NewStatic()
	static.SetCustomer(1, "Nguyễn Văn An")
	static.SetCustomer(2, "Trần Thị Bình")
	static.SetSeason(1, "Đông Xuân 2024")
	static.SetSeason(2, "Hè Thu 2024")
	static.SetSeason(3, "Thu Đông 2024")
	if debts == nil {
		debts = static
	}

	closer, err := ledger.NewCloser(st, debts, threshold)
	require.NoError(t, err)
	closer.Directory = static

	tracker := ledger.NewTracker(st, static, threshold)
	h := NewHandler(closer, tracker, st, zap.NewNop())
	h.Auditor = NewAuditor(tracker, zap.NewNop())

	return &testEnv{
		t:      t,
		store:  st,
		debts:  static,
		closer: closer,
		router: NewRouter(h, Options{AllowedOrigins: []string{"http://localhost:5173"}}),
	}
}

func (e *testEnv) setDebt(customer, season, amount int64) {
	e.debts.SetDebt(ledger.CustomerID(customer), ledger.SeasonID(season), money.New(amount))
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) ErrorResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, kind, resp.Error)
	assert.NotEmpty(t, resp.Message)
	return resp
}

// =============================================================================
// PREVIEW AND CLOSE
// =============================================================================

func TestPreviewClose(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 45_000_000)

	rec := env.do(http.MethodGet, "/api/customers/1/seasons/1/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[PreviewResponse](t, rec)
	assert.Equal(t, "Nguyễn Văn An", resp.CustomerName)
	assert.Equal(t, "Đông Xuân 2024", resp.SeasonName)
	assert.True(t, resp.TotalAfterClose.Equal(money.New(45_000_000)))
	assert.True(t, resp.ShortageToNext.Equal(money.New(15_000_000)))
	assert.False(t, resp.WillReceiveReward)
	assert.Equal(t, 75, resp.ProgressPercent)
	assert.Equal(t, "15.000.000 ₫", resp.ShortageToNextDisplay)

	// Preview persists nothing.
	events, err := env.store.ListCloseEvents(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCloseSeason_BelowThenAboveThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 45_000_000)
	env.setDebt(1, 2, 20_000_000)

	// GIVEN: a first season below the threshold
	rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[CloseSeasonResponse](t, rec)
	assert.Equal(t, string(ledger.StateDone), first.State)
	assert.False(t, first.RewardsPending)
	assert.Empty(t, first.Rewards)

	// WHEN: the second season crosses it with a gift
	rec = env.do(http.MethodPost, "/api/customers/1/seasons/2/close", CloseSeasonRequest{
		Gift: &GiftRequest{Description: "Bình xịt điện"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decode[CloseSeasonResponse](t, rec)

	// THEN: one reward, 5M carried over
	assert.Equal(t, int64(1), second.Event.RewardCountIssued)
	assert.True(t, second.Event.RemainingAfterClose.Equal(money.New(5_000_000)))
	assert.True(t, second.Event.ShortageToNext.Equal(money.New(55_000_000)))
	require.Len(t, second.Rewards, 1)
	assert.Equal(t, "Bình xịt điện", second.Rewards[0].GiftDescription)
	assert.Equal(t, ledger.GiftPendingDelivery, second.Rewards[0].GiftStatus)
	assert.Equal(t, []ledger.SeasonID{1, 2}, second.Rewards[0].SeasonIDs)
	assert.Equal(t, []string{"Đông Xuân 2024", "Hè Thu 2024"}, second.Rewards[0].SeasonNames)

	// AND: the customer's balance reflects it
	rec = env.do(http.MethodGet, "/api/customers/1/accumulation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decode[TrackingItemDTO](t, rec)
	assert.True(t, acc.PendingBalance.Equal(money.New(5_000_000)))
	assert.True(t, acc.TotalAccumulated.Equal(money.New(65_000_000)))
	assert.Equal(t, int64(1), acc.RewardCount)
	assert.NotNil(t, acc.LastRewardDate)
	assert.Equal(t, 8, acc.ProgressPercent)
}

func TestCloseSeason_RewardPendingThenAttach(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 125_000_000)

	rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	closed := decode[CloseSeasonResponse](t, rec)
	assert.True(t, closed.RewardsPending)
	assert.Equal(t, int64(2), closed.Event.RewardCountIssued)

	path := "/api/close-events/" + string(closed.Event.ID) + "/rewards"

	// Units must match the reward count.
	rec = env.do(http.MethodPost, path, GiftRequest{Units: []GiftUnitRequest{{Description: "Máy bơm"}}})
	assertError(t, rec, http.StatusBadRequest, ledger.KindGiftUnitsMismatch)

	value := money.New(3_500_000)
	rec = env.do(http.MethodPost, path, GiftRequest{Description: "Máy bơm", Value: &value})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rewards := decode[[]RewardDTO](t, rec)
	require.Len(t, rewards, 2)
	assert.Equal(t, "3.500.000 ₫", rewards[0].GiftValueDisplay)

	// Attaching again returns the same rows.
	rec = env.do(http.MethodPost, path, GiftRequest{Description: "Khác"})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[[]RewardDTO](t, rec)
	assert.Equal(t, rewards[0].ID, again[0].ID)
	assert.Equal(t, "Máy bơm", again[0].GiftDescription)

	rec = env.do(http.MethodGet, "/api/close-events/"+string(closed.Event.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[CloseEventResponse](t, rec)
	assert.Equal(t, closed.Event.ID, detail.Event.ID)
	assert.Len(t, detail.Rewards, 2)
}

func TestCloseSeason_ExceptionalGift(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 10_000_000)

	rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", CloseSeasonRequest{
		Gift: &GiftRequest{Description: "Quà tri ân"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[CloseSeasonResponse](t, rec)
	require.Len(t, resp.Rewards, 1)
	assert.True(t, resp.Rewards[0].Exceptional)
	assert.Equal(t, int64(0), resp.Event.RewardCountIssued)
}

func TestCloseSeason_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 10_000_000)

	rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
	assertError(t, rec, http.StatusConflict, ledger.KindDuplicateClose)

	rec = env.do(http.MethodGet, "/api/customers/1/seasons/1/preview", nil)
	assertError(t, rec, http.StatusConflict, ledger.KindDuplicateClose)
}

type failingDebts struct{}

func (failingDebts) SeasonDebt(context.Context, ledger.CustomerID, ledger.SeasonID) (money.Amount, error) {
	return money.Amount{}, errors.New("invoice service unavailable")
}

func TestCloseSeason_DebtLookupFailure(t *testing.T) {
	env := newTestEnvWith(t, store.NewMemory(), testThreshold, failingDebts{})

	rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
	assertError(t, rec, http.StatusBadGateway, ledger.KindDebtLookupFailed)

	acc, err := env.store.GetBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, acc.Exists())
}

func TestCloseSeason_InconsistentStoredBalance(t *testing.T) {
	st := store.NewMemory()
	env := newTestEnvWith(t, st, testThreshold, nil)
	env.setDebt(1, 1, 50_000_000)
	rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// GIVEN: the threshold is lowered under the stored balance
	lowered := newTestEnvWith(t, st, money.New(40_000_000), nil)
	lowered.setDebt(1, 2, 1_000_000)

	// THEN: closing refuses to guess
	rec = lowered.do(http.MethodPost, "/api/customers/1/seasons/2/close", nil)
	assertError(t, rec, http.StatusInternalServerError, ledger.KindInconsistentLedgerState)

	// AND: the audit reports the customer
	rec = lowered.do(http.MethodPost, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	audit := decode[AuditResponse](t, rec)
	require.Len(t, audit.Violations, 1)
	assert.Equal(t, ledger.CustomerID(1), audit.Violations[0].CustomerID)
}

func TestCloseSeason_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 125_000_000)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   string
	}{
		{"non numeric customer", http.MethodPost, "/api/customers/abc/seasons/1/close", "", http.StatusBadRequest, KindInvalidRequest},
		{"zero season", http.MethodGet, "/api/customers/1/seasons/0/preview", "", http.StatusBadRequest, KindInvalidRequest},
		{"malformed body", http.MethodPost, "/api/customers/1/seasons/1/close", "{", http.StatusBadRequest, KindInvalidRequest},
		{"fractional gift value", http.MethodPost, "/api/customers/1/seasons/1/close", `{"gift":{"description":"x","value":"1.5"}}`, http.StatusBadRequest, ledger.KindInvalidAmount},
		{"units mismatch", http.MethodPost, "/api/customers/1/seasons/1/close", `{"gift":{"units":[{"description":"x"}]}}`, http.StatusBadRequest, ledger.KindGiftUnitsMismatch},
		{"unknown event", http.MethodGet, "/api/close-events/nope", "", http.StatusNotFound, ledger.KindNotFound},
		{"unknown reward", http.MethodPost, "/api/rewards/nope/deliver", "", http.StatusNotFound, ledger.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			assertError(t, rec, tt.status, tt.kind)
		})
	}

	// Nothing was persisted by the rejected closes.
	events, err := env.store.ListCloseEvents(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// DELIVERY, TRACKING, HISTORY
// =============================================================================

func TestDeliverReward(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 60_000_000)

	rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", CloseSeasonRequest{
		Gift: &GiftRequest{Description: "Phân bón"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	closed := decode[CloseSeasonResponse](t, rec)
	require.Len(t, closed.Rewards, 1)
	assert.True(t, closed.Event.ShortageToNext.Equal(testThreshold))

	path := "/api/rewards/" + string(closed.Rewards[0].ID) + "/deliver"
	rec = env.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[RewardDTO](t, rec)
	assert.Equal(t, ledger.GiftDelivered, first.GiftStatus)
	require.NotNil(t, first.DeliveredAt)

	// Delivering twice keeps the first timestamp.
	rec = env.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[RewardDTO](t, rec)
	assert.Equal(t, first.DeliveredAt.Unix(), second.DeliveredAt.Unix())
}

func TestTrackingAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.setDebt(1, 1, 45_000_000)
	env.setDebt(2, 1, 70_000_000)

	for _, customer := range []string{"1", "2"} {
		rec := env.do(http.MethodPost, "/api/customers/"+customer+"/seasons/1/close", CloseSeasonRequest{})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := env.do(http.MethodGet, "/api/customers/2/close-events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]CloseEventDTO](t, rec)
	require.Len(t, events, 1)
	rec = env.do(http.MethodPost, "/api/close-events/"+string(events[0].ID)+"/rewards", GiftRequest{Description: "Bình xịt"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	t.Run("tracking all", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/rewards/tracking", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[TrackingResponse](t, rec)
		assert.Equal(t, 2, resp.Total)
		assert.Equal(t, 1, resp.Page)
		assert.Equal(t, ledger.DefaultPageSize, resp.PageSize)
		require.Len(t, resp.Items, 2)
		assert.Equal(t, "Nguyễn Văn An", resp.Items[0].CustomerName)
	})

	t.Run("tracking filters", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/rewards/tracking?min_progress=50", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[TrackingResponse](t, rec)
		require.Len(t, resp.Items, 1)
		assert.Equal(t, ledger.CustomerID(1), resp.Items[0].CustomerID)

		rec = env.do(http.MethodGet, "/api/rewards/tracking?has_rewards=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp = decode[TrackingResponse](t, rec)
		require.Len(t, resp.Items, 1)
		assert.Equal(t, ledger.CustomerID(2), resp.Items[0].CustomerID)
	})

	t.Run("tracking rejects bad query", func(t *testing.T) {
		for _, q := range []string{"min_progress=101", "has_rewards=maybe", "customer_id=x", "page=two", "page=4611686018427387904"} {
			rec := env.do(http.MethodGet, "/api/rewards/tracking?"+q, nil)
			assertError(t, rec, http.StatusBadRequest, KindInvalidRequest)
		}
	})

	t.Run("last allowed page is empty", func(t *testing.T) {
		for _, path := range []string{"/api/rewards/tracking", "/api/rewards/history"} {
			rec := env.do(http.MethodGet, path+"?page=1000000&page_size=9223372036854775807", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			page := decode[struct {
				Items []json.RawMessage `json:"items"`
				PageDTO
			}](t, rec)
			assert.Empty(t, page.Items)
			assert.Equal(t, ledger.MaxPageNumber, page.Page)
			assert.Equal(t, ledger.MaxPageSize, page.PageSize)
		}

		rec := env.do(http.MethodGet, "/api/rewards/history?page=4611686018427387904", nil)
		assertError(t, rec, http.StatusBadRequest, KindInvalidRequest)
	})

	t.Run("history", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/rewards/history?customer_id=2&status=pending_delivery", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[HistoryResponse](t, rec)
		require.Len(t, resp.Items, 1)
		item := resp.Items[0]
		assert.Equal(t, "Trần Thị Bình", item.CustomerName)
		assert.Equal(t, ledger.SeasonID(1), item.SeasonID)
		assert.True(t, item.TotalAfterClose.Equal(money.New(70_000_000)))
		assert.Equal(t, int64(1), item.RewardCountIssued)
	})

	t.Run("history date range", func(t *testing.T) {
		today := time.Now().UTC().Format(time.DateOnly)

		rec := env.do(http.MethodGet, "/api/rewards/history?from="+today+"&to="+today, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Len(t, decode[HistoryResponse](t, rec).Items, 1)

		rec = env.do(http.MethodGet, "/api/rewards/history?to="+today+"T00:00:00Z", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[HistoryResponse](t, rec).Items)
	})

	t.Run("history rejects bad query", func(t *testing.T) {
		for _, q := range []string{"status=lost", "from=yesterday", "season_id=1.5"} {
			rec := env.do(http.MethodGet, "/api/rewards/history?"+q, nil)
			assertError(t, rec, http.StatusBadRequest, KindInvalidRequest)
		}
	})
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestToErrorResponse_UnknownErrorIsInternal(t *testing.T) {
	status, body := toErrorResponse(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, ledger.KindInternal, body.Error)
	assert.Equal(t, "boom", body.Detail)
}

func TestWriteError_LogLevelFollowsErrorClass(t *testing.T) {
	newObserved := func(debts ledger.DebtSource) (*testEnv, *observer.ObservedLogs) {
		env := newTestEnvWith(t, store.NewMemory(), testThreshold, debts)
		core, logs := observer.New(zapcore.DebugLevel)
		tracker := ledger.NewTracker(env.store, env.debts, testThreshold)
		h := NewHandler(env.closer, tracker, env.store, zap.New(core))
		env.router = NewRouter(h, Options{Logger: zap.NewNop()})
		return env, logs
	}

	t.Run("duplicate close is a client error", func(t *testing.T) {
		env, logs := newObserved(nil)
		env.setDebt(1, 1, 10_000_000)
		require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil).Code)

		rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
		assertError(t, rec, http.StatusConflict, ledger.KindDuplicateClose)

		rejected := logs.FilterMessage("request rejected")
		require.Equal(t, 1, rejected.Len())
		assert.Equal(t, zapcore.DebugLevel, rejected.All()[0].Level)
		assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	})

	t.Run("unknown event is debug", func(t *testing.T) {
		env, logs := newObserved(nil)
		rec := env.do(http.MethodGet, "/api/close-events/nope", nil)
		assertError(t, rec, http.StatusNotFound, ledger.KindNotFound)
		assert.Equal(t, 1, logs.FilterLevelExact(zapcore.DebugLevel).Len())
	})

	t.Run("upstream failure is a warning", func(t *testing.T) {
		env, logs := newObserved(failingDebts{})
		rec := env.do(http.MethodPost, "/api/customers/1/seasons/1/close", nil)
		assertError(t, rec, http.StatusBadGateway, ledger.KindDebtLookupFailed)
		assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
		assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	})
}

/*
handlers.go - HTTP API handlers for the season ledger

PURPOSE:
  Exposes season close and reward tracking via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the ledger.

ENDPOINTS:
  Season close:
    GET    /api/customers/{customerID}/seasons/{seasonID}/preview
    POST   /api/customers/{customerID}/seasons/{seasonID}/close
    POST   /api/close-events/{eventID}/rewards     Attach gifts (idempotent)
    GET    /api/close-events/{eventID}

  Customers:
    GET    /api/customers/{customerID}/accumulation
    GET    /api/customers/{customerID}/close-events

  Rewards:
    GET    /api/rewards/tracking
    GET    /api/rewards/history
    POST   /api/rewards/{rewardID}/deliver

  Admin:
    POST   /api/admin/audit                        Run the balance audit now

ERROR HANDLING:
  Every error goes through writeError, which maps the ledger error kind to
  an HTTP status and a Vietnamese message (errors.go).

SECURITY NOTE:
  No authentication. Run behind the shop's internal gateway.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agrimart/season-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Closer  *ledger.Closer
	Tracker *ledger.Tracker
	Store   ledger.Store
	Auditor *Auditor                        // optional
	Health  func(ctx context.Context) error // optional
	Logger  *zap.Logger
}

// NewHandler wires the handler around one store.
func NewHandler(closer *ledger.Closer, tracker *ledger.Tracker, store ledger.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Closer: closer, Tracker: tracker, Store: store, Logger: log}
}

// =============================================================================
// SEASON CLOSE ENDPOINTS
// =============================================================================

// PreviewClose shows what closing the season would do.
// GET /api/customers/{customerID}/seasons/{seasonID}/preview
func (h *Handler) PreviewClose(w http.ResponseWriter, r *http.Request) {
	customerID, seasonID, err := customerSeason(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	preview, err := h.Closer.Preview(r.Context(), customerID, seasonID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewResponse(preview))
}

// CloseSeason closes the season. The body is optional.
// POST /api/customers/{customerID}/seasons/{seasonID}/close
func (h *Handler) CloseSeason(w http.ResponseWriter, r *http.Request) {
	customerID, seasonID, err := customerSeason(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req CloseSeasonRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.Closer.Close(r.Context(), ledger.CloseRequest{
		CustomerID: customerID,
		SeasonID:   seasonID,
		Gift:       req.Gift.toGift(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := CloseSeasonResponse{
		Event:          toCloseEventDTO(result.Event),
		Rewards:        toRewardDTOs(result.Rewards),
		State:          string(result.State),
		Attempts:       result.Attempts,
		RewardsPending: result.RewardsPending,
	}
	if result.RewardError != nil {
		_, body := toErrorResponse(result.RewardError)
		resp.RewardError = &body
	}
	writeJSON(w, http.StatusCreated, resp)
}

// AttachRewards records gifts for a close that has none yet.
// POST /api/close-events/{eventID}/rewards
func (h *Handler) AttachRewards(w http.ResponseWriter, r *http.Request) {
	eventID := ledger.EventID(chi.URLParam(r, "eventID"))

	var req GiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, invalidBody(err))
		return
	}

	rewards, err := h.Closer.AttachRewards(r.Context(), eventID, *req.toGift())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTOs(rewards))
}

// GetCloseEvent returns one close event with its rewards.
// GET /api/close-events/{eventID}
func (h *Handler) GetCloseEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := ledger.EventID(chi.URLParam(r, "eventID"))

	ev, err := h.Store.GetCloseEvent(ctx, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rewards, err := h.Store.ListRewards(ctx, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseEventResponse{Event: toCloseEventDTO(ev), Rewards: toRewardDTOs(rewards)})
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// GetAccumulation returns the customer's balance and progress.
// GET /api/customers/{customerID}/accumulation
func (h *Handler) GetAccumulation(w http.ResponseWriter, r *http.Request) {
	customerID, err := pathInt(r, "customerID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	item, err := h.Tracker.Summary(r.Context(), ledger.CustomerID(customerID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrackingItemDTO(item))
}

// ListCustomerCloseEvents returns the customer's closes, oldest first.
// GET /api/customers/{customerID}/close-events
func (h *Handler) ListCustomerCloseEvents(w http.ResponseWriter, r *http.Request) {
	customerID, err := pathInt(r, "customerID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	events, err := h.Store.ListCloseEvents(r.Context(), ledger.CustomerID(customerID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]CloseEventDTO, len(events))
	for i, ev := range events {
		out[i] = toCloseEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// REWARD ENDPOINTS
// =============================================================================

// Tracking lists customers' progress toward the next gift.
// GET /api/rewards/tracking?customer_id=&has_rewards=&min_progress=&page=&page_size=
func (h *Handler) Tracking(w http.ResponseWriter, r *http.Request) {
	q := queryParser{values: r.URL.Query()}

	var filter ledger.TrackingFilter
	if id := q.int64("customer_id"); id != nil {
		c := ledger.CustomerID(*id)
		filter.CustomerID = &c
	}
	filter.HasRewards = q.bool("has_rewards")
	if p := q.int64("min_progress"); p != nil {
		if *p < 0 || *p > 100 {
			q.fail("min_progress", strconv.FormatInt(*p, 10))
		}
		filter.MinProgress = int(*p)
	}
	page := q.page()
	if q.err != nil {
		h.writeError(w, r, q.err)
		return
	}

	result, err := h.Tracker.TrackingList(r.Context(), filter, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]TrackingItemDTO, len(result.Items))
	for i, it := range result.Items {
		items[i] = toTrackingItemDTO(it)
	}
	writeJSON(w, http.StatusOK, TrackingResponse{Items: items, PageDTO: toPageDTO(result.Total, result.Page)})
}

// History lists reward history, newest first.
// GET /api/rewards/history?customer_id=&season_id=&status=&from=&to=&page=&page_size=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := queryParser{values: r.URL.Query()}

	var filter ledger.HistoryFilter
	if id := q.int64("customer_id"); id != nil {
		c := ledger.CustomerID(*id)
		filter.CustomerID = &c
	}
	if id := q.int64("season_id"); id != nil {
		s := ledger.SeasonID(*id)
		filter.SeasonID = &s
	}
	if status := q.get("status"); status != "" {
		filter.Status = ledger.GiftStatus(status)
		if !filter.Status.Valid() {
			q.fail("status", status)
		}
	}
	filter.From = q.time("from", false)
	filter.To = q.time("to", true)
	page := q.page()
	if q.err != nil {
		h.writeError(w, r, q.err)
		return
	}

	result, err := h.Tracker.HistoryList(r.Context(), filter, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]HistoryItemDTO, len(result.Items))
	for i, it := range result.Items {
		items[i] = HistoryItemDTO{
			RewardDTO:         toRewardDTO(it.Reward),
			CustomerName:      it.CustomerName,
			SeasonID:          it.Event.SeasonID,
			TotalAfterClose:   it.Event.TotalAfterClose,
			RewardCountIssued: it.Event.RewardCountIssued,
		}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Items: items, PageDTO: toPageDTO(result.Total, result.Page)})
}

// DeliverReward marks a gift as handed over.
// POST /api/rewards/{rewardID}/deliver
func (h *Handler) DeliverReward(w http.ResponseWriter, r *http.Request) {
	id := ledger.RewardID(chi.URLParam(r, "rewardID"))

	reward, err := h.Closer.MarkDelivered(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(reward))
}

// =============================================================================
// ADMIN AND HEALTH
// =============================================================================

// RunAudit checks every stored balance against the threshold.
// POST /api/admin/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ledger.KindNotFound, Message: errorTable[ledger.KindNotFound].message, Detail: "audit not configured"})
		return
	}

	report, err := h.Auditor.Run(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]TrackingItemDTO, len(report.Violations))
	for i, it := range report.Violations {
		items[i] = toTrackingItemDTO(it)
	}
	writeJSON(w, http.StatusOK, AuditResponse{CheckedAt: report.CheckedAt, Violations: items})
}

// Healthz reports whether the store is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := toErrorResponse(err)

	fields := []zap.Field{
		zap.String("kind", body.Error),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}
	switch {
	case body.Error == ledger.KindDebtLookupFailed:
		h.Logger.Warn("upstream lookup failed", fields...)
	case errors.Is(err, errInvalidRequest), ledger.IsClientError(err), ledger.IsNotFound(err):
		h.Logger.Debug("request rejected", fields...)
	case ledger.IsRetryable(err):
		h.Logger.Info("request conflicted", fields...)
	case status >= http.StatusInternalServerError:
		h.Logger.Error("request failed", fields...)
	default:
		h.Logger.Warn("request rejected", fields...)
	}
	writeJSON(w, status, body)
}

func invalidBody(err error) error {
	return fmt.Errorf("%w: body: %v", errInvalidRequest, err)
}

// decodeOptional decodes a JSON body; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	// Amount validation errors keep their own kind.
	if ledger.Kind(err) == ledger.KindInvalidAmount {
		return err
	}
	return invalidBody(err)
}

func pathInt(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s %q", errInvalidRequest, name, raw)
	}
	return n, nil
}

func customerSeason(r *http.Request) (ledger.CustomerID, ledger.SeasonID, error) {
	c, err := pathInt(r, "customerID")
	if err != nil {
		return 0, 0, err
	}
	s, err := pathInt(r, "seasonID")
	if err != nil {
		return 0, 0, err
	}
	return ledger.CustomerID(c), ledger.SeasonID(s), nil
}

// queryParser collects the first query parameter error.
type queryParser struct {
	values map[string][]string
	err    error
}

func (q *queryParser) get(name string) string {
	if vs := q.values[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (q *queryParser) fail(name, raw string) {
	if q.err == nil {
		q.err = fmt.Errorf("%w: %s=%q", errInvalidRequest, name, raw)
	}
}

func (q *queryParser) int64(name string) *int64 {
	raw := q.get(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		q.fail(name, raw)
		return nil
	}
	return &n
}

func (q *queryParser) bool(name string) *bool {
	raw := q.get(name)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		q.fail(name, raw)
		return nil
	}
	return &b
}

// time accepts RFC3339 or a date. A date used as an exclusive upper bound
// covers that whole day.
func (q *queryParser) time(name string, upper bool) *time.Time {
	raw := q.get(name)
	if raw == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		q.fail(name, raw)
		return nil
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return &t
}

func (q *queryParser) page() ledger.Page {
	var p ledger.Page
	if n := q.int64("page"); n != nil {
		if *n > ledger.MaxPageNumber {
			q.fail("page", strconv.FormatInt(*n, 10))
		} else {
			p.Number = int(*n)
		}
	}
	if n := q.int64("page_size"); n != nil {
		p.Size = int(min(*n, ledger.MaxPageSize+1))
	}
	return p.Normalize()
}

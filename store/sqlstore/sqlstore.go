/*
Package sqlstore implements ledger.Store over database/sql.

PURPOSE:
  One implementation of the ledger tables shared by the SQLite and
  PostgreSQL backends. A Dialect supplies what differs between them:
  schema DDL, placeholder style, timestamp encoding and how a unique
  violation is reported by the driver.

KEY TABLES:
  customer_accumulation: one row per customer, version for optimistic locking
  season_close_event:    append-only, UNIQUE(customer_id, season_id)
  reward_history:        one row per gift, UNIQUE(season_close_event_id, unit_index)

ATOMICITY:
  ApplyClose inserts the close event and moves the customer balance in one
  database transaction. The balance UPDATE is guarded by the expected version
  and pending balance, so a concurrent close that committed first makes it
  affect zero rows and the whole transaction rolls back with
  ledger.ErrConcurrentModification.

MUTABILITY:
  season_close_event rows are never updated or deleted. The only UPDATE on
  reward_history is MarkDelivered.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/money"
)

// Dialect describes one SQL backend.
type Dialect struct {
	Name string

	// Schema is executed statement by statement on Open.
	Schema []string

	// NumberedParams rewrites ? placeholders to $1, $2, ...
	NumberedParams bool

	// TimeAsText stores timestamps as fixed-width UTC text.
	TimeAsText bool

	// SerializeWrites takes a process-wide lock around write transactions.
	SerializeWrites bool

	// IsUniqueViolation reports whether err is a unique or primary key
	// constraint failure.
	IsUniqueViolation func(err error) bool
}

// Store is a ledger.Store on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// Open wraps db and migrates the schema.
func Open(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate %s database: %w", dialect.Name, err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// LOCKING AND TRANSACTIONS
// =============================================================================

func (s *Store) rlock() func() {
	if !s.dialect.SerializeWrites {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// withTx executes fn within a database transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.dialect.SerializeWrites {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rewrites placeholders for the dialect.
func (s *Store) q(query string) string {
	if !s.dialect.NumberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// TIME ENCODING
// =============================================================================

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func (s *Store) timeArg(t time.Time) any {
	if s.dialect.TimeAsText {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

func (s *Store) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.timeArg(*t)
}

// dbTime scans either a native timestamp or its text form.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into time", src)
	}
}

func (t *dbTime) parse(v string) error {
	parsed, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("sqlstore: bad timestamp %q: %w", v, err)
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// =============================================================================
// CUSTOMER ACCUMULATION
// =============================================================================

const accumulationColumns = `customer_id, pending_balance, total_accumulated, reward_count,
	last_reward_date, version, updated_at`

func scanAccumulation(row interface{ Scan(...any) error }) (ledger.CustomerAccumulation, error) {
	var (
		acc        ledger.CustomerAccumulation
		lastReward dbTime
		updatedAt  dbTime
	)
	err := row.Scan(&acc.CustomerID, &acc.PendingBalance, &acc.TotalAccumulated, &acc.RewardCount,
		&lastReward, &acc.Version, &updatedAt)
	if err != nil {
		return ledger.CustomerAccumulation{}, err
	}
	acc.LastRewardDate = lastReward.ptr()
	acc.UpdatedAt = updatedAt.Time
	return acc, nil
}

func (s *Store) GetBalance(ctx context.Context, customerID ledger.CustomerID) (ledger.CustomerAccumulation, error) {
	defer s.rlock()()
	return s.balance(ctx, s.db, customerID)
}

func (s *Store) balance(ctx context.Context, db querier, customerID ledger.CustomerID) (ledger.CustomerAccumulation, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+accumulationColumns+`
		FROM customer_accumulation WHERE customer_id = ?`), customerID)
	acc, err := scanAccumulation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CustomerAccumulation{CustomerID: customerID}, nil
	}
	if err != nil {
		return ledger.CustomerAccumulation{}, fmt.Errorf("failed to load balance: %w", err)
	}
	return acc, nil
}

func (s *Store) ListAccumulations(ctx context.Context, q ledger.AccumulationQuery, page ledger.Page) ([]ledger.CustomerAccumulation, int, error) {
	defer s.rlock()()

	var (
		where []string
		args  []any
	)
	if q.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, *q.CustomerID)
	}
	if q.HasRewards != nil {
		if *q.HasRewards {
			where = append(where, "reward_count > 0")
		} else {
			where = append(where, "reward_count = 0")
		}
	}
	if q.MinPending != nil {
		where = append(where, "pending_balance >= ?")
		args = append(args, *q.MinPending)
	}
	clause := whereClause(where)

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM customer_accumulation`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count accumulations: %w", err)
	}

	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+accumulationColumns+`
		FROM customer_accumulation`+clause+`
		ORDER BY customer_id LIMIT ? OFFSET ?`), append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list accumulations: %w", err)
	}
	defer rows.Close()

	var out []ledger.CustomerAccumulation
	for rows.Next() {
		acc, err := scanAccumulation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, acc)
	}
	return out, total, rows.Err()
}

// =============================================================================
// SEASON CLOSE EVENTS
// =============================================================================

const eventColumns = `id, customer_id, season_id, previous_pending, current_season_debt,
	total_after_close, reward_count_issued, remaining_after_close, shortage_to_next,
	threshold, closed_at`

func scanEvent(row interface{ Scan(...any) error }) (ledger.SeasonCloseEvent, error) {
	var (
		ev       ledger.SeasonCloseEvent
		closedAt dbTime
	)
	err := row.Scan(&ev.ID, &ev.CustomerID, &ev.SeasonID, &ev.PreviousPending, &ev.CurrentSeasonDebt,
		&ev.TotalAfterClose, &ev.RewardCountIssued, &ev.RemainingAfterClose, &ev.ShortageToNext,
		&ev.Threshold, &closedAt)
	if err != nil {
		return ledger.SeasonCloseEvent{}, err
	}
	ev.ClosedAt = closedAt.Time
	return ev, nil
}

func (s *Store) FindClose(ctx context.Context, customerID ledger.CustomerID, seasonID ledger.SeasonID) (*ledger.SeasonCloseEvent, error) {
	defer s.rlock()()

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+`
		FROM season_close_event WHERE customer_id = ? AND season_id = ?`), customerID, seasonID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find close: %w", err)
	}
	return &ev, nil
}

func (s *Store) GetCloseEvent(ctx context.Context, id ledger.EventID) (ledger.SeasonCloseEvent, error) {
	defer s.rlock()()
	return s.closeEvent(ctx, s.db, id)
}

func (s *Store) closeEvent(ctx context.Context, db querier, id ledger.EventID) (ledger.SeasonCloseEvent, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM season_close_event WHERE id = ?`), id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SeasonCloseEvent{}, ledger.ErrEventNotFound
	}
	if err != nil {
		return ledger.SeasonCloseEvent{}, fmt.Errorf("failed to load close event: %w", err)
	}
	return ev, nil
}

func (s *Store) ListCloseEvents(ctx context.Context, customerID ledger.CustomerID) ([]ledger.SeasonCloseEvent, error) {
	defer s.rlock()()

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+eventColumns+`
		FROM season_close_event WHERE customer_id = ? ORDER BY closed_at, id`), customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list close events: %w", err)
	}
	defer rows.Close()

	var out []ledger.SeasonCloseEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ApplyClose writes the close event and the new balance atomically.
func (s *Store) ApplyClose(ctx context.Context, in ledger.ApplyCloseInput) (ledger.SeasonCloseEvent, error) {
	ev := in.Event()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO season_close_event (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.ID, ev.CustomerID, ev.SeasonID, ev.PreviousPending, ev.CurrentSeasonDebt,
			ev.TotalAfterClose, ev.RewardCountIssued, ev.RemainingAfterClose, ev.ShortageToNext,
			ev.Threshold, s.timeArg(ev.ClosedAt))
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return errDuplicate
			}
			return fmt.Errorf("failed to insert close event: %w", err)
		}

		current, err := s.balance(ctx, tx, in.CustomerID)
		if err != nil {
			return err
		}
		if !in.Matches(current) {
			return ledger.ErrConcurrentModification
		}
		next, err := in.Apply(current)
		if err != nil {
			return err
		}

		if in.ExpectedVersion == 0 {
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO customer_accumulation (`+accumulationColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				next.CustomerID, next.PendingBalance, next.TotalAccumulated, next.RewardCount,
				s.nullTimeArg(next.LastRewardDate), next.Version, s.timeArg(next.UpdatedAt))
			if err != nil {
				if s.dialect.IsUniqueViolation(err) {
					return ledger.ErrConcurrentModification
				}
				return fmt.Errorf("failed to insert balance: %w", err)
			}
			return nil
		}

		res, err := tx.ExecContext(ctx, s.q(`UPDATE customer_accumulation
			SET pending_balance = ?, total_accumulated = ?, reward_count = ?,
				last_reward_date = ?, version = ?, updated_at = ?
			WHERE customer_id = ? AND version = ? AND pending_balance = ?`),
			next.PendingBalance, next.TotalAccumulated, next.RewardCount,
			s.nullTimeArg(next.LastRewardDate), next.Version, s.timeArg(next.UpdatedAt),
			in.CustomerID, in.ExpectedVersion, in.Outcome.PreviousPending)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ledger.ErrConcurrentModification
		}
		return nil
	})

	if errors.Is(err, errDuplicate) {
		existing, findErr := s.FindClose(ctx, in.CustomerID, in.SeasonID)
		dup := &ledger.DuplicateCloseError{CustomerID: in.CustomerID, SeasonID: in.SeasonID}
		if findErr == nil && existing != nil {
			dup.EventID = existing.ID
		}
		return ledger.SeasonCloseEvent{}, dup
	}
	if err != nil {
		return ledger.SeasonCloseEvent{}, err
	}
	return ev, nil
}

var errDuplicate = errors.New("duplicate close")

// =============================================================================
// REWARD HISTORY
// =============================================================================

const rewardColumns = `r.id, r.customer_id, r.season_close_event_id, r.unit_index, r.gift_description,
	r.gift_value, r.gift_status, r.exceptional, r.season_ids, r.season_names, r.reward_date,
	r.delivered_at`

func scanReward(row interface{ Scan(...any) error }) (ledger.RewardHistory, error) {
	var (
		r           ledger.RewardHistory
		value       decimal.NullDecimal
		status      string
		seasonIDs   []byte
		seasonNames []byte
		rewardDate  dbTime
		deliveredAt dbTime
	)
	err := row.Scan(&r.ID, &r.CustomerID, &r.SeasonCloseEventID, &r.UnitIndex, &r.GiftDescription,
		&value, &status, &r.Exceptional, &seasonIDs, &seasonNames, &rewardDate, &deliveredAt)
	if err != nil {
		return ledger.RewardHistory{}, err
	}
	if value.Valid {
		v, err := money.FromDecimal(value.Decimal)
		if err != nil {
			return ledger.RewardHistory{}, err
		}
		r.GiftValue = &v
	}
	r.GiftStatus = ledger.GiftStatus(status)
	if err := json.Unmarshal(seasonIDs, &r.SeasonIDs); err != nil {
		return ledger.RewardHistory{}, fmt.Errorf("failed to decode season ids: %w", err)
	}
	if err := json.Unmarshal(seasonNames, &r.SeasonNames); err != nil {
		return ledger.RewardHistory{}, fmt.Errorf("failed to decode season names: %w", err)
	}
	r.RewardDate = rewardDate.Time
	r.DeliveredAt = deliveredAt.ptr()
	return r, nil
}

func (s *Store) ListRewards(ctx context.Context, eventID ledger.EventID) ([]ledger.RewardHistory, error) {
	defer s.rlock()()
	return s.rewards(ctx, s.db, eventID)
}

func (s *Store) rewards(ctx context.Context, db querier, eventID ledger.EventID) ([]ledger.RewardHistory, error) {
	rows, err := db.QueryContext(ctx, s.q(`SELECT `+rewardColumns+`
		FROM reward_history r WHERE r.season_close_event_id = ? ORDER BY r.unit_index`), eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	defer rows.Close()

	out := []ledger.RewardHistory{}
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordRewards inserts rows unless the event already has rewards, in which
// case the existing rows are returned with created=false.
func (s *Store) RecordRewards(ctx context.Context, eventID ledger.EventID, rows []ledger.RewardHistory) ([]ledger.RewardHistory, bool, error) {
	var (
		out     []ledger.RewardHistory
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.closeEvent(ctx, tx, eventID); err != nil {
			return err
		}
		existing, err := s.rewards(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing
			return nil
		}

		for _, r := range rows {
			ids, err := json.Marshal(r.SeasonIDs)
			if err != nil {
				return err
			}
			names, err := json.Marshal(r.SeasonNames)
			if err != nil {
				return err
			}
			var value any
			if r.GiftValue != nil {
				value = *r.GiftValue
			}
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO reward_history (id, customer_id,
				season_close_event_id, unit_index, gift_description, gift_value, gift_status,
				exceptional, season_ids, season_names, reward_date, delivered_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				r.ID, r.CustomerID, eventID, r.UnitIndex, r.GiftDescription, value, string(r.GiftStatus),
				r.Exceptional, string(ids), string(names), s.timeArg(r.RewardDate), s.nullTimeArg(r.DeliveredAt))
			if err != nil {
				if s.dialect.IsUniqueViolation(err) {
					return errRewardsRaced
				}
				return fmt.Errorf("failed to insert reward: %w", err)
			}
		}

		out, err = s.rewards(ctx, tx, eventID)
		created = true
		return err
	})

	if errors.Is(err, errRewardsRaced) {
		// Another caller recorded this event's rewards first.
		existing, err := s.ListRewards(ctx, eventID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

var errRewardsRaced = errors.New("rewards already recorded")

// MarkDelivered is the only update reward_history allows.
func (s *Store) MarkDelivered(ctx context.Context, id ledger.RewardID, at time.Time) (ledger.RewardHistory, error) {
	var out ledger.RewardHistory
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`UPDATE reward_history SET gift_status = ?, delivered_at = ?
			WHERE id = ? AND gift_status <> ?`),
			string(ledger.GiftDelivered), s.timeArg(at), id, string(ledger.GiftDelivered))
		if err != nil {
			return fmt.Errorf("failed to mark delivered: %w", err)
		}

		row := tx.QueryRowContext(ctx, s.q(`SELECT `+rewardColumns+` FROM reward_history r WHERE r.id = ?`), id)
		out, err = scanReward(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrRewardNotFound
		}
		return err
	})
	return out, err
}

func (s *Store) ListRewardHistory(ctx context.Context, f ledger.HistoryFilter, page ledger.Page) ([]ledger.HistoryRow, int, error) {
	defer s.rlock()()

	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		where = append(where, "r.customer_id = ?")
		args = append(args, *f.CustomerID)
	}
	if f.SeasonID != nil {
		where = append(where, "e.season_id = ?")
		args = append(args, *f.SeasonID)
	}
	if f.Status != "" {
		where = append(where, "r.gift_status = ?")
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		where = append(where, "r.reward_date >= ?")
		args = append(args, s.timeArg(*f.From))
	}
	if f.To != nil {
		where = append(where, "r.reward_date < ?")
		args = append(args, s.timeArg(*f.To))
	}
	from := ` FROM reward_history r JOIN season_close_event e ON e.id = r.season_close_event_id` + whereClause(where)

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*)`+from), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count reward history: %w", err)
	}

	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+rewardColumns+`, `+joinedEventColumns+from+`
		ORDER BY r.reward_date DESC, r.season_close_event_id, r.unit_index LIMIT ? OFFSET ?`),
		append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list reward history: %w", err)
	}
	defer rows.Close()

	var out []ledger.HistoryRow
	for rows.Next() {
		r, err := scanHistoryRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

const joinedEventColumns = `e.id, e.customer_id, e.season_id, e.previous_pending, e.current_season_debt,
	e.total_after_close, e.reward_count_issued, e.remaining_after_close, e.shortage_to_next,
	e.threshold, e.closed_at`

// scanFunc adapts a function to the Scan interface of scanReward and scanEvent.
type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// scanHistoryRow reads rewardColumns followed by joinedEventColumns in one
// Scan, reusing the reward and event decoders.
func scanHistoryRow(row interface{ Scan(...any) error }) (ledger.HistoryRow, error) {
	var out ledger.HistoryRow
	ev, err := scanEvent(scanFunc(func(eventDest ...any) error {
		var err error
		out.Reward, err = scanReward(scanFunc(func(rewardDest ...any) error {
			return row.Scan(append(rewardDest, eventDest...)...)
		}))
		return err
	}))
	if err != nil {
		return ledger.HistoryRow{}, err
	}
	out.Event = ev
	return out, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

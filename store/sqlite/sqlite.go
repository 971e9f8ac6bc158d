/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Opens a SQLite database, migrates the ledger schema and hands it to
  sqlstore. Amounts are INTEGER columns (whole VND), timestamps are
  fixed-width UTC text so they sort chronologically.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  Write transactions are additionally serialized in-process.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  closer, _ := ledger.NewCloser(store, debts, threshold)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/agrimart/season-ledger/store/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customer_accumulation (
		customer_id INTEGER PRIMARY KEY,
		pending_balance INTEGER NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
		total_accumulated INTEGER NOT NULL DEFAULT 0 CHECK (total_accumulated >= 0),
		reward_count INTEGER NOT NULL DEFAULT 0 CHECK (reward_count >= 0),
		last_reward_date TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,

	// Append-only: one close per customer and season.
	`CREATE TABLE IF NOT EXISTS season_close_event (
		id TEXT PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		season_id INTEGER NOT NULL,
		previous_pending INTEGER NOT NULL,
		current_season_debt INTEGER NOT NULL,
		total_after_close INTEGER NOT NULL,
		reward_count_issued INTEGER NOT NULL,
		remaining_after_close INTEGER NOT NULL,
		shortage_to_next INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		closed_at TEXT NOT NULL,
		UNIQUE (customer_id, season_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_close_event_customer
		ON season_close_event(customer_id, closed_at)`,

	`CREATE TABLE IF NOT EXISTS reward_history (
		id TEXT PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		season_close_event_id TEXT NOT NULL REFERENCES season_close_event(id),
		unit_index INTEGER NOT NULL,
		gift_description TEXT NOT NULL,
		gift_value INTEGER,
		gift_status TEXT NOT NULL,
		exceptional INTEGER NOT NULL DEFAULT 0,
		season_ids TEXT NOT NULL,
		season_names TEXT NOT NULL,
		reward_date TEXT NOT NULL,
		delivered_at TEXT,
		UNIQUE (season_close_event_id, unit_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_history_customer
		ON reward_history(customer_id, reward_date)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_history_date
		ON reward_history(reward_date)`,
}

// Dialect is the SQLite flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	Schema:            schema,
	TimeAsText:        true,
	SerializeWrites:   true,
	IsUniqueViolation: isUniqueConstraintError,
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store, err := sqlstore.Open(context.Background(), db, Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

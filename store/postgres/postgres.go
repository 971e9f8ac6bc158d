// Package postgres provides a PostgreSQL-backed ledger.Store through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agrimart/season-ledger/store/sqlstore"
)

// uniqueViolation is the SQLSTATE of a unique or primary key failure.
const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customer_accumulation (
		customer_id BIGINT PRIMARY KEY,
		pending_balance NUMERIC(20,0) NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
		total_accumulated NUMERIC(20,0) NOT NULL DEFAULT 0 CHECK (total_accumulated >= 0),
		reward_count BIGINT NOT NULL DEFAULT 0 CHECK (reward_count >= 0),
		last_reward_date TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS season_close_event (
		id TEXT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		season_id BIGINT NOT NULL,
		previous_pending NUMERIC(20,0) NOT NULL,
		current_season_debt NUMERIC(20,0) NOT NULL,
		total_after_close NUMERIC(20,0) NOT NULL,
		reward_count_issued BIGINT NOT NULL,
		remaining_after_close NUMERIC(20,0) NOT NULL,
		shortage_to_next NUMERIC(20,0) NOT NULL,
		threshold NUMERIC(20,0) NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		UNIQUE (customer_id, season_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_close_event_customer
		ON season_close_event(customer_id, closed_at)`,
	`CREATE TABLE IF NOT EXISTS reward_history (
		id TEXT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		season_close_event_id TEXT NOT NULL REFERENCES season_close_event(id),
		unit_index INTEGER NOT NULL,
		gift_description TEXT NOT NULL,
		gift_value NUMERIC(20,0),
		gift_status TEXT NOT NULL,
		exceptional BOOLEAN NOT NULL DEFAULT FALSE,
		season_ids JSONB NOT NULL,
		season_names JSONB NOT NULL,
		reward_date TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ,
		UNIQUE (season_close_event_id, unit_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_history_customer
		ON reward_history(customer_id, reward_date)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_history_date
		ON reward_history(reward_date)`,
}

// Dialect is the PostgreSQL flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Schema:            schema,
	NumberedParams:    true,
	IsUniqueViolation: isUniqueViolation,
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := sqlstore.Open(ctx, db, Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Package postgres archives the BLOCKGRAVE ledger feed: links, trades and
// market events, one row per entry, keyed by sequence number.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Migrate creates the archive tables when missing.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// BeginTx starts a new transaction
func (c *Client) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

const schema = `
CREATE TABLE IF NOT EXISTS links (
	seq           BIGINT NOT NULL,
	session_id    UUID NOT NULL,
	link_id       TEXT NOT NULL,
	job_id        TEXT NOT NULL,
	name          TEXT NOT NULL,
	difficulty    DOUBLE PRECISION NOT NULL,
	linklets      DOUBLE PRECISION[] NOT NULL,
	minted_value  NUMERIC(28, 8) NOT NULL,
	owner         TEXT NOT NULL,
	previous_hash CHAR(64) NOT NULL,
	header_hash   CHAR(64) NOT NULL,
	tick          BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq),
	UNIQUE (session_id, link_id)
);

CREATE TABLE IF NOT EXISTS trades (
	seq           BIGINT NOT NULL,
	session_id    UUID NOT NULL,
	trade_id      UUID NOT NULL,
	link_id       TEXT,
	side          TEXT NOT NULL,
	amount        NUMERIC(28, 8) NOT NULL,
	seller        TEXT NOT NULL,
	buyer         TEXT NOT NULL,
	unit_price    NUMERIC(28, 8) NOT NULL,
	price_credits NUMERIC(28, 8) NOT NULL,
	price_chain   NUMERIC(28, 8) NOT NULL,
	tick          BIGINT NOT NULL,
	executed_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq),
	UNIQUE (session_id, trade_id)
);
CREATE INDEX IF NOT EXISTS trades_link_id_idx ON trades (link_id);

CREATE TABLE IF NOT EXISTS market_events (
	seq          BIGINT NOT NULL,
	session_id   UUID NOT NULL,
	event_id     UUID NOT NULL,
	kind         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	magnitude    DOUBLE PRECISION NOT NULL,
	payload      JSONB NOT NULL,
	note         TEXT NOT NULL,
	link_job_id  TEXT,
	tick         BIGINT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq),
	UNIQUE (session_id, event_id)
);
`

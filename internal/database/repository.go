package database

import (
	"context"
	"fmt"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the standard interface for the trade log.
type Repository interface {
	LogTrade(ctx context.Context, trade model.TradeRecord) error
}

// PostgresRepository stores trade records in PostgreSQL.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to the database at dsn.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

const createTradeRecordsSQL = `
CREATE TABLE IF NOT EXISTS trade_records (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	venue VARCHAR(50) NOT NULL,
	ticker VARCHAR(20) NOT NULL,
	side VARCHAR(4) NOT NULL,
	price NUMERIC(30, 10) NOT NULL,
	quantity NUMERIC(30, 10) NOT NULL
);
CREATE INDEX IF NOT EXISTS trade_records_ticker_ts_idx ON trade_records (ticker, timestamp);`

// Migrate creates the trade_records table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createTradeRecordsSQL); err != nil {
		return fmt.Errorf("database: migrate: %w", err)
	}
	return nil
}

// LogTrade inserts one trade record.
func (r *PostgresRepository) LogTrade(ctx context.Context, trade model.TradeRecord) error {
	const q = `INSERT INTO trade_records (timestamp, venue, ticker, side, price, quantity)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric)`
	_, err := r.Pool.Exec(ctx, q,
		trade.Timestamp,
		trade.Venue,
		trade.Ticker,
		string(trade.Side),
		trade.Price.String(),
		trade.Quantity.String(),
	)
	if err != nil {
		return fmt.Errorf("database: insert trade: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.Pool.Close()
	return nil
}

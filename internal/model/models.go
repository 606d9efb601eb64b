package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies which leg of the arbitrage a venue serves.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that offsets s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// PriceLevel is a single price+size entry of an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a snapshot of one venue's book.
// Bids are sorted best-first by descending price, asks by ascending price.
type OrderBook struct {
	Venue     string
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	AsOf      uint64
	FetchedAt time.Time
}

// Ready reports whether both sides of the book carry at least one level.
// A one-sided book must never be acted on.
func (b OrderBook) Ready() bool {
	return len(b.Bids) > 0 && len(b.Asks) > 0
}

// BestBid returns the top bid price. Callers must check Ready first.
func (b OrderBook) BestBid() decimal.Decimal {
	return b.Bids[0].Price
}

// BestAsk returns the top ask price. Callers must check Ready first.
func (b OrderBook) BestAsk() decimal.Decimal {
	return b.Asks[0].Price
}

// OrderRequest is the venue-neutral description of an order.
// Price is ignored for market orders.
type OrderRequest struct {
	Ticker   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Type     OrderType
	PostOnly bool
}

// TradeRecord is one completed leg, appended to the trade log for audit.
type TradeRecord struct {
	ID        int64           `db:"id"`
	Timestamp time.Time       `db:"timestamp"`
	Venue     string          `db:"venue"`
	Ticker    string          `db:"ticker"`
	Side      Side            `db:"side"`
	Price     decimal.Decimal `db:"price"`
	Quantity  decimal.Decimal `db:"quantity"`
}

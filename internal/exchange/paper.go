package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fill is one simulated execution.
type Fill struct {
	OrderID  string
	Ticker   string
	Side     model.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
}

// PaperClient simulates execution against another venue's live book.
// Orders fill immediately; positions are tracked in memory.
type PaperClient struct {
	logger *slog.Logger
	source Client

	mu        sync.Mutex
	positions map[string]decimal.Decimal
	fills     []Fill
}

// NewPaperClient wraps source, which provides market data only.
func NewPaperClient(logger *slog.Logger, source Client) *PaperClient {
	return &PaperClient{
		logger:    logger,
		source:    source,
		positions: make(map[string]decimal.Decimal),
	}
}

func (p *PaperClient) GetName() string {
	return "paper"
}

// GetOrderbook delegates to the market data source.
func (p *PaperClient) GetOrderbook(ctx context.Context, ticker string) (model.OrderBook, error) {
	return p.source.GetOrderbook(ctx, ticker)
}

// StartStream forwards to the source when it is a streaming client.
func (p *PaperClient) StartStream(ctx context.Context, ticker string) error {
	if s, ok := p.source.(Streamer); ok {
		return s.StartStream(ctx, ticker)
	}
	return nil
}

// PlaceOrder fills the order at once. A post-only limit that would cross
// the opposite best price is rejected, as a real venue would.
func (p *PaperClient) PlaceOrder(ctx context.Context, order model.OrderRequest) (string, error) {
	if !order.Quantity.IsPositive() {
		return "", fmt.Errorf("paper: %w: quantity must be positive", ErrOrderRejected)
	}
	book, err := p.source.GetOrderbook(ctx, order.Ticker)
	if err != nil {
		return "", fmt.Errorf("paper: place order: %w", err)
	}
	if !book.Ready() {
		return "", fmt.Errorf("paper: place order: %w", ErrNoData)
	}

	price := order.Price
	switch order.Type {
	case model.OrderTypeMarket:
		if order.Side == model.SideBuy {
			price = book.BestAsk()
		} else {
			price = book.BestBid()
		}
	case model.OrderTypeLimit:
		if order.PostOnly {
			if order.Side == model.SideBuy && price.GreaterThanOrEqual(book.BestAsk()) {
				return "", fmt.Errorf("paper: %w: post-only buy at %s crosses ask %s", ErrOrderRejected, price, book.BestAsk())
			}
			if order.Side == model.SideSell && price.LessThanOrEqual(book.BestBid()) {
				return "", fmt.Errorf("paper: %w: post-only sell at %s crosses bid %s", ErrOrderRejected, price, book.BestBid())
			}
		}
	default:
		return "", fmt.Errorf("paper: %w: unknown order type %q", ErrOrderRejected, order.Type)
	}

	fill := Fill{
		OrderID:  uuid.New().String(),
		Ticker:   strings.ToUpper(order.Ticker),
		Side:     order.Side,
		Price:    price,
		Quantity: order.Quantity,
		Time:     time.Now().UTC(),
	}

	p.mu.Lock()
	qty := order.Quantity
	if order.Side == model.SideSell {
		qty = qty.Neg()
	}
	p.positions[fill.Ticker] = p.positions[fill.Ticker].Add(qty)
	p.fills = append(p.fills, fill)
	p.mu.Unlock()

	p.logger.Info("PaperClient: order filled",
		"orderId", fill.OrderID,
		"side", fill.Side,
		"price", fill.Price.String(),
		"quantity", fill.Quantity.String(),
	)
	return fill.OrderID, nil
}

// GetPosition returns the simulated net position.
func (p *PaperClient) GetPosition(ctx context.Context, ticker string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[strings.ToUpper(ticker)], nil
}

// Fills returns a copy of all simulated fills.
func (p *PaperClient) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}

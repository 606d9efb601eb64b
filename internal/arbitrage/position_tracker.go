package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/exchange"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/shopspring/decimal"
)

type positionSlot struct {
	client exchange.Client
	net    atomic.Pointer[decimal.Decimal]
}

// PositionTracker keeps the last known net position per venue.
type PositionTracker struct {
	logger *slog.Logger
	ticker string
	slots  map[model.Role]*positionSlot
}

// NewPositionTracker creates a tracker for the maker and taker venues.
func NewPositionTracker(logger *slog.Logger, ticker string, maker, taker exchange.Client) *PositionTracker {
	return &PositionTracker{
		logger: logger.With("component", "position_tracker"),
		ticker: ticker,
		slots: map[model.Role]*positionSlot{
			model.RoleMaker: {client: maker},
			model.RoleTaker: {client: taker},
		},
	}
}

// Refresh queries the venue for role; on failure the previous value stays.
func (p *PositionTracker) Refresh(ctx context.Context, role model.Role) error {
	slot, ok := p.slots[role]
	if !ok {
		return fmt.Errorf("position tracker: unknown role %q", role)
	}
	net, err := slot.client.GetPosition(ctx, p.ticker)
	if err != nil {
		return fmt.Errorf("position tracker: %s: %w", role, err)
	}
	slot.net.Store(&net)
	return nil
}

// Run refreshes role every interval until ctx is cancelled. Each venue gets
// its own loop so a slow venue never delays the other's reading.
func (p *PositionTracker) Run(ctx context.Context, role model.Role, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Refresh(ctx, role); err != nil && ctx.Err() == nil {
			p.logger.Warn("Position refresh failed, keeping last value", "role", role, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Read returns the last known net position, zero before the first success.
func (p *PositionTracker) Read(role model.Role) decimal.Decimal {
	slot, ok := p.slots[role]
	if !ok {
		return decimal.Zero
	}
	if net := slot.net.Load(); net != nil {
		return *net
	}
	return decimal.Zero
}

package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/exchange"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
)

// UpdateFunc observes a book after it has been stored.
type UpdateFunc func(ctx context.Context, role model.Role, book model.OrderBook)

type bookSlot struct {
	client exchange.Client
	book   atomic.Pointer[model.OrderBook]
	seq    uint64 // written only by the slot's refresh loop
}

// BookCache holds the last good order book of each venue.
// Each slot has a single writer (its Run loop); reads never block.
type BookCache struct {
	logger   *slog.Logger
	ticker   string
	slots    map[model.Role]*bookSlot
	onUpdate UpdateFunc
	now      func() time.Time
}

// NewBookCache creates a cache fed by the maker and taker clients.
func NewBookCache(logger *slog.Logger, ticker string, maker, taker exchange.Client) *BookCache {
	return &BookCache{
		logger: logger.With("component", "book_cache"),
		ticker: ticker,
		slots: map[model.Role]*bookSlot{
			model.RoleMaker: {client: maker},
			model.RoleTaker: {client: taker},
		},
		now: time.Now,
	}
}

// OnUpdate registers fn to be called after every successful refresh.
// It must be set before Run is started.
func (c *BookCache) OnUpdate(fn UpdateFunc) {
	c.onUpdate = fn
}

// Refresh fetches one snapshot for role. A failed fetch or a one-sided book
// leaves the stored snapshot untouched. A FetchedAt set by the adapter, as
// streamed books carry, is kept so a silent feed ages normally.
func (c *BookCache) Refresh(ctx context.Context, role model.Role) error {
	slot, ok := c.slots[role]
	if !ok {
		return fmt.Errorf("book cache: unknown role %q", role)
	}

	book, err := slot.client.GetOrderbook(ctx, c.ticker)
	if err != nil {
		return fmt.Errorf("book cache: %s: %w", role, err)
	}
	if !book.Ready() {
		return fmt.Errorf("book cache: %s: one-sided book (%d bids, %d asks)", role, len(book.Bids), len(book.Asks))
	}

	if book.FetchedAt.IsZero() {
		book.FetchedAt = c.now()
	} else if prev := slot.book.Load(); prev != nil && !book.FetchedAt.After(prev.FetchedAt) {
		// Same streamed snapshot as last time.
		return nil
	}

	slot.seq++
	book.AsOf = slot.seq
	slot.book.Store(&book)

	if c.onUpdate != nil {
		c.onUpdate(ctx, role, book)
	}
	return nil
}

// Run refreshes role every interval until ctx is cancelled. Errors are
// logged and never stop the loop.
func (c *BookCache) Run(ctx context.Context, role model.Role, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx, role); err != nil && ctx.Err() == nil {
			c.logger.Warn("Order book refresh failed, keeping last snapshot", "role", role, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Read returns the latest snapshot for role, or false while none is ready.
func (c *BookCache) Read(role model.Role) (model.OrderBook, bool) {
	slot, ok := c.slots[role]
	if !ok {
		return model.OrderBook{}, false
	}
	book := slot.book.Load()
	if book == nil {
		return model.OrderBook{}, false
	}
	return *book, true
}

// Ready reports whether both venues have produced a snapshot.
func (c *BookCache) Ready() bool {
	_, makerOK := c.Read(model.RoleMaker)
	_, takerOK := c.Read(model.RoleTaker)
	return makerOK && takerOK
}

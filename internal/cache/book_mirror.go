package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/redis/go-redis/v9"
)

// BookMirror publishes the best bid and offer of each venue to a Redis hash.
//
// Key schema:
//
//	arb:book:{role}:{ticker} - hash with fields bid, ask, seq, ts (unix nanos)
type BookMirror struct {
	logger  *slog.Logger
	rdb     *redis.Client
	ticker  string
	timeout time.Duration
}

// DefaultMirrorTimeout bounds one publish from the book refresh loop.
const DefaultMirrorTimeout = 200 * time.Millisecond

// NewBookMirror creates a BookMirror for ticker.
func NewBookMirror(logger *slog.Logger, c *Client, ticker string) *BookMirror {
	return &BookMirror{
		logger:  logger.With("component", "book_mirror"),
		rdb:     c.rdb,
		ticker:  ticker,
		timeout: DefaultMirrorTimeout,
	}
}

// BookKey returns the hash key for a role and ticker.
func BookKey(role model.Role, ticker string) string {
	return "arb:book:" + string(role) + ":" + ticker
}

// Publish writes the top of book. The book must be ready.
func (m *BookMirror) Publish(ctx context.Context, role model.Role, book model.OrderBook) error {
	key := BookKey(role, m.ticker)
	err := m.rdb.HSet(ctx, key,
		"bid", book.BestBid().String(),
		"ask", book.BestAsk().String(),
		"seq", strconv.FormatUint(book.AsOf, 10),
		"ts", strconv.FormatInt(book.FetchedAt.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: publish book %s: %w", key, err)
	}
	return nil
}

// Observe is a book cache observer. It runs inside the venue's refresh loop,
// so each publish is bounded by the mirror timeout. Publishing errors are
// logged and dropped.
func (m *BookMirror) Observe(ctx context.Context, role model.Role, book model.OrderBook) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.Publish(pctx, role, book); err != nil && ctx.Err() == nil {
		m.logger.Warn("Failed to mirror order book", "role", role, "error", err)
	}
}

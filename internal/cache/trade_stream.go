package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps each trade stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// TradeStream appends trade records to the Redis stream arb:trades:{ticker}.
type TradeStream struct {
	rdb *redis.Client
}

// NewTradeStream creates a TradeStream backed by c.
func NewTradeStream(c *Client) *TradeStream {
	return &TradeStream{rdb: c.rdb}
}

// TradeStreamKey returns the stream name for ticker.
func TradeStreamKey(ticker string) string {
	return "arb:trades:" + ticker
}

// LogTrade appends one record.
func (s *TradeStream) LogTrade(ctx context.Context, trade model.TradeRecord) error {
	stream := TradeStreamKey(trade.Ticker)
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"timestamp": trade.Timestamp.UTC().Format(time.RFC3339Nano),
			"venue":     trade.Venue,
			"side":      string(trade.Side),
			"price":     trade.Price.String(),
			"quantity":  trade.Quantity.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource serves a fixed book.
type staticSource struct {
	book model.OrderBook
	err  error
}

func (s *staticSource) GetName() string { return "static" }
func (s *staticSource) GetOrderbook(ctx context.Context, ticker string) (model.OrderBook, error) {
	return s.book, s.err
}
func (s *staticSource) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	return "", errors.New("static source does not trade")
}
func (s *staticSource) GetPosition(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func bookOf(bid, ask int64) model.OrderBook {
	return model.OrderBook{
		Bids: []model.PriceLevel{{Price: decimal.NewFromInt(bid), Size: decimal.NewFromInt(1)}},
		Asks: []model.PriceLevel{{Price: decimal.NewFromInt(ask), Size: decimal.NewFromInt(1)}},
	}
}

func TestPaperClient_PlaceOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("resting post-only buy fills at its price", func(t *testing.T) {
		p := NewPaperClient(discardLogger(), &staticSource{book: bookOf(100, 101)})
		id, err := p.PlaceOrder(ctx, model.OrderRequest{
			Ticker: "btc", Side: model.SideBuy, Price: decimal.NewFromInt(100),
			Quantity: decimal.NewFromInt(2), Type: model.OrderTypeLimit, PostOnly: true,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		pos, err := p.GetPosition(ctx, "BTC")
		require.NoError(t, err)
		assert.True(t, pos.Equal(decimal.NewFromInt(2)))

		fills := p.Fills()
		require.Len(t, fills, 1)
		assert.Equal(t, id, fills[0].OrderID)
		assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(100)))
	})

	t.Run("crossing post-only orders are rejected", func(t *testing.T) {
		p := NewPaperClient(discardLogger(), &staticSource{book: bookOf(100, 101)})

		_, err := p.PlaceOrder(ctx, model.OrderRequest{
			Ticker: "BTC", Side: model.SideBuy, Price: decimal.NewFromInt(101),
			Quantity: decimal.NewFromInt(1), Type: model.OrderTypeLimit, PostOnly: true,
		})
		assert.ErrorIs(t, err, ErrOrderRejected)

		_, err = p.PlaceOrder(ctx, model.OrderRequest{
			Ticker: "BTC", Side: model.SideSell, Price: decimal.NewFromInt(100),
			Quantity: decimal.NewFromInt(1), Type: model.OrderTypeLimit, PostOnly: true,
		})
		assert.ErrorIs(t, err, ErrOrderRejected)

		assert.Empty(t, p.Fills())
	})

	t.Run("market sell fills at best bid and goes short", func(t *testing.T) {
		p := NewPaperClient(discardLogger(), &staticSource{book: bookOf(112, 113)})
		_, err := p.PlaceOrder(ctx, model.OrderRequest{
			Ticker: "BTC", Side: model.SideSell, Quantity: decimal.RequireFromString("0.5"), Type: model.OrderTypeMarket,
		})
		require.NoError(t, err)

		fills := p.Fills()
		require.Len(t, fills, 1)
		assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(112)))

		pos, _ := p.GetPosition(ctx, "BTC")
		assert.True(t, pos.Equal(decimal.RequireFromString("-0.5")))
	})

	t.Run("no market data", func(t *testing.T) {
		p := NewPaperClient(discardLogger(), &staticSource{book: model.OrderBook{}})
		_, err := p.PlaceOrder(ctx, model.OrderRequest{
			Ticker: "BTC", Side: model.SideBuy, Quantity: decimal.NewFromInt(1), Type: model.OrderTypeMarket,
		})
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("zero quantity", func(t *testing.T) {
		p := NewPaperClient(discardLogger(), &staticSource{book: bookOf(100, 101)})
		_, err := p.PlaceOrder(ctx, model.OrderRequest{Ticker: "BTC", Side: model.SideBuy, Type: model.OrderTypeMarket})
		assert.ErrorIs(t, err, ErrOrderRejected)
	})
}

func TestNewClient(t *testing.T) {
	cfgs := map[string]config.ExchangeConfig{
		"binance": {BaseURL: "http://localhost"},
		"kraken":  {BaseURL: "http://localhost"},
		"paper":   {Source: "kraken"},
	}
	logger := discardLogger()

	c, err := NewClient("binance", logger, cfgs)
	require.NoError(t, err)
	assert.IsType(t, &BinanceClient{}, c)

	c, err = NewClient("kraken", logger, cfgs)
	require.NoError(t, err)
	assert.IsType(t, &KrakenClient{}, c)

	c, err = NewClient("paper", logger, cfgs)
	require.NoError(t, err)
	paper, ok := c.(*PaperClient)
	require.True(t, ok)
	assert.IsType(t, &KrakenClient{}, paper.source)

	_, err = NewClient("lighter", logger, cfgs)
	assert.ErrorContains(t, err, "unknown exchange")

	cfgs["paper"] = config.ExchangeConfig{Source: "paper"}
	_, err = NewClient("paper", logger, cfgs)
	assert.Error(t, err)
}

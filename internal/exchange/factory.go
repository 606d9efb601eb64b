package exchange

import (
	"fmt"
	"log/slog"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
)

// NewClient creates a new exchange client based on the given name and configuration.
// A paper client wraps the client named by its source setting for market data.
func NewClient(name string, logger *slog.Logger, cfgs map[string]config.ExchangeConfig) (Client, error) {
	switch name {
	case "kraken":
		return NewKrakenClient(logger, cfgs["kraken"]), nil
	case "binance":
		return NewBinanceClient(logger, cfgs["binance"]), nil
	case "paper":
		src := cfgs["paper"].Source
		if src == "" || src == "paper" {
			return nil, fmt.Errorf("paper exchange needs a market data source, got %q", src)
		}
		source, err := NewClient(src, logger, cfgs)
		if err != nil {
			return nil, fmt.Errorf("paper source: %w", err)
		}
		return NewPaperClient(logger, source), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
}

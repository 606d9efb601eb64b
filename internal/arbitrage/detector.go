package arbitrage

import (
	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/shopspring/decimal"
)

// Action is the outcome of one detection cycle.
type Action int

const (
	Hold Action = iota
	LongMaker
	ShortMaker
)

func (a Action) String() string {
	switch a {
	case LongMaker:
		return "long_maker"
	case ShortMaker:
		return "short_maker"
	default:
		return "hold"
	}
}

// Decision is derived fresh every cycle and never stored.
type Decision struct {
	Action       Action
	TriggerPrice decimal.Decimal
}

// Side returns the maker leg side for the decision.
func (d Decision) Side() model.Side {
	if d.Action == ShortMaker {
		return model.SideSell
	}
	return model.SideBuy
}

// Detect compares the two books against the configured thresholds.
//
// Long is checked first: buy on the maker at its best bid when the taker
// bids more than LongThreshold above it. Short mirrors that on the ask side.
// Each direction is gated by MaxPosition against the maker's net position,
// so with MaxPosition zero and a flat position nothing is ever opened.
func Detect(maker, taker model.OrderBook, netPosition decimal.Decimal, cfg config.EngineConfig) Decision {
	if !maker.Ready() || !taker.Ready() {
		return Decision{Action: Hold}
	}

	longSpread := taker.BestBid().Sub(maker.BestBid())
	if longSpread.GreaterThan(cfg.LongThreshold) && netPosition.LessThan(cfg.MaxPosition) {
		return Decision{Action: LongMaker, TriggerPrice: maker.BestBid()}
	}

	shortSpread := maker.BestAsk().Sub(taker.BestAsk())
	if shortSpread.GreaterThan(cfg.ShortThreshold) && netPosition.GreaterThan(cfg.MaxPosition.Neg()) {
		return Decision{Action: ShortMaker, TriggerPrice: maker.BestAsk()}
	}

	return Decision{Action: Hold}
}

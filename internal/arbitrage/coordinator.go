package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/database"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/exchange"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
)

var (
	// ErrTradeInFlight is returned when a decision arrives while another
	// leg sequence is still running.
	ErrTradeInFlight = errors.New("trade already in flight")
	// ErrMakerLeg wraps any failure to place the maker order.
	ErrMakerLeg = errors.New("maker leg failed")
	// ErrHedgeLeg wraps any failure to place the taker hedge.
	ErrHedgeLeg = errors.New("hedge leg failed")
	// ErrEmptyOrderID is returned when a venue reports success without an id.
	ErrEmptyOrderID = errors.New("venue returned empty order id")
)

// State is the progress of one leg sequence.
type State int32

const (
	StateIdle State = iota
	StateMakerPlaced
	StateMakerFilledOrTimedOut
	StateHedgePlaced
	StateRecorded
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMakerPlaced:
		return "maker_placed"
	case StateMakerFilledOrTimedOut:
		return "maker_filled_or_timed_out"
	case StateHedgePlaced:
		return "hedge_placed"
	case StateRecorded:
		return "recorded"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result describes a finished leg sequence.
type Result struct {
	State        State
	MakerOrderID string
	HedgeOrderID string
	Record       *model.TradeRecord
}

// Coordinator runs the maker-then-hedge sequence for a decision.
// At most one sequence runs at a time.
type Coordinator struct {
	logger *slog.Logger
	maker  exchange.Client
	taker  exchange.Client
	repo   database.Repository
	cfg    config.EngineConfig

	busy  atomic.Bool
	state atomic.Int32

	sleep func(time.Duration)
	now   func() time.Time
}

// NewCoordinator creates a Coordinator. repo receives one record per completed trade.
func NewCoordinator(logger *slog.Logger, maker, taker exchange.Client, repo database.Repository, cfg config.EngineConfig) *Coordinator {
	return &Coordinator{
		logger: logger.With("component", "coordinator"),
		maker:  maker,
		taker:  taker,
		repo:   repo,
		cfg:    cfg,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// State returns the state of the current or last sequence.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// InFlight reports whether a sequence is running.
func (c *Coordinator) InFlight() bool {
	return c.busy.Load()
}

func (c *Coordinator) transition(s State) {
	c.state.Store(int32(s))
	c.logger.Debug("Coordinator: state change", "state", s.String())
}

// Execute runs the leg sequence for d. Hold is a no-op. If another sequence
// is in flight it returns ErrTradeInFlight without touching either venue.
//
// Cancelling ctx does not interrupt a started sequence: a resting maker
// order must always be followed by its hedge attempt.
func (c *Coordinator) Execute(ctx context.Context, d Decision) (Result, error) {
	if d.Action == Hold {
		return Result{State: StateIdle}, nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return Result{State: c.State()}, ErrTradeInFlight
	}
	defer func() {
		c.busy.Store(false)
	}()

	legCtx := context.WithoutCancel(ctx)
	res := Result{State: StateIdle}
	c.transition(StateIdle)

	side := d.Side()
	makerID, err := c.placeLeg(legCtx, c.maker, model.OrderRequest{
		Ticker:   c.cfg.Ticker,
		Side:     side,
		Price:    d.TriggerPrice,
		Quantity: c.cfg.OrderQuantity,
		Type:     model.OrderTypeLimit,
		PostOnly: true,
	})
	if err != nil {
		c.transition(StateAborted)
		res.State = StateAborted
		c.logger.Warn("Maker order failed, trade aborted",
			"venue", c.maker.GetName(),
			"side", side,
			"price", d.TriggerPrice.String(),
			"error", err,
		)
		return res, fmt.Errorf("%w: %w", ErrMakerLeg, err)
	}
	res.MakerOrderID = makerID
	c.transition(StateMakerPlaced)
	c.logger.Info("Maker order placed",
		"venue", c.maker.GetName(),
		"orderId", makerID,
		"side", side,
		"price", d.TriggerPrice.String(),
		"quantity", c.cfg.OrderQuantity.String(),
	)

	// No fill status is queried; the timeout stands in for the fill and the
	// hedge is always sent for the full quantity.
	c.sleep(c.cfg.FillTimeout)
	c.transition(StateMakerFilledOrTimedOut)

	hedgeSide := side.Opposite()
	hedgeID, err := c.placeLeg(legCtx, c.taker, model.OrderRequest{
		Ticker:   c.cfg.Ticker,
		Side:     hedgeSide,
		Quantity: c.cfg.OrderQuantity,
		Type:     model.OrderTypeMarket,
	})
	if err != nil {
		c.transition(StateAborted)
		res.State = StateAborted
		c.logger.Error("Hedge order failed, position is unhedged",
			"venue", c.taker.GetName(),
			"makerOrderId", makerID,
			"side", hedgeSide,
			"quantity", c.cfg.OrderQuantity.String(),
			"error", err,
		)
		return res, fmt.Errorf("%w: %w", ErrHedgeLeg, err)
	}
	res.HedgeOrderID = hedgeID
	c.transition(StateHedgePlaced)
	c.logger.Info("Hedge order placed",
		"venue", c.taker.GetName(),
		"orderId", hedgeID,
		"side", hedgeSide,
		"quantity", c.cfg.OrderQuantity.String(),
	)

	record := model.TradeRecord{
		Timestamp: c.now().UTC(),
		Venue:     c.maker.GetName(),
		Ticker:    c.cfg.Ticker,
		Side:      side,
		Price:     d.TriggerPrice,
		Quantity:  c.cfg.OrderQuantity,
	}
	if err := c.repo.LogTrade(legCtx, record); err != nil {
		res.State = StateHedgePlaced
		c.logger.Error("Failed to record trade", "error", err)
		return res, fmt.Errorf("record trade: %w", err)
	}
	res.Record = &record
	res.State = StateRecorded
	c.transition(StateRecorded)
	return res, nil
}

// placeLeg places one order. A panic inside the client counts as a failure
// of the leg.
func (c *Coordinator) placeLeg(ctx context.Context, client exchange.Client, req model.OrderRequest) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, err = "", fmt.Errorf("panic placing order on %s: %v", client.GetName(), r)
		}
	}()

	id, err = client.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrEmptyOrderID
	}
	return id, nil
}

package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/database"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/exchange"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"golang.org/x/sync/errgroup"
)

// ErrNotReady is returned by Step while either book has no snapshot yet.
var ErrNotReady = errors.New("order books not ready")

const (
	defaultIdleDelay      = 100 * time.Millisecond
	defaultWarmupInterval = time.Second
)

// ArbitrageEngine owns the market data loops and drives the coordinator.
type ArbitrageEngine struct {
	logger    *slog.Logger
	cfg       config.EngineConfig
	maker     exchange.Client
	taker     exchange.Client
	books     *BookCache
	positions *PositionTracker
	coord     *Coordinator

	idleDelay      time.Duration
	warmupInterval time.Duration
	now            func() time.Time
}

// NewArbitrageEngine creates a new instance of the ArbitrageEngine.
func NewArbitrageEngine(logger *slog.Logger, cfg config.EngineConfig, maker, taker exchange.Client, repo database.Repository) *ArbitrageEngine {
	return &ArbitrageEngine{
		logger:         logger.With("component", "engine"),
		cfg:            cfg,
		maker:          maker,
		taker:          taker,
		books:          NewBookCache(logger, cfg.Ticker, maker, taker),
		positions:      NewPositionTracker(logger, cfg.Ticker, maker, taker),
		coord:          NewCoordinator(logger, maker, taker, repo, cfg),
		idleDelay:      defaultIdleDelay,
		warmupInterval: defaultWarmupInterval,
		now:            time.Now,
	}
}

// Books exposes the order book cache, e.g. to attach an observer before Run.
func (e *ArbitrageEngine) Books() *BookCache {
	return e.books
}

// Run starts the refresh loops and the decision loop and blocks until ctx
// is cancelled. A trade in progress at cancellation is finished first.
func (e *ArbitrageEngine) Run(ctx context.Context) error {
	e.logger.Info("Starting arbitrage engine",
		"maker", e.maker.GetName(),
		"taker", e.taker.GetName(),
		"ticker", e.cfg.Ticker,
		"size", e.cfg.OrderQuantity.String(),
		"maxPosition", e.cfg.MaxPosition.String(),
		"longThreshold", e.cfg.LongThreshold.String(),
		"shortThreshold", e.cfg.ShortThreshold.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.books.Run(gctx, model.RoleMaker, e.cfg.PollInterval)
		return nil
	})
	g.Go(func() error {
		e.books.Run(gctx, model.RoleTaker, e.cfg.PollInterval)
		return nil
	})
	for _, role := range []model.Role{model.RoleMaker, model.RoleTaker} {
		g.Go(func() error {
			e.positions.Run(gctx, role, e.cfg.PositionInterval)
			return nil
		})
	}
	g.Go(func() error {
		return e.loop(gctx)
	})

	err := g.Wait()
	e.logger.Info("Arbitrage engine stopped")
	return err
}

func (e *ArbitrageEngine) loop(ctx context.Context) error {
	if !e.waitForBooks(ctx) {
		return nil
	}
	e.logger.Info("Order books ready, starting decision loop")

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := e.safeStep(ctx)
		switch {
		case err != nil:
			e.logger.Error("Decision loop error, backing off", "error", err, "backoff", e.cfg.ErrorBackoff)
			if !sleepCtx(ctx, e.cfg.ErrorBackoff) {
				return nil
			}
		case d.Action == Hold, e.coord.State() == StateAborted:
			if !sleepCtx(ctx, e.idleDelay) {
				return nil
			}
		}
	}
}

func (e *ArbitrageEngine) waitForBooks(ctx context.Context) bool {
	for !e.books.Ready() {
		e.logger.Info("Waiting for initial order book data")
		if !sleepCtx(ctx, e.warmupInterval) {
			return false
		}
	}
	return true
}

// safeStep turns a panic in Step into an error for the loop boundary.
func (e *ArbitrageEngine) safeStep(ctx context.Context) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = Decision{Action: Hold}, fmt.Errorf("panic in decision step: %v", r)
		}
	}()
	return e.Step(ctx)
}

// Step runs one decision cycle: read both books and the maker position,
// detect, and execute when actionable. Leg failures are logged here and
// are not returned; the returned error is reserved for unexpected faults.
func (e *ArbitrageEngine) Step(ctx context.Context) (Decision, error) {
	maker, makerOK := e.books.Read(model.RoleMaker)
	taker, takerOK := e.books.Read(model.RoleTaker)
	if !makerOK || !takerOK {
		return Decision{Action: Hold}, ErrNotReady
	}
	if e.stale(maker) || e.stale(taker) {
		e.logger.Debug("Order book too old, holding",
			"makerAge", e.now().Sub(maker.FetchedAt),
			"takerAge", e.now().Sub(taker.FetchedAt),
		)
		return Decision{Action: Hold}, nil
	}

	net := e.positions.Read(model.RoleMaker)
	d := Detect(maker, taker, net, e.cfg)
	if d.Action == Hold {
		return d, nil
	}

	e.logger.Info("Arbitrage opportunity found",
		"action", d.Action.String(),
		"triggerPrice", d.TriggerPrice.String(),
		"makerBid", maker.BestBid().String(),
		"makerAsk", maker.BestAsk().String(),
		"takerBid", taker.BestBid().String(),
		"takerAsk", taker.BestAsk().String(),
		"makerSeq", maker.AsOf,
		"takerSeq", taker.AsOf,
		"netPosition", net.String(),
	)

	res, err := e.coord.Execute(ctx, d)
	switch {
	case errors.Is(err, ErrTradeInFlight):
		e.logger.Debug("Trade in flight, decision ignored")
	case errors.Is(err, ErrMakerLeg), errors.Is(err, ErrHedgeLeg):
		// Already logged by the coordinator at the matching level.
	case err != nil:
		e.logger.Error("Trade finished with error", "state", res.State.String(), "error", err)
	default:
		e.logger.Info("Trade recorded", "makerOrderId", res.MakerOrderID, "hedgeOrderId", res.HedgeOrderID)
	}
	return d, nil
}

// stale reports whether book is older than the configured bound.
// A zero MaxBookAge disables the check.
func (e *ArbitrageEngine) stale(book model.OrderBook) bool {
	if e.cfg.MaxBookAge <= 0 {
		return false
	}
	return e.now().Sub(book.FetchedAt) > e.cfg.MaxBookAge
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

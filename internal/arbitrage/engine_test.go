package arbitrage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/davorbaier/cross-exchange-arbitrage/internal/config"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/exchange"
	"github.com/davorbaier/cross-exchange-arbitrage/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) LogTrade(ctx context.Context, trade model.TradeRecord) error {
	args := m.Called(ctx, trade)
	return args.Error(0)
}

type MockClient struct {
	mock.Mock
	name string
}

func newMockClient(name string) *MockClient {
	return &MockClient{name: name}
}

func (m *MockClient) GetName() string {
	return m.name
}

func (m *MockClient) GetOrderbook(ctx context.Context, ticker string) (model.OrderBook, error) {
	args := m.Called(ctx, ticker)
	return args.Get(0).(model.OrderBook), args.Error(1)
}

func (m *MockClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockClient) GetPosition(ctx context.Context, ticker string) (decimal.Decimal, error) {
	args := m.Called(ctx, ticker)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func testLogger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func engineCfg() config.EngineConfig {
	return config.EngineConfig{
		Ticker:           "BTC",
		OrderQuantity:    dec("1"),
		FillTimeout:      10 * time.Millisecond,
		MaxPosition:      dec("5"),
		LongThreshold:    dec("10"),
		ShortThreshold:   dec("10"),
		PollInterval:     5 * time.Millisecond,
		PositionInterval: 5 * time.Millisecond,
		ErrorBackoff:     10 * time.Millisecond,
	}
}

func newTestEngine(cfg config.EngineConfig, maker, taker exchange.Client, repo *MockRepository) *ArbitrageEngine {
	e := NewArbitrageEngine(testLogger(), cfg, maker, taker, repo)
	e.warmupInterval = 5 * time.Millisecond
	e.idleDelay = 5 * time.Millisecond
	return e
}

func TestArbitrageEngine_Step(t *testing.T) {
	ctx := context.Background()

	t.Run("not ready before first refresh", func(t *testing.T) {
		maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
		e := newTestEngine(engineCfg(), maker, taker, repo)

		got, err := e.Step(ctx)
		assert.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, Hold, got.Action)
		maker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	})

	t.Run("long scenario places maker buy, taker market sell and records", func(t *testing.T) {
		maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
		maker.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
		taker.On("GetOrderbook", mock.Anything, "BTC").Return(book("112", "113"), nil)

		var calls []string
		var mu sync.Mutex
		track := func(name string) func(mock.Arguments) {
			return func(mock.Arguments) {
				mu.Lock()
				calls = append(calls, name)
				mu.Unlock()
			}
		}
		maker.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r model.OrderRequest) bool {
			return r.Side == model.SideBuy && r.Type == model.OrderTypeLimit && r.PostOnly &&
				r.Price.Equal(dec("100")) && r.Quantity.Equal(dec("1")) && r.Ticker == "BTC"
		})).Run(track("maker")).Return("m-1", nil).Once()
		taker.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r model.OrderRequest) bool {
			return r.Side == model.SideSell && r.Type == model.OrderTypeMarket && !r.PostOnly && r.Quantity.Equal(dec("1"))
		})).Run(track("taker")).Return("t-1", nil).Once()
		repo.On("LogTrade", mock.Anything, mock.MatchedBy(func(tr model.TradeRecord) bool {
			return tr.Venue == "maker" && tr.Side == model.SideBuy && tr.Price.Equal(dec("100")) && tr.Quantity.Equal(dec("1"))
		})).Run(track("record")).Return(nil).Once()

		e := newTestEngine(engineCfg(), maker, taker, repo)
		require.NoError(t, e.books.Refresh(ctx, model.RoleMaker))
		require.NoError(t, e.books.Refresh(ctx, model.RoleTaker))

		got, err := e.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, LongMaker, got.Action)
		assert.True(t, got.TriggerPrice.Equal(dec("100")))
		assert.Equal(t, []string{"maker", "taker", "record"}, calls)
		assert.Equal(t, StateRecorded, e.coord.State())

		maker.AssertExpectations(t)
		taker.AssertExpectations(t)
		repo.AssertExpectations(t)
	})

	t.Run("same books with max position zero make no venue calls", func(t *testing.T) {
		maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
		maker.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
		taker.On("GetOrderbook", mock.Anything, "BTC").Return(book("112", "113"), nil)

		cfg := engineCfg()
		cfg.MaxPosition = decimal.Zero
		e := newTestEngine(cfg, maker, taker, repo)
		require.NoError(t, e.books.Refresh(ctx, model.RoleMaker))
		require.NoError(t, e.books.Refresh(ctx, model.RoleTaker))

		got, err := e.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, Hold, got.Action)
		maker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
		taker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
		repo.AssertNotCalled(t, "LogTrade", mock.Anything, mock.Anything)
	})

	t.Run("stale book holds when max book age is set", func(t *testing.T) {
		maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
		maker.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
		taker.On("GetOrderbook", mock.Anything, "BTC").Return(book("112", "113"), nil)

		cfg := engineCfg()
		cfg.MaxBookAge = time.Second
		e := newTestEngine(cfg, maker, taker, repo)
		require.NoError(t, e.books.Refresh(ctx, model.RoleMaker))
		require.NoError(t, e.books.Refresh(ctx, model.RoleTaker))
		e.now = func() time.Time { return time.Now().Add(time.Minute) }

		got, err := e.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, Hold, got.Action)
		maker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	})

	t.Run("maker position gates the decision", func(t *testing.T) {
		maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
		maker.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
		taker.On("GetOrderbook", mock.Anything, "BTC").Return(book("112", "113"), nil)
		maker.On("GetPosition", mock.Anything, "BTC").Return(dec("5"), nil)

		e := newTestEngine(engineCfg(), maker, taker, repo)
		require.NoError(t, e.books.Refresh(ctx, model.RoleMaker))
		require.NoError(t, e.books.Refresh(ctx, model.RoleTaker))
		require.NoError(t, e.positions.Refresh(ctx, model.RoleMaker))

		got, err := e.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, Hold, got.Action)
		maker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	})
}

func TestArbitrageEngine_SafeStepRecoversPanic(t *testing.T) {
	maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
	maker.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
	taker.On("GetOrderbook", mock.Anything, "BTC").Return(book("112", "113"), nil)
	repo.On("LogTrade", mock.Anything, mock.Anything).Panic("disk on fire")
	maker.On("PlaceOrder", mock.Anything, mock.Anything).Return("m-1", nil)
	taker.On("PlaceOrder", mock.Anything, mock.Anything).Return("t-1", nil)

	e := newTestEngine(engineCfg(), maker, taker, repo)
	ctx := context.Background()
	require.NoError(t, e.books.Refresh(ctx, model.RoleMaker))
	require.NoError(t, e.books.Refresh(ctx, model.RoleTaker))

	got, err := e.safeStep(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, Hold, got.Action)
	assert.False(t, e.coord.InFlight(), "entry token must be released after a panic")
}

func TestArbitrageEngine_RunWithPaperVenues(t *testing.T) {
	makerSrc := newMockClient("maker-feed")
	makerSrc.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
	takerSrc := newMockClient("taker-feed")
	takerSrc.On("GetOrderbook", mock.Anything, "BTC").Return(book("112", "113"), nil)

	maker := exchange.NewPaperClient(testLogger(), makerSrc)
	taker := exchange.NewPaperClient(testLogger(), takerSrc)
	repo := new(MockRepository)
	repo.On("LogTrade", mock.Anything, mock.Anything).Return(nil)

	cfg := engineCfg()
	cfg.MaxPosition = dec("1")
	e := NewArbitrageEngine(testLogger(), cfg, maker, taker, repo)
	e.warmupInterval = 5 * time.Millisecond
	e.idleDelay = 5 * time.Millisecond

	var mirrored sync.Map
	e.Books().OnUpdate(func(ctx context.Context, role model.Role, b model.OrderBook) {
		mirrored.Store(role, b.AsOf)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return len(maker.Fills()) > 0 }, 2*time.Second, 5*time.Millisecond)
	// Once the maker position reaches the limit the engine stops opening longs.
	require.Eventually(t, func() bool {
		return e.positions.Read(model.RoleMaker).GreaterThanOrEqual(dec("1"))
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}

	makerFills, takerFills := maker.Fills(), taker.Fills()
	require.NotEmpty(t, makerFills)
	assert.Len(t, takerFills, len(makerFills), "every maker fill is hedged")
	for i := range makerFills {
		assert.Equal(t, model.SideBuy, makerFills[i].Side)
		assert.True(t, makerFills[i].Price.Equal(dec("100")))
		assert.Equal(t, model.SideSell, takerFills[i].Side)
		assert.True(t, takerFills[i].Price.Equal(dec("112")))
	}
	repo.AssertNumberOfCalls(t, "LogTrade", len(makerFills))

	_, ok := mirrored.Load(model.RoleMaker)
	assert.True(t, ok, "observer saw maker updates")
}

func TestArbitrageEngine_ShutdownWaitsForInFlightTrade(t *testing.T) {
	maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
	maker.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
	taker.On("GetOrderbook", mock.Anything, "BTC").Return(book("112", "113"), nil)
	maker.On("GetPosition", mock.Anything, "BTC").Return(decimal.Zero, nil)
	taker.On("GetPosition", mock.Anything, "BTC").Return(decimal.Zero, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	maker.On("PlaceOrder", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		close(started)
		<-release
	}).Return("m-1", nil).Once()
	taker.On("PlaceOrder", mock.Anything, mock.Anything).Return("t-1", nil).Once()
	repo.On("LogTrade", mock.Anything, mock.Anything).Return(nil).Once()

	e := newTestEngine(engineCfg(), maker, taker, repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("maker order never placed")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a trade was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	maker.AssertExpectations(t)
	taker.AssertExpectations(t)
	repo.AssertExpectations(t)
}

func TestArbitrageEngine_StaysInWarmupWithoutTakerBook(t *testing.T) {
	maker, taker, repo := newMockClient("maker"), newMockClient("taker"), new(MockRepository)
	maker.On("GetOrderbook", mock.Anything, "BTC").Return(book("100", "101"), nil)
	taker.On("GetOrderbook", mock.Anything, "BTC").Return(model.OrderBook{}, errors.New("timeout"))
	maker.On("GetPosition", mock.Anything, "BTC").Return(decimal.Zero, errors.New("timeout"))
	taker.On("GetPosition", mock.Anything, "BTC").Return(decimal.Zero, errors.New("timeout"))

	e := newTestEngine(engineCfg(), maker, taker, repo)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The taker never produces a book, so the engine stays in warm-up and
	// returns cleanly on cancellation.
	require.NoError(t, e.Run(ctx))
	maker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	assert.False(t, e.books.Ready())
}

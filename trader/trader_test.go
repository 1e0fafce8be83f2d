package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/config"
	"tradeflow/executor"
	"tradeflow/models"
	"tradeflow/portfolio"
	"tradeflow/repository"
	"tradeflow/risk"
	"tradeflow/strategy"
)

var (
	btc = models.NewSymbol("btc", "usdt", "paper")
	eth = models.NewSymbol("eth", "usdt", "paper")
)

type fakeFeed struct {
	mu     sync.Mutex
	prices map[models.Symbol]float64
	err    error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{prices: map[models.Symbol]float64{btc: 100, eth: 10}}
}

func (f *fakeFeed) setPrice(sym models.Symbol, px float64) {
	f.mu.Lock()
	f.prices[sym] = px
	f.mu.Unlock()
}

func (f *fakeFeed) price(sym models.Symbol) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.prices[sym]
	return px, ok
}

func (f *fakeFeed) FetchCandles(_ context.Context, sym models.Symbol, _ string, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	px := f.prices[sym]
	candles := make([]models.Candle, limit)
	for i := range candles {
		candles[i] = models.Candle{Symbol: sym, Open: px, High: px, Low: px, Close: px, Volume: 1}
	}
	return candles, nil
}

func (f *fakeFeed) FetchTicker(_ context.Context, sym models.Symbol) (models.Ticker, error) {
	px, ok := f.price(sym)
	if !ok {
		return models.Ticker{}, errors.New("no price")
	}
	return models.Ticker{Symbol: sym, Price: px}, nil
}

type stubStrategy struct {
	name     string
	side     models.OrderSide
	strength float64
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Analyze(candles []models.Candle) *models.Signal {
	sig := models.NewSignal(candles[0].Symbol, s.side, s.strength, "stub")
	sig.Strategy = s.name
	return &sig
}

func (s stubStrategy) SetParams(strategy.Params) error { return nil }

// restingAdapter leaves every order Open until the test fills it.
type restingAdapter struct {
	mu     sync.Mutex
	orders map[string]models.Order
}

func newRestingAdapter() *restingAdapter {
	return &restingAdapter{orders: make(map[string]models.Order)}
}

func (a *restingAdapter) Name() string { return "resting" }

func (a *restingAdapter) PlaceOrder(_ context.Context, o models.Order) (models.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o.Status = models.OrderStatusOpen
	a.orders[o.ID] = o
	return o, nil
}

func (a *restingAdapter) CancelOrder(context.Context, string) error { return nil }

func (a *restingAdapter) GetOrderStatus(_ context.Context, id string) (models.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[id]
	if !ok {
		return o, executor.Rejection("unknown order")
	}
	return o, nil
}

func (a *restingAdapter) fill(id string, qty, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := a.orders[id]
	total := o.FilledQuantity + qty
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQuantity + price*qty) / total
	o.FilledQuantity = total
	o.Status = models.OrderStatusPartiallyFilled
	if total == o.Quantity {
		o.Status = models.OrderStatusFilled
	}
	a.orders[id] = o
}

// laggingAdapter fills market orders but loses the placement response, and
// only reports the order once visible is set.
type laggingAdapter struct {
	*restingAdapter
	visible bool
}

func (a *laggingAdapter) PlaceOrder(_ context.Context, o models.Order) (models.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o.Status = models.OrderStatusFilled
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = 100
	a.orders[o.ID] = o
	return o, executor.TransportError(errors.New("read timeout"))
}

func (a *laggingAdapter) GetOrderStatus(ctx context.Context, id string) (models.Order, error) {
	a.mu.Lock()
	visible := a.visible
	a.mu.Unlock()
	if !visible {
		return models.Order{}, executor.Rejection("unknown order")
	}
	return a.restingAdapter.GetOrderStatus(ctx, id)
}

type harness struct {
	trader *Trader
	feed   *fakeFeed
	repo   *repository.Memory
	book   *portfolio.Book
	risk   *risk.Manager
}

func newHarness(t *testing.T, riskCfg risk.Config, adapter executor.Adapter, strategies ...strategy.Strategy) *harness {
	t.Helper()
	feed := newFakeFeed()
	if adapter == nil {
		adapter = executor.NewPaperAdapter(feed.price)
	}
	engine := strategy.NewEngine()
	for _, s := range strategies {
		engine.Register(s)
	}
	h := &harness{
		feed: feed,
		repo: repository.NewMemory(),
		book: portfolio.NewBook(10000),
		risk: risk.NewManager(riskCfg),
	}

	tr, err := New(config.TraderConfig{
		Symbols: []config.SymbolConfig{
			{Base: "btc", Quote: "usdt", Exchange: "paper"},
			{Base: "BTC", Quote: "USDT", Exchange: "PAPER"},
		},
		Interval:          "1h",
		CandleLimit:       30,
		PollInterval:      time.Hour,
		ExitCheckInterval: time.Hour,
		SignalBuffer:      8,
	}, Deps{
		Feed:     feed,
		Engine:   engine,
		Risk:     h.risk,
		Executor: executor.NewExecutor(adapter, config.ExecutorConfig{}),
		Repo:     h.repo,
		Book:     h.book,
	})
	require.NoError(t, err)
	h.trader = tr
	return h
}

func buy(sym models.Symbol, strength float64) models.Signal {
	sig := models.NewSignal(sym, models.SideBuy, strength, "test")
	sig.Strategy = "test"
	return sig
}

func sell(sym models.Symbol) models.Signal {
	sig := models.NewSignal(sym, models.SideSell, 1, "test")
	sig.Strategy = "test"
	return sig
}

func TestNewValidatesInput(t *testing.T) {
	_, err := New(config.TraderConfig{CandleLimit: 1, PollInterval: time.Second, ExitCheckInterval: time.Second}, Deps{})
	assert.Error(t, err)

	h := newHarness(t, risk.DefaultConfig(), nil)
	assert.Len(t, h.trader.symbols, 1, "duplicate symbols collapse")
}

func TestBuySignalOpensSizedPosition(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()

	h.trader.handleSignal(ctx, buy(btc, 0.9))

	pos, ok := h.book.Position(btc)
	require.True(t, ok)
	// min(10% of 10000, 2% risk over a 2% stop) / 100 = 10
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 9000.0, h.book.Cash(), 1e-9)
	assert.Equal(t, 1, h.risk.DailyTrades())

	stored, err := h.repo.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, btc, stored[0].Symbol)

	h.trader.handleSignal(ctx, buy(btc, 0.9))
	pos, _ = h.book.Position(btc)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9, "no second buy while holding")
}

func TestSellClosesWholePosition(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()

	h.trader.handleSignal(ctx, sell(btc))
	assert.Empty(t, h.book.Positions(), "sell without position is ignored")
	assert.Zero(t, h.risk.DailyTrades())

	h.trader.handleSignal(ctx, buy(btc, 1))
	h.feed.setPrice(btc, 110)
	h.trader.handleSignal(ctx, sell(btc))

	_, ok := h.book.Position(btc)
	assert.False(t, ok)
	assert.InDelta(t, 100.0, h.risk.DailyPnL(), 1e-9)
	assert.Equal(t, 2, h.risk.DailyTrades())

	stored, err := h.repo.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSignalsRejectedByRisk(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()

	h.trader.handleSignal(ctx, buy(btc, 0.1))
	assert.Empty(t, h.book.Positions(), "weak signal")

	h.risk.UpdateDailyPnL(-600)
	h.trader.handleSignal(ctx, buy(btc, 1))
	assert.Empty(t, h.book.Positions(), "daily loss limit")
}

func TestAdmissionLimitsOpenPositions(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxOpenPositions = 1
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	h.trader.handleSignal(ctx, buy(btc, 1))
	h.trader.handleSignal(ctx, buy(eth, 1))

	positions := h.book.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, btc, positions[0].Symbol)
}

func TestPollDropsConflictingSignals(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil,
		stubStrategy{name: "up", side: models.SideBuy, strength: 1},
		stubStrategy{name: "down", side: models.SideSell, strength: 1},
	)
	h.trader.poll(context.Background(), btc)
	assert.Zero(t, len(h.trader.signals.C))
	assert.Zero(t, h.trader.signals.GetStats().Sent)
}

func TestPollQueuesSignals(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil,
		stubStrategy{name: "a", side: models.SideBuy, strength: 1},
		stubStrategy{name: "b", side: models.SideBuy, strength: 0.7},
	)
	h.trader.poll(context.Background(), btc)
	assert.Equal(t, 2, len(h.trader.signals.C))

	h.feed.err = errors.New("feed down")
	h.trader.poll(context.Background(), btc)
	assert.Equal(t, 2, len(h.trader.signals.C))
}

func TestExitMonitorForcesStopLoss(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()

	h.trader.handleSignal(ctx, buy(btc, 1))

	h.feed.setPrice(btc, 99)
	h.trader.checkExits(ctx)
	pos, ok := h.book.Position(btc)
	require.True(t, ok, "inside the stop band")
	assert.InDelta(t, -10.0, pos.UnrealizedPnL, 1e-9)

	h.feed.setPrice(btc, 97)
	h.trader.checkExits(ctx)
	_, ok = h.book.Position(btc)
	assert.False(t, ok)
	assert.InDelta(t, -30.0, h.risk.DailyPnL(), 1e-9)
}

func TestRestingOrderSettlesIncrementally(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxOpenPositions = 1
	adapter := newRestingAdapter()
	h := newHarness(t, cfg, adapter)
	ctx := context.Background()

	h.trader.handleSignal(ctx, buy(btc, 1))
	require.Len(t, h.trader.resting, 1)
	var id string
	for k := range h.trader.resting {
		id = k
	}
	assert.Empty(t, h.book.Positions())

	res, _ := h.risk.Admit(models.NewMarketOrder(eth, models.SideBuy, 1), h.book)
	assert.True(t, res.IsRejected(), "resting buy keeps its reservation")

	h.trader.handleSignal(ctx, sell(btc))
	assert.Len(t, h.trader.resting, 1, "no new order while one is resting")

	adapter.fill(id, 4, 100)
	h.trader.syncResting(ctx)
	pos, ok := h.book.Position(btc)
	require.True(t, ok)
	assert.InDelta(t, 4.0, pos.Quantity, 1e-9)
	assert.Zero(t, h.risk.DailyTrades())

	adapter.fill(id, 6, 102)
	h.trader.syncResting(ctx)
	pos, _ = h.book.Position(btc)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 101.2, pos.AvgPrice, 1e-9)
	assert.Equal(t, 1, h.risk.DailyTrades())
	assert.Empty(t, h.trader.resting)

	stored, err := h.repo.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, stored.Status)
}

func TestLostPlacementResponseIsSettledLater(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxOpenPositions = 1
	adapter := &laggingAdapter{restingAdapter: newRestingAdapter()}
	h := newHarness(t, cfg, adapter)
	ctx := context.Background()

	h.trader.handleSignal(ctx, buy(btc, 1))
	require.Len(t, h.trader.resting, 1, "unknown outcome keeps the order")
	assert.Empty(t, h.book.Positions())
	res, _ := h.risk.Admit(models.NewMarketOrder(eth, models.SideBuy, 1), h.book)
	assert.True(t, res.IsRejected(), "reservation held while the outcome is unknown")

	adapter.mu.Lock()
	adapter.visible = true
	adapter.mu.Unlock()
	h.trader.syncResting(ctx)

	pos, ok := h.book.Position(btc)
	require.True(t, ok)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.Empty(t, h.trader.resting)
	assert.Equal(t, 1, h.risk.DailyTrades())
}

func TestRestoreLoadsPositions(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()
	require.NoError(t, h.repo.SavePosition(ctx, models.Position{Symbol: btc, Quantity: 2, AvgPrice: 100}))

	require.NoError(t, h.trader.Restore(ctx))
	pos, ok := h.book.Position(btc)
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.Quantity)
}

func TestStartStopEndToEnd(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil, stubStrategy{name: "up", side: models.SideBuy, strength: 1})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.trader.Start(ctx))
	assert.Error(t, h.trader.Start(ctx))
	assert.True(t, h.trader.IsRunning())

	assert.Eventually(t, func() bool {
		_, ok := h.book.Position(btc)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	h.trader.Stop()
	assert.False(t, h.trader.IsRunning())
}

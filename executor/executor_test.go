package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/config"
	"tradeflow/models"
)

var btc = models.NewSymbol("btc", "usdt", "binance")

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		Adapter: "paper",
		Timeout: time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

// scriptedAdapter returns the queued errors before delegating to a paper venue.
type scriptedAdapter struct {
	*PaperAdapter
	name     string
	mu       sync.Mutex
	failures []error
	placed   int32
	release  chan struct{}
	override func(models.Order) models.Order
}

func newScripted(name string, failures ...error) *scriptedAdapter {
	return &scriptedAdapter{PaperAdapter: NewPaperAdapter(nil), name: name, failures: failures}
}

func (s *scriptedAdapter) Name() string { return s.name }

func (s *scriptedAdapter) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	atomic.AddInt32(&s.placed, 1)
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return order, err
	}
	s.mu.Unlock()

	placed, err := s.PaperAdapter.PlaceOrder(ctx, order)
	if err == nil && s.override != nil {
		placed = s.override(placed)
	}
	return placed, err
}

func TestExecuteMarketOrderFills(t *testing.T) {
	paper := NewPaperAdapter(func(models.Symbol) (float64, bool) { return 42000, true })
	ex := NewExecutor(paper, testConfig())

	order := models.NewMarketOrder(btc, models.SideBuy, 1)
	got, err := ex.Execute(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, 1.0, got.FilledQuantity)
	assert.Equal(t, 42000.0, got.AvgFillPrice)
	assert.False(t, got.UpdatedAt.Before(order.UpdatedAt))

	tracked, ok := ex.Order(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusFilled, tracked.Status)
	assert.Empty(t, ex.OpenOrders())
}

func TestExecuteLimitOrderRestsAndSyncs(t *testing.T) {
	paper := NewPaperAdapter(nil)
	ex := NewExecutor(paper, testConfig())
	ctx := context.Background()

	order := models.NewLimitOrder(btc, models.SideBuy, 2, 100)
	got, err := ex.Execute(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, got.Status)
	assert.Zero(t, got.FilledQuantity)
	require.Len(t, ex.OpenOrders(), 1)

	require.NoError(t, paper.Fill(order.ID, 0.5, 100))
	synced, err := ex.Sync(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyFilled, synced.Status)
	assert.Equal(t, 0.5, synced.FilledQuantity)

	require.NoError(t, paper.Fill(order.ID, 1.5, 98))
	synced, err = ex.Sync(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, synced.Status)
	assert.InDelta(t, 98.5, synced.AvgFillPrice, 1e-9)
	assert.Empty(t, ex.OpenOrders())
}

func TestExecuteRetriesTransportErrors(t *testing.T) {
	adapter := newScripted("flaky", TransportError(errors.New("connection reset")), errors.New("EOF"))
	ex := NewExecutor(adapter, testConfig())

	got, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&adapter.placed))
}

func TestExecuteAdoptsOrderThatLandedDespiteError(t *testing.T) {
	adapter := newScripted("lossy")
	order := models.NewMarketOrder(btc, models.SideBuy, 1)
	lossy := &lossyAdapter{scriptedAdapter: adapter}

	ex := NewExecutor(lossy, testConfig())
	got, err := ex.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.placed), "order must not be placed twice")
}

// lossyAdapter accepts the first order at the venue but loses the response.
type lossyAdapter struct {
	*scriptedAdapter
	once sync.Once
}

func (l *lossyAdapter) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	placed, err := l.scriptedAdapter.PlaceOrder(ctx, order)
	lost := false
	l.once.Do(func() { lost = true })
	if lost {
		return order, TransportError(errors.New("read timeout"))
	}
	return placed, err
}

func TestExecuteRetryExhaustedLeavesOrderOpenUntilSync(t *testing.T) {
	fail := TransportError(errors.New("unreachable"))
	adapter := newScripted("down", fail, fail, fail, fail)
	ex := NewExecutor(adapter, testConfig())
	ctx := context.Background()

	got, err := ex.Execute(ctx, models.NewMarketOrder(btc, models.SideBuy, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHTTP))
	assert.Equal(t, models.OrderStatusOpen, got.Status, "outcome unknown, not rejected")
	assert.Equal(t, int32(3), atomic.LoadInt32(&adapter.placed))
	require.Len(t, ex.OpenOrders(), 1)

	synced, err := ex.Sync(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, synced.Status)
	assert.Contains(t, synced.Reason, "not found at venue")
	assert.Empty(t, ex.OpenOrders())
}

func TestExecuteAdoptsOrderThatLandedOnLastAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	adapter := newScripted("lossy")
	lossy := &lossyAdapter{scriptedAdapter: adapter}
	ex := NewExecutor(lossy, cfg)

	got, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, 1.0, got.FilledQuantity)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.placed))

	tracked, _ := ex.Order(got.ID)
	assert.Equal(t, models.OrderStatusFilled, tracked.Status)
}

func TestExecuteDoesNotRetryAdapterFaults(t *testing.T) {
	adapter := newScripted("garbled", fmt.Errorf("%w: executed quantity \"x\"", ErrAdapterFault))
	ex := NewExecutor(adapter, testConfig())

	got, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	require.ErrorIs(t, err, ErrAdapterFault)
	assert.False(t, Retryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.placed), "a live order must not be resent")
	assert.Equal(t, models.OrderStatusOpen, got.Status)
}

func TestExecuteBusinessErrorRejectsWithoutRetry(t *testing.T) {
	adapter := newScripted("broke", InsufficientBalance("not enough USDT"))
	ex := NewExecutor(adapter, testConfig())

	got, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.False(t, Retryable(err))
	assert.Equal(t, models.OrderStatusRejected, got.Status)
	assert.Equal(t, "not enough USDT", got.Reason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.placed))

	tracked, ok := ex.Order(got.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusRejected, tracked.Status)
}

func TestExecuteInvalidOrderRejected(t *testing.T) {
	adapter := newScripted("paper")
	ex := NewExecutor(adapter, testConfig())

	order := models.NewMarketOrder(btc, models.SideBuy, 0)
	got, err := ex.Execute(context.Background(), order)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, models.OrderStatusRejected, got.Status)
	assert.Zero(t, atomic.LoadInt32(&adapter.placed))
}

func TestExecuteCancelledContextLeavesOrderPending(t *testing.T) {
	adapter := newScripted("paper")
	ex := NewExecutor(adapter, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := ex.Execute(ctx, models.NewMarketOrder(btc, models.SideBuy, 1))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Zero(t, atomic.LoadInt32(&adapter.placed))
	_, tracked := ex.Order(got.ID)
	assert.False(t, tracked)
}

func TestExecuteCancelDuringPlacementKeepsVenueResult(t *testing.T) {
	adapter := newScripted("slow")
	adapter.release = make(chan struct{})
	ex := NewExecutor(adapter, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.Order, 1)
	go func() {
		got, _ := ex.Execute(ctx, models.NewMarketOrder(btc, models.SideBuy, 1))
		done <- got
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&adapter.placed) == 1 }, time.Second, time.Millisecond)
	cancel()
	close(adapter.release)

	got := <-done
	assert.Equal(t, models.OrderStatusFilled, got.Status)
}

func TestExecuteRejectsNonPendingAndMissingAdapter(t *testing.T) {
	ex := NewExecutor(nil, testConfig())
	_, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	assert.ErrorIs(t, err, ErrNoAdapter)

	ex.SetAdapter(NewPaperAdapter(nil))
	order := models.NewMarketOrder(btc, models.SideBuy, 1)
	order.Status = models.OrderStatusOpen
	_, err = ex.Execute(context.Background(), order)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestExecuteAdapterFaultLeavesOrderOpen(t *testing.T) {
	adapter := newScripted("faulty")
	adapter.override = func(o models.Order) models.Order {
		o.FilledQuantity = o.Quantity / 2
		return o
	}
	ex := NewExecutor(adapter, testConfig())

	got, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	require.ErrorIs(t, err, ErrAdapterFault)
	assert.Equal(t, models.OrderStatusOpen, got.Status)
	assert.Zero(t, got.FilledQuantity)
}

func TestExecutePropagatesPartialFillForMarketOrders(t *testing.T) {
	adapter := newScripted("thin")
	adapter.override = func(o models.Order) models.Order {
		o.Status = models.OrderStatusPartiallyFilled
		o.FilledQuantity = 0.4
		return o
	}
	ex := NewExecutor(adapter, testConfig())

	got, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, 0.4, got.FilledQuantity)
}

func TestCancelIsIdempotent(t *testing.T) {
	paper := NewPaperAdapter(nil)
	ex := NewExecutor(paper, testConfig())
	ctx := context.Background()

	filled, err := ex.Execute(ctx, models.NewMarketOrder(btc, models.SideBuy, 1))
	require.NoError(t, err)
	assert.NoError(t, ex.Cancel(ctx, filled.ID))
	tracked, _ := ex.Order(filled.ID)
	assert.Equal(t, models.OrderStatusFilled, tracked.Status, "terminal orders stay untouched")

	resting, err := ex.Execute(ctx, models.NewLimitOrder(btc, models.SideBuy, 1, 100))
	require.NoError(t, err)
	require.NoError(t, ex.Cancel(ctx, resting.ID))
	tracked, _ = ex.Order(resting.ID)
	assert.Equal(t, models.OrderStatusCancelled, tracked.Status)
	assert.NoError(t, ex.Cancel(ctx, resting.ID))

	err = ex.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestCancelKeepsFillThatBeatIt(t *testing.T) {
	paper := NewPaperAdapter(nil)
	ex := NewExecutor(paper, testConfig())
	ctx := context.Background()

	order, err := ex.Execute(ctx, models.NewLimitOrder(btc, models.SideBuy, 2, 100))
	require.NoError(t, err)
	require.NoError(t, paper.Fill(order.ID, 2, 99))

	require.NoError(t, ex.Cancel(ctx, order.ID))
	tracked, ok := ex.Order(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusFilled, tracked.Status)
	assert.Equal(t, 2.0, tracked.FilledQuantity)
	assert.Equal(t, 99.0, tracked.AvgFillPrice)
}

func TestCancelKeepsPartialFill(t *testing.T) {
	paper := NewPaperAdapter(nil)
	ex := NewExecutor(paper, testConfig())
	ctx := context.Background()

	order, err := ex.Execute(ctx, models.NewLimitOrder(btc, models.SideBuy, 2, 100))
	require.NoError(t, err)
	require.NoError(t, paper.Fill(order.ID, 0.5, 100))

	require.NoError(t, ex.Cancel(ctx, order.ID))
	tracked, _ := ex.Order(order.ID)
	assert.Equal(t, models.OrderStatusCancelled, tracked.Status)
	assert.Equal(t, 0.5, tracked.FilledQuantity)
}

func TestSetAdapterDoesNotAffectInFlightPlacement(t *testing.T) {
	first := newScripted("first")
	first.release = make(chan struct{})
	second := newScripted("second")
	ex := NewExecutor(first, testConfig())

	done := make(chan models.Order, 1)
	go func() {
		got, _ := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
		done <- got
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&first.placed) == 1 }, time.Second, time.Millisecond)

	ex.SetAdapter(second)
	close(first.release)
	got := <-done

	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Zero(t, atomic.LoadInt32(&second.placed))
	assert.Equal(t, "second", ex.Adapter().Name())

	_, err := ex.Execute(context.Background(), models.NewMarketOrder(btc, models.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&second.placed))
}

func TestSyncUnknownOrder(t *testing.T) {
	ex := NewExecutor(NewPaperAdapter(nil), testConfig())
	_, err := ex.Sync(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

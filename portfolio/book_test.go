package portfolio

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/models"
)

var btc = models.NewSymbol("btc", "usdt", "binance")

func TestApplyFillWeightedAverage(t *testing.T) {
	b := NewBook(10000)

	_, realized, err := b.ApplyFill(btc, models.SideBuy, 1, 100)
	require.NoError(t, err)
	assert.Zero(t, realized)

	pos, _, err := b.ApplyFill(btc, models.SideBuy, 3, 120)
	require.NoError(t, err)
	assert.Equal(t, 4.0, pos.Quantity)
	assert.InDelta(t, 115.0, pos.AvgPrice, 1e-9)
	assert.InDelta(t, 10000-100-360, b.Cash(), 1e-9)
	assert.InDelta(t, 10000-460+4*120, b.Value(), 1e-9)
	assert.Len(t, b.OpenPositions(), 1)
}

func TestApplyFillSellRealizesAndCloses(t *testing.T) {
	b := NewBook(1000)
	_, _, err := b.ApplyFill(btc, models.SideBuy, 2, 100)
	require.NoError(t, err)

	pos, realized, err := b.ApplyFill(btc, models.SideSell, 1, 110)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, realized, 1e-9)
	assert.Equal(t, 1.0, pos.Quantity)
	assert.InDelta(t, 10.0, pos.RealizedPnL, 1e-9)

	closed, realized, err := b.ApplyFill(btc, models.SideSell, 1, 90)
	require.NoError(t, err)
	assert.InDelta(t, -10.0, realized, 1e-9)
	assert.Zero(t, closed.Quantity)
	assert.InDelta(t, 0.0, closed.RealizedPnL, 1e-9)

	_, ok := b.Position(btc)
	assert.False(t, ok)
	assert.InDelta(t, 1000.0, b.Cash(), 1e-9)
}

func TestApplyFillRejectsOversellAndBadInput(t *testing.T) {
	b := NewBook(1000)

	_, _, err := b.ApplyFill(btc, models.SideSell, 1, 100)
	assert.ErrorIs(t, err, ErrOversell)

	_, _, err = b.ApplyFill(btc, models.SideBuy, 1, 100)
	require.NoError(t, err)
	_, _, err = b.ApplyFill(btc, models.SideSell, 2, 100)
	assert.ErrorIs(t, err, ErrOversell)

	for _, in := range [][2]float64{{0, 1}, {1, 0}, {-1, 1}, {math.NaN(), 1}, {1, math.Inf(1)}} {
		_, _, err := b.ApplyFill(btc, models.SideBuy, in[0], in[1])
		assert.ErrorIs(t, err, ErrInvalidFill, "%v", in)
	}
	_, _, err = b.ApplyFill(btc, "hold", 1, 1)
	assert.ErrorIs(t, err, ErrInvalidFill)
}

func TestMarkUpdatesUnrealized(t *testing.T) {
	b := NewBook(1000)
	_, ok := b.Mark(btc, 100)
	assert.False(t, ok)

	_, _, err := b.ApplyFill(btc, models.SideBuy, 2, 100)
	require.NoError(t, err)

	pos, ok := b.Mark(btc, 97)
	require.True(t, ok)
	assert.InDelta(t, -6.0, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -0.03, pos.PnLPct(), 1e-9)
	assert.InDelta(t, 800+194, b.Value(), 1e-9)
}

func TestRestore(t *testing.T) {
	b := NewBook(1000)
	b.Restore([]models.Position{
		{Symbol: btc, Quantity: 2, AvgPrice: 100, CurrentPrice: 105},
		{Symbol: models.NewSymbol("eth", "usdt", "binance"), Quantity: 0, AvgPrice: 10},
	})

	assert.Len(t, b.Positions(), 1)
	assert.InDelta(t, 800.0, b.Cash(), 1e-9)
	assert.InDelta(t, 1010.0, b.Value(), 1e-9)
}

func TestConcurrentFills(t *testing.T) {
	b := NewBook(1e6)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = b.ApplyFill(btc, models.SideBuy, 1, 100)
		}()
	}
	wg.Wait()

	pos, ok := b.Position(btc)
	require.True(t, ok)
	assert.Equal(t, 50.0, pos.Quantity)
	assert.InDelta(t, 1e6-5000, b.Cash(), 1e-6)
}

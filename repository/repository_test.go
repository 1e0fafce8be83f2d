package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"tradeflow/config"
	"tradeflow/models"
)

var btc = models.NewSymbol("btc", "usdt", "binance")

func TestMemoryOrdersUpsert(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	order := models.NewLimitOrder(btc, models.SideBuy, 2, 100)
	require.NoError(t, repo.SaveOrder(ctx, order))

	order.Status = models.OrderStatusOpen
	order.FilledQuantity = 1
	require.NoError(t, repo.SaveOrder(ctx, order))

	got, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, got.Status)
	assert.Equal(t, 1.0, got.FilledQuantity)

	_, err = repo.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPositionsOnePerSymbol(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	eth := models.NewSymbol("eth", "usdt", "binance")

	require.NoError(t, repo.SavePosition(ctx, models.Position{Symbol: btc, Quantity: 1, AvgPrice: 100}))
	require.NoError(t, repo.SavePosition(ctx, models.Position{Symbol: btc, Quantity: 2, AvgPrice: 110}))
	require.NoError(t, repo.SavePosition(ctx, models.Position{Symbol: eth, Quantity: 3, AvgPrice: 10}))

	positions, err := repo.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, btc, positions[0].Symbol)
	assert.Equal(t, 2.0, positions[0].Quantity)

	require.NoError(t, repo.SavePosition(ctx, models.Position{Symbol: btc, Quantity: 0}))
	positions, err = repo.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1, "flat positions are not returned")
	assert.Equal(t, eth, positions[0].Symbol)
}

func TestMemoryHonoursContext(t *testing.T) {
	repo := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, repo.SaveOrder(ctx, models.NewMarketOrder(btc, models.SideBuy, 1)))
	_, err := repo.GetPositions(ctx)
	assert.Error(t, err)
}

func TestOptionDSN(t *testing.T) {
	assert.Equal(t, "postgres://localhost:5432?sslmode=disable", Option{}.dsn())

	opt := OptionFromConfig(config.PostgresConfig{
		Host:     "db",
		Port:     6543,
		User:     "trader",
		Password: "p@ss",
		Database: "tradeflow",
		SSLMode:  "require",
	})
	opt.Params = map[string]string{"application_name": "tradeflow", "": "ignored"}
	assert.Equal(t, "postgres://trader:p%40ss@db:6543/tradeflow?application_name=tradeflow&sslmode=require", opt.dsn())

	assert.Equal(t, "postgres://x", Option{ConnString: "postgres://x", Host: "ignored"}.dsn())
}

func TestRecordConversion(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	order := models.NewStopLimitOrder(btc, models.SideSell, 1.5, 99, 100)
	order.Status = models.OrderStatusPartiallyFilled
	order.FilledQuantity = 0.5
	order.AvgFillPrice = 99.5
	order.UpdatedAt = now

	back := toOrderRecord(order).model()
	assert.Equal(t, order.ID, back.ID)
	assert.Equal(t, order.Symbol, back.Symbol)
	assert.Equal(t, order.Type, back.Type)
	assert.Equal(t, 99.0, *back.Price)
	assert.Equal(t, 100.0, *back.StopPrice)
	assert.Equal(t, order.Status, back.Status)
	assert.Equal(t, now, back.UpdatedAt)

	pos := models.Position{Symbol: btc, Quantity: 2, AvgPrice: 100, CurrentPrice: 105, UnrealizedPnL: 10, UpdatedAt: now}
	assert.Equal(t, pos, toPositionRecord(pos).model())
}

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: Option{}.dsn()}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db
}

func TestUpsertStatements(t *testing.T) {
	db := dryRunDB(t)

	rec := toOrderRecord(models.NewMarketOrder(btc, models.SideBuy, 1))
	sql := upsertOrder(db, &rec).Statement.SQL.String()
	assert.Contains(t, sql, `INSERT INTO "orders"`)
	assert.Contains(t, sql, `ON CONFLICT ("id") DO UPDATE SET`)
	assert.Contains(t, sql, `"status"="excluded"."status"`)
	assert.NotContains(t, sql, `"quantity"="excluded"."quantity"`, "order quantity is immutable")

	pos := toPositionRecord(models.Position{Symbol: btc, Quantity: 1, AvgPrice: 100})
	sql = upsertPosition(db, &pos).Statement.SQL.String()
	assert.Contains(t, sql, `INSERT INTO "positions"`)
	assert.Contains(t, sql, `ON CONFLICT ("base","quote","exchange") DO UPDATE SET`)
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

const BinanceAdapterName = "binance"

// Binance error codes treated as transport failures: unknown, disconnected
// and too many requests, plus -1006 and -1007 where the execution status is
// unknown and the order may already be live.
var binanceTransportCodes = map[int64]bool{
	-1000: true,
	-1001: true,
	-1003: true,
	-1006: true,
	-1007: true,
}

// BinanceAdapter routes orders to the Binance spot REST API.
type BinanceAdapter struct {
	client  *binance.Client
	limiter *rate.Limiter
	log     *logger.Log

	// Binance addresses orders by symbol plus client id.
	mu      sync.RWMutex
	symbols map[string]models.Symbol
}

func NewBinanceAdapter(cfg config.ExchangeSourceConfig) *BinanceAdapter {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	client.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	rps, burst := cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = rps
	}

	log.WithComponent("binance_adapter").WithFields(logger.Fields{
		"base_url":            client.BaseURL,
		"requests_per_second": rps,
		"burst_size":          burst,
	}).Info("binance adapter initialized")

	return &BinanceAdapter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
		symbols: make(map[string]models.Symbol),
	}
}

func (b *BinanceAdapter) Name() string { return BinanceAdapterName }

func (b *BinanceAdapter) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return order, TransportError(err)
	}

	b.mu.Lock()
	b.symbols[order.ID] = order.Symbol
	b.mu.Unlock()

	svc := b.client.NewCreateOrderService().
		Symbol(order.Symbol.Pair("")).
		Side(binanceSide(order.Side)).
		Quantity(formatDecimal(order.Quantity)).
		NewClientOrderID(order.ID)

	switch order.Type {
	case models.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case models.OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatDecimal(order.PriceValue()))
	case models.OrderTypeStop:
		svc = svc.Type(binance.OrderTypeStopLoss).
			StopPrice(formatDecimal(order.PriceValue()))
	case models.OrderTypeStopLimit:
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatDecimal(order.PriceValue())).
			StopPrice(formatDecimal(*order.StopPrice))
	default:
		return order, Rejection(fmt.Sprintf("unsupported order type %s", order.Type))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return order, binanceError(err)
	}

	status, err := binanceStatus(resp.Status)
	if err != nil {
		return order, err
	}
	filled, avg, err := fillFromQuote(resp.ExecutedQuantity, resp.CummulativeQuoteQuantity)
	if err != nil {
		return order, err
	}

	order.Status = status
	order.FilledQuantity = filled
	order.AvgFillPrice = avg
	order.UpdatedAt = time.Now().UTC()
	if status == models.OrderStatusRejected {
		order.Reason = "rejected by binance"
	}

	b.log.WithComponent("binance_adapter").WithFields(logger.Fields{
		"order_id":       order.ID,
		"venue_order_id": resp.OrderID,
		"status":         string(resp.Status),
		"executed":       resp.ExecutedQuantity,
	}).Debug("order placed")

	return order, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, orderID string) error {
	symbol, err := b.symbolFor(orderID)
	if err != nil {
		return err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return TransportError(err)
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(symbol.Pair("")).
		OrigClientOrderID(orderID).
		Do(ctx)
	if err != nil {
		return binanceError(err)
	}
	return nil
}

func (b *BinanceAdapter) GetOrderStatus(ctx context.Context, orderID string) (models.Order, error) {
	symbol, err := b.symbolFor(orderID)
	if err != nil {
		return models.Order{}, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return models.Order{}, TransportError(err)
	}

	resp, err := b.client.NewGetOrderService().
		Symbol(symbol.Pair("")).
		OrigClientOrderID(orderID).
		Do(ctx)
	if err != nil {
		return models.Order{}, binanceError(err)
	}

	status, err := binanceStatus(resp.Status)
	if err != nil {
		return models.Order{}, err
	}
	qty, err := decimal.NewFromString(resp.OrigQuantity)
	if err != nil {
		return models.Order{}, fmt.Errorf("%w: quantity %q", ErrAdapterFault, resp.OrigQuantity)
	}
	filled, avg, err := fillFromQuote(resp.ExecutedQuantity, resp.CummulativeQuoteQuantity)
	if err != nil {
		return models.Order{}, err
	}

	return models.Order{
		ID:             orderID,
		Symbol:         symbol,
		Side:           fromBinanceSide(resp.Side),
		Quantity:       qty.InexactFloat64(),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
		Status:         status,
		UpdatedAt:      time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

func (b *BinanceAdapter) symbolFor(orderID string) (models.Symbol, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	symbol, ok := b.symbols[orderID]
	if !ok {
		return models.Symbol{}, Rejection(fmt.Sprintf("unknown order %s", orderID))
	}
	return symbol, nil
}

func binanceSide(side models.OrderSide) binance.SideType {
	if side == models.SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func fromBinanceSide(side binance.SideType) models.OrderSide {
	if side == binance.SideTypeSell {
		return models.SideSell
	}
	return models.SideBuy
}

func binanceStatus(status binance.OrderStatusType) (models.OrderStatus, error) {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return models.OrderStatusOpen, nil
	case binance.OrderStatusTypePartiallyFilled:
		return models.OrderStatusPartiallyFilled, nil
	case binance.OrderStatusTypeFilled:
		return models.OrderStatusFilled, nil
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return models.OrderStatusCancelled, nil
	case binance.OrderStatusTypeRejected:
		return models.OrderStatusRejected, nil
	}
	return "", fmt.Errorf("%w: unknown binance status %q", ErrAdapterFault, status)
}

// binanceError maps a go-binance error onto the order error taxonomy.
func binanceError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return TransportError(err)
	}
	if binanceTransportCodes[apiErr.Code] {
		return TransportError(apiErr)
	}
	if apiErr.Code == -2010 && strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
		return InsufficientBalance(apiErr.Message)
	}
	return &OrderError{Kind: ErrRejected, Reason: apiErr.Message, Err: apiErr}
}

func fillFromQuote(executed, quote string) (float64, float64, error) {
	qty, err := decimal.NewFromString(executed)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: executed quantity %q", ErrAdapterFault, executed)
	}
	if qty.IsZero() {
		return 0, 0, nil
	}
	total, err := decimal.NewFromString(quote)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: quote quantity %q", ErrAdapterFault, quote)
	}
	return qty.InexactFloat64(), total.Div(qty).InexactFloat64(), nil
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

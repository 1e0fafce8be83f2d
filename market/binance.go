package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// BinanceProvider reads spot klines and 24h tickers from the Binance REST API.
type BinanceProvider struct {
	client  *binance.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewBinanceProvider(cfg config.ExchangeSourceConfig) *BinanceProvider {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	client.HTTPClient = newHTTPClient(cfg)
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	log := logger.GetLogger()
	log.WithComponent("binance_market").WithFields(logger.Fields{
		"base_url": client.BaseURL,
		"timeout":  client.HTTPClient.Timeout,
	}).Info("binance market provider initialized")

	return &BinanceProvider{
		client:  client,
		limiter: newLimiter(cfg.RateLimit),
		log:     log,
	}
}

func (p *BinanceProvider) Exchange() string { return "binance" }

func (p *BinanceProvider) FetchCandles(ctx context.Context, symbol models.Symbol, interval string, limit int) ([]models.Candle, error) {
	iv, err := lookupInterval(interval)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, transportError(p.Exchange(), err)
	}

	start := time.Now()
	klines, err := p.client.NewKlinesService().
		Symbol(symbol.Pair("")).
		Interval(iv.binance).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, transportError(p.Exchange(), err)
	}
	logger.LogPerformanceEntry(p.log.WithComponent("binance_market"), "binance_market", "klines", time.Since(start), logger.Fields{
		"symbol": symbol.String(),
		"count":  len(klines),
	})

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c := models.Candle{Symbol: symbol, Timestamp: time.UnixMilli(k.OpenTime).UTC()}
		if err := parseOHLCV(&c, k.Open, k.High, k.Low, k.Close, k.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	newestFirst(candles)
	return candles, nil
}

func (p *BinanceProvider) FetchTicker(ctx context.Context, symbol models.Symbol) (models.Ticker, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.Ticker{}, transportError(p.Exchange(), err)
	}

	stats, err := p.client.NewListPriceChangeStatsService().Symbol(symbol.Pair("")).Do(ctx)
	if err != nil {
		return models.Ticker{}, transportError(p.Exchange(), err)
	}
	if len(stats) == 0 {
		return models.Ticker{}, fmt.Errorf("%w: empty ticker for %s", ErrParse, symbol)
	}

	price, err := parseFloat("lastPrice", stats[0].LastPrice)
	if err != nil {
		return models.Ticker{}, err
	}
	volume, err := parseFloat("volume", stats[0].Volume)
	if err != nil {
		return models.Ticker{}, err
	}
	ts := time.Now().UTC()
	if stats[0].CloseTime > 0 {
		ts = time.UnixMilli(stats[0].CloseTime).UTC()
	}
	return models.Ticker{Symbol: symbol, Price: price, Volume: volume, Timestamp: ts}, nil
}

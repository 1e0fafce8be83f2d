package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

const bybitCategory = "spot"

type bybitKlineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

type bybitTickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Volume24h string `json:"volume24h"`
	} `json:"list"`
}

// BybitProvider reads spot klines and tickers from the Bybit v5 REST API.
type BybitProvider struct {
	client  *bybit.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewBybitProvider(cfg config.ExchangeSourceConfig) *BybitProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.bybit.com"
	}
	client := bybit.NewBybitHttpClient(cfg.APIKey, cfg.SecretKey, bybit.WithBaseURL(strings.TrimRight(base, "/")))
	client.HTTPClient = newHTTPClient(cfg)

	log := logger.GetLogger()
	log.WithComponent("bybit_market").WithFields(logger.Fields{
		"base_url": base,
		"category": bybitCategory,
	}).Info("bybit market provider initialized")

	return &BybitProvider{
		client:  client,
		limiter: newLimiter(cfg.RateLimit),
		log:     log,
	}
}

func (p *BybitProvider) Exchange() string { return "bybit" }

func (p *BybitProvider) FetchCandles(ctx context.Context, symbol models.Symbol, interval string, limit int) ([]models.Candle, error) {
	iv, err := lookupInterval(interval)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, transportError(p.Exchange(), err)
	}

	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol.Pair(""),
		"interval": iv.bybit,
		"limit":    limit,
	}
	resp, err := p.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if err != nil {
		return nil, transportError(p.Exchange(), err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("%w: bybit retCode %d: %s", ErrHTTP, resp.RetCode, resp.RetMsg)
	}

	var result bybitKlineResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}
	return parseBybitKlines(symbol, result.List)
}

// parseBybitKlines converts rows of [start, open, high, low, close, volume, turnover].
func parseBybitKlines(symbol models.Symbol, rows [][]string) ([]models.Candle, error) {
	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: bybit kline %d has %d fields", ErrParse, i, len(row))
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: start time %q", ErrParse, row[0])
		}
		c := models.Candle{Symbol: symbol, Timestamp: time.UnixMilli(ms).UTC()}
		if err := parseOHLCV(&c, row[1], row[2], row[3], row[4], row[5]); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	newestFirst(candles)
	return candles, nil
}

func (p *BybitProvider) FetchTicker(ctx context.Context, symbol models.Symbol) (models.Ticker, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.Ticker{}, transportError(p.Exchange(), err)
	}

	params := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol.Pair(""),
	}
	resp, err := p.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return models.Ticker{}, transportError(p.Exchange(), err)
	}
	if resp.RetCode != 0 {
		return models.Ticker{}, fmt.Errorf("%w: bybit retCode %d: %s", ErrHTTP, resp.RetCode, resp.RetMsg)
	}

	var result bybitTickerResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return models.Ticker{}, err
	}
	return parseBybitTicker(symbol, result, resp.Time)
}

func parseBybitTicker(symbol models.Symbol, result bybitTickerResult, serverMs int64) (models.Ticker, error) {
	if len(result.List) == 0 {
		return models.Ticker{}, fmt.Errorf("%w: empty ticker for %s", ErrParse, symbol)
	}
	price, err := parseFloat("lastPrice", result.List[0].LastPrice)
	if err != nil {
		return models.Ticker{}, err
	}
	volume, err := parseFloat("volume24h", result.List[0].Volume24h)
	if err != nil {
		return models.Ticker{}, err
	}
	ts := time.Now().UTC()
	if serverMs > 0 {
		ts = time.UnixMilli(serverMs).UTC()
	}
	return models.Ticker{Symbol: symbol, Price: price, Volume: volume, Timestamp: ts}, nil
}

// decodeResult re-decodes the SDK's untyped result into out.
func decodeResult(result interface{}, out interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

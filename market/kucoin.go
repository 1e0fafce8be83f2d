package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	spotmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/spot/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// KucoinProvider reads spot candles and tickers through the KuCoin universal SDK.
type KucoinProvider struct {
	marketAPI spotmarket.MarketAPI
	limiter   *rate.Limiter
	log       *logger.Log
}

func NewKucoinProvider(cfg config.ExchangeSourceConfig) *KucoinProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.kucoin.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.ConnectionPool.IdleConnTimeout).
		SetTimeout(timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithSpotEndpoint(strings.TrimRight(baseURL, "/")).
		WithTransportOption(transportOpt).
		Build()

	client := sdkapi.NewClient(option)

	log := logger.GetLogger()
	log.WithComponent("kucoin_market").WithFields(logger.Fields{
		"base_url": baseURL,
		"timeout":  timeout,
	}).Info("kucoin market provider initialized")

	return &KucoinProvider{
		marketAPI: client.RestService().GetSpotService().GetMarketAPI(),
		limiter:   newLimiter(cfg.RateLimit),
		log:       log,
	}
}

func (p *KucoinProvider) Exchange() string { return "kucoin" }

func (p *KucoinProvider) FetchCandles(ctx context.Context, symbol models.Symbol, interval string, limit int) ([]models.Candle, error) {
	iv, err := lookupInterval(interval)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, transportError(p.Exchange(), err)
	}

	req := spotmarket.NewGetKlinesReqBuilder().
		SetSymbol(symbol.Pair("-")).
		SetType(iv.kucoin).
		Build()
	resp, err := p.marketAPI.GetKlines(req, ctx)
	if err != nil {
		return nil, transportError(p.Exchange(), err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty kline response for %s", ErrHTTP, symbol)
	}

	candles, err := parseKucoinKlines(symbol, resp.Data)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[:limit]
	}
	return candles, nil
}

// parseKucoinKlines converts rows of [time(s), open, close, high, low, volume, turnover].
func parseKucoinKlines(symbol models.Symbol, rows [][]string) ([]models.Candle, error) {
	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: kucoin kline %d has %d fields", ErrParse, i, len(row))
		}
		sec, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: kline time %q", ErrParse, row[0])
		}
		c := models.Candle{Symbol: symbol, Timestamp: time.Unix(sec, 0).UTC()}
		if err := parseOHLCV(&c, row[1], row[3], row[4], row[2], row[5]); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	newestFirst(candles)
	return candles, nil
}

func (p *KucoinProvider) FetchTicker(ctx context.Context, symbol models.Symbol) (models.Ticker, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.Ticker{}, transportError(p.Exchange(), err)
	}

	req := spotmarket.NewGetTickerReqBuilder().SetSymbol(symbol.Pair("-")).Build()
	resp, err := p.marketAPI.GetTicker(req, ctx)
	if err != nil {
		return models.Ticker{}, transportError(p.Exchange(), err)
	}
	if resp == nil {
		return models.Ticker{}, fmt.Errorf("%w: empty ticker response for %s", ErrHTTP, symbol)
	}

	price, err := parseFloat("price", resp.Price)
	if err != nil {
		return models.Ticker{}, err
	}
	size, err := parseFloat("size", resp.Size)
	if err != nil {
		return models.Ticker{}, err
	}
	ts := time.Now().UTC()
	if resp.Time > 0 {
		ts = time.UnixMilli(resp.Time).UTC()
	}
	return models.Ticker{Symbol: symbol, Price: price, Volume: size, Timestamp: ts}, nil
}

package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"tradeflow/logger"
	"tradeflow/models"
)

var (
	ErrHTTP                = errors.New("market data transport error")
	ErrParse               = errors.New("market data parse error")
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrUnsupportedInterval = errors.New("unsupported candle interval")
)

// Provider supplies market data for one exchange. Candles are returned
// newest first.
type Provider interface {
	Exchange() string
	FetchCandles(ctx context.Context, symbol models.Symbol, interval string, limit int) ([]models.Candle, error)
	FetchTicker(ctx context.Context, symbol models.Symbol) (models.Ticker, error)
}

// Service routes requests to the provider registered for a symbol's exchange.
type Service struct {
	mu        sync.RWMutex
	providers map[string]Provider
	log       *logger.Log
}

func NewService(providers ...Provider) *Service {
	s := &Service{
		providers: make(map[string]Provider),
		log:       logger.GetLogger(),
	}
	for _, p := range providers {
		s.Register(p)
	}
	return s
}

func (s *Service) Register(p Provider) {
	name := strings.ToLower(p.Exchange())
	s.mu.Lock()
	s.providers[name] = p
	s.mu.Unlock()

	s.log.WithComponent("market").WithFields(logger.Fields{"exchange": name}).Info("market data provider registered")
}

func (s *Service) provider(exchange string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[strings.ToLower(exchange)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, exchange)
	}
	return p, nil
}

func (s *Service) FetchCandles(ctx context.Context, symbol models.Symbol, interval string, limit int) ([]models.Candle, error) {
	p, err := s.provider(symbol.Exchange)
	if err != nil {
		return nil, err
	}
	candles, err := p.FetchCandles(ctx, symbol, interval, limit)
	if err != nil {
		logger.IncrementFeedError()
		return nil, err
	}
	return candles, nil
}

func (s *Service) FetchTicker(ctx context.Context, symbol models.Symbol) (models.Ticker, error) {
	p, err := s.provider(symbol.Exchange)
	if err != nil {
		return models.Ticker{}, err
	}
	t, err := p.FetchTicker(ctx, symbol)
	if err != nil {
		logger.IncrementFeedError()
		return models.Ticker{}, err
	}
	return t, nil
}

// Exchanges lists the registered exchanges in name order.
func (s *Service) Exchanges() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.providers))
	for name := range s.providers {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

type venueInterval struct {
	binance, bybit, kucoin string
}

// intervals maps the canonical interval names onto each venue's spelling.
var intervals = map[string]venueInterval{
	"1m":  {"1m", "1", "1min"},
	"5m":  {"5m", "5", "5min"},
	"15m": {"15m", "15", "15min"},
	"1h":  {"1h", "60", "1hour"},
	"4h":  {"4h", "240", "4hour"},
	"1d":  {"1d", "D", "1day"},
}

func lookupInterval(interval string) (venueInterval, error) {
	v, ok := intervals[strings.ToLower(strings.TrimSpace(interval))]
	if !ok {
		return v, fmt.Errorf("%w: %q", ErrUnsupportedInterval, interval)
	}
	return v, nil
}

// parseFloat converts a venue decimal string. Malformed values are errors,
// never zero.
func parseFloat(field, value string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrParse, field, value)
	}
	return d.InexactFloat64(), nil
}

// parseOHLCV parses the five price/volume strings of a candle.
func parseOHLCV(c *models.Candle, open, high, low, last, volume string) error {
	var err error
	if c.Open, err = parseFloat("open", open); err != nil {
		return err
	}
	if c.High, err = parseFloat("high", high); err != nil {
		return err
	}
	if c.Low, err = parseFloat("low", low); err != nil {
		return err
	}
	if c.Close, err = parseFloat("close", last); err != nil {
		return err
	}
	if c.Volume, err = parseFloat("volume", volume); err != nil {
		return err
	}
	return nil
}

// newestFirst sorts candles by descending timestamp.
func newestFirst(candles []models.Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp.After(candles[j].Timestamp)
	})
}

func transportError(exchange string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrHTTP, exchange, err)
}

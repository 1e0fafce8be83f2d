package models

import (
	"strings"
	"time"
)

// Symbol identifies a tradable pair on a single exchange.
type Symbol struct {
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	Exchange string `json:"exchange"`
}

// NewSymbol normalizes the identifiers: base and quote upper case, exchange lower case.
func NewSymbol(base, quote, exchange string) Symbol {
	return Symbol{
		Base:     strings.ToUpper(strings.TrimSpace(base)),
		Quote:    strings.ToUpper(strings.TrimSpace(quote)),
		Exchange: strings.ToLower(strings.TrimSpace(exchange)),
	}
}

func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// Pair joins base and quote with sep, e.g. "BTCUSDT" or "BTC-USDT".
func (s Symbol) Pair(sep string) string {
	return s.Base + sep + s.Quote
}

// IsZero reports whether the symbol carries no identifiers.
func (s Symbol) IsZero() bool {
	return s.Base == "" && s.Quote == "" && s.Exchange == ""
}

// Candle is one OHLCV bar. Candle slices are ordered newest first.
type Candle struct {
	Symbol    Symbol    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Ticker is the last traded price of a symbol.
type Ticker struct {
	Symbol    Symbol    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

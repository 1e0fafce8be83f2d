// Package strategy turns candle windows into trade signals.
package strategy

import (
	"errors"
	"fmt"
	"strings"

	"tradeflow/models"
)

var ErrInvalidParams = errors.New("invalid strategy params")

// Strategy analyzes a newest-first candle window and optionally emits a signal.
// Implementations must allow SetParams concurrently with Analyze.
type Strategy interface {
	Name() string
	Analyze(candles []models.Candle) *models.Signal
	SetParams(params Params) error
}

// Params carries decoded YAML/JSON strategy settings.
type Params map[string]interface{}

// Int reads key as a positive integer. ok is false when the key is absent.
func (p Params) Int(key string) (v int, ok bool, err error) {
	raw, present := p[key]
	if !present {
		return 0, false, nil
	}
	switch n := raw.(type) {
	case int:
		v = n
	case int64:
		v = int(n)
	case uint64:
		v = int(n)
	case float64:
		if n != float64(int(n)) {
			return 0, true, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
		}
		v = int(n)
	default:
		return 0, true, fmt.Errorf("%w: %s has type %T", ErrInvalidParams, key, raw)
	}
	if v <= 0 {
		return 0, true, fmt.Errorf("%w: %s must be greater than 0", ErrInvalidParams, key)
	}
	return v, true, nil
}

// Float reads key as a number. ok is false when the key is absent.
func (p Params) Float(key string) (v float64, ok bool, err error) {
	raw, present := p[key]
	if !present {
		return 0, false, nil
	}
	switch n := raw.(type) {
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case float64:
		return n, true, nil
	}
	return 0, true, fmt.Errorf("%w: %s has type %T", ErrInvalidParams, key, raw)
}

// Build returns a strategy by name with params applied on top of its defaults.
func Build(name string, params Params) (Strategy, error) {
	var s Strategy
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SMACrossoverName:
		s = NewSMACrossover(defaultShortPeriod, defaultLongPeriod)
	case RSIName:
		s = NewRSI(defaultRSIPeriod, defaultOversold, defaultOverbought)
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	if len(params) > 0 {
		if err := s.SetParams(params); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
	}
	return s, nil
}

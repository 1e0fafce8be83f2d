package strategy

import (
	"fmt"
	"sync"

	"tradeflow/models"
)

const (
	RSIName = "rsi"

	defaultRSIPeriod  = 14
	defaultOversold   = 30.0
	defaultOverbought = 70.0
)

// RSI signals on oversold and overbought readings. Gains and losses are
// plain sums over the window, without Wilder smoothing.
type RSI struct {
	mu         sync.RWMutex
	period     int
	oversold   float64
	overbought float64
}

func NewRSI(period int, oversold, overbought float64) *RSI {
	return &RSI{period: period, oversold: oversold, overbought: overbought}
}

func (r *RSI) Name() string { return RSIName }

func (r *RSI) settings() (int, float64, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.period, r.oversold, r.overbought
}

// SetParams reads period, oversold and overbought.
func (r *RSI) SetParams(params Params) error {
	period, oversold, overbought := r.settings()

	v, ok, err := params.Int("period")
	if err != nil {
		return err
	}
	if ok {
		period = v
	}
	f, ok, err := params.Float("oversold")
	if err != nil {
		return err
	}
	if ok {
		oversold = f
	}
	f, ok, err = params.Float("overbought")
	if err != nil {
		return err
	}
	if ok {
		overbought = f
	}

	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return fmt.Errorf("%w: need 0 < oversold (%v) < overbought (%v) < 100", ErrInvalidParams, oversold, overbought)
	}

	r.mu.Lock()
	r.period, r.oversold, r.overbought = period, oversold, overbought
	r.mu.Unlock()
	return nil
}

func (r *RSI) Analyze(candles []models.Candle) *models.Signal {
	period, oversold, overbought := r.settings()
	value, ok := rsi(candles, period)
	if !ok {
		return nil
	}

	var sig models.Signal
	switch {
	case value < oversold:
		sig = models.NewSignal(candles[0].Symbol, models.SideBuy,
			(oversold-value)/oversold, fmt.Sprintf("RSI oversold: %.2f", value))
	case value > overbought:
		sig = models.NewSignal(candles[0].Symbol, models.SideSell,
			(value-overbought)/(100-overbought), fmt.Sprintf("RSI overbought: %.2f", value))
	default:
		return nil
	}
	sig.Strategy = RSIName
	return &sig
}

// rsi needs period+1 candles, newest first.
func rsi(candles []models.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 0; i < period; i++ {
		change := candles[i].Close - candles[i+1].Close
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

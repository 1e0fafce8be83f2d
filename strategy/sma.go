package strategy

import (
	"fmt"
	"sync"

	"tradeflow/models"
)

const (
	SMACrossoverName = "sma_crossover"

	defaultShortPeriod = 20
	defaultLongPeriod  = 50
	crossoverStrength  = 0.8
)

// SMACrossover signals when the short moving average crosses the long one.
type SMACrossover struct {
	mu          sync.RWMutex
	shortPeriod int
	longPeriod  int
}

func NewSMACrossover(shortPeriod, longPeriod int) *SMACrossover {
	return &SMACrossover{shortPeriod: shortPeriod, longPeriod: longPeriod}
}

func (s *SMACrossover) Name() string { return SMACrossoverName }

func (s *SMACrossover) Periods() (short, long int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shortPeriod, s.longPeriod
}

// SetParams reads short_period and long_period; short must stay below long.
func (s *SMACrossover) SetParams(params Params) error {
	short, long := s.Periods()

	v, ok, err := params.Int("short_period")
	if err != nil {
		return err
	}
	if ok {
		short = v
	}
	v, ok, err = params.Int("long_period")
	if err != nil {
		return err
	}
	if ok {
		long = v
	}
	if short >= long {
		return fmt.Errorf("%w: short_period %d must be less than long_period %d", ErrInvalidParams, short, long)
	}

	s.mu.Lock()
	s.shortPeriod, s.longPeriod = short, long
	s.mu.Unlock()
	return nil
}

// Analyze compares the SMAs of the current window with those of the window
// shifted by one candle. The non-strict previous comparison is intentional.
func (s *SMACrossover) Analyze(candles []models.Candle) *models.Signal {
	short, long := s.Periods()
	if len(candles) < long+1 {
		return nil
	}

	shortSMA := sma(candles, short)
	longSMA := sma(candles, long)
	prevShort := sma(candles[1:], short)
	prevLong := sma(candles[1:], long)

	var sig models.Signal
	switch {
	case prevShort <= prevLong && shortSMA > longSMA:
		sig = models.NewSignal(candles[0].Symbol, models.SideBuy, crossoverStrength,
			fmt.Sprintf("Golden cross: SMA%d=%.2f > SMA%d=%.2f", short, shortSMA, long, longSMA))
	case prevShort >= prevLong && shortSMA < longSMA:
		sig = models.NewSignal(candles[0].Symbol, models.SideSell, crossoverStrength,
			fmt.Sprintf("Death cross: SMA%d=%.2f < SMA%d=%.2f", short, shortSMA, long, longSMA))
	default:
		return nil
	}
	sig.Strategy = SMACrossoverName
	return &sig
}

// sma averages the close of the newest period candles. Callers guarantee len >= period.
func sma(candles []models.Candle, period int) float64 {
	var sum float64
	for _, c := range candles[:period] {
		sum += c.Close
	}
	return sum / float64(period)
}

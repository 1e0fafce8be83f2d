package risk

import (
	"fmt"

	"tradeflow/config"
)

// Config holds the risk limits. Fractions are of portfolio value or price.
type Config struct {
	MaxPositionSize   float64
	MaxLossPerTrade   float64
	MaxDailyLoss      float64
	MaxOpenPositions  int
	StopLossPct       float64
	TakeProfitPct     float64
	MinSignalStrength float64
}

func DefaultConfig() Config {
	return Config{
		MaxPositionSize:   0.1,
		MaxLossPerTrade:   0.02,
		MaxDailyLoss:      0.05,
		MaxOpenPositions:  5,
		StopLossPct:       0.02,
		TakeProfitPct:     0.04,
		MinSignalStrength: 0.5,
	}
}

// FromConfig maps the risk section of the service configuration.
func FromConfig(c config.RiskConfig) Config {
	return Config{
		MaxPositionSize:   c.MaxPositionSize,
		MaxLossPerTrade:   c.MaxLossPerTrade,
		MaxDailyLoss:      c.MaxDailyLoss,
		MaxOpenPositions:  c.MaxOpenPositions,
		StopLossPct:       c.StopLossPct,
		TakeProfitPct:     c.TakeProfitPct,
		MinSignalStrength: c.MinSignalStrength,
	}
}

func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"max_position_size":  c.MaxPositionSize,
		"max_loss_per_trade": c.MaxLossPerTrade,
		"max_daily_loss":     c.MaxDailyLoss,
		"stop_loss_pct":      c.StopLossPct,
		"take_profit_pct":    c.TakeProfitPct,
	} {
		if !(v > 0) || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be greater than 0")
	}
	if !(c.MinSignalStrength >= 0) || c.MinSignalStrength > 1 {
		return fmt.Errorf("min_signal_strength must be in [0, 1], got %v", c.MinSignalStrength)
	}
	return nil
}

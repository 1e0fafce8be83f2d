package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// OrderSide is the direction of a signal or order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Signal is a directional recommendation produced by a single strategy run.
type Signal struct {
	ID        string    `json:"id"`
	Symbol    Symbol    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Strength  float64   `json:"strength"`
	Reason    string    `json:"reason"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSignal builds a signal with strength clamped into [0, 1].
func NewSignal(symbol Symbol, side OrderSide, strength float64, reason string) Signal {
	return Signal{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Strength:  clampUnit(strength),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

package models

import "time"

// Position is the net holding and P&L state of one symbol.
type Position struct {
	Symbol        Symbol    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"avg_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PnLPct is the move of the current price relative to the average entry.
func (p Position) PnLPct() float64 {
	if p.AvgPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.AvgPrice) / p.AvgPrice
}

func (p Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// Trade is a filled order as written to the trade journal.
type Trade struct {
	OrderID     string    `json:"order_id"`
	Symbol      Symbol    `json:"symbol"`
	Side        OrderSide `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Strategy    string    `json:"strategy"`
	Timestamp   time.Time `json:"timestamp"`
}

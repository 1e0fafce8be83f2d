package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
)

var (
	ErrInvalidFill = errors.New("invalid fill")
	ErrOversell    = errors.New("sell exceeds held quantity")
)

// dust is the quantity below which a position counts as flat.
const dust = 1e-12

// Book tracks cash and at most one long position per symbol.
type Book struct {
	mu        sync.RWMutex
	cash      float64
	positions map[models.Symbol]models.Position
	now       func() time.Time
	log       *logger.Log
}

func NewBook(cash float64) *Book {
	return &Book{
		cash:      cash,
		positions: make(map[models.Symbol]models.Position),
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.GetLogger(),
	}
}

// Restore loads persisted positions and moves their cost basis out of cash.
func (b *Book) Restore(positions []models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range positions {
		if p.Quantity <= dust {
			continue
		}
		if prev, ok := b.positions[p.Symbol]; ok {
			b.cash += prev.Quantity * prev.AvgPrice
		}
		b.positions[p.Symbol] = p
		b.cash -= p.Quantity * p.AvgPrice
	}
	b.log.WithComponent("portfolio").WithFields(logger.Fields{
		"positions": len(b.positions),
		"cash":      b.cash,
	}).Info("portfolio restored")
}

// ApplyFill books an execution and returns the resulting position together
// with the realized PnL. A position sold down to zero is removed from the
// book; the returned copy then has zero quantity.
func (b *Book) ApplyFill(symbol models.Symbol, side models.OrderSide, qty, price float64) (models.Position, float64, error) {
	if !(qty > 0) || !(price > 0) || math.IsInf(qty, 0) || math.IsInf(price, 0) {
		return models.Position{}, 0, fmt.Errorf("%w: qty %v price %v", ErrInvalidFill, qty, price)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, held := b.positions[symbol]
	if !held {
		pos = models.Position{Symbol: symbol}
	}
	now := b.now()

	var realized float64
	switch side {
	case models.SideBuy:
		total := pos.Quantity + qty
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + price*qty) / total
		pos.Quantity = total
		b.cash -= price * qty
	case models.SideSell:
		if !held || qty > pos.Quantity+dust {
			return pos, 0, fmt.Errorf("%w: sell %v of %v %s", ErrOversell, qty, pos.Quantity, symbol)
		}
		realized = (price - pos.AvgPrice) * qty
		pos.Quantity -= qty
		pos.RealizedPnL += realized
		b.cash += price * qty
	default:
		return pos, 0, fmt.Errorf("%w: side %q", ErrInvalidFill, side)
	}

	pos.CurrentPrice = price
	pos.UnrealizedPnL = (pos.CurrentPrice - pos.AvgPrice) * pos.Quantity
	pos.UpdatedAt = now

	if pos.Quantity <= dust {
		pos.Quantity = 0
		pos.UnrealizedPnL = 0
		delete(b.positions, symbol)
	} else {
		b.positions[symbol] = pos
	}
	return pos, realized, nil
}

// Mark refreshes the current price and unrealized PnL of a held position.
func (b *Book) Mark(symbol models.Symbol, price float64) (models.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || !(price > 0) {
		return pos, false
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.AvgPrice) * pos.Quantity
	pos.UpdatedAt = b.now()
	b.positions[symbol] = pos
	return pos, true
}

func (b *Book) Position(symbol models.Symbol) (models.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	return pos, ok
}

// Positions returns the held positions ordered by exchange and pair.
func (b *Book) Positions() []models.Position {
	b.mu.RLock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol.Exchange != out[j].Symbol.Exchange {
			return out[i].Symbol.Exchange < out[j].Symbol.Exchange
		}
		return out[i].Symbol.String() < out[j].Symbol.String()
	})
	return out
}

// OpenPositions lets the book serve as the risk manager's position source.
func (b *Book) OpenPositions() []models.Position {
	return b.Positions()
}

func (b *Book) Cash() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// Value is cash plus the marked value of every position.
func (b *Book) Value() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v := b.cash
	for _, p := range b.positions {
		price := p.CurrentPrice
		if price <= 0 {
			price = p.AvgPrice
		}
		v += p.Quantity * price
	}
	return v
}

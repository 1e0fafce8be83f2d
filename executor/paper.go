package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/models"
)

const PaperAdapterName = "paper"

// PriceFunc supplies a reference price used as the simulated fill price.
type PriceFunc func(symbol models.Symbol) (float64, bool)

// PaperAdapter simulates a venue in memory. Market orders fill immediately
// at their full quantity; every other type rests as Open until Fill or
// CancelOrder is called.
type PaperAdapter struct {
	mu     sync.Mutex
	orders map[string]models.Order
	price  PriceFunc
	now    func() time.Time
}

func NewPaperAdapter(price PriceFunc) *PaperAdapter {
	return &PaperAdapter{
		orders: make(map[string]models.Order),
		price:  price,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaperAdapter) Name() string { return PaperAdapterName }

func (p *PaperAdapter) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if err := ctx.Err(); err != nil {
		return order, TransportError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.orders[order.ID]; exists {
		return order, Rejection(fmt.Sprintf("duplicate order id %s", order.ID))
	}

	order.UpdatedAt = p.now()
	if order.Type == models.OrderTypeMarket {
		order.Status = models.OrderStatusFilled
		order.FilledQuantity = order.Quantity
		if p.price != nil {
			if px, ok := p.price(order.Symbol); ok {
				order.AvgFillPrice = px
			}
		}
	} else {
		order.Status = models.OrderStatusOpen
	}

	p.orders[order.ID] = order
	return order, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return TransportError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return Rejection(fmt.Sprintf("unknown order %s", orderID))
	}
	if order.Status.IsTerminal() {
		return nil
	}
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = p.now()
	p.orders[orderID] = order
	return nil
}

func (p *PaperAdapter) GetOrderStatus(ctx context.Context, orderID string) (models.Order, error) {
	if err := ctx.Err(); err != nil {
		return models.Order{}, TransportError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return models.Order{}, Rejection(fmt.Sprintf("unknown order %s", orderID))
	}
	return order, nil
}

// Fill simulates a venue execution of qty at price against a resting order.
func (p *PaperAdapter) Fill(orderID string, qty, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %s is %s", orderID, order.Status)
	}
	if qty <= 0 || qty > order.RemainingQuantity() {
		return fmt.Errorf("fill quantity %v outside (0, %v]", qty, order.RemainingQuantity())
	}

	filled := order.FilledQuantity + qty
	order.AvgFillPrice = (order.AvgFillPrice*order.FilledQuantity + price*qty) / filled
	order.FilledQuantity = filled
	if filled == order.Quantity {
		order.Status = models.OrderStatusFilled
	} else {
		order.Status = models.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = p.now()
	p.orders[orderID] = order
	return nil
}

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// OrderType selects how the venue matches an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// RequiresPrice reports whether orders of this type carry a price.
func (t OrderType) RequiresPrice() bool {
	return t != OrderTypeMarket
}

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	// Pending -> Rejected covers orders refused before they reach a venue.
	OrderStatusPending: {OrderStatusOpen, OrderStatusRejected},
	OrderStatusOpen: {
		OrderStatusOpen,
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusRejected,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
	},
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is a venue-bound instruction tracked through its status lifecycle.
// Price is set iff Type requires it; StopPrice only for stop-limit orders.
type Order struct {
	ID             string      `json:"id"`
	Symbol         Symbol      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"order_type"`
	Price          *float64    `json:"price,omitempty"`
	StopPrice      *float64    `json:"stop_price,omitempty"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Status         OrderStatus `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func newOrder(symbol Symbol, side OrderSide, typ OrderType, quantity float64) Order {
	now := time.Now().UTC()
	return Order{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Quantity:  quantity,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func NewMarketOrder(symbol Symbol, side OrderSide, quantity float64) Order {
	return newOrder(symbol, side, OrderTypeMarket, quantity)
}

func NewLimitOrder(symbol Symbol, side OrderSide, quantity, price float64) Order {
	o := newOrder(symbol, side, OrderTypeLimit, quantity)
	o.Price = &price
	return o
}

// NewStopOrder creates a stop-market order triggered at stopPrice.
func NewStopOrder(symbol Symbol, side OrderSide, quantity, stopPrice float64) Order {
	o := newOrder(symbol, side, OrderTypeStop, quantity)
	o.Price = &stopPrice
	return o
}

// NewStopLimitOrder creates an order that rests at limitPrice once stopPrice trades.
func NewStopLimitOrder(symbol Symbol, side OrderSide, quantity, limitPrice, stopPrice float64) Order {
	o := newOrder(symbol, side, OrderTypeStopLimit, quantity)
	o.Price = &limitPrice
	o.StopPrice = &stopPrice
	return o
}

// Validate checks the structural invariants of the order.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if !(o.Quantity > 0) {
		return fmt.Errorf("%w: quantity must be greater than 0", ErrInvalidOrder)
	}
	if o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity {
		return fmt.Errorf("%w: filled quantity %v outside [0, %v]", ErrInvalidOrder, o.FilledQuantity, o.Quantity)
	}
	switch o.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, o.Type)
	}
	if o.Type.RequiresPrice() != (o.Price != nil) {
		return fmt.Errorf("%w: price presence does not match %s order", ErrInvalidOrder, o.Type)
	}
	if o.Price != nil && !(*o.Price > 0) {
		return fmt.Errorf("%w: price must be greater than 0", ErrInvalidOrder)
	}
	if (o.Type == OrderTypeStopLimit) != (o.StopPrice != nil) {
		return fmt.Errorf("%w: stop price presence does not match %s order", ErrInvalidOrder, o.Type)
	}
	return nil
}

// Transition moves the order to next and stamps UpdatedAt.
func (o *Order) Transition(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// RemainingQuantity is the quantity not yet filled.
func (o Order) RemainingQuantity() float64 {
	return o.Quantity - o.FilledQuantity
}

// PriceValue returns the price or 0 for market orders.
func (o Order) PriceValue() float64 {
	if o.Price == nil {
		return 0
	}
	return *o.Price
}

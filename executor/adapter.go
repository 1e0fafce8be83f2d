package executor

import (
	"context"

	"tradeflow/models"
)

// Adapter is a venue integration. Implementations return errors built from
// ErrHTTP, ErrInsufficientBalance or ErrRejected. PlaceOrder receives an Open
// order and returns it with the venue's status and fill.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (models.Order, error)
}

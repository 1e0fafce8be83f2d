package repository

import (
	"context"
	"errors"

	"tradeflow/models"
)

var ErrNotFound = errors.New("record not found")

// Repository persists orders and positions. Saves are upserts: orders are
// keyed by id, positions by symbol.
type Repository interface {
	SaveOrder(ctx context.Context, order models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	SavePosition(ctx context.Context, position models.Position) error
	// GetPositions returns positions with a non-zero quantity.
	GetPositions(ctx context.Context) ([]models.Position, error)
	Close() error
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradeflow/models"
)

// Memory keeps everything in process. It backs paper trading and tests.
type Memory struct {
	mu        sync.RWMutex
	orders    map[string]models.Order
	positions map[models.Symbol]models.Position
}

func NewMemory() *Memory {
	return &Memory{
		orders:    make(map[string]models.Order),
		positions: make(map[models.Symbol]models.Position),
	}
}

func (m *Memory) SaveOrder(ctx context.Context, order models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return &o, nil
}

func (m *Memory) SavePosition(ctx context.Context, position models.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.positions[position.Symbol] = position
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Quantity > 0 {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol.Exchange != out[j].Symbol.Exchange {
			return out[i].Symbol.Exchange < out[j].Symbol.Exchange
		}
		return out[i].Symbol.String() < out[j].Symbol.String()
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }

package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

var ErrUnknownOrder = errors.New("unknown order")

const defaultTimeout = 10 * time.Second

// Executor owns the order lifecycle. Each call snapshots the active adapter,
// so SetAdapter never tears an in-flight placement away from its venue.
type Executor struct {
	mu      sync.RWMutex
	adapter Adapter

	ordersMu sync.RWMutex
	orders   map[string]models.Order
	// unconfirmed holds ids whose placement outcome was lost in transit.
	unconfirmed map[string]struct{}

	timeout time.Duration
	retry   config.RetryConfig
	limiter *rate.Limiter
	now     func() time.Time
	log     *logger.Log
}

func NewExecutor(adapter Adapter, cfg config.ExecutorConfig) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}

	e := &Executor{
		adapter:     adapter,
		orders:      make(map[string]models.Order),
		unconfirmed: make(map[string]struct{}),
		timeout:     timeout,
		retry:       cfg.Retry,
		limiter:     limiter,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.GetLogger(),
	}

	fields := logger.Fields{"timeout": timeout, "max_attempts": cfg.Retry.MaxAttempts}
	if adapter != nil {
		fields["adapter"] = adapter.Name()
	}
	e.log.WithComponent("executor").WithFields(fields).Info("order executor initialized")
	return e
}

// SetAdapter swaps the venue used by subsequent calls.
func (e *Executor) SetAdapter(adapter Adapter) {
	e.mu.Lock()
	prev := e.adapter
	e.adapter = adapter
	e.mu.Unlock()

	fields := logger.Fields{}
	if prev != nil {
		fields["previous"] = prev.Name()
	}
	if adapter != nil {
		fields["adapter"] = adapter.Name()
	}
	e.log.WithComponent("executor").WithFields(fields).Info("exchange adapter swapped")
}

func (e *Executor) Adapter() Adapter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.adapter
}

// Execute submits a Pending order. The returned order always reflects what is
// known about it: still Pending if it was never submitted, Rejected on a
// business error, Open with the transport error when the venue's answer was
// lost, otherwise the status reported by the venue.
func (e *Executor) Execute(ctx context.Context, order models.Order) (models.Order, error) {
	adapter := e.Adapter()
	if adapter == nil {
		return order, ErrNoAdapter
	}
	if order.Status != models.OrderStatusPending {
		return order, fmt.Errorf("%w: %s", ErrNotPending, order.Status)
	}

	log := e.log.WithComponent("executor").WithFields(logger.Fields{
		"order_id": order.ID,
		"symbol":   order.Symbol.String(),
		"side":     string(order.Side),
		"type":     string(order.Type),
		"quantity": order.Quantity,
		"adapter":  adapter.Name(),
	})

	if err := order.Validate(); err != nil {
		order.Reason = err.Error()
		_ = order.Transition(models.OrderStatusRejected, e.now())
		e.track(order)
		e.observe(adapter, order, 0)
		log.WithError(err).Warn("order rejected before submission")
		return order, Rejection(err.Error())
	}

	if err := ctx.Err(); err != nil {
		return order, err
	}

	_ = order.Transition(models.OrderStatusOpen, e.now())
	e.track(order)

	placeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	start := time.Now()
	var venue models.Order
	err := e.withRetry(placeCtx, "place_order", func(attempt int) error {
		if attempt > 1 {
			// A failed request may still have reached the venue.
			if landed, serr := adapter.GetOrderStatus(placeCtx, order.ID); serr == nil {
				venue = landed
				return nil
			}
		}
		placed, perr := adapter.PlaceOrder(placeCtx, order)
		if perr != nil {
			return perr
		}
		venue = placed
		return nil
	})
	took := time.Since(start)

	if err != nil && (Retryable(err) || errors.Is(err, ErrAdapterFault)) {
		return e.resolvePlacement(ctx, adapter, order, err, took, log)
	}
	if err != nil {
		order.Reason = Reason(err)
		_ = order.Transition(models.OrderStatusRejected, e.now())
		e.track(order)
		e.observe(adapter, order, took)
		log.WithError(err).Warn("order placement failed")
		return order, err
	}

	if ferr := e.apply(&order, venue); ferr != nil {
		e.track(order)
		e.observe(adapter, order, took)
		log.WithError(ferr).Error("adapter returned an inconsistent order")
		return order, ferr
	}
	e.track(order)
	e.observe(adapter, order, took)

	logger.LogPerformanceEntry(log, "executor", "place_order", took, logger.Fields{
		"status":          string(order.Status),
		"filled_quantity": order.FilledQuantity,
	})

	if order.Status == models.OrderStatusRejected {
		return order, Rejection(order.Reason)
	}
	return order, nil
}

// resolvePlacement handles a placement whose outcome is unknown: the request
// may have reached the venue even though no usable answer came back. The
// venue is asked once more; if it does not know the order yet, the order
// stays Open and unconfirmed so Sync can settle it later.
func (e *Executor) resolvePlacement(ctx context.Context, adapter Adapter, order models.Order, cause error, took time.Duration, log *logger.Entry) (models.Order, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if venue, err := adapter.GetOrderStatus(lookupCtx, order.ID); err == nil {
		if aerr := e.apply(&order, venue); aerr == nil {
			e.track(order)
			e.observe(adapter, order, took)
			log.WithError(cause).WithFields(logger.Fields{"status": string(order.Status)}).Warn("placement response lost, venue state adopted")
			if order.Status == models.OrderStatusRejected {
				return order, Rejection(order.Reason)
			}
			return order, nil
		}
	}

	e.ordersMu.Lock()
	e.orders[order.ID] = order
	e.unconfirmed[order.ID] = struct{}{}
	e.ordersMu.Unlock()
	e.observe(adapter, order, took)
	log.WithError(cause).Warn("order placement outcome unknown, left open for sync")
	return order, cause
}

// Cancel cancels a resting order. Orders already in a terminal state are left
// untouched and reported as cancelled successfully.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	if tracked, ok := e.Order(orderID); ok && tracked.Status.IsTerminal() {
		return nil
	}

	adapter := e.Adapter()
	if adapter == nil {
		return ErrNoAdapter
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	log := e.log.WithComponent("executor").WithFields(logger.Fields{
		"order_id": orderID,
		"adapter":  adapter.Name(),
	})

	cerr := e.withRetry(cancelCtx, "cancel_order", func(int) error {
		return adapter.CancelOrder(cancelCtx, orderID)
	})
	if cerr != nil && Retryable(cerr) {
		log.WithError(cerr).Warn("order cancel failed")
		return cerr
	}

	// The venue may have finished the order before the cancel arrived, so the
	// tracked copy takes whatever state the venue reports.
	venue, serr := adapter.GetOrderStatus(cancelCtx, orderID)
	if serr != nil {
		if cerr != nil {
			log.WithError(cerr).Warn("order cancel failed")
			return cerr
		}
		log.WithError(serr).Warn("order cancelled but venue state unavailable")
		return nil
	}

	order, tracked := e.Order(orderID)
	if tracked {
		prev := order.Status
		if aerr := e.apply(&order, venue); aerr != nil {
			log.WithError(aerr).Error("adapter returned an inconsistent order on cancel")
			return aerr
		}
		e.settled(order)
		if order.Status != prev {
			e.observe(adapter, order, 0)
		}
	}

	if !venue.Status.IsTerminal() {
		if cerr != nil {
			log.WithError(cerr).Warn("order cancel failed")
			return cerr
		}
		log.WithFields(logger.Fields{"status": string(venue.Status)}).Info("cancel accepted, order still live at venue")
		return nil
	}
	log.WithFields(logger.Fields{
		"status":          string(venue.Status),
		"filled_quantity": venue.FilledQuantity,
	}).Info("order closed")
	return nil
}

// Sync asks the venue for the current state of a tracked order and applies it.
func (e *Executor) Sync(ctx context.Context, orderID string) (models.Order, error) {
	order, ok := e.Order(orderID)
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if order.Status.IsTerminal() || order.Status == models.OrderStatusPending {
		return order, nil
	}

	adapter := e.Adapter()
	if adapter == nil {
		return order, ErrNoAdapter
	}

	var venue models.Order
	err := e.withRetry(ctx, "get_order_status", func(int) error {
		got, gerr := adapter.GetOrderStatus(ctx, orderID)
		if gerr != nil {
			return gerr
		}
		venue = got
		return nil
	})
	if err != nil {
		if Retryable(err) || !e.isUnconfirmed(orderID) || order.FilledQuantity > 0 {
			return order, err
		}
		// The venue never saw an order whose placement outcome was lost.
		order.Reason = "order not found at venue: " + Reason(err)
		_ = order.Transition(models.OrderStatusRejected, e.now())
		e.settled(order)
		e.observe(adapter, order, 0)
		e.log.WithComponent("executor").WithFields(logger.Fields{"order_id": orderID}).Warn("unconfirmed order unknown to venue, rejected")
		return order, nil
	}

	prev := order.Status
	if err := e.apply(&order, venue); err != nil {
		return order, err
	}
	e.settled(order)
	if order.Status != prev {
		e.observe(adapter, order, 0)
		e.log.WithComponent("executor").WithFields(logger.Fields{
			"order_id": orderID,
			"from":     string(prev),
			"to":       string(order.Status),
		}).Info("order status synced")
	}
	return order, nil
}

// Order returns the tracked copy of an order.
func (e *Executor) Order(orderID string) (models.Order, bool) {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	o, ok := e.orders[orderID]
	return o, ok
}

// OpenOrders returns tracked non-terminal orders, oldest first.
func (e *Executor) OpenOrders() []models.Order {
	e.ordersMu.RLock()
	out := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	e.ordersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *Executor) track(order models.Order) {
	e.ordersMu.Lock()
	e.orders[order.ID] = order
	e.ordersMu.Unlock()
}

// settled tracks order as confirmed by the venue.
func (e *Executor) settled(order models.Order) {
	e.ordersMu.Lock()
	e.orders[order.ID] = order
	delete(e.unconfirmed, order.ID)
	e.ordersMu.Unlock()
}

func (e *Executor) isUnconfirmed(orderID string) bool {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	_, ok := e.unconfirmed[orderID]
	return ok
}

// apply overlays the venue's view onto order. Only legal transitions with a
// fill inside [previous fill, quantity] are accepted; on a fault order is
// left unchanged.
func (e *Executor) apply(order *models.Order, venue models.Order) error {
	if venue.ID != "" && venue.ID != order.ID {
		return fmt.Errorf("%w: id %q for order %q", ErrAdapterFault, venue.ID, order.ID)
	}
	if !order.Status.CanTransition(venue.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrAdapterFault, order.Status, venue.Status)
	}
	if venue.FilledQuantity < order.FilledQuantity || venue.FilledQuantity > order.Quantity {
		return fmt.Errorf("%w: filled %v outside [%v, %v]", ErrAdapterFault, venue.FilledQuantity, order.FilledQuantity, order.Quantity)
	}
	if venue.Status == models.OrderStatusFilled && venue.FilledQuantity != order.Quantity {
		return fmt.Errorf("%w: filled status with %v of %v", ErrAdapterFault, venue.FilledQuantity, order.Quantity)
	}
	if venue.Status == models.OrderStatusPartiallyFilled && venue.FilledQuantity == 0 {
		return fmt.Errorf("%w: partial fill without quantity", ErrAdapterFault)
	}

	at := venue.UpdatedAt
	if at.IsZero() {
		at = e.now()
	}
	if err := order.Transition(venue.Status, at); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterFault, err)
	}
	order.FilledQuantity = venue.FilledQuantity
	if venue.AvgFillPrice > 0 {
		order.AvgFillPrice = venue.AvgFillPrice
	}
	if venue.Reason != "" {
		order.Reason = venue.Reason
	}
	return nil
}

func (e *Executor) observe(adapter Adapter, order models.Order, took time.Duration) {
	metrics.ObserveOrder(adapter.Name(), string(order.Side), string(order.Status), took)
	logger.IncrementOrder(string(order.Status))
}

package trader

import (
	"context"
	"errors"
	"time"

	"tradeflow/executor"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/risk"
)

func (t *Trader) poller(symbol models.Symbol) {
	defer t.wg.Done()

	log := t.log.WithComponent("trader").WithMarket(symbol.Exchange, symbol.String()).
		WithFields(logger.Fields{"worker": "poller"})
	log.Info("starting poller")

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.poll(t.ctx, symbol)
	for {
		select {
		case <-t.ctx.Done():
			log.Info("poller stopped due to context cancellation")
			return
		case <-ticker.C:
			t.poll(t.ctx, symbol)
		}
	}
}

// poll runs one evaluation cycle for symbol and queues the resulting signals.
func (t *Trader) poll(ctx context.Context, symbol models.Symbol) {
	candles, err := t.feed.FetchCandles(ctx, symbol, t.cfg.Interval, t.cfg.CandleLimit)
	if err != nil {
		if ctx.Err() == nil {
			t.log.WithComponent("trader").WithMarket(symbol.Exchange, symbol.String()).
				WithError(err).Warn("failed to fetch candles")
		}
		return
	}

	queued := 0
	for _, sig := range t.resolveConflicts(symbol, t.engine.Run(symbol, candles)) {
		logger.IncrementSignal()
		metrics.IncSignal(sig.Strategy, string(sig.Side))
		if t.signals.Send(ctx, sig) {
			queued++
		}
	}
	logger.LogHandoff(t.log.WithComponent("trader").WithMarket(symbol.Exchange, symbol.String()),
		"strategy_engine", "order_queue", queued, "signal")
}

// resolveConflicts discards the whole cycle when strategies disagree on side.
func (t *Trader) resolveConflicts(symbol models.Symbol, signals []models.Signal) []models.Signal {
	var buys, sells int
	for _, s := range signals {
		if s.Side == models.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	if buys == 0 || sells == 0 {
		return signals
	}

	for _, s := range signals {
		metrics.EmitDropMetric(t.log, metrics.DropMetricConflict, symbol.Exchange, symbol.String(), s.Strategy)
	}
	t.log.WithComponent("trader").WithFields(logger.Fields{
		"symbol": symbol.String(),
		"buys":   buys,
		"sells":  sells,
	}).Info("conflicting signals dropped")
	return nil
}

func (t *Trader) orderWorker() {
	defer t.wg.Done()

	log := t.log.WithComponent("trader").WithFields(logger.Fields{"worker": "orders"})
	log.Info("starting order worker")

	for {
		select {
		case <-t.ctx.Done():
			log.Info("order worker stopped due to context cancellation")
			return
		case sig, ok := <-t.signals.C:
			if !ok {
				log.Info("signal channel closed, order worker stopping")
				return
			}
			t.handleSignal(t.ctx, sig)
		}
	}
}

// handleSignal turns an accepted signal into a market order. Buys open a new
// position; sells close the whole position and are ignored when flat.
func (t *Trader) handleSignal(ctx context.Context, sig models.Signal) {
	t.orderMu.Lock()
	defer t.orderMu.Unlock()

	log := t.log.WithComponent("trader").WithMarket(sig.Symbol.Exchange, sig.Symbol.String()).
		WithFields(logger.Fields{
			"signal_id": sig.ID,
			"side":      string(sig.Side),
			"strategy":  sig.Strategy,
			"strength":  sig.Strength,
		})

	value := t.book.Value()
	if t.risk.DailyLossLimitReached(value) {
		t.recordDecision(risk.Rejected("Daily loss limit reached"))
		log.Warn("daily loss limit reached, signal ignored")
		return
	}
	if res := t.risk.CheckSignal(sig, value); !res.IsApproved() {
		t.recordDecision(res)
		log.WithFields(logger.Fields{"reason": res.Reason}).Info("signal rejected")
		return
	}
	if t.hasResting(sig.Symbol) {
		log.Debug("order already resting for symbol, signal skipped")
		return
	}

	pos, held := t.book.Position(sig.Symbol)
	switch sig.Side {
	case models.SideBuy:
		if held {
			log.Debug("position already open, buy skipped")
			return
		}
		tk, err := t.feed.FetchTicker(ctx, sig.Symbol)
		if err != nil {
			log.WithError(err).Warn("failed to fetch ticker")
			return
		}
		qty := t.risk.CalculatePositionSize(sig, value, tk.Price)
		if qty <= 0 {
			log.WithFields(logger.Fields{"price": tk.Price}).Info("position size is zero, buy skipped")
			return
		}

		order := models.NewMarketOrder(sig.Symbol, models.SideBuy, qty)
		res, release := t.risk.Admit(order, t.book)
		t.recordDecision(res)
		if !res.IsApproved() {
			log.WithFields(logger.Fields{"reason": res.Reason}).Info("order rejected by risk manager")
			return
		}
		t.submit(ctx, order, sig.Strategy, release)

	case models.SideSell:
		if !held {
			log.Debug("no position to sell")
			return
		}
		t.recordDecision(risk.Approved())
		t.submit(ctx, models.NewMarketOrder(sig.Symbol, models.SideSell, pos.Quantity), sig.Strategy, func() {})
	}
}

func (t *Trader) recordDecision(res risk.CheckResult) {
	logger.IncrementRiskDecision(!res.IsRejected())
	metrics.IncRiskDecision(res.Decision.String())
}

// submit persists, executes and books one order. Persistence after execution
// outlives ctx so a shutdown never loses a venue outcome. release frees the
// risk reservation once the order is terminal.
func (t *Trader) submit(ctx context.Context, order models.Order, strategyName string, release func()) {
	log := t.log.WithComponent("trader").
		WithMarket(order.Symbol.Exchange, order.Symbol.String()).
		WithOrder(order.ID, string(order.Side)).
		WithFields(logger.Fields{"quantity": order.Quantity})
	logger.LogHandoff(log, strategyName, "executor", 1, "order")

	if err := t.repo.SaveOrder(ctx, order); err != nil {
		release()
		log.WithError(err).Error("failed to persist pending order")
		return
	}

	result, err := t.exec.Execute(ctx, order)
	persistCtx := context.WithoutCancel(ctx)
	if result.Status != models.OrderStatusPending {
		if serr := t.repo.SaveOrder(persistCtx, result); serr != nil {
			log.WithError(serr).Error("failed to persist order")
		}
	}
	if err != nil {
		entry := log.WithError(err).WithFields(logger.Fields{"status": string(result.Status)})
		if errors.Is(err, executor.ErrRejected) || errors.Is(err, executor.ErrInsufficientBalance) {
			entry.Info("order rejected by exchange")
		} else {
			entry.Warn("order execution failed")
		}
		// Orders left live at the venue are settled later by syncResting.
		if result.Status == models.OrderStatusPending || result.Status.IsTerminal() {
			release()
			return
		}
	}

	st := &fillState{symbol: result.Symbol, strategy: strategyName, release: release}
	if t.settle(persistCtx, result, st) {
		release()
		return
	}
	t.resting[result.ID] = st
}

func (t *Trader) hasResting(symbol models.Symbol) bool {
	for _, st := range t.resting {
		if st.symbol == symbol {
			return true
		}
	}
	return false
}

// settle books the part of order's fill not yet covered by st and reports
// whether the order is terminal. The daily P&L is charged once, when the
// order completes.
func (t *Trader) settle(ctx context.Context, order models.Order, st *fillState) bool {
	if delta := order.FilledQuantity - st.filled; delta > 0 {
		price := order.AvgFillPrice
		if st.filled > 0 {
			if p := (order.AvgFillPrice*order.FilledQuantity - st.notional) / delta; p > 0 {
				price = p
			}
		}
		t.bookFill(ctx, order, delta, price, st)
	}

	if order.Status == models.OrderStatusFilled {
		t.risk.UpdateDailyPnL(st.realized)
		metrics.SetDailyPnL(t.risk.DailyPnL())
	}
	return order.Status.IsTerminal()
}

func (t *Trader) bookFill(ctx context.Context, order models.Order, qty, price float64, st *fillState) {
	log := t.log.WithComponent("trader").
		WithMarket(order.Symbol.Exchange, order.Symbol.String()).
		WithOrder(order.ID, string(order.Side)).
		WithFields(logger.Fields{"quantity": qty, "price": price})

	pos, realized, err := t.book.ApplyFill(order.Symbol, order.Side, qty, price)
	if err != nil {
		log.WithError(err).Error("failed to apply fill to portfolio")
		return
	}
	st.filled += qty
	st.notional += qty * price
	st.realized += realized

	if err := t.repo.SavePosition(ctx, pos); err != nil {
		log.WithError(err).Error("failed to persist position")
	}

	t.journal.Record(models.Trade{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    qty,
		Price:       price,
		RealizedPnL: realized,
		Strategy:    st.strategy,
		Timestamp:   t.now(),
	})

	log.WithFields(logger.Fields{
		"realized_pnl":  realized,
		"position_qty":  pos.Quantity,
		"cash":          t.book.Cash(),
		"portfolio_val": t.book.Value(),
	}).Info("fill booked")
}

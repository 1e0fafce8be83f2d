package trader

import (
	"context"
	"errors"
	"time"

	"tradeflow/executor"
	"tradeflow/logger"
	"tradeflow/models"
)

// ExitStrategy tags journal rows of orders forced by stop-loss or take-profit.
const ExitStrategy = "risk_exit"

func (t *Trader) exitMonitor() {
	defer t.wg.Done()

	log := t.log.WithComponent("trader").WithFields(logger.Fields{"worker": "exits"})
	log.Info("starting exit monitor")

	ticker := time.NewTicker(t.cfg.ExitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			log.Info("exit monitor stopped due to context cancellation")
			return
		case <-ticker.C:
			t.checkExits(t.ctx)
			t.syncResting(t.ctx)
		}
	}
}

// checkExits marks every position to a fresh ticker and closes the ones
// past their stop-loss or take-profit threshold.
func (t *Trader) checkExits(ctx context.Context) {
	t.orderMu.Lock()
	defer t.orderMu.Unlock()

	for _, pos := range t.book.Positions() {
		if ctx.Err() != nil {
			return
		}
		log := t.log.WithComponent("trader").WithMarket(pos.Symbol.Exchange, pos.Symbol.String())

		tk, err := t.feed.FetchTicker(ctx, pos.Symbol)
		if err != nil {
			log.WithError(err).Warn("failed to fetch ticker for exit check")
			continue
		}
		marked, ok := t.book.Mark(pos.Symbol, tk.Price)
		if !ok {
			continue
		}
		if err := t.repo.SavePosition(ctx, marked); err != nil {
			log.WithError(err).Warn("failed to persist marked position")
		}

		side := t.risk.CheckExitConditions(marked)
		if side == nil || t.hasResting(pos.Symbol) {
			continue
		}
		log.WithFields(logger.Fields{
			"avg_price":     marked.AvgPrice,
			"current_price": marked.CurrentPrice,
			"pnl_pct":       marked.PnLPct(),
		}).Info("exit condition reached, closing position")
		t.submit(ctx, models.NewMarketOrder(pos.Symbol, *side, marked.Quantity), ExitStrategy, func() {})
	}
}

// syncResting refreshes orders the venue has not finished and books any new fills.
func (t *Trader) syncResting(ctx context.Context) {
	t.orderMu.Lock()
	defer t.orderMu.Unlock()

	for id, st := range t.resting {
		if ctx.Err() != nil {
			return
		}
		log := t.log.WithComponent("trader").WithFields(logger.Fields{"order_id": id})

		order, err := t.exec.Sync(ctx, id)
		if errors.Is(err, executor.ErrUnknownOrder) {
			delete(t.resting, id)
			st.release()
			log.Warn("resting order no longer tracked by executor")
			continue
		}
		if err != nil {
			log.WithError(err).Warn("failed to sync order")
			continue
		}

		persistCtx := context.WithoutCancel(ctx)
		if err := t.repo.SaveOrder(persistCtx, order); err != nil {
			log.WithError(err).Error("failed to persist order")
		}
		if t.settle(persistCtx, order, st) {
			delete(t.resting, id)
			st.release()
			log.WithFields(logger.Fields{"status": string(order.Status)}).Info("resting order finished")
		}
	}
}

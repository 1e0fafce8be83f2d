package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/logger"
)

// DailyReset zeroes the manager's daily accounting at each midnight of loc.
type DailyReset struct {
	manager *Manager
	loc     *time.Location
	now     func() time.Time

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewDailyReset(manager *Manager, loc *time.Location) *DailyReset {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyReset{
		manager: manager,
		loc:     loc,
		now:     time.Now,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func (d *DailyReset) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daily reset already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	d.wg.Add(1)
	go d.worker()

	d.log.WithComponent("risk_reset").WithFields(logger.Fields{
		"timezone":   d.loc.String(),
		"next_reset": nextReset(d.now(), d.loc),
	}).Info("daily reset scheduler started")
	return nil
}

// Stop waits for the worker to exit; the caller cancels the start context.
func (d *DailyReset) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("risk_reset").Info("daily reset scheduler stopped")
}

func (d *DailyReset) worker() {
	defer d.wg.Done()

	for {
		wait := nextReset(d.now(), d.loc).Sub(d.now())
		timer := time.NewTimer(wait)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			pnl, trades := d.manager.DailyPnL(), d.manager.DailyTrades()
			d.manager.ResetDaily()
			d.log.WithComponent("risk_reset").WithFields(logger.Fields{
				"daily_pnl":    pnl,
				"daily_trades": trades,
			}).Info("daily risk accounting reset")
		}
	}
}

// nextReset returns the first midnight in loc strictly after now.
func nextReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, day := local.Date()
	return time.Date(y, m, day+1, 0, 0, 0, 0, loc)
}

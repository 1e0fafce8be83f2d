// Package trader runs the trading loop: candle polling, strategy evaluation,
// risk gating, order execution and position bookkeeping.
package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/config"
	"tradeflow/executor"
	"tradeflow/internal/channel"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/portfolio"
	"tradeflow/repository"
	"tradeflow/risk"
	"tradeflow/strategy"
	"tradeflow/writer"
)

// MarketData is the part of the market service the trader reads from.
type MarketData interface {
	FetchCandles(ctx context.Context, symbol models.Symbol, interval string, limit int) ([]models.Candle, error)
	FetchTicker(ctx context.Context, symbol models.Symbol) (models.Ticker, error)
}

// Deps are the collaborators a Trader drives. Journal may be nil.
type Deps struct {
	Feed     MarketData
	Engine   *strategy.Engine
	Risk     *risk.Manager
	Executor *executor.Executor
	Repo     repository.Repository
	Book     *portfolio.Book
	Journal  *writer.Journal
}

// fillState remembers what has already been booked for an order so repeated
// status reads only apply the new part of a fill.
type fillState struct {
	symbol   models.Symbol
	strategy string
	release  func()
	filled   float64
	notional float64
	realized float64
}

type Trader struct {
	cfg     config.TraderConfig
	symbols []models.Symbol

	feed    MarketData
	engine  *strategy.Engine
	risk    *risk.Manager
	exec    *executor.Executor
	repo    repository.Repository
	book    *portfolio.Book
	journal *writer.Journal
	signals *channel.Signals

	// orderMu serializes order flow so signal and exit orders never race on the book.
	orderMu sync.Mutex
	resting map[string]*fillState

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	now     func() time.Time
	log     *logger.Log
}

func New(cfg config.TraderConfig, deps Deps) (*Trader, error) {
	if deps.Feed == nil || deps.Engine == nil || deps.Risk == nil || deps.Executor == nil || deps.Repo == nil || deps.Book == nil {
		return nil, fmt.Errorf("trader: missing dependency")
	}
	if cfg.CandleLimit <= 0 || cfg.PollInterval <= 0 || cfg.ExitCheckInterval <= 0 {
		return nil, fmt.Errorf("trader: candle limit and intervals must be positive")
	}

	symbols := make([]models.Symbol, 0, len(cfg.Symbols))
	seen := make(map[models.Symbol]bool)
	for _, s := range cfg.Symbols {
		sym := models.NewSymbol(s.Base, s.Quote, s.Exchange)
		if sym.Base == "" || sym.Quote == "" || sym.Exchange == "" {
			return nil, fmt.Errorf("trader: incomplete symbol %+v", s)
		}
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	return &Trader{
		cfg:     cfg,
		symbols: symbols,
		feed:    deps.Feed,
		engine:  deps.Engine,
		risk:    deps.Risk,
		exec:    deps.Executor,
		repo:    deps.Repo,
		book:    deps.Book,
		journal: deps.Journal,
		signals: channel.NewSignals(cfg.SignalBuffer),
		resting: make(map[string]*fillState),
		wg:      &sync.WaitGroup{},
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.GetLogger(),
	}, nil
}

// Restore loads persisted positions into the book. Call it before Start.
func (t *Trader) Restore(ctx context.Context) error {
	positions, err := t.repo.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	t.book.Restore(positions)
	return nil
}

func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("trader already running")
	}
	t.running = true
	t.ctx = ctx
	t.mu.Unlock()

	log := t.log.WithComponent("trader").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbols":       len(t.symbols),
		"strategies":    t.engine.List(),
		"interval":      t.cfg.Interval,
		"poll_interval": t.cfg.PollInterval.String(),
	}).Info("starting trader")

	for _, sym := range t.symbols {
		t.wg.Add(1)
		go t.poller(sym)
	}

	t.wg.Add(2)
	go t.orderWorker()
	go t.exitMonitor()

	t.signals.StartMetricsReporting(ctx, 30*time.Second)

	log.Info("trader started successfully")
	return nil
}

// Stop waits for every worker to exit. The start context must be cancelled first.
func (t *Trader) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.log.WithComponent("trader").Info("stopping trader")
	t.wg.Wait()
	t.signals.Close()

	stats := t.signals.GetStats()
	t.log.WithComponent("trader").WithFields(logger.Fields{
		"signals_sent":    stats.Sent,
		"signals_dropped": stats.Dropped,
		"portfolio_value": t.book.Value(),
	}).Info("trader stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (t *Trader) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

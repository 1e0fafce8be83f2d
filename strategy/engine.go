package strategy

import (
	"fmt"
	"sort"
	"sync"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// Engine is a registry of strategies keyed by name.
type Engine struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	log        *logger.Log
}

func NewEngine() *Engine {
	return &Engine{
		strategies: make(map[string]Strategy),
		log:        logger.GetLogger(),
	}
}

// NewEngineFromConfig registers every enabled strategy of cfgs.
func NewEngineFromConfig(cfgs []config.StrategyConfig) (*Engine, error) {
	e := NewEngine()
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		s, err := Build(c.Name, Params(c.Params))
		if err != nil {
			return nil, err
		}
		e.Register(s)
	}
	return e, nil
}

// Register adds s, replacing any strategy with the same name.
func (e *Engine) Register(s Strategy) {
	e.mu.Lock()
	_, replaced := e.strategies[s.Name()]
	e.strategies[s.Name()] = s
	e.mu.Unlock()

	e.log.WithComponent("strategy_engine").WithFields(logger.Fields{
		"strategy": s.Name(),
		"replaced": replaced,
	}).Info("strategy registered")
}

func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[name]; !ok {
		return false
	}
	delete(e.strategies, name)
	return true
}

// SetParams updates the parameters of a registered strategy.
func (e *Engine) SetParams(name string, params Params) error {
	e.mu.RLock()
	s, ok := e.strategies[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %q is not registered", name)
	}
	return s.SetParams(params)
}

// List returns the registered strategy names in sorted order.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) snapshot() []Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Run analyzes candles with every registered strategy and returns the
// signals they emit. Signals for the same symbol are not merged.
func (e *Engine) Run(symbol models.Symbol, candles []models.Candle) []models.Signal {
	if len(candles) == 0 {
		return nil
	}
	if candles[0].Symbol != symbol {
		e.log.WithComponent("strategy_engine").WithFields(logger.Fields{
			"symbol":        symbol.String(),
			"candle_symbol": candles[0].Symbol.String(),
		}).Warn("candle window does not belong to symbol")
		return nil
	}

	var signals []models.Signal
	for _, s := range e.snapshot() {
		if sig := s.Analyze(candles); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

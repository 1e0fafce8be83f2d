// Package risk gates signals and orders against portfolio limits and keeps
// the daily P&L accounting.
package risk

import (
	"math"
	"sync"

	"tradeflow/logger"
	"tradeflow/models"
)

const (
	ReasonWeakSignal       = "Signal strength too low"
	ReasonMaxOpenPositions = "Max open positions reached"
	ReasonInvalidPortfolio = "Invalid portfolio value"
)

// PositionSource exposes the currently open positions.
type PositionSource interface {
	OpenPositions() []models.Position
}

// Manager is safe for concurrent use. Daily accounting and position admission
// are serialized by a single mutex.
type Manager struct {
	config Config
	log    *logger.Log

	mu           sync.Mutex
	dailyPnL     float64
	dailyTrades  int
	reservations map[string]struct{}
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		config:       cfg,
		log:          logger.GetLogger(),
		reservations: make(map[string]struct{}),
	}
}

func (m *Manager) Config() Config {
	return m.config
}

// CheckSignal rejects signals below the minimum strength.
func (m *Manager) CheckSignal(signal models.Signal, portfolioValue float64) CheckResult {
	if signal.Strength < m.config.MinSignalStrength {
		return Rejected(ReasonWeakSignal)
	}
	if !(portfolioValue > 0) {
		return Rejected(ReasonInvalidPortfolio)
	}
	return Approved()
}

// CalculatePositionSize returns the smaller of the portfolio-fraction cap and
// the risk-per-trade cap derived from the stop distance, in base units.
func (m *Manager) CalculatePositionSize(signal models.Signal, portfolioValue, entryPrice float64) float64 {
	if !(portfolioValue > 0) || !(entryPrice > 0) || math.IsInf(portfolioValue, 0) || math.IsInf(entryPrice, 0) {
		return 0
	}
	maxAmount := portfolioValue * m.config.MaxPositionSize
	riskAmount := portfolioValue * m.config.MaxLossPerTrade
	stopLossDistance := entryPrice * m.config.StopLossPct
	if !(stopLossDistance > 0) {
		return 0
	}
	maxQuantityByRisk := riskAmount / stopLossDistance

	qty := math.Min(maxAmount, maxQuantityByRisk*entryPrice) / entryPrice
	if !(qty > 0) {
		return 0
	}
	return qty
}

// CheckOrder rejects when the open position count is at the limit.
func (m *Manager) CheckOrder(order models.Order, openPositions []models.Position) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkCount(len(openPositions))
}

func (m *Manager) checkCount(open int) CheckResult {
	if open >= m.config.MaxOpenPositions {
		return Rejected(ReasonMaxOpenPositions)
	}
	return Approved()
}

// Admit is CheckOrder for concurrent submitters. It reads the position set and
// reserves a slot for the order in one critical section; the slot counts
// against the limit until release is called. release is idempotent.
func (m *Manager) Admit(order models.Order, positions PositionSource) (CheckResult, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.checkCount(len(positions.OpenPositions()) + len(m.reservations))
	if !result.IsApproved() {
		return result, func() {}
	}
	m.reservations[order.ID] = struct{}{}

	var once sync.Once
	return result, func() {
		once.Do(func() { m.Release(order.ID) })
	}
}

// Release drops the admission reservation held by orderID.
func (m *Manager) Release(orderID string) {
	m.mu.Lock()
	delete(m.reservations, orderID)
	m.mu.Unlock()
}

// CheckExitConditions returns Sell when a long position crossed its stop-loss
// or take-profit threshold.
func (m *Manager) CheckExitConditions(position models.Position) *models.OrderSide {
	if position.Quantity <= 0 || position.AvgPrice <= 0 {
		return nil
	}
	pnlPct := (position.CurrentPrice - position.AvgPrice) / position.AvgPrice
	if pnlPct <= -m.config.StopLossPct || pnlPct >= m.config.TakeProfitPct {
		side := models.SideSell
		return &side
	}
	return nil
}

// UpdateDailyPnL records one completed trade.
func (m *Manager) UpdateDailyPnL(pnl float64) {
	m.mu.Lock()
	m.dailyPnL += pnl
	m.dailyTrades++
	total, trades := m.dailyPnL, m.dailyTrades
	m.mu.Unlock()

	m.log.WithComponent("risk_manager").WithFields(logger.Fields{
		"trade_pnl":    pnl,
		"daily_pnl":    total,
		"daily_trades": trades,
	}).Debug("daily pnl updated")
}

func (m *Manager) ResetDaily() {
	m.mu.Lock()
	m.dailyPnL = 0
	m.dailyTrades = 0
	m.mu.Unlock()
}

// DailyLossLimitReached reports whether the day's loss has reached the limit.
// A non-positive portfolio value always counts as reached.
func (m *Manager) DailyLossLimitReached(portfolioValue float64) bool {
	if !(portfolioValue > 0) {
		return true
	}
	m.mu.Lock()
	pnl := m.dailyPnL
	m.mu.Unlock()
	return pnl/portfolioValue <= -m.config.MaxDailyLoss
}

func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

func (m *Manager) DailyTrades() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyTrades
}

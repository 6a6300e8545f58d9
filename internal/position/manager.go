package position

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Config holds the manager's limits used for post-fill breach advisories.
// The pre-trade risk engine is the actual gate; breaches surfaced here come
// from slippage and partial fills that landed past a limit.
type Config struct {
	Limits domain.RiskLimits
}

// Manager is the authoritative ledger of holdings. It is the sole writer of
// Position and RiskState exposure fields; every other component reads
// consistent snapshots. Fills are applied strictly per symbol: a fill whose
// timestamp predates the last applied fill is queued and replayed in
// timestamp order.
type Manager struct {
	cfg    Config
	logger ports.Logger
	pub    Publisher

	mu        sync.Mutex
	positions map[string]*domain.Position
	riskState *domain.RiskState
	lastFill  map[string]time.Time
	pending   map[string][]domain.Fill // out-of-order fills awaiting replay
	history   []domain.Fill            // archived fill history (bounded)
}

const maxFillHistory = 10000

// NewManager creates a position manager with an empty ledger.
func NewManager(cfg Config, log ports.Logger, pub Publisher) (*Manager, error) {
	if log == nil || pub == nil {
		return nil, fmt.Errorf("logger and publisher are required for the position manager")
	}
	return &Manager{
		cfg:       cfg,
		logger:    log,
		pub:       pub,
		positions: make(map[string]*domain.Position),
		riskState: domain.NewRiskState(),
		lastFill:  make(map[string]time.Time),
		pending:   make(map[string][]domain.Fill),
	}, nil
}

// ApplyFill updates net quantity, weighted-average cost basis and realized
// P&L for one confirmed fill. Fills arriving out of timestamp order for a
// symbol are queued and replayed oldest-first.
func (m *Manager) ApplyFill(ctx context.Context, fill domain.Fill) error {
	if fill.Quantity == 0 {
		return fmt.Errorf("fill for order %s has zero quantity", fill.OrderID)
	}

	m.mu.Lock()
	if last, ok := m.lastFill[fill.Symbol]; ok && fill.Timestamp.Before(last) {
		m.pending[fill.Symbol] = append(m.pending[fill.Symbol], fill)
		m.logger.Warn(ctx, "Out-of-order fill queued for replay", map[string]interface{}{
			"symbol":  fill.Symbol,
			"orderID": fill.OrderID,
			"fillTs":  fill.Timestamp,
			"lastTs":  last,
		})
		m.replayPendingLocked(ctx, fill.Symbol)
		m.mu.Unlock()
		return nil
	}

	m.applyLocked(ctx, fill)
	m.replayPendingLocked(ctx, fill.Symbol)
	m.mu.Unlock()
	return nil
}

// replayPendingLocked drains queued late fills for the symbol in timestamp
// order. Caller holds the mutex.
func (m *Manager) replayPendingLocked(ctx context.Context, symbol string) {
	queued := m.pending[symbol]
	if len(queued) == 0 {
		return
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].Timestamp.Before(queued[j].Timestamp) })
	for _, f := range queued {
		m.applyLocked(ctx, f)
	}
	delete(m.pending, symbol)
}

// applyLocked performs the actual ledger update. Caller holds the mutex.
func (m *Manager) applyLocked(ctx context.Context, fill domain.Fill) {
	pos, ok := m.positions[fill.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: fill.Symbol, OpenedAt: fill.Timestamp}
		m.positions[fill.Symbol] = pos
	}

	oldQty := pos.Quantity
	newQty := oldQty + fill.Quantity

	switch {
	case oldQty == 0 || sameSign(oldQty, fill.Quantity):
		// Opening or adding: weighted-average cost basis over the combined size.
		pos.AvgCostBasis = (pos.AvgCostBasis*math.Abs(oldQty) + fill.Price*math.Abs(fill.Quantity)) / math.Abs(newQty)

	case math.Abs(fill.Quantity) <= math.Abs(oldQty):
		// Reducing or closing: realize P&L on the closed quantity at the
		// weighted-average basis. Basis of the remainder is unchanged.
		closedQty := math.Abs(fill.Quantity)
		realized := (fill.Price - pos.AvgCostBasis) * closedQty * sign(oldQty)
		pos.RealizedPnL += realized
		m.riskState.DailyRealizedLoss -= realized
		if newQty == 0 {
			pos.AvgCostBasis = 0
		}

	default:
		// Crossing through zero: close the whole old position, open the
		// remainder in the opposite direction at the fill price.
		realized := (fill.Price - pos.AvgCostBasis) * math.Abs(oldQty) * sign(oldQty)
		pos.RealizedPnL += realized
		m.riskState.DailyRealizedLoss -= realized
		pos.AvgCostBasis = fill.Price
	}

	pos.Quantity = newQty
	pos.LastPrice = fill.Price
	pos.UnrealizedPnL = (fill.Price - pos.AvgCostBasis) * pos.Quantity
	pos.UpdatedAt = fill.Timestamp
	m.lastFill[fill.Symbol] = fill.Timestamp

	m.history = append(m.history, fill)
	if len(m.history) > maxFillHistory {
		m.history = m.history[len(m.history)-maxFillHistory:]
	}

	m.recomputeExposureLocked(fill.Symbol)
	m.checkBreachLocked(ctx, fill.Symbol)

	m.logger.Debug(ctx, "Fill applied", map[string]interface{}{
		"symbol":   fill.Symbol,
		"orderID":  fill.OrderID,
		"fillQty":  fill.Quantity,
		"price":    fill.Price,
		"netQty":   pos.Quantity,
		"avgBasis": pos.AvgCostBasis,
		"realized": pos.RealizedPnL,
	})
}

// MarkToMarket recomputes unrealized P&L for a symbol at the latest price.
// Called on every PRICE_UPDATE for symbols with an open position.
func (m *Manager) MarkToMarket(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok || pos.IsFlat() {
		return
	}
	pos.LastPrice = price
	pos.UnrealizedPnL = (price - pos.AvgCostBasis) * pos.Quantity
	pos.UpdatedAt = time.Now().UTC()
	m.recomputeExposureLocked(symbol)
}

// recomputeExposureLocked keeps RiskState exposure equal to the sum of
// position values, recomputed incrementally per symbol. Caller holds the
// mutex.
func (m *Manager) recomputeExposureLocked(symbol string) {
	pos := m.positions[symbol]
	m.riskState.PerSymbolExposure[symbol] = pos.Exposure()
	m.riskState.PerSymbolQty[symbol] = pos.Quantity
	var total float64
	for _, exp := range m.riskState.PerSymbolExposure {
		total += exp
	}
	m.riskState.TotalExposure = total
	m.riskState.UpdatedAt = time.Now().UTC()
}

// checkBreachLocked publishes an advisory RISK_BREACH if post-fill exposure
// landed past a configured limit. Caller holds the mutex.
func (m *Manager) checkBreachLocked(ctx context.Context, symbol string) {
	pos := m.positions[symbol]

	if m.cfg.Limits.MaxPositionSize > 0 && math.Abs(pos.Quantity) > m.cfg.Limits.MaxPositionSize {
		m.publishBreach(ctx, domain.RiskBreachPayload{
			Symbol:   symbol,
			Check:    "position_size",
			Value:    math.Abs(pos.Quantity),
			Limit:    m.cfg.Limits.MaxPositionSize,
			Severity: domain.SeverityHigh,
		})
	}
	if m.cfg.Limits.MaxExposure > 0 && m.riskState.TotalExposure > m.cfg.Limits.MaxExposure {
		m.publishBreach(ctx, domain.RiskBreachPayload{
			Symbol:   symbol,
			Check:    "total_exposure",
			Value:    m.riskState.TotalExposure,
			Limit:    m.cfg.Limits.MaxExposure,
			Severity: domain.SeverityHigh,
		})
	}
	if m.cfg.Limits.MaxDailyLoss > 0 && m.riskState.DailyRealizedLoss > m.cfg.Limits.MaxDailyLoss {
		m.publishBreach(ctx, domain.RiskBreachPayload{
			Symbol:   symbol,
			Check:    "daily_loss",
			Value:    m.riskState.DailyRealizedLoss,
			Limit:    m.cfg.Limits.MaxDailyLoss,
			Severity: domain.SeverityHigh,
		})
	}
}

func (m *Manager) publishBreach(ctx context.Context, payload domain.RiskBreachPayload) {
	if err := m.pub.Publish(ctx, domain.NewEvent(domain.EventRiskBreach, payload.Symbol, payload)); err != nil {
		m.logger.Error(ctx, err, "Failed to publish risk breach", map[string]interface{}{
			"symbol": payload.Symbol,
			"check":  payload.Check,
		})
	}
}

// RiskSnapshot returns a deep copy of the current risk state. Readers never
// observe a partially-updated state.
func (m *Manager) RiskSnapshot() *domain.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.riskState.Clone()
}

// GetPosition returns a copy of the position for a symbol, or nil if no
// fills have been seen for it.
func (m *Manager) GetPosition(symbol string) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	return pos.Clone()
}

// Positions returns copies of all positions, including flat ones not yet
// archived.
func (m *Manager) Positions() []*domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ArchivePosition removes a flat position from the ledger.
func (m *Manager) ArchivePosition(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return fmt.Errorf("no position for symbol %s: %w", symbol, ports.ErrNotFound)
	}
	if !pos.IsFlat() {
		return fmt.Errorf("position for %s is not flat (qty %f)", symbol, pos.Quantity)
	}
	delete(m.positions, symbol)
	delete(m.riskState.PerSymbolExposure, symbol)
	delete(m.riskState.PerSymbolQty, symbol)
	return nil
}

// ResetDailyStats zeroes the daily realized-loss counter at session roll.
func (m *Manager) ResetDailyStats() {
	m.mu.Lock()
	m.riskState.DailyRealizedLoss = 0
	m.mu.Unlock()
}

// FillHistory returns a copy of the archived fills, oldest first.
func (m *Manager) FillHistory() []domain.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Fill, len(m.history))
	copy(out, m.history)
	return out
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(a float64) float64 {
	if a < 0 {
		return -1
	}
	return 1
}

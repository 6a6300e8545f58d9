package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// Publisher is the slice of the event bus the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Submitter is the normal order submit path. The execution engine
// re-validates risk on this path, so the coordinator performs no risk
// checks of its own.
type Submitter interface {
	SubmitOrder(ctx context.Context, order *domain.Order) (string, error)
}

// HaltChecker reports circuit-breaker halts from the market data adapter.
type HaltChecker interface {
	IsHalted(symbol string) bool
}

// Config holds the coordinator's tunables.
type Config struct {
	RateLimit  int           // Max signals per strategy per window
	RateWindow time.Duration // Rolling rate-limit window
}

// Coordinator turns external trading signals into candidate orders,
// respecting per-strategy enablement and rate limits. A disabled strategy's
// signals never produce a candidate order.
type Coordinator struct {
	cfg    Config
	logger ports.Logger
	pub    Publisher
	submit Submitter
	halts  HaltChecker

	mu       sync.Mutex
	registry map[string]*domain.StrategyRegistration
	rate     map[string][]time.Time
	stopped  bool // set by emergency stop; cleared with it
}

// NewCoordinator creates a signal coordinator.
func NewCoordinator(cfg Config, log ports.Logger, pub Publisher, submit Submitter, halts HaltChecker) (*Coordinator, error) {
	if log == nil || pub == nil || submit == nil || halts == nil {
		return nil, fmt.Errorf("missing required dependencies for signal coordinator")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 30
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   log,
		pub:      pub,
		submit:   submit,
		halts:    halts,
		registry: make(map[string]*domain.StrategyRegistration),
		rate:     make(map[string][]time.Time),
	}, nil
}

// Register adds a strategy, enabled by default.
func (c *Coordinator) Register(strategyID string, riskOverride *domain.RiskLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.registry[strategyID]; exists {
		return
	}
	c.registry[strategyID] = &domain.StrategyRegistration{
		ID:           strategyID,
		Enabled:      true,
		RiskOverride: riskOverride,
	}
}

// SetEnabled toggles a strategy. Takes effect for the next signal evaluated;
// in-flight orders are unaffected.
func (c *Coordinator) SetEnabled(strategyID string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registry[strategyID]
	if !ok {
		return fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
	}
	reg.Enabled = enabled
	return nil
}

// DisableAll disables every registered strategy and blocks new signals
// until ResumeAll. Used by the emergency stop.
func (c *Coordinator) DisableAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, reg := range c.registry {
		reg.Enabled = false
	}
}

// ResumeAll lifts the global stop. Individual strategies stay disabled until
// explicitly re-enabled.
func (c *Coordinator) ResumeAll() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
}

// Strategies returns a copy of the registry.
func (c *Coordinator) Strategies() []domain.StrategyRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.StrategyRegistration, 0, len(c.registry))
	for _, reg := range c.registry {
		out = append(out, *reg)
	}
	return out
}

// OnSignal evaluates one external signal. It is a logged no-op when the
// strategy is disabled, unknown, rate-limited, or the symbol is halted;
// otherwise it builds a market candidate order and submits it through the
// normal path (which re-validates risk). Returns the order ID on submit.
func (c *Coordinator) OnSignal(ctx context.Context, sig domain.Signal) (string, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Warn(ctx, "Signal dropped, trading stopped", map[string]interface{}{"strategyID": sig.StrategyID})
		return "", ports.ErrEmergencyStopActive
	}
	reg, ok := c.registry[sig.StrategyID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn(ctx, "Signal from unregistered strategy dropped", map[string]interface{}{"strategyID": sig.StrategyID})
		return "", fmt.Errorf("strategy %s: %w", sig.StrategyID, ports.ErrNotFound)
	}
	if !reg.Enabled {
		c.mu.Unlock()
		c.logger.Debug(ctx, "Signal from disabled strategy dropped", map[string]interface{}{"strategyID": sig.StrategyID})
		return "", ports.ErrStrategyDisabled
	}
	if ro := reg.RiskOverride; ro != nil && ro.MaxPositionSize > 0 && sig.Quantity > ro.MaxPositionSize {
		c.mu.Unlock()
		c.logger.Warn(ctx, "Signal exceeds strategy quantity limit, dropped", map[string]interface{}{
			"strategyID": sig.StrategyID,
			"quantity":   sig.Quantity,
			"limit":      ro.MaxPositionSize,
		})
		return "", fmt.Errorf("strategy %s quantity %.2f over its limit %.2f: %w",
			sig.StrategyID, sig.Quantity, ro.MaxPositionSize, ports.ErrStrategyLimitExceeded)
	}
	rateLimit := c.cfg.RateLimit
	if ro := reg.RiskOverride; ro != nil && ro.MaxOrderRate > 0 && ro.MaxOrderRate < rateLimit {
		rateLimit = ro.MaxOrderRate
	}
	if !c.allowLocked(sig.StrategyID, rateLimit) {
		c.mu.Unlock()
		c.logger.Warn(ctx, "Strategy rate limit exceeded, signal dropped", map[string]interface{}{
			"strategyID": sig.StrategyID,
			"limit":      rateLimit,
			"window":     c.cfg.RateWindow.String(),
		})
		return "", ports.ErrStrategyRateLimited
	}
	reg.LastSignalAt = time.Now().UTC()
	c.mu.Unlock()

	if c.halts.IsHalted(sig.Symbol) {
		c.logger.Warn(ctx, "Signal for halted symbol dropped", map[string]interface{}{
			"strategyID": sig.StrategyID,
			"symbol":     sig.Symbol,
		})
		return "", fmt.Errorf("symbol %s: %w", sig.Symbol, ports.ErrSymbolHalted)
	}

	if err := c.pub.Publish(ctx, domain.NewEvent(domain.EventStrategySignal, sig.StrategyID, domain.SignalPayload{
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   sig.Quantity,
		Confidence: sig.Confidence,
	})); err != nil {
		c.logger.Error(ctx, err, "Failed to publish strategy signal event", map[string]interface{}{"strategyID": sig.StrategyID})
	}

	order := domain.NewOrder(sig.StrategyID, sig.Symbol, sig.Side, domain.Market, sig.Quantity)
	orderID, err := c.submit.SubmitOrder(ctx, order)
	if err != nil {
		return orderID, fmt.Errorf("submit candidate for strategy %s: %w", sig.StrategyID, err)
	}
	return orderID, nil
}

// allowLocked enforces the per-strategy rolling rate limit. Caller holds the
// mutex.
func (c *Coordinator) allowLocked(strategyID string, limit int) bool {
	now := time.Now()
	cutoff := now.Add(-c.cfg.RateWindow)
	window := c.rate[strategyID]
	i := 0
	for ; i < len(window); i++ {
		if window[i].After(cutoff) {
			break
		}
	}
	window = window[i:]
	if len(window) >= limit {
		c.rate[strategyID] = window
		return false
	}
	c.rate[strategyID] = append(window, now)
	return true
}

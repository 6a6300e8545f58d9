package override

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"tradingcore/internal/domain"
	"tradingcore/internal/execution"
	"tradingcore/internal/ports"
)

// Publisher is the slice of the event bus the controller needs.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Execution is the order-path surface the controller drives. Manual orders
// are not risk-exempt: they go through the same submit path as strategy
// candidates.
type Execution interface {
	SubmitOrder(ctx context.Context, order *domain.Order, opts execution.SubmitOptions) (string, error)
	CancelAllLive(ctx context.Context, reason string) int
	SetHalted(halted bool)
}

// Strategies is the enablement surface of the signal coordinator.
type Strategies interface {
	SetEnabled(strategyID string, enabled bool) error
	DisableAll()
	ResumeAll()
}

// Positions provides position lookups for manual close-outs.
type Positions interface {
	GetPosition(symbol string) *domain.Position
}

// Controller is the highest-priority control plane: a human operator or an
// automated safety trigger acts on the engine exclusively through it.
// Every action publishes a high-priority audit event carrying the acting
// principal, reason and timestamp.
type Controller struct {
	logger     ports.Logger
	pub        Publisher
	exec       Execution
	strategies Strategies
	positions  Positions

	mu            sync.Mutex
	stopped       bool
	stopReason    string
	stopPrincipal string
	stoppedAt     time.Time
}

// NewController creates the override controller.
func NewController(log ports.Logger, pub Publisher, exec Execution, strategies Strategies, positions Positions) (*Controller, error) {
	if log == nil || pub == nil || exec == nil || strategies == nil || positions == nil {
		return nil, fmt.Errorf("missing required dependencies for override controller")
	}
	return &Controller{
		logger:     log,
		pub:        pub,
		exec:       exec,
		strategies: strategies,
		positions:  positions,
	}, nil
}

// EmergencyStop halts all trading: it disables every strategy, rejects any
// new candidate order, and issues cancel requests for every live order.
// Only ClearEmergencyStop (behind elevated authorization, delegated to the
// auth collaborator) reverses it.
func (c *Controller) EmergencyStop(ctx context.Context, principal, reason string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("emergency stop already active (by %s at %s)", c.stopPrincipal, c.stoppedAt.Format(time.RFC3339))
	}
	c.stopped = true
	c.stopReason = reason
	c.stopPrincipal = principal
	c.stoppedAt = time.Now().UTC()
	c.mu.Unlock()

	// Gate first so nothing new slips in while cancels are issued.
	c.exec.SetHalted(true)
	c.strategies.DisableAll()

	if err := c.pub.Publish(ctx, domain.NewEvent(domain.EventEmergencyStop, principal, domain.OverridePayload{
		Action:    "emergency_stop",
		Principal: principal,
		Reason:    reason,
	})); err != nil {
		c.logger.Error(ctx, err, "Failed to publish emergency stop event", map[string]interface{}{"principal": principal})
	}

	cancelled := c.exec.CancelAllLive(ctx, "emergency_stop")
	c.logger.Critical(ctx, nil, "EMERGENCY STOP", map[string]interface{}{
		"principal": principal,
		"reason":    reason,
		"cancelled": cancelled,
	})
	return nil
}

// ClearEmergencyStop lifts the halt. The caller is responsible for having
// verified elevated authorization; the engine records who cleared it.
func (c *Controller) ClearEmergencyStop(ctx context.Context, principal string) error {
	c.mu.Lock()
	if !c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("no emergency stop active")
	}
	c.stopped = false
	c.mu.Unlock()

	c.exec.SetHalted(false)
	c.strategies.ResumeAll()
	c.audit(ctx, principal, "clear_emergency_stop", "", "")
	c.logger.Info(ctx, "Emergency stop cleared", map[string]interface{}{"principal": principal})
	return nil
}

// IsStopped reports whether the emergency stop is active.
func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// PauseStrategy disables a strategy. Takes effect for the next signal; the
// strategy's in-flight orders are unaffected.
func (c *Controller) PauseStrategy(ctx context.Context, principal, strategyID string) error {
	if err := c.strategies.SetEnabled(strategyID, false); err != nil {
		return fmt.Errorf("pause strategy %s: %w", strategyID, err)
	}
	c.audit(ctx, principal, "pause_strategy", strategyID, "")
	return nil
}

// ResumeStrategy re-enables a strategy.
func (c *Controller) ResumeStrategy(ctx context.Context, principal, strategyID string) error {
	if c.IsStopped() {
		return ports.ErrEmergencyStopActive
	}
	if err := c.strategies.SetEnabled(strategyID, true); err != nil {
		return fmt.Errorf("resume strategy %s: %w", strategyID, err)
	}
	c.audit(ctx, principal, "resume_strategy", strategyID, "")
	return nil
}

// ManualOrder submits an operator order. It bypasses the signal coordinator
// but still passes the risk engine and the execution engine's normal path.
// Elevated allows forcing past a HIGH-severity risk rejection.
func (c *Controller) ManualOrder(ctx context.Context, principal string, order *domain.Order, elevated bool) (string, error) {
	if c.IsStopped() {
		return "", ports.ErrEmergencyStopActive
	}
	order.StrategyID = "manual:" + principal
	orderID, err := c.exec.SubmitOrder(ctx, order, execution.SubmitOptions{Override: true, Elevated: elevated})
	c.audit(ctx, principal, "manual_order", orderID, fmt.Sprintf("%s %s %.2f %s", order.Side, order.Symbol, order.Quantity, order.Type))
	if err != nil {
		return orderID, fmt.Errorf("manual order: %w", err)
	}
	return orderID, nil
}

// ManualClosePosition flattens the open position in one symbol with a
// market order. Closing reduces exposure, so the risk engine allows it even
// under a HIGH-severity breach.
func (c *Controller) ManualClosePosition(ctx context.Context, principal, symbol string) (string, error) {
	if c.IsStopped() {
		return "", ports.ErrEmergencyStopActive
	}
	pos := c.positions.GetPosition(symbol)
	if pos == nil || pos.IsFlat() {
		return "", fmt.Errorf("no open position for %s: %w", symbol, ports.ErrNotFound)
	}

	side := domain.Sell
	if pos.Quantity < 0 {
		side = domain.Buy
	}
	order := domain.NewOrder("manual:"+principal, symbol, side, domain.Market, math.Abs(pos.Quantity))
	orderID, err := c.exec.SubmitOrder(ctx, order, execution.SubmitOptions{Override: true})
	c.audit(ctx, principal, "manual_close_position", symbol, fmt.Sprintf("qty %.2f", pos.Quantity))
	if err != nil {
		return orderID, fmt.Errorf("manual close %s: %w", symbol, err)
	}
	return orderID, nil
}

// audit publishes the USER_ACTION audit event for one override action.
func (c *Controller) audit(ctx context.Context, principal, action, target, reason string) {
	if err := c.pub.Publish(ctx, domain.NewEvent(domain.EventUserOverride, principal, domain.OverridePayload{
		Action:    action,
		Principal: principal,
		Target:    target,
		Reason:    reason,
	})); err != nil {
		c.logger.Error(ctx, err, "Failed to publish override audit event", map[string]interface{}{
			"action":    action,
			"principal": principal,
		})
	}
}

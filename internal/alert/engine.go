package alert

import (
	"context"
	"fmt"
	"sync"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// Stopper is the emergency trigger surface; the override controller
// implements it.
type Stopper interface {
	EmergencyStop(ctx context.Context, principal, reason string) error
}

// Rule couples a condition tree to an event type. A matching event is logged
// at the rule's severity; a rule marked Emergency also fires the emergency
// stop as an automated safety trigger.
type Rule struct {
	Name      string           `json:"name"`
	EventType domain.EventType `json:"event_type"`
	Condition Condition        `json:"condition"`
	Severity  domain.Severity  `json:"severity"`
	Emergency bool             `json:"emergency,omitempty"`
}

// Engine evaluates alert rules against bus events. Register its Handle
// method as a bus subscriber for the event types its rules cover.
type Engine struct {
	logger  ports.Logger
	stopper Stopper

	mu    sync.RWMutex
	rules map[domain.EventType][]Rule
	fired map[string]int64
}

// NewEngine creates an alert engine. The stopper may be nil if no rule is
// marked Emergency.
func NewEngine(log ports.Logger, stopper Stopper) (*Engine, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required for the alert engine")
	}
	return &Engine{
		logger:  log,
		stopper: stopper,
		rules:   make(map[domain.EventType][]Rule),
		fired:   make(map[string]int64),
	}, nil
}

// AddRule validates and registers a rule.
func (e *Engine) AddRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule requires a name")
	}
	if err := rule.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	if rule.Emergency && e.stopper == nil {
		return fmt.Errorf("rule %s marked emergency but no stop trigger is wired", rule.Name)
	}
	e.mu.Lock()
	e.rules[rule.EventType] = append(e.rules[rule.EventType], rule)
	e.mu.Unlock()
	return nil
}

// EventTypes returns the event types any rule is attached to, for bus
// subscription.
func (e *Engine) EventTypes() []domain.EventType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.EventType, 0, len(e.rules))
	for t := range e.rules {
		out = append(out, t)
	}
	return out
}

// Handle evaluates all rules attached to the event's type. It never returns
// an error: a rule must not degrade the subscriber.
func (e *Engine) Handle(ctx context.Context, event domain.Event) error {
	e.mu.RLock()
	rules := e.rules[event.Type]
	e.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	fields := Flatten(event)
	for _, rule := range rules {
		if !rule.Condition.Eval(fields) {
			continue
		}
		e.mu.Lock()
		e.fired[rule.Name]++
		e.mu.Unlock()

		logFields := map[string]interface{}{
			"rule":          rule.Name,
			"eventType":     event.Type,
			"correlationID": event.CorrelationID,
			"severity":      rule.Severity,
		}
		if rule.Severity == domain.SeverityHigh {
			e.logger.Critical(ctx, nil, "Alert rule matched", logFields)
		} else {
			e.logger.Warn(ctx, "Alert rule matched", logFields)
		}

		if rule.Emergency && e.stopper != nil {
			if err := e.stopper.EmergencyStop(ctx, "alert:"+rule.Name, "automated safety trigger"); err != nil {
				e.logger.Error(ctx, err, "Automated emergency stop failed", map[string]interface{}{"rule": rule.Name})
			}
		}
	}
	return nil
}

// FireCounts returns per-rule match counters.
func (e *Engine) FireCounts() map[string]int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]int64, len(e.fired))
	for k, v := range e.fired {
		out[k] = v
	}
	return out
}

// Flatten projects an event's payload into a flat field map for condition
// evaluation. Unknown payload types yield only the envelope fields.
func Flatten(event domain.Event) Fields {
	fields := Fields{
		"type":           string(event.Type),
		"priority":       event.Priority.String(),
		"correlation_id": event.CorrelationID,
	}
	switch p := event.Payload.(type) {
	case domain.PriceUpdatePayload:
		fields["symbol"] = p.Symbol
		fields["price"] = p.Price
		fields["volume"] = p.Volume
	case domain.OrderEventPayload:
		fields["order_id"] = p.OrderID
		fields["symbol"] = p.Symbol
		fields["side"] = string(p.Side)
		fields["status"] = string(p.Status)
		fields["filled_qty"] = p.FilledQty
		fields["avg_price"] = p.AvgPrice
		fields["reason"] = p.Reason
	case domain.FillEventPayload:
		fields["order_id"] = p.Fill.OrderID
		fields["symbol"] = p.Fill.Symbol
		fields["quantity"] = p.Fill.Quantity
		fields["price"] = p.Fill.Price
		fields["final"] = fmt.Sprintf("%t", p.Final)
	case domain.MarketConditionPayload:
		fields["kind"] = string(p.Kind)
		fields["symbol"] = p.Symbol
		fields["price"] = p.Price
		fields["prev_price"] = p.PrevPrice
		fields["change_pct"] = p.ChangePct
		fields["volatility"] = p.Volatility.String()
	case domain.RiskBreachPayload:
		fields["symbol"] = p.Symbol
		fields["check"] = p.Check
		fields["value"] = p.Value
		fields["limit"] = p.Limit
		fields["severity"] = string(p.Severity)
	case domain.OverridePayload:
		fields["action"] = p.Action
		fields["principal"] = p.Principal
		fields["target"] = p.Target
		fields["reason"] = p.Reason
	case domain.SignalPayload:
		fields["strategy_id"] = p.StrategyID
		fields["symbol"] = p.Symbol
		fields["side"] = string(p.Side)
		fields["quantity"] = p.Quantity
		fields["confidence"] = p.Confidence
	}
	return fields
}

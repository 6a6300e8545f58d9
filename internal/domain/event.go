package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the kinds of events carried on the bus.
type EventType string

const (
	EventPriceUpdate     EventType = "PRICE_UPDATE"
	EventOrderSubmitted  EventType = "ORDER_SUBMITTED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventOrderRejected   EventType = "ORDER_REJECTED"
	EventRiskBreach      EventType = "RISK_BREACH"
	EventUserOverride    EventType = "USER_OVERRIDE"
	EventEmergencyStop   EventType = "EMERGENCY_STOP"
	EventStrategySignal  EventType = "STRATEGY_SIGNAL"
	EventMarketCondition EventType = "MARKET_CONDITION_CHANGE"
)

var knownEventTypes = map[EventType]struct{}{
	EventPriceUpdate:     {},
	EventOrderSubmitted:  {},
	EventOrderFilled:     {},
	EventOrderCancelled:  {},
	EventOrderRejected:   {},
	EventRiskBreach:      {},
	EventUserOverride:    {},
	EventEmergencyStop:   {},
	EventStrategySignal:  {},
	EventMarketCondition: {},
}

// IsOrderEvent reports whether the type belongs to an order's lifecycle and
// therefore must carry the order's ID as its correlation ID.
func (t EventType) IsOrderEvent() bool {
	return strings.HasPrefix(string(t), "ORDER_")
}

// Priority tiers events on the bus. Lower value = dispatched first.
type Priority int

const (
	PriorityEmergency Priority = iota
	PriorityUserAction
	PriorityRisk
	PriorityNormal
)

// String returns the tier name used in logs and the audit trail.
func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "EMERGENCY"
	case PriorityUserAction:
		return "USER_ACTION"
	case PriorityRisk:
		return "RISK"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// defaultPriority maps each event type to its tier.
var defaultPriority = map[EventType]Priority{
	EventEmergencyStop:   PriorityEmergency,
	EventUserOverride:    PriorityUserAction,
	EventRiskBreach:      PriorityRisk,
	EventPriceUpdate:     PriorityNormal,
	EventOrderSubmitted:  PriorityNormal,
	EventOrderFilled:     PriorityNormal,
	EventOrderCancelled:  PriorityNormal,
	EventOrderRejected:   PriorityNormal,
	EventStrategySignal:  PriorityNormal,
	EventMarketCondition: PriorityRisk,
}

// ErrInvalidEvent is returned by the bus when a required field is missing.
var ErrInvalidEvent = errors.New("invalid event")

// Event is the unit of communication on the event bus.
// Order-lifecycle events carry the order ID as CorrelationID so an order's
// full history can be replayed from the audit trail.
type Event struct {
	ID            string      // Unique event ID
	Type          EventType   // Enumerated event type
	Priority      Priority    // Dispatch tier
	CorrelationID string      // Links related events (order ID for ORDER_* events)
	Timestamp     time.Time   // Creation time
	Payload       interface{} // Type-specific payload (one of the *Payload structs)
}

// NewEvent creates an event with a fresh ID, the type's default priority and
// the current timestamp.
func NewEvent(t EventType, correlationID string, payload interface{}) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		Priority:      defaultPriority[t],
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// Validate checks the event is well formed enough to enter the bus.
func (e Event) Validate() error {
	if _, ok := knownEventTypes[e.Type]; !ok {
		return fmt.Errorf("unknown event type %q: %w", e.Type, ErrInvalidEvent)
	}
	if e.Type.IsOrderEvent() && e.CorrelationID == "" {
		return fmt.Errorf("%s event requires a correlation ID: %w", e.Type, ErrInvalidEvent)
	}
	return nil
}

// DedupeKey identifies duplicates for at-least-once delivery: handlers must
// treat two events with the same key as the same logical occurrence.
func (e Event) DedupeKey() string {
	return e.CorrelationID + "|" + string(e.Type)
}

// --- Event payloads ---

// PriceUpdatePayload carries a normalized market tick.
type PriceUpdatePayload struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// OrderEventPayload carries an order lifecycle change.
type OrderEventPayload struct {
	OrderID   string
	Symbol    string
	Side      OrderSide
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
	Reason    string
}

// FillEventPayload carries a confirmed execution delta.
type FillEventPayload struct {
	Fill  Fill
	Final bool // true when the order is now fully filled
}

// MarketConditionKind classifies a MARKET_CONDITION_CHANGE event.
type MarketConditionKind string

const (
	ConditionGap            MarketConditionKind = "GAP"
	ConditionVolatility     MarketConditionKind = "VOLATILITY"
	ConditionCircuitBreaker MarketConditionKind = "CIRCUIT_BREAKER"
)

// MarketConditionPayload carries an abnormal-market notification.
type MarketConditionPayload struct {
	Kind       MarketConditionKind
	Symbol     string
	Price      float64
	PrevPrice  float64
	ChangePct  float64        // Relative move that triggered the condition
	Volatility VolatilityTier // Set for VOLATILITY kind
}

// RiskBreachPayload is the advisory published when post-fill exposure
// exceeds configured limits.
type RiskBreachPayload struct {
	Symbol   string
	Check    string
	Value    float64
	Limit    float64
	Severity Severity
}

// OverridePayload records a manual override action for the audit trail.
type OverridePayload struct {
	Action    string // e.g. "emergency_stop", "pause_strategy", "manual_order"
	Principal string // Acting operator or automated trigger
	Target    string // Strategy ID, order ID or symbol the action applies to
	Reason    string
}

// SignalPayload mirrors an inbound strategy signal.
type SignalPayload struct {
	StrategyID string
	Symbol     string
	Side       OrderSide
	Quantity   float64
	Confidence float64
}

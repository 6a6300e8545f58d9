package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed from this status.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// validTransitions encodes the monotonic order state machine.
// CREATED -> SUBMITTED -> {PARTIALLY_FILLED <-> SUBMITTED} -> FILLED | CANCELLED | REJECTED
var validTransitions = map[OrderStatus][]OrderStatus{
	StatusCreated:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

var (
	// ErrInvalidTransition is returned when a state change would violate the
	// order state machine (including any mutation of a terminal order).
	ErrInvalidTransition = errors.New("invalid order state transition")
	// ErrOverfill is returned when a fill would push filled quantity past the
	// requested quantity.
	ErrOverfill = errors.New("fill exceeds requested quantity")
)

// Order represents one attempt to buy or sell a quantity of an instrument.
// The order ID doubles as the correlation ID for every event in the order's
// lifecycle.
type Order struct {
	ID            string      // Unique identifier, generated at creation
	BrokerOrderID string      // Broker-assigned identifier (set after submission)
	StrategyID    string      // Originating strategy ("manual" for override orders)
	Symbol        string      // Instrument symbol (e.g., "AAPL")
	Side          OrderSide   // BUY or SELL
	Type          OrderType   // MARKET, LIMIT, STOP, STOP_LIMIT
	Quantity      float64     // Requested quantity
	FilledQty     float64     // Cumulative filled quantity
	AvgFillPrice  float64     // Weighted-average price across all fills
	LimitPrice    float64     // Limit price (0 when not applicable)
	StopPrice     float64     // Stop trigger price (0 when not applicable)
	Status        OrderStatus // Current lifecycle state
	TimeInForce   TimeInForce
	Reason        string    // Human-readable reason for rejection/cancellation
	CreatedAt     time.Time // Time the order object was created
	TerminalAt    time.Time // Time the order reached a terminal state (zero while live)
}

// NewOrder creates an order in the CREATED state with a fresh ID.
func NewOrder(strategyID, symbol string, side OrderSide, typ OrderType, qty float64) *Order {
	return &Order{
		ID:          uuid.NewString(),
		StrategyID:  strategyID,
		Symbol:      symbol,
		Side:        side,
		Type:        typ,
		Quantity:    qty,
		Status:      StatusCreated,
		TimeInForce: GTC,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks the order is well formed before it enters the engine.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order %s: symbol is required", o.ID)
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("order %s: invalid side %q", o.ID, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be positive, got %f", o.ID, o.Quantity)
	}
	if o.Type.IsPriced() && o.LimitPrice <= 0 && o.StopPrice <= 0 {
		return fmt.Errorf("order %s: %s order requires a limit or stop price", o.ID, o.Type)
	}
	return nil
}

// TransitionTo moves the order to the given status, enforcing the state
// machine. Terminal orders are immutable.
func (o *Order) TransitionTo(status OrderStatus) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s is terminal (%s): %w", o.ID, o.Status, ErrInvalidTransition)
	}
	for _, allowed := range validTransitions[o.Status] {
		if status == allowed {
			o.Status = status
			if status.IsTerminal() {
				o.TerminalAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("order %s: %s -> %s: %w", o.ID, o.Status, status, ErrInvalidTransition)
}

// ApplyFill records an incremental fill of deltaQty at price, updating the
// weighted-average fill price and transitioning to PARTIALLY_FILLED or
// FILLED as appropriate.
func (o *Order) ApplyFill(deltaQty, price float64) error {
	if deltaQty <= 0 {
		return fmt.Errorf("order %s: fill quantity must be positive, got %f", o.ID, deltaQty)
	}
	if o.Status != StatusSubmitted && o.Status != StatusPartiallyFilled {
		return fmt.Errorf("order %s: fill received in state %s: %w", o.ID, o.Status, ErrInvalidTransition)
	}
	newFilled := o.FilledQty + deltaQty
	if newFilled > o.Quantity+1e-9 {
		return fmt.Errorf("order %s: filled %f would exceed requested %f: %w", o.ID, newFilled, o.Quantity, ErrOverfill)
	}

	// Weighted-average across all fills received so far.
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + price*deltaQty) / newFilled
	o.FilledQty = newFilled

	if o.FilledQty >= o.Quantity-1e-9 {
		o.FilledQty = o.Quantity
		return o.TransitionTo(StatusFilled)
	}
	return o.TransitionTo(StatusPartiallyFilled)
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() float64 {
	return o.Quantity - o.FilledQty
}

// IsLive reports whether the order is working at the broker and can still
// receive fills or be cancelled.
func (o *Order) IsLive() bool {
	return o.Status == StatusSubmitted || o.Status == StatusPartiallyFilled
}

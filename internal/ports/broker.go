package ports

import (
	"context"

	"tradingcore/internal/domain"
)

// BrokerOrderStatus is the broker's view of an order, returned by QueryStatus.
type BrokerOrderStatus struct {
	BrokerOrderID string  // Broker-assigned identifier
	Status        string  // Broker-native status string (e.g. NEW, FILLED, CANCELED)
	FilledQty     float64 // Cumulative filled quantity reported by the broker
	AvgPrice      float64 // Average fill price reported by the broker
}

// FillHandler receives broker fill notifications. CumulativeQty is the total
// filled quantity for the broker order so far, which makes duplicate
// notifications detectable downstream.
type FillHandler func(brokerOrderID string, cumulativeQty, fillPrice float64)

// BrokerAdapter is the narrow interface the execution engine uses to talk to
// a brokerage. The broker's own session/auth management is out of scope; the
// adapter wraps infrastructure failures with the sentinel errors in this
// package so the engine can distinguish transient from permanent failures.
type BrokerAdapter interface {
	// Submit sends the order to the broker and returns the broker's order ID.
	Submit(ctx context.Context, order *domain.Order) (brokerOrderID string, err error)

	// Cancel requests cancellation of a working order. Returns
	// ErrOrderAlreadyFilled if the order executed before the cancel landed.
	Cancel(ctx context.Context, brokerOrderID string) error

	// QueryStatus fetches the broker's current view of an order.
	QueryStatus(ctx context.Context, brokerOrderID string) (*BrokerOrderStatus, error)

	// OnFill registers the callback invoked for every inbound fill
	// notification. Must be called before the first Submit.
	OnFill(handler FillHandler)
}

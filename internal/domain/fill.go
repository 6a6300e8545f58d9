package domain

import "time"

// Fill represents a broker-confirmed execution (partial or full) applied to
// a position. Quantity is signed: positive for buys, negative for sells.
type Fill struct {
	OrderID       string    // Engine order ID the fill belongs to
	BrokerOrderID string    // Broker-side identifier the fill was reported under
	Symbol        string    // Instrument symbol
	Quantity      float64   // Signed fill quantity (+buy / -sell)
	Price         float64   // Execution price
	Timestamp     time.Time // Broker-reported execution time
}

package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other side, used when closing out a position.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for BUY and -1 for SELL, used for signed quantity math.
func (s OrderSide) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// OrderType represents how an order should execute.
type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

// IsPriced reports whether the order type carries a limit/stop price that
// can go stale relative to the market.
func (t OrderType) IsPriced() bool {
	return t == Limit || t == Stop || t == StopLimit
}

// TimeInForce represents how long an order remains working.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // good till cancelled
	IOC TimeInForce = "IOC" // immediate or cancel
	Day TimeInForce = "DAY"
)

// Severity grades a risk rejection. High-severity rejections cannot be
// overridden without an elevated confirmation flag.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

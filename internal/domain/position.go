package domain

import "time"

// Position is the net holding in one instrument. Net quantity only changes
// in response to confirmed fills, never from pending orders.
type Position struct {
	Symbol        string    // Instrument symbol
	Quantity      float64   // Net quantity, signed (negative = short)
	AvgCostBasis  float64   // Weighted-average cost basis of the open quantity
	RealizedPnL   float64   // Cumulative realized P&L from reducing/closing fills
	UnrealizedPnL float64   // Derived from the latest mark price
	LastPrice     float64   // Latest mark price used for unrealized P&L
	OpenedAt      time.Time // Time of the first fill for this symbol
	UpdatedAt     time.Time // Time of the last fill or mark-to-market
}

// Exposure returns the absolute monetary value of the open position at the
// latest mark price, falling back to cost basis before any price is seen.
func (p *Position) Exposure() float64 {
	price := p.LastPrice
	if price == 0 {
		price = p.AvgCostBasis
	}
	exp := p.Quantity * price
	if exp < 0 {
		exp = -exp
	}
	return exp
}

// IsFlat reports whether the position has no open quantity.
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// Clone returns a copy safe to hand to concurrent readers.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

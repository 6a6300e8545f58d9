package domain

import "time"

// RiskLimits holds the configured per-account risk limits. They are owned by
// the risk engine's configuration and injected where needed, never read as
// ambient globals.
type RiskLimits struct {
	MaxPositionSize  float64 // Max absolute net quantity per symbol
	MaxOrderValue    float64 // Max notional value of a single order
	MaxExposure      float64 // Max total portfolio exposure
	MaxConcentration float64 // Max fraction of total exposure in one symbol (0..1)
	MaxDailyLoss     float64 // Max realized loss per day (positive number)
	MaxOrderRate     int     // Max orders per minute per account
	BuyingPower      float64 // Available buying power
}

// RiskState is the per-account aggregate the risk engine validates against.
// It is mutated only by the position manager; everyone else reads snapshots.
type RiskState struct {
	TotalExposure     float64            // Sum of absolute position exposures
	PerSymbolExposure map[string]float64 // Exposure by symbol
	PerSymbolQty      map[string]float64 // Net signed quantity by symbol
	DailyRealizedLoss float64            // Realized loss today (positive = losing)
	UpdatedAt         time.Time
}

// NewRiskState returns an empty risk state.
func NewRiskState() *RiskState {
	return &RiskState{
		PerSymbolExposure: make(map[string]float64),
		PerSymbolQty:      make(map[string]float64),
	}
}

// Clone returns a deep copy safe for concurrent readers. The position
// manager hands these out so readers never observe a partial update.
func (rs *RiskState) Clone() *RiskState {
	cp := &RiskState{
		TotalExposure:     rs.TotalExposure,
		DailyRealizedLoss: rs.DailyRealizedLoss,
		UpdatedAt:         rs.UpdatedAt,
		PerSymbolExposure: make(map[string]float64, len(rs.PerSymbolExposure)),
		PerSymbolQty:      make(map[string]float64, len(rs.PerSymbolQty)),
	}
	for k, v := range rs.PerSymbolExposure {
		cp.PerSymbolExposure[k] = v
	}
	for k, v := range rs.PerSymbolQty {
		cp.PerSymbolQty[k] = v
	}
	return cp
}

package domain

import "time"

// Signal is an external trading signal proposing a trade. Signal generation
// (AI-based or otherwise) happens outside the engine.
type Signal struct {
	StrategyID string    // Originating strategy
	Symbol     string    // Instrument to trade
	Side       OrderSide // Proposed direction
	Quantity   float64   // Suggested quantity
	Confidence float64   // Generator's confidence in [0, 1]
	Timestamp  time.Time // Time the signal was produced
}

// StrategyRegistration is a strategy's enablement and configuration record.
// A disabled strategy's candidate orders must never reach the risk engine.
type StrategyRegistration struct {
	ID      string // Strategy identifier
	Enabled bool   // Whether signals from this strategy are processed

	// RiskOverride tightens limits for this strategy's candidates before
	// submission: MaxPositionSize caps a single candidate's quantity and
	// MaxOrderRate lowers the signal rate limit. Account-wide limits are
	// always enforced downstream by the risk engine; nil means no tightening.
	RiskOverride *RiskLimits

	LastSignalAt time.Time // Timestamp of the last signal seen from this strategy
}

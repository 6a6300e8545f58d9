package domain

import "time"

// Tick is a raw market data point as received from an external source,
// before validation and normalization.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// VolatilityTier classifies the rolling standard deviation of returns on a
// six-tier scale.
type VolatilityTier int

const (
	VolatilityVeryLow VolatilityTier = iota
	VolatilityLow
	VolatilityModerate
	VolatilityHigh
	VolatilityVeryHigh
	VolatilityExtreme
)

// String returns the tier name.
func (v VolatilityTier) String() string {
	switch v {
	case VolatilityVeryLow:
		return "VERY_LOW"
	case VolatilityLow:
		return "LOW"
	case VolatilityModerate:
		return "MODERATE"
	case VolatilityHigh:
		return "HIGH"
	case VolatilityVeryHigh:
		return "VERY_HIGH"
	case VolatilityExtreme:
		return "EXTREME"
	default:
		return "UNKNOWN"
	}
}

package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard
// errors so the engine can branch on errors.Is without knowing the broker.
var (
	// General Errors
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Broker Errors. Transient errors are retried by the execution engine;
	// permanent errors reject the order immediately.
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrRateLimited          = errors.New("broker rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed")
	ErrInsufficientFunds    = errors.New("insufficient funds reported by broker")
	ErrInvalidInstrument    = errors.New("instrument not tradable at broker")
	ErrOrderNotFound        = errors.New("order not found at the broker")
	ErrOrderAlreadyFilled   = errors.New("order already filled before cancel landed")

	// Engine Errors
	ErrEmergencyStopActive   = errors.New("emergency stop is active, trading halted")
	ErrSymbolHalted          = errors.New("symbol is halted")
	ErrStrategyDisabled      = errors.New("strategy is disabled")
	ErrStrategyRateLimited   = errors.New("strategy signal rate limit exceeded")
	ErrStrategyLimitExceeded = errors.New("signal exceeds the strategy's own limits")
	ErrQueueFull             = errors.New("event queue full")
	ErrBusClosed             = errors.New("event bus closed")

	// Persistence Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)

// IsTransientBrokerError reports whether a broker error should be retried
// under the execution engine's backoff policy.
func IsTransientBrokerError(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout)
}

package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// Publisher is the slice of the event bus the adapter needs.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Config holds the adapter's tunables. Every threshold is configuration,
// not architecture.
type Config struct {
	KnownSymbols         map[string]struct{}
	StalenessThreshold   time.Duration // Ticks older than this are dropped
	GapThresholdPct      float64       // Tick-over-tick move that counts as a gap
	CircuitBreakerPct    float64       // Move since session open that halts the symbol
	VolatilityWindow     int           // Rolling window of returns per symbol
	VolatilityTierBounds []float64     // Five ascending stddev bounds for the six tiers
}

// symbolState tracks per-symbol tick history for gap, volatility and
// circuit-breaker detection.
type symbolState struct {
	lastPrice   float64
	lastTickAt  time.Time
	sessionOpen float64
	halted      bool
	returns     []float64
	tier        domain.VolatilityTier
	tierKnown   bool
}

// Adapter normalizes external ticks into PRICE_UPDATE events and detects
// abnormal market conditions. Malformed ticks are dropped and counted; the
// adapter never blocks on a single bad tick.
type Adapter struct {
	cfg    Config
	logger ports.Logger
	pub    Publisher

	mu      sync.Mutex
	symbols map[string]*symbolState

	malformedTicks uint64
}

// New creates a feed adapter.
func New(cfg Config, log ports.Logger, pub Publisher) (*Adapter, error) {
	if log == nil || pub == nil {
		return nil, fmt.Errorf("logger and publisher are required for the market data adapter")
	}
	if cfg.VolatilityWindow < 2 {
		cfg.VolatilityWindow = 50
	}
	if len(cfg.VolatilityTierBounds) != 5 {
		return nil, fmt.Errorf("expected 5 volatility tier bounds, got %d", len(cfg.VolatilityTierBounds))
	}
	return &Adapter{
		cfg:     cfg,
		logger:  log,
		pub:     pub,
		symbols: make(map[string]*symbolState),
	}, nil
}

// Ingest validates one raw tick and publishes the resulting events. A
// validation failure increments the malformed-tick counter and returns an
// error describing the drop; it never affects subsequent ticks.
func (a *Adapter) Ingest(ctx context.Context, tick domain.Tick) error {
	if err := a.validate(tick); err != nil {
		atomic.AddUint64(&a.malformedTicks, 1)
		a.logger.Warn(ctx, "Dropping malformed tick", map[string]interface{}{
			"symbol": tick.Symbol,
			"price":  tick.Price,
			"reason": err.Error(),
		})
		return err
	}

	a.mu.Lock()
	st, ok := a.symbols[tick.Symbol]
	if !ok {
		st = &symbolState{sessionOpen: tick.Price}
		a.symbols[tick.Symbol] = st
	}
	prevPrice := st.lastPrice
	gap, gapPct := a.detectGap(st, tick.Price)
	tripped, cbPct := a.detectCircuitBreaker(st, tick.Price)
	tierChanged, newTier := a.updateVolatility(st, tick.Price)
	st.lastPrice = tick.Price
	st.lastTickAt = tick.Timestamp
	a.mu.Unlock()

	// PRICE_UPDATE first so downstream marks to market before reacting to
	// derived conditions.
	if err := a.pub.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, tick.Symbol, domain.PriceUpdatePayload{
		Symbol:    tick.Symbol,
		Price:     tick.Price,
		Volume:    tick.Volume,
		Timestamp: tick.Timestamp,
	})); err != nil {
		return fmt.Errorf("publish price update for %s: %w", tick.Symbol, err)
	}

	if gap {
		a.publishCondition(ctx, domain.MarketConditionPayload{
			Kind:      domain.ConditionGap,
			Symbol:    tick.Symbol,
			Price:     tick.Price,
			PrevPrice: prevPrice,
			ChangePct: gapPct,
		})
	}
	if tierChanged {
		a.publishCondition(ctx, domain.MarketConditionPayload{
			Kind:       domain.ConditionVolatility,
			Symbol:     tick.Symbol,
			Price:      tick.Price,
			Volatility: newTier,
		})
	}
	if tripped {
		a.logger.Warn(ctx, "Circuit breaker tripped, halting symbol", map[string]interface{}{
			"symbol":    tick.Symbol,
			"changePct": cbPct,
		})
		a.publishCondition(ctx, domain.MarketConditionPayload{
			Kind:      domain.ConditionCircuitBreaker,
			Symbol:    tick.Symbol,
			Price:     tick.Price,
			ChangePct: cbPct,
		})
	}
	return nil
}

func (a *Adapter) validate(tick domain.Tick) error {
	if tick.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if _, known := a.cfg.KnownSymbols[tick.Symbol]; !known {
		return fmt.Errorf("unknown symbol %q", tick.Symbol)
	}
	if tick.Price <= 0 {
		return fmt.Errorf("non-positive price %f", tick.Price)
	}
	if a.cfg.StalenessThreshold > 0 && time.Since(tick.Timestamp) > a.cfg.StalenessThreshold {
		return fmt.Errorf("stale tick, age %s exceeds threshold %s",
			time.Since(tick.Timestamp).Round(time.Millisecond), a.cfg.StalenessThreshold)
	}
	return nil
}

// detectGap reports whether the move from the previous tick exceeds the gap
// threshold. Caller holds the mutex.
func (a *Adapter) detectGap(st *symbolState, price float64) (bool, float64) {
	if st.lastPrice == 0 {
		return false, 0
	}
	pct := (price - st.lastPrice) / st.lastPrice
	return math.Abs(pct) > a.cfg.GapThresholdPct, pct
}

// detectCircuitBreaker reports whether the move since session open exceeds
// the halt threshold. The symbol stays halted until ClearHalt. Caller holds
// the mutex.
func (a *Adapter) detectCircuitBreaker(st *symbolState, price float64) (bool, float64) {
	if st.halted || st.sessionOpen == 0 {
		return false, 0
	}
	pct := (price - st.sessionOpen) / st.sessionOpen
	if math.Abs(pct) > a.cfg.CircuitBreakerPct {
		st.halted = true
		return true, pct
	}
	return false, pct
}

// updateVolatility appends the latest return to the rolling window and
// reclassifies the tier. Caller holds the mutex.
func (a *Adapter) updateVolatility(st *symbolState, price float64) (bool, domain.VolatilityTier) {
	if st.lastPrice == 0 {
		return false, st.tier
	}
	st.returns = append(st.returns, (price-st.lastPrice)/st.lastPrice)
	if len(st.returns) > a.cfg.VolatilityWindow {
		st.returns = st.returns[len(st.returns)-a.cfg.VolatilityWindow:]
	}
	if len(st.returns) < a.cfg.VolatilityWindow {
		return false, st.tier
	}

	tier := a.classify(stddev(st.returns))
	if !st.tierKnown {
		st.tier = tier
		st.tierKnown = true
		return false, tier
	}
	if tier != st.tier {
		st.tier = tier
		return true, tier
	}
	return false, tier
}

// classify maps a stddev of returns onto the six-tier scale.
func (a *Adapter) classify(sd float64) domain.VolatilityTier {
	for i, bound := range a.cfg.VolatilityTierBounds {
		if sd < bound {
			return domain.VolatilityTier(i)
		}
	}
	return domain.VolatilityExtreme
}

func (a *Adapter) publishCondition(ctx context.Context, payload domain.MarketConditionPayload) {
	if err := a.pub.Publish(ctx, domain.NewEvent(domain.EventMarketCondition, payload.Symbol, payload)); err != nil {
		a.logger.Error(ctx, err, "Failed to publish market condition", map[string]interface{}{
			"symbol": payload.Symbol,
			"kind":   payload.Kind,
		})
	}
}

// IsHalted reports whether the symbol is under a circuit-breaker halt.
func (a *Adapter) IsHalted(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.symbols[symbol]
	return ok && st.halted
}

// ClearHalt lifts a circuit-breaker halt and resets the session open to the
// latest price, so the breaker measures from the resumption level.
func (a *Adapter) ClearHalt(ctx context.Context, symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.symbols[symbol]
	if !ok || !st.halted {
		return
	}
	st.halted = false
	if st.lastPrice > 0 {
		st.sessionOpen = st.lastPrice
	}
	a.logger.Info(ctx, "Circuit breaker halt cleared", map[string]interface{}{"symbol": symbol})
}

// MalformedTicks returns the count of ticks dropped by validation.
func (a *Adapter) MalformedTicks() uint64 {
	return atomic.LoadUint64(&a.malformedTicks)
}

// LastPrice returns the most recent valid price for the symbol, or false if
// no tick has been seen.
func (a *Adapter) LastPrice(symbol string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.symbols[symbol]
	if !ok || st.lastPrice == 0 {
		return 0, false
	}
	return st.lastPrice, true
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

package risk

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

const lockShards = 64

// Check names surfaced in rejection reasons. These are stable strings the
// operator surface and audit trail rely on.
const (
	CheckPositionSize  = "position_size"
	CheckOrderValue    = "order_value"
	CheckBuyingPower   = "buying_power"
	CheckConcentration = "concentration"
	CheckDailyLoss     = "daily_loss"
	CheckOrderRate     = "order_rate"
)

// Result is the structured outcome of validating one candidate order.
// A rejection is not a system fault; it is surfaced to the originator.
type Result struct {
	Approved        bool
	Severity        domain.Severity
	Reason          string
	ChecksPerformed []string
}

// Config holds the risk engine's limits and tunables.
type Config struct {
	Limits domain.RiskLimits
	// PotentialLossPct is the worst-case loss fraction assumed per order for
	// the daily-loss check (an order's stop distance before slippage).
	PotentialLossPct float64
}

// reservation tracks an approved-but-not-terminal order so that concurrent
// candidates cannot jointly exceed a limit that each passes individually.
type reservation struct {
	symbol        string
	signedQty     float64
	notional      float64
	potentialLoss float64
}

// Engine validates candidate orders against the latest risk state snapshot.
// Calls for different symbols run concurrently; calls for the same symbol
// serialize on a sharded lock table so two orders cannot both pass a limit
// check that their combination would violate.
//
// The engine never mutates RiskState. Its only internal state is the
// reservation ledger for in-flight approved orders, released when the
// execution engine reports the order terminal.
type Engine struct {
	cfg    Config
	logger ports.Logger

	locks [lockShards]sync.Mutex

	// mu guards the reservation ledger and the rate window. It is held
	// across the whole check-and-reserve sequence so concurrent validations
	// for different symbols cannot jointly breach an account-wide limit.
	mu           sync.Mutex
	reservations map[string]reservation
	approvedAt   []time.Time // rolling one-minute window for the order-rate check
}

// New creates a risk engine.
func New(cfg Config, log ports.Logger) (*Engine, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required for the risk engine")
	}
	if cfg.PotentialLossPct <= 0 {
		cfg.PotentialLossPct = 0.02
	}
	return &Engine{
		cfg:          cfg,
		logger:       log,
		reservations: make(map[string]reservation),
	}, nil
}

func (e *Engine) lockFor(symbol string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return &e.locks[h.Sum32()%lockShards]
}

// Validate runs the ordered check sequence against the given state snapshot
// and the mark price used to value the order. On approval the order's
// exposure is reserved until Release is called with its ID.
func (e *Engine) Validate(ctx context.Context, order *domain.Order, state *domain.RiskState, markPrice float64) Result {
	lock := e.lockFor(order.Symbol)
	lock.Lock()
	defer lock.Unlock()

	price := markPrice
	if order.Type.IsPriced() && order.LimitPrice > 0 {
		price = order.LimitPrice
	}
	if price <= 0 {
		return Result{
			Approved:        false,
			Severity:        domain.SeverityMedium,
			Reason:          "no reference price available",
			ChecksPerformed: nil,
		}
	}

	signedQty := order.Quantity * order.Side.Sign()
	notional := order.Quantity * price
	currentQty := state.PerSymbolQty[order.Symbol]
	newQty := currentQty + signedQty

	// Orders that strictly reduce the open position are always allowed;
	// they shrink exposure, which is the point of a close-out even under a
	// HIGH-severity breach.
	if math.Abs(newQty) < math.Abs(currentQty) {
		e.reserve(order, signedQty, 0, 0)
		return Result{Approved: true, ChecksPerformed: []string{"position_reducing"}}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.pendingFor(order.Symbol)
	pendingAll := e.pendingAll()

	var performed []string
	fail := func(check string, sev domain.Severity, reason string) Result {
		e.logger.Debug(ctx, "Risk check rejected order", map[string]interface{}{
			"orderID": order.ID,
			"symbol":  order.Symbol,
			"check":   check,
			"reason":  reason,
		})
		return Result{Approved: false, Severity: sev, Reason: reason, ChecksPerformed: performed}
	}

	// 1. Position-size limit (includes reserved quantity of in-flight orders).
	performed = append(performed, CheckPositionSize)
	if math.Abs(newQty+pending.signedQty) > e.cfg.Limits.MaxPositionSize {
		return fail(CheckPositionSize, domain.SeverityHigh,
			fmt.Sprintf("position_size_exceeded: |%.2f| > %.2f", newQty+pending.signedQty, e.cfg.Limits.MaxPositionSize))
	}

	// 2. Per-order notional cap.
	performed = append(performed, CheckOrderValue)
	if e.cfg.Limits.MaxOrderValue > 0 && notional > e.cfg.Limits.MaxOrderValue {
		return fail(CheckOrderValue, domain.SeverityMedium,
			fmt.Sprintf("order_value_limit: %.2f > %.2f", notional, e.cfg.Limits.MaxOrderValue))
	}

	// 3. Buying-power sufficiency.
	performed = append(performed, CheckBuyingPower)
	if e.cfg.Limits.BuyingPower > 0 &&
		state.TotalExposure+pendingAll.notional+notional > e.cfg.Limits.BuyingPower {
		return fail(CheckBuyingPower, domain.SeverityHigh,
			fmt.Sprintf("insufficient_buying_power: exposure %.2f + order %.2f exceeds %.2f",
				state.TotalExposure+pendingAll.notional, notional, e.cfg.Limits.BuyingPower))
	}

	// 4. Portfolio concentration limit.
	performed = append(performed, CheckConcentration)
	if e.cfg.Limits.MaxConcentration > 0 {
		symbolExposure := state.PerSymbolExposure[order.Symbol] + pending.notional + notional
		totalExposure := state.TotalExposure + pendingAll.notional + notional
		if totalExposure > 0 && symbolExposure/totalExposure > e.cfg.Limits.MaxConcentration &&
			totalExposure > notional { // a first position trivially concentrates
			return fail(CheckConcentration, domain.SeverityMedium,
				fmt.Sprintf("concentration_limit: %s is %.0f%% of portfolio, limit %.0f%%",
					order.Symbol, 100*symbolExposure/totalExposure, 100*e.cfg.Limits.MaxConcentration))
		}
	}

	// 5. Daily-loss limit: realized loss plus the worst-case loss of every
	// in-flight order, including this one.
	performed = append(performed, CheckDailyLoss)
	potentialLoss := notional * e.cfg.PotentialLossPct
	if e.cfg.Limits.MaxDailyLoss > 0 &&
		state.DailyRealizedLoss+pendingAll.potentialLoss+potentialLoss > e.cfg.Limits.MaxDailyLoss {
		return fail(CheckDailyLoss, domain.SeverityHigh, "daily_loss_limit")
	}

	// 6. Order-rate limit.
	performed = append(performed, CheckOrderRate)
	if e.cfg.Limits.MaxOrderRate > 0 && e.recentApprovalsLocked() >= e.cfg.Limits.MaxOrderRate {
		return fail(CheckOrderRate, domain.SeverityLow,
			fmt.Sprintf("order_rate_limit: more than %d orders per minute", e.cfg.Limits.MaxOrderRate))
	}

	e.reserveLocked(order, signedQty, notional, potentialLoss)
	return Result{Approved: true, ChecksPerformed: performed}
}

// reserve records an approved order in the in-flight ledger.
func (e *Engine) reserve(order *domain.Order, signedQty, notional, potentialLoss float64) {
	e.mu.Lock()
	e.reserveLocked(order, signedQty, notional, potentialLoss)
	e.mu.Unlock()
}

// reserveLocked is reserve for callers already holding e.mu.
func (e *Engine) reserveLocked(order *domain.Order, signedQty, notional, potentialLoss float64) {
	e.reservations[order.ID] = reservation{
		symbol:        order.Symbol,
		signedQty:     signedQty,
		notional:      notional,
		potentialLoss: potentialLoss,
	}
	e.approvedAt = append(e.approvedAt, time.Now())
}

// Release drops the reservation for an order that reached a terminal state.
// Filled exposure is now reflected in RiskState by the position manager;
// cancelled/rejected exposure never materialized.
func (e *Engine) Release(orderID string) {
	e.mu.Lock()
	delete(e.reservations, orderID)
	e.mu.Unlock()
}

type pendingTotals struct {
	signedQty     float64
	notional      float64
	potentialLoss float64
}

// pendingFor sums reservations for one symbol. Caller holds e.mu.
func (e *Engine) pendingFor(symbol string) pendingTotals {
	var t pendingTotals
	for _, r := range e.reservations {
		if r.symbol == symbol {
			t.signedQty += r.signedQty
			t.notional += r.notional
			t.potentialLoss += r.potentialLoss
		}
	}
	return t
}

// pendingAll sums all reservations. Caller holds e.mu.
func (e *Engine) pendingAll() pendingTotals {
	var t pendingTotals
	for _, r := range e.reservations {
		t.signedQty += r.signedQty
		t.notional += r.notional
		t.potentialLoss += r.potentialLoss
	}
	return t
}

// recentApprovalsLocked trims the rate window and returns the approvals seen
// in the last minute. Caller holds e.mu.
func (e *Engine) recentApprovalsLocked() int {
	cutoff := time.Now().Add(-time.Minute)
	i := 0
	for ; i < len(e.approvedAt); i++ {
		if e.approvedAt[i].After(cutoff) {
			break
		}
	}
	e.approvedAt = e.approvedAt[i:]
	return len(e.approvedAt)
}

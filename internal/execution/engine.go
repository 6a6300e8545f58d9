package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
	"tradingcore/internal/risk"
)

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Validator is the pre-submission risk gate. The engine re-validates every
// candidate at submit time because risk state may have changed since the
// coordinator's check.
type Validator interface {
	Validate(ctx context.Context, order *domain.Order, state *domain.RiskState, markPrice float64) risk.Result
	Release(orderID string)
}

// FillApplier receives confirmed fill deltas, in order, per symbol.
type FillApplier interface {
	ApplyFill(ctx context.Context, fill domain.Fill) error
}

// RiskSnapshotter hands out consistent risk state snapshots.
type RiskSnapshotter interface {
	RiskSnapshot() *domain.RiskState
}

// PriceSource provides the latest mark price for valuing candidates.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// Config holds the engine's tunables.
type Config struct {
	BrokerTimeout    time.Duration // Hard timeout per broker call
	MaxSubmitRetries int           // Retries for transient submit failures
	RetryBackoffBase time.Duration // Exponential backoff base
	GapTolerancePct  float64       // Limit-price drift beyond which gapped orders are cancelled
	Workers          int           // Goroutines serving blocking broker calls
}

// SubmitOptions modify the risk gate for manual override orders. They are
// never applied to strategy-originated candidates.
type SubmitOptions struct {
	Override bool // Manual override path: non-HIGH rejections may be forced
	Elevated bool // Elevated confirmation: HIGH rejections may also be forced
}

// Engine owns the order lifecycle state machine. Orders are owned
// exclusively by the engine from creation until terminal; broker calls run
// on dedicated workers so event dispatch is never stalled.
type Engine struct {
	cfg       Config
	logger    ports.Logger
	broker    ports.BrokerAdapter
	validator Validator
	positions FillApplier
	snapshots RiskSnapshotter
	prices    PriceSource
	pub       Publisher
	audit     ports.AuditRepository

	mu       sync.Mutex
	orders   map[string]*domain.Order // by engine order ID
	byBroker map[string]*domain.Order // by broker order ID

	halted atomic.Bool

	taskCh chan func()
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewEngine creates an execution engine. Start must be called before orders
// are submitted; the engine registers itself as the broker's fill handler.
func NewEngine(
	cfg Config,
	log ports.Logger,
	broker ports.BrokerAdapter,
	validator Validator,
	positions FillApplier,
	snapshots RiskSnapshotter,
	prices PriceSource,
	pub Publisher,
	audit ports.AuditRepository,
) (*Engine, error) {
	if log == nil || broker == nil || validator == nil || positions == nil ||
		snapshots == nil || prices == nil || pub == nil {
		return nil, fmt.Errorf("missing required dependencies for execution engine")
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 5 * time.Second
	}
	if cfg.MaxSubmitRetries < 0 {
		cfg.MaxSubmitRetries = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	e := &Engine{
		cfg:       cfg,
		logger:    log,
		broker:    broker,
		validator: validator,
		positions: positions,
		snapshots: snapshots,
		prices:    prices,
		pub:       pub,
		audit:     audit,
		orders:    make(map[string]*domain.Order),
		byBroker:  make(map[string]*domain.Order),
		taskCh:    make(chan func(), 256),
		stopCh:    make(chan struct{}),
	}
	broker.OnFill(e.handleBrokerFill)
	return e, nil
}

// Start launches the broker worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop drains the worker pool.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case task := <-e.taskCh:
			task()
		case <-e.stopCh:
			return
		}
	}
}

// enqueue hands a blocking broker call to the worker pool.
func (e *Engine) enqueue(task func()) {
	select {
	case e.taskCh <- task:
	case <-e.stopCh:
	}
}

// SetHalted toggles the emergency-stop gate. While halted every new
// candidate is rejected before reaching the risk engine or broker.
func (e *Engine) SetHalted(halted bool) {
	e.halted.Store(halted)
}

// SubmitOrder re-validates the candidate against the risk engine, and on
// approval transitions it CREATED -> SUBMITTED and hands the broker call to
// a worker. It returns the order ID immediately; fills arrive asynchronously.
func (e *Engine) SubmitOrder(ctx context.Context, order *domain.Order, opts SubmitOptions) (string, error) {
	if err := order.Validate(); err != nil {
		e.logger.Warn(ctx, "Rejecting malformed order", map[string]interface{}{"orderID": order.ID, "reason": err.Error()})
		return "", fmt.Errorf("order validation: %w", err)
	}
	if order.Status != domain.StatusCreated {
		return "", fmt.Errorf("order %s is %s, expected CREATED: %w", order.ID, order.Status, domain.ErrInvalidTransition)
	}

	if e.halted.Load() {
		e.reject(ctx, order, "emergency_stop_active")
		return order.ID, ports.ErrEmergencyStopActive
	}

	// Race-condition guard: risk state may have moved since the
	// coordinator's check, so validate against a fresh snapshot.
	markPrice, _ := e.prices.LastPrice(order.Symbol)
	result := e.validator.Validate(ctx, order, e.snapshots.RiskSnapshot(), markPrice)
	if !result.Approved {
		forced := opts.Override && (result.Severity != domain.SeverityHigh || opts.Elevated)
		if !forced {
			e.reject(ctx, order, result.Reason)
			return order.ID, nil
		}
		e.logger.Warn(ctx, "Risk rejection overridden by manual confirmation", map[string]interface{}{
			"orderID":  order.ID,
			"reason":   result.Reason,
			"severity": result.Severity,
			"elevated": opts.Elevated,
		})
	}

	e.mu.Lock()
	if err := order.TransitionTo(domain.StatusSubmitted); err != nil {
		e.mu.Unlock()
		e.validator.Release(order.ID)
		return "", err
	}
	e.orders[order.ID] = order
	e.mu.Unlock()

	e.enqueue(func() { e.submitToBroker(context.Background(), order) })
	return order.ID, nil
}

// submitToBroker runs on a worker goroutine. Transient failures are retried
// with exponential backoff; exhaustion or a permanent error rejects the
// order.
func (e *Engine) submitToBroker(ctx context.Context, order *domain.Order) {
	b := &backoff.Backoff{
		Min:    e.cfg.RetryBackoffBase,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxSubmitRetries; attempt++ {
		if attempt > 0 {
			e.logger.Warn(ctx, "Retrying broker submission", map[string]interface{}{
				"orderID": order.ID,
				"attempt": attempt,
			})
			select {
			case <-time.After(b.Duration()):
			case <-e.stopCh:
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
		brokerID, err := e.broker.Submit(callCtx, order)
		cancel()

		if err == nil {
			e.mu.Lock()
			order.BrokerOrderID = brokerID
			e.byBroker[brokerID] = order
			e.mu.Unlock()
			e.publishOrderEvent(ctx, domain.EventOrderSubmitted, order, "")
			return
		}
		lastErr = err
		if callCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			lastErr = fmt.Errorf("broker submit: %w", ports.ErrTimeout)
		}
		if !ports.IsTransientBrokerError(lastErr) {
			// Permanent broker error (invalid instrument, insufficient funds):
			// no retry.
			e.mu.Lock()
			transitionErr := order.TransitionTo(domain.StatusRejected)
			order.Reason = lastErr.Error()
			e.mu.Unlock()
			if transitionErr == nil {
				e.validator.Release(order.ID)
				e.publishOrderEvent(ctx, domain.EventOrderRejected, order, order.Reason)
			}
			e.logger.Error(ctx, lastErr, "Broker rejected order permanently", map[string]interface{}{"orderID": order.ID})
			return
		}
	}

	// Retries exhausted.
	e.mu.Lock()
	transitionErr := order.TransitionTo(domain.StatusRejected)
	order.Reason = "broker_unavailable"
	e.mu.Unlock()
	if transitionErr == nil {
		e.validator.Release(order.ID)
		e.publishOrderEvent(ctx, domain.EventOrderRejected, order, order.Reason)
	}
	e.logger.Critical(ctx, lastErr, "Broker unavailable after retry exhaustion", map[string]interface{}{
		"orderID": order.ID,
		"retries": e.cfg.MaxSubmitRetries,
	})
}

// reject transitions a pre-submission order to REJECTED and publishes the
// rejection with its reason.
func (e *Engine) reject(ctx context.Context, order *domain.Order, reason string) {
	e.mu.Lock()
	err := order.TransitionTo(domain.StatusRejected)
	order.Reason = reason
	e.orders[order.ID] = order
	e.mu.Unlock()
	if err != nil {
		e.logger.Error(ctx, err, "Failed to transition order to REJECTED", map[string]interface{}{"orderID": order.ID})
		return
	}
	e.publishOrderEvent(ctx, domain.EventOrderRejected, order, reason)
}

// handleBrokerFill adapts the broker callback onto OnFillReceived.
func (e *Engine) handleBrokerFill(brokerOrderID string, cumulativeQty, fillPrice float64) {
	_ = e.OnFillReceived(context.Background(), brokerOrderID, cumulativeQty, fillPrice)
}

// OnFillReceived applies a broker fill notification. It is idempotent by
// (brokerOrderID, cumulative quantity): a duplicate notification carrying no
// new quantity is a no-op. A fill for an unknown broker order is a data
// consistency violation: it is quarantined for manual reconciliation, never
// discarded.
func (e *Engine) OnFillReceived(ctx context.Context, brokerOrderID string, cumulativeQty, fillPrice float64) error {
	e.mu.Lock()
	order, ok := e.byBroker[brokerOrderID]
	if !ok {
		e.mu.Unlock()
		return e.quarantineFill(ctx, brokerOrderID, cumulativeQty, fillPrice)
	}

	deltaQty := cumulativeQty - order.FilledQty
	if deltaQty <= 1e-9 {
		e.mu.Unlock()
		e.logger.Debug(ctx, "Duplicate fill notification ignored", map[string]interface{}{
			"brokerOrderID": brokerOrderID,
			"cumulativeQty": cumulativeQty,
		})
		return nil
	}

	if err := order.ApplyFill(deltaQty, fillPrice); err != nil {
		e.mu.Unlock()
		e.logger.Critical(ctx, err, "Fill could not be applied to order", map[string]interface{}{
			"orderID":       order.ID,
			"brokerOrderID": brokerOrderID,
			"cumulativeQty": cumulativeQty,
		})
		return e.quarantineFill(ctx, brokerOrderID, cumulativeQty, fillPrice)
	}
	final := order.Status == domain.StatusFilled
	e.mu.Unlock()

	fill := domain.Fill{
		OrderID:       order.ID,
		BrokerOrderID: brokerOrderID,
		Symbol:        order.Symbol,
		Quantity:      deltaQty * order.Side.Sign(),
		Price:         fillPrice,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.positions.ApplyFill(ctx, fill); err != nil {
		e.logger.Critical(ctx, err, "Position update failed for fill", map[string]interface{}{"orderID": order.ID})
	}

	if err := e.pub.Publish(ctx, domain.NewEvent(domain.EventOrderFilled, order.ID, domain.FillEventPayload{
		Fill:  fill,
		Final: final,
	})); err != nil {
		e.logger.Error(ctx, err, "Failed to publish fill event", map[string]interface{}{"orderID": order.ID})
	}

	if final {
		e.validator.Release(order.ID)
	}
	return nil
}

// quarantineFill records an order-less fill for manual reconciliation.
func (e *Engine) quarantineFill(ctx context.Context, brokerOrderID string, cumulativeQty, fillPrice float64) error {
	err := fmt.Errorf("fill for unknown broker order %s: %w", brokerOrderID, ports.ErrOrderNotFound)
	e.logger.Critical(ctx, err, "Quarantining order-less fill", map[string]interface{}{
		"brokerOrderID": brokerOrderID,
		"cumulativeQty": cumulativeQty,
		"price":         fillPrice,
	})
	if e.audit == nil {
		return err
	}
	if _, qErr := e.audit.QuarantineFill(ctx, ports.QuarantinedFill{
		BrokerOrderID: brokerOrderID,
		CumulativeQty: cumulativeQty,
		Price:         fillPrice,
		ReceivedAt:    time.Now().UTC(),
		Note:          "no matching order",
	}); qErr != nil {
		e.logger.Critical(ctx, qErr, "Failed to persist quarantined fill", map[string]interface{}{
			"brokerOrderID": brokerOrderID,
		})
	}
	return err
}

// CancelOrder requests cancellation of a live order. If the broker reports
// the order already filled before the cancel landed, the fill takes
// precedence and the order is left to complete.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("order %s: %w", orderID, ports.ErrNotFound)
	}
	if !order.IsLive() {
		status := order.Status
		e.mu.Unlock()
		return fmt.Errorf("order %s is %s, only SUBMITTED/PARTIALLY_FILLED orders can be cancelled: %w",
			orderID, status, domain.ErrInvalidTransition)
	}
	brokerID := order.BrokerOrderID
	e.mu.Unlock()

	e.enqueue(func() { e.cancelAtBroker(context.Background(), order, brokerID, reason) })
	return nil
}

func (e *Engine) cancelAtBroker(ctx context.Context, order *domain.Order, brokerID, reason string) {
	if brokerID != "" {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
		err := e.broker.Cancel(callCtx, brokerID)
		cancel()
		if err != nil {
			if errors.Is(err, ports.ErrOrderAlreadyFilled) || errors.Is(err, ports.ErrOrderNotFound) {
				// Fill beat the cancel; fills win.
				e.logger.Warn(ctx, "Cancel superseded by fill", map[string]interface{}{"orderID": order.ID})
				return
			}
			e.logger.Error(ctx, err, "Broker cancel failed", map[string]interface{}{"orderID": order.ID})
			return
		}
	}

	e.mu.Lock()
	transitionErr := order.TransitionTo(domain.StatusCancelled)
	if transitionErr == nil {
		order.Reason = reason
	}
	e.mu.Unlock()
	if transitionErr != nil {
		// A fill arrived between our check and the broker confirmation.
		e.logger.Warn(ctx, "Cancel confirmation raced a terminal transition", map[string]interface{}{
			"orderID": order.ID,
			"status":  order.Status,
		})
		return
	}
	e.validator.Release(order.ID)
	e.publishOrderEvent(ctx, domain.EventOrderCancelled, order, reason)
}

// CancelAllLive issues cancel requests for every SUBMITTED/PARTIALLY_FILLED
// order. Used by the emergency stop.
func (e *Engine) CancelAllLive(ctx context.Context, reason string) int {
	e.mu.Lock()
	live := make([]*domain.Order, 0)
	for _, o := range e.orders {
		if o.IsLive() {
			live = append(live, o)
		}
	}
	e.mu.Unlock()

	for _, o := range live {
		if err := e.CancelOrder(ctx, o.ID, reason); err != nil {
			e.logger.Error(ctx, err, "Failed to request cancel during cancel-all", map[string]interface{}{"orderID": o.ID})
		}
	}
	return len(live)
}

// OnMarketGap re-evaluates live limit/stop orders for a gapped symbol. An
// order whose limit price drifted beyond the gap tolerance from the new
// market level is auto-cancelled as stale.
func (e *Engine) OnMarketGap(ctx context.Context, symbol string, newPrice float64) {
	if newPrice <= 0 || e.cfg.GapTolerancePct <= 0 {
		return
	}
	e.mu.Lock()
	stale := make([]*domain.Order, 0)
	for _, o := range e.orders {
		if o.Symbol != symbol || !o.IsLive() || !o.Type.IsPriced() {
			continue
		}
		ref := o.LimitPrice
		if ref <= 0 {
			ref = o.StopPrice
		}
		if ref <= 0 {
			continue
		}
		drift := math.Abs(newPrice-ref) / ref
		if drift > e.cfg.GapTolerancePct {
			stale = append(stale, o)
		}
	}
	e.mu.Unlock()

	for _, o := range stale {
		e.logger.Info(ctx, "Auto-cancelling stale order after gap", map[string]interface{}{
			"orderID":  o.ID,
			"symbol":   symbol,
			"newPrice": newPrice,
			"limit":    o.LimitPrice,
		})
		if err := e.CancelOrder(ctx, o.ID, "gap_stale_price"); err != nil {
			e.logger.Error(ctx, err, "Failed to cancel stale order", map[string]interface{}{"orderID": o.ID})
		}
	}
}

// GetOrder returns a copy of an order by its engine ID.
func (e *Engine) GetOrder(orderID string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ports.ErrNotFound)
	}
	cp := *order
	return &cp, nil
}

// LiveOrders returns copies of all non-terminal orders.
func (e *Engine) LiveOrders() []*domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Order, 0)
	for _, o := range e.orders {
		if !o.Status.IsTerminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

func (e *Engine) publishOrderEvent(ctx context.Context, t domain.EventType, order *domain.Order, reason string) {
	e.mu.Lock()
	payload := domain.OrderEventPayload{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Status:    order.Status,
		FilledQty: order.FilledQty,
		AvgPrice:  order.AvgFillPrice,
		Reason:    reason,
	}
	e.mu.Unlock()
	if err := e.pub.Publish(ctx, domain.NewEvent(t, order.ID, payload)); err != nil {
		e.logger.Error(ctx, err, "Failed to publish order event", map[string]interface{}{
			"orderID":   order.ID,
			"eventType": t,
		})
	}
}

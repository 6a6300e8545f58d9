package paperbroker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// PriceSource provides the latest mark price used to simulate executions.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// Broker is an in-memory broker simulation used for dry runs. Market orders
// fill immediately at the last observed price; limit orders rest until a
// matching price is pushed via OnPrice. Fill notifications are delivered on
// the caller's goroutine, cumulative-quantity semantics identical to a real
// venue feed.
type Broker struct {
	logger ports.Logger
	prices PriceSource

	mu      sync.Mutex
	orders  map[string]*restingOrder
	handler ports.FillHandler
	seq     atomic.Int64
}

type restingOrder struct {
	order     *domain.Order
	brokerID  string
	filledQty float64
	avgPrice  float64
	status    string
}

// New creates a paper broker.
func New(log ports.Logger, prices PriceSource) (*Broker, error) {
	if log == nil || prices == nil {
		return nil, fmt.Errorf("logger and price source are required for the paper broker")
	}
	return &Broker{
		logger: log,
		prices: prices,
		orders: make(map[string]*restingOrder),
	}, nil
}

// OnFill registers the fill callback. Must be called before the first Submit.
func (b *Broker) OnFill(handler ports.FillHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Submit accepts the order. Market orders execute immediately at the last
// price; priced orders rest until OnPrice crosses them.
func (b *Broker) Submit(ctx context.Context, order *domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("paper submit: %w", ports.ErrContextCanceled)
	}
	price, ok := b.prices.LastPrice(order.Symbol)
	if !ok && order.Type == domain.Market {
		return "", fmt.Errorf("no market price for %s: %w", order.Symbol, ports.ErrInvalidInstrument)
	}

	brokerID := fmt.Sprintf("PAPER-%d", b.seq.Add(1))
	resting := &restingOrder{order: order, brokerID: brokerID, status: "NEW"}

	b.mu.Lock()
	b.orders[brokerID] = resting
	handler := b.handler
	b.mu.Unlock()

	b.logger.Info(ctx, "Paper order accepted", map[string]interface{}{
		"brokerOrderID": brokerID,
		"symbol":        order.Symbol,
		"side":          order.Side,
		"type":          order.Type,
		"quantity":      order.Quantity,
	})

	if order.Type == domain.Market {
		b.fill(resting, order.Quantity, price, handler)
	}
	return brokerID, nil
}

// Cancel removes a resting order. Returns ErrOrderAlreadyFilled when the
// order completed before the cancel arrived.
func (b *Broker) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("paper cancel: %w", ports.ErrContextCanceled)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	resting, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("broker order %s: %w", brokerOrderID, ports.ErrOrderNotFound)
	}
	if resting.status == "FILLED" {
		return fmt.Errorf("broker order %s: %w", brokerOrderID, ports.ErrOrderAlreadyFilled)
	}
	resting.status = "CANCELED"
	return nil
}

// QueryStatus returns the broker-side view of an order.
func (b *Broker) QueryStatus(ctx context.Context, brokerOrderID string) (*ports.BrokerOrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("paper query: %w", ports.ErrContextCanceled)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	resting, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("broker order %s: %w", brokerOrderID, ports.ErrOrderNotFound)
	}
	return &ports.BrokerOrderStatus{
		BrokerOrderID: brokerOrderID,
		Status:        resting.status,
		FilledQty:     resting.filledQty,
		AvgPrice:      resting.avgPrice,
	}, nil
}

// OnPrice crosses resting priced orders against a new market price. Call it
// from the tick path in dry-run mode.
func (b *Broker) OnPrice(symbol string, price float64) {
	b.mu.Lock()
	crossed := make([]*restingOrder, 0)
	handler := b.handler
	for _, resting := range b.orders {
		o := resting.order
		if o.Symbol != symbol || resting.status == "FILLED" || resting.status == "CANCELED" {
			continue
		}
		if !o.Type.IsPriced() {
			continue
		}
		if marketable(o, price) {
			crossed = append(crossed, resting)
		}
	}
	b.mu.Unlock()

	for _, resting := range crossed {
		b.fill(resting, resting.order.Quantity-resting.filledQty, price, handler)
	}
}

// FillPartial simulates a partial execution, for tests and manual dry runs.
func (b *Broker) FillPartial(brokerOrderID string, qty, price float64) error {
	b.mu.Lock()
	resting, ok := b.orders[brokerOrderID]
	handler := b.handler
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("broker order %s: %w", brokerOrderID, ports.ErrOrderNotFound)
	}
	b.fill(resting, qty, price, handler)
	return nil
}

func (b *Broker) fill(resting *restingOrder, qty, price float64, handler ports.FillHandler) {
	b.mu.Lock()
	if resting.status == "CANCELED" {
		b.mu.Unlock()
		return
	}
	newFilled := resting.filledQty + qty
	if newFilled > resting.order.Quantity {
		newFilled = resting.order.Quantity
	}
	executed := newFilled - resting.filledQty
	if executed <= 0 {
		b.mu.Unlock()
		return
	}
	resting.avgPrice = (resting.avgPrice*resting.filledQty + price*executed) / newFilled
	resting.filledQty = newFilled
	if resting.filledQty >= resting.order.Quantity {
		resting.status = "FILLED"
	} else {
		resting.status = "PARTIALLY_FILLED"
	}
	cumulative := resting.filledQty
	b.mu.Unlock()

	if handler != nil {
		handler(resting.brokerID, cumulative, price)
	}
}

// marketable reports whether a resting priced order crosses the given price.
func marketable(o *domain.Order, price float64) bool {
	switch o.Type {
	case domain.Limit:
		if o.Side == domain.Buy {
			return price <= o.LimitPrice
		}
		return price >= o.LimitPrice
	case domain.Stop:
		if o.Side == domain.Buy {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	case domain.StopLimit:
		if o.Side == domain.Buy {
			return price >= o.StopPrice && price <= o.LimitPrice
		}
		return price <= o.StopPrice && price >= o.LimitPrice
	default:
		return false
	}
}

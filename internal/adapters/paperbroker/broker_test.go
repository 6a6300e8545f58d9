package paperbroker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// mockLogger implements ports.Logger for testing.
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Critical(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockPrices is a fixed price book.
type mockPrices struct {
	prices map[string]float64
}

func (m *mockPrices) LastPrice(symbol string) (float64, bool) {
	p, ok := m.prices[symbol]
	return p, ok
}

// fillRecorder captures cumulative fill notifications.
type fillRecorder struct {
	mu    sync.Mutex
	fills []struct {
		brokerID   string
		cumulative float64
		price      float64
	}
}

func (r *fillRecorder) handler(brokerOrderID string, cumulativeQty, fillPrice float64) {
	r.mu.Lock()
	r.fills = append(r.fills, struct {
		brokerID   string
		cumulative float64
		price      float64
	}{brokerOrderID, cumulativeQty, fillPrice})
	r.mu.Unlock()
}

func newTestBroker(t *testing.T) (*Broker, *fillRecorder, *mockPrices) {
	t.Helper()
	prices := &mockPrices{prices: map[string]float64{"AAPL": 150.0}}
	b, err := New(&mockLogger{}, prices)
	require.NoError(t, err)
	rec := &fillRecorder{}
	b.OnFill(rec.handler)
	return b, rec, prices
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	b, rec, _ := newTestBroker(t)
	order := domain.NewOrder("s1", "AAPL", domain.Buy, domain.Market, 100)

	brokerID, err := b.Submit(context.Background(), order)
	require.NoError(t, err)

	rec.mu.Lock()
	require.Len(t, rec.fills, 1)
	assert.Equal(t, brokerID, rec.fills[0].brokerID)
	assert.InDelta(t, 100, rec.fills[0].cumulative, 1e-9)
	assert.InDelta(t, 150.0, rec.fills[0].price, 1e-9)
	rec.mu.Unlock()

	status, err := b.QueryStatus(context.Background(), brokerID)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", status.Status)
	assert.InDelta(t, 150.0, status.AvgPrice, 1e-9)
}

func TestMarketOrderWithoutPriceRejected(t *testing.T) {
	b, _, _ := newTestBroker(t)
	order := domain.NewOrder("s1", "TSLA", domain.Buy, domain.Market, 100)

	_, err := b.Submit(context.Background(), order)
	assert.ErrorIs(t, err, ports.ErrInvalidInstrument)
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	b, rec, _ := newTestBroker(t)
	order := domain.NewOrder("s1", "AAPL", domain.Buy, domain.Limit, 100)
	order.LimitPrice = 145.0

	brokerID, err := b.Submit(context.Background(), order)
	require.NoError(t, err)

	rec.mu.Lock()
	assert.Empty(t, rec.fills, "a buy limit below the market must rest")
	rec.mu.Unlock()

	// Still above the limit: no cross.
	b.OnPrice("AAPL", 148.0)
	rec.mu.Lock()
	assert.Empty(t, rec.fills)
	rec.mu.Unlock()

	// Trades through the limit: the whole order executes at the new price.
	b.OnPrice("AAPL", 144.5)
	rec.mu.Lock()
	require.Len(t, rec.fills, 1)
	assert.InDelta(t, 100, rec.fills[0].cumulative, 1e-9)
	assert.InDelta(t, 144.5, rec.fills[0].price, 1e-9)
	rec.mu.Unlock()

	status, err := b.QueryStatus(context.Background(), brokerID)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", status.Status)
}

func TestSellLimitAndStopCrossing(t *testing.T) {
	b, rec, _ := newTestBroker(t)
	ctx := context.Background()

	sellLimit := domain.NewOrder("s1", "AAPL", domain.Sell, domain.Limit, 10)
	sellLimit.LimitPrice = 155.0
	_, err := b.Submit(ctx, sellLimit)
	require.NoError(t, err)

	sellStop := domain.NewOrder("s1", "AAPL", domain.Sell, domain.Stop, 10)
	sellStop.StopPrice = 145.0
	_, err = b.Submit(ctx, sellStop)
	require.NoError(t, err)

	// 150 crosses neither the 155 sell limit nor the 145 sell stop.
	b.OnPrice("AAPL", 150.0)
	rec.mu.Lock()
	assert.Empty(t, rec.fills)
	rec.mu.Unlock()

	b.OnPrice("AAPL", 156.0) // crosses the sell limit
	b.OnPrice("AAPL", 144.0) // triggers the sell stop
	rec.mu.Lock()
	assert.Len(t, rec.fills, 2)
	rec.mu.Unlock()
}

func TestPartialFillsAreCumulative(t *testing.T) {
	b, rec, _ := newTestBroker(t)
	order := domain.NewOrder("s1", "AAPL", domain.Buy, domain.Limit, 100)
	order.LimitPrice = 145.0
	brokerID, err := b.Submit(context.Background(), order)
	require.NoError(t, err)

	require.NoError(t, b.FillPartial(brokerID, 40, 145.0))
	require.NoError(t, b.FillPartial(brokerID, 60, 144.0))

	rec.mu.Lock()
	require.Len(t, rec.fills, 2)
	assert.InDelta(t, 40, rec.fills[0].cumulative, 1e-9)
	assert.InDelta(t, 100, rec.fills[1].cumulative, 1e-9)
	rec.mu.Unlock()

	status, err := b.QueryStatus(context.Background(), brokerID)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", status.Status)
	// (40*145 + 60*144) / 100 = 144.4
	assert.InDelta(t, 144.4, status.AvgPrice, 1e-9)
}

func TestFillNeverExceedsOrderQuantity(t *testing.T) {
	b, rec, _ := newTestBroker(t)
	order := domain.NewOrder("s1", "AAPL", domain.Buy, domain.Limit, 100)
	order.LimitPrice = 145.0
	brokerID, err := b.Submit(context.Background(), order)
	require.NoError(t, err)

	require.NoError(t, b.FillPartial(brokerID, 150, 145.0))

	rec.mu.Lock()
	require.Len(t, rec.fills, 1)
	assert.InDelta(t, 100, rec.fills[0].cumulative, 1e-9, "fills are clamped at the order quantity")
	rec.mu.Unlock()
}

func TestCancelRestingOrder(t *testing.T) {
	b, rec, _ := newTestBroker(t)
	order := domain.NewOrder("s1", "AAPL", domain.Buy, domain.Limit, 100)
	order.LimitPrice = 145.0
	brokerID, err := b.Submit(context.Background(), order)
	require.NoError(t, err)

	require.NoError(t, b.Cancel(context.Background(), brokerID))

	status, err := b.QueryStatus(context.Background(), brokerID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", status.Status)

	// A cancelled order never crosses.
	b.OnPrice("AAPL", 140.0)
	rec.mu.Lock()
	assert.Empty(t, rec.fills)
	rec.mu.Unlock()
}

func TestCancelFilledOrderFails(t *testing.T) {
	b, _, _ := newTestBroker(t)
	order := domain.NewOrder("s1", "AAPL", domain.Buy, domain.Market, 100)
	brokerID, err := b.Submit(context.Background(), order)
	require.NoError(t, err)

	err = b.Cancel(context.Background(), brokerID)
	assert.ErrorIs(t, err, ports.ErrOrderAlreadyFilled)
}

func TestCancelUnknownOrder(t *testing.T) {
	b, _, _ := newTestBroker(t)
	assert.ErrorIs(t, b.Cancel(context.Background(), "PAPER-999"), ports.ErrOrderNotFound)
	_, err := b.QueryStatus(context.Background(), "PAPER-999")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

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

// mockPublisher records published events synchronously.
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockPublisher) Publish(ctx context.Context, event domain.Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// mockSubmitter records submitted candidate orders.
type mockSubmitter struct {
	mu     sync.Mutex
	orders []*domain.Order
}

func (m *mockSubmitter) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	m.mu.Lock()
	m.orders = append(m.orders, order)
	m.mu.Unlock()
	return order.ID, nil
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// mockHalts marks configured symbols as halted.
type mockHalts struct {
	halted map[string]bool
}

func (m *mockHalts) IsHalted(symbol string) bool { return m.halted[symbol] }

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *mockSubmitter, *mockHalts) {
	t.Helper()
	sub := &mockSubmitter{}
	halts := &mockHalts{halted: make(map[string]bool)}
	c, err := NewCoordinator(cfg, &mockLogger{}, &mockPublisher{}, sub, halts)
	require.NoError(t, err)
	return c, sub, halts
}

func signal(strategyID, symbol string) domain.Signal {
	return domain.Signal{
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       domain.Buy,
		Quantity:   100,
		Confidence: 0.8,
	}
}

func TestOnSignalSubmitsCandidate(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{})
	c.Register("momentum-1", nil)

	orderID, err := c.OnSignal(context.Background(), signal("momentum-1", "AAPL"))
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.orders, 1)
	order := sub.orders[0]
	assert.Equal(t, "momentum-1", order.StrategyID)
	assert.Equal(t, "AAPL", order.Symbol)
	assert.Equal(t, domain.Market, order.Type)
	assert.InDelta(t, 100, order.Quantity, 1e-9)
}

func TestOnSignalUnknownStrategyDropped(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{})

	_, err := c.OnSignal(context.Background(), signal("ghost", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrNotFound)
	assert.Zero(t, sub.count())
}

func TestOnSignalDisabledStrategyDropped(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{})
	c.Register("momentum-1", nil)
	require.NoError(t, c.SetEnabled("momentum-1", false))

	_, err := c.OnSignal(context.Background(), signal("momentum-1", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrStrategyDisabled)
	assert.Zero(t, sub.count())

	// Re-enabling takes effect on the next signal.
	require.NoError(t, c.SetEnabled("momentum-1", true))
	_, err = c.OnSignal(context.Background(), signal("momentum-1", "AAPL"))
	assert.NoError(t, err)
	assert.Equal(t, 1, sub.count())
}

func TestSetEnabledUnknownStrategy(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	assert.ErrorIs(t, c.SetEnabled("ghost", true), ports.ErrNotFound)
}

func TestOnSignalRateLimited(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{RateLimit: 2, RateWindow: time.Minute})
	c.Register("fast", nil)
	c.Register("slow", nil)
	ctx := context.Background()

	_, err := c.OnSignal(ctx, signal("fast", "AAPL"))
	require.NoError(t, err)
	_, err = c.OnSignal(ctx, signal("fast", "AAPL"))
	require.NoError(t, err)

	_, err = c.OnSignal(ctx, signal("fast", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrStrategyRateLimited)

	// The limit is per strategy.
	_, err = c.OnSignal(ctx, signal("slow", "AAPL"))
	assert.NoError(t, err)
	assert.Equal(t, 3, sub.count())
}

func TestRiskOverrideCapsQuantity(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{})
	c.Register("cautious", &domain.RiskLimits{MaxPositionSize: 50})
	c.Register("momentum-1", nil)
	ctx := context.Background()

	_, err := c.OnSignal(ctx, signal("cautious", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrStrategyLimitExceeded)
	assert.Zero(t, sub.count())

	// A signal within the strategy's own cap goes through.
	small := signal("cautious", "AAPL")
	small.Quantity = 50
	_, err = c.OnSignal(ctx, small)
	assert.NoError(t, err)

	// Strategies without an override are unaffected.
	_, err = c.OnSignal(ctx, signal("momentum-1", "AAPL"))
	assert.NoError(t, err)
	assert.Equal(t, 2, sub.count())
}

func TestRiskOverrideTightensRateLimit(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{RateLimit: 10, RateWindow: time.Minute})
	c.Register("throttled", &domain.RiskLimits{MaxOrderRate: 1})
	ctx := context.Background()

	_, err := c.OnSignal(ctx, signal("throttled", "AAPL"))
	require.NoError(t, err)

	// The strategy's own rate cap binds before the account-wide one.
	_, err = c.OnSignal(ctx, signal("throttled", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrStrategyRateLimited)
	assert.Equal(t, 1, sub.count())
}

func TestOnSignalHaltedSymbolDropped(t *testing.T) {
	c, sub, halts := newTestCoordinator(t, Config{})
	c.Register("momentum-1", nil)
	halts.halted["AAPL"] = true

	_, err := c.OnSignal(context.Background(), signal("momentum-1", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrSymbolHalted)
	assert.Zero(t, sub.count())

	// Other symbols still trade.
	_, err = c.OnSignal(context.Background(), signal("momentum-1", "MSFT"))
	assert.NoError(t, err)
}

func TestDisableAllBlocksSignals(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{})
	c.Register("momentum-1", nil)
	c.Register("reversion-1", nil)

	c.DisableAll()

	_, err := c.OnSignal(context.Background(), signal("momentum-1", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrEmergencyStopActive)
	assert.Zero(t, sub.count())

	for _, reg := range c.Strategies() {
		assert.False(t, reg.Enabled)
	}
}

func TestResumeAllKeepsStrategiesDisabled(t *testing.T) {
	c, sub, _ := newTestCoordinator(t, Config{})
	c.Register("momentum-1", nil)
	c.DisableAll()
	c.ResumeAll()

	// The global stop is lifted but each strategy needs explicit re-enablement.
	_, err := c.OnSignal(context.Background(), signal("momentum-1", "AAPL"))
	assert.ErrorIs(t, err, ports.ErrStrategyDisabled)
	assert.Zero(t, sub.count())

	require.NoError(t, c.SetEnabled("momentum-1", true))
	_, err = c.OnSignal(context.Background(), signal("momentum-1", "AAPL"))
	assert.NoError(t, err)
}

func TestRegisterIsIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	c.Register("momentum-1", nil)
	require.NoError(t, c.SetEnabled("momentum-1", false))

	// A repeated registration must not silently re-enable the strategy.
	c.Register("momentum-1", nil)
	regs := c.Strategies()
	require.Len(t, regs, 1)
	assert.False(t, regs[0].Enabled)
}

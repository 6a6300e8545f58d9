package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/domain"
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

func (m *mockPublisher) breaches() []domain.RiskBreachPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RiskBreachPayload
	for _, e := range m.events {
		if e.Type == domain.EventRiskBreach {
			out = append(out, e.Payload.(domain.RiskBreachPayload))
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *mockPublisher) {
	t.Helper()
	pub := &mockPublisher{}
	m, err := NewManager(Config{Limits: domain.RiskLimits{
		MaxPositionSize: 10000,
		MaxExposure:     10_000_000,
		MaxDailyLoss:    1_000_000,
	}}, &mockLogger{}, pub)
	require.NoError(t, err)
	return m, pub
}

func fillAt(symbol string, qty, price float64, ts time.Time) domain.Fill {
	return domain.Fill{
		OrderID:   "order-1",
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Timestamp: ts,
	}
}

func TestApplyFillOpensAndAverages(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 160.0, now.Add(time.Second))))

	pos := m.GetPosition("AAPL")
	require.NotNil(t, pos)
	assert.InDelta(t, 200, pos.Quantity, 1e-9)
	// (100*150 + 100*160) / 200 = 155
	assert.InDelta(t, 155.0, pos.AvgCostBasis, 1e-9)
	assert.InDelta(t, 0, pos.RealizedPnL, 1e-9)
}

func TestApplyFillRealizesOnReduce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	// Sell 40 at 160: realized = (160-150)*40 = +400; basis unchanged.
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", -40, 160.0, now.Add(time.Second))))

	pos := m.GetPosition("AAPL")
	assert.InDelta(t, 60, pos.Quantity, 1e-9)
	assert.InDelta(t, 150.0, pos.AvgCostBasis, 1e-9)
	assert.InDelta(t, 400.0, pos.RealizedPnL, 1e-9)
}

func TestApplyFillLossTracksDailyLoss(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	// Sell at a loss: realized = (140-150)*100 = -1000.
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", -100, 140.0, now.Add(time.Second))))

	pos := m.GetPosition("AAPL")
	assert.InDelta(t, 0, pos.Quantity, 1e-9)
	assert.InDelta(t, -1000.0, pos.RealizedPnL, 1e-9)
	assert.InDelta(t, 0, pos.AvgCostBasis, 1e-9)

	state := m.RiskSnapshot()
	assert.InDelta(t, 1000.0, state.DailyRealizedLoss, 1e-9)
}

func TestApplyFillCrossesZero(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	// Sell 150 at 160: close 100 (+1000 realized), open short 50 at 160.
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", -150, 160.0, now.Add(time.Second))))

	pos := m.GetPosition("AAPL")
	assert.InDelta(t, -50, pos.Quantity, 1e-9)
	assert.InDelta(t, 160.0, pos.AvgCostBasis, 1e-9)
	assert.InDelta(t, 1000.0, pos.RealizedPnL, 1e-9)
}

func TestShortPositionRealization(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Short 100 at 150, cover at 140: realized = (140-150)*100*(-1) = +1000.
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", -100, 150.0, now)))
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 140.0, now.Add(time.Second))))

	pos := m.GetPosition("AAPL")
	assert.InDelta(t, 0, pos.Quantity, 1e-9)
	assert.InDelta(t, 1000.0, pos.RealizedPnL, 1e-9)
}

func TestOutOfOrderFillsReplayedByTimestamp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Arrival order: t0, t2, then the late t1.
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, base)))
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", -100, 160.0, base.Add(2*time.Second))))
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 50, 155.0, base.Add(time.Second))))

	// The late fill is queued and replayed: final net = 100 - 100 + 50 = 50.
	pos := m.GetPosition("AAPL")
	assert.InDelta(t, 50, pos.Quantity, 1e-9)
}

func TestMarkToMarket(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	m.MarkToMarket(ctx, "AAPL", 155.0)

	pos := m.GetPosition("AAPL")
	assert.InDelta(t, 500.0, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 155.0, pos.LastPrice, 1e-9)

	// No-ops: unknown symbol, bad price.
	m.MarkToMarket(ctx, "TSLA", 100.0)
	m.MarkToMarket(ctx, "AAPL", -1.0)
	assert.InDelta(t, 500.0, m.GetPosition("AAPL").UnrealizedPnL, 1e-9)
}

func TestExposureTracking(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	require.NoError(t, m.ApplyFill(ctx, fillAt("MSFT", -50, 300.0, now)))

	state := m.RiskSnapshot()
	assert.InDelta(t, 15000.0, state.PerSymbolExposure["AAPL"], 1e-9)
	assert.InDelta(t, 15000.0, state.PerSymbolExposure["MSFT"], 1e-9)
	assert.InDelta(t, 30000.0, state.TotalExposure, 1e-9)
	assert.InDelta(t, -50, state.PerSymbolQty["MSFT"], 1e-9)
}

func TestBreachAdvisoryPublished(t *testing.T) {
	pub := &mockPublisher{}
	m, err := NewManager(Config{Limits: domain.RiskLimits{
		MaxPositionSize: 50,
	}}, &mockLogger{}, pub)
	require.NoError(t, err)

	// A fill landing past the limit (slippage/partial-fill scenario) raises an
	// advisory, it does not reverse the fill.
	require.NoError(t, m.ApplyFill(context.Background(), fillAt("AAPL", 100, 150.0, time.Now().UTC())))

	breaches := pub.breaches()
	require.NotEmpty(t, breaches)
	assert.Equal(t, "position_size", breaches[0].Check)
	assert.Equal(t, domain.SeverityHigh, breaches[0].Severity)
	assert.InDelta(t, 100, m.GetPosition("AAPL").Quantity, 1e-9)
}

func TestRiskSnapshotIsIsolated(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, time.Now().UTC())))

	snap := m.RiskSnapshot()
	snap.PerSymbolQty["AAPL"] = 9999
	snap.TotalExposure = 0

	fresh := m.RiskSnapshot()
	assert.InDelta(t, 100, fresh.PerSymbolQty["AAPL"], 1e-9)
	assert.InDelta(t, 15000.0, fresh.TotalExposure, 1e-9)
}

func TestArchivePosition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	err := m.ArchivePosition("AAPL")
	assert.Error(t, err, "open positions cannot be archived")

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", -100, 150.0, now.Add(time.Second))))
	assert.NoError(t, m.ArchivePosition("AAPL"))
	assert.Nil(t, m.GetPosition("AAPL"))

	state := m.RiskSnapshot()
	_, ok := state.PerSymbolExposure["AAPL"]
	assert.False(t, ok)
}

func TestResetDailyStats(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", 100, 150.0, now)))
	require.NoError(t, m.ApplyFill(ctx, fillAt("AAPL", -100, 140.0, now.Add(time.Second))))
	require.InDelta(t, 1000.0, m.RiskSnapshot().DailyRealizedLoss, 1e-9)

	m.ResetDailyStats()
	assert.InDelta(t, 0.0, m.RiskSnapshot().DailyRealizedLoss, 1e-9)
}

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// mockLogger implements ports.Logger for testing.
type mockLogger struct {
	mu        sync.Mutex
	warnMsgs  []string
	errorMsgs []string
	critMsgs  []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.warnMsgs = append(m.warnMsgs, msg)
	m.mu.Unlock()
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.errorMsgs = append(m.errorMsgs, msg)
	m.mu.Unlock()
}
func (m *mockLogger) Critical(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.critMsgs = append(m.critMsgs, msg)
	m.mu.Unlock()
}

// collector accumulates delivered events in order.
type collector struct {
	mu     sync.Mutex
	events []domain.Event
	done   chan struct{} // closed once target events arrive
	target int
}

func newCollector(target int) *collector {
	return &collector{done: make(chan struct{}), target: target}
}

func (c *collector) handle(ctx context.Context, event domain.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	if len(c.events) == c.target {
		close(c.done)
	}
	c.mu.Unlock()
	return nil
}

func (c *collector) wait(t *testing.T) []domain.Event {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d events", c.target)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublishValidation(t *testing.T) {
	b := New(Config{}, &mockLogger{})
	err := b.Publish(context.Background(), domain.Event{Type: "BOGUS"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestPriorityOrdering(t *testing.T) {
	b := New(Config{}, &mockLogger{})
	col := newCollector(4)
	b.Subscribe("collector", nil, col.handle)

	ctx := context.Background()
	// Queue lower-priority events first, then an emergency. Start the bus
	// only afterwards so dispatch sees all four queued at once.
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Symbol: "AAPL", Price: 1})))
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventRiskBreach, "AAPL", domain.RiskBreachPayload{})))
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventUserOverride, "op", domain.OverridePayload{})))
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventEmergencyStop, "op", domain.OverridePayload{})))

	b.Start()
	defer b.Stop()

	events := col.wait(t)
	require.Len(t, events, 4)
	assert.Equal(t, domain.EventEmergencyStop, events[0].Type)
	assert.Equal(t, domain.EventUserOverride, events[1].Type)
	assert.Equal(t, domain.EventRiskBreach, events[2].Type)
	assert.Equal(t, domain.EventPriceUpdate, events[3].Type)
}

func TestNormalQueueDropsOldest(t *testing.T) {
	log := &mockLogger{}
	b := New(Config{NormalQueueSize: 2}, log)
	col := newCollector(2)
	b.Subscribe("collector", nil, col.handle)

	ctx := context.Background()
	first := domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: 1})
	require.NoError(t, b.Publish(ctx, first))
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: 2})))
	// Queue full: the oldest event is evicted, publish still succeeds.
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: 3})))

	b.Start()
	defer b.Stop()

	events := col.wait(t)
	for _, e := range events {
		assert.NotEqual(t, first.ID, e.ID, "oldest event should have been dropped")
	}
	assert.Equal(t, uint64(1), b.GetStats().DroppedNormal)
}

func TestUrgentPublishBlocksNeverDrops(t *testing.T) {
	b := New(Config{UrgentQueueSize: 1, PublishTimeout: 50 * time.Millisecond}, &mockLogger{})
	// Bus not started: the urgent queue cannot drain.
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventEmergencyStop, "op", nil)))

	start := time.Now()
	err := b.Publish(ctx, domain.NewEvent(domain.EventEmergencyStop, "op", nil))
	assert.ErrorIs(t, err, ports.ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint64(1), b.GetStats().PublishTimeouts)
}

func TestSubscriberFailureIsolation(t *testing.T) {
	log := &mockLogger{}
	b := New(Config{DegradedFailures: 3}, log)

	b.Subscribe("failing", []domain.EventType{domain.EventPriceUpdate}, func(ctx context.Context, event domain.Event) error {
		return errors.New("boom")
	})
	col := newCollector(4)
	b.Subscribe("healthy", []domain.EventType{domain.EventPriceUpdate}, col.handle)

	b.Start()
	defer b.Stop()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: float64(i)})))
	}

	// The healthy subscriber receives everything despite the failing peer.
	events := col.wait(t)
	assert.Len(t, events, 4)

	// Three consecutive failures flag the subscriber as degraded but keep it
	// subscribed.
	stats := b.GetStats()
	assert.Contains(t, stats.Degraded, "failing")
}

func TestHandlerPanicRecovered(t *testing.T) {
	log := &mockLogger{}
	b := New(Config{}, log)
	b.Subscribe("panicking", nil, func(ctx context.Context, event domain.Event) error {
		panic("handler exploded")
	})
	col := newCollector(1)
	b.Subscribe("healthy", nil, col.handle)

	b.Start()
	defer b.Stop()

	require.NoError(t, b.Publish(context.Background(), domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: 1})))
	col.wait(t)

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.NotEmpty(t, log.errorMsgs)
}

func TestTypeFiltering(t *testing.T) {
	b := New(Config{}, &mockLogger{})
	col := newCollector(1)
	b.Subscribe("orders-only", []domain.EventType{domain.EventOrderFilled}, col.handle)

	b.Start()
	defer b.Stop()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: 1})))
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventOrderFilled, "order-1", domain.FillEventPayload{})))

	events := col.wait(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderFilled, events[0].Type)
}

func TestRetentionBuffer(t *testing.T) {
	b := New(Config{RetentionWindow: 3}, &mockLogger{})
	col := newCollector(5)
	b.Subscribe("collector", nil, col.handle)
	b.Start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: float64(i)})))
	}
	col.wait(t)
	b.Stop()

	recent := b.Recent()
	assert.Len(t, recent, 3, "retention ring should be bounded")
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	b := New(Config{}, &mockLogger{})
	col := newCollector(3)
	b.Subscribe("collector", nil, col.handle)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: float64(i)})))
	}

	b.Start()
	b.Stop()

	col.mu.Lock()
	count := len(col.events)
	col.mu.Unlock()
	assert.Equal(t, 3, count)

	// Publishing after stop fails.
	err := b.Publish(ctx, domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Price: 9}))
	assert.ErrorIs(t, err, ports.ErrBusClosed)
}

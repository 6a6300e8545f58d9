package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
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

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "audit_test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestAppendAndFindByCorrelationID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	submitted := domain.NewEvent(domain.EventOrderSubmitted, "order-1", domain.OrderEventPayload{
		OrderID: "order-1",
		Symbol:  "AAPL",
		Side:    domain.Buy,
		Status:  domain.StatusSubmitted,
	})
	filled := domain.NewEvent(domain.EventOrderFilled, "order-1", domain.FillEventPayload{
		Fill:  domain.Fill{OrderID: "order-1", Symbol: "AAPL", Quantity: 100, Price: 150.0},
		Final: true,
	})
	filled.Timestamp = submitted.Timestamp.Add(time.Second)
	other := domain.NewEvent(domain.EventOrderSubmitted, "order-2", domain.OrderEventPayload{OrderID: "order-2"})

	require.NoError(t, repo.AppendEvent(ctx, submitted))
	require.NoError(t, repo.AppendEvent(ctx, filled))
	require.NoError(t, repo.AppendEvent(ctx, other))

	records, err := repo.FindByCorrelationID(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Lifecycle order is preserved.
	assert.Equal(t, submitted.ID, records[0].EventID)
	assert.Equal(t, string(domain.EventOrderSubmitted), records[0].Type)
	assert.Equal(t, filled.ID, records[1].EventID)

	// The payload survives as queryable JSON.
	var payload domain.OrderEventPayload
	require.NoError(t, json.Unmarshal([]byte(records[0].PayloadJSON), &payload))
	assert.Equal(t, "AAPL", payload.Symbol)

	records, err = repo.FindByCorrelationID(ctx, "no-such-order")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAppendDuplicateEventIDFails(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	event := domain.NewEvent(domain.EventOrderSubmitted, "order-1", domain.OrderEventPayload{OrderID: "order-1"})
	require.NoError(t, repo.AppendEvent(ctx, event))
	assert.Error(t, repo.AppendEvent(ctx, event), "event IDs are unique in the append-only log")
}

func TestFindSince(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		event := domain.NewEvent(domain.EventPriceUpdate, "", domain.PriceUpdatePayload{Symbol: "AAPL", Price: float64(100 + i)})
		event.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.AppendEvent(ctx, event))
	}

	records, err := repo.FindSince(ctx, base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, records, 3, "since is inclusive")

	records, err = repo.FindSince(ctx, base, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Oldest first under the limit.
	var first domain.PriceUpdatePayload
	require.NoError(t, json.Unmarshal([]byte(records[0].PayloadJSON), &first))
	assert.InDelta(t, 100.0, first.Price, 1e-9)
}

func TestQuarantineFillRoundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	received := time.Now().UTC().Truncate(time.Second)

	id, err := repo.QuarantineFill(ctx, ports.QuarantinedFill{
		BrokerOrderID: "BRK-404",
		CumulativeQty: 100,
		Price:         150.0,
		ReceivedAt:    received,
		Note:          "no matching order",
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	// A second fill with no note exercises the NULL column.
	_, err = repo.QuarantineFill(ctx, ports.QuarantinedFill{
		BrokerOrderID: "BRK-405",
		CumulativeQty: 50,
		Price:         151.0,
		ReceivedAt:    received.Add(time.Second),
	})
	require.NoError(t, err)

	fills, err := repo.FindQuarantinedFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "BRK-404", fills[0].BrokerOrderID)
	assert.InDelta(t, 100, fills[0].CumulativeQty, 1e-9)
	assert.Equal(t, "no matching order", fills[0].Note)
	assert.Equal(t, "", fills[1].Note)
	assert.True(t, fills[0].ReceivedAt.Equal(received))
}

func TestRepositoryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_test.db")
	ctx := context.Background()

	repo, err := NewRepository(Config{DBPath: path, Logger: &mockLogger{}})
	require.NoError(t, err)
	event := domain.NewEvent(domain.EventEmergencyStop, "operator-1", domain.OverridePayload{
		Action:    "emergency_stop",
		Principal: "operator-1",
		Reason:    "drill",
	})
	require.NoError(t, repo.AppendEvent(ctx, event))
	require.NoError(t, repo.Close())

	reopened, err := NewRepository(Config{DBPath: path, Logger: &mockLogger{}})
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.FindByCorrelationID(ctx, "operator-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, event.ID, records[0].EventID)
}

package ports

import (
	"context"
	"time"

	"tradingcore/internal/domain"
)

// AuditRecord is one row of the append-only audit trail, keyed by
// correlation ID and timestamp for compliance and replay.
type AuditRecord struct {
	EventID       string
	CorrelationID string
	Type          string
	PayloadJSON   string
	Priority      string
	CreatedAt     time.Time
}

// QuarantinedFill is a fill that referenced an unknown order. It is held for
// manual reconciliation, never silently discarded.
type QuarantinedFill struct {
	ID            int64
	BrokerOrderID string
	CumulativeQty float64
	Price         float64
	ReceivedAt    time.Time
	Note          string
}

// AuditRepository is the persistence sink for the engine's event trail.
type AuditRepository interface {
	// AppendEvent writes one trading event to the append-only audit log.
	AppendEvent(ctx context.Context, event domain.Event) error

	// FindByCorrelationID returns all audit records for one correlation ID in
	// insertion order, for replaying an order's lifecycle.
	FindByCorrelationID(ctx context.Context, correlationID string) ([]*AuditRecord, error)

	// FindSince returns audit records created at or after the given time.
	FindSince(ctx context.Context, since time.Time, limit int) ([]*AuditRecord, error)

	// QuarantineFill records a fill that could not be matched to an order.
	QuarantineFill(ctx context.Context, fill QuarantinedFill) (int64, error)

	// FindQuarantinedFills returns all quarantined fills pending reconciliation.
	FindQuarantinedFills(ctx context.Context) ([]*QuarantinedFill, error)
}

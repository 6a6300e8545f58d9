package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.AuditRepository using SQLite. The audit table
// is append-only: rows are never updated or deleted by the engine.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite audit repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (and if needed creates) the audit database.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trading_engine.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for concurrent readers during audit export.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Audit database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		priority TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quarantined_fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		broker_order_id TEXT NOT NULL,
		cumulative_qty REAL NOT NULL,
		price REAL NOT NULL,
		received_at TIMESTAMP NOT NULL,
		note TEXT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events (correlation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events (created_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing audit database connection")
		return r.db.Close()
	}
	return nil
}

// AppendEvent writes one event to the append-only audit log.
func (r *Repository) AppendEvent(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for event %s: %w", event.ID, err)
	}

	const query = `
	INSERT INTO audit_events (event_id, correlation_id, type, payload_json, priority, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.CorrelationID, string(event.Type), string(payload), event.Priority.String(), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit event %s: %w", event.ID, err)
	}
	return nil
}

// FindByCorrelationID returns all audit records for one correlation ID in
// insertion order.
func (r *Repository) FindByCorrelationID(ctx context.Context, correlationID string) ([]*ports.AuditRecord, error) {
	const query = `
	SELECT event_id, correlation_id, type, payload_json, priority, created_at
	FROM audit_events
	WHERE correlation_id = ?
	ORDER BY created_at ASC, rowid ASC`

	rows, err := r.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events for correlation %s: %w", correlationID, err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// FindSince returns audit records created at or after the given time.
func (r *Repository) FindSince(ctx context.Context, since time.Time, limit int) ([]*ports.AuditRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	const query = `
	SELECT event_id, correlation_id, type, payload_json, priority, created_at
	FROM audit_events
	WHERE created_at >= ?
	ORDER BY created_at ASC, rowid ASC
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events since %s: %w", since, err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// QuarantineFill records a fill that could not be matched to an order.
func (r *Repository) QuarantineFill(ctx context.Context, fill ports.QuarantinedFill) (int64, error) {
	const query = `
	INSERT INTO quarantined_fills (broker_order_id, cumulative_qty, price, received_at, note)
	VALUES (?, ?, ?, ?, ?)`

	var note sql.NullString
	if fill.Note != "" {
		note = sql.NullString{String: fill.Note, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		fill.BrokerOrderID, fill.CumulativeQty, fill.Price, fill.ReceivedAt, note)
	if err != nil {
		return 0, fmt.Errorf("failed to insert quarantined fill for broker order %s: %w", fill.BrokerOrderID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for quarantined fill: %w", err)
	}
	r.logger.Debug(ctx, "Quarantined fill recorded", map[string]interface{}{
		"id":            id,
		"brokerOrderID": fill.BrokerOrderID,
	})
	return id, nil
}

// FindQuarantinedFills returns all quarantined fills pending reconciliation.
func (r *Repository) FindQuarantinedFills(ctx context.Context) ([]*ports.QuarantinedFill, error) {
	const query = `
	SELECT id, broker_order_id, cumulative_qty, price, received_at, COALESCE(note, '')
	FROM quarantined_fills
	ORDER BY received_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantined fills: %w", err)
	}
	defer rows.Close()

	fills := make([]*ports.QuarantinedFill, 0)
	for rows.Next() {
		f := &ports.QuarantinedFill{}
		if err := rows.Scan(&f.ID, &f.BrokerOrderID, &f.CumulativeQty, &f.Price, &f.ReceivedAt, &f.Note); err != nil {
			return nil, fmt.Errorf("failed to scan quarantined fill: %w", err)
		}
		fills = append(fills, f)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quarantined fill rows: %w", err)
	}
	return fills, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecords(rows *sql.Rows) ([]*ports.AuditRecord, error) {
	records := make([]*ports.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return records, nil
}

func scanAuditRecord(s scanner) (*ports.AuditRecord, error) {
	rec := &ports.AuditRecord{}
	err := s.Scan(&rec.EventID, &rec.CorrelationID, &rec.Type, &rec.PayloadJSON, &rec.Priority, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

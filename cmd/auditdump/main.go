package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tradingcore/internal/adapters/logger"
	"tradingcore/internal/adapters/sqlite"
	"tradingcore/internal/ports"
)

// auditdump exports the audit trail from the engine's database: either the
// full event history for one correlation ID, or everything since a cutoff.
func main() {
	dbPath := flag.String("db", "./data/trading_engine.db", "Path to the engine database")
	correlationID := flag.String("correlation", "", "Dump all events for one correlation ID (order ID)")
	sinceStr := flag.String("since", "", "Dump events since this RFC3339 time (default: last 24h)")
	limit := flag.Int("limit", 10000, "Maximum events to export in since mode")
	format := flag.String("format", "csv", "Output format: csv or json")
	quarantined := flag.Bool("quarantined", false, "Dump quarantined fills instead of events")
	flag.Parse()

	appLogger := logger.NewStdLogger(logger.LevelError)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()

	if *quarantined {
		fills, err := repo.FindQuarantinedFills(ctx)
		if err != nil {
			log.Fatalf("Error reading quarantined fills: %v", err)
		}
		if *format == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(fills); err != nil {
				log.Fatalf("Error encoding output: %v", err)
			}
			return
		}
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"id", "broker_order_id", "cumulative_qty", "price", "received_at", "note"})
		for _, f := range fills {
			w.Write([]string{
				fmt.Sprintf("%d", f.ID),
				f.BrokerOrderID,
				fmt.Sprintf("%g", f.CumulativeQty),
				fmt.Sprintf("%g", f.Price),
				f.ReceivedAt.Format(time.RFC3339Nano),
				f.Note,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			log.Fatalf("Error writing CSV: %v", err)
		}
		return
	}

	records, err := loadRecords(ctx, repo, *correlationID, *sinceStr, *limit)
	if err != nil {
		log.Fatalf("Error reading audit events: %v", err)
	}

	if *format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			log.Fatalf("Error encoding output: %v", err)
		}
		return
	}

	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"event_id", "correlation_id", "type", "priority", "created_at", "payload"})
	for _, rec := range records {
		w.Write([]string{
			rec.EventID,
			rec.CorrelationID,
			rec.Type,
			rec.Priority,
			rec.CreatedAt.Format(time.RFC3339Nano),
			rec.PayloadJSON,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatalf("Error writing CSV: %v", err)
	}
}

func loadRecords(ctx context.Context, repo *sqlite.Repository, correlationID, sinceStr string, limit int) ([]*ports.AuditRecord, error) {
	if correlationID != "" {
		return repo.FindByCorrelationID(ctx, correlationID)
	}
	since := time.Now().Add(-24 * time.Hour)
	if sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return nil, fmt.Errorf("invalid -since value %q: %w", sinceStr, err)
		}
		since = parsed
	}
	return repo.FindSince(ctx, since, limit)
}

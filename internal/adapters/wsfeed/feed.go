package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// Ingestor consumes validated raw ticks; the market data adapter implements
// it.
type Ingestor interface {
	Ingest(ctx context.Context, tick domain.Tick) error
}

// Config holds the feed's connection settings.
type Config struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ReadTimeout          time.Duration
}

// Feed reads JSON tick frames from a WebSocket market data source and hands
// them to the ingestor. The connection is re-established with exponential
// backoff; the feed never terminates the process on a bad frame.
type Feed struct {
	cfg    Config
	logger ports.Logger
	sink   Ingestor

	dropped atomic.Int64
}

// New creates a WebSocket feed.
func New(cfg Config, log ports.Logger, sink Ingestor) (*Feed, error) {
	if log == nil || sink == nil {
		return nil, fmt.Errorf("logger and ingestor are required for the WebSocket feed")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required: %w", ports.ErrConfigurationError)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &Feed{cfg: cfg, logger: log, sink: sink}, nil
}

// Run connects and consumes frames until the context is cancelled or the
// reconnect budget is exhausted.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			f.logger.Info(ctx, "Feed stopping, context cancelled")
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
		if err != nil {
			attempt++
			if attempt >= f.cfg.MaxReconnectAttempts {
				err = fmt.Errorf("feed connect to %s: %w: %w", f.cfg.URL, ports.ErrConnectionFailed, err)
				f.logger.Critical(ctx, err, "Max feed reconnection attempts exceeded, giving up", map[string]interface{}{
					"maxAttempts": f.cfg.MaxReconnectAttempts,
				})
				return err
			}
			delay := f.cfg.ReconnectDelay * time.Duration(1<<uint(attempt-1))
			f.logger.Warn(ctx, "Feed connection failed, retrying", map[string]interface{}{
				"url":     f.cfg.URL,
				"attempt": attempt,
				"delay":   delay.String(),
			})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		f.logger.Info(ctx, "Feed connected", map[string]interface{}{"url": f.cfg.URL})
		attempt = 0

		if err := f.consume(ctx, conn); err != nil {
			f.logger.Warn(ctx, "Feed connection lost, reconnecting", map[string]interface{}{"error": err.Error()})
		}
		conn.Close()
	}
}

// consume reads frames until the connection breaks or the context ends.
func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) error {
	// Unblock the read loop when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var tick domain.Tick
		if err := json.Unmarshal(frame, &tick); err != nil {
			// Malformed frame: count and continue, never crash the feed.
			f.dropped.Add(1)
			f.logger.Warn(ctx, "Dropping malformed feed frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = time.Now().UTC()
		}

		if err := f.sink.Ingest(ctx, tick); err != nil {
			// Validation rejections are counted by the adapter itself.
			f.logger.Debug(ctx, "Tick rejected by market data adapter", map[string]interface{}{
				"symbol": tick.Symbol,
				"error":  err.Error(),
			})
		}
	}
}

// DroppedFrames returns the count of frames dropped as unparseable.
func (f *Feed) DroppedFrames() int64 {
	return f.dropped.Load()
}

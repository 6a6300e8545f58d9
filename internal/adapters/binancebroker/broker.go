package binancebroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Broker implements ports.BrokerAdapter against the Binance futures API.
// Fill notifications arrive on the user-data stream; StartUserStream must be
// running for OnFill callbacks to fire.
type Broker struct {
	client *futures.Client
	logger ports.Logger

	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu      sync.Mutex
	handler ports.FillHandler
	symbols map[string]string // broker order ID -> symbol, needed for cancel
}

// Config holds configuration specific to the Binance broker adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// New creates a Binance broker adapter.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance broker")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("API credentials are required for Binance broker: %w", ports.ErrConfigurationError)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance broker configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance broker configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Broker{
		client:               client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		symbols:              make(map[string]string),
	}, nil
}

// handleError translates Binance API errors into the standardized sentinel
// errors so the execution engine can branch on errors.Is.
func (b *Broker) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrInvalidInstrument
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key invalid / permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2011: // Cancel rejected: usually already executed
			mappedErr = ports.ErrOrderAlreadyFilled
		case -2019, -3005, -3041: // Insufficient margin/balance/position
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014: // Qty/price outside permissible range
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrBrokerUnavailable
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		b.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrBrokerUnavailable, err)
	}

	b.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// OnFill registers the fill callback. Must be called before the first Submit.
func (b *Broker) OnFill(handler ports.FillHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Submit sends an order to Binance and returns the broker's order ID.
func (b *Broker) Submit(ctx context.Context, order *domain.Order) (string, error) {
	op := "Submit"

	svc := b.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(futures.SideType(order.Side)).
		Quantity(formatQty(order.Quantity))

	switch order.Type {
	case domain.Market:
		svc = svc.Type(futures.OrderTypeMarket)
	case domain.Limit:
		svc = svc.Type(futures.OrderTypeLimit).
			Price(formatQty(order.LimitPrice)).
			TimeInForce(translateTimeInForce(order.TimeInForce))
	case domain.Stop:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(formatQty(order.StopPrice))
	case domain.StopLimit:
		svc = svc.Type(futures.OrderTypeStop).
			Price(formatQty(order.LimitPrice)).
			StopPrice(formatQty(order.StopPrice)).
			TimeInForce(translateTimeInForce(order.TimeInForce))
	default:
		return "", fmt.Errorf("unsupported order type %s: %w", order.Type, ports.ErrInvalidRequest)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", b.handleError(ctx, err, op)
	}

	brokerID := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.symbols[brokerID] = order.Symbol
	b.mu.Unlock()

	b.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        order.Symbol,
		"side":          order.Side,
		"type":          order.Type,
		"quantity":      order.Quantity,
		"brokerOrderID": brokerID,
		"status":        resp.Status,
	})
	return brokerID, nil
}

// Cancel requests cancellation of a working order.
func (b *Broker) Cancel(ctx context.Context, brokerOrderID string) error {
	op := "Cancel"

	symbol, orderID, err := b.resolve(brokerOrderID)
	if err != nil {
		return err
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return b.handleError(ctx, err, op)
	}
	b.logger.Info(ctx, op+" successful", map[string]interface{}{"brokerOrderID": brokerOrderID})
	return nil
}

// QueryStatus fetches the broker's current view of an order.
func (b *Broker) QueryStatus(ctx context.Context, brokerOrderID string) (*ports.BrokerOrderStatus, error) {
	op := "QueryStatus"

	symbol, orderID, err := b.resolve(brokerOrderID)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, b.handleError(ctx, err, op)
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return &ports.BrokerOrderStatus{
		BrokerOrderID: brokerOrderID,
		Status:        string(resp.Status),
		FilledQty:     filled,
		AvgPrice:      avgPrice,
	}, nil
}

func (b *Broker) resolve(brokerOrderID string) (string, int64, error) {
	b.mu.Lock()
	symbol, ok := b.symbols[brokerOrderID]
	b.mu.Unlock()
	if !ok {
		return "", 0, fmt.Errorf("broker order %s: %w", brokerOrderID, ports.ErrOrderNotFound)
	}
	orderID, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed broker order ID %q: %w", brokerOrderID, ports.ErrInvalidRequest)
	}
	return symbol, orderID, nil
}

// StartUserStream connects the user-data WebSocket stream and forwards order
// trade updates to the registered fill handler. It reconnects with
// exponential backoff until the context is cancelled.
func (b *Broker) StartUserStream(ctx context.Context) error {
	op := "StartUserStream"

	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return b.handleError(ctx, err, op)
	}

	// Binance expires listen keys after 60 minutes without a keepalive.
	go b.keepAliveLoop(ctx, listenKey)
	go b.streamLoop(ctx, listenKey)
	return nil
}

func (b *Broker) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				b.logger.Warn(ctx, "User stream keepalive failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (b *Broker) streamLoop(ctx context.Context, listenKey string) {
	op := "UserStream"
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			b.logger.Info(ctx, op+": Context cancelled, stopping stream.")
			return
		default:
		}

		doneCh, stopCh, err := futures.WsUserDataServe(listenKey, b.handleUserEvent, func(err error) {
			b.logger.Warn(ctx, op+": WebSocket error reported", map[string]interface{}{"error": err.Error()})
		})
		if err != nil {
			b.handleError(ctx, err, op+" connection attempt")
			attempt++
			if attempt >= b.maxReconnectAttempts {
				b.logger.Critical(ctx, err, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{
					"maxAttempts": b.maxReconnectAttempts,
				})
				return
			}
			delay := b.reconnectDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		b.logger.Info(ctx, op+": WebSocket connection established.")
		attempt = 0

		select {
		case <-doneCh:
			b.logger.Warn(ctx, op+": Connection closed unexpectedly. Reconnecting...")
		case <-ctx.Done():
			select {
			case stopCh <- struct{}{}:
			default:
			}
			return
		}
	}
}

// handleUserEvent forwards ORDER_TRADE_UPDATE events carrying executions to
// the fill handler. AccumulatedFilledQty gives cumulative semantics directly.
func (b *Broker) handleUserEvent(event *futures.WsUserDataEvent) {
	if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	update := event.OrderTradeUpdate
	if update.ExecutionType != "TRADE" {
		return
	}

	cumulative, err := strconv.ParseFloat(update.AccumulatedFilledQty, 64)
	if err != nil || cumulative <= 0 {
		return
	}
	price, err := strconv.ParseFloat(update.LastFilledPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(strconv.FormatInt(update.ID, 10), cumulative, price)
	}
}

func translateTimeInForce(tif domain.TimeInForce) futures.TimeInForceType {
	switch tif {
	case domain.IOC:
		return futures.TimeInForceTypeIOC
	default:
		return futures.TimeInForceTypeGTC
	}
}

// formatQty renders a float without scientific notation, trimmed of trailing
// zeros, as the REST API expects.
func formatQty(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return s
}

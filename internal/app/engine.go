package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradingcore/config"
	"tradingcore/internal/adapters/binancebroker"
	"tradingcore/internal/adapters/paperbroker"
	"tradingcore/internal/adapters/sqlite"
	"tradingcore/internal/adapters/wsfeed"
	"tradingcore/internal/alert"
	"tradingcore/internal/api"
	"tradingcore/internal/bus"
	"tradingcore/internal/domain"
	"tradingcore/internal/execution"
	"tradingcore/internal/marketdata"
	"tradingcore/internal/override"
	"tradingcore/internal/ports"
	"tradingcore/internal/position"
	"tradingcore/internal/risk"
	"tradingcore/internal/strategy"
)

// Engine assembles the trading core: event bus, market data adapter, risk
// engine, execution engine, position manager, strategy coordinator, override
// controller and the admin API, wired per configuration.
type Engine struct {
	cfg    *config.Config
	logger ports.Logger

	Bus        *bus.Bus
	MarketData *marketdata.Adapter
	Risk       *risk.Engine
	Execution  *execution.Engine
	Positions  *position.Manager
	Strategies *strategy.Coordinator
	Overrides  *override.Controller
	Alerts     *alert.Engine
	API        *api.Server

	broker ports.BrokerAdapter
	audit  *sqlite.Repository
	feed   *wsfeed.Feed

	userStream func(ctx context.Context) error
}

// coordinatorSubmitter adapts the execution engine's submit path for the
// coordinator: strategy candidates never carry override flags.
type coordinatorSubmitter struct {
	exec *execution.Engine
}

func (s coordinatorSubmitter) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	return s.exec.SubmitOrder(ctx, order, execution.SubmitOptions{})
}

// New wires the engine from configuration. Nothing runs until Start.
func New(cfg *config.Config, log ports.Logger) (*Engine, error) {
	if cfg == nil || log == nil {
		return nil, fmt.Errorf("config and logger are required")
	}
	e := &Engine{cfg: cfg, logger: log}

	// Persistence first: everything else appends to the audit trail.
	audit, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("audit repository: %w", err)
	}
	e.audit = audit

	e.Bus = bus.New(bus.Config{
		NormalQueueSize:  cfg.NormalQueueSize,
		UrgentQueueSize:  cfg.UrgentQueueSize,
		PublishTimeout:   cfg.PublishTimeout,
		RetentionWindow:  cfg.RetentionWindow,
		DegradedFailures: cfg.DegradedFailures,
	}, log)

	e.MarketData, err = marketdata.New(marketdata.Config{
		KnownSymbols:         cfg.KnownSymbols(),
		StalenessThreshold:   cfg.StalenessThreshold,
		GapThresholdPct:      cfg.GapThresholdPct,
		CircuitBreakerPct:    cfg.CircuitBreakerPct,
		VolatilityWindow:     cfg.VolatilityWindow,
		VolatilityTierBounds: cfg.VolatilityTierBounds,
	}, log, e.Bus)
	if err != nil {
		return nil, fmt.Errorf("market data adapter: %w", err)
	}

	limits := domain.RiskLimits{
		MaxPositionSize:  cfg.MaxPositionSize,
		MaxOrderValue:    cfg.MaxOrderValue,
		MaxExposure:      cfg.MaxExposure,
		MaxConcentration: cfg.MaxConcentration,
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxOrderRate:     cfg.MaxOrderRate,
		BuyingPower:      cfg.BuyingPower,
	}

	e.Risk, err = risk.New(risk.Config{Limits: limits}, log)
	if err != nil {
		return nil, fmt.Errorf("risk engine: %w", err)
	}

	e.Positions, err = position.NewManager(position.Config{Limits: limits}, log, e.Bus)
	if err != nil {
		return nil, fmt.Errorf("position manager: %w", err)
	}

	if err := e.initBroker(); err != nil {
		return nil, err
	}

	e.Execution, err = execution.NewEngine(execution.Config{
		BrokerTimeout:    cfg.BrokerTimeout,
		MaxSubmitRetries: cfg.MaxSubmitRetries,
		RetryBackoffBase: cfg.RetryBackoffBase,
		GapTolerancePct:  cfg.GapTolerancePct,
		Workers:          cfg.BrokerWorkers,
	}, log, e.broker, e.Risk, e.Positions, e.Positions, e.MarketData, e.Bus, e.audit)
	if err != nil {
		return nil, fmt.Errorf("execution engine: %w", err)
	}

	e.Strategies, err = strategy.NewCoordinator(strategy.Config{
		RateLimit:  cfg.SignalRateLimit,
		RateWindow: cfg.SignalRateWindow,
	}, log, e.Bus, coordinatorSubmitter{exec: e.Execution}, e.MarketData)
	if err != nil {
		return nil, fmt.Errorf("strategy coordinator: %w", err)
	}

	e.Overrides, err = override.NewController(log, e.Bus, e.Execution, e.Strategies, e.Positions)
	if err != nil {
		return nil, fmt.Errorf("override controller: %w", err)
	}

	e.Alerts, err = alert.NewEngine(log, e.Overrides)
	if err != nil {
		return nil, fmt.Errorf("alert engine: %w", err)
	}
	rules := alert.DefaultRules()
	if cfg.AlertRulesPath != "" {
		rules, err = alert.LoadRulesFile(cfg.AlertRulesPath)
		if err != nil {
			return nil, fmt.Errorf("alert rules: %w", err)
		}
	}
	for _, rule := range rules {
		if err := e.Alerts.AddRule(rule); err != nil {
			return nil, fmt.Errorf("alert rules: %w", err)
		}
	}

	e.API, err = api.NewServer(log, e.Overrides, e.Execution, e.Positions, e.Strategies, e.audit)
	if err != nil {
		return nil, fmt.Errorf("api server: %w", err)
	}

	if cfg.FeedURL != "" {
		e.feed, err = wsfeed.New(wsfeed.Config{
			URL:                  cfg.FeedURL,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		}, log, e.MarketData)
		if err != nil {
			return nil, fmt.Errorf("websocket feed: %w", err)
		}
	}

	e.subscribe()
	return e, nil
}

// initBroker selects the broker adapter per configuration.
func (e *Engine) initBroker() error {
	switch e.cfg.BrokerKind {
	case "binance":
		b, err := binancebroker.New(binancebroker.Config{
			APIKey:               e.cfg.APIKey,
			SecretKey:            e.cfg.SecretKey,
			UseTestnet:           e.cfg.IsTestnet,
			Logger:               e.logger,
			ReconnectDelay:       e.cfg.ReconnectDelay,
			MaxReconnectAttempts: e.cfg.MaxReconnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("binance broker: %w", err)
		}
		e.broker = b
		e.userStream = b.StartUserStream
	case "paper":
		b, err := paperbroker.New(e.logger, e.MarketData)
		if err != nil {
			return fmt.Errorf("paper broker: %w", err)
		}
		e.broker = b
	default:
		return fmt.Errorf("unsupported broker kind %q: %w", e.cfg.BrokerKind, ports.ErrConfigurationError)
	}
	return nil
}

// subscribe wires the bus routes between components.
func (e *Engine) subscribe() {
	// Mark open positions to market on every price update.
	e.Bus.Subscribe("position-mark-to-market", []domain.EventType{domain.EventPriceUpdate}, func(ctx context.Context, event domain.Event) error {
		p, ok := event.Payload.(domain.PriceUpdatePayload)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", event.Type)
		}
		e.Positions.MarkToMarket(ctx, p.Symbol, p.Price)
		if pb, isPaper := e.broker.(*paperbroker.Broker); isPaper {
			pb.OnPrice(p.Symbol, p.Price)
		}
		return nil
	})

	// Re-evaluate resting priced orders after a gap.
	e.Bus.Subscribe("execution-gap-reeval", []domain.EventType{domain.EventMarketCondition}, func(ctx context.Context, event domain.Event) error {
		p, ok := event.Payload.(domain.MarketConditionPayload)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", event.Type)
		}
		if p.Kind == domain.ConditionGap {
			e.Execution.OnMarketGap(ctx, p.Symbol, p.Price)
		}
		return nil
	})

	// Everything lands in the append-only audit trail.
	e.Bus.Subscribe("audit-trail", nil, func(ctx context.Context, event domain.Event) error {
		return e.audit.AppendEvent(ctx, event)
	})

	// Alert rules watch whatever event types the registered rules cover.
	if types := e.Alerts.EventTypes(); len(types) > 0 {
		e.Bus.Subscribe("alert-rules", types, e.Alerts.Handle)
	}
}

// Run starts every component and blocks until SIGINT/SIGTERM or a fatal
// error, then shuts down in reverse dependency order.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	e.Bus.Start()
	e.Execution.Start()

	if e.userStream != nil {
		if err := e.userStream(runCtx); err != nil {
			e.logger.Error(runCtx, err, "Failed to start broker user stream")
			return err
		}
	}

	feedErrCh := make(chan error, 1)
	if e.feed != nil {
		go func() { feedErrCh <- e.feed.Run(runCtx) }()
	}

	apiErrCh := make(chan error, 1)
	go func() { apiErrCh <- e.API.Start(e.cfg.ListenAddr) }()

	e.logger.Info(runCtx, "Trading engine running", map[string]interface{}{
		"broker":  e.cfg.BrokerKind,
		"symbols": e.cfg.Symbols,
		"listen":  e.cfg.ListenAddr,
	})

	var runErr error
	select {
	case sig := <-sigCh:
		e.logger.Info(runCtx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case err := <-feedErrCh:
		if err != nil && runCtx.Err() == nil {
			e.logger.Error(runCtx, err, "Market data feed terminated")
			runErr = err
		}
	case err := <-apiErrCh:
		if err != nil {
			e.logger.Error(runCtx, err, "Admin API terminated")
			runErr = err
		}
	case <-runCtx.Done():
	}

	e.shutdown()
	return runErr
}

// shutdown stops components in reverse dependency order: stop intake first,
// then drain, then close persistence.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.logger.Info(ctx, "Shutting down")

	if err := e.API.Shutdown(ctx); err != nil {
		e.logger.Error(ctx, err, "API shutdown failed")
	}
	e.Strategies.DisableAll()
	e.Execution.Stop()
	e.Bus.Stop()

	if err := e.audit.Close(); err != nil {
		e.logger.Error(ctx, err, "Error closing audit repository")
	}
	e.logger.Info(ctx, "Shutdown complete")
}

package main

import (
	"context"
	"log" // Use standard log only for fatal errors before the logger is set up

	"tradingcore/config"
	"tradingcore/internal/adapters/logger"
	"tradingcore/internal/app"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Assemble the Engine
	engine, err := app.New(cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to assemble trading engine")
		log.Fatalf("FATAL: Failed to assemble trading engine: %v", err)
	}

	// 4. Run until signalled
	if err := engine.Run(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading engine exited with error")
		log.Fatalf("FATAL: Trading engine exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

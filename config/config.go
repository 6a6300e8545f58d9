package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradingcore/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all engine configuration. Every numeric threshold the engine
// uses (gap %, circuit breaker %, volatility tiers, queue sizes, retry
// policy) is tunable here rather than baked in as a constant.
type Config struct {
	// Broker
	BrokerKind string // "binance" or "paper"
	APIKey     string
	SecretKey  string
	IsTestnet  bool

	// Instruments
	Symbols []string // Known/tradable symbols; ticks for others are rejected

	// Market data
	FeedURL              string        // Websocket tick stream URL (empty = no external feed)
	StalenessThreshold   time.Duration // Ticks older than this are dropped
	GapThresholdPct      float64       // Tick-over-tick move that counts as a gap (e.g. 0.03)
	CircuitBreakerPct    float64       // Move since session open that halts the symbol (e.g. 0.10)
	VolatilityWindow     int           // Rolling window size (ticks) for volatility classification
	VolatilityTierBounds []float64     // Five ascending stddev bounds splitting the six tiers
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Risk limits
	MaxPositionSize  float64
	MaxOrderValue    float64
	MaxExposure      float64
	MaxConcentration float64 // Fraction of total exposure allowed in one symbol
	MaxDailyLoss     float64
	MaxOrderRate     int // Orders per minute
	BuyingPower      float64

	// Execution
	BrokerTimeout    time.Duration // Hard timeout on every broker call
	MaxSubmitRetries int           // Retries for transient broker failures
	RetryBackoffBase time.Duration // Exponential backoff base
	GapTolerancePct  float64       // Limit-price drift beyond which gapped orders are cancelled
	BrokerWorkers    int           // Goroutines serving blocking broker calls

	// Event bus
	NormalQueueSize  int           // Bounded NORMAL-tier queue (oldest dropped when full)
	UrgentQueueSize  int           // EMERGENCY/USER_ACTION tier queues (publishers block when full)
	PublishTimeout   time.Duration // Max block time for urgent-tier publishes
	RetentionWindow  int           // Recent events kept for replay/audit
	DegradedFailures int           // Consecutive handler failures before a subscriber is flagged

	// Strategy coordination
	SignalRateLimit  int           // Max signals per strategy per window
	SignalRateWindow time.Duration

	// Alerting
	AlertRulesPath string // JSON rules file; empty = built-in default rules

	// Database
	DBPath string

	// Admin API
	ListenAddr string

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Broker
	cfg.BrokerKind = strings.ToLower(getEnv("BROKER_KIND", "paper"))
	if cfg.BrokerKind != "paper" && cfg.BrokerKind != "binance" {
		errs = append(errs, fmt.Sprintf("unsupported BROKER_KIND %q", cfg.BrokerKind))
	}
	cfg.APIKey = getEnv("BROKER_API_KEY", "")
	cfg.SecretKey = getEnv("BROKER_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.BrokerKind == "binance" && (cfg.APIKey == "" || cfg.SecretKey == "") {
		errs = append(errs, "BROKER_API_KEY and BROKER_API_SECRET must be set for the binance broker")
	}

	// Instruments
	cfg.Symbols = getEnvAsList("SYMBOLS", []string{"AAPL", "MSFT"})
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}

	// Market data
	cfg.FeedURL = getEnv("FEED_URL", "")
	cfg.StalenessThreshold = getEnvAsDuration("TICK_STALENESS_THRESHOLD", 5*time.Second)
	cfg.GapThresholdPct = getEnvAsFloat("GAP_THRESHOLD_PCT", 0.03)
	cfg.CircuitBreakerPct = getEnvAsFloat("CIRCUIT_BREAKER_PCT", 0.10)
	cfg.VolatilityWindow = getEnvAsInt("VOLATILITY_WINDOW", 50)
	cfg.VolatilityTierBounds = getEnvAsFloatList("VOLATILITY_TIER_BOUNDS",
		[]float64{0.0005, 0.001, 0.002, 0.004, 0.008})
	if cfg.GapThresholdPct <= 0 || cfg.GapThresholdPct >= 1 {
		errs = append(errs, "GAP_THRESHOLD_PCT must be between 0 and 1 (exclusive)")
	}
	if cfg.CircuitBreakerPct <= 0 || cfg.CircuitBreakerPct >= 1 {
		errs = append(errs, "CIRCUIT_BREAKER_PCT must be between 0 and 1 (exclusive)")
	}
	if cfg.VolatilityWindow < 2 {
		errs = append(errs, "VOLATILITY_WINDOW must be at least 2")
	}
	if len(cfg.VolatilityTierBounds) != 5 {
		errs = append(errs, "VOLATILITY_TIER_BOUNDS must list exactly 5 ascending bounds")
	} else {
		for i := 1; i < len(cfg.VolatilityTierBounds); i++ {
			if cfg.VolatilityTierBounds[i] <= cfg.VolatilityTierBounds[i-1] {
				errs = append(errs, "VOLATILITY_TIER_BOUNDS must be strictly ascending")
				break
			}
		}
	}
	cfg.ReconnectDelay = getEnvAsDuration("RECONNECT_DELAY", 5*time.Second)
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)

	// Risk limits
	cfg.MaxPositionSize = getEnvAsFloat("MAX_POSITION_SIZE", 1000)
	cfg.MaxOrderValue = getEnvAsFloat("MAX_ORDER_VALUE", 100000)
	cfg.MaxExposure = getEnvAsFloat("MAX_EXPOSURE", 500000)
	cfg.MaxConcentration = getEnvAsFloat("MAX_CONCENTRATION", 0.25)
	cfg.MaxDailyLoss = getEnvAsFloat("MAX_DAILY_LOSS", 10000)
	cfg.MaxOrderRate = getEnvAsInt("MAX_ORDER_RATE", 60)
	cfg.BuyingPower = getEnvAsFloat("BUYING_POWER", 250000)
	if cfg.MaxPositionSize <= 0 {
		errs = append(errs, "MAX_POSITION_SIZE must be positive")
	}
	if cfg.MaxDailyLoss <= 0 {
		errs = append(errs, "MAX_DAILY_LOSS must be positive")
	}
	if cfg.MaxConcentration <= 0 || cfg.MaxConcentration > 1 {
		errs = append(errs, "MAX_CONCENTRATION must be in (0, 1]")
	}

	// Execution
	cfg.BrokerTimeout = getEnvAsDuration("BROKER_TIMEOUT", 5*time.Second)
	cfg.MaxSubmitRetries = getEnvAsInt("MAX_SUBMIT_RETRIES", 3)
	cfg.RetryBackoffBase = getEnvAsDuration("RETRY_BACKOFF_BASE", 500*time.Millisecond)
	cfg.GapTolerancePct = getEnvAsFloat("GAP_TOLERANCE_PCT", 0.05)
	cfg.BrokerWorkers = getEnvAsInt("BROKER_WORKERS", 4)
	if cfg.MaxSubmitRetries < 0 {
		errs = append(errs, "MAX_SUBMIT_RETRIES cannot be negative")
	}
	if cfg.BrokerWorkers <= 0 {
		errs = append(errs, "BROKER_WORKERS must be positive")
	}

	// Event bus
	cfg.NormalQueueSize = getEnvAsInt("BUS_NORMAL_QUEUE_SIZE", 1024)
	cfg.UrgentQueueSize = getEnvAsInt("BUS_URGENT_QUEUE_SIZE", 256)
	cfg.PublishTimeout = getEnvAsDuration("BUS_PUBLISH_TIMEOUT", 2*time.Second)
	cfg.RetentionWindow = getEnvAsInt("BUS_RETENTION_WINDOW", 512)
	cfg.DegradedFailures = getEnvAsInt("BUS_DEGRADED_FAILURES", 3)
	if cfg.NormalQueueSize <= 0 || cfg.UrgentQueueSize <= 0 {
		errs = append(errs, "bus queue sizes must be positive")
	}

	// Strategy coordination
	cfg.SignalRateLimit = getEnvAsInt("SIGNAL_RATE_LIMIT", 30)
	cfg.SignalRateWindow = getEnvAsDuration("SIGNAL_RATE_WINDOW", time.Minute)
	if cfg.SignalRateLimit <= 0 {
		errs = append(errs, "SIGNAL_RATE_LIMIT must be positive")
	}

	// Alerting
	cfg.AlertRulesPath = getEnv("ALERT_RULES_FILE", "")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trading_engine.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Admin API
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":8080")

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// KnownSymbols returns the configured symbol universe as a set, keys
// normalized to upper case.
func (c *Config) KnownSymbols() map[string]struct{} {
	known := make(map[string]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		known[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return known
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvAsFloatList(key string, defaultValue []float64) []float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return defaultValue
		}
		out = append(out, value)
	}
	return out
}

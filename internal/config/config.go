// Package config loads the control plane's tuning from the environment,
// with the same typed-getenv idiom used across the rest of the fleet.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// CircuitBreakerConfig tunes the per-venue breaker (§4.1.1).
type CircuitBreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	ResetTimeout      time.Duration
	HalfOpenMaxCalls  int
}

// CoordinationConfig tunes the distributed lock / cache fallback (§4.2).
type CoordinationConfig struct {
	RedisAddr          string
	DefaultLockTTL     time.Duration
	AcquireTimeout     time.Duration
	RetryInterval      time.Duration
	ConnectorCacheTTL  time.Duration
	TickerCacheTTL     time.Duration
	BalanceCacheTTL    time.Duration
	DashboardCacheTTL  time.Duration
}

// PoolConfig tunes the Execution Pool Manager (§4.7).
type PoolConfig struct {
	MaxLivePositionsPerUser int
}

// QueueConfig tunes the Queue Manager's tier base scores (§4.8).
type QueueConfig struct {
	TierSamePairTimeframeScore  decimal.Decimal
	TierDeepestLossScore        decimal.Decimal
	TierHighestReplacementScore decimal.Decimal
	TierFIFOFallbackScore       decimal.Decimal
	PromotionTickInterval       time.Duration
}

// RiskEngineConfig tunes the global defaults for the Risk Engine (§4.10);
// per-user overrides live on model.User.RiskConfig.
type RiskEngineConfig struct {
	TickInterval             time.Duration
	DefaultLossThresholdPct  decimal.Decimal
	DefaultRequiredPyramids  int
	DefaultPostPyramidsWaitMinutes int
	DefaultMaxWinnersToCombine    int
	ClosingStuckTimeout      time.Duration
}

// WatchdogConfig tunes task supervision (§4.11).
type WatchdogConfig struct {
	CheckInterval    time.Duration
	HeartbeatTimeout time.Duration
	MaxRestarts      int
	RestartCooldown  time.Duration
	ErrorThreshold   int
}

// LeaderConfig tunes cluster-wide leader election (§4.11, §5).
type LeaderConfig struct {
	LockTTL      time.Duration
	RenewEvery   time.Duration
}

// OrderFillMonitorConfig tunes the reconciler loop (§4.9).
type OrderFillMonitorConfig struct {
	TickInterval time.Duration
}

type Config struct {
	Debug      bool
	LogFormat  string // console|json
	HTTPAddr   string
	MetricsAddr string

	DatabasePath string // postgres://... or a sqlite file path

	TelegramToken  string
	TelegramChatID int64

	CircuitBreaker   CircuitBreakerConfig
	Coordination     CoordinationConfig
	Pool             PoolConfig
	Queue            QueueConfig
	RiskEngine       RiskEngineConfig
	Watchdog         WatchdogConfig
	Leader           LeaderConfig
	OrderFillMonitor OrderFillMonitorConfig

	MockExchangeOnly bool // when true, only the packaged mock venue is usable
}

func Load() (*Config, error) {
	cfg := &Config{
		Debug:       getEnvBool("DEBUG", false),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		DatabasePath: getEnv("DATABASE_PATH", "data/controlplane.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
			HalfOpenMaxCalls: getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
		},

		Coordination: CoordinationConfig{
			RedisAddr:         getEnv("REDIS_ADDR", ""),
			DefaultLockTTL:    getEnvDuration("LOCK_DEFAULT_TTL", 30*time.Second),
			AcquireTimeout:    getEnvDuration("LOCK_ACQUIRE_TIMEOUT", 10*time.Second),
			RetryInterval:     getEnvDuration("LOCK_RETRY_INTERVAL", 100*time.Millisecond),
			ConnectorCacheTTL: getEnvDuration("CONNECTOR_CACHE_TTL", 5*time.Minute),
			TickerCacheTTL:    getEnvDuration("TICKER_CACHE_TTL", 1*time.Minute),
			BalanceCacheTTL:   getEnvDuration("BALANCE_CACHE_TTL", 5*time.Minute),
			DashboardCacheTTL: getEnvDuration("DASHBOARD_CACHE_TTL", 1*time.Minute),
		},

		Pool: PoolConfig{
			MaxLivePositionsPerUser: getEnvInt("POOL_MAX_LIVE_POSITIONS", 10),
		},

		Queue: QueueConfig{
			TierSamePairTimeframeScore:  getEnvDecimal("QUEUE_TIER0_SCORE", decimal.NewFromInt(10_000_000)),
			TierDeepestLossScore:        getEnvDecimal("QUEUE_TIER1_SCORE", decimal.NewFromInt(1_000_000)),
			TierHighestReplacementScore: getEnvDecimal("QUEUE_TIER2_SCORE", decimal.NewFromInt(10_000)),
			TierFIFOFallbackScore:       getEnvDecimal("QUEUE_TIER3_SCORE", decimal.NewFromInt(1_000)),
			PromotionTickInterval:       getEnvDuration("QUEUE_PROMOTION_INTERVAL", 5*time.Second),
		},

		RiskEngine: RiskEngineConfig{
			TickInterval:                   getEnvDuration("RISK_TICK_INTERVAL", 60*time.Second),
			DefaultLossThresholdPct:        getEnvDecimal("RISK_LOSS_THRESHOLD_PERCENT", decimal.NewFromFloat(-3.0)),
			DefaultRequiredPyramids:        getEnvInt("RISK_REQUIRED_PYRAMIDS_FOR_TIMER", 1),
			DefaultPostPyramidsWaitMinutes: getEnvInt("RISK_POST_PYRAMIDS_WAIT_MINUTES", 30),
			DefaultMaxWinnersToCombine:     getEnvInt("RISK_MAX_WINNERS_TO_COMBINE", 3),
			ClosingStuckTimeout:            getEnvDuration("RISK_CLOSING_STUCK_TIMEOUT", 2*time.Minute),
		},

		Watchdog: WatchdogConfig{
			CheckInterval:    getEnvDuration("WATCHDOG_CHECK_INTERVAL", 30*time.Second),
			HeartbeatTimeout: getEnvDuration("WATCHDOG_HEARTBEAT_TIMEOUT", 120*time.Second),
			MaxRestarts:      getEnvInt("WATCHDOG_MAX_RESTARTS", 3),
			RestartCooldown:  getEnvDuration("WATCHDOG_RESTART_COOLDOWN", 60*time.Second),
			ErrorThreshold:   getEnvInt("WATCHDOG_ERROR_THRESHOLD", 10),
		},

		Leader: LeaderConfig{
			LockTTL:    getEnvDuration("LEADER_LOCK_TTL", 60*time.Second),
			RenewEvery: getEnvDuration("LEADER_RENEW_EVERY", 30*time.Second),
		},

		OrderFillMonitor: OrderFillMonitorConfig{
			TickInterval: getEnvDuration("ORDER_FILL_MONITOR_INTERVAL", 5*time.Second),
		},

		MockExchangeOnly: getEnvBool("MOCK_EXCHANGE_ONLY", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

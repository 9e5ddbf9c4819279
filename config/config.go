// Package config builds the immutable startup Config from environment
// variables (loaded from a local .env file via godotenv when present,
// exactly as the teacher's multi-broker credential block is populated),
// plus a small mutable Overrides record guarded by a RWMutex and
// broadcast over the Event Bus whenever an operator flips it.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once at process start and never mutated afterward.
type Config struct {
	Env      string // "development" | "production"
	LogLevel string

	HTTPAddr string

	BrokerBaseURL   string
	BrokerAPIKeyID  string
	BrokerAPISecret string
	BrokerTimeout   time.Duration

	DBPath string

	WebhookSecret string
	AllowedTickers []string

	JWTSigningKey string
	TOTPSecret    string

	EventCalendarPath string

	// Risk Gate parameters.
	MaxSpreadPercent      float64
	DeltaTarget           float64
	DailyTradeCap         int
	ConsecutiveLossCap    int
	DailyLossCapDollars   float64
	VIXCircuitBreaker     float64
	SessionWindowStart    string // "HH:MM" market-local
	SessionWindowEnd      string
	EventAfternoonCutoff  string
	MarketTimezone        string

	// Order Manager / Exit Engine parameters.
	EntryLimitTimeout     time.Duration
	ATRStopMultiplier     float64
	StopLossPercentFallback float64 // resolved Open Question, default 10.0
	MinStopPrice          float64
	ProfitTargetPercent    float64
	TrailingStopPercent    float64
	MaxHoldMinutes        int
	ForceExitTime         string // "HH:MM" market-local, default "15:00"

	// Scheduler intervals.
	OrderMonitorInterval    time.Duration
	ExitMonitorInterval     time.Duration
	EndOfSessionTime        string // default "16:05"
	SchedulerJitterPercent  float64
	MaxTradesPerTick        int

	// Admission sizing.
	DefaultQuantity     int
	DoubleMinScore      float64
	DoubleMinRelVolume  float64
	HalfMaxScore        float64

	// Quote cache.
	QuoteStaleAfter time.Duration

	// Price snapshot throttling.
	PriceSnapshotIntervalSeconds int

	// Opening range breakout window.
	ORBMinutes int
}

// Load reads a .env file if present (missing file is not an error) and
// then populates Config from the environment, applying defaults for
// anything unset.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg := &Config{
		Env:      getenv("ENV", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		BrokerBaseURL:   getenv("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),
		BrokerAPIKeyID:  getenv("BROKER_API_KEY_ID", ""),
		BrokerAPISecret: getenv("BROKER_API_SECRET", ""),
		BrokerTimeout:   durationEnv("BROKER_TIMEOUT", 5*time.Second),

		DBPath: getenv("DB_PATH", "optionflow.db"),

		WebhookSecret:  getenv("WEBHOOK_SECRET", ""),
		AllowedTickers: splitCSV(getenv("ALLOWED_TICKERS", "SPY,QQQ")),

		JWTSigningKey: getenv("JWT_SIGNING_KEY", ""),
		TOTPSecret:    getenv("TOTP_SECRET", ""),

		EventCalendarPath: getenv("EVENT_CALENDAR_PATH", "event_calendar.json"),

		MaxSpreadPercent:     floatEnv("MAX_SPREAD_PERCENT", 15.0),
		DeltaTarget:          floatEnv("DELTA_TARGET", 0.45),
		DailyTradeCap:        intEnv("DAILY_TRADE_CAP", 10),
		ConsecutiveLossCap:   intEnv("CONSECUTIVE_LOSS_CAP", 3),
		DailyLossCapDollars:  floatEnv("DAILY_LOSS_CAP_DOLLARS", 500.0),
		VIXCircuitBreaker:    floatEnv("VIX_CIRCUIT_BREAKER", 28.0),
		SessionWindowStart:   getenv("SESSION_WINDOW_START", "09:35"),
		SessionWindowEnd:     getenv("SESSION_WINDOW_END", "15:45"),
		EventAfternoonCutoff: getenv("EVENT_AFTERNOON_CUTOFF", "13:00"),
		MarketTimezone:       getenv("MARKET_TIMEZONE", "America/New_York"),

		EntryLimitTimeout:       durationEnv("ENTRY_LIMIT_TIMEOUT", 60*time.Second),
		ATRStopMultiplier:       floatEnv("ATR_STOP_MULTIPLIER", 2.0),
		StopLossPercentFallback: floatEnv("STOP_LOSS_PERCENT_FALLBACK", 10.0),
		MinStopPrice:            floatEnv("MIN_STOP_PRICE", 0.05),
		ProfitTargetPercent:     floatEnv("PROFIT_TARGET_PERCENT", 50.0),
		TrailingStopPercent:     floatEnv("TRAILING_STOP_PERCENT", 15.0),
		MaxHoldMinutes:          intEnv("MAX_HOLD_MINUTES", 180),
		ForceExitTime:           getenv("FORCE_EXIT_TIME", "15:00"),

		OrderMonitorInterval:   durationEnv("ORDER_MONITOR_INTERVAL", 5*time.Second),
		ExitMonitorInterval:    durationEnv("EXIT_MONITOR_INTERVAL", 10*time.Second),
		EndOfSessionTime:       getenv("END_OF_SESSION_TIME", "16:05"),
		SchedulerJitterPercent: floatEnv("SCHEDULER_JITTER_PERCENT", 10.0),
		MaxTradesPerTick:       intEnv("MAX_TRADES_PER_TICK", 64),

		DefaultQuantity:    intEnv("DEFAULT_QUANTITY", 2),
		DoubleMinScore:     floatEnv("DOUBLE_MIN_SCORE", 5.0),
		DoubleMinRelVolume: floatEnv("DOUBLE_MIN_REL_VOLUME", 2.0),
		HalfMaxScore:       floatEnv("HALF_MAX_SCORE", 2.0),

		QuoteStaleAfter: durationEnv("QUOTE_STALE_AFTER", 5*time.Second),

		PriceSnapshotIntervalSeconds: intEnv("PRICE_SNAPSHOT_INTERVAL_SECONDS", 15),

		ORBMinutes: intEnv("ORB_MINUTES", 15),
	}

	return cfg, nil
}

// Overrides is the small mutable record §9 calls for: session-window
// bypass and market-vs-limit on exits. Guarded by mu; Engine broadcasts
// changes via the Event Bus.
type Overrides struct {
	mu                    sync.RWMutex
	IgnoreSessionWindow   bool
	UseMarketOrdersOnExit bool
}

func NewOverrides() *Overrides { return &Overrides{} }

func (o *Overrides) Snapshot() (ignoreSessionWindow, useMarketOrdersOnExit bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.IgnoreSessionWindow, o.UseMarketOrdersOnExit
}

func (o *Overrides) SetIgnoreSessionWindow(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.IgnoreSessionWindow = v
}

func (o *Overrides) SetUseMarketOrdersOnExit(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.UseMarketOrdersOnExit = v
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	var out []string
	cur := ""
	for _, r := range v {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

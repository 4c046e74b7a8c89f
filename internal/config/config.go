// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. Everything is read from the
// environment (with an optional .env file) at startup; there is no
// runtime mutation.
type Config struct {
	DataDir   string // base directory for databases and backup staging, always absolute
	Port      int    // ops HTTP server port
	LogLevel  string
	LogPretty bool
	Timezone  string // IANA name the execution window is anchored to

	Window     WindowConfig
	Allocation AllocationConfig
	Planner    PlannerConfig
	Providers  ProvidersConfig
	Cache      CacheConfig
	Broker     BrokerConfig
	Backup     BackupConfig
}

// WindowConfig shapes the daily execution window.
type WindowConfig struct {
	Start              string // "HH:MM" local to Timezone
	LengthMinutes      int    // hard deadline = start + length
	WarmupLeadMinutes  int    // warmup fires this many minutes before start
	Concurrency        int    // symphonies evaluated in parallel
	SymphonyTimeoutSec int    // per-symphony hard timeout
	SubmitCutoffSec    int    // no new submissions this close to the deadline
}

// AllocationConfig carries the evaluator and arbiter defaults.
type AllocationConfig struct {
	CashBuffer          float64 // fraction held back from every allocation, [0, 0.5)
	MinWeight           float64 // weights below this are dropped before renormalising
	MaxWeight           float64 // weights above this are clipped, 0 disables
	CorridorDefault     float64 // threshold-mode drift corridor when the tree names none
	MinRebalanceAgeDays int     // threshold mode only: suppress triggers this soon after an execution
}

// PlannerConfig shapes order planning.
type PlannerConfig struct {
	MinOrderDollars  float64 // deltas smaller than this are not worth an order
	FractionalShares bool    // submit fractional quantities instead of truncating
}

// ProvidersConfig holds market data provider credentials and priorities.
type ProvidersConfig struct {
	Priority []string // provider names in failover order

	EODHDAPIKey      string
	EODHDBaseURL     string
	EODHDRateLimit   float64 // requests per second
	EODHDHistoryFrom string  // earliest date requested for deep history

	AlphaVantageAPIKey     string
	AlphaVantageBaseURL    string
	AlphaVantageRatePerMin int    // requests per minute
	AlphaVantageStreamURL  string // websocket quote stream, empty disables
}

// CacheConfig selects the response cache backend and TTL ladder.
type CacheConfig struct {
	RedisAddr     string // empty selects the in-memory cache
	RedisPassword string
	RedisDB       int

	QuoteTTL        time.Duration
	IntradayTTL     time.Duration
	DailyTTL        time.Duration
	HistoricalTTL   time.Duration
	FundamentalsTTL time.Duration
}

// BrokerConfig points at the brokerage API.
type BrokerConfig struct {
	BaseURL    string
	APIKey     string // service-level credentials; per-user tokens live in the users store
	APISecret  string
	TimeoutSec int
}

// BackupConfig holds S3-compatible backup storage credentials.
// Backups are disabled unless all connection fields are set.
type BackupConfig struct {
	Endpoint        string // S3-compatible endpoint URL, empty for AWS default resolution
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int // 0 keeps everything beyond the minimum
}

// Enabled reports whether backup credentials are complete.
func (b BackupConfig) Enabled() bool {
	return b.Bucket != "" && b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("CONDUCTOR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("CONDUCTOR_PORT", 8080),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		Timezone:  getEnv("CONDUCTOR_TIMEZONE", "America/New_York"),

		Window: WindowConfig{
			Start:              getEnv("WINDOW_START", "15:50"),
			LengthMinutes:      getEnvAsInt("WINDOW_LENGTH_MINUTES", 10),
			WarmupLeadMinutes:  getEnvAsInt("WINDOW_WARMUP_LEAD_MINUTES", 5),
			Concurrency:        getEnvAsInt("WORKER_CONCURRENCY", 8),
			SymphonyTimeoutSec: getEnvAsInt("SYMPHONY_TIMEOUT_SECONDS", 480),
			SubmitCutoffSec:    getEnvAsInt("SUBMIT_CUTOFF_SECONDS", 30),
		},
		Allocation: AllocationConfig{
			CashBuffer:          getEnvAsFloat("CASH_BUFFER", 0.0),
			MinWeight:           getEnvAsFloat("MIN_WEIGHT", 0.0),
			MaxWeight:           getEnvAsFloat("MAX_WEIGHT", 0.0),
			CorridorDefault:     getEnvAsFloat("REBALANCE_CORRIDOR", 0.05),
			MinRebalanceAgeDays: getEnvAsInt("MIN_REBALANCE_AGE_DAYS", 0),
		},
		Planner: PlannerConfig{
			MinOrderDollars:  getEnvAsFloat("MIN_ORDER_DOLLARS", 10.0),
			FractionalShares: getEnvAsBool("FRACTIONAL_SHARES", false),
		},
		Providers: ProvidersConfig{
			Priority:         getEnvAsSlice("PROVIDER_PRIORITY", []string{"eodhd", "alphavantage"}),
			EODHDAPIKey:      getEnv("EODHD_API_KEY", ""),
			EODHDBaseURL:     getEnv("EODHD_BASE_URL", "https://eodhd.com/api"),
			EODHDRateLimit:   getEnvAsFloat("EODHD_RATE_LIMIT", 20.0),
			EODHDHistoryFrom: getEnv("EODHD_HISTORY_FROM", "2007-01-01"),

			AlphaVantageAPIKey:     getEnv("ALPHAVANTAGE_API_KEY", ""),
			AlphaVantageBaseURL:    getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co"),
			AlphaVantageRatePerMin: getEnvAsInt("ALPHAVANTAGE_RATE_PER_MIN", 5),
			AlphaVantageStreamURL:  getEnv("ALPHAVANTAGE_STREAM_URL", ""),
		},
		Cache: CacheConfig{
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),

			QuoteTTL:        getEnvAsDuration("CACHE_TTL_QUOTE", 60*time.Second),
			IntradayTTL:     getEnvAsDuration("CACHE_TTL_INTRADAY", 5*time.Minute),
			DailyTTL:        getEnvAsDuration("CACHE_TTL_DAILY", time.Hour),
			HistoricalTTL:   getEnvAsDuration("CACHE_TTL_HISTORICAL", 24*time.Hour),
			FundamentalsTTL: getEnvAsDuration("CACHE_TTL_FUNDAMENTALS", 7*24*time.Hour),
		},
		Broker: BrokerConfig{
			BaseURL:    getEnv("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),
			APIKey:     getEnv("BROKER_API_KEY", ""),
			APISecret:  getEnv("BROKER_API_SECRET", ""),
			TimeoutSec: getEnvAsInt("BROKER_TIMEOUT_SECONDS", 10),
		},
		Backup: BackupConfig{
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", "auto"),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bounds on everything the engine depends on. A config
// that passes here never needs re-checking downstream.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if _, _, err := c.WindowStartClock(); err != nil {
		return err
	}
	if c.Window.LengthMinutes <= 0 {
		return fmt.Errorf("window length must be positive, got %d", c.Window.LengthMinutes)
	}
	if c.Window.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Window.Concurrency)
	}
	if c.Window.SymphonyTimeoutSec <= 0 {
		return fmt.Errorf("symphony timeout must be positive, got %d", c.Window.SymphonyTimeoutSec)
	}
	if c.Allocation.CashBuffer < 0 || c.Allocation.CashBuffer >= 0.5 {
		return fmt.Errorf("cash buffer must be in [0, 0.5), got %g", c.Allocation.CashBuffer)
	}
	if c.Allocation.CorridorDefault <= 0 || c.Allocation.CorridorDefault > 1 {
		return fmt.Errorf("rebalance corridor must be in (0, 1], got %g", c.Allocation.CorridorDefault)
	}
	if c.Allocation.MinRebalanceAgeDays < 0 {
		return fmt.Errorf("min rebalance age must not be negative, got %d", c.Allocation.MinRebalanceAgeDays)
	}
	if c.Planner.MinOrderDollars < 0 {
		return fmt.Errorf("min order dollars must not be negative, got %g", c.Planner.MinOrderDollars)
	}
	return nil
}

// Location returns the loaded execution timezone. Validate guarantees
// this cannot fail after Load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WindowStartClock parses the "HH:MM" window start.
func (c *Config) WindowStartClock() (hour, minute int, err error) {
	parts := strings.SplitN(c.Window.Start, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("window start must be HH:MM, got %q", c.Window.Start)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("window start must be HH:MM, got %q", c.Window.Start)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("window start must be HH:MM, got %q", c.Window.Start)
	}
	return hour, minute, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

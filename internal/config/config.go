// Package config loads and validates the mintwatch configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Feed      FeedConfig      `yaml:"feed"`
	Processor ProcessorConfig `yaml:"processor"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Detector  DetectorConfig  `yaml:"detector"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// FeedConfig configures the upstream WebSocket feed client.
type FeedConfig struct {
	URL                  string        `yaml:"url"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
}

// ProcessorConfig configures the ingestion pipeline.
type ProcessorConfig struct {
	QueueCapacity  int           `yaml:"queue_capacity"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
	SubmitDeadline time.Duration `yaml:"submit_deadline"`
}

// TrackerConfig configures the token tracker and its cleanup protocol.
type TrackerConfig struct {
	MaxTokensTracked             int           `yaml:"max_tokens_tracked"`
	CleanupEnabled               bool          `yaml:"cleanup_enabled"`
	CleanupInterval              time.Duration `yaml:"cleanup_interval"`
	GracePeriod                  time.Duration `yaml:"grace_period"`
	InactivityThreshold          time.Duration `yaml:"inactivity_threshold"`
	MinVolume24h                 float64       `yaml:"min_volume_24h"`
	ConsecutiveZeroVolumePeriods int           `yaml:"consecutive_zero_volume_periods"`
	RugPriceDrop                 float64       `yaml:"rug_price_drop"`
	RugVolumeDrop                float64       `yaml:"rug_volume_drop"`
	LiquidityThreshold           float64       `yaml:"liquidity_threshold"`
	MaxCleanupPercentage         float64       `yaml:"max_cleanup_percentage"`
	MinTokensToKeep              int           `yaml:"min_tokens_to_keep"`
	Whitelist                    []string      `yaml:"whitelist"`
	HistoryLimit                 int           `yaml:"history_limit"`
}

// AnalyzerConfig configures the trend analyzer.
type AnalyzerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DetectorConfig configures the platform detector.
type DetectorConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	FallbackPlatform string        `yaml:"fallback_platform"`
	LookupRPS        float64       `yaml:"lookup_rps"`
}

// DatabaseConfig configures the PostgreSQL time-series sink.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig configures the optional detector cache backend.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// HTTPConfig configures the read-only API server.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the configuration the service starts with before file
// and environment overrides are applied.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			ReconnectDelay:       5 * time.Second,
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    30 * time.Second,
			ConnectTimeout:       15 * time.Second,
		},
		Processor: ProcessorConfig{
			QueueCapacity:  10000,
			BatchSize:      100,
			FlushInterval:  5 * time.Second,
			DedupWindow:    time.Second,
			SubmitDeadline: 100 * time.Millisecond,
		},
		Tracker: TrackerConfig{
			MaxTokensTracked:             1000,
			CleanupEnabled:               true,
			CleanupInterval:              5 * time.Minute,
			GracePeriod:                  30 * time.Minute,
			InactivityThreshold:          time.Hour,
			MinVolume24h:                 10,
			ConsecutiveZeroVolumePeriods: 3,
			RugPriceDrop:                 0.95,
			RugVolumeDrop:                0.99,
			LiquidityThreshold:           100,
			MaxCleanupPercentage:         0.10,
			MinTokensToKeep:              100,
			HistoryLimit:                 1000,
		},
		Analyzer: AnalyzerConfig{Interval: 60 * time.Second},
		Detector: DetectorConfig{
			CacheTTL:         24 * time.Hour,
			FallbackPlatform: "",
			LookupRPS:        5,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			QueryTimeout: 10 * time.Second,
		},
		HTTP:     HTTPConfig{Host: "127.0.0.1", Port: 8080},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (if non-empty) on top of defaults and
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv maps the documented environment variables onto the config.
// Durations are given in milliseconds, matching the upstream option names.
func (c *Config) applyEnv() {
	envStr("FEED_URL", &c.Feed.URL)
	envDurMS("RECONNECT_DELAY_MS", &c.Feed.ReconnectDelay)
	envInt("MAX_RECONNECT_ATTEMPTS", &c.Feed.MaxReconnectAttempts)
	envDurMS("HEARTBEAT_MS", &c.Feed.HeartbeatInterval)
	envInt("MAX_TOKENS_TRACKED", &c.Tracker.MaxTokensTracked)
	envInt("BATCH_SIZE", &c.Processor.BatchSize)
	envDurMS("FLUSH_INTERVAL_MS", &c.Processor.FlushInterval)
	envDurMS("DEDUP_WINDOW_MS", &c.Processor.DedupWindow)
	envDurMS("ANALYSIS_INTERVAL_MS", &c.Analyzer.Interval)
	envDurMS("CLEANUP_INTERVAL_MS", &c.Tracker.CleanupInterval)
	envDurMS("GRACE_PERIOD_MS", &c.Tracker.GracePeriod)
	envDurMS("INACTIVITY_THRESHOLD_MS", &c.Tracker.InactivityThreshold)
	envFloat("MIN_VOLUME_24H", &c.Tracker.MinVolume24h)
	envInt("CONSECUTIVE_ZERO_VOLUME_PERIODS", &c.Tracker.ConsecutiveZeroVolumePeriods)
	envFloat("RUG_PRICE_DROP", &c.Tracker.RugPriceDrop)
	envFloat("RUG_VOLUME_DROP", &c.Tracker.RugVolumeDrop)
	envFloat("LIQ_THRESHOLD", &c.Tracker.LiquidityThreshold)
	envFloat("MAX_CLEANUP_PERCENTAGE", &c.Tracker.MaxCleanupPercentage)
	envInt("MIN_TOKENS_TO_KEEP", &c.Tracker.MinTokensToKeep)
	envBool("CLEANUP_ENABLED", &c.Tracker.CleanupEnabled)
	envStr("DATABASE_DSN", &c.Database.DSN)
	envStr("REDIS_ADDR", &c.Redis.Addr)
	if v := os.Getenv("WHITELIST"); v != "" {
		var mints []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				mints = append(mints, m)
			}
		}
		c.Tracker.Whitelist = mints
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDurMS(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

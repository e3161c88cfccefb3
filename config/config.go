package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gridflow   GridflowConfig   `yaml:"gridflow"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Grid       GridConfig       `yaml:"grid"`
	Risk       RiskConfig       `yaml:"risk"`
	Engine     EngineConfig     `yaml:"engine"`
	Retry      RetryConfig      `yaml:"retry"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Signal     SignalConfig     `yaml:"signal"`
	Summary    SummaryConfig    `yaml:"summary"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Status     StatusConfig     `yaml:"status"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type GridflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type InstrumentConfig struct {
	Symbol    string `yaml:"symbol"`
	PriceTick string `yaml:"price_tick"`
	QtyStep   string `yaml:"qty_step"`
	Leverage  int    `yaml:"leverage"`
}

// GridConfig describes the ladder. Spacing is interpreted according to
// SpacingMode: "percent" (fraction of the reference price per level) or
// "absolute" (price units per level).
type GridConfig struct {
	LevelsPerSide  int    `yaml:"levels_per_side"`
	MaxLevels      int    `yaml:"max_levels"`
	SpacingMode    string `yaml:"spacing_mode"`
	Spacing        string `yaml:"spacing"`
	OrderSize      string `yaml:"order_size"`
	ReplanBandMult string `yaml:"replan_band_mult"`
}

// RiskConfig holds the static limits the risk guard evaluates against.
// The exact drawdown and trend formulas are parameterized here rather
// than hard-coded.
type RiskConfig struct {
	MaxAbsPosition    string        `yaml:"max_abs_position"`
	MaxDrawdownPct    string        `yaml:"max_drawdown_pct"`
	HardStopLow       string        `yaml:"hard_stop_low"`
	HardStopHigh      string        `yaml:"hard_stop_high"`
	TrendWindow       int           `yaml:"trend_window"`
	TrendThresholdPct string        `yaml:"trend_threshold_pct"`
	TrendInterval     time.Duration `yaml:"trend_interval"`
	FlattenOnUnwind   bool          `yaml:"flatten_on_unwind"`
}

type EngineConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	DriftTolerance string        `yaml:"drift_tolerance"`
	FlattenOnExit  bool          `yaml:"flatten_on_exit"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type ExchangeConfig struct {
	APIKeyEnv      string               `yaml:"api_key_env"`
	APISecretEnv   string               `yaml:"api_secret_env"`
	RESTEndpoint   string               `yaml:"rest_endpoint"`
	StreamEndpoint string               `yaml:"stream_endpoint"`
	RecvWindow     int64                `yaml:"recv_window"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SignalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	EMAShort        int           `yaml:"ema_short"`
	EMAMedium       int           `yaml:"ema_medium"`
	EMALong         int           `yaml:"ema_long"`
	ADXPeriod       int           `yaml:"adx_period"`
	ADXThreshold    float64       `yaml:"adx_threshold"`
	KlineInterval   string        `yaml:"kline_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	WidenMult       string        `yaml:"widen_mult"`
}

type SummaryConfig struct {
	Dir      string `yaml:"dir"`
	Schedule string `yaml:"schedule"`
	S3Upload bool   `yaml:"s3_upload"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type ChannelsConfig struct {
	FillBuffer  int `yaml:"fill_buffer"`
	TradeBuffer int `yaml:"trade_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "config/config.yml"

// envConfigPaths maps application environments to configuration files that
// take precedence over the default path when they exist on disk.
var envConfigPaths = map[string]string{
	environmentProduction: "config/config.prod.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Grid: GridConfig{
			SpacingMode:    "percent",
			MaxLevels:      50,
			ReplanBandMult: "1",
		},
		Engine: EngineConfig{
			TickInterval:   5 * time.Second,
			PendingTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Credentials resolves the venue API key pair from the environment. The
// variable names are configurable so several bots can share one host.
func (c *ExchangeConfig) Credentials() (key, secret string, err error) {
	keyEnv := c.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "API_KEY"
	}
	secretEnv := c.APISecretEnv
	if secretEnv == "" {
		secretEnv = "API_SECRET"
	}
	key = strings.TrimSpace(os.Getenv(keyEnv))
	secret = strings.TrimSpace(os.Getenv(secretEnv))
	if key == "" || secret == "" {
		return "", "", fmt.Errorf("missing venue credentials: %s and %s must be set", keyEnv, secretEnv)
	}
	return key, secret, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Gridflow.Name == "" {
		return fmt.Errorf("gridflow.name is required")
	}
	if cfg.Gridflow.Version == "" {
		return fmt.Errorf("gridflow.version is required")
	}

	if cfg.Instrument.Symbol == "" {
		return fmt.Errorf("instrument.symbol is required")
	}

	if cfg.Grid.LevelsPerSide <= 0 {
		return fmt.Errorf("grid.levels_per_side must be greater than 0")
	}
	if cfg.Grid.MaxLevels > 0 && cfg.Grid.LevelsPerSide > cfg.Grid.MaxLevels {
		return fmt.Errorf("grid.levels_per_side %d exceeds grid.max_levels %d",
			cfg.Grid.LevelsPerSide, cfg.Grid.MaxLevels)
	}
	switch cfg.Grid.SpacingMode {
	case "percent", "absolute":
	default:
		return fmt.Errorf("grid.spacing_mode must be 'percent' or 'absolute'")
	}

	if cfg.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be greater than 0")
	}
	if cfg.Engine.PendingTimeout <= 0 {
		return fmt.Errorf("engine.pending_timeout must be greater than 0")
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}

	if cfg.Channels.FillBuffer <= 0 {
		return fmt.Errorf("channels.fill_buffer must be greater than 0")
	}

	if cfg.Archive.Enabled && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("archive.enabled requires storage.s3.enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

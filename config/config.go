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
	Tradeflow  TradeflowConfig  `yaml:"tradeflow"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Trader     TraderConfig     `yaml:"trader"`
	Strategies []StrategyConfig `yaml:"strategies"`
	Risk       RiskConfig       `yaml:"risk"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	PrometheusAddr string           `yaml:"prometheus_addr"`
	Report         bool             `yaml:"report"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type SymbolConfig struct {
	Base     string `yaml:"base"`
	Quote    string `yaml:"quote"`
	Exchange string `yaml:"exchange"`
}

type TraderConfig struct {
	Symbols           []SymbolConfig `yaml:"symbols"`
	Interval          string         `yaml:"interval"`
	CandleLimit       int            `yaml:"candle_limit"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	ExitCheckInterval time.Duration  `yaml:"exit_check_interval"`
	InitialCapital    float64        `yaml:"initial_capital"`
	SignalBuffer      int            `yaml:"signal_buffer"`
}

type StrategyConfig struct {
	Name    string                 `yaml:"name"`
	Enabled bool                   `yaml:"enabled"`
	Params  map[string]interface{} `yaml:"params"`
}

type RiskConfig struct {
	MaxPositionSize   float64 `yaml:"max_position_size"`
	MaxLossPerTrade   float64 `yaml:"max_loss_per_trade"`
	MaxDailyLoss      float64 `yaml:"max_daily_loss"`
	MaxOpenPositions  int     `yaml:"max_open_positions"`
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	MinSignalStrength float64 `yaml:"min_signal_strength"`
	ResetTimezone     string  `yaml:"reset_timezone"`
}

type ExecutorConfig struct {
	Adapter                string          `yaml:"adapter"`
	Timeout                time.Duration   `yaml:"timeout"`
	Retry                  RetryConfig     `yaml:"retry"`
	RateLimit              RateLimitConfig `yaml:"rate_limit"`
	AllowPaperInProduction bool            `yaml:"allow_paper_in_production"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance ExchangeSourceConfig `yaml:"binance"`
	Bybit   ExchangeSourceConfig `yaml:"bybit"`
	Kucoin  ExchangeSourceConfig `yaml:"kucoin"`
}

type ExchangeSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	APIKey         string               `yaml:"api_key"`
	SecretKey      string               `yaml:"secret_key"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
	Journal  JournalConfig  `yaml:"journal"`
}

type PostgresConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	Prefix        string        `yaml:"prefix"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// defaultConfig holds the values used for keys missing from the YAML file.
func defaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
		},
		Trader: TraderConfig{
			Interval:          "1m",
			CandleLimit:       100,
			PollInterval:      time.Minute,
			ExitCheckInterval: 15 * time.Second,
			InitialCapital:    10000,
			SignalBuffer:      64,
		},
		Risk: RiskConfig{
			MaxPositionSize:   0.1,
			MaxLossPerTrade:   0.02,
			MaxDailyLoss:      0.05,
			MaxOpenPositions:  5,
			StopLossPct:       0.02,
			TakeProfitPct:     0.04,
			MinSignalStrength: 0.5,
			ResetTimezone:     "UTC",
		},
		Executor: ExecutorConfig{
			Adapter: "paper",
			Timeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
		},
		Storage: StorageConfig{
			Journal: JournalConfig{
				FlushInterval: 5 * time.Minute,
				Compression:   "snappy",
				Prefix:        "trades",
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Executor.Adapter = strings.ToLower(strings.TrimSpace(config.Executor.Adapter))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	setFromEnv(&config.Source.Binance.APIKey, "BINANCE_API_KEY")
	setFromEnv(&config.Source.Binance.SecretKey, "BINANCE_SECRET_KEY")
	setFromEnv(&config.Source.Bybit.APIKey, "BYBIT_API_KEY")
	setFromEnv(&config.Source.Bybit.SecretKey, "BYBIT_SECRET_KEY")
	setFromEnv(&config.Storage.Postgres.Password, "POSTGRES_PASSWORD")

	// S3 credentials only matter when the journal uploads.
	if config.Storage.S3.Enabled {
		setFromEnv(&config.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setFromEnv(&config.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setFromEnv(&config.Storage.S3.Region, "AWS_REGION")
		setFromEnv(&config.Storage.S3.Bucket, "S3_BUCKET")
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}

	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if len(cfg.Trader.Symbols) == 0 {
		return fmt.Errorf("trader.symbols must not be empty")
	}
	for i, s := range cfg.Trader.Symbols {
		if s.Base == "" || s.Quote == "" || s.Exchange == "" {
			return fmt.Errorf("trader.symbols[%d] requires base, quote and exchange", i)
		}
	}
	if cfg.Trader.CandleLimit <= 0 {
		return fmt.Errorf("trader.candle_limit must be greater than 0")
	}
	if cfg.Trader.PollInterval <= 0 {
		return fmt.Errorf("trader.poll_interval must be greater than 0")
	}
	if cfg.Trader.ExitCheckInterval <= 0 {
		return fmt.Errorf("trader.exit_check_interval must be greater than 0")
	}
	if cfg.Trader.InitialCapital <= 0 {
		return fmt.Errorf("trader.initial_capital must be greater than 0")
	}

	for i, s := range cfg.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategies[%d].name is required", i)
		}
	}

	if err := validateRisk(cfg.Risk); err != nil {
		return err
	}

	switch cfg.Executor.Adapter {
	case "paper":
		if IsProductionLike(AppEnvironment()) && !cfg.Executor.AllowPaperInProduction {
			return fmt.Errorf("executor.adapter 'paper' is not allowed in %s", AppEnvironment())
		}
	case "binance":
		if cfg.Source.Binance.APIKey == "" || cfg.Source.Binance.SecretKey == "" {
			return fmt.Errorf("source.binance.api_key and source.binance.secret_key are required for the binance adapter")
		}
	default:
		return fmt.Errorf("executor.adapter '%s' is not supported", cfg.Executor.Adapter)
	}
	if cfg.Executor.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("executor.retry.max_attempts must be greater than 0")
	}

	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.Database == "" {
		return fmt.Errorf("storage.postgres.database is required when postgres is enabled")
	}

	if cfg.Storage.Journal.Enabled && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("storage.journal requires storage.s3 to be enabled")
	}
	if cfg.Storage.Journal.Enabled && cfg.Storage.Journal.FlushInterval <= 0 {
		return fmt.Errorf("storage.journal.flush_interval must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

func validateRisk(r RiskConfig) error {
	fractions := []struct {
		name  string
		value float64
	}{
		{"risk.max_position_size", r.MaxPositionSize},
		{"risk.max_loss_per_trade", r.MaxLossPerTrade},
		{"risk.max_daily_loss", r.MaxDailyLoss},
		{"risk.stop_loss_pct", r.StopLossPct},
		{"risk.take_profit_pct", r.TakeProfitPct},
	}
	for _, f := range fractions {
		if f.value <= 0 || f.value > 1 {
			return fmt.Errorf("%s must be in (0, 1]", f.name)
		}
	}
	if r.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be greater than 0")
	}
	if r.MinSignalStrength < 0 || r.MinSignalStrength > 1 {
		return fmt.Errorf("risk.min_signal_strength must be in [0, 1]")
	}
	if r.ResetTimezone != "" {
		if _, err := time.LoadLocation(r.ResetTimezone); err != nil {
			return fmt.Errorf("risk.reset_timezone '%s' is invalid: %w", r.ResetTimezone, err)
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

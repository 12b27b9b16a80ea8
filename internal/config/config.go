package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
	"github.com/ahmethakanbesel/pricefeed/internal/refresh"
	"github.com/ahmethakanbesel/pricefeed/internal/scheduler"
	"github.com/ahmethakanbesel/pricefeed/internal/sip"
)

// Config holds all application configuration.
type Config struct {
	Port     string `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Sources struct {
		YahooChartURL string `yaml:"yahoo_chart_url"`
		MFAPIBaseURL  string `yaml:"mfapi_base_url"`
	} `yaml:"sources"`

	Fetcher fetcher.Config `yaml:"fetcher"`

	Scheduler struct {
		Interval  time.Duration `yaml:"interval"`
		AutoStart bool          `yaml:"auto_start"`
	} `yaml:"scheduler"`

	Refresh refresh.Config `yaml:"refresh"`

	SIP struct {
		sip.Config  `yaml:",inline"`
		Cron        string `yaml:"cron"`
		CleanupCron string `yaml:"cleanup_cron"`
	} `yaml:"sip"`

	SessionSweep string `yaml:"session_sweep"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() *Config {
	cfg := &Config{
		Port:     "8080",
		DBPath:   "pricefeed.db",
		LogLevel: "info",
		Fetcher:  fetcher.DefaultConfig(),
		Refresh:  refresh.DefaultConfig(),
	}
	cfg.Scheduler.Interval = scheduler.DefaultInterval
	cfg.Scheduler.AutoStart = true
	cfg.SIP.Config = sip.DefaultConfig()
	cfg.SIP.Cron = "0 9 * * *"
	cfg.SIP.CleanupCron = "30 3 * * *"
	cfg.SessionSweep = "@every 10m"
	return cfg
}

// Load reads config from a YAML file on top of the defaults, then applies
// environment variable overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Sources.YahooChartURL = getEnv("YAHOO_CHART_URL", cfg.Sources.YahooChartURL)
	cfg.Sources.MFAPIBaseURL = getEnv("MFAPI_BASE_URL", cfg.Sources.MFAPIBaseURL)

	cfg.Fetcher.Equity.RatePerMinute = getEnvInt("EQUITY_RATE_PER_MINUTE", cfg.Fetcher.Equity.RatePerMinute)
	cfg.Fetcher.Fund.RatePerMinute = getEnvInt("FUND_RATE_PER_MINUTE", cfg.Fetcher.Fund.RatePerMinute)
	cfg.Fetcher.MaxAttempts = getEnvInt("FETCH_MAX_ATTEMPTS", cfg.Fetcher.MaxAttempts)
	cfg.Fetcher.BatchConcurrency = getEnvInt("WORKERS", cfg.Fetcher.BatchConcurrency)

	cfg.Scheduler.Interval = getEnvDuration("REFRESH_INTERVAL", cfg.Scheduler.Interval)
	cfg.Scheduler.AutoStart = getEnvBool("REFRESH_AUTO_START", cfg.Scheduler.AutoStart)

	cfg.Refresh.MaxConcurrent = getEnvInt("MAX_REFRESH_SESSIONS", cfg.Refresh.MaxConcurrent)
	cfg.Refresh.Retention = getEnvDuration("REFRESH_RETENTION", cfg.Refresh.Retention)

	cfg.SIP.Cron = getEnv("SIP_CRON", cfg.SIP.Cron)
	cfg.SIP.Concurrency = getEnvInt("SIP_CONCURRENCY", cfg.SIP.Concurrency)
	cfg.SIP.Currency = getEnv("SIP_CURRENCY", cfg.SIP.Currency)

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Scheduler.Interval < scheduler.MinInterval {
		return fmt.Errorf("scheduler.interval must be at least %s, got %s", scheduler.MinInterval, c.Scheduler.Interval)
	}
	for name, l := range map[string]fetcher.Limits{"equity": c.Fetcher.Equity, "fund": c.Fetcher.Fund} {
		if l.RatePerMinute <= 0 || l.Burst <= 0 || l.Timeout <= 0 {
			return fmt.Errorf("fetcher.%s: rate_per_minute, burst and timeout must be positive", name)
		}
	}
	if c.Fetcher.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher.max_attempts must be positive")
	}
	if c.Refresh.MaxConcurrent <= 0 || c.Refresh.BatchSize <= 0 {
		return fmt.Errorf("refresh.max_concurrent and refresh.batch_size must be positive")
	}
	if c.SIP.MaxRetries < 0 {
		return fmt.Errorf("sip.max_retries must not be negative")
	}
	for name, spec := range map[string]string{
		"sip.cron":         c.SIP.Cron,
		"sip.cleanup_cron": c.SIP.CleanupCron,
		"session_sweep":    c.SessionSweep,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

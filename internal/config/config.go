// Package config loads and validates the detection engine's runtime
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all detection-engine configuration.
type Config struct {
	Ingest    IngestSettings    `mapstructure:"ingest"`
	API       APISettings       `mapstructure:"api"`
	Panel     PanelSettings     `mapstructure:"panel"`
	Detection DetectionSettings `mapstructure:"detection"`
	Whitelist []string          `mapstructure:"whitelist_emails"`
	Logging   LoggingSettings   `mapstructure:"logging"`
	Database  DatabaseSettings  `mapstructure:"database"`
	Notify    NotifySettings    `mapstructure:"notify"`
	Enrich    EnrichSettings    `mapstructure:"enrich"`
}

// IngestSettings controls the collector-facing TCP listener (C5).
type IngestSettings struct {
	BindAddr      string        `mapstructure:"bind_addr"`
	MaxLineBytes  int           `mapstructure:"max_line_bytes"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SubnetGroup   bool          `mapstructure:"subnet_grouping"`
}

// APISettings controls the query HTTP surface (C6).
type APISettings struct {
	BindAddr       string        `mapstructure:"bind_addr"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	RateLimit      RateLimitSettings `mapstructure:"rate_limit"`
}

// RateLimitSettings controls the per-IP token bucket on the query API.
type RateLimitSettings struct {
	Enabled      bool `mapstructure:"enabled"`
	PerMinute    int  `mapstructure:"per_minute"`
}

// PanelSettings controls the roster fetcher (C4).
type PanelSettings struct {
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	PageSize      int           `mapstructure:"page_size"`
}

// DetectionSettings controls the classifier (C3) thresholds.
type DetectionSettings struct {
	ConcurrentWindow        time.Duration `mapstructure:"concurrent_window"`
	TriggerPeriod           time.Duration `mapstructure:"trigger_period"`
	TriggerCount            int           `mapstructure:"trigger_count"`
	BanlistThreshold        time.Duration `mapstructure:"banlist_threshold"`
	RetentionPeriod         time.Duration `mapstructure:"retention_period"`
	TickInterval            time.Duration `mapstructure:"tick_interval"`
	ClearHysteresisTicks    int           `mapstructure:"clear_hysteresis_ticks"`
	RecentRequestsCapacity  int           `mapstructure:"recent_requests_capacity"`
}

// LoggingSettings controls zerolog output.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseSettings controls the SQLite-backed banlist persistence sink.
type DatabaseSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NotifySettings controls the webhook notification sink.
type NotifySettings struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	QueueSize  int           `mapstructure:"queue_size"`
}

// EnrichSettings controls the IP-ISP lookup sink.
type EnrichSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load loads configuration from an optional file, environment variables
// (FXSHARE_ prefix), and documented defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("ingest.bind_addr", "0.0.0.0:9999")
	v.SetDefault("ingest.max_line_bytes", 16*1024)
	v.SetDefault("ingest.idle_timeout", "300s")
	v.SetDefault("ingest.subnet_grouping", false)

	v.SetDefault("api.bind_addr", "0.0.0.0:8080")
	v.SetDefault("api.request_timeout", "5s")
	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.per_minute", 120)

	// Keys without a real default still need a registered empty one:
	// viper's Unmarshal only sees environment overrides for known keys.
	v.SetDefault("api.token", "")
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("panel.url", "")
	v.SetDefault("panel.token", "")
	v.SetDefault("whitelist_emails", []string{})
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("enrich.url", "")

	v.SetDefault("panel.poll_interval", "60s")
	v.SetDefault("panel.fetch_timeout", "15s")
	v.SetDefault("panel.page_size", 200)

	v.SetDefault("detection.concurrent_window", "2s")
	v.SetDefault("detection.trigger_period", "30s")
	v.SetDefault("detection.trigger_count", 5)
	v.SetDefault("detection.banlist_threshold", "300s")
	v.SetDefault("detection.retention_period", "3600s")
	v.SetDefault("detection.tick_interval", "1s")
	v.SetDefault("detection.clear_hysteresis_ticks", 0)
	v.SetDefault("detection.recent_requests_capacity", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.path", "./data/detectord.db")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("notify.queue_size", 256)

	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.timeout", "3s")
	v.SetDefault("enrich.cache_ttl", "1h")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("detectord")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/detectord")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".detectord"))
		}
	}

	v.SetEnvPrefix("FXSHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for startup-fatal errors.
func (c *Config) Validate() error {
	if c.Panel.URL == "" {
		return fmt.Errorf("panel.url is required")
	}
	if c.Panel.Token == "" {
		return fmt.Errorf("panel.token is required")
	}
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if c.Detection.TriggerCount <= 0 {
		return fmt.Errorf("detection.trigger_count must be positive")
	}
	if c.Detection.ConcurrentWindow < 0 {
		return fmt.Errorf("detection.concurrent_window must not be negative")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		return fmt.Errorf("database.path is required when database.enabled is true")
	}
	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url is required when notify.enabled is true")
	}
	if c.Enrich.Enabled && c.Enrich.URL == "" {
		return fmt.Errorf("enrich.url is required when enrich.enabled is true")
	}
	return nil
}

// IsWhitelisted reports whether an email is in the configured allow set.
func (c *Config) IsWhitelisted(email string) bool {
	for _, w := range c.Whitelist {
		if strings.EqualFold(w, email) {
			return true
		}
	}
	return false
}

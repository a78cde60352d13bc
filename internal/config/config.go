package config

import "time"

// Config represents the complete application configuration, loaded from the
// config file, environment variables (PULSEFEED_ prefix), and flags.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Provider ProviderConfig `mapstructure:"provider"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// AccountsFile points to the yaml file listing tracked accounts.
	AccountsFile string `mapstructure:"accounts_file"`
}

// ServerConfig contains the operational HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// ProviderConfig configures the rate-limited provider API client.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	BearerToken string        `mapstructure:"bearer_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// IngestConfig tunes the coordinator's loops and the scheduler.
type IngestConfig struct {
	StreamEnabled        bool          `mapstructure:"stream_enabled"`
	StreamReconnectDelay time.Duration `mapstructure:"stream_reconnect_delay"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	BackfillInterval     time.Duration `mapstructure:"backfill_interval"`
	BackfillPageSize     int           `mapstructure:"backfill_page_size"`
	SyncCooldown         time.Duration `mapstructure:"sync_cooldown"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CacheRetention       time.Duration `mapstructure:"cache_retention"`
	CacheMaxItems        int           `mapstructure:"cache_max_items"`
	RequestSpacing       time.Duration `mapstructure:"request_spacing"`
	ThrottleBackoff      time.Duration `mapstructure:"throttle_backoff"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MaxThrottleRetries   int           `mapstructure:"max_throttle_retries"`
}

// QuotaConfig overrides per-endpoint request limits.
type QuotaConfig struct {
	// Limits lists per-endpoint window overrides. A list rather than a map:
	// endpoint keys contain dots (posts.fetch), which viper would split into
	// nested keys.
	Limits []LimitConfig `mapstructure:"limits"`
	// Margin scales effective limits by a safety ratio (0-1].
	Margin float64 `mapstructure:"margin"`
}

// LimitConfig is one endpoint's quota window override.
type LimitConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level: debug, info, warn, error.
	Level string `mapstructure:"level"`
}

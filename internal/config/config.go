package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	Licensing  LicensingConfig  `mapstructure:"licensing"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Plans      []PlanConfig     `mapstructure:"plans"`
	Providers  []ProviderConfig `mapstructure:"providers"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// TrustedProxies lists the CIDRs whose forwarding headers name the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql | sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	NotificationTopic string   `mapstructure:"notification_topic"`
	LedgerTopic       string   `mapstructure:"ledger_topic"`
	MinBytes          int      `mapstructure:"min_bytes"`
	MaxBytes          int      `mapstructure:"max_bytes"`
	CommitInterval    int      `mapstructure:"commit_interval_ms"`
}

type RateLimitConfig struct {
	Backend string         `mapstructure:"backend"` // sql | redis
	Gateway map[string]int `mapstructure:"gateway"` // per-minute, per category
	License map[string]int `mapstructure:"license"` // per-hour, per endpoint
}

type CreditsConfig struct {
	LowPercent      float64 `mapstructure:"low_percent"`
	CriticalPercent float64 `mapstructure:"critical_percent"`
}

type LicensingConfig struct {
	CooldownDays int    `mapstructure:"cooldown_days"`
	Debug        bool   `mapstructure:"debug"`
	AdminToken   string `mapstructure:"admin_token"`
	KeyFormat    string `mapstructure:"key_format"` // short | long
}

type GatewayConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	CreditsPerHit int64         `mapstructure:"credits_per_call"`
}

type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RelayInterval   time.Duration `mapstructure:"relay_interval"`
	RelayBatch      int           `mapstructure:"relay_batch"`
}

type PlanConfig struct {
	Slug          string  `mapstructure:"slug"`
	Name          string  `mapstructure:"name"`
	Credits       int64   `mapstructure:"credits"`
	CreditsPeriod string  `mapstructure:"credits_period"` // month | year | once
	Activations   int     `mapstructure:"activations"`
	Price         float64 `mapstructure:"price"`
	Addon         bool    `mapstructure:"addon"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name           string        `mapstructure:"name"`
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	TranscriptPath string        `mapstructure:"transcript_path"`
	APIKey         string        `mapstructure:"api_key"`
	TimeoutMs      int           `mapstructure:"timeout_ms"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (LGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (LGW_DATABASE_DSN, ...)
	v.SetEnvPrefix("LGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

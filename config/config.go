// Package config loads engine configuration from file and environment.
// Every key has a default, so an empty config file yields a runnable
// single-node engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	EventLog   EventLogConfig   `mapstructure:"eventlog"`
	Redis      RedisConfig      `mapstructure:"redis"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	API        APIConfig        `mapstructure:"api"`
	Routing    RoutingConfig    `mapstructure:"routing"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EventLogConfig configures the in-process event log
type EventLogConfig struct {
	Partitions        int           `mapstructure:"partitions"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"`
	RedeliveryTimeout time.Duration `mapstructure:"redelivery_timeout"`
	Retention         time.Duration `mapstructure:"retention"`
	DLQRetention      time.Duration `mapstructure:"dlq_retention"`
	ConsumerWorkers   int           `mapstructure:"consumer_workers"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
}

// RedisConfig configures the shared window state store; disabled means the
// in-memory store is used instead
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SQLiteConfig configures durable storage
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures rule evaluation
type EngineConfig struct {
	RuleReloadInterval     time.Duration `mapstructure:"rule_reload_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// EscalationConfig configures the deadline scanner and the default policy
type EscalationConfig struct {
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
	DefaultPolicy PolicyConfig  `mapstructure:"default_policy"`
}

// PolicyConfig is the declarative form of an escalation policy
type PolicyConfig struct {
	Steps          []PolicyStepConfig `mapstructure:"steps"`
	RepeatInterval time.Duration      `mapstructure:"repeat_interval"`
}

// PolicyStepConfig is one escalation step
type PolicyStepConfig struct {
	Delay      time.Duration `mapstructure:"delay"`
	Recipients []string      `mapstructure:"recipients"`
	Channels   []string      `mapstructure:"channels"`
}

// NotifyConfig configures the notification dispatcher
type NotifyConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	SMTP          SMTPConfig    `mapstructure:"smtp"`
}

// SMTPConfig configures the email channel
type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// APIConfig configures the HTTP API
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// RoutingConfig points at the routing table
type RoutingConfig struct {
	TablePath     string `mapstructure:"table_path"`
	DefaultStream string `mapstructure:"default_stream"`
}

// Load reads configuration from the given file (optional) and SENTINEL_*
// environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("eventlog.partitions", 8)
	v.SetDefault("eventlog.max_deliveries", 3)
	v.SetDefault("eventlog.redelivery_timeout", 30*time.Second)
	v.SetDefault("eventlog.retention", 24*time.Hour)
	v.SetDefault("eventlog.dlq_retention", 7*24*time.Hour)
	v.SetDefault("eventlog.consumer_workers", 4)
	v.SetDefault("eventlog.max_processing_time", 5*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("sqlite.path", "sentinel.db")

	v.SetDefault("engine.rule_reload_interval", 30*time.Second)
	v.SetDefault("engine.max_consecutive_failures", 5)

	v.SetDefault("escalation.scan_interval", 15*time.Second)
	v.SetDefault("escalation.default_policy.repeat_interval", time.Hour)

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.base_backoff", 5*time.Second)
	v.SetDefault("notify.max_backoff", 2*time.Minute)
	v.SetDefault("notify.rate_per_second", 10.0)
	v.SetDefault("notify.burst", 20)
	v.SetDefault("notify.smtp.enabled", false)
	v.SetDefault("notify.smtp.port", 587)

	v.SetDefault("api.addr", ":8080")

	v.SetDefault("routing.table_path", "")
	v.SetDefault("routing.default_stream", "security.events")
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.EventLog.Partitions < 1 {
		return fmt.Errorf("eventlog.partitions must be at least 1")
	}
	if c.EventLog.MaxDeliveries < 1 {
		return fmt.Errorf("eventlog.max_deliveries must be at least 1")
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Notify.SMTP.Enabled && (c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "") {
		return fmt.Errorf("notify.smtp.host and notify.smtp.from are required when smtp is enabled")
	}
	for i, step := range c.Escalation.DefaultPolicy.Steps {
		if step.Delay <= 0 {
			return fmt.Errorf("escalation.default_policy.steps[%d].delay must be positive", i)
		}
	}
	return nil
}

// Package config handles configuration loading for the detection engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rules     RulesConfig     `yaml:"rules"`
	Storage   StorageConfig   `yaml:"storage"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Actions   ActionsConfig   `yaml:"actions"`
	EventLog  EventLogConfig  `yaml:"event_log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort        int             `yaml:"http_port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	TriggerLimit    RateLimitConfig `yaml:"trigger_rate_limit"`
}

// RateLimitConfig limits manual rule triggers per client.
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Requests   int           `yaml:"requests"`
	Window     time.Duration `yaml:"window"`
	TrustProxy bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ExecutorConfig holds the per-run budget applied to every rule execution.
type ExecutorConfig struct {
	MaxAlertsPerRun     int           `yaml:"max_alerts_per_run"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	FlushTimeout        time.Duration `yaml:"flush_timeout"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`
	DryRun              bool          `yaml:"dry_run"` // run matchers without writing alerts
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Workers      int           `yaml:"workers"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

// RulesConfig locates rule instance YAML files loaded at startup.
type RulesConfig struct {
	Dir string `yaml:"dir"`
}

// StorageConfig holds alert store settings.
type StorageConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// PostgresConfig holds the rule instance store settings.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// RedisConfig holds Redis settings for maintenance windows and run locks.
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	WindowsKey   string `yaml:"windows_key"`
	LockKeyspace string `yaml:"lock_keyspace"`
}

// ActionsConfig selects where action requests are enqueued.
type ActionsConfig struct {
	Sink  string    `yaml:"sink"` // log, kafka or nats
	Kafka KafkaSink `yaml:"kafka"`
	NATS  NATSSink  `yaml:"nats"`
}

// KafkaSink holds Kafka action sink settings.
type KafkaSink struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RequiredAcks int           `yaml:"required_acks"`
}

// NATSSink holds NATS action sink settings.
type NATSSink struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// EventLogConfig holds execution event log settings.
type EventLogConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config holds S3 archive settings for execution records.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // for MinIO or other S3-compatible stores
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			TriggerLimit: RateLimitConfig{
				Enabled:  true,
				Requests: 10,
				Window:   time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Executor: ExecutorConfig{
			MaxAlertsPerRun:     1000,
			RunTimeout:          5 * time.Minute,
			FlushTimeout:        30 * time.Second,
			DispatchConcurrency: 8,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Workers:      10,
			TickInterval: 10 * time.Second,
			LockTTL:      10 * time.Minute,
		},
		Rules: RulesConfig{
			Dir: "configs/rules",
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "detections",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
				QueryTimeout:    60 * time.Second,
			},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			WindowsKey:   "detection:maintenance_windows",
			LockKeyspace: "detection:run_lock:",
		},
		Actions: ActionsConfig{
			Sink: "log",
			Kafka: KafkaSink{
				Brokers:      []string{"localhost:9092"},
				Topic:        "detection-actions",
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				MaxAttempts:  3,
				RequiredAcks: -1,
			},
			NATS: NATSSink{
				URL:     "nats://localhost:4222",
				Subject: "detection.actions",
			},
		},
		EventLog: EventLogConfig{
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "executions",
			},
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("RULE_ENGINE_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("RULE_ENGINE_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}

	if level := os.Getenv("RULE_ENGINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if maxAlerts := os.Getenv("RULE_ENGINE_MAX_ALERTS"); maxAlerts != "" {
		if n, err := strconv.Atoi(maxAlerts); err == nil {
			c.Executor.MaxAlertsPerRun = n
		}
	}

	if dir := os.Getenv("RULE_ENGINE_RULES_DIR"); dir != "" {
		c.Rules.Dir = dir
	}

	// Storage settings
	if enabled := os.Getenv("RULE_ENGINE_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
		c.Postgres.Enabled = true
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if sink := os.Getenv("RULE_ENGINE_ACTION_SINK"); sink != "" {
		c.Actions.Sink = sink
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Actions.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if url := os.Getenv("NATS_URL"); url != "" {
		c.Actions.NATS.URL = url
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// lockTTLMargin covers the post-run writes, which are bounded separately from
// the run and flush timeouts.
const lockTTLMargin = 30 * time.Second

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.TriggerLimit.Enabled {
		if c.Server.TriggerLimit.Requests <= 0 || c.Server.TriggerLimit.Window <= 0 {
			return fmt.Errorf("server.trigger_rate_limit requires positive requests and window")
		}
	}

	if c.Executor.MaxAlertsPerRun <= 0 {
		return fmt.Errorf("executor.max_alerts_per_run must be positive")
	}
	if c.Executor.RunTimeout <= 0 {
		return fmt.Errorf("executor.run_timeout must be positive")
	}
	if c.Executor.FlushTimeout <= 0 {
		return fmt.Errorf("executor.flush_timeout must be positive")
	}
	if c.Executor.DispatchConcurrency <= 0 {
		return fmt.Errorf("executor.dispatch_concurrency must be positive")
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.Workers <= 0 {
			return fmt.Errorf("scheduler.workers must be positive")
		}
		if c.Scheduler.TickInterval <= 0 {
			return fmt.Errorf("scheduler.tick_interval must be positive")
		}
		// A run holds its lock through the matcher, the flush and dispatch,
		// and the instance and event log writes that follow.
		minTTL := c.Executor.RunTimeout + c.Executor.FlushTimeout + lockTTLMargin
		if c.Scheduler.LockTTL <= minTTL {
			return fmt.Errorf("scheduler.lock_ttl (%s) must exceed executor.run_timeout + executor.flush_timeout + %s (%s)",
				c.Scheduler.LockTTL, lockTTLMargin, minTTL)
		}
	}

	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage.clickhouse.hosts is required when storage is enabled")
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when postgres is enabled")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	switch c.Actions.Sink {
	case "log":
	case "kafka":
		if len(c.Actions.Kafka.Brokers) == 0 || c.Actions.Kafka.Topic == "" {
			return fmt.Errorf("actions.kafka requires brokers and topic")
		}
	case "nats":
		if c.Actions.NATS.URL == "" || c.Actions.NATS.Subject == "" {
			return fmt.Errorf("actions.nats requires url and subject")
		}
	default:
		return fmt.Errorf("invalid actions.sink: %q", c.Actions.Sink)
	}

	if c.EventLog.S3.Enabled && c.EventLog.S3.Bucket == "" {
		return fmt.Errorf("event_log.s3.bucket is required when the S3 event log is enabled")
	}

	return nil
}

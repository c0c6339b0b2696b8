package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Test server defaults
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected ReadTimeout 30s, got %v", cfg.Server.ReadTimeout)
	}

	// Test executor defaults
	if cfg.Executor.MaxAlertsPerRun != 1000 {
		t.Errorf("expected MaxAlertsPerRun 1000, got %d", cfg.Executor.MaxAlertsPerRun)
	}
	if cfg.Executor.RunTimeout != 5*time.Minute {
		t.Errorf("expected RunTimeout 5m, got %v", cfg.Executor.RunTimeout)
	}
	if cfg.Executor.DryRun {
		t.Error("expected DryRun to be false")
	}

	// Test scheduler defaults
	if cfg.Scheduler.Workers != 10 {
		t.Errorf("expected Workers 10, got %d", cfg.Scheduler.Workers)
	}

	if cfg.Actions.Sink != "log" {
		t.Errorf("expected Actions.Sink 'log', got %s", cfg.Actions.Sink)
	}
	if cfg.Storage.Enabled || cfg.Postgres.Enabled || cfg.Redis.Enabled {
		t.Error("expected external stores to be disabled by default")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"too high port", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.HTTPPort = tt.port
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error for invalid port")
			}
		})
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero trigger rate limit", func(c *Config) { c.Server.TriggerLimit.Requests = 0 }},
		{"zero max alerts", func(c *Config) { c.Executor.MaxAlertsPerRun = 0 }},
		{"zero run timeout", func(c *Config) { c.Executor.RunTimeout = 0 }},
		{"zero flush timeout", func(c *Config) { c.Executor.FlushTimeout = 0 }},
		{"zero dispatch concurrency", func(c *Config) { c.Executor.DispatchConcurrency = 0 }},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"lock shorter than run", func(c *Config) { c.Scheduler.LockTTL = time.Minute }},
		{"lock equal to run", func(c *Config) { c.Scheduler.LockTTL = c.Executor.RunTimeout }},
		{"lock without room for flush", func(c *Config) {
			c.Scheduler.LockTTL = c.Executor.RunTimeout + c.Executor.FlushTimeout
		}},
		{"storage without hosts", func(c *Config) {
			c.Storage.Enabled = true
			c.Storage.ClickHouse.Hosts = nil
		}},
		{"postgres without dsn", func(c *Config) { c.Postgres.Enabled = true }},
		{"unknown sink", func(c *Config) { c.Actions.Sink = "smtp" }},
		{"kafka without topic", func(c *Config) {
			c.Actions.Sink = "kafka"
			c.Actions.Kafka.Topic = ""
		}},
		{"nats without subject", func(c *Config) {
			c.Actions.Sink = "nats"
			c.Actions.NATS.Subject = ""
		}},
		{"s3 without bucket", func(c *Config) { c.EventLog.S3.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_LockTTLCoversRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executor.RunTimeout = time.Minute
	cfg.Executor.FlushTimeout = 10 * time.Second
	cfg.Scheduler.LockTTL = time.Minute + 10*time.Second + lockTTLMargin + time.Second
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	cfg.Scheduler.LockTTL -= time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for lock_ttl without margin")
	}
}

func TestValidate_SchedulerDisabledSkipsChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.Workers = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"simple split", "a,b,c", []string{"a", "b", "c"}},
		{"with spaces", "a , b , c", []string{"a", "b", "c"}},
		{"empty parts filtered", "a,,b", []string{"a", "b"}},
		{"single value", "single", []string{"single"}},
		{"empty string", "", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitAndTrim(tt.input, ",")
			if len(result) != len(tt.expected) {
				t.Fatalf("splitAndTrim(%q) = %v, expected %v", tt.input, result, tt.expected)
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("splitAndTrim(%q)[%d] = %q, expected %q", tt.input, i, v, tt.expected[i])
				}
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("HTTP port override", func(t *testing.T) {
		t.Setenv("RULE_ENGINE_HTTP_PORT", "9000")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 9000 {
			t.Errorf("expected HTTPPort 9000, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("invalid port ignored", func(t *testing.T) {
		t.Setenv("RULE_ENGINE_HTTP_PORT", "eighty")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 8080 {
			t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("log level override", func(t *testing.T) {
		t.Setenv("RULE_ENGINE_LOG_LEVEL", "debug")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("max alerts override", func(t *testing.T) {
		t.Setenv("RULE_ENGINE_MAX_ALERTS", "25")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Executor.MaxAlertsPerRun != 25 {
			t.Errorf("expected MaxAlertsPerRun 25, got %d", cfg.Executor.MaxAlertsPerRun)
		}
	})

	t.Run("postgres dsn enables store", func(t *testing.T) {
		t.Setenv("POSTGRES_DSN", "postgres://engine@db/rules")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Postgres.Enabled || cfg.Postgres.DSN != "postgres://engine@db/rules" {
			t.Errorf("postgres = %+v", cfg.Postgres)
		}
	})

	t.Run("kafka brokers", func(t *testing.T) {
		t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if len(cfg.Actions.Kafka.Brokers) != 2 || cfg.Actions.Kafka.Brokers[1] != "k2:9092" {
			t.Errorf("brokers = %v", cfg.Actions.Kafka.Brokers)
		}
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Executor.MaxAlertsPerRun != 1000 {
			t.Errorf("expected defaults, got %+v", cfg.Executor)
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := []byte(`
executor:
  max_alerts_per_run: 50
  run_timeout: 2m
actions:
  sink: nats
  nats:
    subject: custom.actions
`)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Executor.MaxAlertsPerRun != 50 || cfg.Executor.RunTimeout != 2*time.Minute {
			t.Errorf("executor = %+v", cfg.Executor)
		}
		if cfg.Executor.FlushTimeout != 30*time.Second {
			t.Errorf("unset fields should keep defaults, got %v", cfg.Executor.FlushTimeout)
		}
		if cfg.Actions.Sink != "nats" || cfg.Actions.NATS.Subject != "custom.actions" || cfg.Actions.NATS.URL == "" {
			t.Errorf("actions = %+v", cfg.Actions)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("executor: [oops"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Error("expected parse error")
		}
	})
}

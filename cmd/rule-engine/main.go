// Package main is the entry point for the detection rule engine service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"detection-engine/internal/action"
	"detection-engine/internal/api"
	"detection-engine/internal/config"
	"detection-engine/internal/eventlog"
	"detection-engine/internal/executor"
	"detection-engine/internal/logging"
	"detection-engine/internal/maintenance"
	"detection-engine/internal/middleware"
	"detection-engine/internal/rule"
	"detection-engine/internal/rules"
	"detection-engine/internal/scheduler"
	"detection-engine/internal/store"

	"github.com/redis/go-redis/v9"
)

// gateway is the alert store as seen by the executor and the API.
type gateway interface {
	executor.Gateway
	api.AlertSearcher
}

// instanceStore is the rule instance store as seen by the runner, the
// scheduler and the API.
type instanceStore interface {
	executor.InstanceStore
	scheduler.InstanceSource
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_enabled", cfg.Storage.Enabled,
		"postgres_enabled", cfg.Postgres.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"action_sink", cfg.Actions.Sink,
		"max_alerts_per_run", cfg.Executor.MaxAlertsPerRun,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("rule engine failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := rule.NewRegistry()
	if err := rules.RegisterBuiltins(registry); err != nil {
		return err
	}

	loaded, err := loadInstances(cfg.Rules.Dir, registry, logger)
	if err != nil {
		return err
	}

	checks := make(map[string]api.HealthCheck)

	// Alert store
	var gw gateway
	if cfg.Storage.Enabled {
		ch := cfg.Storage.ClickHouse
		logger.Info("initializing ClickHouse storage", "hosts", ch.Hosts, "database", ch.Database)
		client, err := store.NewClickHouseClient(ctx, store.ClickHouseConfig{
			Hosts:           ch.Hosts,
			Database:        ch.Database,
			Username:        ch.Username,
			Password:        ch.Password,
			MaxOpenConns:    ch.MaxOpenConns,
			MaxIdleConns:    ch.MaxIdleConns,
			ConnMaxLifetime: ch.ConnMaxLifetime,
			TLSEnabled:      ch.TLSEnabled,
			DialTimeout:     ch.DialTimeout,
			QueryTimeout:    ch.QueryTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect to ClickHouse: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("clickhouse close error", "error", err)
			}
		}()

		logger.Info("running database migrations")
		if err := store.NewMigrator(client, logger).Run(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		gw = store.NewClickHouseGateway(client, logger)
		checks["clickhouse"] = client.Ping
	} else {
		logger.Warn("storage disabled, alerts are kept in memory")
		gw = store.NewMemoryGateway()
	}

	// Rule instances
	var instances instanceStore
	if cfg.Postgres.Enabled {
		pg, err := store.NewPostgresInstanceStore(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return fmt.Errorf("connect to Postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate Postgres: %w", err)
		}
		for _, inst := range loaded {
			if err := pg.Upsert(ctx, inst); err != nil {
				return fmt.Errorf("seed rule instance %s: %w", inst.ID, err)
			}
		}
		instances = pg
		checks["postgres"] = pg.Ping
	} else {
		instances = store.NewMemoryInstanceStore(loaded...)
	}

	// Maintenance windows and run locks
	var windows executor.WindowStore = maintenance.NewMemoryStore()
	var locker scheduler.Locker = scheduler.NewMemoryLocker()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		windows = maintenance.NewRedisStore(rdb, cfg.Redis.WindowsKey, logger)
		locker = scheduler.NewRedisLocker(rdb, cfg.Redis.LockKeyspace)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	sink, closeSink, err := newSink(cfg.Actions, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	// Execution event log
	var events eventlog.Writer = eventlog.NewSlogWriter(logger)
	if s3cfg := cfg.EventLog.S3; s3cfg.Enabled {
		archive, err := eventlog.NewS3Writer(ctx, eventlog.S3Config{
			Region:          s3cfg.Region,
			Bucket:          s3cfg.Bucket,
			Prefix:          s3cfg.Prefix,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKey,
			SecretAccessKey: s3cfg.SecretKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("create S3 event log: %w", err)
		}
		events = eventlog.MultiWriter{events, archive}
	}

	exec := executor.New(registry, executor.Services{
		Gateway:    gw,
		Windows:    windows,
		Dispatcher: action.NewDispatcher(sink, logger),
		Logger:     logger,
	}, executor.Budget{
		MaxAlerts:           cfg.Executor.MaxAlertsPerRun,
		Timeout:             cfg.Executor.RunTimeout,
		FlushTimeout:        cfg.Executor.FlushTimeout,
		DispatchConcurrency: cfg.Executor.DispatchConcurrency,
		DryRun:              cfg.Executor.DryRun,
	})
	runner := executor.NewRunner(exec, instances, events, logger)

	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		TickInterval: cfg.Scheduler.TickInterval,
		LockTTL:      cfg.Scheduler.LockTTL,
	}, instances, runner, locker, registry, logger)
	if cfg.Scheduler.Enabled {
		sched.Start()
	} else {
		logger.Warn("scheduler disabled, rules only run when triggered")
	}

	handler := api.NewHandler(api.Options{
		Instances: instances,
		Trigger:   sched,
		Alerts:    gw,
		Registry:  registry,
		Checks:    checks,
		Limiter:   middleware.NewRateLimiter(cfg.Server.TriggerLimit, logger),
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting rule engine server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// In-flight runs are cancelled; their buffered alerts are not flushed.
	sched.Stop()
	logger.Info("shutdown complete")
	return nil
}

// loadInstances reads rule instance files and drops instances whose type is
// not registered.
func loadInstances(dir string, registry *rule.Registry, logger *slog.Logger) ([]*rule.Instance, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Warn("rules directory not found", "dir", dir)
		return nil, nil
	}
	instances, err := rule.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	valid := instances[:0]
	for _, inst := range instances {
		if err := rule.Check(registry, inst); err != nil {
			logger.Error("skipping invalid rule instance", "rule_id", inst.ID, "error", err)
			continue
		}
		valid = append(valid, inst)
	}
	logger.Info("loaded rule instances", "count", len(valid), "dir", dir)
	return valid, nil
}

func newSink(cfg config.ActionsConfig, logger *slog.Logger) (action.Sink, func(), error) {
	switch cfg.Sink {
	case "kafka":
		sink, err := action.NewKafkaSink(action.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create Kafka sink: %w", err)
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				logger.Error("kafka sink close error", "error", err)
			}
		}, nil
	case "nats":
		sink, err := action.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create NATS sink: %w", err)
		}
		return sink, sink.Close, nil
	default:
		return action.NewLogSink(logger), func() {}, nil
	}
}

package store

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultQueryTimeout = 60 * time.Second
	pingTimeout         = 5 * time.Second
)

// ClickHouseConfig configures the connection shared by the alert store, the
// source search and the migrator.
type ClickHouseConfig struct {
	Hosts           []string
	Database        string
	Username        string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	TLSEnabled      bool
	DialTimeout     time.Duration
	// QueryTimeout bounds a single search server side. A rule run's own
	// timeout still applies through the request context.
	QueryTimeout time.Duration
	Debug        bool
}

func (c ClickHouseConfig) validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("at least one host is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	return nil
}

func (c ClickHouseConfig) options() *clickhouse.Options {
	dial := c.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	queryTimeout := c.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	opts := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(queryTimeout.Seconds()),
			// Retried flushes of the same block must not double-insert.
			"insert_deduplicate": 1,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct{ Name, Version string }{{Name: "detection-engine", Version: "1"}},
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     dial,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Debug:           c.Debug,
	}
	if c.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// ClickHouseClient is the connection used by ClickHouseGateway and Migrator.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

// NewClickHouseClient opens a connection and fails fast when the server is
// unreachable.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, WrapConnectionError("Open", err)
	}
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	c := &ClickHouseClient{conn: conn, database: cfg.Database}
	if err := c.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *ClickHouseClient) Close() error { return c.conn.Close() }

// Ping is also registered as the API health check.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.conn.Ping(ctx); err != nil {
		return WrapConnectionError("Ping", err)
	}
	return nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Database is the schema searched for source indices.
func (c *ClickHouseClient) Database() string { return c.database }

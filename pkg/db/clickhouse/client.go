// Package clickhouse wraps the native ClickHouse driver with connection
// setup, retries and the small query surface the ledger stores need.
package clickhouse

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/retry"
	"github.com/mekforge/goldledger/pkg/utils"
)

type Client struct {
	Logger *zap.Logger
	Db     driver.Conn
	Name   string // database name
}

const (
	MergeTree          = "MergeTree"
	ReplacingMergeTree = "ReplacingMergeTree"
)

// New connects to ClickHouse using CLICKHOUSE_ADDR and creates dbName if it
// does not exist yet. Connection establishment retries with backoff; the
// service is useless without its history store, so the caller treats a
// final failure as fatal.
func New(ctx context.Context, logger *zap.Logger, dbName string) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	dsn := utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000?sslmode=disable")
	addr, username, password, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse CLICKHOUSE_ADDR: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Username: username,
			Password: password,
		},
		MaxOpenConns:    utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: utils.EnvDuration("CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour),
		DialTimeout:     10 * time.Second,
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, err
	}

	client := &Client{Logger: logger, Db: conn, Name: dbName}

	pingErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "clickhouse-connect", func() error {
		return conn.Ping(connCtx)
	})
	if pingErr != nil {
		return nil, pingErr
	}

	if err := client.Exec(ctx, fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS "%s"`, dbName)); err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	logger.Info("Connected to ClickHouse", zap.String("addr", addr), zap.String("database", dbName))
	return client, nil
}

func parseDSN(dsn string) (addr, username, password string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", "", err
	}
	addr = u.Host
	if addr == "" {
		addr = "localhost:9000"
	}
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if username == "" {
		username = "default"
	}
	return addr, username, password, nil
}

func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.Db.Exec(ctx, query, args...)
}

func (c *Client) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.Db.Select(ctx, dest, query, args...)
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row {
	return c.Db.QueryRow(ctx, query, args...)
}

func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.Db.PrepareBatch(ctx, query)
}

func (c *Client) Close() error {
	if c.Db != nil {
		return c.Db.Close()
	}
	return nil
}

// IsNoRows reports whether an error is the driver's empty-result signal.
func IsNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows")
}

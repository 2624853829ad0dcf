// Package clickhouse wraps the native ClickHouse driver with the pooling,
// retry, and DDL conventions the rest of chstore builds on: replicated
// engines for "latest write wins" tables, ON CLUSTER DDL, and a thin
// exec/query/batch surface.
package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/retry"
)

// Engine name constants for CREATE TABLE statements.
const (
	MergeTree          = "MergeTree"
	ReplacingMergeTree = "ReplacingMergeTree"
)

// Client is a thin wrapper around a native ClickHouse connection, scoped to
// one logical database (one processor's worth of managed tables).
type Client struct {
	Logger   *zap.Logger
	Db       driver.Conn
	Database string
	Cluster  string // empty disables ON CLUSTER DDL, for single-node setups
}

// Options configures a new Client.
type Options struct {
	Addr            []string
	Username        string
	Password        string
	Database        string
	Cluster         string
	DialTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns sane defaults for a single-node development setup.
func DefaultOptions(database string) Options {
	return Options{
		Addr:            []string{"localhost:9000"},
		Username:        "default",
		Database:        database,
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: time.Hour,
	}
}

// New opens a pooled connection to ClickHouse, retrying the initial dial with
// the long-lived backoff config (the same shape the teacher repo uses for
// its own bootstrap connection).
func New(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	chOpts := &clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout:     opts.DialTimeout,
		MaxOpenConns:    opts.MaxOpenConns,
		MaxIdleConns:    opts.MaxIdleConns,
		ConnMaxLifetime: opts.ConnMaxLifetime,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	client := &Client{Logger: logger, Database: opts.Database, Cluster: opts.Cluster}

	retryCfg := retry.DefaultConfig()
	err := retry.WithBackoff(connCtx, retryCfg, logger, "clickhouse_connect", func() error {
		conn, err := clickhouse.Open(chOpts)
		if err != nil {
			return fmt.Errorf("open clickhouse connection: %w", err)
		}
		if err := conn.Ping(connCtx); err != nil {
			return fmt.Errorf("ping clickhouse: %w", err)
		}
		client.Db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("connected to clickhouse",
		zap.String("database", opts.Database),
		zap.Strings("addr", opts.Addr),
		zap.Int("max_open_conns", opts.MaxOpenConns))

	return client, nil
}

// OnCluster returns the ON CLUSTER clause, or empty string when Cluster is
// unset (the common single-node case).
func (c *Client) OnCluster() string {
	if c.Cluster == "" {
		return ""
	}
	return "ON CLUSTER " + c.Cluster
}

// ReplicatedEngine returns "Replicated<engine>" when running on a cluster, or
// engine otherwise, followed by "(versionCol)" when versionCol is non-empty
// (e.g. "ReplacingMergeTree(height)" off-cluster). Omitting explicit ZK paths lets
// ClickHouse auto-generate UUID-based ones, avoiding REPLICA_ALREADY_EXISTS
// when tables are dropped and recreated.
func (c *Client) ReplicatedEngine(engine, versionCol string) string {
	name := engine
	if c.Cluster != "" {
		name = "Replicated" + engine
	}
	if versionCol != "" {
		return fmt.Sprintf("%s(%s)", name, versionCol)
	}
	return name
}

// Exec runs a DDL/DML statement with no result rows expected.
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.Db.Exec(ctx, query, args...)
}

// QueryRow runs a query expected to return at most one row.
func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row {
	return c.Db.QueryRow(ctx, query, args...)
}

// Query runs a query and returns the row iterator.
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	return c.Db.Query(ctx, query, args...)
}

// Select runs a query and scans every row into dest (a pointer to a slice).
func (c *Client) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.Db.Select(ctx, dest, query, args...)
}

// PrepareBatch starts a batch insert against query (an "INSERT INTO ... VALUES" prefix).
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.Db.PrepareBatch(ctx, query)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.Db.Close()
}

// Ping verifies the connection is still alive, used by the coordinator's
// health surface.
func (c *Client) Ping(ctx context.Context) error {
	return c.Db.Ping(ctx)
}

// CreateDatabaseIfNotExists ensures the logical database backing this
// processor's tables exists.
func (c *Client) CreateDatabaseIfNotExists(ctx context.Context, name string) error {
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s %s ENGINE = Atomic", name, c.OnCluster())
	return c.Exec(ctx, query)
}

// TableExists reports whether table exists in database.
func (c *Client) TableExists(ctx context.Context, database, table string) (bool, error) {
	query := `SELECT count() FROM system.tables WHERE database = ? AND name = ?`
	var count uint64
	if err := c.QueryRow(ctx, query, database, table).Scan(&count); err != nil {
		return false, fmt.Errorf("check table exists %s.%s: %w", database, table, err)
	}
	return count > 0, nil
}

// TruncateTable empties table without dropping it, replicated with ON
// CLUSTER when clustered. Used by the stale-restart reconciler (spec §4.8)
// to roll the hot zone back to empty without touching cold data.
func (c *Client) TruncateTable(ctx context.Context, database, table string) error {
	query := fmt.Sprintf(`TRUNCATE TABLE IF EXISTS "%s"."%s" %s`, database, table, c.OnCluster())
	return c.Exec(ctx, query)
}

// SanitizeName lower-cases and replaces characters ClickHouse identifiers
// disallow, matching the convention used for every generated table name.
func SanitizeName(id string) string {
	s := strings.ToLower(id)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

// IsNoRows reports whether err represents "no matching row".
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

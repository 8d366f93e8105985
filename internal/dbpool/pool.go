// Package dbpool provides PostgreSQL connection pool management.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool wraps a pgxpool.Pool with health check capabilities. The underlying
// pool is unexported so queries go through the store's timeout helpers.
type Pool struct {
	pool *pgxpool.Pool
}

// DefaultMaxConns leaves one connection for the LISTEN/NOTIFY bridge.
const DefaultMaxConns = 21

// NewPool creates a new PostgreSQL connection pool. maxConns <= 0 selects
// DefaultMaxConns.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	cfg.ConnConfig.RuntimeParams["statement_timeout"] = "30000"

	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = min(2, maxConns)
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// Exec executes a query that doesn't return rows.
func (p *Pool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, arguments...)
}

// Query executes a query that returns rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns at most one row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// Ping verifies the pool can reach the database.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// HealthCheck verifies database connectivity by executing a simple query.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var result int

	err := p.pool.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("health check query: %w", err)
	}

	return nil
}

// ConnString returns the connection string used to create the pool.
func (p *Pool) ConnString() string {
	return p.pool.Config().ConnString()
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Listener holds one pooled connection subscribed to a NOTIFY channel.
type Listener struct {
	conn    *pgxpool.Conn
	channel string
}

// Listen acquires a dedicated connection and issues LISTEN on channel. The
// connection stays out of the pool until Release.
func (p *Pool) Listen(ctx context.Context, channel string) (*Listener, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	// LISTEN takes the channel name inline, so quote it.
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("executing LISTEN %s: %w", channel, err)
	}

	return &Listener{conn: conn, channel: channel}, nil
}

// Wait blocks until a notification arrives, ctx ends, or poll elapses. A
// poll timeout returns (nil, nil) so callers can re-check their own state.
func (l *Listener) Wait(ctx context.Context, poll time.Duration) (*pgconn.Notification, error) {
	if err := l.conn.Conn().PgConn().Conn().SetReadDeadline(time.Now().Add(poll)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
			return nil, nil
		}

		return nil, fmt.Errorf("waiting for notification on %s: %w", l.channel, err)
	}

	return n, nil
}

// Release returns the connection to the pool. Connections that were
// LISTENing are closed rather than reused.
func (l *Listener) Release() {
	conn := l.conn.Hijack()
	conn.Close(context.Background()) //nolint:errcheck // connection is discarded either way.
}

// Package mysql provides the MySQL backed db.Engine and its plugin factory.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"
	"github.com/zeebo/xxh3"

	"github.com/lcx/worldcore/db"
	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

var (
	// sqlOpenFn wraps sql.Open so tests can replace it with a stub implementation.
	sqlOpenFn = sql.Open
	// mysqlDriverName stores the sql driver identifier; tests may override this value.
	mysqlDriverName = "mysql"
)

const (
	defaultMaxConns        = 4
	defaultStmtCacheSize   = 256
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 5 * time.Second
)

// Config contains the connection settings of one engine.
type Config struct {
	Tag         string `mapstructure:"tag"`
	DataSource  string `mapstructure:"datasource"`
	MaxConns    int32  `mapstructure:"maxconns"`
	IdleConns   int    `mapstructure:"idleconns"`
	MaxLifeTime uint32 `mapstructure:"maxlifetime"`
	// StmtCacheSize bounds the prepared statements kept per connection.
	StmtCacheSize int `mapstructure:"stmtcachesize"`
	// BreakerFailures consecutive connection failures open the breaker.
	BreakerFailures uint32 `mapstructure:"breakerfailures"`
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration `mapstructure:"breakertimeout"`
}

func (c *Config) setDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.StmtCacheSize <= 0 {
		c.StmtCacheSize = defaultStmtCacheSize
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = defaultBreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
}

// safeSource describes the data source without its credentials.
func (c *Config) safeSource() string {
	dsn, err := mysqldrv.ParseDSN(c.DataSource)
	if err != nil {
		return "invalid dsn"
	}
	return dsn.Net + "(" + dsn.Addr + ")/" + dsn.DBName
}

type cachedStmt struct {
	query string
	stmt  *sql.Stmt
}

// conn is one dedicated connection and the statements prepared on it.
type conn struct {
	c       *sql.Conn
	stmts   map[uint64]cachedStmt
	maxStmt int
}

func (c *conn) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	key := xxh3.HashString(query)
	if cached, ok := c.stmts[key]; ok && cached.query == query {
		return cached.stmt, nil
	}

	stmt, err := c.c.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	if old, ok := c.stmts[key]; ok {
		_ = old.stmt.Close()
	} else if len(c.stmts) >= c.maxStmt {
		c.closeStmts()
	}
	c.stmts[key] = cachedStmt{query: query, stmt: stmt}
	return stmt, nil
}

func (c *conn) closeStmts() {
	for key, cached := range c.stmts {
		_ = cached.stmt.Close()
		delete(c.stmts, key)
	}
}

func (c *conn) close() error {
	c.closeStmts()
	return c.c.Close()
}

// Engine runs statements on a MySQL server. Calls lease a connection from a
// fixed size pool, reuse the statements already prepared on it and go
// through a circuit breaker that opens after repeated connection failures.
type Engine struct {
	cfg     Config
	db      *sql.DB
	conns   *puddle.Pool[*conn]
	breaker *gobreaker.CircuitBreaker[any]
}

var _ db.Engine = (*Engine)(nil)

// Open connects to the configured server.
func Open(cfg *Config) (*Engine, error) {
	c := *cfg
	c.setDefaults()

	sqlDB, err := sqlOpenFn(mysqlDriverName, c.DataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql, source: %s, err: %w", c.safeSource(), err)
	}
	sqlDB.SetMaxOpenConns(int(c.MaxConns))
	sqlDB.SetMaxIdleConns(c.IdleConns)
	sqlDB.SetConnMaxLifetime(time.Second * time.Duration(c.MaxLifeTime))

	if err = sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping mysql, source: %s, err: %w", c.safeSource(), err)
	}

	e := &Engine{cfg: c, db: sqlDB}
	e.conns, err = puddle.NewPool(&puddle.Config[*conn]{
		Constructor: func(ctx context.Context) (*conn, error) {
			sc, err := sqlDB.Conn(ctx)
			if err != nil {
				return nil, err
			}
			return &conn{c: sc, stmts: make(map[uint64]cachedStmt), maxStmt: c.StmtCacheSize}, nil
		},
		Destructor: func(cn *conn) {
			_ = cn.close()
		},
		MaxSize: c.MaxConns,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	e.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "mysql/" + c.Tag,
		MaxRequests: 1,
		Timeout:     c.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isConnError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Category("sql").Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("mysql circuit breaker state changed")
			metrics.UpdateGaugeWithDimGroup("db", "breaker_open", boolValue(to == gobreaker.StateOpen),
				metrics.Dimension{"engine": c.Tag})
		},
	})

	log.Category("sql").Info().Str("tag", c.Tag).Str("source", c.safeSource()).Msg("mysql engine opened")
	return e, nil
}

func boolValue(b bool) metrics.Value {
	if b {
		return 1
	}
	return 0
}

// isConnError reports failures of the connection rather than of the
// statement; only those count against the breaker.
func isConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysqldrv.ErrInvalidConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// FactoryName returns the plugin factory identifier.
func (e *Engine) FactoryName() string {
	return "mysql"
}

// Tag returns the configured instance name.
func (e *Engine) Tag() string {
	return e.cfg.Tag
}

func (e *Engine) withConn(ctx context.Context, fn func(*conn) error) error {
	_, err := e.breaker.Execute(func() (any, error) {
		res, err := e.conns.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		err = fn(res.Value())
		if err != nil && isConnError(err) {
			res.Destroy()
		} else {
			res.Release()
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("mysql %s unavailable: %w", e.cfg.Tag, err)
	}
	return err
}

// Query runs a row returning statement and buffers every row.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*db.SQLResult, error) {
	var result *db.SQLResult
	err := e.withConn(ctx, func(c *conn) error {
		stmt, err := c.prepare(ctx, query)
		if err != nil {
			return fmt.Errorf("mysql prepare: %w", err)
		}
		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("mysql query: %w", err)
		}
		defer rows.Close()

		result, err = scanRows(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanRows(rows *sql.Rows) (*db.SQLResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("result columns: %w", err)
	}

	var data [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("result scan: %w", err)
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result rows: %w", err)
	}
	return db.NewSQLResult(cols, data), nil
}

// Exec runs a statement and returns the affected rows.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := e.withConn(ctx, func(c *conn) error {
		stmt, err := c.prepare(ctx, query)
		if err != nil {
			return fmt.Errorf("mysql prepare: %w", err)
		}
		r, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("mysql exec: %w", err)
		}
		affected, err = r.RowsAffected()
		if err != nil {
			return fmt.Errorf("mysql row affect: %w", err)
		}
		return nil
	})
	return affected, err
}

// ExecTx runs stmts in one transaction.
func (e *Engine) ExecTx(ctx context.Context, stmts []db.Statement) error {
	return e.withConn(ctx, func(c *conn) error {
		tx, err := c.c.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("mysql begin: %w", err)
		}
		for i, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.Query, s.Args...); err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					log.Category("sql").Error().Err(rbErr).Msg("mysql rollback failed")
				}
				return fmt.Errorf("mysql tx statement %d: %w", i, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("mysql commit: %w", err)
		}
		return nil
	})
}

// InUse returns the number of leased connections.
func (e *Engine) InUse() int32 {
	return e.conns.Stat().AcquiredResources()
}

// apply changes the settings that do not need a new connection pool.
func (e *Engine) apply(cfg *Config) error {
	if cfg.DataSource != e.cfg.DataSource || (cfg.MaxConns > 0 && cfg.MaxConns != e.cfg.MaxConns) {
		return errors.New("datasource or pool size changed")
	}
	e.db.SetMaxIdleConns(cfg.IdleConns)
	e.db.SetConnMaxLifetime(time.Second * time.Duration(cfg.MaxLifeTime))
	e.cfg.IdleConns = cfg.IdleConns
	e.cfg.MaxLifeTime = cfg.MaxLifeTime
	return nil
}

// Close releases every connection.
func (e *Engine) Close() error {
	e.conns.Close()
	return e.db.Close()
}

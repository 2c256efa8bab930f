// Package db implements the asynchronous database access layer of the world
// server: prepared statements executed by one worker goroutine per pool,
// futures for their results and callback chains that deliver those results
// on the goroutine that polls them.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueShutdown completes operations that were dropped because their
	// pool was closed before a worker picked them up.
	ErrQueueShutdown = errors.New("db: queue shut down")
	// ErrUnknownStatement is returned for a statement id that was never prepared.
	ErrUnknownStatement = errors.New("db: unknown prepared statement")
	// ErrNoRows is returned by helpers that require at least one row.
	ErrNoRows = errors.New("db: no rows")
)

// Statement is one SQL text with its bound arguments.
type Statement struct {
	Query string
	Args  []any
}

// Engine executes SQL against a backend. Implementations must be safe for
// concurrent use, the synchronous pool paths call them from any goroutine.
type Engine interface {
	// Query runs a row returning statement and buffers all rows.
	Query(ctx context.Context, query string, args ...any) (*SQLResult, error)
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// ExecTx runs all statements in one transaction, rolling back on the
	// first failure.
	ExecTx(ctx context.Context, stmts []Statement) error
	Close() error
}

// DatabaseConfigName is the configuration file of the database pools.
const DatabaseConfigName = "database"

// PoolCfg configures one worker pool.
type PoolCfg struct {
	// Engine is the tag of the db/mysql plugin instance the pool runs on.
	Engine string `mapstructure:"engine"`
	// QueryTimeout bounds every operation executed by the worker.
	QueryTimeout time.Duration `mapstructure:"queryTimeout"`
	// QueueWarnSize logs a warning whenever the queue grows past it. 0 disables.
	QueueWarnSize int `mapstructure:"queueWarnSize"`
}

// DatabaseCfg lists the pools of the process by name ("login", "world", ...).
type DatabaseCfg struct {
	Pools map[string]PoolCfg `mapstructure:"pools"`
}

func (c *DatabaseCfg) GetName() string {
	return DatabaseConfigName
}

func (c *DatabaseCfg) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("no database pool configured")
	}
	for name, p := range c.Pools {
		if p.QueryTimeout < 0 {
			return fmt.Errorf("pool %s: queryTimeout must not be negative", name)
		}
		if p.QueueWarnSize < 0 {
			return fmt.Errorf("pool %s: queueWarnSize must not be negative", name)
		}
	}
	return nil
}

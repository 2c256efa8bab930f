package db

import (
	"context"
	"sync"
	"time"

	"github.com/lcx/worldcore/internal/invariant"
	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithQueryTimeout bounds every operation run by the pool.
func WithQueryTimeout(d time.Duration) PoolOption {
	return func(p *WorkerPool) {
		p.timeout = d
	}
}

// WithQueueWarnSize logs a warning when more than n operations are queued.
func WithQueueWarnSize(n int) PoolOption {
	return func(p *WorkerPool) {
		p.warnSize = n
	}
}

// WithStatementRegistry shares a registry between pools of the same schema.
func WithStatementRegistry(reg *StatementRegistry) PoolOption {
	return func(p *WorkerPool) {
		if reg != nil {
			p.registry = reg
		}
	}
}

// WithPoolCfg applies a configured pool.
func WithPoolCfg(cfg PoolCfg) PoolOption {
	return func(p *WorkerPool) {
		p.timeout = cfg.QueryTimeout
		p.warnSize = cfg.QueueWarnSize
	}
}

// WorkerPool is one logical database ("login", "world", ...). Asynchronous
// operations are executed by a single worker in submission order;
// synchronous ones go to the engine directly from the calling goroutine.
type WorkerPool struct {
	name     string
	engine   Engine
	registry *StatementRegistry
	queue    *ProducerConsumerQueue[operation]
	worker   *Worker
	timeout  time.Duration
	warnSize int

	closeOnce sync.Once
}

// NewWorkerPool starts the worker of a pool. The pool does not own engine.
func NewWorkerPool(name string, engine Engine, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		name:     name,
		engine:   engine,
		registry: NewStatementRegistry(),
		queue:    NewProducerConsumerQueue[operation](),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.worker = newWorker(name, p.queue, engine, p.timeout)
	p.worker.start()

	log.Category("sql").Info().Str("pool", name).Msg("database worker started")
	return p
}

func (p *WorkerPool) Name() string {
	return p.name
}

// PrepareStatement registers the SQL of id.
func (p *WorkerPool) PrepareStatement(id StatementID, sql string) {
	p.registry.Register(id, sql)
}

// GetPreparedStatement returns a new statement of id ready for arguments.
func (p *WorkerPool) GetPreparedStatement(id StatementID) *PreparedStatement {
	return NewPreparedStatement(id)
}

func (p *WorkerPool) syncContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return ctx, func() {}
}

// Query runs stmt synchronously.
func (p *WorkerPool) Query(ctx context.Context, stmt *PreparedStatement) (*SQLResult, error) {
	resolved, err := p.registry.Resolve(stmt)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.syncContext(ctx)
	defer cancel()
	return p.engine.Query(ctx, resolved.Query, resolved.Args...)
}

// DirectExecute runs stmt synchronously and returns the affected rows.
func (p *WorkerPool) DirectExecute(ctx context.Context, stmt *PreparedStatement) (int64, error) {
	resolved, err := p.registry.Resolve(stmt)
	if err != nil {
		return 0, err
	}
	ctx, cancel := p.syncContext(ctx)
	defer cancel()
	return p.engine.Exec(ctx, resolved.Query, resolved.Args...)
}

// AsyncQuery queues stmt and returns the callback chain over its result.
// Failures, including an unknown statement, are delivered as a result whose
// Err is set.
func (p *WorkerPool) AsyncQuery(stmt *PreparedStatement) *QueryCallback {
	result := NewFuture[*SQLResult]()
	resolved, err := p.registry.Resolve(stmt)
	if err != nil {
		log.Category("sql").Error().Str("pool", p.name).Err(err).Msg("async query rejected")
		result.Complete(NewErrorResult(err))
		return NewQueryCallback(result)
	}
	p.enqueue(&queryOp{stmt: resolved, result: result})
	return NewQueryCallback(result)
}

// Execute queues stmt without waiting for it. Errors are logged.
func (p *WorkerPool) Execute(stmt *PreparedStatement) {
	resolved, err := p.registry.Resolve(stmt)
	if err != nil {
		log.Category("sql").Error().Str("pool", p.name).Err(err).Msg("execute rejected")
		return
	}
	p.enqueue(&execOp{stmt: resolved})
}

// BeginTransaction returns an empty transaction.
func (p *WorkerPool) BeginTransaction() *SQLTransaction {
	return &SQLTransaction{}
}

// CommitTransaction queues tx for atomic execution.
func (p *WorkerPool) CommitTransaction(tx *SQLTransaction) *TransactionCallback {
	result := NewFuture[error]()
	stmts, err := tx.resolve(p.registry)
	if err != nil {
		result.Complete(err)
		return NewTransactionCallback(result)
	}
	p.enqueue(&transactionOp{stmts: stmts, result: result})
	return NewTransactionCallback(result)
}

// DelayQueryHolder queues every query of holder.
func (p *WorkerPool) DelayQueryHolder(holder *SQLQueryHolder) *QueryHolderCallback {
	holder.resolve(p.registry)
	result := NewFuture[*SQLQueryHolder]()
	p.enqueue(&holderOp{holder: holder, result: result})
	return NewQueryHolderCallback(result)
}

// QueueSize returns the number of operations waiting for the worker.
func (p *WorkerPool) QueueSize() int {
	return p.queue.Len()
}

func (p *WorkerPool) enqueue(op operation) {
	if !p.queue.Push(op) {
		invariant.Check(false, "%s submitted to closed pool %s", op.kind(), p.name)
		op.drop(ErrQueueShutdown)
		return
	}

	n := p.queue.Len()
	metrics.UpdateGaugeWithDimGroup(metricsGroup, "queue_depth", metrics.Value(n), metrics.Dimension{"pool": p.name})
	if p.warnSize > 0 && n > p.warnSize {
		log.Category("sql").Warn().Str("pool", p.name).Int("queued", n).Msg("database queue is backing up")
	}
}

// Close stops the worker. Operations still queued are completed with
// ErrQueueShutdown; the one in progress finishes first. The engine is left
// open for its owner.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		dropped := p.queue.Cancel()
		for _, op := range dropped {
			op.drop(ErrQueueShutdown)
		}
		<-p.worker.Done()
		metrics.UpdateGaugeWithDimGroup(metricsGroup, "queue_depth", 0, metrics.Dimension{"pool": p.name})
		log.Category("sql").Info().Str("pool", p.name).Int("dropped", len(dropped)).Msg("database worker stopped")
	})
}

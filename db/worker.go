package db

import (
	"context"
	"time"

	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

const metricsGroup = "db"

// Worker executes the operations of one pool, one at a time, in the order
// they were queued.
type Worker struct {
	pool    string
	queue   *ProducerConsumerQueue[operation]
	engine  Engine
	timeout time.Duration
	done    chan struct{}
}

func newWorker(pool string, queue *ProducerConsumerQueue[operation], engine Engine, timeout time.Duration) *Worker {
	return &Worker{
		pool:    pool,
		queue:   queue,
		engine:  engine,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func (w *Worker) start() {
	go w.run()
}

// run exits as soon as the queue is cancelled. The operation in progress,
// if any, finishes first; queued ones are left to the canceller.
func (w *Worker) run() {
	defer close(w.done)
	for {
		op, ok := w.queue.WaitAndPop()
		if !ok {
			return
		}
		w.execute(op)
	}
}

func (w *Worker) execute(op operation) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	dim := metrics.Dimension{"pool": w.pool, "op": op.kind()}
	start := time.Now()
	err := op.execute(ctx, w.engine)
	metrics.ObserveWithDimGroup(metricsGroup, "op_seconds", metrics.Value(time.Since(start).Seconds()), dim)
	metrics.UpdateGaugeWithDimGroup(metricsGroup, "queue_depth", metrics.Value(w.queue.Len()), metrics.Dimension{"pool": w.pool})

	if err != nil {
		metrics.IncrCounterWithDimGroup(metricsGroup, "op_failures", 1, dim)
		log.Category("sql").Error().Str("pool", w.pool).Str("op", op.kind()).Err(err).Msg("database operation failed")
	}
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

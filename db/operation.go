package db

import (
	"context"
)

// operation is one unit of work queued to a worker.
type operation interface {
	kind() string
	execute(ctx context.Context, engine Engine) error
	// drop resolves the futures of an operation that will never run.
	drop(err error)
}

type queryOp struct {
	stmt   Statement
	result *PendingResult
}

func (o *queryOp) kind() string { return "query" }

func (o *queryOp) execute(ctx context.Context, engine Engine) error {
	res, err := engine.Query(ctx, o.stmt.Query, o.stmt.Args...)
	if err != nil {
		o.result.Complete(NewErrorResult(err))
		return err
	}
	o.result.Complete(res)
	return nil
}

func (o *queryOp) drop(err error) {
	o.result.Complete(NewErrorResult(err))
}

type execOp struct {
	stmt Statement
}

func (o *execOp) kind() string { return "exec" }

func (o *execOp) execute(ctx context.Context, engine Engine) error {
	_, err := engine.Exec(ctx, o.stmt.Query, o.stmt.Args...)
	return err
}

func (o *execOp) drop(error) {}

type transactionOp struct {
	stmts  []Statement
	result *Future[error]
}

func (o *transactionOp) kind() string { return "transaction" }

func (o *transactionOp) execute(ctx context.Context, engine Engine) error {
	err := engine.ExecTx(ctx, o.stmts)
	o.result.Complete(err)
	return err
}

func (o *transactionOp) drop(err error) {
	o.result.Complete(err)
}

type holderOp struct {
	holder *SQLQueryHolder
	result *Future[*SQLQueryHolder]
}

func (o *holderOp) kind() string { return "holder" }

// execute runs every query of the holder. A failed query stores an error
// result in its slot and does not stop the others.
func (o *holderOp) execute(ctx context.Context, engine Engine) error {
	var first error
	for i, stmt := range o.holder.stmts {
		if o.holder.results[i] != nil {
			continue
		}
		res, err := engine.Query(ctx, stmt.Query, stmt.Args...)
		if err != nil {
			res = NewErrorResult(err)
			if first == nil {
				first = err
			}
		}
		o.holder.results[i] = res
	}
	o.result.Complete(o.holder)
	return first
}

func (o *holderOp) drop(err error) {
	for i := range o.holder.results {
		if o.holder.results[i] == nil {
			o.holder.results[i] = NewErrorResult(err)
		}
	}
	o.result.Complete(o.holder)
}

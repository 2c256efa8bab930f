package db

import (
	"fmt"

	"github.com/lcx/worldcore/log"
)

// SQLTransaction collects statements committed atomically by the worker.
type SQLTransaction struct {
	queries []*PreparedStatement
	raw     []Statement
	order   []bool // true for prepared entries
}

// Append adds a prepared statement.
func (t *SQLTransaction) Append(stmt *PreparedStatement) *SQLTransaction {
	t.queries = append(t.queries, stmt)
	t.order = append(t.order, true)
	return t
}

// AppendRaw adds an ad hoc statement.
func (t *SQLTransaction) AppendRaw(query string, args ...any) *SQLTransaction {
	t.raw = append(t.raw, Statement{Query: query, Args: args})
	t.order = append(t.order, false)
	return t
}

// Len returns the number of statements.
func (t *SQLTransaction) Len() int {
	return len(t.order)
}

func (t *SQLTransaction) resolve(reg *StatementRegistry) ([]Statement, error) {
	stmts := make([]Statement, 0, len(t.order))
	var qi, ri int
	for _, prepared := range t.order {
		if !prepared {
			stmts = append(stmts, t.raw[ri])
			ri++
			continue
		}
		stmt, err := reg.Resolve(t.queries[qi])
		if err != nil {
			return nil, fmt.Errorf("transaction statement %d: %w", len(stmts), err)
		}
		stmts = append(stmts, stmt)
		qi++
	}
	return stmts, nil
}

// TransactionCallback delivers the outcome of a committed transaction.
type TransactionCallback struct {
	result   *Future[error]
	callback func(error)
}

func NewTransactionCallback(result *Future[error]) *TransactionCallback {
	return &TransactionCallback{result: result}
}

// AfterComplete sets the function run with the commit error, nil on success.
func (c *TransactionCallback) AfterComplete(fn func(error)) *TransactionCallback {
	c.callback = fn
	return c
}

func (c *TransactionCallback) InvokeIfReady() bool {
	if !c.result.IsCompleted() {
		return false
	}
	if c.callback != nil {
		fn := c.callback
		c.callback = nil
		runGuarded("transaction callback", func() { fn(c.result.Result()) })
	}
	return true
}

func runGuarded(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Category("sql").Error().Str("callback", what).Any("panic", r).Msg("callback panicked")
		}
	}()
	fn()
}

package db

import "fmt"

// SQLQueryHolder is a batch of queries executed by the worker in one go.
// Its results become available together.
type SQLQueryHolder struct {
	queries []*PreparedStatement
	stmts   []Statement
	results []*SQLResult
}

func NewSQLQueryHolder(size int) *SQLQueryHolder {
	h := &SQLQueryHolder{}
	h.SetSize(size)
	return h
}

// SetSize resizes the batch, keeping already set queries.
func (h *SQLQueryHolder) SetSize(size int) {
	if size < 0 {
		size = 0
	}
	queries := make([]*PreparedStatement, size)
	copy(queries, h.queries)
	h.queries = queries
}

// Size returns the number of slots.
func (h *SQLQueryHolder) Size() int {
	return len(h.queries)
}

// SetPreparedQuery sets the query of slot index.
func (h *SQLQueryHolder) SetPreparedQuery(index int, stmt *PreparedStatement) bool {
	if index < 0 || index >= len(h.queries) {
		return false
	}
	h.queries[index] = stmt
	return true
}

// GetPreparedResult returns the result of slot index once the holder
// completed, nil otherwise.
func (h *SQLQueryHolder) GetPreparedResult(index int) *SQLResult {
	if index < 0 || index >= len(h.results) {
		return nil
	}
	return h.results[index]
}

// resolve binds the SQL of every slot. Empty slots and unknown statements
// get an error result and are skipped by the worker.
func (h *SQLQueryHolder) resolve(reg *StatementRegistry) {
	h.stmts = make([]Statement, len(h.queries))
	h.results = make([]*SQLResult, len(h.queries))
	for i, q := range h.queries {
		if q == nil {
			h.results[i] = NewErrorResult(fmt.Errorf("holder slot %d: no query", i))
			continue
		}
		stmt, err := reg.Resolve(q)
		if err != nil {
			h.results[i] = NewErrorResult(err)
			continue
		}
		h.stmts[i] = stmt
	}
}

// QueryHolderCallback delivers a completed holder to a callback.
type QueryHolderCallback struct {
	result   *Future[*SQLQueryHolder]
	callback func(*SQLQueryHolder)
}

func NewQueryHolderCallback(result *Future[*SQLQueryHolder]) *QueryHolderCallback {
	return &QueryHolderCallback{result: result}
}

// AfterComplete sets the function run with the completed holder.
func (c *QueryHolderCallback) AfterComplete(fn func(*SQLQueryHolder)) *QueryHolderCallback {
	c.callback = fn
	return c
}

func (c *QueryHolderCallback) InvokeIfReady() bool {
	if !c.result.IsCompleted() {
		return false
	}
	if c.callback != nil {
		fn := c.callback
		c.callback = nil
		runGuarded("query holder callback", func() { fn(c.result.Result()) })
	}
	return true
}

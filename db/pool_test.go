package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stmtSelAccount StatementID = iota + 1
	stmtUpdLastIP
	stmtSelBan
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	// gate, when set, holds every call until it is closed.
	gate    chan struct{}
	entered chan struct{}

	queryErr error
	execErr  error
	txErr    error
	txSeen   [][]Statement
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{entered: make(chan struct{}, 64)}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()

	e.entered <- struct{}{}
	if e.gate != nil {
		<-e.gate
	}
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Query(_ context.Context, query string, args ...any) (*SQLResult, error) {
	e.record(query)
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return NewSQLResult([]string{"q", "arg"}, [][]any{{query, args}}), nil
}

func (e *fakeEngine) Exec(_ context.Context, query string, _ ...any) (int64, error) {
	e.record(query)
	return 1, e.execErr
}

func (e *fakeEngine) ExecTx(_ context.Context, stmts []Statement) error {
	e.record("tx")
	e.mu.Lock()
	e.txSeen = append(e.txSeen, stmts)
	e.mu.Unlock()
	return e.txErr
}

func (e *fakeEngine) Close() error { return nil }

func newTestPool(t *testing.T, engine Engine) *WorkerPool {
	t.Helper()
	p := NewWorkerPool("login", engine, WithQueryTimeout(time.Second))
	p.PrepareStatement(stmtSelAccount, "SELECT id FROM account WHERE username = ?")
	p.PrepareStatement(stmtUpdLastIP, "UPDATE account SET last_ip = ? WHERE id = ?")
	p.PrepareStatement(stmtSelBan, "SELECT 1 FROM ip_banned WHERE ip = ?")
	t.Cleanup(p.Close)
	return p
}

func waitCallback(t *testing.T, inv Invoker) {
	t.Helper()
	require.Eventually(t, inv.InvokeIfReady, time.Second, time.Millisecond)
}

func TestWorkerPool_AsyncQuery(t *testing.T) {
	p := newTestPool(t, newFakeEngine())

	stmt := p.GetPreparedStatement(stmtSelAccount).AddValue("alice")
	var got *SQLResult
	cb := p.AsyncQuery(stmt).WithCallback(func(r *SQLResult) { got = r })
	waitCallback(t, cb)

	require.NotNil(t, got)
	require.NoError(t, got.Err())
	assert.Equal(t, "SELECT id FROM account WHERE username = ?", got.Read(0).String())
	assert.Equal(t, []any{"alice"}, got.Read(1).Raw())
}

func TestWorkerPool_ExecutesInSubmissionOrder(t *testing.T) {
	engine := newFakeEngine()
	p := newTestPool(t, engine)

	p.Execute(p.GetPreparedStatement(stmtUpdLastIP).AddValue("1.1.1.1").AddValue(1))
	cb := p.AsyncQuery(p.GetPreparedStatement(stmtSelAccount).AddValue("a"))
	p.Execute(p.GetPreparedStatement(stmtSelBan).AddValue("1.1.1.1"))
	tx := p.BeginTransaction().AppendRaw("DELETE FROM realmcharacters WHERE acctid = ?", 1)
	txcb := p.CommitTransaction(tx)

	waitCallback(t, cb)
	waitCallback(t, txcb)
	require.Eventually(t, func() bool { return len(engine.Calls()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{
		"UPDATE account SET last_ip = ? WHERE id = ?",
		"SELECT id FROM account WHERE username = ?",
		"SELECT 1 FROM ip_banned WHERE ip = ?",
		"tx",
	}, engine.Calls())
}

func TestWorkerPool_QueryErrorIsDelivered(t *testing.T) {
	engine := newFakeEngine()
	engine.queryErr = errors.New("table missing")
	p := newTestPool(t, engine)

	var got error
	cb := p.AsyncQuery(p.GetPreparedStatement(stmtSelAccount)).WithCallback(func(r *SQLResult) {
		got = r.Err()
		assert.True(t, r.IsEmpty())
	})
	waitCallback(t, cb)
	assert.EqualError(t, got, "table missing")
}

func TestWorkerPool_UnknownStatement(t *testing.T) {
	engine := newFakeEngine()
	p := newTestPool(t, engine)

	cb := p.AsyncQuery(p.GetPreparedStatement(99))
	require.True(t, cb.Pending().IsCompleted())
	assert.ErrorIs(t, cb.Pending().Result().Err(), ErrUnknownStatement)

	_, err := p.Query(context.Background(), p.GetPreparedStatement(99))
	assert.ErrorIs(t, err, ErrUnknownStatement)

	p.Execute(p.GetPreparedStatement(99))
	assert.Empty(t, engine.Calls())
}

func TestWorkerPool_SyncPaths(t *testing.T) {
	engine := newFakeEngine()
	p := newTestPool(t, engine)

	res, err := p.Query(context.Background(), p.GetPreparedStatement(stmtSelAccount).AddValue("bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.GetRowCount())

	n, err := p.DirectExecute(context.Background(), p.GetPreparedStatement(stmtUpdLastIP).AddValue("ip").AddValue(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWorkerPool_Transaction(t *testing.T) {
	engine := newFakeEngine()
	p := newTestPool(t, engine)

	tx := p.BeginTransaction().
		Append(p.GetPreparedStatement(stmtUpdLastIP).AddValue("ip").AddValue(3)).
		AppendRaw("DELETE FROM account_banned WHERE id = ?", 3)
	require.Equal(t, 2, tx.Len())

	var commitErr = errors.New("not called")
	cb := p.CommitTransaction(tx).AfterComplete(func(err error) { commitErr = err })
	waitCallback(t, cb)
	assert.NoError(t, commitErr)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.txSeen, 1)
	assert.Equal(t, "UPDATE account SET last_ip = ? WHERE id = ?", engine.txSeen[0][0].Query)
	assert.Equal(t, []any{"ip", 3}, engine.txSeen[0][0].Args)
	assert.Equal(t, "DELETE FROM account_banned WHERE id = ?", engine.txSeen[0][1].Query)
}

func TestWorkerPool_TransactionUnknownStatement(t *testing.T) {
	p := newTestPool(t, newFakeEngine())
	cb := p.CommitTransaction(p.BeginTransaction().Append(p.GetPreparedStatement(42)))

	var got error
	cb.AfterComplete(func(err error) { got = err })
	require.True(t, cb.InvokeIfReady())
	assert.ErrorIs(t, got, ErrUnknownStatement)
}

func TestWorkerPool_QueryHolder(t *testing.T) {
	p := newTestPool(t, newFakeEngine())

	h := NewSQLQueryHolder(3)
	require.True(t, h.SetPreparedQuery(0, p.GetPreparedStatement(stmtSelAccount).AddValue("a")))
	require.True(t, h.SetPreparedQuery(2, p.GetPreparedStatement(stmtSelBan).AddValue("ip")))
	require.False(t, h.SetPreparedQuery(3, p.GetPreparedStatement(stmtSelBan)))

	var done *SQLQueryHolder
	cb := p.DelayQueryHolder(h).AfterComplete(func(h *SQLQueryHolder) { done = h })
	waitCallback(t, cb)

	require.Same(t, h, done)
	assert.Equal(t, "SELECT id FROM account WHERE username = ?", h.GetPreparedResult(0).Read(0).String())
	assert.Error(t, h.GetPreparedResult(1).Err(), "empty slot")
	assert.Equal(t, "SELECT 1 FROM ip_banned WHERE ip = ?", h.GetPreparedResult(2).Read(0).String())
	assert.Nil(t, h.GetPreparedResult(3))
}

func TestWorkerPool_CloseDropsQueuedOperations(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	p := NewWorkerPool("world", engine)
	p.PrepareStatement(stmtSelAccount, "SELECT 1")

	inFlight := p.AsyncQuery(p.GetPreparedStatement(stmtSelAccount))
	<-engine.entered

	queued := p.AsyncQuery(p.GetPreparedStatement(stmtSelAccount))
	txcb := p.CommitTransaction(p.BeginTransaction().AppendRaw("UPDATE x SET y = 1"))
	holdercb := p.DelayQueryHolder(NewSQLQueryHolder(1))
	assert.Equal(t, 3, p.QueueSize())

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	require.Eventually(t, queued.Pending().IsCompleted, time.Second, time.Millisecond)
	assert.ErrorIs(t, queued.Pending().Result().Err(), ErrQueueShutdown)

	var txErr error
	txcb.AfterComplete(func(err error) { txErr = err })
	require.True(t, txcb.InvokeIfReady())
	assert.ErrorIs(t, txErr, ErrQueueShutdown)
	require.True(t, holdercb.InvokeIfReady())

	select {
	case <-closed:
		t.Fatal("Close returned before the operation in progress finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(engine.gate)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	require.True(t, inFlight.Pending().IsCompleted())
	assert.NoError(t, inFlight.Pending().Result().Err())
	assert.Len(t, engine.Calls(), 1)
}

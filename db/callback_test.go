package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowResult(v any) *SQLResult {
	return NewSQLResult([]string{"v"}, [][]any{{v}})
}

func TestQueryCallback_WaitsForResult(t *testing.T) {
	pending := NewFuture[*SQLResult]()
	var got *SQLResult
	cb := NewQueryCallback(pending).WithCallback(func(r *SQLResult) { got = r })

	assert.False(t, cb.InvokeIfReady())
	assert.False(t, cb.InvokeIfReady())
	assert.Nil(t, got)

	res := rowResult(int64(1))
	pending.Complete(res)
	assert.True(t, cb.InvokeIfReady())
	assert.Same(t, res, got)
}

func TestQueryCallback_ChainFiresInRegistrationOrder(t *testing.T) {
	const stages = 5
	futures := make([]*PendingResult, stages)
	for i := range futures {
		futures[i] = NewFuture[*SQLResult]()
	}

	var fired []int
	cb := NewQueryCallback(futures[0])
	for i := 0; i < stages; i++ {
		stage := i
		cb.WithChainingCallback(func(c *QueryCallback, r *SQLResult) {
			fired = append(fired, stage)
			assert.Equal(t, int64(stage), r.Read(0).Int64())
			if stage+1 < stages {
				c.SetNextQuery(NewQueryCallback(futures[stage+1]))
			}
		})
	}

	// Later stages complete first; they must still wait for their turn.
	for i := stages - 1; i >= 1; i-- {
		futures[i].Complete(rowResult(int64(i)))
	}
	require.Empty(t, fired)
	assert.False(t, cb.InvokeIfReady())

	futures[0].Complete(rowResult(int64(0)))
	assert.True(t, cb.InvokeIfReady(), "already completed successors run in the same call")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, fired)
}

func TestQueryCallback_StageCompletingOnLaterTick(t *testing.T) {
	first := NewFuture[*SQLResult]()
	second := NewFuture[*SQLResult]()

	var fired []string
	cb := NewQueryCallback(first).
		WithChainingCallback(func(c *QueryCallback, _ *SQLResult) {
			fired = append(fired, "account")
			c.SetNextQuery(NewQueryCallback(second))
		}).
		WithCallback(func(*SQLResult) {
			fired = append(fired, "bans")
		})

	first.Complete(rowResult(int64(1)))
	assert.False(t, cb.InvokeIfReady())
	assert.Equal(t, []string{"account"}, fired)

	assert.False(t, cb.InvokeIfReady())

	second.Complete(rowResult(int64(2)))
	assert.True(t, cb.InvokeIfReady())
	assert.Equal(t, []string{"account", "bans"}, fired)
}

func TestQueryCallback_ChainEndsWithoutSuccessor(t *testing.T) {
	var fired int
	cb := NewQueryCallback(CompletedFuture(rowResult(int64(1)))).
		WithChainingCallback(func(*QueryCallback, *SQLResult) { fired++ }).
		WithCallback(func(*SQLResult) { fired++ })

	assert.True(t, cb.InvokeIfReady())
	assert.Equal(t, 1, fired, "stages after a stage without successor are dropped")
	assert.True(t, cb.InvokeIfReady())
	assert.Equal(t, 1, fired)
}

func TestQueryCallback_SetNextQueryAppendsCallbacks(t *testing.T) {
	var fired []string
	next := NewQueryCallback(CompletedFuture(rowResult(int64(2)))).
		WithCallback(func(*SQLResult) { fired = append(fired, "next") })

	cb := NewQueryCallback(CompletedFuture(rowResult(int64(1)))).
		WithChainingCallback(func(c *QueryCallback, _ *SQLResult) {
			fired = append(fired, "first")
			c.SetNextQuery(next)
		})

	assert.True(t, cb.InvokeIfReady())
	assert.Equal(t, []string{"first", "next"}, fired)
	assert.Nil(t, next.Pending())
}

func TestQueryCallback_PanicEndsChain(t *testing.T) {
	var after bool
	cb := NewQueryCallback(CompletedFuture(rowResult(int64(1)))).
		WithChainingCallback(func(c *QueryCallback, _ *SQLResult) {
			c.SetNextQuery(NewQueryCallback(CompletedFuture(rowResult(int64(2)))))
			panic("boom")
		}).
		WithCallback(func(*SQLResult) { after = true })

	assert.NotPanics(t, func() {
		assert.True(t, cb.InvokeIfReady())
	})
	assert.False(t, after)
}

func TestQueryCallback_ErrorResultReachesCallback(t *testing.T) {
	var got error
	cb := NewQueryCallback(CompletedFuture(NewErrorResult(ErrQueueShutdown))).
		WithCallback(func(r *SQLResult) { got = r.Err() })

	assert.True(t, cb.InvokeIfReady())
	assert.ErrorIs(t, got, ErrQueueShutdown)
}

type countingInvoker struct {
	readyAfter int
	polls      int
	onReady    func()
}

func (c *countingInvoker) InvokeIfReady() bool {
	c.polls++
	if c.polls < c.readyAfter {
		return false
	}
	if c.onReady != nil {
		c.onReady()
	}
	return true
}

func TestAsyncCallbackProcessor_RemovesFinishedCallbacks(t *testing.T) {
	var p AsyncCallbackProcessor[*countingInvoker]
	a := p.AddCallback(&countingInvoker{readyAfter: 1})
	b := p.AddCallback(&countingInvoker{readyAfter: 3})
	c := p.AddCallback(&countingInvoker{readyAfter: 2})
	require.Equal(t, 3, p.Len())

	p.ProcessReadyCallbacks()
	assert.Equal(t, 2, p.Len())
	p.ProcessReadyCallbacks()
	assert.Equal(t, 1, p.Len())
	p.ProcessReadyCallbacks()
	assert.Equal(t, 0, p.Len())

	assert.Equal(t, 1, a.polls)
	assert.Equal(t, 3, b.polls)
	assert.Equal(t, 2, c.polls)

	p.ProcessReadyCallbacks()
	assert.Equal(t, 3, b.polls, "finished callbacks are not polled again")
}

func TestAsyncCallbackProcessor_AddWhileProcessing(t *testing.T) {
	var p AsyncCallbackProcessor[*countingInvoker]
	added := &countingInvoker{readyAfter: 1}
	p.AddCallback(&countingInvoker{readyAfter: 1, onReady: func() { p.AddCallback(added) }})
	keep := p.AddCallback(&countingInvoker{readyAfter: 5})

	p.ProcessReadyCallbacks()
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 0, added.polls, "callbacks added during a pass wait for the next one")

	p.ProcessReadyCallbacks()
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, added.polls)
	assert.Equal(t, 2, keep.polls)
}

func TestAsyncCallbackProcessor_QueryCallbacks(t *testing.T) {
	var p AsyncCallbackProcessor[*QueryCallback]
	pending := NewFuture[*SQLResult]()
	var done bool
	p.AddCallback(NewQueryCallback(pending)).WithCallback(func(*SQLResult) { done = true })

	p.ProcessReadyCallbacks()
	assert.Equal(t, 1, p.Len())

	pending.Complete(rowResult(int64(1)))
	p.ProcessReadyCallbacks()
	assert.Equal(t, 0, p.Len())
	assert.True(t, done)
}

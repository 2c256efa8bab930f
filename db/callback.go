package db

import (
	"fmt"

	"github.com/lcx/worldcore/log"
)

// Invoker is polled by an AsyncCallbackProcessor. InvokeIfReady returns true
// once the callback has nothing left to do.
type Invoker interface {
	InvokeIfReady() bool
}

type callbackRecord struct {
	plain    func(*SQLResult)
	chaining func(*QueryCallback, *SQLResult)
}

// QueryCallback is a chain of callbacks over a pending query result. Each
// callback runs once the current result is available; a chaining callback
// may queue a dependent query with SetNextQuery, and the next callback then
// receives that query's result.
//
// A QueryCallback is owned by the goroutine that polls it.
type QueryCallback struct {
	result    *PendingResult
	callbacks []callbackRecord
}

// NewQueryCallback wraps a pending result.
func NewQueryCallback(result *PendingResult) *QueryCallback {
	return &QueryCallback{result: result}
}

// WithCallback appends a final stage.
func (c *QueryCallback) WithCallback(fn func(*SQLResult)) *QueryCallback {
	c.callbacks = append(c.callbacks, callbackRecord{plain: fn})
	return c
}

// WithChainingCallback appends a stage that may continue the chain by
// calling SetNextQuery on the callback it receives.
func (c *QueryCallback) WithChainingCallback(fn func(*QueryCallback, *SQLResult)) *QueryCallback {
	c.callbacks = append(c.callbacks, callbackRecord{chaining: fn})
	return c
}

// SetNextQuery makes the pending result of next the input of the following
// stage. Callbacks already registered on next run after the ones of c.
func (c *QueryCallback) SetNextQuery(next *QueryCallback) {
	if next == nil || next == c {
		return
	}
	c.result = next.result
	c.callbacks = append(c.callbacks, next.callbacks...)
	next.result = nil
	next.callbacks = nil
}

// Pending returns the result the next stage waits for.
func (c *QueryCallback) Pending() *PendingResult {
	return c.result
}

// InvokeIfReady runs every stage whose input is available. It returns false
// while a stage is still waiting and true once the chain ended, either
// because no stage is left or because a stage did not queue a successor.
func (c *QueryCallback) InvokeIfReady() bool {
	for {
		if len(c.callbacks) == 0 {
			return true
		}
		if c.result == nil {
			c.callbacks = nil
			return true
		}
		if !c.result.IsCompleted() {
			return false
		}

		res := c.result.Result()
		cb := c.callbacks[0]
		c.callbacks[0] = callbackRecord{}
		c.callbacks = c.callbacks[1:]
		c.result = nil

		if err := c.invoke(cb, res); err != nil {
			log.Category("sql").Error().Err(err).Msg("query callback aborted")
			c.callbacks = nil
			return true
		}

		if c.result == nil {
			c.callbacks = nil
			return true
		}
	}
}

func (c *QueryCallback) invoke(cb callbackRecord, res *SQLResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()

	if cb.chaining != nil {
		cb.chaining(c, res)
	} else if cb.plain != nil {
		cb.plain(res)
	}
	return nil
}

package world

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// readyAfter completes on its n-th poll.
type readyAfter struct {
	n     int32
	polls atomic.Int32
	fired atomic.Bool
}

func (r *readyAfter) InvokeIfReady() bool {
	if r.polls.Add(1) < r.n {
		return false
	}
	r.fired.Store(true)
	return true
}

func TestUpdaterPollsStagedCallbacks(t *testing.T) {
	u := NewUpdater(time.Hour, nil)
	cb := &readyAfter{n: 2}
	u.AddQueryCallback(cb)

	u.Update()
	assert.False(t, cb.fired.Load())
	u.Update()
	assert.True(t, cb.fired.Load())

	u.Update()
	assert.Equal(t, int32(2), cb.polls.Load(), "finished callbacks are dropped")
}

func TestUpdaterLoop(t *testing.T) {
	u := NewUpdater(time.Millisecond, NewSessionManager(0, 0))
	u.Start()

	cb := &readyAfter{n: 3}
	u.AddQueryCallback(cb)
	assert.Eventually(t, cb.fired.Load, time.Second, time.Millisecond)

	u.Stop()
	u.Stop()
}

func TestUpdaterStopWithoutStart(t *testing.T) {
	u := NewUpdater(0, nil)
	done := make(chan struct{})
	go func() {
		u.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}

package net

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

// DefaultTickInterval is the target period of a network thread tick.
const DefaultTickInterval = time.Millisecond

// ThreadHooks are optional callbacks run on the network thread when a
// socket joins or leaves its live set.
type ThreadHooks[S Socket] struct {
	OnSocketAdded   func(S)
	OnSocketRemoved func(S)
}

// NetworkThread ticks a set of sockets on one goroutine. Sockets are handed
// over with AddSocket from any goroutine and join the live set at the start
// of the next tick.
type NetworkThread[S Socket] struct {
	index    int
	interval time.Duration
	hooks    ThreadHooks[S]

	connections atomic.Int32

	newMu      sync.Mutex
	newSockets []S
	stopped    bool

	// owned by the thread goroutine
	sockets []S

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewNetworkThread creates a stopped thread. interval <= 0 selects
// DefaultTickInterval.
func NewNetworkThread[S Socket](index int, interval time.Duration, hooks ThreadHooks[S]) *NetworkThread[S] {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &NetworkThread[S]{
		index:    index,
		interval: interval,
		hooks:    hooks,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *NetworkThread[S]) Index() int {
	return t.index
}

// Start launches the tick goroutine. Further calls do nothing.
func (t *NetworkThread[S]) Start() {
	t.startOnce.Do(func() {
		go t.run()
	})
}

// Stop asks the thread to exit, waking it if it sleeps. It does not wait.
// Sockets added after Stop are closed instead of staged.
func (t *NetworkThread[S]) Stop() {
	t.stopOnce.Do(func() {
		t.newMu.Lock()
		t.stopped = true
		t.newMu.Unlock()
		close(t.stop)
	})
}

// Wait blocks until the thread has exited. It returns at once for a thread
// that was never started.
func (t *NetworkThread[S]) Wait() {
	t.startOnce.Do(func() {
		close(t.done)
	})
	<-t.done
}

// WaitTimeout is Wait bounded by d. It reports whether the thread exited.
func (t *NetworkThread[S]) WaitTimeout(d time.Duration) bool {
	t.startOnce.Do(func() {
		close(t.done)
	})
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// GetConnectionCount returns the number of sockets assigned to the thread,
// staged ones included.
func (t *NetworkThread[S]) GetConnectionCount() int32 {
	return t.connections.Load()
}

// AddSocket stages sock for the next tick. A stopped thread closes sock
// and reports false.
func (t *NetworkThread[S]) AddSocket(sock S) bool {
	t.newMu.Lock()
	if t.stopped {
		t.newMu.Unlock()
		log.Category("network").Debug().Int("thread", t.index).Str("remote", sock.RemoteAddr()).
			Msg("socket added to stopped thread")
		sock.CloseSocket()
		return false
	}
	t.newSockets = append(t.newSockets, sock)
	t.newMu.Unlock()

	t.connections.Add(1)
	t.reportConnections()
	return true
}

func (t *NetworkThread[S]) reportConnections() {
	metrics.UpdateGaugeWithDimGroup(metricsGroup, "thread_connections", metrics.Value(t.connections.Load()),
		metrics.Dimension{"thread": strconv.Itoa(t.index)})
}

func (t *NetworkThread[S]) run() {
	defer close(t.done)
	defer t.shutdown()

	log.Category("network").Debug().Int("thread", t.index).Msg("network thread started")

	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	for {
		start := time.Now()
		t.update()

		wait := t.interval - time.Since(start)
		if wait <= 0 {
			select {
			case <-t.stop:
				return
			default:
				continue
			}
		}
		timer.Reset(wait)
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
	}
}

func (t *NetworkThread[S]) addNewSockets() {
	t.newMu.Lock()
	staged := t.newSockets
	t.newSockets = nil
	t.newMu.Unlock()

	for _, sock := range staged {
		if sock.IsClosed() {
			sock.CloseSocket()
			t.removeSocket(sock)
			continue
		}
		t.sockets = append(t.sockets, sock)
		if t.hooks.OnSocketAdded != nil {
			t.hooks.OnSocketAdded(sock)
		}
	}
}

func (t *NetworkThread[S]) removeSocket(sock S) {
	if t.hooks.OnSocketRemoved != nil {
		t.hooks.OnSocketRemoved(sock)
	}
	t.connections.Add(-1)
	t.reportConnections()
}

// update is one tick: merge staged sockets, then update live sockets in
// insertion order and retire the ones that report false.
func (t *NetworkThread[S]) update() {
	t.addNewSockets()

	kept := t.sockets[:0]
	for _, sock := range t.sockets {
		if sock.Update() {
			kept = append(kept, sock)
			continue
		}
		if !sock.IsClosed() {
			sock.CloseSocket()
		}
		t.removeSocket(sock)
	}
	var zero S
	for i := len(kept); i < len(t.sockets); i++ {
		t.sockets[i] = zero
	}
	t.sockets = kept
}

// shutdown closes every socket the thread still holds.
func (t *NetworkThread[S]) shutdown() {
	t.newMu.Lock()
	staged := t.newSockets
	t.newSockets = nil
	t.stopped = true
	t.newMu.Unlock()

	for _, sock := range append(t.sockets, staged...) {
		sock.CloseSocket()
		t.removeSocket(sock)
	}
	t.sockets = nil

	log.Category("network").Debug().Int("thread", t.index).Msg("network thread stopped")
}

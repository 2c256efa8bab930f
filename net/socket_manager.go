package net

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/lcx/worldcore/config"
	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

// DefaultJoinTimeout bounds how long StopNetwork waits for the threads.
const DefaultJoinTimeout = 3 * time.Second

// SocketFactory builds the protocol socket of an accepted connection.
type SocketFactory[S Socket] func(conn net.Conn) (S, error)

type managerOptions struct {
	acceptor     AcceptorOptions
	tickInterval time.Duration
	joinTimeout  time.Duration
}

type ManagerOption func(*managerOptions)

func WithAcceptorOptions(o AcceptorOptions) ManagerOption {
	return func(m *managerOptions) {
		m.acceptor = o
	}
}

func WithTickInterval(d time.Duration) ManagerOption {
	return func(m *managerOptions) {
		m.tickInterval = d
	}
}

func WithJoinTimeout(d time.Duration) ManagerOption {
	return func(m *managerOptions) {
		m.joinTimeout = d
	}
}

// WithNetworkCfg applies the socket, tick and join settings of cfg.
func WithNetworkCfg(cfg *NetworkCfg) ManagerOption {
	return func(m *managerOptions) {
		m.acceptor = cfg.acceptorOptions()
		m.tickInterval = cfg.TickInterval
		if cfg.JoinTimeout > 0 {
			m.joinTimeout = cfg.JoinTimeout
		}
	}
}

// SocketManager owns the acceptor and the network threads of one listening
// endpoint. Accepted connections are wrapped by the factory, started and
// placed on the thread with the fewest connections.
type SocketManager[S Socket] struct {
	factory SocketFactory[S]
	opts    managerOptions
	hooks   ThreadHooks[S]

	mu       sync.RWMutex
	acceptor *AsyncAcceptor
	threads  []*NetworkThread[S]
}

func NewSocketManager[S Socket](factory SocketFactory[S], opts ...ManagerOption) *SocketManager[S] {
	o := managerOptions{joinTimeout: DefaultJoinTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &SocketManager[S]{factory: factory, opts: o}
}

// SetThreadHooks installs hooks on the threads created by the next
// StartNetwork.
func (m *SocketManager[S]) SetThreadHooks(hooks ThreadHooks[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = hooks
}

// StartNetwork binds ip:port, starts threadCount network threads and begins
// accepting.
func (m *SocketManager[S]) StartNetwork(ip string, port, threadCount int) error {
	if threadCount <= 0 {
		return fmt.Errorf("network thread count must be positive, got %d", threadCount)
	}

	m.mu.Lock()
	if m.acceptor != nil {
		m.mu.Unlock()
		return errors.New("network already started")
	}

	acceptor := NewAsyncAcceptor(m.opts.acceptor)
	if err := acceptor.Start(ip, port); err != nil {
		m.mu.Unlock()
		return err
	}

	threads := make([]*NetworkThread[S], threadCount)
	for i := range threads {
		threads[i] = NewNetworkThread(i, m.opts.tickInterval, m.hooks)
		threads[i].Start()
	}
	m.acceptor = acceptor
	m.threads = threads
	m.mu.Unlock()

	acceptor.AsyncAcceptWithCallback(m.OnSocketOpen)

	log.Category("network").Info().Str("addr", acceptor.Addr().String()).Int("threads", threadCount).
		Msg("network started")
	return nil
}

// Addr returns the listening address, nil when stopped.
func (m *SocketManager[S]) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.acceptor == nil {
		return nil
	}
	return m.acceptor.Addr()
}

// OnSocketOpen wraps an accepted connection and assigns it to a thread. A
// factory failure closes only that connection.
func (m *SocketManager[S]) OnSocketOpen(conn net.Conn) {
	m.mu.RLock()
	threads := m.threads
	m.mu.RUnlock()
	if len(threads) == 0 {
		_ = conn.Close()
		return
	}

	sock, err := m.factory(conn)
	if err != nil {
		log.Category("network").Error().Str("remote", conn.RemoteAddr().String()).Err(err).
			Msg("failed to create socket")
		metrics.IncrCounterWithDimGroup(metricsGroup, "socket_create_error_total", 1, metrics.Dimension{"error_type": "factory"})
		_ = conn.Close()
		return
	}

	sock.Start()
	if !threads[selectMinConnections(threads)].AddSocket(sock) {
		metrics.IncrCounterWithDimGroup(metricsGroup, "socket_create_error_total", 1, metrics.Dimension{"error_type": "stopped"})
	}
}

// SelectThreadWithMinConnections returns the index of the least loaded
// thread, the lowest index on ties.
func (m *SocketManager[S]) SelectThreadWithMinConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectMinConnections(m.threads)
}

func selectMinConnections[S Socket](threads []*NetworkThread[S]) int {
	best := 0
	for i := 1; i < len(threads); i++ {
		if threads[i].GetConnectionCount() < threads[best].GetConnectionCount() {
			best = i
		}
	}
	return best
}

func (m *SocketManager[S]) GetNetworkThreadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threads)
}

// Thread returns the network thread at index i.
func (m *SocketManager[S]) Thread(i int) *NetworkThread[S] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.threads) {
		return nil
	}
	return m.threads[i]
}

// StopNetwork closes the acceptor, stops every thread and waits for them up
// to the join timeout. It is safe to call when the network was never or
// only partly started.
func (m *SocketManager[S]) StopNetwork() {
	m.mu.Lock()
	acceptor, threads := m.acceptor, m.threads
	m.acceptor, m.threads = nil, nil
	m.mu.Unlock()

	if acceptor != nil {
		acceptor.Close()
	}
	for _, t := range threads {
		t.Stop()
	}

	var wg conc.WaitGroup
	if acceptor != nil {
		wg.Go(func() { <-acceptor.Done() })
	}
	for _, t := range threads {
		wg.Go(t.Wait)
	}
	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()

	timer := time.NewTimer(m.opts.joinTimeout)
	defer timer.Stop()
	select {
	case <-joined:
		log.Category("network").Info().Int("threads", len(threads)).Msg("network stopped")
	case <-timer.C:
		log.Category("network").Warn().Dur("timeout", m.opts.joinTimeout).Msg("network threads did not exit in time")
	}
}

// OnConfigChanged applies a reloaded accept rate.
func (m *SocketManager[S]) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != NetworkConfigName {
		return nil
	}
	cfg, ok := newConfig.(*NetworkCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type %T for %s", newConfig, configName)
	}

	m.mu.Lock()
	m.opts.acceptor.AcceptRate = cfg.AcceptRate
	acceptor := m.acceptor
	m.mu.Unlock()

	if acceptor != nil {
		acceptor.SetAcceptRate(cfg.AcceptRate)
	}
	log.Category("network").Info().Int("acceptRate", cfg.AcceptRate).Msg("network configuration updated")
	return nil
}

package net

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

// AcceptorOptions are the socket options applied to accepted connections.
type AcceptorOptions struct {
	NoDelay         bool
	ReadBufferSize  int
	WriteBufferSize int
	// AcceptRate limits accepted connections per second, 0 for no limit.
	AcceptRate int
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// AsyncAcceptor listens on one address and hands every accepted connection
// to a callback from its accept goroutine.
type AsyncAcceptor struct {
	opts     AcceptorOptions
	limiter  *AcceptLimiter
	listener net.Listener
	started  atomic.Bool
	closed   atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

func NewAsyncAcceptor(opts AcceptorOptions) *AsyncAcceptor {
	return &AsyncAcceptor{
		opts:    opts,
		limiter: NewAcceptLimiter(opts.AcceptRate),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start binds the listening socket.
func (a *AsyncAcceptor) Start(ip string, port int) error {
	if net.ParseIP(ip) == nil {
		log.Category("network").Error().Str("ip", ip).Msg("invalid bind address")
		return fmt.Errorf("invalid bind address %q", ip)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid bind port %d", port)
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Category("network").Error().Str("addr", addr).Err(err).Msg("failed to bind")
		metrics.IncrCounterWithDimGroup(metricsGroup, "listen_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.listener = listener
	log.Category("network").Info().Str("addr", listener.Addr().String()).Msg("acceptor listening")
	return nil
}

// Addr returns the bound address, nil before Start.
func (a *AsyncAcceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// SetAcceptRate changes the accept throttle.
func (a *AsyncAcceptor) SetAcceptRate(limit int) {
	a.limiter.Reload(limit)
}

// AsyncAcceptWithCallback accepts connections until Close, calling cb for
// each one on the accept goroutine before accepting the next.
func (a *AsyncAcceptor) AsyncAcceptWithCallback(cb func(net.Conn)) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	if a.listener == nil {
		close(a.done)
		return
	}
	go a.serve(cb)
}

func (a *AsyncAcceptor) serve(cb func(net.Conn)) {
	defer close(a.done)

	var backoff time.Duration
	for {
		a.limiter.Take()
		conn, err := a.listener.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				log.Category("network").Debug().Err(err).Msg("acceptor stopped")
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			backoff = min(max(backoff*2, minAcceptBackoff), maxAcceptBackoff)
			log.Category("network").Error().Err(err).Dur("retryIn", backoff).Msg("accept failed")
			metrics.IncrCounterWithDimGroup(metricsGroup, "accept_error_total", 1, metrics.Dimension{"error_type": "accept"})
			if !a.sleep(backoff) {
				return
			}
			continue
		}
		backoff = 0

		if err := a.applyOptions(conn); err != nil {
			log.Category("network").Error().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("set socket options")
			_ = conn.Close()
			continue
		}
		metrics.IncrCounterWithGroup(metricsGroup, "accept_total", 1)
		a.dispatch(cb, conn)

		if a.closed.Load() {
			return
		}
	}
}

// sleep waits d and reports false when Close was called meanwhile.
func (a *AsyncAcceptor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-a.stop:
		return false
	case <-timer.C:
		return true
	}
}

func (a *AsyncAcceptor) dispatch(cb func(net.Conn), conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Category("network").Error().Any("panic", r).Msg("accept callback panicked")
			_ = conn.Close()
		}
	}()
	cb(conn)
}

func (a *AsyncAcceptor) applyOptions(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(a.opts.NoDelay); err != nil {
		return fmt.Errorf("no delay: %w", err)
	}
	if a.opts.ReadBufferSize > 0 {
		if err := tcp.SetReadBuffer(a.opts.ReadBufferSize); err != nil {
			return fmt.Errorf("read buffer: %w", err)
		}
	}
	if a.opts.WriteBufferSize > 0 {
		if err := tcp.SetWriteBuffer(a.opts.WriteBufferSize); err != nil {
			return fmt.Errorf("write buffer: %w", err)
		}
	}
	return nil
}

// Close stops accepting. The accept goroutine exits after its current
// callback returns.
func (a *AsyncAcceptor) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	close(a.stop)
	if a.listener != nil {
		if err := a.listener.Close(); err != nil {
			log.Category("network").Debug().Err(err).Msg("close listener")
		}
	}
}

// Done is closed once the accept goroutine has exited.
func (a *AsyncAcceptor) Done() <-chan struct{} {
	return a.done
}

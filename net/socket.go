// Package net multiplexes client connections over a fixed set of network
// threads. A Socket owns one connection and its receive buffer, a
// NetworkThread ticks the sockets assigned to it and the SocketManager
// accepts connections and places them on the least loaded thread.
package net

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/lcx/worldcore/buffer"
	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

const (
	metricsGroup = "net"

	// DefaultSendQueueSize is the number of outgoing buffers a socket can
	// hold before AsyncWrite fails.
	DefaultSendQueueSize = 256
)

var (
	ErrSocketClosed  = errors.New("socket closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Socket is a connection driven by a NetworkThread. Update is called on every
// tick of the owning thread; returning false retires the socket.
type Socket interface {
	Start()
	Update() bool
	IsOpen() bool
	// IsClosed reports whether the connection is shut down. A socket waiting
	// for a delayed close is neither open nor closed.
	IsClosed() bool
	CloseSocket()
	RemoteAddr() string
}

// SocketHandler receives the events of a SocketBase. Both methods run on the
// goroutine that ticks the socket, except OnClose which runs on whichever
// goroutine closes it first.
type SocketHandler interface {
	// ReadHandler is called after received bytes were appended to the read
	// buffer. It consumes what it can and usually re-arms with AsyncRead.
	ReadHandler()
	OnClose()
}

type readResult struct {
	n   int
	err error
}

// SocketBase implements the connection handling shared by protocol sockets:
// one outstanding receive into a MessageBuffer, a writer goroutine draining
// the send queue and an idempotent close. Protocol types embed it and pass
// themselves as the handler.
type SocketBase struct {
	conn       net.Conn
	handler    SocketHandler
	remoteIP   string
	remotePort int

	readBuffer  *buffer.MessageBuffer
	readPending atomic.Bool
	readDone    chan readResult

	sendCh chan []byte
	done   chan struct{}

	closed    atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
}

// NewSocketBase wraps conn. sendQueueSize bounds the buffers queued for the
// writer goroutine; zero or less selects DefaultSendQueueSize.
func NewSocketBase(conn net.Conn, handler SocketHandler, sendQueueSize int) *SocketBase {
	if sendQueueSize <= 0 {
		sendQueueSize = DefaultSendQueueSize
	}
	s := &SocketBase{
		conn:       conn,
		handler:    handler,
		readBuffer: buffer.NewMessageBuffer(buffer.DefaultMessageBufferSize),
		readDone:   make(chan readResult, 1),
		sendCh:     make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
	}
	s.remoteIP, s.remotePort = splitAddr(conn.RemoteAddr())
	go s.serveSend()
	return s
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// RemoteAddr returns "ip:port" of the peer.
func (s *SocketBase) RemoteAddr() string {
	return net.JoinHostPort(s.remoteIP, strconv.Itoa(s.remotePort))
}

// RemoteIP returns the peer address without the port.
func (s *SocketBase) RemoteIP() string {
	return s.remoteIP
}

func (s *SocketBase) RemotePort() int {
	return s.remotePort
}

// ReadBuffer returns the receive buffer. Only the ticking goroutine may use it.
func (s *SocketBase) ReadBuffer() *buffer.MessageBuffer {
	return s.readBuffer
}

// IsOpen reports whether the socket is neither closed nor waiting for a
// delayed close.
func (s *SocketBase) IsOpen() bool {
	return !s.closed.Load() && !s.closing.Load()
}

// IsClosed reports whether CloseSocket has run.
func (s *SocketBase) IsClosed() bool {
	return s.closed.Load()
}

// Update completes a finished receive by handing the bytes to ReadHandler,
// then reports whether the socket is still alive. A socket waiting for a
// delayed close stays alive until its send queue is flushed.
func (s *SocketBase) Update() bool {
	select {
	case r := <-s.readDone:
		s.readCompleted(r)
	default:
	}
	return !s.closed.Load()
}

// AsyncRead issues one receive into the free space of the read buffer. The
// bytes are delivered to ReadHandler by the next Update. At most one receive
// is outstanding.
func (s *SocketBase) AsyncRead() {
	if !s.IsOpen() || !s.readPending.CompareAndSwap(false, true) {
		return
	}
	s.readBuffer.Normalize()
	s.readBuffer.EnsureFreeSpace()
	dst := s.readBuffer.GetWritePointer()

	go func() {
		n, err := s.conn.Read(dst)
		s.readDone <- readResult{n: n, err: err}
	}()
}

func (s *SocketBase) readCompleted(r readResult) {
	s.readPending.Store(false)
	if r.n > 0 {
		s.readBuffer.WriteCompleted(r.n)
	}
	if r.err != nil || r.n == 0 {
		if r.err != nil && !errors.Is(r.err, io.EOF) && !errors.Is(r.err, net.ErrClosed) {
			log.Category("network").Debug().Str("remote", s.RemoteAddr()).Err(r.err).Msg("receive failed")
		}
		s.CloseSocket()
		return
	}
	metrics.IncrCounterWithGroup(metricsGroup, "recv_bytes_total", metrics.Value(r.n))
	if s.closing.Load() {
		return
	}
	s.handler.ReadHandler()
}

// AsyncWrite queues data for the writer goroutine. The slice must not be
// modified afterwards.
func (s *SocketBase) AsyncWrite(data []byte) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if len(data) == 0 {
		return nil
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		metrics.IncrCounterWithGroup(metricsGroup, "send_queue_full_total", 1)
		return ErrSendQueueFull
	}
}

func (s *SocketBase) serveSend() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			if data == nil {
				// delayed close marker, everything queued before it is written
				s.CloseSocket()
				return
			}
			if _, err := s.conn.Write(data); err != nil {
				log.Category("network").Debug().Str("remote", s.RemoteAddr()).Err(err).Msg("send failed")
				s.CloseSocket()
				return
			}
			metrics.IncrCounterWithGroup(metricsGroup, "send_bytes_total", metrics.Value(len(data)))
		}
	}
}

// DelayedCloseSocket stops reading and closes the socket once everything
// queued by AsyncWrite has been written.
func (s *SocketBase) DelayedCloseSocket() {
	if s.closed.Load() || !s.closing.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.sendCh <- nil:
	default:
		s.CloseSocket()
	}
}

// CloseSocket shuts the connection down. It is safe to call from any
// goroutine, any number of times; the connection is closed and OnClose runs
// exactly once.
func (s *SocketBase) CloseSocket() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)

		if tcp, ok := s.conn.(*net.TCPConn); ok {
			if err := tcp.CloseRead(); err != nil {
				log.Category("network").Debug().Str("remote", s.RemoteAddr()).Err(err).Msg("shutdown receive failed")
			}
			if err := tcp.CloseWrite(); err != nil {
				log.Category("network").Debug().Str("remote", s.RemoteAddr()).Err(err).Msg("shutdown send failed")
			}
		}
		if err := s.conn.Close(); err != nil {
			log.Category("network").Debug().Str("remote", s.RemoteAddr()).Err(err).Msg("close failed")
		}
		metrics.IncrCounterWithGroup(metricsGroup, "connection_close_total", 1)

		s.onClose()
	})
}

func (s *SocketBase) onClose() {
	defer func() {
		if r := recover(); r != nil {
			log.Category("network").Error().Str("remote", s.RemoteAddr()).Any("panic", r).Msg("OnClose panicked")
		}
	}()
	s.handler.OnClose()
}

package world

import (
	"sync/atomic"
	"time"
)

// SessionHandler receives authenticated sessions and their packets. Its
// methods are called from network threads and must be safe for concurrent
// use.
type SessionHandler interface {
	// AddSession registers a session after a successful handshake. An
	// error rejects the login.
	AddSession(s *Session) error
	// RemoveSession is called once the socket of s has closed.
	RemoveSession(s *Session)
	// QueuePacket hands over a packet whose handler is not run in place.
	QueuePacket(s *Session, pkt *WorldPacket, h *OpcodeHandler)
}

// Session is the authenticated account behind a WorldSocket.
type Session struct {
	accountID uint32
	account   string
	expansion uint8
	locale    uint8
	build     uint32
	sock      *WorldSocket

	latency       atomic.Uint32
	lastKeepAlive atomic.Int64
}

// SessionInfo is the account data of an authenticated session.
type SessionInfo struct {
	AccountID uint32
	Account   string
	Expansion uint8
	Locale    uint8
	Build     uint32
}

// NewSession binds info to sock.
func NewSession(sock *WorldSocket, info SessionInfo) *Session {
	return &Session{
		accountID: info.AccountID,
		account:   info.Account,
		expansion: info.Expansion,
		locale:    info.Locale,
		build:     info.Build,
		sock:      sock,
	}
}

func (s *Session) AccountID() uint32 { return s.accountID }
func (s *Session) Account() string   { return s.account }
func (s *Session) Expansion() uint8  { return s.expansion }
func (s *Session) Locale() uint8     { return s.locale }
func (s *Session) Build() uint32     { return s.build }

// Latency is the round trip time last reported by the client, in ms.
func (s *Session) Latency() uint32 {
	return s.latency.Load()
}

// LastKeepAlive returns when the client last sent CMSG_KEEP_ALIVE.
func (s *Session) LastKeepAlive() time.Time {
	ns := s.lastKeepAlive.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Session) RemoteAddr() string {
	return s.sock.RemoteAddr()
}

// IsConnected reports whether the socket still accepts packets.
func (s *Session) IsConnected() bool {
	return s.sock.IsOpen()
}

// SendPacket queues a packet on the session's socket.
func (s *Session) SendPacket(op Opcode, payload []byte) error {
	return s.sock.SendPacket(op, payload)
}

// Kick closes the socket once pending packets are sent.
func (s *Session) Kick() {
	s.sock.DelayedCloseSocket()
}

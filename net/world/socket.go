package world

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/lcx/worldcore/buffer"
	"github.com/lcx/worldcore/db"
	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
	corenet "github.com/lcx/worldcore/net"
)

const (
	metricsGroup = "world_socket"

	// minPingInterval is the shortest expected interval between two
	// CMSG_PING of a well behaved client.
	minPingInterval = 27 * time.Second
)

var errWaitForQuery = errors.New("waiting for query")

// Options are the per socket protocol settings.
type Options struct {
	SendQueueSize int
	// MaxOverspeedPings is the number of too frequent pings tolerated
	// before the socket is closed, 0 to never close.
	MaxOverspeedPings int
	// PacketRate and PacketBurst bound received packets per second, 0 for
	// no limit.
	PacketRate  int
	PacketBurst int
	// AllowedBuilds restricts client builds, empty accepts any.
	AllowedBuilds []uint32
	// Filters run on every received packet after the flood limit.
	Filters PacketFilterChain
	// NewCrypt builds the header cipher of a socket, nil for none.
	NewCrypt func() HeaderCrypt
}

// Deps are the services a WorldSocket talks to.
type Deps struct {
	LoginDB  *db.WorkerPool
	Sessions SessionHandler
	Opcodes  *OpcodeTable
	Options  Options
}

type outgoing struct {
	frame  []byte
	hdrLen int
}

// WorldSocket speaks the world protocol on one connection: it checks the
// peer address against the ban list, sends the auth challenge, frames
// client packets and authenticates the account before handing packets to
// its session.
type WorldSocket struct {
	*corenet.SocketBase

	deps    Deps
	opts    Options
	crypt   HeaderCrypt
	limiter *corenet.PacketLimiter
	filters PacketFilterChain

	queryProcessor db.AsyncCallbackProcessor[db.Invoker]

	authSeed      uint32
	headerBuffer  *buffer.MessageBuffer
	packetBuffer  *buffer.MessageBuffer
	pendingOpcode Opcode

	lastPingTime   time.Time
	overSpeedPings int

	session      atomic.Pointer[Session]
	delayedClose atomic.Bool

	sendMu    sync.Mutex
	sendQueue *queue.Queue
}

// NewWorldSocket wraps conn.
func NewWorldSocket(conn net.Conn, deps Deps) *WorldSocket {
	if deps.Opcodes == nil {
		deps.Opcodes = NewOpcodeTable()
	}
	s := &WorldSocket{
		deps:         deps,
		opts:         deps.Options,
		limiter:      corenet.NewPacketLimiter(deps.Options.PacketRate, deps.Options.PacketBurst),
		headerBuffer: buffer.NewMessageBuffer(ClientHeaderSize),
		packetBuffer: buffer.NewMessageBuffer(MaxClientPacketSize),
		sendQueue:    queue.New(),
	}
	if deps.Options.NewCrypt != nil {
		s.crypt = deps.Options.NewCrypt()
	} else {
		s.crypt = &NopHeaderCrypt{}
	}
	s.filters = append(PacketFilterChain{s.floodFilter, countFilter}, deps.Options.Filters...)
	s.SocketBase = corenet.NewSocketBase(conn, s, deps.Options.SendQueueSize)
	return s
}

// NewSocketFactory returns the SocketManager factory of world sockets.
func NewSocketFactory(deps Deps) corenet.SocketFactory[*WorldSocket] {
	return func(conn net.Conn) (*WorldSocket, error) {
		if deps.LoginDB == nil || deps.Sessions == nil {
			return nil, errors.New("world socket needs a login database and a session handler")
		}
		return NewWorldSocket(conn, deps), nil
	}
}

// Session returns the authenticated session, nil before authentication.
func (s *WorldSocket) Session() *Session {
	return s.session.Load()
}

// Start checks the peer address against the ban list. The handshake
// continues from the query callback.
func (s *WorldSocket) Start() {
	stmt := db.NewPreparedStatement(LoginSelIPInfo).AddValue(s.RemoteIP())
	s.queryProcessor.AddCallback(s.deps.LoginDB.AsyncQuery(stmt).WithCallback(s.checkIPCallback))
}

func (s *WorldSocket) checkIPCallback(res *db.SQLResult) {
	if err := res.Err(); err != nil {
		log.Category("network").Error().Str("remote", s.RemoteAddr()).Err(err).Msg("ip ban check failed")
		s.CloseSocket()
		return
	}
	if !res.IsEmpty() && res.Read(0).Bool() {
		log.Category("network").Warn().Str("remote", s.RemoteAddr()).Msg("rejected connection from banned ip")
		s.sendAuthResponseError(AuthReject)
		s.DelayedCloseSocket()
		return
	}

	seed, payload, err := newAuthChallenge()
	if err != nil {
		log.Category("network").Error().Err(err).Msg("failed to build auth challenge")
		s.CloseSocket()
		return
	}
	s.authSeed = seed
	if err := s.SendPacket(SMSG_AUTH_CHALLENGE, payload); err != nil {
		return
	}
	s.AsyncRead()
}

// Update flushes queued packets and runs ready query callbacks. It is
// called by the owning network thread.
func (s *WorldSocket) Update() bool {
	if !s.SocketBase.Update() {
		return false
	}
	s.queryProcessor.ProcessReadyCallbacks()
	s.flushSendQueue()
	if s.delayedClose.Load() {
		s.SocketBase.DelayedCloseSocket()
	}
	return true
}

// IsOpen reports false as soon as a delayed close was requested.
func (s *WorldSocket) IsOpen() bool {
	return !s.delayedClose.Load() && s.SocketBase.IsOpen()
}

// DelayedCloseSocket closes the socket after the packets queued so far are
// sent. Safe from any goroutine.
func (s *WorldSocket) DelayedCloseSocket() {
	s.delayedClose.Store(true)
}

// SendPacket frames payload and queues it for the next Update. Safe from
// any goroutine.
func (s *WorldSocket) SendPacket(op Opcode, payload []byte) error {
	if !s.IsOpen() {
		return corenet.ErrSocketClosed
	}
	frame, hdrLen, err := EncodeServerPacket(op, payload)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	s.sendQueue.Add(outgoing{frame: frame, hdrLen: hdrLen})
	s.sendMu.Unlock()
	return nil
}

func (s *WorldSocket) flushSendQueue() {
	s.sendMu.Lock()
	pending := make([]outgoing, 0, s.sendQueue.Length())
	for s.sendQueue.Length() > 0 {
		pending = append(pending, s.sendQueue.Remove().(outgoing))
	}
	s.sendMu.Unlock()

	for _, out := range pending {
		if s.crypt.IsInitialized() {
			s.crypt.EncryptSend(out.frame[:out.hdrLen])
		}
		if err := s.AsyncWrite(out.frame); err != nil {
			log.Category("network").Warn().Str("remote", s.RemoteAddr()).Err(err).Msg("dropping socket, send failed")
			s.CloseSocket()
			return
		}
	}
}

type readResult int

const (
	readNextPacket readResult = iota
	readWaitingForQuery
	readError
)

// ReadHandler splits the received bytes into packets.
func (s *WorldSocket) ReadHandler() {
	if !s.IsOpen() {
		return
	}

	packet := s.ReadBuffer()
	for packet.GetActiveSize() > 0 {
		if s.headerBuffer.GetRemainingSpace() > 0 {
			n := min(packet.GetActiveSize(), s.headerBuffer.GetRemainingSpace())
			s.headerBuffer.Write(packet.GetReadPointer()[:n])
			packet.ReadCompleted(n)
			if s.headerBuffer.GetRemainingSpace() > 0 {
				break
			}
			if err := s.readHeaderHandler(); err != nil {
				log.Category("network").Error().Str("remote", s.RemoteAddr()).Err(err).Msg("closing socket")
				metrics.IncrCounterWithDimGroup(metricsGroup, "rejected_frames_total", 1, metrics.Dimension{"reason": "header"})
				s.CloseSocket()
				return
			}
		}

		if s.packetBuffer.GetRemainingSpace() > 0 {
			n := min(packet.GetActiveSize(), s.packetBuffer.GetRemainingSpace())
			s.packetBuffer.Write(packet.GetReadPointer()[:n])
			packet.ReadCompleted(n)
			if s.packetBuffer.GetRemainingSpace() > 0 {
				break
			}
		}

		result := s.readDataHandler()
		s.headerBuffer.Reset()
		switch result {
		case readNextPacket:
			continue
		case readWaitingForQuery:
			// the query callback resumes reading
			return
		default:
			s.CloseSocket()
			return
		}
	}

	s.AsyncRead()
}

func (s *WorldSocket) readHeaderHandler() error {
	raw := s.headerBuffer.GetReadPointer()
	if s.crypt.IsInitialized() {
		s.crypt.DecryptRecv(raw)
	}
	hdr, err := ReadClientPktHeader(raw)
	if err != nil {
		return err
	}
	if !hdr.IsValidSize() || !hdr.IsValidOpcode() {
		return fmt.Errorf("%w: size %d opcode 0x%X", ErrInvalidHeader, hdr.Size, hdr.Cmd)
	}

	s.pendingOpcode = Opcode(hdr.Cmd)
	s.packetBuffer.Reset()
	s.packetBuffer.Resize(hdr.PayloadSize())
	return nil
}

func (s *WorldSocket) readDataHandler() readResult {
	pkt := NewWorldPacket(s.pendingOpcode, slices.Clone(s.packetBuffer.GetReadPointer()))
	s.packetBuffer.Reset()

	err := s.filters.Handle(pkt, s.dispatch)
	switch {
	case err == nil:
		return readNextPacket
	case errors.Is(err, errWaitForQuery):
		return readWaitingForQuery
	default:
		log.Category("network").Error().Str("remote", s.RemoteAddr()).Str("opcode", s.deps.Opcodes.Name(pkt.Opcode())).
			Err(err).Msg("closing socket after packet error")
		return readError
	}
}

func (s *WorldSocket) floodFilter(pkt *WorldPacket, next PacketHandleFunc) error {
	if !s.limiter.Allow() {
		metrics.IncrCounterWithDimGroup(metricsGroup, "rejected_frames_total", 1, metrics.Dimension{"reason": "flood"})
		return fmt.Errorf("packet flood, last opcode %s", pkt.Opcode())
	}
	return next(pkt)
}

func countFilter(pkt *WorldPacket, next PacketHandleFunc) error {
	metrics.IncrCounterWithGroup(metricsGroup, "packets_received_total", 1)
	return next(pkt)
}

func (s *WorldSocket) dispatch(pkt *WorldPacket) error {
	session := s.session.Load()

	switch pkt.Opcode() {
	case CMSG_PING:
		return s.handlePing(session, pkt)
	case CMSG_AUTH_SESSION:
		if session != nil {
			return errors.New("second CMSG_AUTH_SESSION on an authenticated socket")
		}
		auth, err := ReadAuthSession(pkt.Buffer())
		if err != nil {
			return err
		}
		s.handleAuthSession(auth)
		return errWaitForQuery
	case CMSG_KEEP_ALIVE:
		if session != nil {
			session.lastKeepAlive.Store(time.Now().UnixNano())
		}
		return nil
	}

	if session == nil {
		return fmt.Errorf("opcode %s before authentication", s.deps.Opcodes.Name(pkt.Opcode()))
	}
	h, ok := s.deps.Opcodes.Get(pkt.Opcode())
	if !ok || h.Status == StatusUnhandled {
		log.Category("network").Debug().Str("account", session.Account()).Str("opcode", pkt.Opcode().String()).
			Msg("unhandled opcode")
		return nil
	}
	if h.Status == StatusNever {
		log.Category("network").Warn().Str("account", session.Account()).Str("opcode", h.Name).
			Msg("opcode not accepted from clients")
		return nil
	}
	if h.Processing == ProcessInplace {
		return h.Handle(session, pkt)
	}
	s.deps.Sessions.QueuePacket(session, pkt, h)
	return nil
}

func (s *WorldSocket) handlePing(session *Session, pkt *WorldPacket) error {
	ping, err := pkt.Buffer().ReadUInt32()
	if err != nil {
		return fmt.Errorf("read ping: %w", err)
	}
	latency, err := pkt.Buffer().ReadUInt32()
	if err != nil {
		return fmt.Errorf("read ping latency: %w", err)
	}
	if session == nil {
		return errors.New("CMSG_PING before authentication")
	}

	now := time.Now()
	if !s.lastPingTime.IsZero() && now.Sub(s.lastPingTime) < minPingInterval {
		s.overSpeedPings++
		if limit := s.opts.MaxOverspeedPings; limit > 0 && s.overSpeedPings > limit {
			return fmt.Errorf("%d pings faster than %s", s.overSpeedPings, minPingInterval)
		}
	} else {
		s.overSpeedPings = 0
	}
	s.lastPingTime = now
	session.latency.Store(latency)

	pong := buffer.NewWriteBuffer(4)
	_ = pong.WriteUInt32(ping)
	return s.SendPacket(SMSG_PONG, pong.GetData())
}

func (s *WorldSocket) handleAuthSession(auth *AuthSession) {
	stmt := db.NewPreparedStatement(LoginSelAccountInfoByName).AddValue(auth.Account)
	s.queryProcessor.AddCallback(s.deps.LoginDB.AsyncQuery(stmt).WithChainingCallback(
		func(qc *db.QueryCallback, res *db.SQLResult) {
			s.handleAuthSessionCallback(auth, qc, res)
		}))
}

func (s *WorldSocket) handleAuthSessionCallback(auth *AuthSession, qc *db.QueryCallback, res *db.SQLResult) {
	logger := log.Category("network")
	if err := res.Err(); err != nil {
		logger.Error().Str("account", auth.Account).Err(err).Msg("account lookup failed")
		s.rejectAuth(AuthSystemError)
		return
	}
	if res.IsEmpty() {
		logger.Info().Str("account", auth.Account).Str("remote", s.RemoteAddr()).Msg("unknown account")
		s.rejectAuth(AuthUnknownAccount)
		return
	}
	if len(s.opts.AllowedBuilds) > 0 && !slices.Contains(s.opts.AllowedBuilds, auth.Build) {
		logger.Info().Str("account", auth.Account).Uint32("build", auth.Build).Msg("client build not allowed")
		s.rejectAuth(AuthVersionMismatch)
		return
	}

	sessionKey := res.Read(accountColSessionKey).Bytes()
	if !auth.VerifyDigest(sessionKey, s.authSeed) {
		logger.Warn().Str("account", auth.Account).Str("remote", s.RemoteAddr()).Msg("authentication failed")
		s.rejectAuth(AuthFailed)
		return
	}
	if res.Read(accountColLocked).Bool() && res.Read(accountColLastIP).String() != s.RemoteIP() {
		logger.Info().Str("account", auth.Account).Str("remote", s.RemoteAddr()).Msg("account locked to another ip")
		s.rejectAuth(AuthFailed)
		return
	}
	s.crypt.Init(sessionKey)

	session := NewSession(s, SessionInfo{
		AccountID: res.Read(accountColID).UInt32(),
		Account:   auth.Account,
		Expansion: res.Read(accountColExpansion).UInt8(),
		Locale:    res.Read(accountColLocale).UInt8(),
		Build:     auth.Build,
	})
	stmt := db.NewPreparedStatement(LoginSelAccountBanned).AddValue(session.accountID)
	qc.SetNextQuery(s.deps.LoginDB.AsyncQuery(stmt).WithCallback(func(res *db.SQLResult) {
		s.handleBanCheckCallback(session, res)
	}))
}

func (s *WorldSocket) handleBanCheckCallback(session *Session, res *db.SQLResult) {
	logger := log.Category("network")
	if err := res.Err(); err != nil {
		logger.Error().Str("account", session.account).Err(err).Msg("account ban lookup failed")
		s.rejectAuth(AuthSystemError)
		return
	}
	if !res.IsEmpty() {
		logger.Info().Str("account", session.account).Msg("banned account tried to log in")
		s.rejectAuth(AuthBanned)
		return
	}
	if err := s.deps.Sessions.AddSession(session); err != nil {
		logger.Info().Str("account", session.account).Err(err).Msg("session rejected")
		s.rejectAuth(AuthAlreadyOnline)
		return
	}

	s.session.Store(session)
	s.deps.LoginDB.Execute(db.NewPreparedStatement(LoginUpdLastIP).AddValue(s.RemoteIP()).AddValue(session.account))
	_ = s.SendPacket(SMSG_AUTH_RESPONSE, authResponse(AuthOK, session.expansion))
	logger.Info().Str("account", session.account).Uint32("id", session.accountID).Str("remote", s.RemoteAddr()).
		Msg("account authenticated")
	metrics.IncrCounterWithGroup(metricsGroup, "auth_success_total", 1)

	// packets pipelined behind the auth session are already buffered
	s.ReadHandler()
}

func (s *WorldSocket) rejectAuth(code AuthResult) {
	metrics.IncrCounterWithDimGroup(metricsGroup, "auth_failure_total", 1, metrics.Dimension{"code": fmt.Sprintf("0x%02X", uint8(code))})
	s.sendAuthResponseError(code)
	s.DelayedCloseSocket()
}

func (s *WorldSocket) sendAuthResponseError(code AuthResult) {
	_ = s.SendPacket(SMSG_AUTH_RESPONSE, authResponse(code, 0))
}

// OnClose hands the session back to the session handler.
func (s *WorldSocket) OnClose() {
	if session := s.session.Load(); session != nil {
		s.deps.Sessions.RemoveSession(session)
	}
}

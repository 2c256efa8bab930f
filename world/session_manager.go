package world

import (
	"errors"
	"sync"

	"github.com/eapache/queue"

	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
	worldnet "github.com/lcx/worldcore/net/world"
)

var (
	ErrServerFull   = errors.New("server full")
	ErrShuttingDown = errors.New("server shutting down")
)

type queuedPacket struct {
	pkt     *worldnet.WorldPacket
	handler *worldnet.OpcodeHandler
}

type worldSession struct {
	*worldnet.Session

	mu      sync.Mutex
	packets *queue.Queue
}

func (s *worldSession) push(p queuedPacket) {
	s.mu.Lock()
	s.packets.Add(p)
	s.mu.Unlock()
}

func (s *worldSession) pop() (queuedPacket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packets.Length() == 0 {
		return queuedPacket{}, false
	}
	return s.packets.Remove().(queuedPacket), true
}

// SessionManager owns the authenticated sessions. Network threads hand
// sessions and packets over through the SessionHandler methods, the world
// tick handles them in Update.
type SessionManager struct {
	maxSessions    int
	packetsPerTick int

	mu       sync.RWMutex
	sessions map[uint32]*worldSession
	closing  bool
}

func NewSessionManager(maxSessions, packetsPerTick int) *SessionManager {
	if packetsPerTick <= 0 {
		packetsPerTick = defaultPacketsPerTick
	}
	return &SessionManager{
		maxSessions:    maxSessions,
		packetsPerTick: packetsPerTick,
		sessions:       make(map[uint32]*worldSession),
	}
}

// AddSession registers s. A session of the same account is kicked and
// replaced.
func (m *SessionManager) AddSession(s *worldnet.Session) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	old := m.sessions[s.AccountID()]
	if old == nil && m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return ErrServerFull
	}
	m.sessions[s.AccountID()] = &worldSession{Session: s, packets: queue.New()}
	n := len(m.sessions)
	m.mu.Unlock()

	if old != nil {
		log.Category("world").Info().Str("account", s.Account()).Msg("account logged in again, kicking previous session")
		old.Kick()
	}
	metrics.UpdateGaugeWithGroup(metricsGroup, "sessions", metrics.Value(n))
	return nil
}

// RemoveSession forgets s unless it was already replaced.
func (m *SessionManager) RemoveSession(s *worldnet.Session) {
	m.mu.Lock()
	if cur := m.sessions[s.AccountID()]; cur != nil && cur.Session == s {
		delete(m.sessions, s.AccountID())
	}
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.UpdateGaugeWithGroup(metricsGroup, "sessions", metrics.Value(n))
}

// QueuePacket stores pkt until the next Update. Packets of unknown
// sessions are dropped.
func (m *SessionManager) QueuePacket(s *worldnet.Session, pkt *worldnet.WorldPacket, h *worldnet.OpcodeHandler) {
	m.mu.RLock()
	ws := m.sessions[s.AccountID()]
	m.mu.RUnlock()
	if ws == nil || ws.Session != s {
		return
	}
	ws.push(queuedPacket{pkt: pkt, handler: h})
}

// Find returns the session of accountID.
func (m *SessionManager) Find(accountID uint32) *worldnet.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ws := m.sessions[accountID]; ws != nil {
		return ws.Session
	}
	return nil
}

func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Update runs the queued packets of every session. A handler error kicks
// the session.
func (m *SessionManager) Update() {
	m.mu.RLock()
	sessions := make([]*worldSession, 0, len(m.sessions))
	for _, ws := range m.sessions {
		sessions = append(sessions, ws)
	}
	m.mu.RUnlock()

	for _, ws := range sessions {
		m.updateSession(ws)
	}
}

func (m *SessionManager) updateSession(ws *worldSession) {
	for range m.packetsPerTick {
		if !ws.IsConnected() {
			return
		}
		p, ok := ws.pop()
		if !ok {
			return
		}
		if err := m.handle(ws.Session, p); err != nil {
			log.Category("world").Warn().Str("account", ws.Account()).Str("opcode", p.handler.Name).Err(err).
				Msg("packet handler failed, kicking session")
			ws.Kick()
			return
		}
	}
}

func (m *SessionManager) handle(s *worldnet.Session, p queuedPacket) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Category("world").Error().Str("opcode", p.handler.Name).Any("panic", r).Msg("packet handler panicked")
			err = errors.New("handler panic")
		}
	}()
	metrics.IncrCounterWithDimGroup(metricsGroup, "packets_handled_total", 1, metrics.Dimension{"opcode": p.handler.Name})
	return p.handler.Handle(s, p.pkt)
}

// KickAll refuses new sessions and kicks the current ones.
func (m *SessionManager) KickAll() {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*worldSession, 0, len(m.sessions))
	for _, ws := range m.sessions {
		sessions = append(sessions, ws)
	}
	m.mu.Unlock()

	for _, ws := range sessions {
		ws.Kick()
	}
}

package world

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/worldcore/buffer"
	"github.com/lcx/worldcore/db"
	corenet "github.com/lcx/worldcore/net"
)

const testTimeout = 2 * time.Second

var testSessionKey = []byte("0123456789abcdef0123456789abcdef01234567")

// loginEngine answers the handshake queries from memory.
type loginEngine struct {
	mu       sync.Mutex
	ipBanned bool
	accounts map[string][]any
	banned   map[string]bool
	execs    []string
}

func newLoginEngine() *loginEngine {
	return &loginEngine{
		accounts: map[string][]any{
			"PLAYER": {int64(7), testSessionKey, "10.0.0.1", int64(0), int64(2), int64(0)},
		},
		banned: map[string]bool{},
	}
}

func (e *loginEngine) Query(_ context.Context, query string, args ...any) (*db.SQLResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch query {
	case loginStatements[LoginSelIPInfo]:
		if e.ipBanned {
			return db.NewSQLResult([]string{"banned"}, [][]any{{int64(1)}}), nil
		}
		return db.NewSQLResult([]string{"banned"}, nil), nil
	case loginStatements[LoginSelAccountInfoByName]:
		cols := []string{"id", "session_key", "last_ip", "locked", "expansion", "locale"}
		if row, ok := e.accounts[fmt.Sprint(args[0])]; ok {
			return db.NewSQLResult(cols, [][]any{row}), nil
		}
		return db.NewSQLResult(cols, nil), nil
	case loginStatements[LoginSelAccountBanned]:
		if e.banned[fmt.Sprint(args[0])] {
			return db.NewSQLResult([]string{"1"}, [][]any{{int64(1)}}), nil
		}
		return db.NewSQLResult([]string{"1"}, nil), nil
	}
	return nil, fmt.Errorf("unexpected query %q", query)
}

func (e *loginEngine) Exec(_ context.Context, query string, _ ...any) (int64, error) {
	e.mu.Lock()
	e.execs = append(e.execs, query)
	e.mu.Unlock()
	return 1, nil
}

func (e *loginEngine) ExecTx(context.Context, []db.Statement) error { return nil }
func (e *loginEngine) Close() error                                 { return nil }

func (e *loginEngine) Execs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.execs...)
}

type fakeSessions struct {
	mu      sync.Mutex
	reject  error
	added   []*Session
	removed []*Session
	queued  []Opcode
}

func (f *fakeSessions) AddSession(s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.added = append(f.added, s)
	return nil
}

func (f *fakeSessions) RemoveSession(s *Session) {
	f.mu.Lock()
	f.removed = append(f.removed, s)
	f.mu.Unlock()
}

func (f *fakeSessions) QueuePacket(_ *Session, pkt *WorldPacket, _ *OpcodeHandler) {
	f.mu.Lock()
	f.queued = append(f.queued, pkt.Opcode())
	f.mu.Unlock()
}

func (f *fakeSessions) snapshot() (added, removed int, queued []Opcode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added), len(f.removed), append([]Opcode(nil), f.queued...)
}

type serverPacket struct {
	op      Opcode
	payload []byte
}

// testClient plays the game client on the far end of a pipe.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	packets chan serverPacket
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	c := &testClient{t: t, conn: conn, packets: make(chan serverPacket, 16)}
	go c.readLoop()
	return c
}

func (c *testClient) readLoop() {
	defer close(c.packets)
	for {
		raw := make([]byte, largeServerHeaderSize)
		if _, err := io.ReadFull(c.conn, raw[:smallServerHeaderSize]); err != nil {
			return
		}
		n := smallServerHeaderSize
		if raw[0]&largePacketFlag != 0 {
			if _, err := io.ReadFull(c.conn, raw[4:5]); err != nil {
				return
			}
			n = largeServerHeaderSize
		}
		hdr, _, err := ReadServerPktHeader(raw[:n])
		if err != nil {
			return
		}
		payload := make([]byte, hdr.PayloadSize())
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		c.packets <- serverPacket{op: Opcode(hdr.Cmd), payload: payload}
	}
}

// send writes all frames in one write from a separate goroutine, the server
// may not be reading yet.
func (c *testClient) send(frames ...[]byte) {
	var all []byte
	for _, f := range frames {
		all = append(all, f...)
	}
	go func() { _, _ = c.conn.Write(all) }()
}

func (c *testClient) next() serverPacket {
	c.t.Helper()
	select {
	case p, ok := <-c.packets:
		require.True(c.t, ok, "connection closed")
		return p
	case <-time.After(testTimeout):
		c.t.Fatal("no packet from server")
	}
	return serverPacket{}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case p, ok := <-c.packets:
			if !ok {
				return
			}
			c.t.Logf("unexpected %s", p.op)
		case <-deadline:
			c.t.Fatal("connection still open")
		}
	}
}

func (c *testClient) challenge() uint32 {
	c.t.Helper()
	p := c.next()
	require.Equal(c.t, SMSG_AUTH_CHALLENGE, p.op)
	b := buffer.NewReadBuffer(p.payload)
	_, _ = b.ReadUInt32()
	seed, err := b.ReadUInt32()
	require.NoError(c.t, err)
	return seed
}

func (c *testClient) authResult() AuthResult {
	c.t.Helper()
	p := c.next()
	require.Equal(c.t, SMSG_AUTH_RESPONSE, p.op)
	require.NotEmpty(c.t, p.payload)
	return AuthResult(p.payload[0])
}

func clientFrame(op Opcode, payload []byte) []byte {
	frame := ClientPktHeader{Size: uint16(len(payload) + MinClientPacketSize), Cmd: uint32(op)}.AppendTo(nil)
	return append(frame, payload...)
}

func authFrame(account string, seed uint32, key []byte) []byte {
	a := &AuthSession{Build: 12340, Account: account, LocalChallenge: 0x1234}
	a.Digest = ComputeAuthDigest(account, a.LocalChallenge, seed, key)
	return clientFrame(CMSG_AUTH_SESSION, a.Encode())
}

func pingFrame(ping, latency uint32) []byte {
	b := buffer.NewWriteBuffer(8)
	_ = b.WriteUInt32(ping)
	_ = b.WriteUInt32(latency)
	return clientFrame(CMSG_PING, b.GetData())
}

type harness struct {
	engine   *loginEngine
	sessions *fakeSessions
	sock     *WorldSocket
	client   *testClient
}

func newHarness(t *testing.T, engine *loginEngine, opts Options, opcodes *OpcodeTable) *harness {
	t.Helper()
	pool := db.NewWorkerPool("login", engine)
	PrepareLoginStatements(pool)
	t.Cleanup(pool.Close)

	server, client := net.Pipe()
	sessions := &fakeSessions{}
	factory := NewSocketFactory(Deps{LoginDB: pool, Sessions: sessions, Opcodes: opcodes, Options: opts})
	sock, err := factory(server)
	require.NoError(t, err)

	th := corenet.NewNetworkThread[*WorldSocket](0, time.Millisecond, corenet.ThreadHooks[*WorldSocket]{})
	sock.Start()
	th.AddSocket(sock)
	th.Start()
	t.Cleanup(func() {
		th.Stop()
		th.Wait()
		_ = client.Close()
	})

	return &harness{engine: engine, sessions: sessions, sock: sock, client: newTestClient(t, client)}
}

func TestSocketFactoryNeedsDeps(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := NewSocketFactory(Deps{})(server)
	assert.Error(t, err)
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{}, nil)

	seed := h.client.challenge()
	h.client.send(authFrame("PLAYER", seed, testSessionKey), pingFrame(99, 30))

	p := h.client.next()
	require.Equal(t, SMSG_AUTH_RESPONSE, p.op)
	require.Len(t, p.payload, 11)
	assert.Equal(t, byte(AuthOK), p.payload[0])
	assert.Equal(t, byte(2), p.payload[10], "expansion")

	pong := h.client.next()
	require.Equal(t, SMSG_PONG, pong.op)
	assert.Equal(t, []byte{99, 0, 0, 0}, pong.payload)

	session := h.sock.Session()
	require.NotNil(t, session)
	assert.Equal(t, uint32(7), session.AccountID())
	assert.Equal(t, "PLAYER", session.Account())
	assert.Equal(t, uint32(12340), session.Build())
	assert.Equal(t, uint32(30), session.Latency())
	assert.True(t, session.IsConnected())

	added, _, _ := h.sessions.snapshot()
	assert.Equal(t, 1, added)
	assert.Eventually(t, func() bool {
		execs := h.engine.Execs()
		return len(execs) == 1 && execs[0] == loginStatements[LoginUpdLastIP]
	}, testTimeout, time.Millisecond)
}

func TestHandshakeRejected(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(e *loginEngine)
		account string
		key     []byte
		opts    Options
		want    AuthResult
	}{
		{"unknown account", nil, "NOBODY", testSessionKey, Options{}, AuthUnknownAccount},
		{"wrong key", nil, "PLAYER", []byte("wrong"), Options{}, AuthFailed},
		{"build not allowed", nil, "PLAYER", testSessionKey, Options{AllowedBuilds: []uint32{8606}}, AuthVersionMismatch},
		{"locked to other ip", func(e *loginEngine) { e.accounts["PLAYER"][accountColLocked] = int64(1) },
			"PLAYER", testSessionKey, Options{}, AuthFailed},
		{"banned account", func(e *loginEngine) { e.banned["7"] = true }, "PLAYER", testSessionKey, Options{}, AuthBanned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newLoginEngine()
			if tt.setup != nil {
				tt.setup(engine)
			}
			h := newHarness(t, engine, tt.opts, nil)

			seed := h.client.challenge()
			h.client.send(authFrame(tt.account, seed, tt.key))
			assert.Equal(t, tt.want, h.client.authResult())
			h.client.expectClosed()

			assert.Nil(t, h.sock.Session())
			added, removed, _ := h.sessions.snapshot()
			assert.Zero(t, added)
			assert.Zero(t, removed)
		})
	}
}

func TestHandshakeSessionRejected(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{}, nil)
	h.sessions.mu.Lock()
	h.sessions.reject = errors.New("already online")
	h.sessions.mu.Unlock()

	seed := h.client.challenge()
	h.client.send(authFrame("PLAYER", seed, testSessionKey))
	assert.Equal(t, AuthAlreadyOnline, h.client.authResult())
	h.client.expectClosed()
}

func TestBannedIP(t *testing.T) {
	engine := newLoginEngine()
	engine.ipBanned = true
	h := newHarness(t, engine, Options{}, nil)

	assert.Equal(t, AuthReject, h.client.authResult())
	h.client.expectClosed()
}

func TestInvalidHeaderCloses(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{}, nil)
	h.client.challenge()

	h.client.send(ClientPktHeader{Size: 2, Cmd: uint32(CMSG_PING)}.AppendTo(nil))
	h.client.expectClosed()
	assert.Eventually(t, func() bool { return !h.sock.IsOpen() }, testTimeout, time.Millisecond)
}

func TestOpcodeOutOfRangeCloses(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{}, nil)
	h.client.challenge()

	h.client.send(clientFrame(NumMsgTypes, nil))
	h.client.expectClosed()
}

func TestPacketsBeforeAuthClose(t *testing.T) {
	for _, frame := range [][]byte{pingFrame(1, 1), clientFrame(Opcode(0x100), nil)} {
		h := newHarness(t, newLoginEngine(), Options{}, nil)
		h.client.challenge()
		h.client.send(frame)
		h.client.expectClosed()
	}
}

func TestDispatchAfterAuth(t *testing.T) {
	var (
		mu      sync.Mutex
		inplace []uint32
	)
	opcodes := NewOpcodeTable()
	require.NoError(t, opcodes.Register(Opcode(0x100), OpcodeHandler{
		Status:     StatusAuthed,
		Processing: ProcessInplace,
		Handle: func(s *Session, pkt *WorldPacket) error {
			v, err := pkt.Buffer().ReadUInt32()
			mu.Lock()
			inplace = append(inplace, v)
			mu.Unlock()
			return err
		},
	}))
	require.NoError(t, opcodes.Register(Opcode(0x101), OpcodeHandler{
		Status:     StatusLoggedIn,
		Processing: ProcessThreadUnsafe,
		Handle:     func(*Session, *WorldPacket) error { return nil },
	}))
	require.NoError(t, opcodes.Register(Opcode(0x102), OpcodeHandler{Status: StatusUnhandled}))

	h := newHarness(t, newLoginEngine(), Options{}, opcodes)
	seed := h.client.challenge()
	h.client.send(authFrame("PLAYER", seed, testSessionKey))
	require.Equal(t, AuthOK, h.client.authResult())

	h.client.send(
		clientFrame(Opcode(0x100), []byte{5, 0, 0, 0}),
		clientFrame(Opcode(0x102), nil),
		clientFrame(Opcode(0x101), []byte{1}),
		clientFrame(CMSG_KEEP_ALIVE, nil),
		pingFrame(3, 0),
	)
	require.Equal(t, SMSG_PONG, h.client.next().op)

	mu.Lock()
	assert.Equal(t, []uint32{5}, inplace)
	mu.Unlock()
	_, _, queued := h.sessions.snapshot()
	assert.Equal(t, []Opcode{Opcode(0x101)}, queued)
	assert.False(t, h.sock.Session().LastKeepAlive().IsZero())
}

func TestFloodCloses(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{PacketRate: 1, PacketBurst: 1}, nil)
	seed := h.client.challenge()
	h.client.send(authFrame("PLAYER", seed, testSessionKey))
	require.Equal(t, AuthOK, h.client.authResult())

	h.client.send(pingFrame(1, 0))
	h.client.expectClosed()
}

func TestOverspeedPingsClose(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{MaxOverspeedPings: 1}, nil)
	seed := h.client.challenge()
	h.client.send(authFrame("PLAYER", seed, testSessionKey))
	require.Equal(t, AuthOK, h.client.authResult())

	h.client.send(pingFrame(1, 0), pingFrame(2, 0))
	assert.Equal(t, SMSG_PONG, h.client.next().op)
	assert.Equal(t, SMSG_PONG, h.client.next().op)
	assert.True(t, h.sock.IsOpen())

	h.client.send(pingFrame(3, 0))
	h.client.expectClosed()
}

func TestCloseRemovesSession(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{}, nil)
	seed := h.client.challenge()
	h.client.send(authFrame("PLAYER", seed, testSessionKey))
	require.Equal(t, AuthOK, h.client.authResult())

	require.NoError(t, h.client.conn.Close())
	assert.Eventually(t, func() bool {
		_, removed, _ := h.sessions.snapshot()
		return removed == 1
	}, testTimeout, time.Millisecond)
	assert.False(t, h.sock.Session().IsConnected())
}

func TestSendPacketAfterKick(t *testing.T) {
	h := newHarness(t, newLoginEngine(), Options{}, nil)
	seed := h.client.challenge()
	h.client.send(authFrame("PLAYER", seed, testSessionKey))
	require.Equal(t, AuthOK, h.client.authResult())

	session := h.sock.Session()
	require.NoError(t, session.SendPacket(Opcode(0x200), []byte("bye")))
	session.Kick()
	assert.ErrorIs(t, session.SendPacket(Opcode(0x201), nil), corenet.ErrSocketClosed)

	p := h.client.next()
	assert.Equal(t, Opcode(0x200), p.op)
	assert.Equal(t, []byte("bye"), p.payload)
	h.client.expectClosed()
}

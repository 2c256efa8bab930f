package net

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeManager(t *testing.T, threads int) *SocketManager[*fakeSocket] {
	t.Helper()
	var (
		mu sync.Mutex
		id int
	)
	m := NewSocketManager(func(net.Conn) (*fakeSocket, error) {
		mu.Lock()
		defer mu.Unlock()
		id++
		return newFakeSocket(id, nil), nil
	}, WithTickInterval(time.Millisecond))
	require.NoError(t, m.StartNetwork("127.0.0.1", 0, threads))
	t.Cleanup(m.StopNetwork)
	return m
}

func threadCounts[S Socket](m *SocketManager[S]) []int32 {
	counts := make([]int32, m.GetNetworkThreadCount())
	for i := range counts {
		counts[i] = m.Thread(i).GetConnectionCount()
	}
	return counts
}

func TestSocketManager_PlacesOnLeastLoadedThread(t *testing.T) {
	m := startFakeManager(t, 3)
	assert.Equal(t, 3, m.GetNetworkThreadCount())
	assert.Equal(t, 0, m.SelectThreadWithMinConnections(), "ties go to the lowest index")

	var placed []int
	for i := 0; i < 6; i++ {
		before := threadCounts(m)
		server, client := net.Pipe()
		defer client.Close()
		defer server.Close()
		m.OnSocketOpen(server)

		after := threadCounts(m)
		for idx := range after {
			if after[idx] != before[idx] {
				placed = append(placed, idx)
			}
		}
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, placed)
	assert.Equal(t, []int32{2, 2, 2}, threadCounts(m))
}

func TestSocketManager_PrefersThreadWithFewerConnections(t *testing.T) {
	m := startFakeManager(t, 3)
	m.Thread(0).AddSocket(newFakeSocket(100, nil))
	m.Thread(0).AddSocket(newFakeSocket(101, nil))
	m.Thread(1).AddSocket(newFakeSocket(102, nil))

	assert.Equal(t, 2, m.SelectThreadWithMinConnections())
}

func TestSocketManager_FactoryFailureClosesConnection(t *testing.T) {
	m := NewSocketManager(func(net.Conn) (*fakeSocket, error) {
		return nil, errors.New("no slot")
	})
	require.NoError(t, m.StartNetwork("127.0.0.1", 0, 2))
	defer m.StopNetwork()

	server, client := net.Pipe()
	defer client.Close()
	conn := &countingConn{Conn: server}
	m.OnSocketOpen(conn)

	assert.Equal(t, int32(1), conn.closes.Load())
	assert.Equal(t, []int32{0, 0}, threadCounts(m))
}

func TestSocketManager_SocketOpenedDuringStopIsClosed(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	sock := newFakeSocket(1, nil)
	m := NewSocketManager(func(net.Conn) (*fakeSocket, error) {
		close(entered)
		<-release
		return sock, nil
	}, WithTickInterval(time.Millisecond))
	require.NoError(t, m.StartNetwork("127.0.0.1", 0, 1))
	thread := m.Thread(0)

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	opened := make(chan struct{})
	go func() {
		defer close(opened)
		m.OnSocketOpen(server)
	}()
	<-entered

	m.StopNetwork()
	close(release)
	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("OnSocketOpen did not return")
	}

	assert.True(t, sock.started.Load())
	assert.Equal(t, int32(1), sock.closes.Load(), "socket accepted while stopping is closed")
	assert.Zero(t, thread.GetConnectionCount())
}

func TestSocketManager_StartNetworkErrors(t *testing.T) {
	m := NewSocketManager(func(net.Conn) (*fakeSocket, error) { return newFakeSocket(0, nil), nil })

	assert.Error(t, m.StartNetwork("127.0.0.1", 0, 0))
	assert.Error(t, m.StartNetwork("not-an-ip", 0, 1))
	assert.Error(t, m.StartNetwork("127.0.0.1", 70000, 1))
	assert.Zero(t, m.GetNetworkThreadCount())
	assert.NotPanics(t, m.StopNetwork)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	assert.Error(t, m.StartNetwork("127.0.0.1", port, 1), "port in use")
	assert.Nil(t, m.Addr())
}

func TestSocketManager_StartTwice(t *testing.T) {
	m := startFakeManager(t, 1)
	assert.Error(t, m.StartNetwork("127.0.0.1", 0, 1))
}

func TestSocketManager_AcceptsOverLoopback(t *testing.T) {
	var (
		mu      sync.Mutex
		sockets []*echoSocket
	)
	m := NewSocketManager(func(conn net.Conn) (*echoSocket, error) {
		s := newEchoSocket(conn)
		mu.Lock()
		sockets = append(sockets, s)
		mu.Unlock()
		return s, nil
	}, WithAcceptorOptions(AcceptorOptions{NoDelay: true, ReadBufferSize: 8192, WriteBufferSize: 8192}))
	require.NoError(t, m.StartNetwork("127.0.0.1", 0, 2))

	addr := m.Addr().String()
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sockets) == 1 && sockets[0].Received() == "ping"
	}, 2*time.Second, 5*time.Millisecond)

	m.StopNetwork()
	assert.Equal(t, int32(1), sockets[0].closes.Load(), "stopping the network closes its sockets")
	assert.Zero(t, m.GetNetworkThreadCount())
	assert.Nil(t, m.Addr())

	_, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestSocketManager_OnConfigChanged(t *testing.T) {
	m := startFakeManager(t, 1)

	assert.NoError(t, m.OnConfigChanged("logger", nil, nil))
	assert.Error(t, m.OnConfigChanged(NetworkConfigName, nil, nil))
	require.NoError(t, m.OnConfigChanged(NetworkConfigName, &NetworkCfg{AcceptRate: 50}, nil))
	assert.Equal(t, 50, m.opts.acceptor.AcceptRate)
}

func TestNetworkCfg_Validate(t *testing.T) {
	valid := NetworkCfg{BindIP: "0.0.0.0", Port: 8085, Threads: 2}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, NetworkConfigName, valid.GetName())

	tests := []struct {
		name   string
		mutate func(*NetworkCfg)
	}{
		{"bad ip", func(c *NetworkCfg) { c.BindIP = "localhost" }},
		{"bad port", func(c *NetworkCfg) { c.Port = -1 }},
		{"no threads", func(c *NetworkCfg) { c.Threads = 0 }},
		{"negative rate", func(c *NetworkCfg) { c.AcceptRate = -1 }},
		{"negative queue", func(c *NetworkCfg) { c.SendQueueSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPacketLimiter(t *testing.T) {
	l := NewPacketLimiter(1, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	l.Reload(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow())
	}
}

func TestAcceptLimiter_Unlimited(t *testing.T) {
	l := NewAcceptLimiter(0)
	start := time.Now()
	for i := 0; i < 1000; i++ {
		l.Take()
	}
	assert.Less(t, time.Since(start), time.Second)

	l.Reload(1000)
	l.Take()
}

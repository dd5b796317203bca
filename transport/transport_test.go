// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxjms/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu           sync.Mutex
	packets      []Packet
	connected    atomic.Int32
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan error, 1)}
}

func (r *recorder) OnConnected() { r.connected.Add(1) }

func (r *recorder) OnPacket(p Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
}

func (r *recorder) OnDisconnected(err error) { r.disconnected <- err }

func (r *recorder) received() []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Packet(nil), r.packets...)
}

func connectPair(t *testing.T, ccfg, scfg Config) (*Transport, *recorder, *Transport, *recorder) {
	t.Helper()
	c, s := net.Pipe()

	ccfg.Role = RoleClient
	scfg.Role = RoleServer
	crec, srec := newRecorder(), newRecorder()
	client := New(Conn(c), ccfg, crec, nil)
	server := New(Conn(s), scfg, srec, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(context.Background()) }()
	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, <-errCh)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, crec, server, srec
}

func TestTransport_Handshake(t *testing.T) {
	scfg := Config{
		Accept: func(hello []byte) ([]byte, error) {
			return append([]byte("welcome "), hello...), nil
		},
	}
	client, crec, server, srec := connectPair(t, Config{Hello: []byte("alice")}, scfg)

	assert.Equal(t, StateStarted, client.State())
	assert.Equal(t, StateStarted, server.State())
	assert.Equal(t, "alice", string(server.Peer()))
	assert.Equal(t, "welcome alice", string(client.Peer()))
	assert.Equal(t, int32(1), crec.connected.Load())
	assert.Equal(t, int32(1), srec.connected.Load())

	assert.ErrorIs(t, client.Start(context.Background()), ErrAlreadyStarted)
}

func TestTransport_Rejected(t *testing.T) {
	c, s := net.Pipe()
	server := New(Conn(s), Config{
		Role:   RoleServer,
		Accept: func([]byte) ([]byte, error) { return nil, errors.New("bad credentials") },
	}, nil, nil)
	client := New(Conn(c), Config{Role: RoleClient}, nil, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(context.Background()) }()

	err := client.Start(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.ErrorIs(t, <-errCh, ErrRejected)
	assert.True(t, client.IsClosed())
	assert.True(t, server.IsClosed())
	assert.ErrorIs(t, client.Send(NewPacket(Send, 1, nil)), ErrClosed)
}

func TestTransport_VersionMismatch(t *testing.T) {
	c, s := net.Pipe()
	server := New(Conn(s), Config{Role: RoleServer}, nil, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(context.Background()) }()

	go func() {
		c.Write(rawHeader(7, byte(Connect), 0))
	}()
	reply, err := ReadPacket(c, 0)
	require.NoError(t, err)
	assert.Equal(t, Close, reply.Type)

	err = <-errCh
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	c.Close()
}

func TestTransport_HandshakeTimeout(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	server := New(Conn(s), Config{Role: RoleServer, HandshakeTimeout: 50 * time.Millisecond}, nil, nil)

	err := server.Start(context.Background())
	assert.ErrorIs(t, err, ErrHandshake)
	assert.True(t, server.IsClosed())
}

func TestTransport_SendOrdered(t *testing.T) {
	client, _, _, srec := connectPair(t, Config{}, Config{})

	const n = 200
	for i := range n {
		require.NoError(t, client.Send(NewPacket(Send, int32(i+1), []byte{byte(i)})))
	}
	require.Eventually(t, func() bool { return len(srec.received()) == n }, 2*time.Second, 5*time.Millisecond)
	for i, p := range srec.received() {
		assert.Equal(t, int32(i+1), p.Endpoint)
		assert.Equal(t, []byte{byte(i)}, p.Payload)
	}

	st := client.Stats()
	assert.GreaterOrEqual(t, st.PacketsSent, uint64(n))
}

func TestTransport_NotStarted(t *testing.T) {
	tr := New(nil, Config{}, nil, nil)
	assert.ErrorIs(t, tr.Send(NewPacket(Ping, 0, nil)), ErrNotStarted)
	assert.ErrorIs(t, tr.Start(context.Background()), ErrNoChannelFactory)
	assert.Equal(t, StateCreated, tr.State())
	require.NoError(t, tr.Close())
}

func TestTransport_Close(t *testing.T) {
	client, crec, server, srec := connectPair(t, Config{}, Config{})

	require.NoError(t, client.Send(NewPacket(Send, 1, []byte("last"))))
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	select {
	case err := <-srec.disconnected:
		assert.NoError(t, err, "remote close is a clean disconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the close")
	}
	select {
	case <-crec.disconnected:
	case <-time.After(time.Second):
		t.Fatal("client listener not notified")
	}

	got := srec.received()
	require.Len(t, got, 1, "queued packets drain before close")
	assert.Equal(t, "last", string(got[0].Payload))

	assert.True(t, server.IsClosed())
	assert.ErrorIs(t, client.Send(NewPacket(Send, 1, nil)), ErrClosed)
	<-client.Done()
}

func TestTransport_PeerDrop(t *testing.T) {
	c, s := net.Pipe()
	srec := newRecorder()
	server := New(Conn(s), Config{Role: RoleServer}, srec, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(context.Background()) }()
	require.NoError(t, WritePacket(c, NewPacket(Connect, 0, nil)))
	ok, err := ReadPacket(c, 0)
	require.NoError(t, err)
	require.Equal(t, ConnectOk, ok.Type)
	require.NoError(t, <-errCh)

	// A frame with an unknown type is a protocol violation.
	_, err = c.Write(rawHeader(1, 0x77, 0))
	require.NoError(t, err)

	select {
	case err := <-srec.disconnected:
		assert.ErrorIs(t, err, ErrUnknownType)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close on protocol violation")
	}
	assert.True(t, server.IsClosed())
}

func TestTransport_Endpoints(t *testing.T) {
	tr := New(nil, Config{}, nil, nil)

	require.NoError(t, tr.BindEndpoint(1, EndpointSession))
	require.NoError(t, tr.BindEndpoint(2, EndpointConsumer))
	assert.ErrorIs(t, tr.BindEndpoint(1, EndpointProducer), ErrEndpointInUse)
	assert.ErrorIs(t, tr.BindEndpoint(0, EndpointProducer), ErrInvalidEndpoint)
	assert.ErrorIs(t, tr.BindEndpoint(3, EndpointNone), ErrInvalidEndpoint)

	assert.Equal(t, EndpointConsumer, tr.EndpointKind(2))
	tr.ReleaseEndpoint(2)
	assert.Equal(t, EndpointNone, tr.EndpointKind(2))
	require.NoError(t, tr.BindEndpoint(2, EndpointProducer))
}

func TestTransport_Throttling(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()

	var writable atomic.Int32
	server := New(Conn(s), Config{
		Role:          RoleServer,
		HighWatermark: 1024,
		LowWatermark:  256,
		OnWritable:    func() { writable.Add(1) },
	}, nil, nil)
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(context.Background()) }()
	require.NoError(t, WritePacket(c, NewPacket(Connect, 0, nil)))
	_, err := ReadPacket(c, 0)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	// Nobody reads c, so the writer stalls and the queue grows.
	payload := make([]byte, 200)
	for range 10 {
		require.NoError(t, server.Send(NewPacket(Notify, 1, payload)))
	}
	assert.True(t, server.NeedsThrottling())
	assert.Zero(t, writable.Load())

	go func() {
		for {
			if _, err := ReadPacket(c, 0); err != nil {
				return
			}
		}
	}()
	assert.Eventually(t, func() bool { return !server.NeedsThrottling() }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return writable.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransport_BlockOnThrottle(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()

	server := New(Conn(s), Config{
		Role:            RoleServer,
		HighWatermark:   512,
		LowWatermark:    128,
		BlockOnThrottle: true,
	}, nil, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(context.Background()) }()
	require.NoError(t, WritePacket(c, NewPacket(Connect, 0, nil)))
	_, err := ReadPacket(c, 0)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	payload := make([]byte, 300)
	for range 2 {
		require.NoError(t, server.Send(NewPacket(Notify, 1, payload)))
	}
	require.True(t, server.NeedsThrottling())

	sent := make(chan error, 1)
	go func() { sent <- server.Send(NewPacket(Notify, 1, payload)) }()
	select {
	case <-sent:
		t.Fatal("send did not block while throttled")
	case <-time.After(50 * time.Millisecond):
	}

	server.fail(errors.New("gone"))
	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released by close")
	}
}

func TestTransport_PingPong(t *testing.T) {
	client, _, server, _ := connectPair(t, Config{PingInterval: 10 * time.Millisecond}, Config{})

	assert.Eventually(t, func() bool {
		return client.Stats().PacketsReceived >= 2 && server.Stats().PacketsReceived >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_IdleTimeout(t *testing.T) {
	_, _, server, srec := connectPair(t, Config{}, Config{IdleTimeout: time.Minute})

	assert.Equal(t, time.Minute, server.TimeoutDelay())
	assert.WithinDuration(t, time.Now(), server.LastActivity(), time.Second)

	unregister, err := server.OnTimeout()
	require.NoError(t, err)
	assert.True(t, unregister)
	assert.ErrorIs(t, <-srec.disconnected, ErrIdleTimeout)
	assert.Zero(t, server.TimeoutDelay())
}

// silentPeer completes a client handshake on a raw TCP connection and then
// only drains what the server writes. It never answers pings.
func silentPeer(t *testing.T, addr string) *atomic.Int32 {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, WritePacket(conn, NewPacket(Connect, 0, []byte("silent"))))
	p, err := ReadPacket(conn, DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, ConnectOk, p.Type)

	var pings atomic.Int32
	go func() {
		for {
			p, err := ReadPacket(conn, DefaultMaxPayload)
			if err != nil {
				return
			}
			if p.Type == Ping {
				pings.Add(1)
			}
		}
	}()
	return &pings
}

func TestTransport_SilentPeerEvicted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	srec := newRecorder()
	started := make(chan error, 1)
	var server *Transport
	go func() {
		c := <-accepted
		server = New(Conn(c), Config{
			Role:         RoleServer,
			PingInterval: 20 * time.Millisecond,
			IdleTimeout:  150 * time.Millisecond,
		}, srec, nil)
		started <- server.Start(context.Background())
	}()

	pings := silentPeer(t, ln.Addr().String())
	require.NoError(t, <-started)
	defer server.Close()

	wd := watchdog.New(watchdog.Config{PollInterval: 10 * time.Millisecond}, nil)
	wd.Register("silent", server)
	wd.Start(context.Background())
	defer wd.Stop()

	select {
	case err := <-srec.disconnected:
		assert.ErrorIs(t, err, ErrIdleTimeout)
	case <-time.After(2 * time.Second):
		t.Fatalf("silent peer not evicted, idle %s", time.Since(server.LastActivity()))
	}
	assert.True(t, server.IsClosed())
	assert.Positive(t, pings.Load())
	assert.EqualValues(t, 1, wd.Stats().Evictions)
	assert.Zero(t, wd.Len())
}

func TestTransport_RespondingPeerKept(t *testing.T) {
	_, _, server, _ := connectPair(t, Config{}, Config{
		PingInterval: 20 * time.Millisecond,
		IdleTimeout:  150 * time.Millisecond,
	})

	wd := watchdog.New(watchdog.Config{PollInterval: 10 * time.Millisecond}, nil)
	wd.Register("peer", server)
	wd.Start(context.Background())
	defer wd.Stop()

	// Pongs from the client keep the server's read time moving.
	time.Sleep(500 * time.Millisecond)
	assert.False(t, server.IsClosed())
	assert.Zero(t, wd.Stats().Timeouts)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the framed packet connection between a client
// and the broker. A Transport owns one network channel, performs the
// handshake and then runs a single reader and a single writer goroutine.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultHighWatermark    = 4 * 1024 * 1024
	DefaultLowWatermark     = 1024 * 1024

	closeDrainTimeout = time.Second
	bufferSize        = 64 * 1024
)

var (
	ErrClosed           = errors.New("transport is closed")
	ErrNotStarted       = errors.New("transport is not started")
	ErrAlreadyStarted   = errors.New("transport already started")
	ErrHandshake        = errors.New("handshake failed")
	ErrRejected         = errors.New("connection rejected by peer")
	ErrEndpointInUse    = errors.New("endpoint id already in use")
	ErrInvalidEndpoint  = errors.New("invalid endpoint id")
	ErrIdleTimeout      = errors.New("transport idle timeout")
	ErrNoChannelFactory = errors.New("no channel factory")
)

// Role selects the handshake side.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// State is the lifecycle state of a transport.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EndpointKind tells what a bound endpoint id addresses.
type EndpointKind uint8

const (
	EndpointNone EndpointKind = iota
	EndpointSession
	EndpointProducer
	EndpointConsumer
)

// ChannelFactory opens the network channel of a transport: a dialer on the
// client side, or a function returning an accepted connection on the server.
type ChannelFactory func(ctx context.Context) (net.Conn, error)

// Conn returns a factory handing out an already established connection.
func Conn(c net.Conn) ChannelFactory {
	return func(context.Context) (net.Conn, error) {
		return c, nil
	}
}

// Listener receives transport events. All calls come from the reader
// goroutine, in order, except OnConnected which runs inside Start.
type Listener interface {
	OnConnected()
	OnPacket(p Packet)
	OnDisconnected(err error)
}

// Config configures a transport.
type Config struct {
	Role Role
	// Hello is the Connect payload sent by a client.
	Hello []byte
	// Accept validates a client's Connect payload on the server and returns the
	// ConnectOk payload. A nil Accept accepts everybody.
	Accept func(hello []byte) ([]byte, error)

	MaxPayload       int
	HandshakeTimeout time.Duration

	// Throttling thresholds on queued outbound bytes.
	HighWatermark int
	LowWatermark  int
	// BlockOnThrottle makes Send wait while the transport is throttled.
	BlockOnThrottle bool
	// OnWritable runs when queued bytes fall back under LowWatermark.
	OnWritable func()

	// PingInterval enables keepalive pings; zero disables them.
	PingInterval time.Duration
	// IdleTimeout is how long the peer may send nothing before a watchdog
	// evicts the transport; zero disables it.
	IdleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = DefaultHighWatermark
	}
	if c.LowWatermark <= 0 || c.LowWatermark > c.HighWatermark {
		c.LowWatermark = c.HighWatermark / 4
	}
}

// Stats holds transport counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Queued          int
}

// Transport is a framed, bidirectional packet connection.
type Transport struct {
	factory  ChannelFactory
	cfg      Config
	listener Listener
	logger   *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	peer   []byte

	state atomic.Int32

	// mu guards the outbound queue and throttling state.
	mu        sync.Mutex
	queue     []Packet
	queued    int
	throttled bool
	writable  chan struct{}
	draining  bool

	wakeCh     chan struct{}
	closeCh    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	epMu      sync.RWMutex
	endpoints map[int32]EndpointKind

	// Inbound only: our own pings must not keep a silent peer alive.
	lastRead atomic.Int64

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
}

// New creates a transport in the created state.
func New(factory ChannelFactory, cfg Config, listener Listener, logger *slog.Logger) *Transport {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		factory:    factory,
		cfg:        cfg,
		listener:   listener,
		logger:     logger,
		writable:   make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
		endpoints:  make(map[int32]EndpointKind),
	}
	t.touch()
	return t
}

// Start opens the channel, runs the handshake and starts the I/O goroutines.
func (t *Transport) Start(ctx context.Context) error {
	if t.factory == nil {
		return ErrNoChannelFactory
	}
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		if t.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}

	conn, err := t.factory(ctx)
	if err != nil {
		t.state.Store(int32(StateClosed))
		return fmt.Errorf("failed to open channel: %w", err)
	}
	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, bufferSize)
	t.writer = bufio.NewWriterSize(conn, bufferSize)

	if err := t.handshake(ctx); err != nil {
		t.state.Store(int32(StateClosed))
		close(t.closeCh)
		conn.Close()
		return err
	}
	t.touch()

	if t.listener != nil {
		t.listener.OnConnected()
	}
	go t.writeLoop()
	go t.readLoop()
	if t.cfg.PingInterval > 0 {
		go t.pingLoop()
	}
	return nil
}

func (t *Transport) handshake(ctx context.Context) error {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	// Cancelling ctx aborts a handshake blocked on I/O.
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetDeadline(time.Now())
	})
	defer stop()

	var err error
	if t.cfg.Role == RoleClient {
		err = t.clientHandshake()
	} else {
		err = t.serverHandshake()
	}
	if err != nil {
		return err
	}
	return t.conn.SetDeadline(time.Time{})
}

func (t *Transport) clientHandshake() error {
	if err := t.writeDirect(NewPacket(Connect, 0, t.cfg.Hello)); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	p, err := ReadPacket(t.reader, t.cfg.MaxPayload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	switch p.Type {
	case ConnectOk:
		t.peer = p.Payload
		return nil
	case Close:
		return fmt.Errorf("%w: %s", ErrRejected, p.Payload)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrHandshake, p.Type)
	}
}

func (t *Transport) serverHandshake() error {
	p, err := ReadPacket(t.reader, t.cfg.MaxPayload)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			t.refuse(err.Error())
		}
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if p.Type != Connect {
		t.refuse("expected " + Connect.String())
		return fmt.Errorf("%w: unexpected %s", ErrHandshake, p.Type)
	}

	var reply []byte
	if t.cfg.Accept != nil {
		if reply, err = t.cfg.Accept(p.Payload); err != nil {
			t.refuse(err.Error())
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	t.peer = p.Payload
	if err := t.writeDirect(NewPacket(ConnectOk, 0, reply)); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return nil
}

// refuse tells the peer why the handshake failed. Errors are ignored since
// the connection is dropped anyway.
func (t *Transport) refuse(reason string) {
	_ = t.writeDirect(NewPacket(Close, 0, []byte(reason)))
}

// writeDirect writes before the writer goroutine exists.
func (t *Transport) writeDirect(p Packet) error {
	if err := WritePacket(t.writer, p); err != nil {
		return err
	}
	t.count(p)
	return t.writer.Flush()
}

func (t *Transport) count(p Packet) {
	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(p.Size()))
}

// Peer returns the handshake payload of the remote side: the client hello on
// a server, the ConnectOk payload on a client.
func (t *Transport) Peer() []byte {
	return t.peer
}

// RemoteAddr returns the remote network address once started.
func (t *Transport) RemoteAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// Send queues p for the writer goroutine.
func (t *Transport) Send(p Packet) error {
	if p.Version == 0 {
		p.Version = ProtocolVersion
	}
	for {
		t.mu.Lock()
		switch State(t.state.Load()) {
		case StateCreated:
			t.mu.Unlock()
			return ErrNotStarted
		case StateClosed:
			t.mu.Unlock()
			return ErrClosed
		}
		if t.throttled && t.cfg.BlockOnThrottle {
			ch := t.writable
			t.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-t.closeCh:
				return ErrClosed
			}
		}
		t.enqueue(p)
		t.mu.Unlock()
		t.wake()
		return nil
	}
}

// post queues a connection-level packet regardless of throttling.
func (t *Transport) post(p Packet) bool {
	t.mu.Lock()
	if t.State() != StateStarted {
		t.mu.Unlock()
		return false
	}
	t.enqueue(p)
	t.mu.Unlock()
	t.wake()
	return true
}

// enqueue appends to the queue. Callers hold mu.
func (t *Transport) enqueue(p Packet) {
	t.queue = append(t.queue, p)
	t.queued += p.Size()
	if !t.throttled && t.queued > t.cfg.HighWatermark {
		t.throttled = true
	}
}

func (t *Transport) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// NeedsThrottling reports whether queued bytes went over the high watermark
// and have not yet drained under the low watermark.
func (t *Transport) NeedsThrottling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.throttled
}

func (t *Transport) writeLoop() {
	defer close(t.writerDone)

	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		draining := t.draining
		t.mu.Unlock()

		if len(batch) == 0 {
			if draining {
				return
			}
			select {
			case <-t.wakeCh:
				continue
			case <-t.closeCh:
				return
			}
		}

		size := 0
		for _, p := range batch {
			if err := WritePacket(t.writer, p); err != nil {
				t.fail(fmt.Errorf("write failed: %w", err))
				return
			}
			t.count(p)
			size += p.Size()
		}
		if err := t.writer.Flush(); err != nil {
			t.fail(fmt.Errorf("write failed: %w", err))
			return
		}
		t.release(size)
	}
}

// release accounts written bytes and lifts throttling under the low watermark.
func (t *Transport) release(size int) {
	t.mu.Lock()
	t.queued -= size
	lifted := t.throttled && t.queued <= t.cfg.LowWatermark
	if lifted {
		t.throttled = false
		close(t.writable)
		t.writable = make(chan struct{})
	}
	t.mu.Unlock()

	if lifted && t.cfg.OnWritable != nil {
		t.cfg.OnWritable()
	}
}

func (t *Transport) readLoop() {
	for {
		p, err := ReadPacket(t.reader, t.cfg.MaxPayload)
		if err != nil {
			if IsProtocolViolation(err) {
				t.logger.Warn("closing transport on protocol violation",
					slog.String("remote", addr(t.conn)),
					slog.String("error", err.Error()))
			}
			t.fail(err)
			return
		}
		t.packetsReceived.Add(1)
		t.bytesReceived.Add(uint64(p.Size()))
		t.touch()

		switch p.Type {
		case Ping:
			t.post(NewPacket(Pong, p.Endpoint, nil))
		case Pong:
		case Close:
			t.shutdown(nil, false)
			return
		default:
			if t.listener != nil {
				t.listener.OnPacket(p)
			}
		}
	}
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
			if !t.post(NewPacket(Ping, 0, nil)) {
				return
			}
		}
	}
}

// Close sends a Close packet, drains queued packets for a short while and
// closes the channel. It is idempotent.
func (t *Transport) Close() error {
	t.shutdown(nil, true)
	return nil
}

func (t *Transport) fail(err error) {
	t.shutdown(err, false)
}

func (t *Transport) shutdown(cause error, graceful bool) {
	t.closeOnce.Do(func() {
		prev := State(t.state.Swap(int32(StateClosed)))
		if prev != StateStarted {
			return
		}

		if graceful {
			t.mu.Lock()
			t.enqueue(NewPacket(Close, 0, nil))
			t.draining = true
			t.mu.Unlock()
			t.wake()
			select {
			case <-t.writerDone:
			case <-time.After(closeDrainTimeout):
			}
		}
		close(t.closeCh)
		t.conn.Close()

		if cause != nil {
			t.logger.Debug("transport closed", slog.String("remote", addr(t.conn)), slog.String("error", cause.Error()))
		}
		if t.listener != nil {
			t.listener.OnDisconnected(cause)
		}
	})
}

// IsClosed reports whether the transport reached the closed state.
func (t *Transport) IsClosed() bool {
	return t.State() == StateClosed
}

// State returns the lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Done is closed once the transport is closed after being started.
func (t *Transport) Done() <-chan struct{} {
	return t.closeCh
}

// BindEndpoint reserves id for an endpoint of the given kind.
func (t *Transport) BindEndpoint(id int32, kind EndpointKind) error {
	if id <= 0 || kind == EndpointNone {
		return ErrInvalidEndpoint
	}
	t.epMu.Lock()
	defer t.epMu.Unlock()

	if _, ok := t.endpoints[id]; ok {
		return fmt.Errorf("%w: %d", ErrEndpointInUse, id)
	}
	t.endpoints[id] = kind
	return nil
}

// ReleaseEndpoint frees id for reuse.
func (t *Transport) ReleaseEndpoint(id int32) {
	t.epMu.Lock()
	defer t.epMu.Unlock()
	delete(t.endpoints, id)
}

// EndpointKind returns the kind bound to id, or EndpointNone.
func (t *Transport) EndpointKind(id int32) EndpointKind {
	t.epMu.RLock()
	defer t.epMu.RUnlock()
	return t.endpoints[id]
}

func (t *Transport) touch() {
	t.lastRead.Store(time.Now().UnixNano())
}

// LastActivity returns the time the last packet was read from the peer, or
// the handshake time if none was read since.
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastRead.Load())
}

// TimeoutDelay returns the configured idle timeout.
func (t *Transport) TimeoutDelay() time.Duration {
	if t.State() != StateStarted {
		return 0
	}
	return t.cfg.IdleTimeout
}

// OnTimeout closes an idle transport and asks to be unregistered.
func (t *Transport) OnTimeout() (bool, error) {
	t.logger.Info("closing idle transport",
		slog.String("remote", addr(t.conn)),
		slog.Duration("idle", time.Since(t.LastActivity())))
	t.fail(ErrIdleTimeout)
	return true, nil
}

// Stats returns the transport counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	queued := t.queued
	t.mu.Unlock()
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		Queued:          queued,
	}
}

func addr(c net.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}

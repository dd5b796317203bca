// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/absmach/fluxjms/broker/events"
	"github.com/absmach/fluxjms/codec"
	"github.com/absmach/fluxjms/protocol"
	"github.com/absmach/fluxjms/transport"
	"github.com/absmach/fluxjms/types"
	"github.com/google/uuid"
)

// MaxClientIDLength bounds the client id announced in the hello.
const MaxClientIDLength = 128

var errMalformed = errors.New("malformed request")

// Connection is one client connection. It receives packets from its
// transport on a single goroutine and owns the sessions opened on it.
type Connection struct {
	id        string
	broker    *Broker
	transport *transport.Transport
	logger    *slog.Logger
	enc       codec.EncodeOptions
	ctx       context.Context
	cancel    context.CancelFunc

	clientID string
	software string
	remote   string

	// mu serializes packet handling with disconnect cleanup.
	mu       sync.Mutex
	sessions map[int32]*Session
	closed   bool
	done     chan struct{}
}

func newConnection(b *Broker, conn net.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.New().String(),
		broker:   b,
		enc:      codec.EncodeOptions{CompressThreshold: b.cfg.CompressThreshold},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[int32]*Session),
		done:     make(chan struct{}),
		remote:   remote(conn),
	}
	c.logger = b.logger.With(slog.String("connection", c.id), slog.String("remote", c.remote))

	cfg := b.cfg.Transport
	cfg.Role = transport.RoleServer
	cfg.Accept = c.accept
	cfg.OnWritable = c.onWritable
	c.transport = transport.New(transport.Conn(conn), cfg, c, c.logger)
	return c
}

func remote(conn net.Conn) string {
	if conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// ID returns the connection id sent to the client in the welcome.
func (c *Connection) ID() string {
	return c.id
}

// ClientID returns the client id of the hello, or a generated one.
func (c *Connection) ClientID() string {
	return c.clientID
}

// accept validates the client hello and builds the welcome.
func (c *Connection) accept(payload []byte) ([]byte, error) {
	var hello protocol.Hello
	if err := hello.Decode(payload); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}
	if hello.ClientID == "" {
		hello.ClientID = "anonymous-" + c.id
	} else if err := types.ValidateName(hello.ClientID, MaxClientIDLength); err != nil {
		return nil, fmt.Errorf("invalid client id: %w", err)
	}
	c.clientID = hello.ClientID
	c.software = hello.Software

	welcome := protocol.Welcome{
		ConnectionID: c.id,
		Server:       c.broker.cfg.ServerName,
		MaxPayload:   uint32(c.broker.cfg.Transport.MaxPayload),
	}
	if welcome.MaxPayload == 0 {
		welcome.MaxPayload = transport.DefaultMaxPayload
	}
	return welcome.Encode(), nil
}

// OnConnected runs once the handshake succeeded.
func (c *Connection) OnConnected() {
	c.broker.stats.connected()
	c.broker.metrics.RecordConnection()
	c.logger.Info("client connected", slog.String("client_id", c.clientID))
	c.broker.notify(events.ClientConnected{
		ConnectionID: c.id,
		ClientID:     c.clientID,
		Software:     c.software,
		RemoteAddr:   c.remote,
	})
}

// register runs fn unless the connection is already disconnected, so that
// nothing registered by fn outlives OnDisconnected.
func (c *Connection) register(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	fn()
	return true
}

// OnDisconnected closes every session and requeues the messages they had in
// flight.
func (c *Connection) OnDisconnected(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	clear(c.sessions)
	c.mu.Unlock()

	c.cancel()
	requeued := 0
	for _, s := range sessions {
		requeued += s.close()
	}
	c.broker.removeConnection(c)
	c.broker.stats.disconnected()

	reason := "normal"
	switch {
	case errors.Is(err, transport.ErrIdleTimeout):
		reason = "timeout"
	case err != nil:
		reason = "error"
	}
	c.broker.metrics.RecordDisconnection(reason)
	c.logger.Info("client disconnected",
		slog.String("client_id", c.clientID),
		slog.String("reason", reason),
		slog.Int("requeued", requeued))
	c.broker.notify(events.ClientDisconnected{
		ConnectionID: c.id,
		ClientID:     c.clientID,
		Reason:       reason,
		Requeued:     requeued,
	})
	close(c.done)
}

// onWritable resumes the dispatchers held back by throttling.
func (c *Connection) onWritable() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.dispatcher.Resume()
	}
}

// OnPacket handles one request. Malformed payloads and packets a client must
// not send close the connection.
func (c *Connection) OnPacket(p transport.Packet) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	reqID, err := c.handle(p)
	c.mu.Unlock()

	if errors.Is(err, errMalformed) {
		c.broker.stats.protocolErrors.Add(1)
		c.broker.metrics.RecordError("protocol")
		c.logger.Warn("closing connection on protocol error",
			slog.String("packet", p.Type.String()),
			slog.String("error", err.Error()))
		c.transport.Close()
		return
	}
	c.reply(p.Endpoint, reqID, err)
}

func (c *Connection) reply(endpoint int32, reqID uint32, err error) {
	if reqID == 0 {
		if err != nil {
			c.logger.Debug("request without reply failed",
				slog.Int("endpoint", int(endpoint)),
				slog.String("error", err.Error()))
		}
		return
	}
	r := protocol.NewReply(reqID, replyError(err))
	if err := c.transport.Send(transport.NewPacket(transport.Reply, endpoint, r.Encode())); err != nil {
		c.logger.Debug("failed to send reply", slog.String("error", err.Error()))
	}
}

// decoder is implemented by every request payload.
type decoder interface {
	Decode(data []byte) error
}

func decode(p transport.Packet, m decoder) error {
	if err := m.Decode(p.Payload); err != nil {
		return fmt.Errorf("%w: %s: %w", errMalformed, p.Type, err)
	}
	return nil
}

// handle dispatches a packet and returns the request id to answer with the
// outcome. Callers hold mu.
func (c *Connection) handle(p transport.Packet) (uint32, error) {
	switch p.Type {
	case transport.SessionOpen:
		var m protocol.SessionOpen
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		return m.RequestID, c.openSession(p.Endpoint, m)

	case transport.SessionClose:
		var m protocol.Request
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		return m.RequestID, c.closeSession(p.Endpoint)

	case transport.Declare:
		var m protocol.Declare
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		_, err := c.broker.Declare(c.ctx, m.Config())
		return m.RequestID, err

	case transport.Delete:
		var m protocol.Delete
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		return m.RequestID, c.broker.Delete(c.ctx, m.Destination)

	case transport.ProducerOpen:
		var m protocol.ProducerOpen
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		return m.RequestID, c.openProducer(p.Endpoint, m)

	case transport.ProducerClose:
		var m protocol.Request
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		return m.RequestID, c.closeProducer(p.Endpoint)

	case transport.Send:
		var m protocol.SendMessage
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		prod, err := c.producer(p.Endpoint)
		if err != nil {
			return m.RequestID, err
		}
		return m.RequestID, prod.session.send(c.ctx, prod, m.Message)

	case transport.Subscribe:
		var m protocol.Subscribe
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		return m.RequestID, c.subscribe(p.Endpoint, m)

	case transport.Unsubscribe:
		var m protocol.Unsubscribe
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		return m.RequestID, c.unsubscribe(p.Endpoint, m.Drop)

	case transport.Ack:
		var m protocol.AckMessages
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		cons, err := c.consumer(p.Endpoint)
		if err != nil {
			return m.RequestID, err
		}
		return m.RequestID, cons.session.acknowledge(cons, m.IDs)

	case transport.Recover, transport.Commit, transport.Rollback:
		var m protocol.Request
		if err := decode(p, &m); err != nil {
			return 0, err
		}
		s, err := c.session(p.Endpoint)
		if err != nil {
			return m.RequestID, err
		}
		switch p.Type {
		case transport.Recover:
			return m.RequestID, s.recover()
		case transport.Commit:
			return m.RequestID, s.commit(c.ctx)
		default:
			return m.RequestID, s.rollback()
		}

	default:
		return 0, fmt.Errorf("%w: unexpected %s", errMalformed, p.Type)
	}
}

func (c *Connection) session(endpoint int32) (*Session, error) {
	s, ok := c.sessions[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: session %d", ErrNotFound, endpoint)
	}
	return s, nil
}

func (c *Connection) producer(endpoint int32) (*Producer, error) {
	for _, s := range c.sessions {
		if p := s.producer(endpoint); p != nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: producer %d", ErrNotFound, endpoint)
}

func (c *Connection) consumer(endpoint int32) (*Consumer, error) {
	for _, s := range c.sessions {
		if cons := s.consumer(endpoint); cons != nil {
			return cons, nil
		}
	}
	return nil, fmt.Errorf("%w: consumer %d", ErrNotFound, endpoint)
}

func (c *Connection) openSession(endpoint int32, m protocol.SessionOpen) error {
	if m.AckMode > types.AckTransacted {
		return protocol.Errorf(protocol.CodeProtocolError, "invalid ack mode %d", m.AckMode)
	}
	if err := c.transport.BindEndpoint(endpoint, transport.EndpointSession); err != nil {
		return err
	}
	s := newSession(c, endpoint, m)
	c.sessions[endpoint] = s
	s.start(c.ctx)
	c.broker.stats.sessions.Add(1)
	return nil
}

func (c *Connection) closeSession(endpoint int32) error {
	s, err := c.session(endpoint)
	if err != nil {
		return err
	}
	ids := s.endpoints()
	delete(c.sessions, endpoint)
	s.close()
	for _, id := range ids {
		c.transport.ReleaseEndpoint(id)
	}
	c.transport.ReleaseEndpoint(endpoint)
	return nil
}

func (c *Connection) openProducer(endpoint int32, m protocol.ProducerOpen) error {
	s, err := c.session(m.SessionID)
	if err != nil {
		return err
	}
	d, ok := c.broker.Destination(m.Destination)
	if !ok {
		return fmt.Errorf("%w: destination %s", ErrNotFound, m.Destination)
	}
	if err := c.transport.BindEndpoint(endpoint, transport.EndpointProducer); err != nil {
		return err
	}
	s.openProducer(endpoint, d)
	return nil
}

func (c *Connection) closeProducer(endpoint int32) error {
	p, err := c.producer(endpoint)
	if err != nil {
		return err
	}
	p.session.closeProducer(endpoint)
	c.transport.ReleaseEndpoint(endpoint)
	return nil
}

func (c *Connection) subscribe(endpoint int32, m protocol.Subscribe) error {
	s, err := c.session(m.SessionID)
	if err != nil {
		return err
	}
	d, ok := c.broker.Destination(m.Destination)
	if !ok {
		return fmt.Errorf("%w: destination %s", ErrNotFound, m.Destination)
	}
	if err := c.transport.BindEndpoint(endpoint, transport.EndpointConsumer); err != nil {
		return err
	}

	cfg := types.ConsumerConfig{
		ID:          endpoint,
		Destination: m.Destination,
		Selector:    m.Selector,
		Prefetch:    int(m.Prefetch),
		AckMode:     s.ackMode,
		Durable:     m.Durable,
	}
	if _, err := s.subscribe(endpoint, d, cfg); err != nil {
		c.transport.ReleaseEndpoint(endpoint)
		return err
	}
	c.logger.Debug("consumer attached",
		slog.String("destination", m.Destination.String()),
		slog.Int("consumer", int(endpoint)),
		slog.String("selector", m.Selector))
	c.broker.notify(events.SubscriptionCreated{
		Ref:      m.Destination.String(),
		ClientID: c.clientID,
		Selector: m.Selector,
		Durable:  m.Durable,
	})
	return nil
}

func (c *Connection) unsubscribe(endpoint int32, drop bool) error {
	cons, err := c.consumer(endpoint)
	if err != nil {
		return err
	}
	err = cons.session.closeConsumer(cons, drop)
	c.transport.ReleaseEndpoint(endpoint)
	c.broker.notify(events.SubscriptionRemoved{
		Ref:      cons.dest.Ref().String(),
		ClientID: c.clientID,
		Durable:  cons.durable,
	})
	return err
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client of the fluxjms broker.
//
// A Client multiplexes sessions, producers and consumers over one transport.
// Every request carries an id the broker echoes in its reply, so requests of
// different goroutines may be in flight together.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxjms/codec"
	"github.com/absmach/fluxjms/protocol"
	"github.com/absmach/fluxjms/transport"
)

// Client is a thread-safe fluxjms client.
type Client struct {
	opts      *Options
	state     stateManager
	transport *transport.Transport
	welcome   protocol.Welcome
	enc       codec.EncodeOptions
	logger    *slog.Logger

	pending   *pendingStore
	endpoints atomic.Int32

	mu        sync.Mutex
	sessions  map[int32]*Session
	consumers map[int32]*Consumer
	err       error

	doneCh chan struct{}
}

// Dial connects to opts.Server over TCP, or TLS when opts.TLSConfig is set.
func Dial(ctx context.Context, opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if opts.Server == "" {
		return nil, ErrNoServer
	}
	addr, tlsConfig, timeout := opts.Server, opts.TLSConfig, opts.ConnectTimeout
	return DialWith(ctx, func(ctx context.Context) (net.Conn, error) {
		d := &net.Dialer{Timeout: timeout}
		if tlsConfig != nil {
			td := &tls.Dialer{NetDialer: d, Config: tlsConfig}
			return td.DialContext(ctx, "tcp", addr)
		}
		return d.DialContext(ctx, "tcp", addr)
	}, opts)
}

// DialWith connects over the channel opened by factory.
func DialWith(ctx context.Context, factory transport.ChannelFactory, opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:      opts,
		enc:       codec.EncodeOptions{CompressThreshold: opts.CompressThreshold},
		logger:    opts.Logger,
		pending:   newPendingStore(opts.MaxInflight),
		sessions:  make(map[int32]*Session),
		consumers: make(map[int32]*Consumer),
		doneCh:    make(chan struct{}),
	}
	c.state.set(StateConnecting)

	hello := protocol.Hello{ClientID: opts.ClientID, Software: opts.Software}
	c.transport = transport.New(factory, transport.Config{
		Role:             transport.RoleClient,
		Hello:            hello.Encode(),
		MaxPayload:       opts.MaxPayload,
		HandshakeTimeout: opts.ConnectTimeout,
		BlockOnThrottle:  true,
		PingInterval:     opts.PingInterval,
	}, c, opts.Logger)

	if err := c.transport.Start(ctx); err != nil {
		c.state.set(StateClosed)
		if errors.Is(err, transport.ErrRejected) {
			return nil, fmt.Errorf("%w: %w", ErrConnectRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return c, nil
}

// OnConnected parses the welcome of the broker.
func (c *Client) OnConnected() {
	if err := c.welcome.Decode(c.transport.Peer()); err != nil {
		c.logger.Warn("invalid welcome from broker", slog.String("error", err.Error()))
	}
	c.state.transition(StateConnecting, StateConnected)
}

// OnPacket routes replies to their requests and notifications to their
// consumers.
func (c *Client) OnPacket(p transport.Packet) {
	switch p.Type {
	case transport.Reply:
		var r protocol.Reply
		if err := r.Decode(p.Payload); err != nil {
			c.logger.Warn("malformed reply", slog.String("error", err.Error()))
			return
		}
		c.pending.complete(r.RequestID, r.Err())

	case transport.Notify:
		var n protocol.Notify
		if err := n.Decode(p.Payload); err != nil {
			c.logger.Warn("malformed notify", slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		cons := c.consumers[p.Endpoint]
		c.mu.Unlock()
		if cons == nil {
			c.logger.Debug("notify for unknown consumer", slog.Int("endpoint", int(p.Endpoint)))
			return
		}
		cons.push(n.Messages)

	default:
		c.logger.Debug("unexpected packet", slog.String("type", p.Type.String()))
	}
}

// OnDisconnected fails every pending request and wakes blocked receivers.
func (c *Client) OnDisconnected(err error) {
	c.state.set(StateClosed)
	cause := ErrConnectionLost
	if err == nil {
		cause = ErrClientClosed
	}

	c.mu.Lock()
	c.err = cause
	consumers := make([]*Consumer, 0, len(c.consumers))
	for _, cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	c.mu.Unlock()

	c.pending.clear(cause)
	for _, cons := range consumers {
		cons.shutdown(cause)
	}
	close(c.doneCh)

	if err != nil && c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(err)
	}
}

// ConnectionID returns the id the broker assigned to the connection.
func (c *Client) ConnectionID() string {
	return c.welcome.ConnectionID
}

// ServerName returns the name announced by the broker.
func (c *Client) ServerName() string {
	return c.welcome.Server
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Close closes the connection. Messages received and not acknowledged are
// redelivered by the broker.
func (c *Client) Close() error {
	if err := c.transport.Close(); err != nil {
		return err
	}
	<-c.doneCh
	return nil
}

func (c *Client) nextEndpoint() int32 {
	return c.endpoints.Add(1)
}

// request sends a request built by encode for a fresh request id and waits
// for its reply.
func (c *Client) request(ctx context.Context, t transport.PacketType, endpoint int32, encode func(reqID uint32) []byte) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	op, err := c.pending.add()
	if err != nil {
		return err
	}
	if err := c.transport.Send(transport.NewPacket(t, endpoint, encode(op.id))); err != nil {
		c.pending.remove(op.id)
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if err := op.wait(ctx, c.opts.RequestTimeout); err != nil {
		c.pending.remove(op.id)
		return err
	}
	return nil
}

// post sends a request that expects no reply.
func (c *Client) post(t transport.PacketType, endpoint int32, payload []byte) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	if err := c.transport.Send(transport.NewPacket(t, endpoint, payload)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

// Declare creates a destination, or confirms one declared with the same
// persistence.
func (c *Client) Declare(ctx context.Context, d Destination) error {
	return c.request(ctx, transport.Declare, 0, func(id uint32) []byte {
		m := protocol.Declare{
			RequestID:   id,
			Destination: d.Ref(),
			Persistent:  d.Persistent,
			MaxMessages: uint32(d.MaxMessages),
			MaxBytes:    d.MaxBytes,
		}
		return m.Encode()
	})
}

// Delete removes a destination and its messages.
func (c *Client) Delete(ctx context.Context, d Destination) error {
	return c.request(ctx, transport.Delete, 0, func(id uint32) []byte {
		m := protocol.Delete{RequestID: id, Destination: d.Ref()}
		return m.Encode()
	})
}

// OpenSession opens a session. A transacted session stages its sends and
// acknowledgements until Commit.
func (c *Client) OpenSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	s := &Session{
		id:         c.nextEndpoint(),
		client:     c,
		transacted: opts.Transacted,
		ackMode:    opts.AckMode,
		consumers:  make(map[int32]*Consumer),
	}
	err := c.request(ctx, transport.SessionOpen, s.id, func(id uint32) []byte {
		m := protocol.SessionOpen{RequestID: id, Transacted: opts.Transacted, AckMode: opts.AckMode}
		return m.Encode()
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	return s, nil
}

func (c *Client) addConsumer(cons *Consumer) {
	c.mu.Lock()
	c.consumers[cons.id] = cons
	c.mu.Unlock()
}

func (c *Client) removeConsumer(id int32) {
	c.mu.Lock()
	delete(c.consumers, id)
	c.mu.Unlock()
}

func (c *Client) removeSession(id int32) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

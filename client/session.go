// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"

	"github.com/absmach/fluxjms/protocol"
	"github.com/absmach/fluxjms/transport"
	"github.com/absmach/fluxjms/types"
)

// Destination names a queue or topic and, for Declare, its settings.
type Destination struct {
	Kind        types.DestinationKind
	Name        string
	Persistent  bool
	MaxMessages int
	MaxBytes    int64
}

// Queue returns a queue destination.
func Queue(name string) Destination {
	return Destination{Kind: types.KindQueue, Name: name}
}

// Topic returns a topic destination.
func Topic(name string) Destination {
	return Destination{Kind: types.KindTopic, Name: name}
}

// Ref returns the kind and name of the destination.
func (d Destination) Ref() types.DestinationRef {
	return types.DestinationRef{Kind: d.Kind, Name: d.Name}
}

// SessionOptions configures a session.
type SessionOptions struct {
	Transacted bool
	// AckMode is ignored by transacted sessions.
	AckMode types.AckMode
}

// SubscribeOptions configures a consumer.
type SubscribeOptions struct {
	// Selector filters messages on their properties, e.g. "lbId = 1".
	Selector string
	// Prefetch is the number of unacknowledged messages the broker may push;
	// zero uses the broker default.
	Prefetch int
	// Durable names a durable topic subscription.
	Durable string
}

// Session groups producers and consumers that share an ack mode and, when
// transacted, a transaction.
type Session struct {
	id         int32
	client     *Client
	transacted bool
	ackMode    types.AckMode

	mu        sync.Mutex
	consumers map[int32]*Consumer
	closed    bool
}

// ID returns the session endpoint id.
func (s *Session) ID() int32 {
	return s.id
}

// Transacted reports whether sends and acknowledgements wait for Commit.
func (s *Session) Transacted() bool {
	return s.transacted
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CreateProducer opens a producer on a declared destination.
func (s *Session) CreateProducer(ctx context.Context, d Destination) (*Producer, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	p := &Producer{id: s.client.nextEndpoint(), session: s, dest: d.Ref()}
	err := s.client.request(ctx, transport.ProducerOpen, p.id, func(id uint32) []byte {
		m := protocol.ProducerOpen{RequestID: id, SessionID: s.id, Destination: p.dest}
		return m.Encode()
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Subscribe opens a consumer on a declared destination.
func (s *Session) Subscribe(ctx context.Context, d Destination, opts SubscribeOptions) (*Consumer, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	cons := newConsumer(s, s.client.nextEndpoint(), d.Ref())

	// Registered first: notifications may overtake the reply.
	s.client.addConsumer(cons)
	err := s.client.request(ctx, transport.Subscribe, cons.id, func(id uint32) []byte {
		m := protocol.Subscribe{
			RequestID:   id,
			SessionID:   s.id,
			Destination: cons.dest,
			Selector:    opts.Selector,
			Prefetch:    uint32(opts.Prefetch),
			Durable:     opts.Durable,
		}
		return m.Encode()
	})
	if err != nil {
		s.client.removeConsumer(cons.id)
		return nil, err
	}

	s.mu.Lock()
	s.consumers[cons.id] = cons
	s.mu.Unlock()
	return cons, nil
}

// Recover asks the broker to redeliver every message received and not
// acknowledged in a non-transacted session. Redelivered copies replace the
// ones still buffered.
func (s *Session) Recover(ctx context.Context) error {
	if s.transacted {
		return ErrNotTransacted
	}
	return s.control(ctx, transport.Recover)
}

// Commit publishes the staged sends and acknowledges every message received
// since the previous commit or rollback.
func (s *Session) Commit(ctx context.Context) error {
	if !s.transacted {
		return ErrNotTransacted
	}
	for _, cons := range s.consumerList() {
		ids := cons.takeReceived()
		if len(ids) == 0 {
			continue
		}
		m := protocol.AckMessages{IDs: ids}
		if err := s.client.post(transport.Ack, cons.id, m.Encode()); err != nil {
			return err
		}
	}
	return s.control(ctx, transport.Commit)
}

// Rollback discards the staged sends and has every message received in the
// transaction redelivered.
func (s *Session) Rollback(ctx context.Context) error {
	if !s.transacted {
		return ErrNotTransacted
	}
	for _, cons := range s.consumerList() {
		cons.takeReceived()
	}
	return s.control(ctx, transport.Rollback)
}

func (s *Session) control(ctx context.Context, t transport.PacketType) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.client.request(ctx, t, s.id, func(id uint32) []byte {
		m := protocol.Request{RequestID: id}
		return m.Encode()
	})
}

// Close closes the session with its producers and consumers. Uncommitted
// work is rolled back.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.client.request(ctx, transport.SessionClose, s.id, func(id uint32) []byte {
		m := protocol.Request{RequestID: id}
		return m.Encode()
	})
	for _, cons := range s.consumerList() {
		s.client.removeConsumer(cons.id)
		cons.shutdown(ErrSessionClosed)
	}
	s.client.removeSession(s.id)
	return err
}

func (s *Session) consumerList() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		cs = append(cs, c)
	}
	return cs
}

func (s *Session) forget(id int32) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
}

// Producer sends messages to one destination.
type Producer struct {
	id      int32
	session *Session
	dest    types.DestinationRef

	mu     sync.Mutex
	closed bool
}

// Destination returns the destination of the producer.
func (p *Producer) Destination() types.DestinationRef {
	return p.dest
}

// Send publishes msg and waits for the broker to store it. A full destination
// fails with an error matching protocol.ErrStoreFull; the producer may retry.
func (p *Producer) Send(ctx context.Context, msg *types.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrProducerClosed
	}
	c := p.session.client
	return c.request(ctx, transport.Send, p.id, func(id uint32) []byte {
		m := protocol.SendMessage{RequestID: id, Message: msg}
		return m.Encode(c.enc)
	})
}

// Close closes the producer.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.session.client.request(ctx, transport.ProducerClose, p.id, func(id uint32) []byte {
		m := protocol.Request{RequestID: id}
		return m.Encode()
	})
}

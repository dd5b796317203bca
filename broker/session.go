// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxjms/dispatch"
	"github.com/absmach/fluxjms/protocol"
	"github.com/absmach/fluxjms/selector"
	"github.com/absmach/fluxjms/transport"
	"github.com/absmach/fluxjms/types"
	"golang.org/x/time/rate"
)

// SessionConfig configures the sessions of every connection.
type SessionConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxBatch      int

	// SendRate limits producer sends per session, in messages per second.
	// Zero disables the limit.
	SendRate  float64
	SendBurst int
}

// Producer is a producer endpoint bound to a destination.
type Producer struct {
	id      int32
	session *Session
	dest    *Destination
}

type stagedSend struct {
	dest *Destination
	msg  *types.Message
}

// Session is a session endpoint. It owns the dispatcher that batches the
// notifications of its consumers.
type Session struct {
	id         int32
	conn       *Connection
	ackMode    types.AckMode
	transacted bool
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	limiter    *rate.Limiter

	mu         sync.Mutex
	consumers  map[int32]*Consumer
	producers  map[int32]*Producer
	staged     []stagedSend
	stagedAcks map[int32][]uint64
	closed     bool
}

func newSession(c *Connection, id int32, open protocol.SessionOpen) *Session {
	cfg := c.broker.cfg.Session
	s := &Session{
		id:         id,
		conn:       c,
		ackMode:    open.AckMode,
		transacted: open.Transacted,
		logger:     c.logger.With(slog.Int("session", int(id))),
		consumers:  make(map[int32]*Consumer),
		producers:  make(map[int32]*Producer),
		stagedAcks: make(map[int32][]uint64),
	}
	if s.transacted {
		s.ackMode = types.AckTransacted
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = max(1, int(cfg.SendRate))
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	s.dispatcher = dispatch.New(s, dispatch.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxBatch:      cfg.MaxBatch,
		OnDelivered: func(n dispatch.Notification) {
			if c := s.consumer(n.ConsumerID); c != nil {
				c.sent(n.Message)
			}
		},
		OnFailed: func(n dispatch.Notification, err error) {
			if c := s.consumer(n.ConsumerID); c != nil {
				c.failed(n.Message)
			}
		},
	}, s.logger)
	return s
}

func (s *Session) start(ctx context.Context) {
	s.dispatcher.Start(ctx)
}

func (s *Session) consumer(id int32) *Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumers[id]
}

func (s *Session) producer(id int32) *Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producers[id]
}

// NeedsThrottling reports whether the connection is over its high watermark.
func (s *Session) NeedsThrottling() bool {
	return s.conn.transport.NeedsThrottling()
}

// SendNotify writes one notify packet to a consumer endpoint.
func (s *Session) SendNotify(consumerID int32, msgs []*types.Message) error {
	c := s.consumer(consumerID)
	if c == nil {
		return fmt.Errorf("%w: consumer %d", ErrNotFound, consumerID)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: consumer %d", ErrNotFound, consumerID)
	}

	n := protocol.Notify{Messages: msgs}
	return s.conn.transport.Send(transport.NewPacket(transport.Notify, consumerID, n.Encode(s.conn.enc)))
}

// openProducer binds a producer endpoint.
func (s *Session) openProducer(id int32, d *Destination) *Producer {
	p := &Producer{id: id, session: s, dest: d}
	s.mu.Lock()
	s.producers[id] = p
	s.mu.Unlock()
	return p
}

func (s *Session) closeProducer(id int32) {
	s.mu.Lock()
	delete(s.producers, id)
	s.mu.Unlock()
}

// send publishes a message, or stages it in a transacted session.
func (s *Session) send(ctx context.Context, p *Producer, msg *types.Message) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return protocol.Errorf(protocol.CodeThrottled, "send rate of session %d exceeded", s.id)
	}
	prepare(msg)

	if s.transacted {
		s.mu.Lock()
		s.staged = append(s.staged, stagedSend{dest: p.dest, msg: msg})
		s.mu.Unlock()
		return nil
	}
	return p.dest.Publish(ctx, msg)
}

// prepare resets the broker-owned fields of a received message.
func prepare(msg *types.Message) {
	msg.ID = 0
	msg.Redelivered = 0
	if msg.MessageID == "" {
		msg.MessageID = types.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Priority = min(msg.Priority, types.MaxPriority)
}

// subscribe creates a consumer endpoint.
func (s *Session) subscribe(id int32, d *Destination, cfg types.ConsumerConfig) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, protocol.Errorf(protocol.CodeProtocolError, "%s", err)
	}
	sel, err := selector.Compile(cfg.Selector)
	if err != nil {
		return nil, err
	}

	c := newConsumer(s, d, cfg, sel)
	s.mu.Lock()
	s.consumers[id] = c
	s.mu.Unlock()

	if err := d.attach(c, s.conn.clientID); err != nil {
		s.mu.Lock()
		delete(s.consumers, id)
		s.mu.Unlock()
		return nil, err
	}
	s.conn.broker.stats.consumers.Add(1)
	return c, nil
}

// closeConsumer detaches a consumer and requeues what it did not
// acknowledge. drop also removes its durable subscription.
func (s *Session) closeConsumer(c *Consumer, drop bool) error {
	if !c.stop() {
		return nil
	}
	err := c.dest.detach(c, drop)
	c.requeueAll()

	s.mu.Lock()
	delete(s.consumers, c.id)
	delete(s.stagedAcks, c.id)
	s.mu.Unlock()
	s.conn.broker.stats.consumers.Add(-1)
	return err
}

// acknowledge handles an Ack packet according to the session ack mode.
func (s *Session) acknowledge(c *Consumer, ids []uint64) error {
	switch s.ackMode {
	case types.AckClient:
		_, err := c.acknowledge(ids)
		return err
	case types.AckTransacted:
		s.mu.Lock()
		s.stagedAcks[c.id] = append(s.stagedAcks[c.id], ids...)
		s.mu.Unlock()
	}
	return nil
}

// recover redelivers every message received and not acknowledged.
func (s *Session) recover() error {
	if s.transacted {
		return protocol.Errorf(protocol.CodeProtocolError, "recover on transacted session %d", s.id)
	}
	s.redeliver()
	return nil
}

// redeliver requeues what the client received. The flush settles notifies
// already on the wire, so none of them is missed.
func (s *Session) redeliver() {
	if err := s.dispatcher.Flush(); err != nil {
		s.logger.Debug("flush before redelivery failed", slog.String("error", err.Error()))
	}
	for _, c := range s.consumerList() {
		c.recover()
	}
}

// commit publishes the staged sends in order and then applies the staged
// acknowledgements. On a failed send the remaining sends and every ack stay
// staged, so a commit rejected for capacity can be retried.
func (s *Session) commit(ctx context.Context) error {
	if !s.transacted {
		return fmt.Errorf("%w: %d", ErrNotTransacted, s.id)
	}

	for {
		s.mu.Lock()
		if len(s.staged) == 0 {
			s.mu.Unlock()
			break
		}
		st := s.staged[0]
		s.mu.Unlock()

		if err := st.dest.Publish(ctx, st.msg); err != nil {
			return err
		}

		s.mu.Lock()
		s.staged = s.staged[1:]
		s.mu.Unlock()
	}

	s.mu.Lock()
	acks := s.stagedAcks
	s.stagedAcks = make(map[int32][]uint64)
	s.mu.Unlock()

	for id, ids := range acks {
		if c := s.consumer(id); c != nil {
			if _, err := c.acknowledge(ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// rollback discards staged sends and acks and redelivers every message
// received in the transaction.
func (s *Session) rollback() error {
	if !s.transacted {
		return fmt.Errorf("%w: %d", ErrNotTransacted, s.id)
	}
	s.mu.Lock()
	s.staged = nil
	clear(s.stagedAcks)
	s.mu.Unlock()

	s.redeliver()
	return nil
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

// endpoints returns the producer and consumer endpoint ids of the session.
func (s *Session) endpoints() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int32, 0, len(s.consumers)+len(s.producers))
	for id := range s.consumers {
		ids = append(ids, id)
	}
	for id := range s.producers {
		ids = append(ids, id)
	}
	return ids
}

// close stops every consumer, fails the pending notifications and requeues
// every unacknowledged message. It returns the number of messages requeued.
func (s *Session) close() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	s.mu.Unlock()

	consumers := s.consumerList()
	for _, c := range consumers {
		c.stop()
	}
	for _, c := range consumers {
		if err := c.dest.detach(c, false); err != nil {
			s.logger.Warn("failed to detach consumer",
				slog.Int("consumer", int(c.id)),
				slog.String("error", err.Error()))
		}
	}

	// Pending notifications come back through OnFailed and are requeued.
	s.dispatcher.Stop()

	requeued := 0
	for _, c := range consumers {
		requeued += c.requeueAll()
	}

	s.mu.Lock()
	clear(s.consumers)
	clear(s.producers)
	s.staged = nil
	clear(s.stagedAcks)
	s.mu.Unlock()

	s.conn.broker.stats.consumers.Add(-int64(len(consumers)))
	s.conn.broker.stats.sessions.Add(-1)
	return requeued
}

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

// Consumer receives the messages the broker pushes to one consumer endpoint.
type Consumer struct {
	id      int32
	session *Session
	dest    types.DestinationRef

	mu       sync.Mutex
	buf      []*types.Message
	received []uint64
	err      error
	signal   chan struct{}
}

func newConsumer(s *Session, id int32, dest types.DestinationRef) *Consumer {
	return &Consumer{
		id:      id,
		session: s,
		dest:    dest,
		signal:  make(chan struct{}, 1),
	}
}

// ID returns the consumer endpoint id.
func (c *Consumer) ID() int32 {
	return c.id
}

// Destination returns the destination the consumer is attached to.
func (c *Consumer) Destination() types.DestinationRef {
	return c.dest
}

// Buffered returns the number of messages received and not yet handed out.
func (c *Consumer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func (c *Consumer) push(msgs []*types.Message) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	for _, msg := range msgs {
		c.buf = c.replace(msg)
	}
	c.mu.Unlock()
	c.wake()
}

// replace appends msg, or swaps in a redelivered copy of a message still
// buffered. Callers hold mu.
func (c *Consumer) replace(msg *types.Message) []*types.Message {
	if msg.Redelivered > 0 {
		for i, m := range c.buf {
			if m.ID == msg.ID {
				c.buf[i] = msg
				return c.buf
			}
		}
	}
	return append(c.buf, msg)
}

func (c *Consumer) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// shutdown fails pending and future receives with err.
func (c *Consumer) shutdown(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.buf = nil
	c.mu.Unlock()
	c.wake()
}

func (c *Consumer) takeReceived() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.received
	c.received = nil
	return ids
}

// Receive returns the next message, waiting until one arrives, ctx is done
// or the consumer is closed.
func (c *Consumer) Receive(ctx context.Context) (*types.Message, error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			msg := c.buf[0]
			c.buf[0] = nil
			c.buf = c.buf[1:]
			if c.session.transacted {
				c.received = append(c.received, msg.ID)
			}
			more := len(c.buf) > 0
			c.mu.Unlock()
			if more {
				c.wake()
			}
			return msg, nil
		}
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-c.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack acknowledges received messages in a client-acknowledged session. It is
// a no-op in auto-acknowledged sessions; transacted sessions acknowledge on
// Commit.
func (c *Consumer) Ack(ctx context.Context, msgs ...*types.Message) error {
	if c.session.transacted || c.session.ackMode != types.AckClient || len(msgs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil || msg.ID == 0 {
			return ErrNoMessage
		}
		ids = append(ids, msg.ID)
	}
	return c.session.client.request(ctx, transport.Ack, c.id, func(id uint32) []byte {
		m := protocol.AckMessages{RequestID: id, IDs: ids}
		return m.Encode()
	})
}

// Close detaches the consumer. The broker redelivers what it did not
// acknowledge; a durable subscription keeps collecting messages.
func (c *Consumer) Close(ctx context.Context) error {
	return c.close(ctx, false)
}

// Unsubscribe closes the consumer and removes its durable subscription.
func (c *Consumer) Unsubscribe(ctx context.Context) error {
	return c.close(ctx, true)
}

func (c *Consumer) close(ctx context.Context, drop bool) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.session.client.request(ctx, transport.Unsubscribe, c.id, func(id uint32) []byte {
		m := protocol.Unsubscribe{RequestID: id, Drop: drop}
		return m.Encode()
	})
	c.session.client.removeConsumer(c.id)
	c.session.forget(c.id)
	c.shutdown(ErrConsumerClosed)
	return err
}

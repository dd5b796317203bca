// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/absmach/fluxjms/selector"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/types"
)

type delivery struct {
	msg  *types.Message
	sent bool
}

// Consumer is a consumer endpoint of a session. Messages taken for it stay in
// flight in their store until they are acknowledged or requeued.
type Consumer struct {
	id       int32
	session  *Session
	dest     *Destination
	selector *selector.Selector
	durable  string
	window   int

	// Set by Destination.attach.
	feed   *feed
	sub    *subscription
	filter store.Filter

	mu        sync.Mutex
	closed    bool
	reserved  int
	delivered map[uint64]*delivery
}

func newConsumer(s *Session, d *Destination, cfg types.ConsumerConfig, sel *selector.Selector) *Consumer {
	return &Consumer{
		id:        cfg.ID,
		session:   s,
		dest:      d,
		selector:  sel,
		durable:   cfg.Durable,
		window:    cfg.Window(),
		delivered: make(map[uint64]*delivery),
	}
}

// ID returns the consumer endpoint id.
func (c *Consumer) ID() int32 {
	return c.id
}

// Outstanding returns the number of messages delivered and not yet
// acknowledged.
func (c *Consumer) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

// reserve claims a slot of the prefetch window for a Take.
func (c *Consumer) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reserved+len(c.delivered) >= c.window {
		return false
	}
	c.reserved++
	return true
}

func (c *Consumer) unreserve() {
	c.mu.Lock()
	c.reserved--
	c.mu.Unlock()
}

// deliver hands a taken message to the session dispatcher. The notification
// is queued under mu so that close never misses it.
func (c *Consumer) deliver(msg *types.Message) {
	c.mu.Lock()
	c.reserved--
	if c.closed {
		c.mu.Unlock()
		c.feed.requeue(msg.ID)
		return
	}
	c.delivered[msg.ID] = &delivery{msg: msg}
	c.session.dispatcher.AddNotification(c.id, msg)
	c.mu.Unlock()
}

// sent runs once the notify packet carrying msg was written.
func (c *Consumer) sent(msg *types.Message) {
	b := c.session.conn.broker
	b.stats.delivered.Add(1)
	b.metrics.RecordDelivered(c.feed.ref, 1)

	c.mu.Lock()
	d, ok := c.delivered[msg.ID]
	if !ok || d.msg != msg {
		c.mu.Unlock()
		return
	}
	if c.session.ackMode != types.AckAuto {
		d.sent = true
		c.mu.Unlock()
		return
	}
	delete(c.delivered, msg.ID)
	c.mu.Unlock()

	if _, err := c.feed.acknowledge([]uint64{msg.ID}); err != nil {
		c.session.logger.Warn("auto acknowledge failed",
			"consumer", c.id, "error", err)
	}
}

// failed runs when the notify packet carrying msg could not be written.
func (c *Consumer) failed(msg *types.Message) {
	if c.release(msg) {
		c.feed.requeue(msg.ID)
	}
}

// release forgets msg if it is still delivered to this consumer.
func (c *Consumer) release(msg *types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.delivered[msg.ID]
	if !ok || d.msg != msg {
		return false
	}
	delete(c.delivered, msg.ID)
	return true
}

// acknowledge removes delivered messages from the store. Ids that are not
// delivered to this consumer are ignored.
func (c *Consumer) acknowledge(ids []uint64) (int, error) {
	c.mu.Lock()
	owned := ids[:0:0]
	for _, id := range ids {
		if _, ok := c.delivered[id]; ok {
			delete(c.delivered, id)
			owned = append(owned, id)
		}
	}
	c.mu.Unlock()

	if len(owned) == 0 {
		return 0, nil
	}
	return c.feed.acknowledge(owned)
}

// recover requeues every message the client has received and not
// acknowledged. Messages still waiting in the dispatcher keep their place.
func (c *Consumer) recover() int {
	c.mu.Lock()
	var ids []uint64
	for id, d := range c.delivered {
		if d.sent {
			delete(c.delivered, id)
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.feed.requeue(id)
	}
	return len(ids)
}

// requeueAll requeues every delivered message.
func (c *Consumer) requeueAll() int {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.delivered))
	for id := range c.delivered {
		ids = append(ids, id)
	}
	clear(c.delivered)
	c.mu.Unlock()

	for _, id := range ids {
		c.feed.requeue(id)
	}
	return len(ids)
}

// stop prevents further deliveries.
func (c *Consumer) stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	return true
}

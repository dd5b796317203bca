// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxjms/broker/events"
	"github.com/absmach/fluxjms/selector"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// pumpInterval is the fallback delivery tick. It also picks up messages
// whose delivery was not signalled, such as expirations skipped by a Take.
const pumpInterval = 100 * time.Millisecond

var (
	ErrDestinationClosed = errors.New("destination is deleted")
	ErrDestinationInUse  = errors.New("destination has active consumers")
	ErrSubscriptionInUse = errors.New("durable subscription already has a consumer")
)

// feed delivers the messages of one store to the consumers attached to it.
// A queue has one feed; a topic has one per subscription.
type feed struct {
	name   string
	ref    types.DestinationRef
	store  store.MessageStore
	broker *Broker

	mu        sync.Mutex
	consumers []*Consumer
	next      int

	notifyCh chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newFeed(b *Broker, name string, ref types.DestinationRef, st store.MessageStore) *feed {
	f := &feed{
		name:     name,
		ref:      ref,
		store:    st,
		broker:   b,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *feed) run() {
	defer close(f.done)

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-f.notifyCh:
		case <-ticker.C:
		}
		f.pump()
	}
}

// notify wakes the pump without blocking.
func (f *feed) notify() {
	select {
	case f.notifyCh <- struct{}{}:
	default:
	}
}

func (f *feed) stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		<-f.done
	})
}

func (f *feed) attach(c *Consumer) {
	f.mu.Lock()
	f.consumers = append(f.consumers, c)
	f.mu.Unlock()
	f.notify()
}

func (f *feed) detach(c *Consumer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := slices.Index(f.consumers, c)
	if i < 0 {
		return
	}
	f.consumers = slices.Delete(f.consumers, i, i+1)
	if f.next > i {
		f.next--
	}
}

func (f *feed) consumerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.consumers)
}

// pump hands out messages one at a time, round-robin over the consumers that
// have room in their prefetch window, until no consumer can take one.
func (f *feed) pump() {
	for f.pumpOne() {
	}
}

func (f *feed) pumpOne() bool {
	f.mu.Lock()
	consumers := slices.Clone(f.consumers)
	start := f.next
	f.mu.Unlock()

	n := len(consumers)
	for i := range n {
		idx := (start + i) % n
		c := consumers[idx]
		if !c.reserve() {
			continue
		}
		msg, ok := f.store.Take(c.filter)
		if !ok {
			c.unreserve()
			continue
		}

		f.mu.Lock()
		if len(f.consumers) > 0 {
			f.next = (idx + 1) % len(f.consumers)
		}
		f.mu.Unlock()

		c.deliver(msg)
		return true
	}
	return false
}

// requeue returns an in-flight message for redelivery.
func (f *feed) requeue(id uint64) {
	if err := f.store.Requeue(context.Background(), id); err != nil {
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrClosed) {
			f.broker.logger.Error("failed to requeue message",
				slog.String("destination", f.ref.String()),
				slog.Uint64("id", id),
				slog.String("error", err.Error()))
		}
		return
	}
	f.broker.stats.redelivered.Add(1)
	f.broker.metrics.RecordRedelivered(f.ref)
	f.notify()
}

func (f *feed) acknowledge(ids []uint64) (int, error) {
	var errs []error
	n := 0
	for _, id := range ids {
		if err := f.store.Acknowledge(context.Background(), id); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		f.broker.stats.acked.Add(uint64(n))
		f.broker.metrics.RecordAcknowledged(f.ref, n)
		f.notify()
	}
	return n, errors.Join(errs...)
}

// subscription is a topic subscription with its own store. The selector is
// applied when a message is published to the topic.
type subscription struct {
	key      string
	durable  string
	clientID string
	selector *selector.Selector
	feed     *feed
	consumer *Consumer
}

func (s *subscription) accepts(msg *types.Message) bool {
	return s.selector.Matches(msg)
}

// Destination is a declared queue or topic.
type Destination struct {
	broker *Broker
	ref    types.DestinationRef

	mu     sync.Mutex
	cfg    types.DestinationConfig
	queue  *feed
	subs   map[string]*subscription
	// closed refuses new consumers and messages; released is set once the
	// stores are closed.
	closed   bool
	released bool
}

// Ref returns the destination reference.
func (d *Destination) Ref() types.DestinationRef {
	return d.ref
}

// Config returns the current configuration.
func (d *Destination) Config() types.DestinationConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Destination) capacity() store.Capacity {
	return store.Capacity{MaxMessages: d.cfg.MaxMessages, MaxBytes: d.cfg.MaxBytes}
}

// Publish stores a message. On a queue the message is enqueued once; on a
// topic a copy goes to every subscription whose selector accepts it. A topic
// publish is rejected as a whole when an accepting subscription is full.
func (d *Destination) Publish(ctx context.Context, msg *types.Message) (err error) {
	msg.Destination = d.ref
	start := time.Now()
	ctx, span := d.broker.tracer.Start(ctx, "fluxjms.publish", trace.WithAttributes(
		attribute.String("destination.kind", d.ref.Kind.String()),
		attribute.String("destination.name", d.ref.Name),
		attribute.Int64("message.size", msg.Size()),
	))
	defer func() {
		d.broker.metrics.RecordEnqueueDuration(float64(time.Since(start).Microseconds()) / 1000)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if d.ref.Kind == types.KindQueue {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return ErrDestinationClosed
		}
		if err := d.enqueue(ctx, d.queue, msg); err != nil {
			return err
		}
		d.queue.notify()
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDestinationClosed
	}
	// Every accepting subscription must have room before any copy is stored.
	var targets []*subscription
	for _, s := range d.subs {
		if !s.accepts(msg) {
			continue
		}
		st := s.feed.store.Stats()
		if st.Capacity.Full(st.Size, st.Bytes, msg.Size()) {
			return d.storeFull(fmt.Errorf("subscription %s of %s (size: %d, bytes: %d): %w",
				s.key, d.ref, st.Size, st.Bytes, store.ErrStoreFull))
		}
		targets = append(targets, s)
	}

	stored := make([]*types.Message, 0, len(targets))
	for _, s := range targets {
		cp := msg.Clone()
		if err := d.put(ctx, s.feed, cp); err != nil {
			d.rollback(ctx, targets[:len(stored)], stored)
			return err
		}
		stored = append(stored, cp)
	}
	for i, s := range targets {
		d.enqueued(stored[i])
		s.feed.notify()
	}
	return nil
}

// rollback removes copies of a topic message stored before a later
// subscription refused it.
func (d *Destination) rollback(ctx context.Context, subs []*subscription, stored []*types.Message) {
	for i, s := range subs {
		if err := s.feed.store.Acknowledge(ctx, stored[i].ID); err != nil {
			d.broker.logger.Warn("failed to roll back topic copy",
				slog.String("subscription", s.key),
				slog.String("error", err.Error()))
		}
	}
}

func (d *Destination) enqueue(ctx context.Context, f *feed, msg *types.Message) error {
	if err := d.put(ctx, f, msg); err != nil {
		return err
	}
	d.enqueued(msg)
	return nil
}

func (d *Destination) put(ctx context.Context, f *feed, msg *types.Message) error {
	err := f.store.Enqueue(ctx, msg)
	switch {
	case errors.Is(err, store.ErrStoreFull):
		return d.storeFull(err)
	case store.Failed(err):
		d.broker.notify(events.StoreFailed{Ref: d.ref.String(), Error: err.Error()})
		return err
	}
	return err
}

func (d *Destination) enqueued(msg *types.Message) {
	d.broker.stats.enqueued.Add(1)
	d.broker.metrics.RecordEnqueued(d.ref, msg.Size())
}

func (d *Destination) storeFull(err error) error {
	d.broker.stats.storeFull.Add(1)
	d.broker.metrics.RecordStoreFull(d.ref)
	size := 0
	if d.queue != nil {
		size = d.queue.store.Size()
	}
	d.broker.notify(events.StoreFull{Ref: d.ref.String(), Size: size})
	return err
}

// attach binds a consumer to the queue feed, or to its topic subscription.
func (d *Destination) attach(c *Consumer, clientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDestinationClosed
	}
	if d.ref.Kind == types.KindQueue {
		c.feed = d.queue
		c.filter = c.selector.Matches
		d.queue.attach(c)
		return nil
	}

	var sub *subscription
	if c.durable != "" {
		key := durableKey(clientID, c.durable)
		sub = d.subs[key]
		if sub != nil && sub.consumer != nil {
			return fmt.Errorf("%w: %s", ErrSubscriptionInUse, c.durable)
		}
		if sub != nil && sub.selector.String() != c.selector.String() {
			// A new selector replaces the subscription and its backlog.
			if err := d.dropSubscription(sub); err != nil {
				return err
			}
			sub = nil
		}
		if sub == nil {
			var err error
			if sub, err = d.newSubscription(key, clientID, c); err != nil {
				return err
			}
		}
	} else {
		var err error
		if sub, err = d.newSubscription(uuid.New().String(), clientID, c); err != nil {
			return err
		}
	}

	sub.consumer = c
	c.sub = sub
	c.feed = sub.feed
	sub.feed.attach(c)
	return nil
}

func durableKey(clientID, name string) string {
	return clientID + "/" + name
}

// newSubscription opens the store of a subscription. Only durable
// subscriptions of persistent topics get a persistent store. Callers hold mu.
func (d *Destination) newSubscription(key, clientID string, c *Consumer) (*subscription, error) {
	durable := c.durable != ""
	name := storeName(d.ref) + "/" + key
	st, err := d.broker.openStore(context.Background(), name, durable && d.cfg.Persistent, d.capacity())
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		key:      key,
		durable:  c.durable,
		clientID: clientID,
		selector: c.selector,
	}
	sub.feed = newFeed(d.broker, name, d.ref, st)
	d.subs[key] = sub
	return sub, nil
}

// dropSubscription stops and removes a subscription. Callers hold mu.
func (d *Destination) dropSubscription(sub *subscription) error {
	delete(d.subs, sub.key)
	sub.feed.stop()
	return d.broker.closeStore(sub.feed.name, sub.feed.store, true)
}

// detach unbinds a consumer. Non-durable subscriptions, and durable ones
// when drop is set, are removed with their backlog.
func (d *Destination) detach(c *Consumer, drop bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.feed != nil {
		c.feed.detach(c)
	}
	sub := c.sub
	if sub == nil || sub.consumer != c {
		return nil
	}
	sub.consumer = nil
	if d.closed || (sub.durable != "" && !drop) {
		return nil
	}
	c.requeueAll()
	return d.dropSubscription(sub)
}

func (d *Destination) resize(c types.DestinationConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg.MaxMessages = c.MaxMessages
	d.cfg.MaxBytes = c.MaxBytes
	for _, f := range d.feeds() {
		f.store.SetCapacity(d.capacity())
		f.notify()
	}
}

// feeds returns every feed of the destination. Callers hold mu.
func (d *Destination) feeds() []*feed {
	if d.queue != nil {
		return []*feed{d.queue}
	}
	feeds := make([]*feed, 0, len(d.subs))
	for _, s := range d.subs {
		feeds = append(feeds, s.feed)
	}
	return feeds
}

func (d *Destination) consumersLocked() int {
	n := 0
	for _, f := range d.feeds() {
		n += f.consumerCount()
	}
	return n
}

// retire closes an unused destination to new consumers. The consumer check
// and the close happen under one lock so no consumer can attach in between.
func (d *Destination) retire() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDestinationClosed
	}
	if d.consumersLocked() > 0 {
		return ErrDestinationInUse
	}
	d.closed = true
	return nil
}

// close stops delivery and closes every store. With remove set, persistent
// records are deleted as well.
func (d *Destination) close(remove bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.released {
		return nil
	}
	d.released = true

	var errs []error
	for _, f := range d.feeds() {
		f.stop()
		if err := d.broker.closeStore(f.name, f.store, remove); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Info is a snapshot of a destination.
type Info struct {
	Kind          string `json:"kind"`
	Name          string `json:"name"`
	Persistent    bool   `json:"persistent"`
	Durability    string `json:"durability"`
	Size          int    `json:"size"`
	InFlight      int    `json:"in_flight"`
	Bytes         int64  `json:"bytes"`
	MaxMessages   int    `json:"max_messages"`
	MaxBytes      int64  `json:"max_bytes"`
	Consumers     int    `json:"consumers"`
	Subscriptions int    `json:"subscriptions,omitempty"`
}

// Info returns the destination snapshot. Topic sizes sum their subscriptions.
func (d *Destination) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := Info{
		Kind:        d.ref.Kind.String(),
		Name:        d.ref.Name,
		Persistent:  d.cfg.Persistent,
		MaxMessages: d.cfg.MaxMessages,
		MaxBytes:    d.cfg.MaxBytes,
	}
	if d.ref.Kind == types.KindTopic {
		info.Subscriptions = len(d.subs)
	}
	for _, f := range d.feeds() {
		st := f.store.Stats()
		info.Size += st.Size
		info.InFlight += st.InFlight
		info.Bytes += st.Bytes
		info.Durability = st.Durability.String()
		info.Consumers += f.consumerCount()
	}
	if info.Durability == "" {
		info.Durability = d.broker.durability().String()
	}
	return info
}

// Size returns the number of stored messages.
func (d *Destination) Size() int {
	return d.Info().Size
}

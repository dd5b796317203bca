// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch coalesces message notifications for one remote session and
// sends them in batches, holding them back while the connection is throttled.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxjms/types"
)

const (
	DefaultBatchSize     = 32
	DefaultFlushInterval = 5 * time.Millisecond
	DefaultMaxBatch      = 64
)

// ErrStopped is passed to OnFailed for notifications left when the
// dispatcher stops.
var ErrStopped = errors.New("dispatcher stopped")

// Notification tells a consumer that a message was assigned to it.
type Notification struct {
	ConsumerID int32
	Message    *types.Message
}

// Sender writes notify packets to the remote session.
type Sender interface {
	// NeedsThrottling reports whether the connection is over its high watermark.
	NeedsThrottling() bool
	SendNotify(consumerID int32, msgs []*types.Message) error
}

// Config configures a dispatcher.
type Config struct {
	// BatchSize is the buffered count that triggers an immediate flush.
	BatchSize int
	// FlushInterval bounds how long a notification waits for a batch to fill.
	FlushInterval time.Duration
	// MaxBatch bounds the messages of one notify packet.
	MaxBatch int

	OnDelivered func(n Notification)
	OnFailed    func(n Notification, err error)
}

// Dispatcher buffers notifications in FIFO order. Only the buffer is guarded
// by a lock; sends happen outside it.
type Dispatcher struct {
	sender Sender
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	buf []Notification

	// flushMu keeps concurrent flushes from reordering sends.
	flushMu sync.Mutex

	notifyCh chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	added     atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a dispatcher that sends through sender.
func New(sender Sender, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the flush loop until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.notifyCh:
		case <-ticker.C:
		}
		if err := d.Flush(); err != nil {
			d.logger.Debug("notification flush failed", slog.String("error", err.Error()))
		}
	}
}

// Stop ends the flush loop and fails every notification still buffered.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.started.Load() {
			<-d.done
		}

		d.flushMu.Lock()
		defer d.flushMu.Unlock()

		d.mu.Lock()
		rest := d.buf
		d.buf = nil
		d.mu.Unlock()

		for _, n := range rest {
			d.fail(n, ErrStopped)
		}
	})
}

// AddNotification buffers a notification. It never blocks on I/O.
func (d *Dispatcher) AddNotification(consumerID int32, msg *types.Message) {
	d.mu.Lock()
	d.added.Add(1)
	d.buf = append(d.buf, Notification{ConsumerID: consumerID, Message: msg})
	full := len(d.buf) >= d.cfg.BatchSize
	d.mu.Unlock()

	if full {
		d.Resume()
	}
}

// Resume wakes the flush loop, typically when the connection drains below
// its low watermark.
func (d *Dispatcher) Resume() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Flush sends buffered notifications until the buffer is empty or the sender
// asks to throttle. Notifications not sent stay at the front of the buffer.
func (d *Dispatcher) Flush() error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	var errs []error
	for {
		if d.sender.NeedsThrottling() {
			return errors.Join(errs...)
		}
		batch := d.next()
		if len(batch) == 0 {
			return errors.Join(errs...)
		}

		msgs := make([]*types.Message, len(batch))
		for i, n := range batch {
			msgs[i] = n.Message
		}
		if err := d.sender.SendNotify(batch[0].ConsumerID, msgs); err != nil {
			errs = append(errs, err)
			for _, n := range batch {
				d.fail(n, err)
			}
			continue
		}
		for _, n := range batch {
			d.delivered.Add(1)
			if d.cfg.OnDelivered != nil {
				d.cfg.OnDelivered(n)
			}
		}
	}
}

// next removes the leading run of notifications for one consumer.
func (d *Dispatcher) next() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.buf) == 0 {
		return nil
	}
	id := d.buf[0].ConsumerID
	n := 1
	for n < len(d.buf) && n < d.cfg.MaxBatch && d.buf[n].ConsumerID == id {
		n++
	}
	batch := make([]Notification, n)
	copy(batch, d.buf)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return batch
}

func (d *Dispatcher) fail(n Notification, err error) {
	d.failed.Add(1)
	if d.cfg.OnFailed != nil {
		d.cfg.OnFailed(n, err)
	}
}

// Pending returns the number of buffered notifications.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Stats is a snapshot of dispatcher counters. Added always equals
// Delivered + Failed + Pending.
type Stats struct {
	Added     uint64
	Delivered uint64
	Failed    uint64
	Pending   int
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Added:     d.added.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Pending:   len(d.buf),
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker ties destinations, sessions and connections together.
//
// Each accepted connection runs one packet transport. Sessions opened on it
// own a notification dispatcher; consumers attach to the feeds of queues and
// topic subscriptions, whose pumps take messages from the stores and hand
// them to the dispatchers.
package broker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxjms/broker/events"
	"github.com/absmach/fluxjms/storage"
	memstorage "github.com/absmach/fluxjms/storage/memory"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/store/memory"
	"github.com/absmach/fluxjms/store/persistent"
	"github.com/absmach/fluxjms/transport"
	"github.com/absmach/fluxjms/types"
	"github.com/absmach/fluxjms/watchdog"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultServerName   = "fluxjms"
	DefaultSyncInterval = 100 * time.Millisecond
)

var (
	ErrClosed        = errors.New("broker is closed")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotTransacted = errors.New("session is not transacted")
)

// Notifier receives broker events, typically for webhook delivery. Notify
// must not block.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// Config configures a broker.
type Config struct {
	ServerName string
	// Transport is the template of every server transport. Role, Accept and
	// OnWritable are set by the broker.
	Transport transport.Config
	Session   SessionConfig
	Watchdog  watchdog.Config

	// SyncInterval is the period of forced syncs of batched block stores.
	SyncInterval      time.Duration
	CompressThreshold int
	// Ordering is the delivery order of every destination store.
	Ordering store.Ordering

	// Storage backs persistent destinations. A nil Storage keeps persistent
	// destinations in memory.
	Storage  storage.Provider
	Metrics  Metrics
	Notifier Notifier
	// Tracer records a span per publish. Nil disables tracing.
	Tracer trace.Tracer
}

// Broker is a queue and topic message broker.
type Broker struct {
	cfg      Config
	logger   *slog.Logger
	stats    *Stats
	metrics  Metrics
	tracer   trace.Tracer
	provider storage.Provider
	syncer   *storage.Syncer
	watchdog *watchdog.Watchdog

	mu           sync.RWMutex
	destinations map[types.DestinationRef]*Destination
	conns        map[string]*Connection
	closed       bool
}

// New creates a broker. Start launches its background loops.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = DefaultServerName
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.Storage == nil {
		cfg.Storage = memstorage.NewProvider()
	}
	var metrics Metrics = noopMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	return &Broker{
		cfg:          cfg,
		logger:       logger,
		stats:        NewStats(),
		metrics:      metrics,
		tracer:       tracer,
		provider:     cfg.Storage,
		syncer:       storage.NewSyncer(cfg.SyncInterval, logger),
		watchdog:     watchdog.New(cfg.Watchdog, logger),
		destinations: make(map[types.DestinationRef]*Destination),
		conns:        make(map[string]*Connection),
	}
}

// Start runs the watchdog and the store syncer until ctx is done or the
// broker is closed.
func (b *Broker) Start(ctx context.Context) {
	b.watchdog.Start(ctx)
	b.syncer.Start(ctx)
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Snapshot {
	s := b.stats.Snapshot()
	s.Evictions = b.watchdog.Stats().Evictions

	b.mu.RLock()
	s.Destinations = len(b.destinations)
	b.mu.RUnlock()
	return s
}

// Ready reports whether the broker accepts connections.
func (b *Broker) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *Broker) durability() storage.Durability {
	return b.provider.Mode()
}

func (b *Broker) notify(e events.Event) {
	if b.cfg.Notifier == nil {
		return
	}
	if err := b.cfg.Notifier.Notify(context.Background(), e); err != nil {
		b.logger.Debug("event notification failed",
			slog.String("event", e.Type()),
			slog.String("error", err.Error()))
	}
}

// storeName is the block store name of a destination. Destination names
// never contain a slash, so it separates the parts unambiguously.
func storeName(ref types.DestinationRef) string {
	return ref.Kind.String() + "/" + ref.Name
}

// openStore opens and initializes a message store.
func (b *Broker) openStore(ctx context.Context, name string, durable bool, c store.Capacity) (store.MessageStore, error) {
	if !durable {
		st := memory.New(c, b.cfg.Ordering)
		return st, st.Init(ctx)
	}

	blocks, err := b.provider.Open(name, storage.Capacity{MaxRecords: c.MaxMessages, MaxBytes: c.MaxBytes})
	if err != nil {
		return nil, fmt.Errorf("failed to open block store %s: %w", name, err)
	}
	st := persistent.New(blocks, c, persistent.Options{
		CompressThreshold: b.cfg.CompressThreshold,
		Ordering:          b.cfg.Ordering,
		Logger:            b.logger.With(slog.String("store", name)),
	})
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to recover %s: %w", name, err)
	}
	b.syncer.Add(name, blocks)
	return st, nil
}

// closeStore closes a message store and, with remove set, deletes its
// persistent records.
func (b *Broker) closeStore(name string, st store.MessageStore, remove bool) error {
	err := st.Close()
	if _, ok := st.(*persistent.Store); ok {
		b.syncer.Remove(name)
		if remove {
			err = errors.Join(err, b.provider.Remove(name))
		}
	}
	return err
}

// Declare creates a destination, or returns the existing one when it was
// declared with the same persistence.
func (b *Broker) Declare(ctx context.Context, cfg types.DestinationConfig) (*Destination, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	ref := cfg.Ref()
	if d, ok := b.destinations[ref]; ok {
		if d.Config().Persistent != cfg.Persistent {
			return nil, fmt.Errorf("%w: %s is declared with persistent=%t", ErrAlreadyExists, ref, d.Config().Persistent)
		}
		return d, nil
	}

	d := &Destination{
		broker: b,
		ref:    ref,
		cfg:    cfg,
		subs:   make(map[string]*subscription),
	}
	if ref.Kind == types.KindQueue {
		name := storeName(ref)
		st, err := b.openStore(ctx, name, cfg.Persistent, d.capacity())
		if err != nil {
			return nil, err
		}
		d.queue = newFeed(b, name, ref, st)
	}
	b.destinations[ref] = d

	b.logger.Info("destination declared",
		slog.String("destination", ref.String()),
		slog.Bool("persistent", cfg.Persistent),
		slog.Int("max_messages", cfg.MaxMessages),
		slog.Int64("max_bytes", cfg.MaxBytes))
	b.notify(events.DestinationDeclared{
		Ref:         ref.String(),
		Persistent:  cfg.Persistent,
		MaxMessages: cfg.MaxMessages,
		MaxBytes:    cfg.MaxBytes,
	})
	return d, nil
}

// Delete removes a destination without consumers along with its messages.
func (b *Broker) Delete(ctx context.Context, ref types.DestinationRef) error {
	b.mu.Lock()
	d, ok := b.destinations[ref]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: destination %s", ErrNotFound, ref)
	}
	if err := d.retire(); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", err, ref)
	}
	delete(b.destinations, ref)
	b.mu.Unlock()

	if err := d.close(true); err != nil {
		return err
	}
	b.logger.Info("destination deleted", slog.String("destination", ref.String()))
	b.notify(events.DestinationDeleted{Ref: ref.String()})
	return nil
}

// Resize changes the capacity of a destination. Shrinking below the current
// size only blocks further enqueues.
func (b *Broker) Resize(ref types.DestinationRef, maxMessages int, maxBytes int64) error {
	if maxMessages < 0 || maxBytes < 0 {
		return fmt.Errorf("invalid capacity %d messages, %d bytes", maxMessages, maxBytes)
	}
	d, ok := b.Destination(ref)
	if !ok {
		return fmt.Errorf("%w: destination %s", ErrNotFound, ref)
	}
	d.resize(types.DestinationConfig{MaxMessages: maxMessages, MaxBytes: maxBytes})
	return nil
}

// Destination returns a declared destination.
func (b *Broker) Destination(ref types.DestinationRef) (*Destination, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.destinations[ref]
	return d, ok
}

// Destinations returns a snapshot of every destination, sorted by kind and
// name.
func (b *Broker) Destinations() []Info {
	b.mu.RLock()
	dests := make([]*Destination, 0, len(b.destinations))
	for _, d := range b.destinations {
		dests = append(dests, d)
	}
	b.mu.RUnlock()

	infos := make([]Info, 0, len(dests))
	for _, d := range dests {
		infos = append(infos, d.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Name, b.Name))
	})
	return infos
}

// HandleConnection serves one client connection until it closes or ctx is
// done. It returns once every session of the connection is cleaned up.
func (b *Broker) HandleConnection(ctx context.Context, conn net.Conn) error {
	if !b.Ready() {
		conn.Close()
		return ErrClosed
	}

	c := newConnection(b, conn)
	if err := c.transport.Start(ctx); err != nil {
		conn.Close()
		return err
	}

	var closed bool
	c.register(func() {
		b.mu.Lock()
		closed = b.closed
		if !closed {
			b.conns[c.id] = c
		}
		b.mu.Unlock()
		if !closed {
			b.watchdog.Register(c.id, c.transport)
		}
	})
	if closed {
		c.transport.Close()
		<-c.done
		return ErrClosed
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		c.transport.Close()
		<-c.done
	}
	return nil
}

func (b *Broker) removeConnection(c *Connection) {
	b.watchdog.Unregister(c.id)
	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()
}

// Close disconnects every client and closes every store.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.transport.Close()
		<-c.done
	}
	b.watchdog.Stop()

	b.mu.Lock()
	dests := b.destinations
	b.destinations = make(map[types.DestinationRef]*Destination)
	b.mu.Unlock()

	var errs []error
	for _, d := range dests {
		if err := d.close(false); err != nil {
			errs = append(errs, err)
		}
	}
	b.syncer.Stop()
	if err := b.provider.Close(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("broker closed", slog.Int("connections", len(conns)), slog.Int("destinations", len(dests)))
	return errors.Join(errs...)
}

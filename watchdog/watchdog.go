// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package watchdog detects idle entities and runs their timeout callbacks.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultPollInterval    = time.Second
	DefaultCallbackTimeout = 5 * time.Second
	DefaultShards          = 16
)

// ErrCallbackTimeout is logged for callbacks that overrun CallbackTimeout.
var ErrCallbackTimeout = errors.New("timeout callback overran its deadline")

// Entity is something the watchdog can time out.
type Entity interface {
	LastActivity() time.Time
	// TimeoutDelay is the allowed idle time. Zero or negative disables checks.
	TimeoutDelay() time.Duration
	// OnTimeout runs once the entity is idle for longer than its delay.
	// Returning true unregisters it.
	OnTimeout() (unregister bool, err error)
}

// Config configures a watchdog.
type Config struct {
	PollInterval    time.Duration
	CallbackTimeout time.Duration
	Shards          int
}

type shard struct {
	mu       sync.Mutex
	entities map[string]Entity
}

// Watchdog polls registered entities on a fixed interval.
type Watchdog struct {
	cfg    Config
	logger *slog.Logger
	shards []*shard

	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	timeouts  atomic.Uint64
	evictions atomic.Uint64
}

// New creates a stopped watchdog.
func New(cfg Config, logger *slog.Logger) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watchdog{
		cfg:    cfg,
		logger: logger,
		shards: make([]*shard, cfg.Shards),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range w.shards {
		w.shards[i] = &shard{entities: make(map[string]Entity)}
	}
	return w
}

func (w *Watchdog) shard(key string) *shard {
	return w.shards[xxhash.Sum64String(key)%uint64(len(w.shards))]
}

// Register adds or replaces the entity under key.
func (w *Watchdog) Register(key string, e Entity) {
	s := w.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[key] = e
}

// Unregister removes key and reports whether it was registered.
func (w *Watchdog) Unregister(key string) bool {
	s := w.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entities[key]
	delete(s.entities, key)
	return ok
}

// Len returns the number of registered entities.
func (w *Watchdog) Len() int {
	n := 0
	for _, s := range w.shards {
		s.mu.Lock()
		n += len(s.entities)
		s.mu.Unlock()
	}
	return n
}

// Start runs the poll loop until ctx is done or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.Poll(now)
		}
	}
}

// Stop ends the poll loop and waits for it to return.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.started.Load() {
			<-w.done
		}
	})
}

type candidate struct {
	key    string
	entity Entity
}

// Poll checks every entity once against now.
func (w *Watchdog) Poll(now time.Time) {
	for _, s := range w.shards {
		var idle []candidate
		s.mu.Lock()
		for key, e := range s.entities {
			delay := e.TimeoutDelay()
			if delay > 0 && now.Sub(e.LastActivity()) > delay {
				idle = append(idle, candidate{key: key, entity: e})
			}
		}
		s.mu.Unlock()

		// Callbacks run without the shard lock so they may unregister.
		for _, c := range idle {
			w.timeouts.Add(1)
			unregister, err := w.call(c.entity)
			if err != nil {
				w.logger.Warn("watchdog evicting entity",
					slog.String("key", c.key),
					slog.String("error", err.Error()))
				unregister = true
			}
			if !unregister {
				continue
			}
			// The callback may already have unregistered itself.
			w.remove(c.key, c.entity)
			w.evictions.Add(1)
		}
	}
}

type result struct {
	unregister bool
	err        error
}

// call runs OnTimeout, converting panics to errors and giving up after
// CallbackTimeout. An abandoned callback keeps running in its goroutine.
func (w *Watchdog) call(e Entity) (bool, error) {
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("timeout callback panicked: %v", r)}
			}
		}()
		unregister, err := e.OnTimeout()
		ch <- result{unregister: unregister, err: err}
	}()

	timer := time.NewTimer(w.cfg.CallbackTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.unregister, r.err
	case <-timer.C:
		return true, ErrCallbackTimeout
	}
}

// remove drops key only if it still maps to e.
func (w *Watchdog) remove(key string, e Entity) {
	s := w.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entities[key]; ok && cur == e {
		delete(s.entities, key)
	}
}

// Stats holds watchdog counters.
type Stats struct {
	Registered int
	Timeouts   uint64
	Evictions  uint64
}

// Stats returns the watchdog counters.
func (w *Watchdog) Stats() Stats {
	return Stats{
		Registered: w.Len(),
		Timeouts:   w.timeouts.Load(),
		Evictions:  w.evictions.Load(),
	}
}

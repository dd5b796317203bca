// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Syncer periodically forces batched block stores to stable storage.
type Syncer struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[string]BlockStore

	started atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewSyncer creates a syncer that runs every interval once started.
func NewSyncer(interval time.Duration, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		interval: interval,
		logger:   logger,
		stores:   make(map[string]BlockStore),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add registers a store under name. Stores in SyncEveryWrite mode are ignored.
func (s *Syncer) Add(name string, bs BlockStore) {
	if bs.Mode() != Batched {
		return
	}
	s.mu.Lock()
	s.stores[name] = bs
	s.mu.Unlock()
}

// Remove unregisters a store.
func (s *Syncer) Remove(name string) {
	s.mu.Lock()
	delete(s.stores, name)
	s.mu.Unlock()
}

// Start runs the sync loop until ctx is done or Stop is called.
func (s *Syncer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SyncAll()
			case <-ctx.Done():
				s.SyncAll()
				return
			case <-s.stopCh:
				s.SyncAll()
				return
			}
		}
	}()
}

// Stop stops the loop after a final sync.
func (s *Syncer) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.done
	}
}

// SyncAll forces every registered store once.
func (s *Syncer) SyncAll() {
	s.mu.Lock()
	stores := make(map[string]BlockStore, len(s.stores))
	for name, bs := range s.stores {
		stores[name] = bs
	}
	s.mu.Unlock()

	for name, bs := range stores {
		if err := bs.Sync(); err != nil {
			s.logger.Error("block store sync failed",
				slog.String("destination", name),
				slog.String("error", err.Error()))
		}
	}
}

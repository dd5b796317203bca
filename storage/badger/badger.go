// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements block stores on a shared BadgerDB instance.
//
// Key format:
//   - Record:   blk:{destination}\x00{handle big-endian u64}
//   - Sequence: seq:{destination}
package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxjms/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Provider = (*Provider)(nil)

const (
	recordPrefix   = "blk:"
	sequencePrefix = "seq:"
	seqBandwidth   = 128

	defaultGCInterval = 5 * time.Minute
	gcDiscardRatio    = 0.5
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string
	Durability storage.Durability
	GCInterval time.Duration
	Logger     *slog.Logger
}

// Provider owns the database and hands out one store per destination.
type Provider struct {
	db     *badger.DB
	mode   storage.Durability
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
}

// New opens the database in cfg.Dir.
func New(cfg Config) (*Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.Durability == storage.SyncEveryWrite
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	p := &Provider{
		db:       db,
		mode:     cfg.Durability,
		logger:   cfg.Logger,
		stores:   make(map[string]*Store),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go p.runGC(cfg.GCInterval)

	return p, nil
}

func (p *Provider) Open(name string, c storage.Capacity) (storage.BlockStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, storage.ErrClosed
	}
	if s, ok := p.stores[name]; ok && !s.isClosed() {
		s.SetCapacity(c)
		return s, nil
	}
	s, err := openStore(p.db, name, c, p.mode)
	if err != nil {
		return nil, err
	}
	p.stores[name] = s
	return s, nil
}

// Remove drops every record of a destination and its sequence.
func (p *Provider) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores[name]; ok {
		if err := s.Close(); err != nil {
			return err
		}
		delete(p.stores, name)
	}
	if err := p.db.DropPrefix(recordKeyPrefix(name)); err != nil {
		return fmt.Errorf("failed to drop records of %s: %w", name, err)
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sequenceKey(name))
	})
}

func (p *Provider) Mode() storage.Durability {
	return p.mode
}

// Close closes every open store and the database.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var errs []error
	for name, s := range p.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	p.stores = nil
	p.mu.Unlock()

	close(p.gcStopCh)
	<-p.gcDone

	if err := p.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runGC runs value log garbage collection periodically.
func (p *Provider) runGC(interval time.Duration) {
	defer close(p.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means nothing was worth collecting.
			if err := p.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				p.logger.Warn("badger value log gc failed", slog.String("error", err.Error()))
			}
		case <-p.gcStopCh:
			// No GC during close: it races with vlog shutdown.
			return
		}
	}
}

// Destination names never hold control characters, so the NUL separator keeps
// one destination's prefix from matching another's.
func recordKeyPrefix(name string) []byte {
	return []byte(recordPrefix + name + "\x00")
}

func recordKey(name string, h storage.Handle) []byte {
	prefix := recordKeyPrefix(name)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(h))
	return key
}

func sequenceKey(name string) []byte {
	return []byte(sequencePrefix + name)
}

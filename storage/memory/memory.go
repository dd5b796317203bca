// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements a non-durable block store.
package memory

import (
	"sort"
	"sync"

	"github.com/absmach/fluxjms/storage"
)

var (
	_ storage.BlockStore = (*Store)(nil)
	_ storage.Provider   = (*Provider)(nil)
)

type record struct {
	size    int
	data    []byte
	written bool
}

// Store keeps records in a map. Sync is a no-op; only the ceilings apply.
type Store struct {
	mu      sync.RWMutex
	records map[storage.Handle]*record
	next    storage.Handle
	ledger  *storage.Ledger
	closed  bool
}

// New creates an empty in-memory block store.
func New(c storage.Capacity) *Store {
	return &Store{
		records: make(map[storage.Handle]*record),
		ledger:  storage.NewLedger(c),
	}
}

func (s *Store) Allocate(size int) (storage.Handle, error) {
	if size < 0 {
		return 0, storage.ErrRecordTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	if err := s.ledger.Reserve(size); err != nil {
		return 0, err
	}
	s.next++
	s.records[s.next] = &record{size: size}
	return s.next, nil
}

func (s *Store) Read(h storage.Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	r, ok := s.records[h]
	if !ok || !r.written {
		return nil, storage.ErrInvalidHandle
	}
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out, nil
}

func (s *Store) Write(h storage.Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	r, ok := s.records[h]
	if !ok {
		return storage.ErrInvalidHandle
	}
	if len(data) > r.size {
		return storage.ErrRecordTooLarge
	}
	r.data = append(r.data[:0], data...)
	if !r.written {
		r.written = true
		s.ledger.Commit()
	}
	return nil
}

func (s *Store) Free(h storage.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	r, ok := s.records[h]
	if !ok {
		if h == 0 || h > s.next {
			return storage.ErrInvalidHandle
		}
		return nil
	}
	delete(s.records, h)
	s.ledger.Release(r.size, r.written)
	return nil
}

func (s *Store) Sync() error {
	return nil
}

func (s *Store) Records(fn func(h storage.Handle, data []byte) error) error {
	s.mu.RLock()
	handles := make([]storage.Handle, 0, len(s.records))
	for h, r := range s.records {
		if r.written {
			handles = append(handles, h)
		}
	}
	s.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, h := range handles {
		data, err := s.Read(h)
		if err == storage.ErrInvalidHandle {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(h, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetCapacity(c storage.Capacity) {
	s.ledger.Resize(c)
}

func (s *Store) Stats() storage.Stats {
	return s.ledger.Snapshot(storage.SyncEveryWrite)
}

// Mode reports SyncEveryWrite: there is nothing to defer.
func (s *Store) Mode() storage.Durability {
	return storage.SyncEveryWrite
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Provider hands out in-memory stores. Records of a destination survive a
// Close/Open cycle for the lifetime of the provider, which makes it a stand-in
// for a durable provider in tests and in memory-only deployments.
type Provider struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{stores: make(map[string]*Store)}
}

func (p *Provider) Open(name string, c storage.Capacity) (storage.BlockStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores[name]; ok {
		s.mu.Lock()
		s.closed = false
		s.mu.Unlock()
		s.SetCapacity(c)
		return s, nil
	}
	s := New(c)
	p.stores[name] = s
	return s, nil
}

func (p *Provider) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stores, name)
	return nil
}

func (p *Provider) Mode() storage.Durability {
	return storage.SyncEveryWrite
}

func (p *Provider) Close() error {
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements a transient message store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/types"
)

var _ store.MessageStore = (*Store)(nil)

// Store keeps messages in memory only. They are lost on restart.
type Store struct {
	mu       sync.Mutex
	index    *store.Index
	capacity store.Capacity
	next     uint64
	closed   bool
}

// New returns a transient store bounded by c.
func New(c store.Capacity, o store.Ordering) *Store {
	return &Store{
		index:    store.NewIndex(o),
		capacity: c,
	}
}

func (s *Store) Init(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) Enqueue(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if s.capacity.Full(s.index.Len(), s.index.Bytes(), msg.Size()) {
		return fmt.Errorf("enqueue to %s (size: %d, max: %d): %w",
			msg.Destination, s.index.Len(), s.capacity.MaxMessages, store.ErrStoreFull)
	}
	s.next++
	msg.ID = s.next
	s.index.Add(msg, 0)
	return nil
}

func (s *Store) PeekNext(filter store.Filter) (*types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index.Next(filter, time.Now(), nil)
	if !ok {
		return nil, false
	}
	return e.Message, true
}

func (s *Store) Take(filter store.Filter) (*types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	e, ok := s.index.Next(filter, time.Now(), nil)
	if !ok {
		return nil, false
	}
	s.index.SetInFlight(e, true)
	return e.Message, true
}

func (s *Store) Acknowledge(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	s.index.Remove(id)
	return nil
}

func (s *Store) Requeue(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	e, ok := s.index.Get(id)
	if !ok {
		return store.ErrNotFound
	}
	if !e.InFlight {
		return store.ErrNotInFlight
	}
	e.Message.Redelivered++
	s.index.SetInFlight(e, false)
	return nil
}

func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Bytes()
}

func (s *Store) SetCapacity(c store.Capacity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = c
}

func (s *Store) Stats() store.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Stats{
		Size:     s.index.Len(),
		InFlight: s.index.InFlight(),
		Bytes:    s.index.Bytes(),
		Capacity: s.capacity,
	}
}

// Durability reports SyncEveryWrite; nothing is ever deferred.
func (s *Store) Durability() storage.Durability {
	return storage.SyncEveryWrite
}

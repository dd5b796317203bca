// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package persistent implements a message store backed by a block store.
// Every message is one block record holding its encoded form.
package persistent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxjms/codec"
	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/types"
)

var _ store.MessageStore = (*Store)(nil)

// Options configures a persistent store.
type Options struct {
	// CompressThreshold is the body size from which bodies are S2 compressed.
	CompressThreshold int
	Ordering          store.Ordering
	Logger            *slog.Logger
}

// Store is a durable message store. Any failure of the block store disables
// it: every later call returns store.ErrStoreFailed.
type Store struct {
	blocks storage.BlockStore
	enc    codec.EncodeOptions
	logger *slog.Logger

	mu       sync.Mutex
	index    *store.Index
	capacity store.Capacity
	lastID   uint64
	failed   error
	ready    bool
	closed   bool
}

// New returns a store over blocks. Init must be called before use.
func New(blocks storage.BlockStore, c store.Capacity, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	blocks.SetCapacity(blockCapacity(c))
	return &Store{
		blocks:   blocks,
		enc:      codec.EncodeOptions{CompressThreshold: opts.CompressThreshold},
		logger:   opts.Logger,
		index:    store.NewIndex(opts.Ordering),
		capacity: c,
	}
}

// blockCapacity maps a message ceiling onto the block store. MaxBytes bounds
// encoded records there.
func blockCapacity(c store.Capacity) storage.Capacity {
	return storage.Capacity{MaxRecords: c.MaxMessages, MaxBytes: c.MaxBytes}
}

// Init recovers every record, rebuilds the ordering index and resumes the id
// sequence. Unreadable and expired records are dropped.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	type recovered struct {
		msg *types.Message
		h   storage.Handle
	}
	var (
		msgs []recovered
		drop []storage.Handle
		now  = time.Now()
	)
	err := s.blocks.Records(func(h storage.Handle, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := codec.DecodeMessage(data)
		if err != nil {
			s.logger.Warn("dropping undecodable message record",
				slog.Uint64("handle", uint64(h)),
				slog.String("error", err.Error()))
			drop = append(drop, h)
			return nil
		}
		if msg.Expired(now) {
			drop = append(drop, h)
			return nil
		}
		msgs = append(msgs, recovered{msg: msg, h: h})
		return nil
	})
	if err != nil {
		return s.fail(fmt.Errorf("recovery failed: %w", err))
	}
	for _, h := range drop {
		if err := s.blocks.Free(h); err != nil {
			return s.fail(err)
		}
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].msg.ID < msgs[j].msg.ID })
	for _, r := range msgs {
		s.index.Add(r.msg, r.h)
		s.lastID = max(s.lastID, r.msg.ID)
	}
	s.ready = true

	if len(msgs) > 0 || len(drop) > 0 {
		s.logger.Info("message store recovered",
			slog.Int("messages", len(msgs)),
			slog.Int("dropped", len(drop)))
	}
	return nil
}

// fail records the first storage failure. Callers hold mu.
func (s *Store) fail(err error) error {
	if s.failed == nil {
		s.failed = err
		s.logger.Error("message store disabled", slog.String("error", err.Error()))
	}
	return fmt.Errorf("%w: %w", store.ErrStoreFailed, s.failed)
}

func (s *Store) check() error {
	switch {
	case s.closed:
		return store.ErrClosed
	case s.failed != nil:
		return fmt.Errorf("%w: %w", store.ErrStoreFailed, s.failed)
	case !s.ready:
		return errors.New("message store is not initialized")
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.blocks.Close()
}

func (s *Store) Enqueue(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	if s.capacity.MaxMessages > 0 && s.index.Len() >= s.capacity.MaxMessages {
		return fmt.Errorf("enqueue to %s (size: %d, max: %d): %w",
			msg.Destination, s.index.Len(), s.capacity.MaxMessages, store.ErrStoreFull)
	}

	id := s.lastID + 1
	msg.ID = id
	data := codec.EncodeMessage(msg, s.enc)

	h, err := s.blocks.Allocate(len(data))
	switch {
	case errors.Is(err, storage.ErrStoreFull), errors.Is(err, storage.ErrRecordTooLarge):
		msg.ID = 0
		return fmt.Errorf("enqueue to %s: %w", msg.Destination, store.ErrStoreFull)
	case err != nil:
		msg.ID = 0
		return s.fail(err)
	}
	if err := s.blocks.Write(h, data); err != nil {
		msg.ID = 0
		// The record never became durable, so the store is still consistent.
		if ferr := s.blocks.Free(h); ferr != nil {
			return s.fail(errors.Join(err, ferr))
		}
		return s.fail(err)
	}
	s.lastID = id
	s.index.Add(msg, h)
	return nil
}

func (s *Store) PeekNext(filter store.Filter) (*types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.nextEntry(filter)
	if !ok {
		return nil, false
	}
	return e.Message, true
}

func (s *Store) Take(filter store.Filter) (*types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.nextEntry(filter)
	if !ok {
		return nil, false
	}
	s.index.SetInFlight(e, true)
	return e.Message, true
}

// nextEntry finds the next pending entry and frees expired ones on the way.
// Callers hold mu.
func (s *Store) nextEntry(filter store.Filter) (*store.Entry, bool) {
	if s.check() != nil {
		return nil, false
	}
	return s.index.Next(filter, time.Now(), func(e *store.Entry) {
		if err := s.blocks.Free(e.Handle); err != nil {
			s.fail(err)
		}
	})
}

func (s *Store) Acknowledge(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.index.Remove(id)
	if !ok {
		return nil
	}
	if err := s.blocks.Free(e.Handle); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.index.Get(id)
	if !ok {
		return store.ErrNotFound
	}
	if !e.InFlight {
		return store.ErrNotInFlight
	}
	e.Message.Redelivered++
	if err := s.rewrite(e); err != nil {
		e.Message.Redelivered--
		return s.fail(err)
	}
	s.index.SetInFlight(e, false)
	return nil
}

// rewrite persists the current state of an entry in place, moving it to a
// new record when it no longer fits.
func (s *Store) rewrite(e *store.Entry) error {
	data := codec.EncodeMessage(e.Message, s.enc)
	err := s.blocks.Write(e.Handle, data)
	if !errors.Is(err, storage.ErrRecordTooLarge) {
		return err
	}
	h, err := s.blocks.Allocate(len(data))
	if err != nil {
		return err
	}
	if err := s.blocks.Write(h, data); err != nil {
		return err
	}
	old := e.Handle
	e.Handle = h
	return s.blocks.Free(old)
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
	s.blocks.SetCapacity(blockCapacity(c))
}

func (s *Store) Stats() store.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Stats{
		Size:       s.index.Len(),
		InFlight:   s.index.InFlight(),
		Bytes:      s.index.Bytes(),
		Capacity:   s.capacity,
		Persistent: true,
		Durability: s.blocks.Mode(),
	}
}

func (s *Store) Durability() storage.Durability {
	return s.blocks.Mode()
}

// Sync forces buffered records of a batched block store to disk.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	if err := s.blocks.Sync(); err != nil {
		return s.fail(err)
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/absmach/fluxjms/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.BlockStore = (*Store)(nil)

type slot struct {
	size    int
	written bool
}

// Store is the block store of one destination.
type Store struct {
	db     *badger.DB
	name   string
	prefix []byte
	seq    *badger.Sequence
	mode   storage.Durability

	mu     sync.RWMutex
	slots  map[storage.Handle]*slot
	top    storage.Handle
	ledger *storage.Ledger
	closed bool
}

func openStore(db *badger.DB, name string, c storage.Capacity, mode storage.Durability) (*Store, error) {
	seq, err := db.GetSequence(sequenceKey(name), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("failed to open handle sequence: %w", err)
	}
	s := &Store{
		db:     db,
		name:   name,
		prefix: recordKeyPrefix(name),
		seq:    seq,
		mode:   mode,
		slots:  make(map[storage.Handle]*slot),
		ledger: storage.NewLedger(c),
	}
	if err := s.load(); err != nil {
		seq.Release()
		return nil, err
	}
	return s, nil
}

// load indexes the records already on disk.
func (s *Store) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			h, err := s.handleOf(item.Key())
			if err != nil {
				return err
			}
			size := int(item.ValueSize())
			s.slots[h] = &slot{size: size, written: true}
			s.ledger.Restore(size)
			s.top = max(s.top, h)
		}
		return nil
	})
}

func (s *Store) handleOf(key []byte) (storage.Handle, error) {
	if len(key) != len(s.prefix)+8 {
		return 0, fmt.Errorf("%w: malformed key %q", storage.ErrCorrupted, key)
	}
	return storage.Handle(binary.BigEndian.Uint64(key[len(s.prefix):])), nil
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
	n, err := s.seq.Next()
	if err != nil {
		s.ledger.Release(size, false)
		return 0, fmt.Errorf("failed to allocate handle: %w", err)
	}
	// Sequences start at zero and zero is not a valid handle.
	h := storage.Handle(n + 1)
	s.slots[h] = &slot{size: size}
	s.top = max(s.top, h)
	return h, nil
}

func (s *Store) Read(h storage.Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	if sl, ok := s.slots[h]; !ok || !sl.written {
		return nil, storage.ErrInvalidHandle
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(s.name, h))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrInvalidHandle
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

func (s *Store) Write(h storage.Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	sl, ok := s.slots[h]
	if !ok {
		return storage.ErrInvalidHandle
	}
	if len(data) > sl.size {
		return storage.ErrRecordTooLarge
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(s.name, h), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if !sl.written {
		sl.written = true
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
	sl, ok := s.slots[h]
	if !ok {
		if h == 0 || h > s.top {
			return storage.ErrInvalidHandle
		}
		return nil
	}
	if sl.written {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(recordKey(s.name, h))
		})
		if err != nil {
			return fmt.Errorf("failed to free record: %w", err)
		}
	}
	delete(s.slots, h)
	s.ledger.Release(sl.size, sl.written)
	return nil
}

func (s *Store) Sync() error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync badger: %w", err)
	}
	return nil
}

func (s *Store) Records(fn func(h storage.Handle, data []byte) error) error {
	s.mu.RLock()
	handles := make([]storage.Handle, 0, len(s.slots))
	for h, sl := range s.slots {
		if sl.written {
			handles = append(handles, h)
		}
	}
	s.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, h := range handles {
		data, err := s.Read(h)
		if errors.Is(err, storage.ErrInvalidHandle) {
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
	return s.ledger.Snapshot(s.mode)
}

func (s *Store) Mode() storage.Durability {
	return s.mode
}

// Close releases the handle sequence. The database stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.seq.Release(); err != nil {
		return fmt.Errorf("failed to release handle sequence: %w", err)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

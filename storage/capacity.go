// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "sync"

// Ledger accounts records and bytes against a Capacity. Backends embed it to
// share the ceiling checks.
type Ledger struct {
	mu       sync.Mutex
	capacity Capacity
	records  int
	reserved int
	bytes    int64
}

// NewLedger returns a ledger bounded by c.
func NewLedger(c Capacity) *Ledger {
	return &Ledger{capacity: c}
}

// Reserve accounts a new record of size bytes, or returns ErrStoreFull.
func (l *Ledger) Reserve(size int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capacity.MaxRecords > 0 && l.records+l.reserved+1 > l.capacity.MaxRecords {
		return ErrStoreFull
	}
	if l.capacity.MaxBytes > 0 && l.bytes+int64(size) > l.capacity.MaxBytes {
		return ErrStoreFull
	}
	l.reserved++
	l.bytes += int64(size)
	return nil
}

// Commit turns a reservation into a written record.
func (l *Ledger) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved--
	l.records++
}

// Release forgets a record of size bytes. written tells whether it was committed.
func (l *Ledger) Release(size int, written bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if written {
		l.records--
	} else {
		l.reserved--
	}
	l.bytes -= int64(size)
}

// Restore accounts a record found during recovery, bypassing the ceiling so an
// operator shrink never loses data.
func (l *Ledger) Restore(size int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records++
	l.bytes += int64(size)
}

// Resize replaces the capacity.
func (l *Ledger) Resize(c Capacity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capacity = c
}

// Snapshot returns the current counters.
func (l *Ledger) Snapshot(mode Durability) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Records:    l.records,
		Reserved:   l.reserved,
		Bytes:      l.bytes,
		Capacity:   l.capacity,
		Durability: mode,
	}
}

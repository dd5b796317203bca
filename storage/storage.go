// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the block store: a bounded repository of records
// addressed by handle, used as the backing medium of persistent message stores.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreFull is the expected back-pressure signal returned when an
	// allocation would exceed the configured capacity.
	ErrStoreFull      = errors.New("block store is full")
	ErrRecordTooLarge = errors.New("record exceeds maximum record size")
	ErrInvalidHandle  = errors.New("invalid block handle")
	ErrClosed         = errors.New("block store is closed")
	ErrCorrupted      = errors.New("block record is corrupted")
)

// Handle addresses a record. The zero handle is never allocated.
type Handle uint64

// Durability selects when writes reach stable storage.
type Durability uint8

const (
	// SyncEveryWrite makes every Write and Free durable before it returns.
	SyncEveryWrite Durability = iota
	// Batched leaves writes to the OS and forces them on Sync, without a
	// metadata sync.
	Batched
)

func (d Durability) String() string {
	switch d {
	case SyncEveryWrite:
		return "sync"
	case Batched:
		return "batched"
	default:
		return "unknown"
	}
}

// ParseDurability parses the configuration form of a durability mode.
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(s) {
	case "sync", "":
		return SyncEveryWrite, nil
	case "batched":
		return Batched, nil
	default:
		return 0, fmt.Errorf("unknown durability mode %q", s)
	}
}

// Capacity bounds a block store. Zero fields are unbounded.
type Capacity struct {
	MaxRecords int
	MaxBytes   int64
}

// Stats is a snapshot of a block store.
type Stats struct {
	Records    int
	Reserved   int
	Bytes      int64
	Capacity   Capacity
	Durability Durability
}

// BlockStore is a bounded record repository.
//
// Allocate reserves room for a record of the given size and counts against
// capacity immediately; the record becomes durable on Write. Free releases
// both reserved and written records.
type BlockStore interface {
	Allocate(size int) (Handle, error)
	Read(h Handle) ([]byte, error)
	Write(h Handle, data []byte) error
	Free(h Handle) error
	Sync() error

	// Records calls fn for every written record in handle order.
	Records(fn func(h Handle, data []byte) error) error

	SetCapacity(c Capacity)
	Stats() Stats
	Mode() Durability
	Close() error
}

// Provider opens the block store of a named destination.
type Provider interface {
	Open(name string, c Capacity) (BlockStore, error)
	// Remove deletes the records of a destination whose store is closed.
	Remove(name string) error
	Mode() Durability
	Close() error
}

// IsIOError reports whether err is a failure of the backing medium rather than
// one of the contract errors a caller is expected to handle.
func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrStoreFull),
		errors.Is(err, ErrRecordTooLarge),
		errors.Is(err, ErrInvalidHandle),
		errors.Is(err, ErrClosed):
		return false
	}
	return true
}

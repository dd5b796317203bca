// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store holds the per-destination message stores.
//
// A store keeps pending messages ordered by priority band, highest first, and
// by arrival within a band. Delivery takes a message in flight; it stays in
// place until it is acknowledged or requeued, so a requeued message keeps its
// original position.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/types"
)

var (
	// ErrStoreFull is returned synchronously by Enqueue at capacity. The store
	// is left unchanged and the producer may retry.
	ErrStoreFull = errors.New("message store is full")
	// ErrStoreFailed wraps the storage failure that disabled a store.
	ErrStoreFailed = errors.New("message store failed")
	ErrClosed      = errors.New("message store is closed")
	ErrNotFound    = errors.New("message not found")
	ErrNotInFlight = errors.New("message is not in flight")
)

// Filter selects the messages a consumer accepts. A nil Filter accepts all.
type Filter func(msg *types.Message) bool

func (f Filter) accepts(msg *types.Message) bool {
	return f == nil || f(msg)
}

// Capacity bounds a message store. Zero fields are unbounded.
type Capacity struct {
	MaxMessages int
	MaxBytes    int64
}

// Ordering selects the order in which pending messages are delivered.
type Ordering uint8

const (
	// PriorityThenFIFO delivers the highest priority band first and by
	// arrival within a band.
	PriorityThenFIFO Ordering = iota
	// FIFO ignores priorities.
	FIFO
)

func (o Ordering) String() string {
	switch o {
	case PriorityThenFIFO:
		return "priority"
	case FIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// ParseOrdering parses the configuration form of an ordering.
func ParseOrdering(s string) (Ordering, error) {
	switch strings.ToLower(s) {
	case "priority", "":
		return PriorityThenFIFO, nil
	case "fifo":
		return FIFO, nil
	default:
		return 0, fmt.Errorf("unknown ordering %q", s)
	}
}

// Stats is a snapshot of a message store.
type Stats struct {
	Size       int
	InFlight   int
	Bytes      int64
	Capacity   Capacity
	Persistent bool
	Durability storage.Durability
}

// MessageStore is the ordered message container of one destination.
type MessageStore interface {
	// Init makes the store usable. Persistent stores recover their records.
	Init(ctx context.Context) error
	Close() error

	// Enqueue assigns msg.ID and stores the message.
	Enqueue(ctx context.Context, msg *types.Message) error
	// PeekNext returns the next pending message the filter accepts.
	PeekNext(filter Filter) (*types.Message, bool)
	// Take is PeekNext that also marks the message in flight.
	Take(filter Filter) (*types.Message, bool)
	// Acknowledge removes a message. Unknown ids are ignored.
	Acknowledge(ctx context.Context, id uint64) error
	// Requeue returns an in-flight message to pending and counts a redelivery.
	Requeue(ctx context.Context, id uint64) error

	Size() int
	Bytes() int64
	SetCapacity(c Capacity)
	Stats() Stats
	Durability() storage.Durability
}

// Failed reports whether err disabled a store.
func Failed(err error) bool {
	return errors.Is(err, ErrStoreFailed)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker counters.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	sessions           atomic.Int64
	consumers          atomic.Int64

	// Message stats
	enqueued    atomic.Uint64
	delivered   atomic.Uint64
	acked       atomic.Uint64
	redelivered atomic.Uint64

	// Error stats
	storeFull      atomic.Uint64
	protocolErrors atomic.Uint64
	evictions      atomic.Uint64
}

// NewStats creates a Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) connected() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) disconnected() { s.currentConnections.Add(-1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   uint64        `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	Sessions           int64         `json:"sessions"`
	Consumers          int64         `json:"consumers"`
	Enqueued           uint64        `json:"enqueued"`
	Delivered          uint64        `json:"delivered"`
	Acknowledged       uint64        `json:"acknowledged"`
	Redelivered        uint64        `json:"redelivered"`
	StoreFull          uint64        `json:"store_full"`
	ProtocolErrors     uint64        `json:"protocol_errors"`
	Evictions          uint64        `json:"evictions"`
	Destinations       int           `json:"destinations"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:             time.Since(s.startTime),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		Sessions:           s.sessions.Load(),
		Consumers:          s.consumers.Load(),
		Enqueued:           s.enqueued.Load(),
		Delivered:          s.delivered.Load(),
		Acknowledged:       s.acked.Load(),
		Redelivered:        s.redelivered.Load(),
		StoreFull:          s.storeFull.Load(),
		ProtocolErrors:     s.protocolErrors.Load(),
		Evictions:          s.evictions.Load(),
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// AckMode selects how deliveries to a consumer are acknowledged.
type AckMode uint8

const (
	AckAuto AckMode = iota
	AckClient
	AckTransacted
)

func (m AckMode) String() string {
	switch m {
	case AckAuto:
		return "auto"
	case AckClient:
		return "client"
	case AckTransacted:
		return "transacted"
	default:
		return "unknown"
	}
}

// DefaultPrefetch is the prefetch window used when a consumer does not ask for one.
const DefaultPrefetch = 16

// ConsumerConfig is a consumer registration request.
type ConsumerConfig struct {
	// ID is unique per session; it is the consumer endpoint id on the wire.
	ID          int32
	Destination DestinationRef
	Selector    string
	Prefetch    int
	AckMode     AckMode
	// Durable names a durable topic subscription; empty for queues and
	// non-durable subscriptions.
	Durable string
}

// Validate checks the ack mode and prefetch window.
func (c ConsumerConfig) Validate() error {
	if c.AckMode > AckTransacted {
		return fmt.Errorf("invalid ack mode %d", c.AckMode)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch cannot be negative")
	}
	if c.Durable != "" && c.Destination.Kind != KindTopic {
		return fmt.Errorf("durable subscriptions require a topic")
	}
	return nil
}

// Window returns the effective prefetch window.
func (c ConsumerConfig) Window() int {
	if c.Prefetch == 0 {
		return DefaultPrefetch
	}
	return c.Prefetch
}

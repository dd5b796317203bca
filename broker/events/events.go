// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker lifecycle events exported to webhooks.
package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeDestinationDeclared = "destination.declared"
	TypeDestinationDeleted  = "destination.deleted"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypeStoreFull           = "destination.store_full"
	TypeStoreFailed         = "destination.store_failed"
)

// Event is the common interface of broker events.
type Event interface {
	Type() string
	// Destination returns the destination the event concerns, in
	// "kind://name" form, or "" for connection events.
	Destination() string
	Wrap(brokerID string) *Envelope
}

// Envelope is the wire form of an event.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted after a successful handshake.
type ClientConnected struct {
	ConnectionID string `json:"connection_id"`
	ClientID     string `json:"client_id"`
	Software     string `json:"software,omitempty"`
	RemoteAddr   string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                   { return TypeClientConnected }
func (e ClientConnected) Destination() string            { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a connection ends. Reason is "normal",
// "error" or "timeout".
type ClientDisconnected struct {
	ConnectionID string `json:"connection_id"`
	ClientID     string `json:"client_id"`
	Reason       string `json:"reason"`
	Requeued     int    `json:"requeued"`
}

func (e ClientDisconnected) Type() string                   { return TypeClientDisconnected }
func (e ClientDisconnected) Destination() string            { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DestinationDeclared is emitted when a destination is created.
type DestinationDeclared struct {
	Ref         string `json:"destination"`
	Persistent  bool   `json:"persistent"`
	MaxMessages int    `json:"max_messages"`
	MaxBytes    int64  `json:"max_bytes"`
}

func (e DestinationDeclared) Type() string                   { return TypeDestinationDeclared }
func (e DestinationDeclared) Destination() string            { return e.Ref }
func (e DestinationDeclared) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DestinationDeleted is emitted when a destination is removed.
type DestinationDeleted struct {
	Ref string `json:"destination"`
}

func (e DestinationDeleted) Type() string                   { return TypeDestinationDeleted }
func (e DestinationDeleted) Destination() string            { return e.Ref }
func (e DestinationDeleted) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a consumer attaches.
type SubscriptionCreated struct {
	Ref      string `json:"destination"`
	ClientID string `json:"client_id"`
	Selector string `json:"selector,omitempty"`
	Durable  string `json:"durable,omitempty"`
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Destination() string            { return e.Ref }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a consumer detaches.
type SubscriptionRemoved struct {
	Ref      string `json:"destination"`
	ClientID string `json:"client_id"`
	Durable  string `json:"durable,omitempty"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Destination() string            { return e.Ref }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// StoreFull is emitted when a producer is rejected for capacity.
type StoreFull struct {
	Ref  string `json:"destination"`
	Size int    `json:"size"`
}

func (e StoreFull) Type() string                   { return TypeStoreFull }
func (e StoreFull) Destination() string            { return e.Ref }
func (e StoreFull) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// StoreFailed is emitted when a persistent store is disabled by an I/O error.
type StoreFailed struct {
	Ref   string `json:"destination"`
	Error string `json:"error"`
}

func (e StoreFailed) Type() string                   { return TypeStoreFailed }
func (e StoreFailed) Destination() string            { return e.Ref }
func (e StoreFailed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

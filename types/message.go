// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"time"

	"github.com/google/uuid"
)

// Priority bounds. Higher values are delivered first.
const (
	MinPriority     uint8 = 0
	MaxPriority     uint8 = 9
	DefaultPriority uint8 = 4
)

// Message is a broker message: an immutable payload plus delivery metadata.
//
// Once enqueued, a Message is owned by exactly one destination store and is
// handed around by pointer until it is acknowledged.
type Message struct {
	// ID is the store-local sequence number assigned at enqueue time.
	ID uint64
	// MessageID is the producer-visible identifier ("ID:<uuid>").
	MessageID  string
	Priority   uint8
	Body       []byte
	Properties map[string]Value
	Timestamp  time.Time
	// Expiration is zero when the message never expires.
	Expiration  time.Time
	Redelivered uint32
	Persistent  bool
	Destination DestinationRef
}

// NewMessage creates a message with a fresh MessageID, default priority and
// the current timestamp.
func NewMessage(body []byte) *Message {
	return &Message{
		MessageID:  NewMessageID(),
		Priority:   DefaultPriority,
		Body:       body,
		Properties: make(map[string]Value),
		Timestamp:  time.Now(),
	}
}

// NewMessageID returns a producer-visible message identifier.
func NewMessageID() string {
	return "ID:" + uuid.New().String()
}

// Property returns the named property and whether it is set.
func (m *Message) Property(name string) (Value, bool) {
	if m.Properties == nil {
		return Value{}, false
	}
	v, ok := m.Properties[name]
	return v, ok
}

// SetProperty sets a property, allocating the map when needed.
func (m *Message) SetProperty(name string, v Value) {
	if m.Properties == nil {
		m.Properties = make(map[string]Value)
	}
	m.Properties[name] = v
}

// Expired reports whether the message expiration is set and has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && !now.Before(m.Expiration)
}

// Size returns the accounted size of the message in bytes.
func (m *Message) Size() int64 {
	n := int64(len(m.Body)) + int64(len(m.MessageID))
	for k, v := range m.Properties {
		n += int64(len(k)) + v.size()
	}
	return n
}

// Clone returns a shallow copy with its own property map. Body bytes are shared
// since they are never mutated after enqueue.
func (m *Message) Clone() *Message {
	c := *m
	if m.Properties != nil {
		c.Properties = make(map[string]Value, len(m.Properties))
		for k, v := range m.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

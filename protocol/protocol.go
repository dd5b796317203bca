// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the payloads carried by transport packets.
//
// Requests carry a RequestID chosen by the sender. A non-zero RequestID asks
// for a Reply on the same endpoint echoing it; zero means fire and forget.
package protocol

import (
	"errors"

	"github.com/absmach/fluxjms/codec"
	"github.com/absmach/fluxjms/types"
)

// ErrMalformed is returned when a payload cannot be decoded.
var ErrMalformed = errors.New("malformed payload")

// decoder reads fields until the first error.
type decoder struct {
	r   *codec.BufferReader
	err error
}

func newDecoder(data []byte) *decoder {
	return &decoder{r: codec.NewBufferReader(data)}
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	var v uint8
	v, d.err = d.r.ReadUint8()
	return v
}

func (d *decoder) boolean() bool {
	if d.err != nil {
		return false
	}
	var v bool
	v, d.err = d.r.ReadBool()
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	var v uint32
	v, d.err = d.r.ReadUint32()
	return v
}

func (d *decoder) i32() int32 {
	if d.err != nil {
		return 0
	}
	var v int32
	v, d.err = d.r.ReadInt32()
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	v, d.err = d.r.ReadUint64()
	return v
}

func (d *decoder) i64() int64 {
	if d.err != nil {
		return 0
	}
	var v int64
	v, d.err = d.r.ReadInt64()
	return v
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	v, d.err = d.r.ReadUvarint()
	return v
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	var v string
	v, d.err = d.r.ReadString()
	return v
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	var v []byte
	v, d.err = d.r.ReadBytes()
	return v
}

func (d *decoder) destination() types.DestinationRef {
	kind := types.DestinationKind(d.u8())
	name := d.str()
	return types.DestinationRef{Kind: kind, Name: name}
}

// count reads a collection length and bounds it by the remaining payload.
func (d *decoder) count(minElem int) int {
	n := d.uvarint()
	if d.err == nil && n > uint64(d.r.Remaining()/max(minElem, 1)) {
		d.err = codec.ErrLengthExceeded
	}
	return int(n)
}

func (d *decoder) done() error {
	if d.err != nil {
		return errors.Join(ErrMalformed, d.err)
	}
	return nil
}

func writeDestination(w *codec.BufferWriter, d types.DestinationRef) {
	w.WriteUint8(uint8(d.Kind))
	w.WriteString(d.Name)
}

// Hello is the Connect payload.
type Hello struct {
	ClientID string
	// Software identifies the client library.
	Software string
}

func (m *Hello) Encode() []byte {
	w := codec.NewBufferWriter(32)
	w.WriteString(m.ClientID)
	w.WriteString(m.Software)
	return w.Bytes()
}

func (m *Hello) Decode(data []byte) error {
	d := newDecoder(data)
	m.ClientID = d.str()
	m.Software = d.str()
	return d.done()
}

// Welcome is the ConnectOk payload.
type Welcome struct {
	ConnectionID string
	Server       string
	MaxPayload   uint32
}

func (m *Welcome) Encode() []byte {
	w := codec.NewBufferWriter(64)
	w.WriteString(m.ConnectionID)
	w.WriteString(m.Server)
	w.WriteUint32(m.MaxPayload)
	return w.Bytes()
}

func (m *Welcome) Decode(data []byte) error {
	d := newDecoder(data)
	m.ConnectionID = d.str()
	m.Server = d.str()
	m.MaxPayload = d.u32()
	return d.done()
}

// SessionOpen opens a session on the packet endpoint.
type SessionOpen struct {
	RequestID  uint32
	Transacted bool
	AckMode    types.AckMode
}

func (m *SessionOpen) Encode() []byte {
	w := codec.NewBufferWriter(8)
	w.WriteUint32(m.RequestID)
	w.WriteBool(m.Transacted)
	w.WriteUint8(uint8(m.AckMode))
	return w.Bytes()
}

func (m *SessionOpen) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	m.Transacted = d.boolean()
	m.AckMode = types.AckMode(d.u8())
	return d.done()
}

// Request is a payload made of a request id only: SessionClose,
// ProducerClose, Recover, Commit and Rollback.
type Request struct {
	RequestID uint32
}

func (m *Request) Encode() []byte {
	w := codec.NewBufferWriter(4)
	w.WriteUint32(m.RequestID)
	return w.Bytes()
}

func (m *Request) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	return d.done()
}

// Declare creates a destination, or checks an existing one.
type Declare struct {
	RequestID   uint32
	Destination types.DestinationRef
	Persistent  bool
	MaxMessages uint32
	MaxBytes    int64
}

func (m *Declare) Encode() []byte {
	w := codec.NewBufferWriter(32 + len(m.Destination.Name))
	w.WriteUint32(m.RequestID)
	writeDestination(w, m.Destination)
	w.WriteBool(m.Persistent)
	w.WriteUint32(m.MaxMessages)
	w.WriteInt64(m.MaxBytes)
	return w.Bytes()
}

func (m *Declare) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	m.Destination = d.destination()
	m.Persistent = d.boolean()
	m.MaxMessages = d.u32()
	m.MaxBytes = d.i64()
	return d.done()
}

// Config returns the destination configuration the request describes.
func (m *Declare) Config() types.DestinationConfig {
	return types.DestinationConfig{
		Kind:        m.Destination.Kind,
		Name:        m.Destination.Name,
		Persistent:  m.Persistent,
		MaxMessages: int(m.MaxMessages),
		MaxBytes:    m.MaxBytes,
	}
}

// Delete removes a destination.
type Delete struct {
	RequestID   uint32
	Destination types.DestinationRef
}

func (m *Delete) Encode() []byte {
	w := codec.NewBufferWriter(16 + len(m.Destination.Name))
	w.WriteUint32(m.RequestID)
	writeDestination(w, m.Destination)
	return w.Bytes()
}

func (m *Delete) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	m.Destination = d.destination()
	return d.done()
}

// ProducerOpen binds a producer endpoint to a destination of a session.
type ProducerOpen struct {
	RequestID   uint32
	SessionID   int32
	Destination types.DestinationRef
}

func (m *ProducerOpen) Encode() []byte {
	w := codec.NewBufferWriter(16 + len(m.Destination.Name))
	w.WriteUint32(m.RequestID)
	w.WriteInt32(m.SessionID)
	writeDestination(w, m.Destination)
	return w.Bytes()
}

func (m *ProducerOpen) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	m.SessionID = d.i32()
	m.Destination = d.destination()
	return d.done()
}

// SendMessage publishes one message through a producer endpoint.
type SendMessage struct {
	RequestID uint32
	Message   *types.Message
}

func (m *SendMessage) Encode(opts codec.EncodeOptions) []byte {
	body := codec.EncodeMessage(m.Message, opts)
	w := codec.NewBufferWriter(8 + len(body))
	w.WriteUint32(m.RequestID)
	w.WriteBytes(body)
	return w.Bytes()
}

func (m *SendMessage) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	body := d.bytes()
	if err := d.done(); err != nil {
		return err
	}
	msg, err := codec.DecodeMessage(body)
	if err != nil {
		return errors.Join(ErrMalformed, err)
	}
	m.Message = msg
	return nil
}

// Reply answers a request on the endpoint it arrived on.
type Reply struct {
	RequestID uint32
	Code      Code
	Message   string
}

// NewReply builds the reply for a request outcome.
func NewReply(requestID uint32, err error) *Reply {
	r := &Reply{RequestID: requestID, Code: CodeOf(err)}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// Err returns nil for an OK reply and an *Error otherwise.
func (m *Reply) Err() error {
	if m.Code == CodeOK {
		return nil
	}
	return &Error{Code: m.Code, Message: m.Message}
}

func (m *Reply) Encode() []byte {
	w := codec.NewBufferWriter(8 + len(m.Message))
	w.WriteUint32(m.RequestID)
	w.WriteUint8(uint8(m.Code))
	w.WriteString(m.Message)
	return w.Bytes()
}

func (m *Reply) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	m.Code = Code(d.u8())
	m.Message = d.str()
	return d.done()
}

// Subscribe opens a consumer endpoint.
type Subscribe struct {
	RequestID   uint32
	SessionID   int32
	Destination types.DestinationRef
	Selector    string
	Prefetch    uint32
	// Durable names a durable topic subscription.
	Durable string
}

func (m *Subscribe) Encode() []byte {
	w := codec.NewBufferWriter(32 + len(m.Destination.Name) + len(m.Selector) + len(m.Durable))
	w.WriteUint32(m.RequestID)
	w.WriteInt32(m.SessionID)
	writeDestination(w, m.Destination)
	w.WriteString(m.Selector)
	w.WriteUint32(m.Prefetch)
	w.WriteString(m.Durable)
	return w.Bytes()
}

func (m *Subscribe) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	m.SessionID = d.i32()
	m.Destination = d.destination()
	m.Selector = d.str()
	m.Prefetch = d.u32()
	m.Durable = d.str()
	return d.done()
}

// Unsubscribe closes a consumer endpoint. Drop also removes its durable
// subscription.
type Unsubscribe struct {
	RequestID uint32
	Drop      bool
}

func (m *Unsubscribe) Encode() []byte {
	w := codec.NewBufferWriter(8)
	w.WriteUint32(m.RequestID)
	w.WriteBool(m.Drop)
	return w.Bytes()
}

func (m *Unsubscribe) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	m.Drop = d.boolean()
	return d.done()
}

// Notify delivers messages to a consumer endpoint.
type Notify struct {
	Messages []*types.Message
}

func (m *Notify) Encode(opts codec.EncodeOptions) []byte {
	w := codec.NewBufferWriter(64 * len(m.Messages))
	w.WriteUvarint(uint64(len(m.Messages)))
	for _, msg := range m.Messages {
		w.WriteBytes(codec.EncodeMessage(msg, opts))
	}
	return w.Bytes()
}

func (m *Notify) Decode(data []byte) error {
	d := newDecoder(data)
	n := d.count(1)
	if err := d.done(); err != nil {
		return err
	}
	m.Messages = make([]*types.Message, 0, n)
	for range n {
		body := d.bytes()
		if err := d.done(); err != nil {
			return err
		}
		msg, err := codec.DecodeMessage(body)
		if err != nil {
			return errors.Join(ErrMalformed, err)
		}
		m.Messages = append(m.Messages, msg)
	}
	return nil
}

// AckMessages acknowledges delivered messages of a consumer endpoint.
type AckMessages struct {
	RequestID uint32
	IDs       []uint64
}

func (m *AckMessages) Encode() []byte {
	w := codec.NewBufferWriter(8 + 8*len(m.IDs))
	w.WriteUint32(m.RequestID)
	w.WriteUvarint(uint64(len(m.IDs)))
	for _, id := range m.IDs {
		w.WriteUint64(id)
	}
	return w.Bytes()
}

func (m *AckMessages) Decode(data []byte) error {
	d := newDecoder(data)
	m.RequestID = d.u32()
	n := d.count(8)
	if err := d.done(); err != nil {
		return err
	}
	m.IDs = make([]uint64, n)
	for i := range m.IDs {
		m.IDs[i] = d.u64()
	}
	return d.done()
}

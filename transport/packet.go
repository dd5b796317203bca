// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/absmach/fluxjms/internal/bufpool"
)

const (
	// ProtocolVersion is the frame format version spoken by this package.
	ProtocolVersion uint8 = 1

	// HeaderSize is [version:1][type:1][endpoint:4][length:4].
	HeaderSize = 10

	DefaultMaxPayload = 16 * 1024 * 1024
)

// PacketType identifies the payload of a frame.
type PacketType uint8

const (
	Connect PacketType = iota + 1
	ConnectOk
	SessionOpen
	SessionClose
	Declare
	Delete
	ProducerOpen
	ProducerClose
	Send
	Reply
	Subscribe
	Unsubscribe
	Notify
	Ack
	Recover
	Commit
	Rollback
	Ping
	Pong
	Close

	lastPacketType = Close
)

var packetNames = [...]string{
	Connect:       "CONNECT",
	ConnectOk:     "CONNECT_OK",
	SessionOpen:   "SESSION_OPEN",
	SessionClose:  "SESSION_CLOSE",
	Declare:       "DECLARE",
	Delete:        "DELETE",
	ProducerOpen:  "PRODUCER_OPEN",
	ProducerClose: "PRODUCER_CLOSE",
	Send:          "SEND",
	Reply:         "REPLY",
	Subscribe:     "SUBSCRIBE",
	Unsubscribe:   "UNSUBSCRIBE",
	Notify:        "NOTIFY",
	Ack:           "ACK",
	Recover:       "RECOVER",
	Commit:        "COMMIT",
	Rollback:      "ROLLBACK",
	Ping:          "PING",
	Pong:          "PONG",
	Close:         "CLOSE",
}

func (t PacketType) String() string {
	if t.Valid() {
		return packetNames[t]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return t >= Connect && t <= lastPacketType
}

// Packet is one frame. Endpoint 0 addresses the connection itself.
type Packet struct {
	Version  uint8
	Type     PacketType
	Endpoint int32
	Payload  []byte
}

// NewPacket returns a packet of the current protocol version.
func NewPacket(t PacketType, endpoint int32, payload []byte) Packet {
	return Packet{Version: ProtocolVersion, Type: t, Endpoint: endpoint, Payload: payload}
}

// Size returns the encoded size of the packet.
func (p Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

var (
	ErrFrameTooLarge   = errors.New("frame payload length out of range")
	ErrUnknownType     = errors.New("unknown packet type")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// IsProtocolViolation reports whether err means the peer broke the framing
// rules. Such connections are closed.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrVersionMismatch)
}

// WritePacket writes p as one frame with a single Write call.
func WritePacket(w io.Writer, p Packet) error {
	buf := bufpool.Get(HeaderSize + len(p.Payload))
	defer bufpool.Put(buf)

	var header [HeaderSize]byte
	header[0] = p.Version
	header[1] = byte(p.Type)
	binary.BigEndian.PutUint32(header[2:6], uint32(p.Endpoint))
	binary.BigEndian.PutUint32(header[6:10], uint32(len(p.Payload)))
	buf.Write(header[:])
	buf.Write(p.Payload)

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadPacket reads one frame. maxPayload of 0 means DefaultMaxPayload.
func ReadPacket(r io.Reader, maxPayload int) (Packet, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}

	p := Packet{
		Version:  header[0],
		Type:     PacketType(header[1]),
		Endpoint: int32(binary.BigEndian.Uint32(header[2:6])),
	}
	if p.Version != ProtocolVersion {
		return p, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, p.Version, ProtocolVersion)
	}
	if !p.Type.Valid() {
		return p, fmt.Errorf("%w: %d", ErrUnknownType, header[1])
	}
	length := int32(binary.BigEndian.Uint32(header[6:10]))
	if length < 0 || int(length) > maxPayload {
		return p, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	if length > 0 {
		p.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return p, err
		}
	}
	return p, nil
}

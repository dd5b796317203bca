// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxjms/types"
	"github.com/klauspost/compress/s2"
)

// MessageFormatVersion is the version byte leading every encoded message.
const MessageFormatVersion uint8 = 1

const (
	flagCompressed uint8 = 1 << 0
	flagPersistent uint8 = 1 << 1
)

var (
	ErrUnsupportedVersion = errors.New("unsupported message format version")
	ErrInvalidProperty    = errors.New("invalid property kind")
)

// EncodeOptions controls message encoding.
type EncodeOptions struct {
	// CompressThreshold enables S2 compression of bodies at least this large.
	// Zero disables compression.
	CompressThreshold int
}

// EncodeMessage encodes a message into its binary form.
func EncodeMessage(msg *types.Message, opts EncodeOptions) []byte {
	body := msg.Body
	var flags uint8
	if opts.CompressThreshold > 0 && len(body) >= opts.CompressThreshold {
		if c := s2.Encode(nil, body); len(c) < len(body) {
			body = c
			flags |= flagCompressed
		}
	}
	if msg.Persistent {
		flags |= flagPersistent
	}

	w := NewBufferWriter(64 + len(body) + len(msg.MessageID) + 16*len(msg.Properties))
	w.WriteUint8(MessageFormatVersion)
	w.WriteUint8(flags)
	w.WriteUint64(msg.ID)
	w.WriteUint8(msg.Priority)
	w.WriteInt64(unixNano(msg.Timestamp))
	w.WriteInt64(unixNano(msg.Expiration))
	w.WriteUint32(msg.Redelivered)
	w.WriteString(msg.MessageID)
	w.WriteUint8(uint8(msg.Destination.Kind))
	w.WriteString(msg.Destination.Name)
	w.WriteUvarint(uint64(len(msg.Properties)))
	for name, v := range msg.Properties {
		w.WriteString(name)
		writeValue(w, v)
	}
	w.WriteBytes(body)
	return w.Bytes()
}

// DecodeMessage decodes a message produced by EncodeMessage.
func DecodeMessage(data []byte) (*types.Message, error) {
	r := NewBufferReader(data)
	version, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != MessageFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	flags, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	msg := &types.Message{Persistent: flags&flagPersistent != 0}
	if msg.ID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if msg.Priority, err = r.ReadUint8(); err != nil {
		return nil, err
	}
	ts, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	msg.Timestamp = fromUnixNano(ts)
	exp, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	msg.Expiration = fromUnixNano(exp)
	if msg.Redelivered, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if msg.MessageID, err = r.ReadString(); err != nil {
		return nil, err
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	msg.Destination.Kind = types.DestinationKind(kind)
	if msg.Destination.Name, err = r.ReadString(); err != nil {
		return nil, err
	}

	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, ErrLengthExceeded
	}
	msg.Properties = make(map[string]types.Value, n)
	for i := uint64(0); i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		msg.Properties[name] = v
	}

	body, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	if flags&flagCompressed != 0 {
		if body, err = s2.Decode(nil, body); err != nil {
			return nil, fmt.Errorf("failed to decompress body: %w", err)
		}
	}
	msg.Body = body
	return msg, nil
}

func writeValue(w *BufferWriter, v types.Value) {
	w.WriteUint8(uint8(v.Kind()))
	switch v.Kind() {
	case types.KindString:
		w.WriteString(v.Str())
	case types.KindInt:
		w.WriteInt64(v.Int())
	case types.KindFloat:
		w.WriteFloat64(v.Float())
	case types.KindBool:
		w.WriteBool(v.Bool())
	}
}

func readValue(r *BufferReader) (types.Value, error) {
	kind, err := r.ReadUint8()
	if err != nil {
		return types.Value{}, err
	}
	switch types.Kind(kind) {
	case types.KindNull:
		return types.Value{}, nil
	case types.KindString:
		s, err := r.ReadString()
		return types.String(s), err
	case types.KindInt:
		i, err := r.ReadInt64()
		return types.Int(i), err
	case types.KindFloat:
		f, err := r.ReadFloat64()
		return types.Float(f), err
	case types.KindBool:
		b, err := r.ReadBool()
		return types.Bool(b), err
	default:
		return types.Value{}, fmt.Errorf("%w: %d", ErrInvalidProperty, kind)
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

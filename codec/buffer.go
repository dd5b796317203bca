// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the binary primitives shared by the on-disk record format
// and the wire payloads. Fixed-size integers are big-endian; byte slices and
// strings are prefixed with an unsigned varint length.
package codec

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrLengthExceeded is returned when a length prefix is larger than the data left.
var ErrLengthExceeded = errors.New("length prefix exceeds remaining data")

// BufferWriter appends encoded values to a growing byte slice.
type BufferWriter struct {
	buf []byte
}

// NewBufferWriter creates a writer with the given initial capacity.
func NewBufferWriter(capacity int) *BufferWriter {
	return &BufferWriter{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes.
func (w *BufferWriter) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *BufferWriter) Len() int {
	return len(w.buf)
}

// Reset discards the written bytes and keeps the capacity.
func (w *BufferWriter) Reset() {
	w.buf = w.buf[:0]
}

func (w *BufferWriter) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *BufferWriter) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *BufferWriter) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *BufferWriter) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *BufferWriter) WriteInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *BufferWriter) WriteUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *BufferWriter) WriteInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *BufferWriter) WriteFloat64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *BufferWriter) WriteUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteBytes writes a length-prefixed byte slice.
func (w *BufferWriter) WriteBytes(data []byte) {
	w.WriteUvarint(uint64(len(data)))
	w.buf = append(w.buf, data...)
}

// WriteString writes a length-prefixed string.
func (w *BufferWriter) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// BufferReader decodes values from a byte slice.
type BufferReader struct {
	buf []byte
	pos int
}

// NewBufferReader creates a reader over data.
func NewBufferReader(data []byte) *BufferReader {
	return &BufferReader{buf: data}
}

// Remaining returns the number of unread bytes.
func (r *BufferReader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *BufferReader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *BufferReader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *BufferReader) ReadUint16() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *BufferReader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *BufferReader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *BufferReader) ReadUint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *BufferReader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *BufferReader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func (r *BufferReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

// ReadBytes reads a length-prefixed byte slice. The result is a copy.
func (r *BufferReader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(r.Remaining()) {
		return nil, ErrLengthExceeded
	}
	data := make([]byte, length)
	copy(data, r.buf[r.pos:r.pos+int(length)])
	r.pos += int(length)
	return data, nil
}

// ReadString reads a length-prefixed string.
func (r *BufferReader) ReadString() (string, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	if length > uint64(r.Remaining()) {
		return "", ErrLengthExceeded
	}
	s := string(r.buf[r.pos : r.pos+int(length)])
	r.pos += int(length)
	return s, nil
}

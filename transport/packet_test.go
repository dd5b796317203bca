// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x42}},
		{"multi kilobyte", bytes.Repeat([]byte("0123456789abcdef"), 512)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			in := NewPacket(Send, 12345, tc.payload)
			require.NoError(t, WritePacket(&buf, in))
			assert.Equal(t, HeaderSize+len(tc.payload), buf.Len())

			out, err := ReadPacket(&buf, 0)
			require.NoError(t, err)
			assert.Equal(t, ProtocolVersion, out.Version)
			assert.Equal(t, Send, out.Type)
			assert.Equal(t, int32(12345), out.Endpoint)
			assert.Equal(t, len(tc.payload), len(out.Payload))
			assert.True(t, bytes.Equal(tc.payload, out.Payload))
			assert.Zero(t, buf.Len())
		})
	}
}

func TestPacket_HeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, NewPacket(Notify, -2, []byte("ab"))))

	b := buf.Bytes()
	assert.Equal(t, byte(1), b[0])
	assert.Equal(t, byte(Notify), b[1])
	assert.Equal(t, uint32(0xFFFFFFFE), binary.BigEndian.Uint32(b[2:6]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(b[6:10]))
	assert.Equal(t, "ab", string(b[10:]))
}

func rawHeader(version, typ byte, length int32) []byte {
	h := make([]byte, HeaderSize)
	h[0] = version
	h[1] = typ
	binary.BigEndian.PutUint32(h[6:10], uint32(length))
	return h
}

func TestReadPacket_Violations(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		err  error
	}{
		{"version", rawHeader(2, byte(Send), 0), ErrVersionMismatch},
		{"unknown type", rawHeader(1, 0xEE, 0), ErrUnknownType},
		{"zero type", rawHeader(1, 0, 0), ErrUnknownType},
		{"negative length", rawHeader(1, byte(Send), -1), ErrFrameTooLarge},
		{"oversized", rawHeader(1, byte(Send), 1025), ErrFrameTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadPacket(bytes.NewReader(tc.data), 1024)
			assert.ErrorIs(t, err, tc.err)
			assert.True(t, IsProtocolViolation(err))
		})
	}
}

func TestReadPacket_Truncated(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader(rawHeader(1, byte(Send), 0)[:4]), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	data := append(rawHeader(1, byte(Send), 10), []byte("short")...)
	_, err = ReadPacket(bytes.NewReader(data), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, IsProtocolViolation(err))

	_, err = ReadPacket(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPacketType_String(t *testing.T) {
	assert.Equal(t, "CONNECT", Connect.String())
	assert.Equal(t, "CLOSE", Close.String())
	assert.Equal(t, "UNKNOWN(99)", PacketType(99).String())
	assert.False(t, PacketType(0).Valid())
}

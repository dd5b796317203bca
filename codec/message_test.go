// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/absmach/fluxjms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(body []byte) *types.Message {
	return &types.Message{
		ID:          42,
		MessageID:   "ID:test",
		Priority:    7,
		Body:        body,
		Timestamp:   time.Unix(0, 1700000000000000000),
		Expiration:  time.Unix(0, 1700000060000000000),
		Redelivered: 2,
		Persistent:  true,
		Destination: types.DestinationRef{Kind: types.KindQueue, Name: "orders"},
		Properties: map[string]types.Value{
			"lbId":   types.Int(1),
			"ratio":  types.Float(0.5),
			"region": types.String("eu"),
			"urgent": types.Bool(true),
		},
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	msg := testMessage([]byte("hello"))

	got, err := DecodeMessage(EncodeMessage(msg, EncodeOptions{}))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncodeMessage_CompressesLargeBodies(t *testing.T) {
	body := bytes.Repeat([]byte("fluxjms "), 1024)
	msg := testMessage(body)

	plain := EncodeMessage(msg, EncodeOptions{})
	compressed := EncodeMessage(msg, EncodeOptions{CompressThreshold: 512})
	assert.Less(t, len(compressed), len(plain))

	got, err := DecodeMessage(compressed)
	require.NoError(t, err)
	assert.Equal(t, body, got.Body)
}

func TestDecodeMessage_Truncated(t *testing.T) {
	data := EncodeMessage(testMessage([]byte("hello")), EncodeOptions{})
	for _, n := range []int{0, 1, 10, len(data) - 1} {
		_, err := DecodeMessage(data[:n])
		assert.Error(t, err, "length %d", n)
	}
}

func TestDecodeMessage_UnknownVersion(t *testing.T) {
	data := EncodeMessage(testMessage(nil), EncodeOptions{})
	data[0] = 9
	_, err := DecodeMessage(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

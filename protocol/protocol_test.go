// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/absmach/fluxjms/codec"
	"github.com/absmach/fluxjms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("send: %w", Errorf(CodeStoreFull, "queue %s is full", "Q"))
	assert.ErrorIs(t, err, ErrStoreFull)
	assert.NotErrorIs(t, err, ErrThrottled)
	assert.Equal(t, CodeStoreFull, CodeOf(err))
	assert.Equal(t, "store full: queue Q is full", errors.Unwrap(err).Error())

	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.True(t, CodeStoreFull.Recoverable())
	assert.True(t, CodeThrottled.Recoverable())
	assert.False(t, CodeNotFound.Recoverable())
}

func TestReply(t *testing.T) {
	ok := NewReply(7, nil)
	assert.NoError(t, ok.Err())

	var got Reply
	require.NoError(t, got.Decode(NewReply(9, ErrSelectorSyntax).Encode()))
	assert.Equal(t, uint32(9), got.RequestID)
	assert.ErrorIs(t, got.Err(), ErrSelectorSyntax)
}

func TestSubscribe_Decode(t *testing.T) {
	in := Subscribe{
		RequestID:   3,
		SessionID:   1,
		Destination: types.DestinationRef{Kind: types.KindTopic, Name: "prices"},
		Selector:    "lbId = 1",
		Prefetch:    16,
		Durable:     "audit",
	}
	var out Subscribe
	require.NoError(t, out.Decode(in.Encode()))
	assert.Equal(t, in, out)

	assert.ErrorIs(t, out.Decode(in.Encode()[:5]), ErrMalformed)
}

func TestNotify_Decode(t *testing.T) {
	a := types.NewMessage([]byte("first"))
	a.ID = 1
	b := types.NewMessage([]byte("second"))
	b.ID = 2
	b.SetProperty("lbId", types.Int(1))

	in := Notify{Messages: []*types.Message{a, b}}
	var out Notify
	require.NoError(t, out.Decode(in.Encode(codec.EncodeOptions{})))
	require.Len(t, out.Messages, 2)
	assert.Equal(t, uint64(2), out.Messages[1].ID)
	assert.Equal(t, "second", string(out.Messages[1].Body))

	// A count larger than the payload can hold is rejected before allocating.
	w := codec.NewBufferWriter(8)
	w.WriteUvarint(1 << 40)
	assert.ErrorIs(t, out.Decode(w.Bytes()), ErrMalformed)
}

func TestAckMessages_Decode(t *testing.T) {
	in := AckMessages{RequestID: 1, IDs: []uint64{4, 5, 6}}
	var out AckMessages
	require.NoError(t, out.Decode(in.Encode()))
	assert.Equal(t, in, out)

	w := codec.NewBufferWriter(8)
	w.WriteUint32(1)
	w.WriteUvarint(3)
	w.WriteUint64(4)
	assert.ErrorIs(t, out.Decode(w.Bytes()), ErrMalformed)
}

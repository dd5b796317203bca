// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storetest holds the behavior every message store shares.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, initialized store bounded by c.
type Factory func(t *testing.T, c store.Capacity) store.MessageStore

// NewMessage builds a queue message with a body and priority.
func NewMessage(body string, priority uint8) *types.Message {
	msg := types.NewMessage([]byte(body))
	msg.Priority = priority
	msg.Destination = types.DestinationRef{Kind: types.KindQueue, Name: "Q"}
	return msg
}

// Run runs the shared message store suite.
func Run(t *testing.T, open Factory) {
	t.Run("SizeAccounting", func(t *testing.T) { testSize(t, open) })
	t.Run("PriorityThenFIFO", func(t *testing.T) { testOrder(t, open) })
	t.Run("StoreFull", func(t *testing.T) { testFull(t, open) })
	t.Run("AcknowledgeIdempotent", func(t *testing.T) { testAckIdempotent(t, open) })
	t.Run("Requeue", func(t *testing.T) { testRequeue(t, open) })
	t.Run("Filter", func(t *testing.T) { testFilter(t, open) })
	t.Run("Expiration", func(t *testing.T) { testExpiration(t, open) })
}

func testSize(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, store.Capacity{})

	var ids []uint64
	for i := range 10 {
		msg := NewMessage(fmt.Sprintf("m%d", i), types.DefaultPriority)
		require.NoError(t, s.Enqueue(ctx, msg))
		require.NotZero(t, msg.ID)
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, 10, s.Size())

	for i, id := range ids[:4] {
		require.NoError(t, s.Acknowledge(ctx, id))
		assert.Equal(t, 10-i-1, s.Size())
	}
	assert.Equal(t, 6, s.Stats().Size)
}

func testOrder(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, store.Capacity{})

	in := []struct {
		body     string
		priority uint8
	}{
		{"low-1", 1},
		{"high-1", 8},
		{"mid-1", 4},
		{"high-2", 8},
		{"low-2", 1},
		{"mid-2", 4},
	}
	for _, m := range in {
		require.NoError(t, s.Enqueue(ctx, NewMessage(m.body, m.priority)))
	}

	peek, ok := s.PeekNext(nil)
	require.True(t, ok)
	assert.Equal(t, "high-1", string(peek.Body))

	var got []string
	for {
		msg, ok := s.Take(nil)
		if !ok {
			break
		}
		got = append(got, string(msg.Body))
	}
	assert.Equal(t, []string{"high-1", "high-2", "mid-1", "mid-2", "low-1", "low-2"}, got)
	assert.Equal(t, len(in), s.Size(), "taken messages stay until acknowledged")
	assert.Equal(t, len(in), s.Stats().InFlight)
}

func testFull(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, store.Capacity{MaxMessages: 3})

	for i := range 3 {
		require.NoError(t, s.Enqueue(ctx, NewMessage(fmt.Sprint(i), types.DefaultPriority)))
	}
	err := s.Enqueue(ctx, NewMessage("overflow", types.DefaultPriority))
	assert.ErrorIs(t, err, store.ErrStoreFull)
	assert.False(t, store.Failed(err))
	assert.Equal(t, 3, s.Size())

	msg, ok := s.Take(nil)
	require.True(t, ok)
	require.NoError(t, s.Acknowledge(ctx, msg.ID))

	assert.NoError(t, s.Enqueue(ctx, NewMessage("retry", types.DefaultPriority)))
	assert.Equal(t, 3, s.Size())
}

func testAckIdempotent(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, store.Capacity{})

	a := NewMessage("a", types.DefaultPriority)
	b := NewMessage("b", types.DefaultPriority)
	require.NoError(t, s.Enqueue(ctx, a))
	require.NoError(t, s.Enqueue(ctx, b))

	require.NoError(t, s.Acknowledge(ctx, a.ID))
	require.NoError(t, s.Acknowledge(ctx, a.ID))
	require.NoError(t, s.Acknowledge(ctx, 9999))
	assert.Equal(t, 1, s.Size())

	next, ok := s.PeekNext(nil)
	require.True(t, ok)
	assert.Equal(t, b.ID, next.ID)
}

func testRequeue(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, store.Capacity{})

	first := NewMessage("first", types.DefaultPriority)
	second := NewMessage("second", types.DefaultPriority)
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.Enqueue(ctx, second))

	taken, ok := s.Take(nil)
	require.True(t, ok)
	require.Equal(t, first.ID, taken.ID)

	next, ok := s.PeekNext(nil)
	require.True(t, ok)
	assert.Equal(t, second.ID, next.ID, "in-flight messages are skipped")

	require.NoError(t, s.Requeue(ctx, first.ID))
	assert.ErrorIs(t, s.Requeue(ctx, first.ID), store.ErrNotInFlight)
	assert.ErrorIs(t, s.Requeue(ctx, 9999), store.ErrNotFound)

	again, ok := s.Take(nil)
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID, "requeue keeps the original position")
	assert.Equal(t, uint32(1), again.Redelivered)
}

func testFilter(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, store.Capacity{})

	for i := range 4 {
		msg := NewMessage(fmt.Sprint(i), types.DefaultPriority)
		msg.SetProperty("lbId", types.Int(int64(i%2)))
		require.NoError(t, s.Enqueue(ctx, msg))
	}
	odd := func(m *types.Message) bool {
		v, ok := m.Property("lbId")
		return ok && v.Int() == 1
	}

	var got []string
	for {
		msg, ok := s.Take(odd)
		if !ok {
			break
		}
		got = append(got, string(msg.Body))
	}
	assert.Equal(t, []string{"1", "3"}, got)

	rest, ok := s.PeekNext(nil)
	require.True(t, ok)
	assert.Equal(t, "0", string(rest.Body))
}

func testExpiration(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, store.Capacity{})

	stale := NewMessage("stale", types.MaxPriority)
	stale.Expiration = time.Now().Add(-time.Second)
	fresh := NewMessage("fresh", types.DefaultPriority)
	fresh.Expiration = time.Now().Add(time.Hour)
	require.NoError(t, s.Enqueue(ctx, stale))
	require.NoError(t, s.Enqueue(ctx, fresh))

	msg, ok := s.Take(nil)
	require.True(t, ok)
	assert.Equal(t, fresh.ID, msg.ID)
	assert.Equal(t, 1, s.Size(), "expired messages are dropped lazily")
}

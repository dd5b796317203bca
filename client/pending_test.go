// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingStoreIDs(t *testing.T) {
	ps := newPendingStore(10)

	a, err := ps.add()
	require.NoError(t, err)
	b, err := ps.add()
	require.NoError(t, err)
	assert.NotZero(t, a.id)
	assert.NotEqual(t, a.id, b.id)
	assert.Equal(t, 2, ps.count())

	ps.nextID = ^uint32(0)
	c, err := ps.add()
	require.NoError(t, err)
	d, err := ps.add()
	require.NoError(t, err)
	assert.Equal(t, ^uint32(0), c.id)
	assert.NotZero(t, d.id, "zero is reserved for requests without reply")
	assert.NotEqual(t, a.id, d.id)
}

func TestPendingStoreMaxInflight(t *testing.T) {
	ps := newPendingStore(2)

	_, err := ps.add()
	require.NoError(t, err)
	_, err = ps.add()
	require.NoError(t, err)
	_, err = ps.add()
	assert.ErrorIs(t, err, ErrMaxInflight)
}

func TestPendingStoreComplete(t *testing.T) {
	ps := newPendingStore(10)
	op, err := ps.add()
	require.NoError(t, err)

	failure := errors.New("rejected")
	assert.True(t, ps.complete(op.id, failure))
	assert.False(t, ps.complete(op.id, nil))
	assert.Equal(t, 0, ps.count())
	assert.ErrorIs(t, op.wait(context.Background(), time.Second), failure)
}

func TestPendingStoreClear(t *testing.T) {
	ps := newPendingStore(10)
	a, _ := ps.add()
	b, _ := ps.add()

	ps.clear(ErrConnectionLost)
	assert.Equal(t, 0, ps.count())
	assert.ErrorIs(t, a.wait(context.Background(), time.Second), ErrConnectionLost)
	assert.ErrorIs(t, b.wait(context.Background(), time.Second), ErrConnectionLost)
}

func TestPendingWait(t *testing.T) {
	ps := newPendingStore(10)
	op, _ := ps.add()

	assert.ErrorIs(t, op.wait(context.Background(), 10*time.Millisecond), ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, op.wait(ctx, time.Second), context.Canceled)
}

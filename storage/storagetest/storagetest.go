// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behavior every block store backend shares.
package storagetest

import (
	"bytes"
	"testing"

	"github.com/absmach/fluxjms/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty block store bounded by c.
type Factory func(t *testing.T, c storage.Capacity) storage.BlockStore

// Run runs the shared block store suite against a backend.
func Run(t *testing.T, open Factory) {
	t.Run("WriteRead", func(t *testing.T) { testWriteRead(t, open) })
	t.Run("CapacityRecords", func(t *testing.T) { testCapacityRecords(t, open) })
	t.Run("CapacityBytes", func(t *testing.T) { testCapacityBytes(t, open) })
	t.Run("Free", func(t *testing.T) { testFree(t, open) })
	t.Run("Records", func(t *testing.T) { testRecords(t, open) })
	t.Run("Shrink", func(t *testing.T) { testShrink(t, open) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open) })
}

func testWriteRead(t *testing.T, open Factory) {
	s := open(t, storage.Capacity{})

	payloads := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte("payload-"), 1000),
	}
	for _, p := range payloads {
		h, err := s.Allocate(len(p))
		require.NoError(t, err)
		require.NotZero(t, h)
		require.NoError(t, s.Write(h, p))

		got, err := s.Read(h)
		require.NoError(t, err)
		assert.Equal(t, len(p), len(got))
		assert.True(t, bytes.Equal(p, got))
	}

	h, err := s.Allocate(4)
	require.NoError(t, err)
	_, err = s.Read(h)
	assert.ErrorIs(t, err, storage.ErrInvalidHandle, "unwritten record is not readable")
	assert.ErrorIs(t, s.Write(h, []byte("too long")), storage.ErrRecordTooLarge)

	st := s.Stats()
	assert.Equal(t, 3, st.Records)
	assert.Equal(t, 1, st.Reserved)
}

func testCapacityRecords(t *testing.T, open Factory) {
	s := open(t, storage.Capacity{MaxRecords: 2})

	for range 2 {
		h, err := s.Allocate(8)
		require.NoError(t, err)
		require.NoError(t, s.Write(h, []byte("12345678")))
	}
	before := s.Stats()

	_, err := s.Allocate(8)
	assert.ErrorIs(t, err, storage.ErrStoreFull)
	assert.Equal(t, before, s.Stats())
}

func testCapacityBytes(t *testing.T, open Factory) {
	s := open(t, storage.Capacity{MaxBytes: 100})

	h, err := s.Allocate(60)
	require.NoError(t, err)
	_, err = s.Allocate(41)
	assert.ErrorIs(t, err, storage.ErrStoreFull)

	require.NoError(t, s.Free(h))
	_, err = s.Allocate(41)
	assert.NoError(t, err)
}

func testFree(t *testing.T, open Factory) {
	s := open(t, storage.Capacity{MaxRecords: 1})

	h, err := s.Allocate(3)
	require.NoError(t, err)
	require.NoError(t, s.Write(h, []byte("abc")))

	require.NoError(t, s.Free(h))
	require.NoError(t, s.Free(h), "free is idempotent")
	assert.ErrorIs(t, s.Free(h+1000), storage.ErrInvalidHandle)

	_, err = s.Read(h)
	assert.ErrorIs(t, err, storage.ErrInvalidHandle)

	st := s.Stats()
	assert.Zero(t, st.Records)
	assert.Zero(t, st.Bytes)

	_, err = s.Allocate(3)
	assert.NoError(t, err, "freed record returns its capacity")
}

func testRecords(t *testing.T, open Factory) {
	s := open(t, storage.Capacity{})

	want := map[storage.Handle]string{}
	for _, body := range []string{"one", "two", "three", "four"} {
		h, err := s.Allocate(len(body))
		require.NoError(t, err)
		require.NoError(t, s.Write(h, []byte(body)))
		want[h] = body
	}
	// Reserved but unwritten records are not reported.
	_, err := s.Allocate(10)
	require.NoError(t, err)

	var last storage.Handle
	got := map[storage.Handle]string{}
	err = s.Records(func(h storage.Handle, data []byte) error {
		assert.Greater(t, h, last, "records are visited in handle order")
		last = h
		got[h] = string(data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func testShrink(t *testing.T, open Factory) {
	s := open(t, storage.Capacity{MaxRecords: 3})

	for range 3 {
		h, err := s.Allocate(1)
		require.NoError(t, err)
		require.NoError(t, s.Write(h, []byte("x")))
	}
	s.SetCapacity(storage.Capacity{MaxRecords: 1})

	st := s.Stats()
	assert.Equal(t, 3, st.Records, "shrinking keeps existing records")
	assert.Equal(t, 1, st.Capacity.MaxRecords)

	_, err := s.Allocate(1)
	assert.ErrorIs(t, err, storage.ErrStoreFull)
}

func testClosed(t *testing.T, open Factory) {
	s := open(t, storage.Capacity{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Allocate(1)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

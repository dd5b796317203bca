// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package file

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, c storage.Capacity, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dest.blk")
	s, err := Open(path, c, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore(t *testing.T) {
	for _, mode := range []storage.Durability{storage.SyncEveryWrite, storage.Batched} {
		t.Run(mode.String(), func(t *testing.T) {
			storagetest.Run(t, func(t *testing.T, c storage.Capacity) storage.BlockStore {
				s, _ := openTemp(t, c, Options{BlockSize: 128, Durability: mode})
				return s
			})
		})
	}
}

func TestStore_Recover(t *testing.T) {
	s, path := openTemp(t, storage.Capacity{}, Options{BlockSize: 64, Durability: storage.Batched})

	small := []byte("small record")
	large := bytes.Repeat([]byte{0xAB}, 500)

	h1, err := s.Allocate(len(small))
	require.NoError(t, err)
	require.NoError(t, s.Write(h1, small))
	h2, err := s.Allocate(len(large))
	require.NoError(t, err)
	require.NoError(t, s.Write(h2, large))
	h3, err := s.Allocate(3)
	require.NoError(t, err)
	require.NoError(t, s.Write(h3, []byte("bye")))
	require.NoError(t, s.Free(h3))
	_, err = s.Allocate(10) // reserved only
	require.NoError(t, err)

	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	// The configured block size is ignored for an existing file.
	s, err = Open(path, storage.Capacity{}, Options{BlockSize: 4096})
	require.NoError(t, err)
	defer s.Close()

	st := s.Stats()
	assert.Equal(t, 2, st.Records)
	assert.Zero(t, st.Reserved)
	assert.Equal(t, int64(len(small)+len(large)), st.Bytes)

	got := map[storage.Handle][]byte{}
	require.NoError(t, s.Records(func(h storage.Handle, data []byte) error {
		got[h] = data
		return nil
	}))
	assert.Equal(t, map[storage.Handle][]byte{h1: small, h2: large}, got)

	// Recovered records can be freed and rewritten.
	require.NoError(t, s.Write(h1, []byte("SMALL RECORD")))
	data, err := s.Read(h1)
	require.NoError(t, err)
	assert.Equal(t, "SMALL RECORD", string(data))
	require.NoError(t, s.Free(h2))
}

func TestStore_ReclaimCorrupted(t *testing.T) {
	s, path := openTemp(t, storage.Capacity{}, Options{BlockSize: 64})

	good, err := s.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, s.Write(good, []byte("good")))
	bad, err := s.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, s.Write(bad, []byte("evil")))
	require.NoError(t, s.Close())

	// Flip a payload byte of the second record.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	off := s.offset(int(bad-1)) + headHeaderLen
	_, err = f.WriteAt([]byte{'E'}, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(path, storage.Capacity{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, s.Stats().Records)
	_, err = s.Read(bad)
	assert.ErrorIs(t, err, storage.ErrInvalidHandle)
	data, err := s.Read(good)
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	h, err := s.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, bad, h, "reclaimed blocks are reused first-fit")
}

func TestStore_CorruptedRunLength(t *testing.T) {
	s, path := openTemp(t, storage.Capacity{}, Options{BlockSize: 64})

	var hs []storage.Handle
	for _, v := range []string{"a", "b", "c"} {
		h, err := s.Allocate(1)
		require.NoError(t, err)
		require.NoError(t, s.Write(h, []byte(v)))
		hs = append(hs, h)
	}
	require.NoError(t, s.Close())

	// The first record claims two blocks, swallowing the second record.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 2}, s.offset(int(hs[0]-1))+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(path, storage.Capacity{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 2, s.Stats().Records)
	_, err = s.Read(hs[0])
	assert.ErrorIs(t, err, storage.ErrInvalidHandle)
	for i, want := range []string{"b", "c"} {
		data, err := s.Read(hs[i+1])
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestStore_ReclaimOrphanContinuations(t *testing.T) {
	s, path := openTemp(t, storage.Capacity{}, Options{BlockSize: 64})

	h, err := s.Allocate(200)
	require.NoError(t, err)
	require.NoError(t, s.Write(h, bytes.Repeat([]byte{'x'}, 200)))
	blocks := s.blocksFor(200)
	require.Greater(t, blocks, 1)
	require.NoError(t, s.Close())

	// Lose the HEAD block only, leaving its continuations behind.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{tagFree}, s.offset(0))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(path, storage.Capacity{}, Options{})
	require.NoError(t, err)
	defer s.Close()
	assert.Zero(t, s.Stats().Records)

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	tag := make([]byte, 1)
	for i := 1; i < blocks; i++ {
		_, err = f.ReadAt(tag, s.offset(i))
		require.NoError(t, err)
		assert.Equal(t, tagFree, tag[0], "block %d", i)
	}

	h2, err := s.Allocate(200)
	require.NoError(t, err)
	assert.Equal(t, h, h2)
}

func TestStore_FirstFit(t *testing.T) {
	s, _ := openTemp(t, storage.Capacity{}, Options{BlockSize: 64})

	cont := s.contCapacity()
	twoBlocks := s.headCapacity() + cont

	a, err := s.Allocate(twoBlocks)
	require.NoError(t, err)
	b, err := s.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, a+2, b)

	require.NoError(t, s.Free(a))

	// A three-block record does not fit the two-block hole.
	c, err := s.Allocate(twoBlocks + cont)
	require.NoError(t, err)
	assert.Equal(t, b+1, c)

	d, err := s.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, a, d)
	e, err := s.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, a+1, e)
}

func TestStore_MaxBlocks(t *testing.T) {
	s, _ := openTemp(t, storage.Capacity{}, Options{BlockSize: 64, MaxBlocks: 2})

	_, err := s.Allocate(1000)
	assert.ErrorIs(t, err, storage.ErrRecordTooLarge)

	_, err = s.Allocate(1)
	require.NoError(t, err)
	_, err = s.Allocate(1)
	require.NoError(t, err)

	before := s.Stats()
	_, err = s.Allocate(1)
	assert.ErrorIs(t, err, storage.ErrStoreFull)
	assert.Equal(t, before, s.Stats())
}

func TestOpen_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.blk")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a block file"), 0o644))

	_, err := Open(path, storage.Capacity{}, Options{})
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = Open(filepath.Join(t.TempDir(), "tiny.blk"), storage.Capacity{}, Options{BlockSize: 16})
	assert.Error(t, err)
}

func TestProvider(t *testing.T) {
	dir := t.TempDir()
	p, err := NewProvider(dir, Options{Durability: storage.Batched})
	require.NoError(t, err)
	assert.Equal(t, storage.Batched, p.Mode())

	s, err := p.Open("orders.eu", storage.Capacity{})
	require.NoError(t, err)
	h, err := s.Allocate(2)
	require.NoError(t, err)
	require.NoError(t, s.Write(h, []byte("ok")))

	same, err := p.Open("orders.eu", storage.Capacity{MaxRecords: 5})
	require.NoError(t, err)
	assert.Same(t, s, same)

	require.NoError(t, p.Close())

	p, err = NewProvider(dir, Options{})
	require.NoError(t, err)
	s, err = p.Open("orders.eu", storage.Capacity{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().Records)

	require.NoError(t, p.Remove("orders.eu"))
	_, err = os.Stat(filepath.Join(dir, "orders.eu"+fileExt))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, p.Remove("never-opened"))
	require.NoError(t, p.Close())
}

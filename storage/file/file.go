// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package file implements a block store on a single file of fixed-size blocks.
//
// Layout: a 16-byte file header followed by blocks. Every block starts with a
// tag byte. A record occupies a run of contiguous blocks: a HEAD block
//
//	[tag:1][run:4][len:4][crc32c:4][payload...]
//
// followed by run-1 CONT blocks ([tag:1][payload...]). Freed runs are zeroed.
// Recovery keeps runs whose blocks and checksum verify and frees any HEAD or
// CONT block outside them.
package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/absmach/fluxjms/storage"
)

var _ storage.BlockStore = (*Store)(nil)

const (
	magic         = "FJBS"
	formatVersion = uint16(1)
	fileHeaderLen = 16

	headHeaderLen = 13
	contHeaderLen = 1

	// MinBlockSize keeps the HEAD header and a few payload bytes in one block.
	MinBlockSize     = 64
	DefaultBlockSize = 512
)

const (
	tagFree byte = iota
	tagHead
	tagCont
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrBadHeader is returned when an existing file is not a block file.
var ErrBadHeader = errors.New("invalid block file header")

// Options configures a file block store.
type Options struct {
	BlockSize int
	// MaxBlocks bounds the file size in blocks; zero is unbounded.
	MaxBlocks  int
	Durability storage.Durability
	Logger     *slog.Logger
}

type run struct {
	start   int
	blocks  int
	size    int
	written bool
}

// Store is a file-backed block store.
type Store struct {
	mu        sync.RWMutex
	f         *os.File
	path      string
	blockSize int
	maxBlocks int
	mode      storage.Durability
	logger    *slog.Logger

	used   []bool
	runs   map[storage.Handle]*run
	hint   int
	ledger *storage.Ledger
	closed bool
}

// Open opens or creates the block file at path and recovers its records.
func Open(path string, c storage.Capacity, opts Options) (*Store, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockSize < MinBlockSize {
		return nil, fmt.Errorf("block size %d is below minimum %d", opts.BlockSize, MinBlockSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open block file: %w", err)
	}

	s := &Store{
		f:         f,
		path:      path,
		blockSize: opts.BlockSize,
		maxBlocks: opts.MaxBlocks,
		mode:      opts.Durability,
		logger:    opts.Logger,
		runs:      make(map[storage.Handle]*run),
		ledger:    storage.NewLedger(c),
	}
	if err := s.init(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat block file: %w", err)
	}
	if info.Size() == 0 {
		return s.writeHeader()
	}

	var hdr [fileHeaderLen]byte
	if _, err := s.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("failed to read block file header: %w", err)
	}
	if string(hdr[:4]) != magic {
		return ErrBadHeader
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != formatVersion {
		return fmt.Errorf("%w: format version %d", ErrBadHeader, v)
	}
	// The file's block size wins over the configured one.
	s.blockSize = int(binary.BigEndian.Uint32(hdr[8:12]))
	if s.blockSize < MinBlockSize {
		return fmt.Errorf("%w: block size %d", ErrBadHeader, s.blockSize)
	}
	return s.recover(info.Size())
}

func (s *Store) writeHeader() error {
	var hdr [fileHeaderLen]byte
	copy(hdr[:4], magic)
	binary.BigEndian.PutUint16(hdr[4:6], formatVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(s.blockSize))
	if _, err := s.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("failed to write block file header: %w", err)
	}
	return s.f.Sync()
}

// recover rebuilds the used-block index from the HEAD tags on disk.
func (s *Store) recover(size int64) error {
	total := int((size - fileHeaderLen) / int64(s.blockSize))
	s.used = make([]bool, total)

	block := make([]byte, s.blockSize)
	var reclaimed []int
	for i := 0; i < total; {
		if _, err := s.f.ReadAt(block, s.offset(i)); err != nil {
			return fmt.Errorf("failed to scan block %d: %w", i, err)
		}
		switch block[0] {
		case tagHead:
		case tagCont:
			// Continuations of valid runs are skipped below, so this one
			// belongs to no record.
			reclaimed = append(reclaimed, i)
			i++
			continue
		default:
			i++
			continue
		}

		n := int(binary.BigEndian.Uint32(block[1:5]))
		if n < 1 || i+n > total {
			reclaimed = append(reclaimed, i)
			i++
			continue
		}
		buf := make([]byte, n*s.blockSize)
		if _, err := s.f.ReadAt(buf, s.offset(i)); err != nil {
			return fmt.Errorf("failed to scan block %d: %w", i, err)
		}
		data, err := s.decodeRun(buf, n)
		if err != nil {
			s.logger.Warn("reclaiming corrupted block record",
				slog.String("path", s.path),
				slog.Int("block", i),
				slog.String("error", err.Error()))
			// The run length is untrusted; its blocks are scanned on their own.
			reclaimed = append(reclaimed, i)
			i++
			continue
		}
		for j := i; j < i+n; j++ {
			s.used[j] = true
		}
		s.runs[storage.Handle(i+1)] = &run{start: i, blocks: n, size: len(data), written: true}
		s.ledger.Restore(len(data))
		i += n
	}
	if len(reclaimed) == 0 {
		return nil
	}
	for _, i := range reclaimed {
		if _, err := s.f.WriteAt([]byte{tagFree}, s.offset(i)); err != nil {
			return fmt.Errorf("failed to reclaim block %d: %w", i, err)
		}
	}
	s.logger.Info("block file recovered with reclaimed blocks",
		slog.String("path", s.path),
		slog.Int("reclaimed", len(reclaimed)))
	return s.f.Sync()
}

func (s *Store) headCapacity() int { return s.blockSize - headHeaderLen }
func (s *Store) contCapacity() int { return s.blockSize - contHeaderLen }

// blocksFor returns the run length needed for a payload of size bytes.
func (s *Store) blocksFor(size int) int {
	if size <= s.headCapacity() {
		return 1
	}
	rest := size - s.headCapacity()
	return 1 + (rest+s.contCapacity()-1)/s.contCapacity()
}

func (s *Store) offset(block int) int64 {
	return fileHeaderLen + int64(block)*int64(s.blockSize)
}

func (s *Store) Allocate(size int) (storage.Handle, error) {
	if size < 0 {
		return 0, storage.ErrRecordTooLarge
	}
	n := s.blocksFor(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	if s.maxBlocks > 0 && n > s.maxBlocks {
		return 0, storage.ErrRecordTooLarge
	}
	if err := s.ledger.Reserve(size); err != nil {
		return 0, err
	}
	start, ok := s.findRun(n)
	if !ok {
		s.ledger.Release(size, false)
		return 0, storage.ErrStoreFull
	}
	for j := start; j < start+n; j++ {
		s.used[j] = true
	}
	h := storage.Handle(start + 1)
	s.runs[h] = &run{start: start, blocks: n, size: size}
	return h, nil
}

// findRun finds n contiguous free blocks, first fit, extending the file index
// when the bound allows it.
func (s *Store) findRun(n int) (int, bool) {
	count := 0
	for i := s.hint; i < len(s.used); i++ {
		if s.used[i] {
			count = 0
			continue
		}
		count++
		if count == n {
			return i - n + 1, true
		}
	}
	// A free tail of length count is reused and the index grows by the rest.
	start := len(s.used) - count
	if s.maxBlocks > 0 && start+n > s.maxBlocks {
		return 0, false
	}
	for len(s.used) < start+n {
		s.used = append(s.used, false)
	}
	return start, true
}

func (s *Store) Read(h storage.Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	r, ok := s.runs[h]
	if !ok || !r.written {
		return nil, storage.ErrInvalidHandle
	}
	buf := make([]byte, r.blocks*s.blockSize)
	if _, err := s.f.ReadAt(buf, s.offset(r.start)); err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", r.start, err)
	}
	return s.decodeRun(buf, r.blocks)
}

func (s *Store) Write(h storage.Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	r, ok := s.runs[h]
	if !ok {
		return storage.ErrInvalidHandle
	}
	if len(data) > r.size {
		return storage.ErrRecordTooLarge
	}
	if _, err := s.f.WriteAt(s.encodeRun(data, r.blocks), s.offset(r.start)); err != nil {
		return fmt.Errorf("failed to write block %d: %w", r.start, err)
	}
	if s.mode == storage.SyncEveryWrite {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync block file: %w", err)
		}
	}
	if !r.written {
		r.written = true
		s.ledger.Commit()
	}
	return nil
}

func (s *Store) Free(h storage.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	r, ok := s.runs[h]
	if !ok {
		if h == 0 || int(h) > len(s.used) {
			return storage.ErrInvalidHandle
		}
		return nil
	}
	if r.written {
		zero := make([]byte, r.blocks*s.blockSize)
		if _, err := s.f.WriteAt(zero, s.offset(r.start)); err != nil {
			return fmt.Errorf("failed to free block %d: %w", r.start, err)
		}
		if s.mode == storage.SyncEveryWrite {
			if err := s.f.Sync(); err != nil {
				return fmt.Errorf("failed to sync block file: %w", err)
			}
		}
	}
	for j := r.start; j < r.start+r.blocks; j++ {
		s.used[j] = false
	}
	if r.start < s.hint {
		s.hint = r.start
	}
	delete(s.runs, h)
	s.ledger.Release(r.size, r.written)
	return nil
}

// Sync forces written data to disk without a metadata sync.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return storage.ErrClosed
	}
	if err := datasync(s.f); err != nil {
		return fmt.Errorf("failed to sync block file: %w", err)
	}
	return nil
}

func (s *Store) Records(fn func(h storage.Handle, data []byte) error) error {
	s.mu.RLock()
	handles := make([]storage.Handle, 0, len(s.runs))
	for h, r := range s.runs {
		if r.written {
			handles = append(handles, h)
		}
	}
	s.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, h := range handles {
		data, err := s.Read(h)
		if errors.Is(err, storage.ErrInvalidHandle) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(h, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetCapacity(c storage.Capacity) {
	s.ledger.Resize(c)
}

func (s *Store) Stats() storage.Stats {
	return s.ledger.Snapshot(s.mode)
}

func (s *Store) Mode() storage.Durability {
	return s.mode
}

// Path returns the block file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to sync block file: %w", err)
	}
	return s.f.Close()
}

func (s *Store) encodeRun(data []byte, blocks int) []byte {
	buf := make([]byte, blocks*s.blockSize)
	buf[0] = tagHead
	binary.BigEndian.PutUint32(buf[1:5], uint32(blocks))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(data)))
	binary.BigEndian.PutUint32(buf[9:13], crc32.Checksum(data, crcTable))

	rest := data[copy(buf[headHeaderLen:s.blockSize], data):]
	for b := 1; b < blocks; b++ {
		blk := buf[b*s.blockSize : (b+1)*s.blockSize]
		blk[0] = tagCont
		rest = rest[copy(blk[contHeaderLen:], rest):]
	}
	return buf
}

func (s *Store) decodeRun(buf []byte, blocks int) ([]byte, error) {
	if buf[0] != tagHead {
		return nil, fmt.Errorf("%w: missing head tag", storage.ErrCorrupted)
	}
	size := int(binary.BigEndian.Uint32(buf[5:9]))
	if size > s.headCapacity()+(blocks-1)*s.contCapacity() {
		return nil, fmt.Errorf("%w: length %d overflows run of %d blocks", storage.ErrCorrupted, size, blocks)
	}
	sum := binary.BigEndian.Uint32(buf[9:13])

	data := make([]byte, 0, size)
	take := min(size, s.headCapacity())
	data = append(data, buf[headHeaderLen:headHeaderLen+take]...)
	// Every block of the run is checked, including the ones past the data.
	for b := 1; b < blocks; b++ {
		blk := buf[b*s.blockSize : (b+1)*s.blockSize]
		if blk[0] != tagCont {
			return nil, fmt.Errorf("%w: block %d of run is not a continuation", storage.ErrCorrupted, b)
		}
		take = min(size-len(data), s.contCapacity())
		data = append(data, blk[contHeaderLen:contHeaderLen+take]...)
	}
	if crc32.Checksum(data, crcTable) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", storage.ErrCorrupted)
	}
	return data, nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

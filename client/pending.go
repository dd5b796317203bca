// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"
)

// pendingOp is a request waiting for its reply.
type pendingOp struct {
	id      uint32
	done    chan struct{}
	err     error
	created time.Time
}

// pendingStore correlates replies with requests by request id.
type pendingStore struct {
	mu      sync.Mutex
	pending map[uint32]*pendingOp
	nextID  uint32
	maxSize int
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		pending: make(map[uint32]*pendingOp),
		nextID:  1,
		maxSize: maxSize,
	}
}

// add registers a request under a fresh id. Zero is never used, since a zero
// request id asks the broker not to reply.
func (ps *pendingStore) add() (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.pending) >= ps.maxSize {
		return nil, ErrMaxInflight
	}
	for {
		id := ps.nextID
		ps.nextID++
		if ps.nextID == 0 {
			ps.nextID = 1
		}
		if _, exists := ps.pending[id]; exists {
			continue
		}
		op := &pendingOp{
			id:      id,
			done:    make(chan struct{}),
			created: time.Now(),
		}
		ps.pending[id] = op
		return op, nil
	}
}

// complete finishes a request with the outcome of its reply.
func (ps *pendingStore) complete(id uint32, err error) bool {
	ps.mu.Lock()
	op, exists := ps.pending[id]
	delete(ps.pending, id)
	ps.mu.Unlock()

	if !exists {
		return false
	}
	op.err = err
	close(op.done)
	return true
}

func (ps *pendingStore) remove(id uint32) {
	ps.mu.Lock()
	delete(ps.pending, id)
	ps.mu.Unlock()
}

// clear fails every pending request.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[uint32]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait waits for the reply, ctx or the timeout.
func (op *pendingOp) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

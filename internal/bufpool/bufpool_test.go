// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get(0)
	b.WriteString("frame")
	Put(b)

	b2 := Get(0)
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	Put(b2)
}

func TestGetGrowsToSize(t *testing.T) {
	b := Get(4096)
	defer Put(b)
	if b.Cap() < 4096 {
		t.Fatalf("expected capacity of at least 4096, got %d", b.Cap())
	}
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get(MaxPooledCap + 1)
	Put(b)
	Put(nil)
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b := Get(n)
			b.WriteString("concurrent frame data")
			Put(b)
		}(i * 16)
	}
	wg.Wait()
}

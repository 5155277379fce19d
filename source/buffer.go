// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"sync"

	"github.com/juitem/gator/sender"
)

// Buffer accumulates produced batches until the sender drains them. A source
// may keep producing briefly after being interrupted; Done only becomes true
// once production has stopped and the buffer has been fully drained, which
// keeps IsDone monotonic and guarantees the sender sees every batch.
type Buffer struct {
	mu       sync.Mutex
	batches  [][]byte
	complete bool
	done     bool
}

// Put appends a batch. Ignored once production was marked complete.
func (b *Buffer) Put(batch []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return
	}
	b.batches = append(b.batches, batch)
}

// SetComplete marks that no further batches will be produced.
func (b *Buffer) SetComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.complete = true
}

// Drain writes all buffered batches to the sink as DATA frames.
func (b *Buffer) Drain(s *sender.Sender) {
	b.mu.Lock()
	batches := b.batches
	b.batches = nil
	if b.complete && len(batches) == 0 {
		b.done = true
	}
	b.mu.Unlock()

	for _, batch := range batches {
		s.WriteData(batch, sender.ResponseData, false)
	}
}

// Done reports whether production is complete and everything was drained.
func (b *Buffer) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete && len(b.batches) == 0 {
		b.done = true
	}
	return b.done
}

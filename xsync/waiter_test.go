// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaiterTimeout(t *testing.T) {
	w := NewWaiter()
	start := time.Now()
	timedOut := w.WaitFor(20 * time.Millisecond)
	assert.True(t, timedOut)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.False(t, w.Disabled())
}

func TestWaiterDisable(t *testing.T) {
	w := NewWaiter()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = w.WaitFor(5 * time.Second)
		}(i)
	}

	w.Disable()
	w.Disable() // idempotent
	wg.Wait()

	for _, timedOut := range results {
		assert.False(t, timedOut)
	}
	require.True(t, w.Disabled())

	// Already-disabled waiters never block.
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a disabled waiter")
	}
}

func TestRWMutex(t *testing.T) {
	mtx := NewRWMutex(map[int]string{1: "one"})

	data := mtx.WLock()
	(*data)[2] = "two"
	mtx.WUnlock(&data)
	require.Nil(t, data)

	ro := mtx.RLock()
	assert.Equal(t, "two", (*ro)[2])
	mtx.RUnlock(&ro)
	require.Nil(t, ro)
}

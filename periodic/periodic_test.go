// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package periodic

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicCalls(t *testing.T) {
	var calls atomic.Int32
	r := Start(10*time.Millisecond, func() { calls.Add(1) })

	time.Sleep(105 * time.Millisecond)
	r.Stop()
	r.Join()

	got := calls.Load()
	assert.GreaterOrEqual(t, got, int32(5))
	assert.LessOrEqual(t, got, int32(12))

	// No calls after Join returned.
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestStopIdempotent(t *testing.T) {
	r := Start(time.Hour, func() {})
	r.Stop()
	r.Stop()
	done := make(chan struct{})
	go func() {
		r.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not exit after Stop")
	}
}

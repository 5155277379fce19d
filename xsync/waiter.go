// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"time"
)

// Waiter is a one-shot latch. Goroutines block on it until it is disabled;
// once disabled it never blocks again. Disable is idempotent and safe to call
// from any goroutine.
type Waiter struct {
	once sync.Once
	done chan struct{}
}

// NewWaiter returns a Waiter in the enabled (blocking) state.
func NewWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

// Disable releases all current and future waiters.
func (w *Waiter) Disable() {
	w.once.Do(func() { close(w.done) })
}

// Wait blocks until the waiter is disabled.
func (w *Waiter) Wait() {
	<-w.done
}

// WaitFor blocks until the waiter is disabled or the timeout elapses. It
// returns true if the timeout elapsed with the waiter still enabled, false if
// the waiter was disabled.
func (w *Waiter) WaitFor(d time.Duration) bool {
	select {
	case <-w.done:
		return false
	case <-time.After(d):
		return true
	}
}

// Disabled reports whether Disable has been called.
func (w *Waiter) Disabled() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

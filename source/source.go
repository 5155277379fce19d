// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package source defines the contract between the session child and its data
// producers, plus the small synchronization primitives they share: the
// producer notify semaphore and the pipeline gate.
package source

import (
	"time"

	"github.com/juitem/gator/sender"
)

// Source is a capture data producer. One primary source drives the session
// from the orchestrator's thread via Run; auxiliary sources do their work on
// goroutines of their own started by Start.
type Source interface {
	// Prepare returns true iff the source is ready to produce. Side effects
	// such as opening kernel descriptors may occur.
	Prepare() bool

	// Start begins background acquisition. Non-blocking.
	Start()

	// Run blocks until the source decides the session is over or Interrupt
	// is called. Only invoked on the primary source.
	Run()

	// Write moves all currently buffered data into the sink. It must not
	// block on acquisition, only on the sink.
	Write(s *sender.Sender)

	// IsDone is monotonic: once it returns true it stays true.
	IsDone() bool

	// Interrupt is idempotent and safe to call from any goroutine.
	Interrupt()

	// Join waits for the source's internal goroutines to finish.
	Join()
}

// Session is the narrow interface sources hold back into the orchestrator.
// Sources never own the orchestrator; this breaks the ownership cycle.
type Session interface {
	// PostNotify tells the sender a batch is ready.
	PostNotify()

	// EndSession requests a graceful end of the capture session.
	EndSession()
}

// Notify is the producer/consumer rendezvous. Posts never block and collapse
// while the consumer is busy; the consumer waits with a timeout so a lost
// post can never hang the pipeline.
type Notify struct {
	c chan struct{}
}

// NewNotify returns an unsignaled Notify.
func NewNotify() *Notify {
	return &Notify{c: make(chan struct{}, 1)}
}

// Post signals the consumer. Never blocks.
func (n *Notify) Post() {
	select {
	case n.c <- struct{}{}:
	default:
	}
}

// WaitFor blocks until posted or until the timeout elapses. It returns false
// on timeout.
func (n *Notify) WaitFor(d time.Duration) bool {
	select {
	case <-n.c:
		return true
	case <-time.After(d):
		return false
	}
}

// Gate is the counting semaphore holding the sender back until the pipeline
// is allowed to run. It is seeded with two permits in normal mode and zero in
// one-shot mode, where only the end of the session posts it.
type Gate struct {
	c chan struct{}
}

// NewGate returns a gate holding the given number of permits.
func NewGate(permits int) *Gate {
	g := &Gate{c: make(chan struct{}, permits+4)}
	for i := 0; i < permits; i++ {
		g.c <- struct{}{}
	}
	return g
}

// Post releases one permit. Never blocks.
func (g *Gate) Post() {
	select {
	case g.c <- struct{}{}:
	default:
	}
}

// Wait consumes one permit, blocking until one is available.
func (g *Gate) Wait() {
	<-g.c
}

// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package polled is the userspace polled counter source. It samples every
// eligible polled driver on a fixed interval and frames the values into the
// capture pipeline.
package polled

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/periodic"
	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
)

// defaultInterval is the polling cadence when none is configured.
const defaultInterval = 100 * time.Millisecond

// Source polls userspace counter drivers.
type Source struct {
	sess     source.Session
	notify   *source.Notify
	drivers  []agent.PolledDriver
	interval time.Duration

	buf    source.Buffer
	runner *periodic.Runner

	interruptOnce sync.Once
	interrupted   chan struct{}
	started       bool
}

// New creates the polled source over the given drivers.
func New(sess source.Session, notify *source.Notify,
	drivers []agent.PolledDriver, interval time.Duration) *Source {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Source{
		sess:        sess,
		notify:      notify,
		drivers:     drivers,
		interval:    interval,
		interrupted: make(chan struct{}),
	}
}

// Prepare succeeds when there is at least one driver to poll.
func (s *Source) Prepare() bool {
	return len(s.drivers) > 0
}

// Start begins periodic polling.
func (s *Source) Start() {
	s.started = true
	s.runner = periodic.Start(s.interval, s.poll)
}

// Run is not used; the polled source is always auxiliary.
func (s *Source) Run() {}

func (s *Source) poll() {
	select {
	case <-s.interrupted:
		return
	default:
	}

	now := uint64(time.Now().UnixNano())
	batch := make([]byte, 0, 64)
	for _, driver := range s.drivers {
		for _, value := range driver.Poll() {
			batch = appendValue(batch, now, value)
		}
	}
	if len(batch) > 0 {
		s.buf.Put(batch)
		s.notify.Post()
	}
}

// appendValue encodes one (timestamp, key, value) record little-endian.
func appendValue(batch []byte, timestamp uint64, v agent.PolledValue) []byte {
	var rec [20]byte
	binary.LittleEndian.PutUint64(rec[0:], timestamp)
	binary.LittleEndian.PutUint32(rec[8:], uint32(v.Key))
	binary.LittleEndian.PutUint64(rec[12:], v.Value)
	return append(batch, rec[:]...)
}

// Write drains buffered samples into the sink.
func (s *Source) Write(snd *sender.Sender) {
	s.buf.Drain(snd)
}

// IsDone reports whether polling stopped and the buffer drained.
func (s *Source) IsDone() bool {
	return s.buf.Done()
}

// Interrupt stops polling. Idempotent.
func (s *Source) Interrupt() {
	s.interruptOnce.Do(func() {
		close(s.interrupted)
		if s.runner != nil {
			s.runner.Stop()
		}
		s.buf.SetComplete()
	})
}

// Join waits for the polling goroutine.
func (s *Source) Join() {
	if s.started {
		s.runner.Join()
	}
}

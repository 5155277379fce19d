// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package ftrace captures the kernel trace stream. It consumes the tracing
// pipe and forwards raw trace text into the capture pipeline. It must be
// initialized before the other auxiliary sources because kernel tracing is
// slow to set up and everything else time-syncs against it.
package ftrace

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
)

// DefaultPipePath is the kernel trace pipe location.
const DefaultPipePath = "/sys/kernel/debug/tracing/trace_pipe"

// pollTimeoutMs bounds each wait on the pipe so interrupts are honored.
const pollTimeoutMs = 200

// Source streams the kernel trace pipe into the pipeline.
type Source struct {
	sess   source.Session
	notify *source.Notify

	pipePath string
	pipe     *os.File

	buf source.Buffer

	interruptOnce sync.Once
	interrupt     chan struct{}
	done          chan struct{}
	started       bool
}

// New creates a trace source reading from pipePath; an empty path selects
// the kernel default.
func New(sess source.Session, notify *source.Notify, pipePath string) *Source {
	if pipePath == "" {
		pipePath = DefaultPipePath
	}
	return &Source{
		sess:      sess,
		notify:    notify,
		pipePath:  pipePath,
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Prepare opens the trace pipe.
func (s *Source) Prepare() bool {
	pipe, err := os.Open(s.pipePath)
	if err != nil {
		log.Errorf("Unable to open trace pipe %s: %v", s.pipePath, err)
		return false
	}
	s.pipe = pipe
	return true
}

// Start begins draining the pipe on an internal goroutine.
func (s *Source) Start() {
	s.started = true
	go s.run()
}

// Run is not used; the trace source is always auxiliary.
func (s *Source) Run() {}

func (s *Source) run() {
	defer close(s.done)
	defer s.buf.SetComplete()

	fd := int32(s.pipe.Fd())
	chunk := make([]byte, 64*1024)
	for {
		select {
		case <-s.interrupt:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Errorf("Trace pipe poll failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 &&
			fds[0].Revents&unix.POLLIN == 0 {
			log.Debug("Trace pipe closed")
			return
		}

		read, err := s.pipe.Read(chunk)
		if err != nil {
			log.Debugf("Trace pipe read ended: %v", err)
			return
		}
		if read > 0 {
			s.buf.Put(append([]byte(nil), chunk[:read]...))
			s.notify.Post()
		}
	}
}

// Write drains buffered trace data into the sink.
func (s *Source) Write(snd *sender.Sender) {
	s.buf.Drain(snd)
}

// IsDone reports whether the pipe reader stopped and everything drained.
func (s *Source) IsDone() bool {
	return s.buf.Done()
}

// Interrupt stops the pipe reader. Idempotent.
func (s *Source) Interrupt() {
	s.interruptOnce.Do(func() { close(s.interrupt) })
}

// Join waits for the reader goroutine and closes the pipe.
func (s *Source) Join() {
	if s.started {
		<-s.done
	}
	if s.pipe != nil {
		s.pipe.Close()
	}
}

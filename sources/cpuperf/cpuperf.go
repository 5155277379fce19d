// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package cpuperf is the primary capture source: CPU performance counters
// read through the perf_event_open interface, one event group per online
// CPU. Its Run drives the orchestrator's main thread, and its completion
// ends the session.
package cpuperf

import (
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
)

// readInterval is how often counter values are sampled into the pipeline.
const readInterval = 100 * time.Millisecond

const onlineCPUsPath = "/sys/devices/system/cpu/online"

// Deps is everything the orchestrator injects into the primary source.
type Deps struct {
	Session source.Session
	Notify  *source.Notify

	// Started is invoked once acquisition is live, releasing the duration
	// start latch and the paused target command.
	Started func()

	// SampleRate is the requested sample frequency in Hz.
	SampleRate int
}

// Source implements source.Source over per-CPU perf events.
type Source struct {
	deps Deps

	events []*perf.Event
	cpus   []int

	buf source.Buffer

	interruptOnce sync.Once
	interrupt     chan struct{}
	runStarted    atomic.Bool
	runDone       chan struct{}
}

// New creates the primary source. Prepare must succeed before Run.
func New(deps Deps) *Source {
	return &Source{
		deps:      deps,
		interrupt: make(chan struct{}),
		runDone:   make(chan struct{}),
	}
}

// Prepare opens one CPU-clock perf event per online CPU. Returns false when
// the kernel refuses, which faults the session.
func (s *Source) Prepare() bool {
	cpus, err := onlineCPUs()
	if err != nil {
		log.Errorf("Failed to enumerate online CPUs: %v", err)
		return false
	}

	attr := new(perf.Attr)
	if err := perf.CPUClock.Configure(attr); err != nil {
		log.Errorf("Failed to configure CPU clock event: %v", err)
		return false
	}
	attr.Options.Disabled = true

	for _, cpu := range cpus {
		event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
		if err != nil {
			log.Errorf("Failed to open perf event on CPU %d: %v", cpu, err)
			s.closeEvents()
			return false
		}
		s.events = append(s.events, event)
		s.cpus = append(s.cpus, cpu)
	}
	return true
}

// Start is a no-op for the primary source; acquisition belongs to Run.
func (s *Source) Start() {}

// Run enables the counters, reports started, and samples until interrupted.
func (s *Source) Run() {
	s.runStarted.Store(true)
	defer close(s.runDone)
	defer s.buf.SetComplete()

	for i, event := range s.events {
		if err := event.Enable(); err != nil {
			log.Errorf("Failed to enable perf event on CPU %d: %v", s.cpus[i], err)
			s.deps.Session.EndSession()
			return
		}
	}

	if s.deps.Started != nil {
		s.deps.Started()
	}

	ticker := time.NewTicker(readInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.interrupt:
			s.disable()
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Source) sample() {
	now := uint64(time.Now().UnixNano())
	batch := make([]byte, 0, len(s.events)*20)
	for i, event := range s.events {
		count, err := event.ReadCount()
		if err != nil {
			log.Debugf("Failed to read perf count on CPU %d: %v", s.cpus[i], err)
			continue
		}
		batch = appendSample(batch, uint32(s.cpus[i]), now, uint64(count.Value))
	}
	if len(batch) > 0 {
		s.buf.Put(batch)
		s.deps.Notify.Post()
	}
}

// appendSample encodes one (cpu, timestamp, value) record little-endian.
func appendSample(batch []byte, cpu uint32, timestamp, value uint64) []byte {
	var rec [20]byte
	binary.LittleEndian.PutUint32(rec[0:], cpu)
	binary.LittleEndian.PutUint64(rec[4:], timestamp)
	binary.LittleEndian.PutUint64(rec[12:], value)
	return append(batch, rec[:]...)
}

func (s *Source) disable() {
	for i, event := range s.events {
		if err := event.Disable(); err != nil {
			log.Debugf("Failed to disable perf event on CPU %d: %v", s.cpus[i], err)
		}
	}
}

// Write drains buffered samples into the sink.
func (s *Source) Write(snd *sender.Sender) {
	s.buf.Drain(snd)
}

// IsDone reports whether acquisition stopped and the buffer drained.
func (s *Source) IsDone() bool {
	return s.buf.Done()
}

// Interrupt stops the sampling loop. Idempotent.
func (s *Source) Interrupt() {
	s.interruptOnce.Do(func() { close(s.interrupt) })
}

// Join waits for Run to return and releases the perf events.
func (s *Source) Join() {
	if s.runStarted.Load() {
		<-s.runDone
	}
	s.closeEvents()
}

func (s *Source) closeEvents() {
	for _, event := range s.events {
		event.Close()
	}
	s.events = nil
}

// onlineCPUs parses the kernel's online CPU list.
func onlineCPUs() ([]int, error) {
	raw, err := os.ReadFile(onlineCPUsPath)
	if err != nil {
		return nil, err
	}
	return parseCPUList(strings.TrimSpace(string(raw)))
}

// parseCPUList expands a kernel cpu list such as "0-3,5" into cpu numbers.
func parseCPUList(list string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(list, ",") {
		if part == "" {
			continue
		}
		if first, last, ok := strings.Cut(part, "-"); ok {
			lo, err := strconv.Atoi(first)
			if err != nil {
				return nil, err
			}
			hi, err := strconv.Atoi(last)
			if err != nil {
				return nil, err
			}
			for cpu := lo; cpu <= hi; cpu++ {
				cpus = append(cpus, cpu)
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, err
			}
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

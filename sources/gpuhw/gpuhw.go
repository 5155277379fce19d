// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpuhw captures GPU hardware counters. The GPU driver exports the
// current counter block as "name value" lines in a sysfs file; the source
// samples it on the capture interval and frames the configured counters.
package gpuhw

import (
	"bufio"
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/periodic"
	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
)

// defaultInterval is the sampling cadence when none is configured.
const defaultInterval = 100 * time.Millisecond

// Source samples a GPU counter export file.
type Source struct {
	sess   source.Session
	notify *source.Notify

	countersPath string
	keysByName   map[string]int
	interval     time.Duration

	buf    source.Buffer
	runner *periodic.Runner

	interruptOnce sync.Once
	interrupted   chan struct{}
	started       bool
}

// New creates the GPU counter source. keysByName maps exported counter names
// to their capture keys; unlisted names are ignored.
func New(sess source.Session, notify *source.Notify, countersPath string,
	keysByName map[string]int, interval time.Duration) *Source {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Source{
		sess:         sess,
		notify:       notify,
		countersPath: countersPath,
		keysByName:   keysByName,
		interval:     interval,
		interrupted:  make(chan struct{}),
	}
}

// Prepare verifies the counter export is readable.
func (s *Source) Prepare() bool {
	f, err := os.Open(s.countersPath)
	if err != nil {
		log.Errorf("Unable to open GPU counters %s: %v", s.countersPath, err)
		return false
	}
	f.Close()
	return len(s.keysByName) > 0
}

// Start begins periodic sampling.
func (s *Source) Start() {
	s.started = true
	s.runner = periodic.Start(s.interval, s.sample)
}

// Run is not used; the GPU source is always auxiliary.
func (s *Source) Run() {}

func (s *Source) sample() {
	select {
	case <-s.interrupted:
		return
	default:
	}

	values, err := readCounters(s.countersPath, s.keysByName)
	if err != nil {
		log.Debugf("GPU counter read failed: %v", err)
		return
	}
	if len(values) == 0 {
		return
	}

	now := uint64(time.Now().UnixNano())
	batch := make([]byte, 0, len(values)*20)
	for key, value := range values {
		var rec [20]byte
		binary.LittleEndian.PutUint64(rec[0:], now)
		binary.LittleEndian.PutUint32(rec[8:], uint32(key))
		binary.LittleEndian.PutUint64(rec[12:], value)
		batch = append(batch, rec[:]...)
	}
	s.buf.Put(batch)
	s.notify.Post()
}

// readCounters parses the export file into key -> value for known names.
func readCounters(path string, keysByName map[string]int) (map[int]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[int]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, raw, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		key, known := keysByName[name]
		if !known {
			continue
		}
		value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		values[key] = value
	}
	return values, scanner.Err()
}

// Write drains buffered samples into the sink.
func (s *Source) Write(snd *sender.Sender) {
	s.buf.Drain(snd)
}

// IsDone reports whether sampling stopped and the buffer drained.
func (s *Source) IsDone() bool {
	return s.buf.Done()
}

// Interrupt stops sampling. Idempotent.
func (s *Source) Interrupt() {
	s.interruptOnce.Do(func() {
		close(s.interrupted)
		if s.runner != nil {
			s.runner.Stop()
		}
		s.buf.SetComplete()
	})
}

// Join waits for the sampling goroutine.
func (s *Source) Join() {
	if s.started {
		s.runner.Join()
	}
}

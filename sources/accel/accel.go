// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package accel captures neural-network accelerator telemetry. It decodes
// the device packet stream, feeds the session-state tracker, and frames the
// translated counter traffic into the capture pipeline.
package accel

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
	"github.com/juitem/gator/telemetry"
)

// Record kinds framed into the capture stream.
const (
	recordActivated uint8 = 0x00
	recordValue     uint8 = 0x01
	recordPerJob    uint8 = 0x02
)

// Source consumes one accelerator device connection.
type Source struct {
	sess   source.Session
	notify *source.Notify

	dial func() (io.ReadWriteCloser, error)
	conn io.ReadWriteCloser

	globalState telemetry.GlobalState
	tracker     *telemetry.SessionStateTracker

	buf source.Buffer
	eg  errgroup.Group

	interruptOnce sync.Once
	interrupted   chan struct{}
	started       bool
}

// New creates the telemetry source. dial opens the device connection; it is
// invoked during Prepare.
func New(sess source.Session, notify *source.Notify,
	globalState telemetry.GlobalState,
	dial func() (io.ReadWriteCloser, error)) *Source {
	return &Source{
		sess:        sess,
		notify:      notify,
		globalState: globalState,
		dial:        dial,
		interrupted: make(chan struct{}),
	}
}

// Tracker exposes the session-state tracker, mainly to tests.
func (s *Source) Tracker() *telemetry.SessionStateTracker {
	return s.tracker
}

// Prepare dials the device and builds the tracker around the connection.
func (s *Source) Prepare() bool {
	conn, err := s.dial()
	if err != nil {
		log.Errorf("Unable to connect to accelerator device: %v", err)
		return false
	}
	s.conn = conn
	s.tracker = telemetry.NewSessionStateTracker(s.globalState, s,
		&packetSender{conn: conn})
	return true
}

// Start spawns the decode loop and enables capture on the device.
func (s *Source) Start() {
	s.started = true
	s.eg.Go(s.decodeLoop)

	if err := s.tracker.DoEnableCapture(); err != nil {
		// Selection failures do not fault the session. A failed enable
		// leaves capture inactive, so later directories send no selection.
		log.Warnf("Accelerator capture enable failed: %v", err)
	}
}

// Run is not used; the telemetry source is always auxiliary.
func (s *Source) Run() {}

func (s *Source) decodeLoop() error {
	defer s.buf.SetComplete()

	for {
		packetType, payload, err := readPacket(s.conn)
		if err != nil {
			select {
			case <-s.interrupted:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				log.Debug("Accelerator connection closed")
				return nil
			}
			log.Errorf("Accelerator stream error: %v", err)
			return err
		}

		if !s.dispatch(packetType, payload) {
			log.Warnf("Dropping malformed accelerator packet type %#x", packetType)
		}
	}
}

func (s *Source) dispatch(packetType uint8, payload []byte) bool {
	switch packetType {
	case packetCounterDirectory:
		devices, counterSets, categories, err := decodeCounterDirectory(payload)
		if err != nil {
			return false
		}
		return s.tracker.OnCounterDirectory(devices, counterSets, categories)

	case packetPeriodicSelection:
		r := &payloadReader{buf: payload}
		period := r.u32()
		uids := r.uids()
		if r.err != nil {
			return false
		}
		return s.tracker.OnPeriodicCounterSelection(period, uids)

	case packetPerJobSelection:
		r := &payloadReader{buf: payload}
		objectID := r.u64()
		uids := r.uids()
		if r.err != nil {
			return false
		}
		return s.tracker.OnPerJobCounterSelection(objectID, uids)

	case packetPeriodicCapture:
		r := &payloadReader{buf: payload}
		timestamp := r.u64()
		values := r.values()
		if r.err != nil {
			return false
		}
		return s.tracker.OnPeriodicCounterCapture(timestamp, values)

	case packetPerJobCapture:
		r := &payloadReader{buf: payload}
		isPre := r.u8() != 0
		timestamp := r.u64()
		objectRef := r.u64()
		values := r.values()
		if r.err != nil {
			return false
		}
		return s.tracker.OnPerJobCounterCapture(isPre, timestamp, objectRef, values)

	default:
		log.Debugf("Unknown accelerator packet type %#x", packetType)
		return true
	}
}

// CounterActivated implements telemetry.CounterConsumer.
func (s *Source) CounterActivated(kc telemetry.KeyAndCore) {
	s.emit(recordActivated, 0, kc, 0)
}

// CounterValue implements telemetry.CounterConsumer.
func (s *Source) CounterValue(timestamp uint64, kc telemetry.KeyAndCore,
	value uint32) {
	s.emit(recordValue, timestamp, kc, value)
}

// CounterValuePerJob implements telemetry.CounterConsumer.
func (s *Source) CounterValuePerJob(_ bool, timestamp, _ uint64,
	kc telemetry.KeyAndCore, value uint32) {
	s.emit(recordPerJob, timestamp, kc, value)
}

// emit frames one translated record: (kind, timestamp, key, core, value).
func (s *Source) emit(kind uint8, timestamp uint64, kc telemetry.KeyAndCore,
	value uint32) {
	rec := make([]byte, 0, 21)
	rec = append(rec, kind)
	rec = binary.LittleEndian.AppendUint64(rec, timestamp)
	rec = binary.LittleEndian.AppendUint32(rec, uint32(kc.Key))
	rec = binary.LittleEndian.AppendUint32(rec, uint32(int32(kc.Core)))
	rec = binary.LittleEndian.AppendUint32(rec, value)
	s.buf.Put(rec)
	s.notify.Post()
}

// Write drains buffered records into the sink.
func (s *Source) Write(snd *sender.Sender) {
	s.buf.Drain(snd)
}

// IsDone reports whether the decode loop stopped and the buffer drained.
func (s *Source) IsDone() bool {
	return s.buf.Done()
}

// Interrupt disables capture and closes the connection, unblocking the
// decode loop. Idempotent.
func (s *Source) Interrupt() {
	s.interruptOnce.Do(func() {
		close(s.interrupted)
		if s.tracker != nil {
			if err := s.tracker.DoDisableCapture(); err != nil {
				log.Debugf("Accelerator capture disable failed: %v", err)
			}
		}
		if s.conn != nil {
			s.conn.Close()
		}
		if !s.started {
			s.buf.SetComplete()
		}
	})
}

// Join waits for the decode loop.
func (s *Source) Join() {
	if s.started {
		if err := s.eg.Wait(); err != nil {
			log.Debugf("Accelerator decode loop ended with: %v", err)
		}
	}
}

// packetSender implements telemetry.SessionPacketSender over the device
// connection.
type packetSender struct {
	mu   sync.Mutex
	conn io.Writer
}

func (p *packetSender) SendPeriodicCounterSelection(period uint32,
	uids []uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writePacket(p.conn, packetPeriodicSelection,
		encodePeriodicSelection(period, uids)) == nil
}

func (p *packetSender) SendPerJobCounterSelection(objectID uint64,
	uids []uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writePacket(p.conn, packetPerJobSelection,
		encodePerJobSelection(objectID, uids)) == nil
}

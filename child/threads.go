// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package child

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
	"github.com/juitem/gator/xsync"
)

// senderTimeout bounds each wait on the producer semaphore so a lost post
// can never hang the pipeline.
const senderTimeout = time.Second

// stopThread multiplexes the end-session event against the analyzer socket
// and performs the session-ended transition exactly once.
func (c *Child) stopThread() {
	defer close(c.stopDone)

	fds := []unix.PollFd{{Fd: int32(c.endEvent.Fd()), Events: unix.POLLIN}}
	if c.socket != nil {
		fds = append(fds, unix.PollFd{Fd: int32(c.socket.Fd()), Events: unix.POLLIN})
	}

loop:
	for {
		for i := range fds {
			fds[i].Revents = 0
		}
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.fault(fmt.Sprintf("poll failed: %v", err))
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			// Read the latch exactly once.
			if err := c.endEvent.Consume(); err != nil {
				c.fault(fmt.Sprintf("end-event read failed: %v", err))
			}
			if num := c.signalNum.Load(); num != 0 {
				log.Debugf("Shutting down due to signal: %s",
					unix.SignalName(unix.Signal(num)))
			}
			break
		}

		if c.socket == nil || fds[1].Revents == 0 {
			continue
		}

		var header [5]byte
		if err := c.socket.ReceiveN(header[:]); err != nil {
			log.Debugf("Receive failed: %v", err)
			break
		}
		cmdType := header[0]
		length := binary.LittleEndian.Uint32(header[1:])

		switch {
		case cmdType != sender.CommandAPCStop && cmdType != sender.CommandPing:
			log.Debugf("Received unknown command type %d", cmdType)
		case length != 0:
			log.Debugf("Received command %d with nonzero length %d", cmdType, length)
		case cmdType == sender.CommandAPCStop:
			log.Debug("Stop command received.")
			break loop
		default:
			// Ping probes liveness and wants an ACK back.
			log.Debug("Ping command received.")
			if err := c.send.WriteData(nil, sender.ResponseAck, false); err != nil {
				c.fault(fmt.Sprintf("%v", err))
			}
		}
	}

	c.doEndSession()
	log.Debug("Exit stop thread")
}

// senderThread is the only steady-state writer of the sink. It drains every
// source until all of them are done, then flushes once more and terminates
// the remote stream.
func (c *Child) senderThread(done chan struct{}) {
	defer close(done)

	c.gate.Wait()

	c.mu.Lock()
	primary := c.primary
	others := append([]source.Source(nil), c.others...)
	c.mu.Unlock()

	allDone := func() bool {
		for _, s := range others {
			if !s.IsDone() {
				return false
			}
		}
		return primary.IsDone()
	}

	drain := func() {
		for _, s := range others {
			s.Write(c.send)
		}
		primary.Write(c.send)
		if err := c.send.Err(); err != nil {
			c.fault(fmt.Sprintf("%v", err))
		}
	}

	for !allDone() {
		// The timeout covers lost semaphore posts; timing out is benign.
		if !c.notify.WaitFor(senderTimeout) {
			log.Debug("Timeout waiting for sender thread")
		}
		drain()
	}

	// One more pass to clear any slop produced during the last drain.
	drain()

	// End-of-capture marker for the analyzer; meaningless for local files.
	if !c.send.IsLocal() {
		if err := c.send.WriteData(nil, sender.ResponseAPCEnd, false); err != nil {
			c.fault(fmt.Sprintf("%v", err))
		}
	}

	log.Debug("Exit sender thread")
}

// durationThread ends the session once the configured duration has elapsed,
// counted from capture start rather than setup.
func (c *Child) durationThread(start, end *xsync.Waiter, done chan struct{}) {
	defer close(done)

	start.Wait()

	if end.WaitFor(c.cfg.Duration) {
		log.Debug("Duration expired.")
		c.EndSession()
	}
	log.Debug("Exit duration thread")
}

// analyzerSetup speaks the setup sub-protocol until the analyzer starts the
// capture. The stop thread is not running yet, so this is the only socket
// reader.
func (c *Child) analyzerSetup() error {
	c.waitingOnCommand.Store(true)
	defer c.waitingOnCommand.Store(false)

	for {
		var header [5]byte
		if err := c.socket.ReceiveN(header[:]); err != nil {
			return fmt.Errorf("setup receive failed: %v", err)
		}
		cmdType := header[0]
		length := binary.LittleEndian.Uint32(header[1:])

		var payload []byte
		if length > 0 {
			payload = make([]byte, length)
			if err := c.socket.ReceiveN(payload); err != nil {
				return fmt.Errorf("setup receive failed: %v", err)
			}
		}

		switch cmdType {
		case sender.CommandRequestXML:
			if err := c.send.WriteData(c.countersCatalog(),
				sender.ResponseData, true); err != nil {
				return err
			}

		case sender.CommandDeliverXML:
			if err := agent.ApplySessionXML(&c.cfg, payload); err != nil {
				log.Warnf("Rejecting session xml: %v", err)
			}

		case sender.CommandAPCStart:
			log.Debug("Analyzer started the capture")
			return nil

		case sender.CommandAPCStop, sender.CommandDisconnect:
			log.Debug("Analyzer aborted during setup")
			c.EndSession()
			return nil

		case sender.CommandPing:
			if err := c.send.WriteData(nil, sender.ResponseAck, false); err != nil {
				return err
			}

		default:
			log.Debugf("Ignoring command %d during setup", cmdType)
		}
	}
}

// countersCatalog renders the enabled counter set for the analyzer.
func (c *Child) countersCatalog() []byte {
	doc := "<counters>\n"
	for _, counter := range c.counters {
		doc += fmt.Sprintf("  <counter name=%q key=%q driver=%q/>\n",
			counter.Name, fmt.Sprint(counter.Key), counter.Driver().Name())
	}
	doc += "</counters>\n"
	return []byte(doc)
}

// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package child is the capture session orchestrator: the process forked per
// capture that owns the sources, the sink, the worker goroutines and the
// shutdown protocol. Exactly one instance may be live per process.
package child

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/capture"
	"github.com/juitem/gator/command"
	"github.com/juitem/gator/eventfd"
	"github.com/juitem/gator/procpoll"
	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
)

// Child process exit codes.
const (
	exitFault       = 1
	exitSecondFault = 2
	// exitNoSingleton fires when a signal arrives with no live instance,
	// which should be impossible: the singleton is set before handlers.
	exitNoSingleton = 5
	// exitSignalFailed fires when the end-event write fails from signal
	// context, where nothing can be logged or cleaned up.
	exitSignalFailed = 6
)

// osExit is swapped out by tests.
var osExit = os.Exit

// singleton is required because signal dispatch carries no user data.
var singleton atomic.Pointer[Child]

// Singleton returns the live child instance, if any.
func Singleton() *Child {
	return singleton.Load()
}

// PrimaryDeps is handed to the primary source factory.
type PrimaryDeps struct {
	Session source.Session
	Notify  *source.Notify

	// Started must be invoked once acquisition is live; it opens the
	// duration start latch and releases the paused target command.
	Started func()

	// EnableOnExec asks the source to begin counting when the launched
	// command execs rather than immediately.
	EnableOnExec bool

	SampleRate int
}

// AuxDeps is handed to the auxiliary source factories.
type AuxDeps struct {
	Session source.Session
	Notify  *source.Notify

	// Counters is the enabled counter set of this session.
	Counters []*agent.Counter

	PolledDrivers []agent.PolledDriver
}

// SourceFactories wires the concrete sources into the orchestrator. Primary
// and ExternalTrace are mandatory; the rest are nil when not enabled for
// this session. A factory returning nil is an initialization failure and
// faults the session.
type SourceFactories struct {
	Primary       func(deps PrimaryDeps) source.Source
	ExternalTrace func(deps AuxDeps) source.Source
	GpuHw         func(deps AuxDeps) source.Source
	Polled        func(deps AuxDeps) source.Source
	Accel         func(deps AuxDeps) source.Source
}

// Child drives one capture session from construction to clean shutdown.
type Child struct {
	cfg       agent.SessionConfig
	drivers   *agent.Drivers
	factories SourceFactories

	socket *sender.Socket
	send   *sender.Sender

	endEvent *eventfd.Event
	notify   *source.Notify
	gate     *source.Gate

	signalNum        atomic.Int32
	numFaults        atomic.Int32
	waitingOnCommand atomic.Bool

	// mu guards the session-ended flag and everything whose shutdown
	// depends on it. Never held across a source's Run or Write.
	mu      sync.Mutex
	ended   bool
	primary source.Source
	others  []source.Source
	cmd     *command.Command

	counters     []*agent.Counter
	capturedSpes []agent.CapturedSpe

	stopDone chan struct{}
	sigCh    chan os.Signal
}

// NewLocal creates a child writing to the local capture directory named in
// the configuration.
func NewLocal(drivers *agent.Drivers, cfg agent.SessionConfig,
	factories SourceFactories) (*Child, error) {
	return newChild(drivers, cfg, nil, factories)
}

// NewLive creates a child streaming to a connected analyzer.
func NewLive(drivers *agent.Drivers, cfg agent.SessionConfig,
	socket *sender.Socket, factories SourceFactories) (*Child, error) {
	return newChild(drivers, cfg, socket, factories)
}

func newChild(drivers *agent.Drivers, cfg agent.SessionConfig,
	socket *sender.Socket, factories SourceFactories) (*Child, error) {
	endEvent, err := eventfd.New()
	if err != nil {
		return nil, err
	}

	c := &Child{
		cfg:       cfg,
		drivers:   drivers,
		factories: factories,
		socket:    socket,
		endEvent:  endEvent,
		notify:    source.NewNotify(),
		gate:      source.NewGate(0),
		stopDone:  make(chan struct{}),
	}
	if socket != nil {
		c.send = sender.New(socket)
	} else {
		c.send = sender.NewLocal(cfg.CompressCapture)
	}

	if !singleton.CompareAndSwap(nil, c) {
		endEvent.Close()
		return nil, fmt.Errorf("two child instances active concurrently")
	}

	c.installSignalHandlers()
	return c, nil
}

// installSignalHandlers routes the session signals into EndSession. The
// handler goroutine touches nothing but the end-event.
func (c *Child) installSignalHandlers() {
	c.sigCh = make(chan os.Signal, 4)
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	// SIGCHLD stays at its default so the command supervisor can wait.
	go func() {
		for sig := range c.sigCh {
			inst := Singleton()
			if inst == nil {
				osExit(exitNoSingleton)
			}
			num, _ := sig.(syscall.Signal)
			inst.endSession(int(num))
		}
	}()
}

// Close releases the singleton slot and the signal routing. The child is
// unusable afterwards.
func (c *Child) Close() {
	signal.Stop(c.sigCh)
	close(c.sigCh)
	if !singleton.CompareAndSwap(c, nil) {
		log.Error("Child singleton was replaced behind our back")
	}
	c.endEvent.Close()
}

// PostNotify implements source.Session.
func (c *Child) PostNotify() {
	c.notify.Post()
}

// EndSession implements source.Session: request a graceful end.
func (c *Child) EndSession() {
	c.endSession(0)
}

// endSession hands the shutdown request to the stop thread through the
// end-event. With a nonzero signum we may be on the signal path, where the
// only safe failure mode is an immediate exit.
func (c *Child) endSession(signum int) {
	if signum != 0 {
		c.signalNum.Store(int32(signum))
	}
	if err := c.endEvent.Signal(); err != nil {
		if signum != 0 {
			osExit(exitSignalFailed)
		}
		c.fault(fmt.Sprintf("end-event write failed: %v", err))
	}
}

// sessionEnded reads the ended flag under the session lock.
func (c *Child) sessionEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// doEndSession transitions the session to ended: every live source is
// interrupted, the command is cancelled, and the pipeline gate is released.
// Called only from the stop thread.
func (c *Child) doEndSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ended = true

	if c.cmd != nil {
		c.cmd.Cancel()
	}
	if c.primary != nil {
		c.primary.Interrupt()
	}
	for _, s := range c.others {
		s.Interrupt()
	}
	c.gate.Post()
}

// prepareAndStart runs the prepare/start protocol for one auxiliary source.
// A source installed after the session already ended is interrupted before
// this returns.
func (c *Child) prepareAndStart(s source.Source) bool {
	if s == nil || !s.Prepare() {
		return false
	}
	s.Start()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		s.Interrupt()
	}
	c.others = append(c.others, s)
	return true
}

// fault is the one-shot fatal error path. It cancels the command, flushes
// the error to the analyzer or removes the incomplete capture directory,
// and terminates without unwinding through live worker goroutines.
func (c *Child) fault(msg string) {
	log.Errorf("%s", msg)

	if c.numFaults.Add(1) > 1 {
		// One of the cleanup steps itself faulted.
		log.Error("Received multiple faults, terminating the child")
		osExit(exitSecondFault)
	}

	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil {
		cmd.Cancel()
	}

	if c.socket != nil {
		// Send the error regardless of what the analyzer asked for.
		_ = c.send.WriteData([]byte(msg), sender.ResponseError, true)

		// The analyzer only reads our error once its in-flight command
		// completes, so consume that command before closing.
		if c.waitingOnCommand.Load() {
			var discard [1]byte
			_ = c.socket.ReceiveN(discard[:])
		}
		c.socket.Shutdown()
	} else if c.cfg.TargetPath != "" {
		log.Debug("Cleaning incomplete capture directory")
		if err := capture.RemoveDir(c.cfg.TargetPath); err != nil {
			log.Errorf("Could not remove incomplete capture directory: %v", err)
		}
	}

	osExit(exitFault)
}

// waitForProcess polls until the awaited command appears or the session is
// asked to end, collecting its pids.
func (c *Child) waitForProcess(appPids map[int]struct{}) {
	log.Debugf("Waiting for pids for command '%s'", c.cfg.WaitForProcess)

	poller, err := procpoll.New(c.cfg.WaitForProcess)
	if err != nil {
		c.fault(fmt.Sprintf("unable to create process poller: %v", err))
	}

	for !poller.Poll(appPids) && !c.sessionEnded() {
		time.Sleep(time.Millisecond)
	}

	log.Debugf("Got pids for command '%s'", c.cfg.WaitForProcess)
}

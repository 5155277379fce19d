// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package child

import (
	"fmt"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/capture"
	"github.com/juitem/gator/command"
	"github.com/juitem/gator/pidwatch"
	"github.com/juitem/gator/source"
	"github.com/juitem/gator/xsync"
)

// Run drives the session from setup to teardown. It returns only after a
// clean shutdown; every fatal error terminates the process through fault.
func (c *Child) Run() {
	c.setupCounters()

	if c.socket != nil {
		if err := c.analyzerSetup(); err != nil {
			c.fault(fmt.Sprintf("analyzer setup failed: %v", err))
		}
	} else {
		c.setupLocalCapture()
	}

	// Launch the target stopped so capture can attach before it executes.
	appPids := make(map[int]struct{})
	enableOnExec := false
	if len(c.cfg.CaptureCommand) > 0 {
		log.Infof("Running command: %v", c.cfg.CaptureCommand)
		cmd, err := command.Run(c.cfg.CaptureCommand, c.cfg.CommandEnv,
			c.cfg.WorkingDir, func() {
				if c.cfg.StopOnExit {
					log.Debug("Ending session because command exited")
					c.EndSession()
				}
			})
		if err != nil {
			c.fault(fmt.Sprintf("failed to run command: %v", err))
		}
		c.mu.Lock()
		c.cmd = cmd
		c.mu.Unlock()

		enableOnExec = true
		appPids[cmd.Pid()] = struct{}{}
		log.Debugf("Profiling pid: %d", cmd.Pid())
	}

	// The stop thread starts early so pings are serviced even during a
	// slow setup.
	go c.stopThread()

	if c.cfg.WaitForProcess != "" {
		c.waitForProcess(appPids)
	}

	// Only the configured pid set feeds stop-on-exit when no app was
	// launched or awaited.
	var watchPids []int
	if len(appPids) > 0 {
		for pid := range appPids {
			watchPids = append(watchPids, pid)
		}
	} else {
		watchPids = append(watchPids, c.cfg.Pids...)
	}
	for _, pid := range c.cfg.Pids {
		appPids[pid] = struct{}{}
	}

	waitTillStart := xsync.NewWaiter()
	waitTillEnd := xsync.NewWaiter()

	shouldContinue := false
	if !c.sessionEnded() {
		started := func() {
			waitTillStart.Disable()
			c.mu.Lock()
			cmd := c.cmd
			c.mu.Unlock()
			if cmd != nil {
				cmd.Start()
			}
		}
		primary := c.factories.Primary(PrimaryDeps{
			Session:      c,
			Notify:       c.notify,
			Started:      started,
			EnableOnExec: enableOnExec,
			SampleRate:   c.cfg.SampleRate,
		})
		if primary == nil {
			c.fault("Failed to init primary capture source")
		}

		c.mu.Lock()
		c.primary = primary
		shouldContinue = !c.ended
		c.mu.Unlock()
	}

	var watcher *pidwatch.Watcher
	var senderDone, durationDone chan struct{}

	if shouldContinue {
		auxDeps := AuxDeps{
			Session:       c,
			Notify:        c.notify,
			Counters:      c.counters,
			PolledDrivers: c.drivers.Polled(),
		}

		// The trace source is first: it is slow to set up, depends on
		// nothing else, and everything time-syncs against it.
		if !c.prepareAndStart(c.factories.ExternalTrace(auxDeps)) {
			c.fault("Unable to prepare external trace source for capture")
		}

		if !c.primary.Prepare() {
			c.fault("Unable to prepare primary source for capture")
		}

		if c.factories.GpuHw != nil {
			if !c.prepareAndStart(c.factories.GpuHw(auxDeps)) {
				c.fault("Unable to prepare GPU hardware counters source for capture")
			}
		}

		// Seed the pipeline gate: held shut in one-shot mode until the
		// end of session releases it.
		if !c.cfg.OneShot {
			c.gate.Post()
			c.gate.Post()
		}

		if c.cfg.Duration > 0 {
			durationDone = make(chan struct{})
			go c.durationThread(waitTillStart, waitTillEnd, durationDone)
		}

		if c.cfg.StopOnExit && len(watchPids) > 0 {
			watcher = pidwatch.New(watchPids, waitTillEnd, func() {
				log.Debug("Ending session because all watched processes have exited")
				c.EndSession()
			})
			watcher.Start()
		}

		if c.factories.Polled != nil &&
			agent.PolledEligible(c.counters, c.drivers.Polled()) {
			if !c.prepareAndStart(c.factories.Polled(auxDeps)) {
				c.fault("Unable to prepare userspace source for capture")
			}
		}

		if c.factories.Accel != nil {
			if !c.prepareAndStart(c.factories.Accel(auxDeps)) {
				c.fault("Unable to prepare accelerator telemetry source for capture")
			}
		}

		// The sender starts only after every source exists.
		senderDone = make(chan struct{})
		go c.senderThread(senderDone)

		c.primary.Run()
		log.Debug("Primary source finished running")

		// Wake all sleepers, including a start latch that never opened.
		waitTillStart.Disable()
		waitTillEnd.Disable()

		// Later-started sources may depend on earlier ones, so join in
		// reverse insertion order.
		c.mu.Lock()
		others := append([]source.Source(nil), c.others...)
		c.mu.Unlock()
		for i := len(others) - 1; i >= 0; i-- {
			others[i].Join()
		}

		if watcher != nil {
			watcher.Join()
		}
		<-senderDone
		if durationDone != nil {
			<-durationDone
		}
		c.primary.Join()
	}

	<-c.stopDone

	if c.socket == nil {
		c.writeCaptureDocuments()
	}

	log.Debug("Profiling ended.")

	c.mu.Lock()
	c.others = nil
	c.primary = nil
	cmd := c.cmd
	c.mu.Unlock()

	c.send.Shutdown()

	if cmd != nil {
		log.Debugf("Waiting for command (PID: %d)", cmd.Pid())
		cmd.Join()
		log.Debug("Command finished")
	}
}

// setupCounters merges the user counter configuration with the defaults and
// programs the drivers. Explicitly given counters win over the file.
func (c *Child) setupCounters() {
	counters := c.cfg.Counters
	spes := c.cfg.Spes

	if (len(counters) == 0 && len(spes) == 0) || c.cfg.ConfigPath != "" {
		path := c.cfg.ConfigPath
		if path == "" {
			path = defaultConfigPath()
		}
		if fileCfg, err := agent.LoadCaptureConfig(path); err == nil {
			counters = agent.MergeCounters(counters, fileCfg.Counters)
			spes = agent.MergeSpes(spes, fileCfg.Spes)
		} else if c.cfg.ConfigPath != "" {
			// An explicitly named configuration must exist.
			c.fault(fmt.Sprintf("%v", err))
		}
	}

	c.counters = c.drivers.SetupCounters(counters)
	c.capturedSpes = c.drivers.SetupSpes(c.cfg.SampleRate, spes)

	if len(c.counters) == 0 {
		log.Warn("No counters are enabled for this capture")
	}
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.gator/configuration.yaml"
	}
	return "/etc/gator/configuration.yaml"
}

// setupLocalCapture parses the session document and prepares the capture
// directory and data file.
func (c *Child) setupLocalCapture() {
	if c.cfg.SessionXMLPath != "" {
		if doc, err := os.ReadFile(c.cfg.SessionXMLPath); err == nil {
			if err := agent.ApplySessionXML(&c.cfg, doc); err != nil {
				c.fault(fmt.Sprintf("%v", err))
			}
		} else {
			log.Warnf("Unable to read session xml (%s), using default values",
				c.cfg.SessionXMLPath)
		}
	}

	if err := capture.CreateDir(c.cfg.TargetPath); err != nil {
		c.fault(fmt.Sprintf("%v", err))
	}
	capture.CopyImages(c.cfg.Images, c.cfg.TargetPath)
	if err := c.send.CreateDataFile(c.cfg.TargetPath); err != nil {
		c.fault(fmt.Sprintf("%v", err))
	}
}

// writeCaptureDocuments emits the teardown documents of a completed local
// capture.
func (c *Child) writeCaptureDocuments() {
	info := capture.Info{
		SampleRate:   c.cfg.SampleRate,
		Spes:         c.capturedSpes,
		DataDigest:   c.send.DataDigest(),
		CreatedAt:    time.Now(),
		CommandLine:  c.cfg.CaptureCommand,
		CoreCount:    runtime.NumCPU(),
		CompressData: c.cfg.CompressCapture,
	}
	if err := capture.WriteCapturedXML(c.cfg.TargetPath, info); err != nil {
		log.Errorf("Failed to write captured configuration: %v", err)
	}
	if err := capture.WriteCountersXML(c.cfg.TargetPath, c.counters); err != nil {
		log.Errorf("Failed to write counters catalog: %v", err)
	}
}

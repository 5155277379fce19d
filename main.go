// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// gatord-child is the capture child of the profiling daemon: it runs one
// capture session from start to clean shutdown, multiplexing the configured
// sources into the analyzer socket or a local capture directory.
package main

import (
	"io"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/child"
	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
	"github.com/juitem/gator/sources/accel"
	"github.com/juitem/gator/sources/cpuperf"
	"github.com/juitem/gator/sources/ftrace"
	"github.com/juitem/gator/sources/gpuhw"
	"github.com/juitem/gator/sources/polled"
	"github.com/juitem/gator/telemetry"
)

func main() {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		os.Exit(2)
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
	}

	if (args.output == "") == (args.analyzerFd < 0) {
		log.Error("Exactly one of -output and -analyzer-fd must be given")
		os.Exit(2)
	}

	cfg, err := sessionConfig(args)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(2)
	}

	systemDriver := polled.NewSystemDriver()
	drivers := agent.NewDrivers(
		[]agent.Driver{
			cpuperf.NewDriver(),
			gpuhw.NewDriver(),
			accel.NewCounterDriver(),
			systemDriver,
		},
		[]agent.PolledDriver{systemDriver},
	)

	factories := buildFactories(args, cfg)

	var c *child.Child
	if args.analyzerFd >= 0 {
		sock := sender.NewSocketFromFD(args.analyzerFd)
		c, err = child.NewLive(drivers, cfg, sock, factories)
	} else {
		c, err = child.NewLocal(drivers, cfg, factories)
	}
	if err != nil {
		log.Errorf("Failed to create capture session: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	c.Run()
}

func buildFactories(args *arguments, cfg agent.SessionConfig) child.SourceFactories {
	factories := child.SourceFactories{
		Primary: func(deps child.PrimaryDeps) source.Source {
			return cpuperf.New(cpuperf.Deps{
				Session:    deps.Session,
				Notify:     deps.Notify,
				Started:    deps.Started,
				SampleRate: deps.SampleRate,
			})
		},
		ExternalTrace: func(deps child.AuxDeps) source.Source {
			return ftrace.New(deps.Session, deps.Notify, args.tracePipe)
		},
		Polled: func(deps child.AuxDeps) source.Source {
			return polled.New(deps.Session, deps.Notify, deps.PolledDrivers, 0)
		},
	}

	if args.gpuCounters != "" {
		factories.GpuHw = func(deps child.AuxDeps) source.Source {
			return gpuhw.New(deps.Session, deps.Notify, args.gpuCounters,
				gpuhw.CounterKeys(deps.Counters), 0)
		}
	}

	if args.accelSocket != "" {
		store := telemetry.NewGlobalStateStore(telemetry.CaptureModePeriodic,
			cfg.SamplePeriod)
		factories.Accel = func(deps child.AuxDeps) source.Source {
			accel.RequestedEvents(store, deps.Counters)
			return accel.New(deps.Session, deps.Notify, store,
				func() (io.ReadWriteCloser, error) {
					return net.Dial("unix", args.accelSocket)
				})
		}
	}

	return factories
}

// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/juitem/gator/agent"
)

const (
	// defaultSampleRate is the CPU sample frequency set on every session
	// configuration. It is set before the session document is read, and a
	// nonzero rate is kept over the document's sample_rate, so the document
	// does not change it.
	defaultSampleRate = 1009
	// defaultSamplePeriod is the accelerator telemetry period in
	// microseconds.
	defaultSamplePeriod = 1000
)

// Help strings for command line arguments.
var (
	outputHelp       = "Local capture output directory. Mutually exclusive with -analyzer-fd."
	analyzerFdHelp   = "Inherited descriptor of the connected analyzer socket."
	sessionXMLHelp   = "Path to the session document for local captures."
	configHelp       = "Path to the counter configuration file."
	countersHelp     = "Comma-separated list of counters to capture."
	spesHelp         = "Comma-separated list of SPE configuration ids."
	appHelp          = "Command line to launch and profile, split on whitespace."
	pidsHelp         = "Comma-separated list of pids to profile and watch."
	waitProcessHelp  = "Delay the capture until a process with this name appears."
	durationHelp     = "Wall-clock capture duration. 0 means unbounded."
	oneShotHelp      = "Hold the pipeline until the session ends, then emit everything at once."
	stopOnExitHelp   = "End the session when the launched command or watched pids exit."
	imagesHelp       = "Comma-separated list of image files to copy into the capture."
	compressHelp     = "Compress the local capture data file with zstd."
	gpuCountersHelp  = "Path to the GPU counter export file. Empty disables the GPU source."
	tracePipeHelp    = "Path to the kernel trace pipe."
	accelSocketHelp  = "Unix socket path of the accelerator telemetry device. Empty disables the source."
	verboseHelp      = "Enable verbose logging and debugging capabilities."
	samplePeriodHelp = "Accelerator telemetry sample period in microseconds."
)

// arguments is the parsed command line of the capture child.
type arguments struct {
	output       string
	analyzerFd   int
	sessionXML   string
	configPath   string
	counters     string
	spes         string
	app          string
	pids         string
	waitProcess  string
	duration     time.Duration
	oneShot      bool
	stopOnExit   bool
	images       string
	compress     bool
	gpuCounters  string
	tracePipe    string
	accelSocket  string
	verboseMode  bool
	samplePeriod uint
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("gatord-child", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.accelSocket, "accel-socket", "", accelSocketHelp)

	fs.IntVar(&args.analyzerFd, "analyzer-fd", -1, analyzerFdHelp)
	fs.StringVar(&args.app, "app", "", appHelp)

	fs.BoolVar(&args.compress, "compress-capture", false, compressHelp)
	fs.StringVar(&args.configPath, "config", "", configHelp)
	fs.StringVar(&args.counters, "counters", "", countersHelp)

	fs.DurationVar(&args.duration, "duration", 0, durationHelp)

	fs.String("flags-file", "", "Read additional flags from this file.")

	fs.StringVar(&args.gpuCounters, "gpu-counters", "", gpuCountersHelp)

	fs.StringVar(&args.images, "images", "", imagesHelp)

	fs.BoolVar(&args.oneShot, "one-shot", false, oneShotHelp)
	fs.StringVar(&args.output, "output", "", outputHelp)

	fs.StringVar(&args.pids, "pid", "", pidsHelp)

	fs.UintVar(&args.samplePeriod, "sample-period", defaultSamplePeriod,
		samplePeriodHelp)
	fs.StringVar(&args.sessionXML, "session-xml", "", sessionXMLHelp)
	fs.StringVar(&args.spes, "spe", "", spesHelp)
	fs.BoolVar(&args.stopOnExit, "stop-on-exit", false, stopOnExitHelp)

	fs.StringVar(&args.tracePipe, "trace-pipe", "", tracePipeHelp)

	fs.BoolVar(&args.verboseMode, "verbose", false, verboseHelp)

	fs.StringVar(&args.waitProcess, "wait-process", "", waitProcessHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("GATORD"),
		ff.WithConfigFileFlag("flags-file"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

// sessionConfig folds the parsed arguments into the immutable session
// configuration.
func sessionConfig(args *arguments) (agent.SessionConfig, error) {
	cfg := agent.SessionConfig{
		TargetPath:      args.output,
		Duration:        args.duration,
		OneShot:         args.oneShot,
		StopOnExit:      args.stopOnExit,
		WaitForProcess:  args.waitProcess,
		SessionXMLPath:  args.sessionXML,
		ConfigPath:      args.configPath,
		SampleRate:      defaultSampleRate,
		SamplePeriod:    uint32(args.samplePeriod),
		CompressCapture: args.compress,
	}

	for _, name := range splitList(args.counters) {
		cfg.Counters = append(cfg.Counters, agent.CounterConfig{Name: name})
	}
	for _, id := range splitList(args.spes) {
		cfg.Spes = append(cfg.Spes, agent.SpeConfig{ID: id})
	}
	if args.app != "" {
		cfg.CaptureCommand = strings.Fields(args.app)
	}
	for _, raw := range splitList(args.pids) {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid pid %q", raw)
		}
		cfg.Pids = append(cfg.Pids, pid)
	}
	cfg.Images = splitList(args.images)

	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

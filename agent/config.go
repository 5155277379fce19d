// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent holds the capture session configuration and the counter
// driver model shared by the session child and its sources.
package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CounterConfig is one requested counter, from the command line or the
// counter configuration file.
type CounterConfig struct {
	Name  string `yaml:"name"`
	Event int    `yaml:"event,omitempty"`
	Count int    `yaml:"count,omitempty"`
	Cores string `yaml:"cores,omitempty"`
}

// SpeConfig is one requested statistical-profiling-extension configuration.
type SpeConfig struct {
	ID         string `yaml:"id"`
	MinLatency int    `yaml:"min_latency,omitempty"`
	Ops        string `yaml:"ops,omitempty"`
}

// CapturedSpe is an SPE configuration claimed by a driver for this session.
type CapturedSpe struct {
	ID  string
	Key int
}

// CaptureConfig is the counter configuration file format.
type CaptureConfig struct {
	Counters []CounterConfig `yaml:"counters"`
	Spes     []SpeConfig     `yaml:"spes"`
}

// SessionConfig is immutable after construction and fully describes one
// capture session.
type SessionConfig struct {
	// TargetPath is the local capture directory; empty for socket targets.
	TargetPath string

	Counters []CounterConfig
	Spes     []SpeConfig

	// Duration bounds the session wall-clock time; 0 means unbounded.
	Duration time.Duration

	OneShot    bool
	StopOnExit bool

	CaptureCommand []string
	CommandEnv     []string
	WorkingDir     string

	Pids           []int
	WaitForProcess string

	Images []string

	SessionXMLPath string
	ConfigPath     string

	// SampleRate is the CPU sample frequency in Hz.
	SampleRate int
	// SamplePeriod is the accelerator telemetry sample period in
	// microseconds.
	SamplePeriod uint32

	CompressCapture bool
}

// LoadCaptureConfig reads the counter configuration file.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read configuration %s: %v", path, err)
	}
	var cfg CaptureConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("malformed configuration %s: %v", path, err)
	}
	return &cfg, nil
}

// MergeCounters merges configuration-file counters into the explicitly given
// set. Explicit counters take priority over same-named file entries.
func MergeCounters(explicit, fromFile []CounterConfig) []CounterConfig {
	merged := make([]CounterConfig, 0, len(explicit)+len(fromFile))
	seen := make(map[string]struct{}, len(explicit))
	for _, c := range explicit {
		merged = append(merged, c)
		seen[c.Name] = struct{}{}
	}
	for _, c := range fromFile {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		merged = append(merged, c)
	}
	return merged
}

// MergeSpes merges configuration-file SPE entries into the explicit set with
// the same priority rule as MergeCounters.
func MergeSpes(explicit, fromFile []SpeConfig) []SpeConfig {
	merged := make([]SpeConfig, 0, len(explicit)+len(fromFile))
	seen := make(map[string]struct{}, len(explicit))
	for _, s := range explicit {
		merged = append(merged, s)
		seen[s.ID] = struct{}{}
	}
	for _, s := range fromFile {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		merged = append(merged, s)
	}
	return merged
}

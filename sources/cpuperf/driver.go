// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package cpuperf

import (
	"strings"

	"github.com/juitem/gator/agent"
)

// Driver claims the cpu_* counter namespace and the ARM SPE configurations
// for the primary source.
type Driver struct{}

// NewDriver creates the CPU counter driver.
func NewDriver() *Driver { return &Driver{} }

// Name identifies the driver.
func (Driver) Name() string { return "perf" }

// ResetCounters has nothing to clear; perf events are per-session anyway.
func (Driver) ResetCounters() {}

// ClaimCounter claims the cpu_* counter namespace.
func (Driver) ClaimCounter(name string) bool {
	return strings.HasPrefix(name, "cpu_")
}

// SetupCounter accepts every claimed counter. The primary source opens only
// its CPU-clock events at Prepare time; no per-counter event is opened.
func (Driver) SetupCounter(*agent.Counter) bool { return true }

// ClaimSpe claims ARM statistical-profiling configurations.
func (Driver) ClaimSpe(_ int, spe agent.SpeConfig) (agent.CapturedSpe, bool) {
	if !strings.HasPrefix(spe.ID, "armv8_spe") {
		return agent.CapturedSpe{}, false
	}
	return agent.CapturedSpe{ID: spe.ID, Key: agent.NextKey()}, true
}

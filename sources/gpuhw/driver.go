// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package gpuhw

import (
	"strings"

	"github.com/juitem/gator/agent"
)

// Driver claims the gpu_* counter namespace for the GPU hardware counter
// source.
type Driver struct{}

// NewDriver creates the GPU counter driver.
func NewDriver() *Driver { return &Driver{} }

// Name identifies the driver.
func (Driver) Name() string { return "gpuhw" }

// ResetCounters has no per-session state to clear.
func (Driver) ResetCounters() {}

// ClaimCounter claims the gpu_* counter namespace.
func (Driver) ClaimCounter(name string) bool {
	return strings.HasPrefix(name, "gpu_")
}

// SetupCounter accepts every claimed counter; unexported counters simply
// never appear in the export file.
func (Driver) SetupCounter(*agent.Counter) bool { return true }

// ClaimSpe never claims; SPE is a CPU facility.
func (Driver) ClaimSpe(int, agent.SpeConfig) (agent.CapturedSpe, bool) {
	return agent.CapturedSpe{}, false
}

// CounterKeys maps enabled gpu_* counter names to their capture keys.
func CounterKeys(counters []*agent.Counter) map[string]int {
	keys := make(map[string]int)
	for _, c := range counters {
		if c.Enabled && strings.HasPrefix(c.Name, "gpu_") {
			keys[c.Name] = c.Key
		}
	}
	return keys
}

// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package accel

import (
	"strings"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/telemetry"
)

// counterPrefix namespaces accelerator counters in the configuration:
// "accel:<category>/<event>".
const counterPrefix = "accel:"

// CounterDriver claims the accel: counter namespace so requested telemetry
// events get capture keys like every other counter.
type CounterDriver struct{}

// NewCounterDriver creates the driver.
func NewCounterDriver() *CounterDriver { return &CounterDriver{} }

// Name identifies the driver.
func (CounterDriver) Name() string { return "accel" }

// ResetCounters has no per-session state to clear.
func (CounterDriver) ResetCounters() {}

// ClaimCounter claims well-formed accel:<category>/<event> names.
func (CounterDriver) ClaimCounter(name string) bool {
	_, ok := ParseEventID(name)
	return ok
}

// SetupCounter accepts every claimed counter; availability is only known
// once the device sends its directory.
func (CounterDriver) SetupCounter(*agent.Counter) bool { return true }

// ClaimSpe never claims; SPE is a CPU facility.
func (CounterDriver) ClaimSpe(int, agent.SpeConfig) (agent.CapturedSpe, bool) {
	return agent.CapturedSpe{}, false
}

// ParseEventID parses an accel:<category>/<event> counter name.
func ParseEventID(name string) (telemetry.EventID, bool) {
	rest, ok := strings.CutPrefix(name, counterPrefix)
	if !ok {
		return telemetry.EventID{}, false
	}
	category, event, ok := strings.Cut(rest, "/")
	if !ok || category == "" || event == "" {
		return telemetry.EventID{}, false
	}
	return telemetry.EventID{Category: category, Name: event}, true
}

// RequestedEvents registers every enabled accelerator counter with the
// global state store.
func RequestedEvents(store *telemetry.GlobalStateStore, counters []*agent.Counter) {
	for _, counter := range counters {
		if id, ok := ParseEventID(counter.Name); ok && counter.Enabled {
			store.Request(id, counter.Key)
		}
	}
}
